package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"churchevents/internal/domain"

	"github.com/lib/pq"
)

const eventColumns = `id, title, description, starts_at, ends_at, location, price_cents,
		max_participants, current_participants, status, church_id, created_by, created_at, updated_at`

type eventRepository struct {
	DB *sql.DB
}

func NewEventRepository(db *sql.DB) domain.EventRepository {
	return &eventRepository{
		DB: db,
	}
}

func (r *eventRepository) Create(ctx context.Context, e *domain.Event) error {
	query := `
		INSERT INTO events (title, description, starts_at, ends_at, location, price_cents,
			max_participants, current_participants, status, church_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		e.Title, e.Description, e.StartsAt, e.EndsAt, e.Location, e.PriceCents,
		e.MaxParticipants, e.CurrentParticipants, e.Status, e.ChurchID, e.CreatedBy, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
}

func (r *eventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return scanEvent(r.DB.QueryRowContext(ctx, query, id))
}

func (r *eventRepository) List(ctx context.Context, status *domain.EventStatus, page domain.PaginationParams) ([]*domain.Event, int, error) {
	where := ""
	args := []any{}
	if status != nil {
		where = `WHERE status = $1`
		args = append(args, *status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY starts_at ASC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.Limit(20), page.Offset())
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *eventRepository) ListIDsByStatus(ctx context.Context, status domain.EventStatus) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM events WHERE status = $1 ORDER BY starts_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list event ids: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *eventRepository) UpdateStatus(ctx context.Context, id string, status domain.EventStatus) (*domain.Event, error) {
	query := `UPDATE events SET status = $2, updated_at = $3 WHERE id = $1 RETURNING ` + eventColumns
	return scanEvent(r.DB.QueryRowContext(ctx, query, id, status, time.Now().UTC()))
}

func (r *eventRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResyncParticipants takes the event row lock, so it cannot interleave with an admission.
func (r *eventRepository) ResyncParticipants(ctx context.Context, id string, policy domain.CapacityPolicy) (d domain.Drift, err error) {
	d.EventID = id
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, fmt.Errorf("begin resync: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT current_participants FROM events WHERE id = $1 FOR UPDATE`, id).Scan(&d.Stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, domain.ErrNotFound
		}
		return d, classify(fmt.Errorf("lock event: %w", err))
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = ANY($2)`,
		id, pq.Array(statusStrings(policy.CountedStatuses())),
	).Scan(&d.Computed)
	if err != nil {
		return d, classify(fmt.Errorf("count registrations: %w", err))
	}
	if d.Corrected() {
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET current_participants = $2, updated_at = $3 WHERE id = $1`,
			id, d.Computed, time.Now().UTC(),
		)
		if err != nil {
			return d, classify(fmt.Errorf("update participants: %w", err))
		}
	}
	if err = tx.Commit(); err != nil {
		return d, classify(fmt.Errorf("commit resync: %w", err))
	}
	return d, nil
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	e := &domain.Event{}
	var endsAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.StartsAt, &endsAt, &e.Location, &e.PriceCents,
		&e.MaxParticipants, &e.CurrentParticipants, &e.Status, &e.ChurchID, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	e.EndsAt = timePtr(endsAt)
	return e, nil
}
