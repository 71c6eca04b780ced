package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"churchevents/internal/domain"

	"github.com/lib/pq"
)

const activeParticipantIndex = "registrations_active_participant_key"

const registrationColumns = `id, event_id, participant_id, participant_kind, registered_by,
		name, email, phone, cpf, church_name, pastor_name,
		status, payment_status,
		gateway_payment_id, gateway_status, gateway_status_detail, payment_amount_cents, payment_description,
		qr_code, qr_code_base64, ticket_url, payment_updated_at,
		payer_identification, paid_amount_cents, installments, paid_at, refunded_at, cancellation_note,
		checked_in, checked_in_at, checked_in_by,
		approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
		created_at, updated_at`

type registrationRepository struct {
	DB *sql.DB
}

func NewRegistrationRepository(db *sql.DB) domain.RegistrationRepository {
	return &registrationRepository{
		DB: db,
	}
}

// Admit locks the event row, so admissions for the same event run one at a time.
// The duplicate and capacity checks read registrations under that lock.
func (r *registrationRepository) Admit(ctx context.Context, reg *domain.Registration, policy domain.CapacityPolicy) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admission: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status domain.EventStatus
	var maxParticipants int
	err = tx.QueryRowContext(ctx, `SELECT status, max_participants FROM events WHERE id = $1 FOR UPDATE`, reg.EventID).
		Scan(&status, &maxParticipants)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewRegistrationError(domain.EventUnavailable)
		}
		return classify(fmt.Errorf("lock event: %w", err))
	}
	if status != domain.EventActive {
		return domain.NewRegistrationError(domain.EventUnavailable)
	}

	var dup int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND participant_id = $2 AND status <> 'rejected'`,
		reg.EventID, reg.Participant.ID,
	).Scan(&dup)
	if err != nil {
		return classify(fmt.Errorf("check duplicate: %w", err))
	}
	if dup > 0 {
		return domain.NewRegistrationError(domain.DuplicateRegistration)
	}

	if maxParticipants > 0 {
		var counted int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = ANY($2)`,
			reg.EventID, pq.Array(statusStrings(policy.CountedStatuses())),
		).Scan(&counted)
		if err != nil {
			return classify(fmt.Errorf("count registrations: %w", err))
		}
		if counted >= maxParticipants {
			return domain.NewRegistrationError(domain.EventFull)
		}
	}

	s := reg.Snapshot
	err = tx.QueryRowContext(ctx, `
		INSERT INTO registrations (event_id, participant_id, participant_kind, registered_by,
			name, email, phone, cpf, church_name, pastor_name, status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		reg.EventID, reg.Participant.ID, reg.Participant.Kind, reg.RegisteredBy,
		s.Name, s.Email, s.Phone, s.CPF, s.ChurchName, s.PastorName,
		reg.Status, reg.PaymentStatus, reg.CreatedAt, reg.UpdatedAt,
	).Scan(&reg.ID)
	if err != nil {
		return classify(fmt.Errorf("insert registration: %w", err))
	}

	if policy.Counts(reg.Status) {
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET current_participants = current_participants + 1, updated_at = $2 WHERE id = $1`,
			reg.EventID, reg.CreatedAt,
		)
		if err != nil {
			return classify(fmt.Errorf("increment participants: %w", err))
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit admission: %w", err))
	}
	return nil
}

func (r *registrationRepository) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	return scanRegistration(r.DB.QueryRowContext(ctx, query, id))
}

func (r *registrationRepository) GetActiveByEventAndParticipant(ctx context.Context, eventID, participantID string) (*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + `
		FROM registrations
		WHERE event_id = $1 AND participant_id = $2 AND status <> 'rejected'`
	return scanRegistration(r.DB.QueryRowContext(ctx, query, eventID, participantID))
}

func (r *registrationRepository) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE gateway_payment_id = $1`
	return scanRegistration(r.DB.QueryRowContext(ctx, query, gatewayPaymentID))
}

func (r *registrationRepository) ListByEvent(ctx context.Context, eventID string, filter domain.RegistrationFilter, page domain.PaginationParams) ([]*domain.Registration, int, error) {
	where := `WHERE event_id = $1`
	args := []any{eventID}
	if filter.Status != nil {
		where += ` AND status = $2`
		args = append(args, *filter.Status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM registrations %s ORDER BY created_at ASC LIMIT $%d OFFSET $%d`,
		registrationColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.Limit(20), page.Offset())
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}
	list, err := collectRegistrations(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *registrationRepository) ListByParticipantOrActor(ctx context.Context, userID string) ([]*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + `
		FROM registrations
		WHERE participant_id = $1 OR registered_by = $1
		ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return collectRegistrations(rows)
}

func (r *registrationRepository) ListAwaitingPayment(ctx context.Context, before time.Time, limit int) ([]*domain.Registration, error) {
	query := `SELECT ` + registrationColumns + `
		FROM registrations
		WHERE payment_status = 'pending'
			AND gateway_payment_id IS NOT NULL
			AND status <> 'rejected'
			AND COALESCE(payment_updated_at, created_at) < $1
		ORDER BY COALESCE(payment_updated_at, created_at) ASC
		LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list awaiting payment: %w", err)
	}
	return collectRegistrations(rows)
}

func (r *registrationRepository) CountTowardCapacity(ctx context.Context, eventID string, policy domain.CapacityPolicy) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = ANY($2)`,
		eventID, pq.Array(statusStrings(policy.CountedStatuses())),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

// ApplyStatusChange writes the status and the counter delta in one transaction.
// A non-zero delta locks the event row first, the same lock Admit takes.
func (r *registrationRepository) ApplyStatusChange(ctx context.Context, c domain.StatusChange) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status change: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if c.CounterDelta != 0 {
		var maxParticipants int
		err = tx.QueryRowContext(ctx,
			`SELECT max_participants FROM events WHERE id = $1 FOR UPDATE`, c.EventID,
		).Scan(&maxParticipants)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return classify(fmt.Errorf("lock event: %w", err))
		}
		if c.EnforceCapacity && c.CounterDelta > 0 && maxParticipants > 0 {
			var counted int
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = ANY($2)`,
				c.EventID, pq.Array(statusStrings(c.Policy.CountedStatuses())),
			).Scan(&counted)
			if err != nil {
				return classify(fmt.Errorf("count registrations: %w", err))
			}
			if counted+c.CounterDelta > maxParticipants {
				return domain.NewRegistrationError(domain.EventFull)
			}
		}
	}

	var paymentFrom, paymentTo string
	if c.Payment != nil {
		paymentFrom, paymentTo = string(c.Payment.From), string(c.Payment.To)
	}

	var res sql.Result
	switch c.To {
	case domain.StatusApproved:
		res, err = tx.ExecContext(ctx, `
			UPDATE registrations
			SET status = $3, approved_by = $4, approved_at = $5, updated_at = $5
			WHERE id = $1 AND status = $2`,
			c.RegistrationID, c.From, c.To, c.ActorID, c.At,
		)
	case domain.StatusRejected:
		res, err = tx.ExecContext(ctx, `
			UPDATE registrations
			SET status = $3, rejected_by = $4, rejected_at = $5, rejection_reason = $6,
				cancellation_note = COALESCE(NULLIF($7, ''), cancellation_note),
				payment_status = COALESCE(NULLIF($9::text, ''), payment_status),
				payment_updated_at = CASE WHEN $9::text = '' THEN payment_updated_at ELSE $5 END,
				updated_at = $5
			WHERE id = $1 AND status = $2 AND ($8::text = '' OR payment_status = $8::text)`,
			c.RegistrationID, c.From, c.To, c.ActorID, c.At, c.Reason, c.CancellationNote, paymentFrom, paymentTo,
		)
	default:
		res, err = tx.ExecContext(ctx,
			`UPDATE registrations SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			c.RegistrationID, c.From, c.To, c.At,
		)
	}
	if err != nil {
		return classify(fmt.Errorf("update registration status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update registration status: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}

	if c.CounterDelta != 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET current_participants = GREATEST(current_participants + $2, 0), updated_at = $3 WHERE id = $1`,
			c.EventID, c.CounterDelta, c.At,
		)
		if err != nil {
			return classify(fmt.Errorf("adjust participants: %w", err))
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit status change: %w", err))
	}
	return nil
}

func (r *registrationRepository) MarkCheckedIn(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE registrations
		SET checked_in = TRUE, checked_in_at = $2, checked_in_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'approved' AND checked_in = FALSE`,
		id, at, actorID,
	)
	if err != nil {
		return false, fmt.Errorf("check in registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check in registration: %w", err)
	}
	return n == 1, nil
}

// SetPaymentIntent stores the gateway reference. It never replaces a different gateway payment ID.
func (r *registrationRepository) SetPaymentIntent(ctx context.Context, id string, ref domain.PaymentIntentRef) error {
	updatedAt := time.Now().UTC()
	if ref.UpdatedAt != nil {
		updatedAt = *ref.UpdatedAt
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE registrations
		SET gateway_payment_id = $2, gateway_status = $3, gateway_status_detail = $4,
			payment_amount_cents = $5, payment_description = $6,
			qr_code = $7, qr_code_base64 = $8, ticket_url = $9,
			payment_updated_at = $10, updated_at = $10
		WHERE id = $1 AND (gateway_payment_id IS NULL OR gateway_payment_id = $2)`,
		id, ref.GatewayPaymentID, ref.GatewayStatus, ref.StatusDetail,
		ref.AmountCents, ref.Description,
		ref.QRCode, ref.QRCodeBase64, ref.TicketURL,
		updatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("set payment intent: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set payment intent: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// CompareAndSwapPayment writes u only while payment_status still equals u.Expected.
// Empty gateway fields keep their stored value; refunded_at keeps the first refund time.
func (r *registrationRepository) CompareAndSwapPayment(ctx context.Context, u domain.PaymentUpdate) error {
	var identification string
	var paidAmount, installments sql.NullInt64
	var paidAt, refundedAt sql.NullTime
	if u.Payer != nil {
		identification = u.Payer.Identification
		if u.Payer.PaidAmountCents != nil {
			paidAmount = sql.NullInt64{Int64: *u.Payer.PaidAmountCents, Valid: true}
		}
		if u.Payer.Installments != nil {
			installments = sql.NullInt64{Int64: int64(*u.Payer.Installments), Valid: true}
		}
		if u.Payer.PaidAt != nil {
			paidAt = sql.NullTime{Time: *u.Payer.PaidAt, Valid: true}
		}
	}
	if u.RefundedAt != nil {
		refundedAt = sql.NullTime{Time: *u.RefundedAt, Valid: true}
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE registrations
		SET payment_status = $3,
			gateway_status = COALESCE(NULLIF($4, ''), gateway_status),
			gateway_status_detail = COALESCE(NULLIF($5, ''), gateway_status_detail),
			gateway_payment_id = COALESCE(gateway_payment_id, NULLIF($6, '')),
			payer_identification = COALESCE(NULLIF($7, ''), payer_identification),
			paid_amount_cents = COALESCE($8, paid_amount_cents),
			installments = COALESCE($9, installments),
			paid_at = COALESCE($10, paid_at),
			refunded_at = COALESCE(refunded_at, $11),
			cancellation_note = COALESCE(NULLIF($12, ''), cancellation_note),
			payment_updated_at = $13,
			updated_at = $13
		WHERE id = $1 AND payment_status = $2`,
		u.RegistrationID, u.Expected, u.Next,
		u.GatewayStatus, u.StatusDetail, u.GatewayPaymentID,
		identification, paidAmount, installments, paidAt, refundedAt,
		u.CancellationNote, u.At,
	)
	if err != nil {
		return classify(fmt.Errorf("update payment status: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *registrationRepository) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM registrations WHERE event_id = $1`, eventID)
	if err != nil {
		return 0, fmt.Errorf("delete registrations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete registrations: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*domain.Registration, error) {
	reg := &domain.Registration{}
	var gatewayPaymentID sql.NullString
	var paidAmount, installments sql.NullInt64
	var paymentUpdatedAt, paidAt, refundedAt, checkedInAt, approvedAt, rejectedAt sql.NullTime
	s := &reg.Snapshot
	err := row.Scan(
		&reg.ID, &reg.EventID, &reg.Participant.ID, &reg.Participant.Kind, &reg.RegisteredBy,
		&s.Name, &s.Email, &s.Phone, &s.CPF, &s.ChurchName, &s.PastorName,
		&reg.Status, &reg.PaymentStatus,
		&gatewayPaymentID, &reg.Payment.GatewayStatus, &reg.Payment.StatusDetail, &reg.Payment.AmountCents, &reg.Payment.Description,
		&reg.Payment.QRCode, &reg.Payment.QRCodeBase64, &reg.Payment.TicketURL, &paymentUpdatedAt,
		&reg.Payer.Identification, &paidAmount, &installments, &paidAt, &refundedAt, &reg.CancellationNote,
		&reg.CheckedIn, &checkedInAt, &reg.CheckedInBy,
		&reg.ApprovedBy, &approvedAt, &reg.RejectedBy, &rejectedAt, &reg.RejectionReason,
		&reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || invalidTextRepresentation(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	reg.Payment.GatewayPaymentID = gatewayPaymentID.String
	if paidAmount.Valid {
		v := paidAmount.Int64
		reg.Payer.PaidAmountCents = &v
	}
	if installments.Valid {
		v := int(installments.Int64)
		reg.Payer.Installments = &v
	}
	reg.Payment.UpdatedAt = timePtr(paymentUpdatedAt)
	reg.Payer.PaidAt = timePtr(paidAt)
	reg.RefundedAt = timePtr(refundedAt)
	reg.CheckedInAt = timePtr(checkedInAt)
	reg.ApprovedAt = timePtr(approvedAt)
	reg.RejectedAt = timePtr(rejectedAt)
	return reg, nil
}

func collectRegistrations(rows *sql.Rows) ([]*domain.Registration, error) {
	defer rows.Close()
	list := make([]*domain.Registration, 0)
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return list, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func statusStrings(statuses []domain.RegistrationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// classify maps Postgres errors the ledger cares about onto domain errors.
// Serialization failures and deadlocks become ErrConflict so the caller re-runs the decision.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", domain.ErrConflict, strings.TrimSpace(pqErr.Message))
	case "23505":
		if pqErr.Constraint == activeParticipantIndex {
			return domain.NewRegistrationError(domain.DuplicateRegistration)
		}
	}
	return err
}

// invalidTextRepresentation reports Postgres refusing a malformed literal, such as a non-UUID id.
// No row can match such a key.
func invalidTextRepresentation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
