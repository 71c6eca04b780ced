package postgres

import (
	"context"
	"database/sql"
	"errors"

	"churchevents/internal/domain"
)

type seniorRepository struct {
	DB *sql.DB
}

func NewSeniorRepository(db *sql.DB) domain.SeniorRepository {
	return &seniorRepository{DB: db}
}

func (r *seniorRepository) Create(ctx context.Context, s *domain.Senior) error {
	query := `
		INSERT INTO seniors (name, phone, cpf, email, church_name, pastor_name, managed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		s.Name, s.Phone, s.CPF, s.Email, s.ChurchName, s.PastorName, s.ManagedBy, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
}

func (r *seniorRepository) GetByID(ctx context.Context, id string) (*domain.Senior, error) {
	query := `
		SELECT id, name, phone, cpf, email, church_name, pastor_name, managed_by, created_at, updated_at
		FROM seniors
		WHERE id = $1
	`
	s := &domain.Senior{}
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.Phone, &s.CPF, &s.Email, &s.ChurchName, &s.PastorName, &s.ManagedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *seniorRepository) ListByManager(ctx context.Context, managerID string) ([]*domain.Senior, error) {
	query := `
		SELECT id, name, phone, cpf, email, church_name, pastor_name, managed_by, created_at, updated_at
		FROM seniors
		WHERE managed_by = $1
		ORDER BY name ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seniors := make([]*domain.Senior, 0)
	for rows.Next() {
		s := &domain.Senior{}
		if err := rows.Scan(
			&s.ID, &s.Name, &s.Phone, &s.CPF, &s.Email, &s.ChurchName, &s.PastorName, &s.ManagedBy, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		seniors = append(seniors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seniors, nil
}
