package domain

import (
	"context"
	"time"
)

// Senior is a secretary-managed participant without their own login.
// swagger:model Senior
type Senior struct {
	ID         string    `json:"id"`
	Name       string    `json:"name" validate:"required,notblank"`
	Phone      string    `json:"phone" validate:"required,br_phone"`
	CPF        string    `json:"cpf" validate:"required,cpf"`
	Email      string    `json:"email,omitempty" validate:"omitempty,email"`
	ChurchName string    `json:"church_name,omitempty"`
	PastorName string    `json:"pastor_name,omitempty"`
	ManagedBy  string    `json:"managed_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot copies the senior's contact data for a registration.
func (s *Senior) Snapshot() ParticipantSnapshot {
	return ParticipantSnapshot{
		Name:       s.Name,
		Email:      s.Email,
		Phone:      s.Phone,
		CPF:        s.CPF,
		ChurchName: s.ChurchName,
		PastorName: s.PastorName,
	}
}

// SeniorRepository stores secretary-managed participants.
type SeniorRepository interface {
	Create(ctx context.Context, s *Senior) error
	GetByID(ctx context.Context, id string) (*Senior, error)
	ListByManager(ctx context.Context, managerID string) ([]*Senior, error)
}

// SeniorService manages senior records.
type SeniorService interface {
	Create(ctx context.Context, s *Senior) error
	ListMine(ctx context.Context, managerID string) ([]*Senior, error)
}
