package services

import (
	"context"
	"fmt"
	"time"

	"churchevents/internal/domain"
	"churchevents/internal/validation"
)

type seniorService struct {
	seniorRepo domain.SeniorRepository
	validator  *validation.Validator
}

// NewSeniorService creates a SeniorService.
func NewSeniorService(seniorRepo domain.SeniorRepository, v *validation.Validator) domain.SeniorService {
	return &seniorService{seniorRepo: seniorRepo, validator: v}
}

func (s *seniorService) Create(ctx context.Context, senior *domain.Senior) error {
	if senior.ManagedBy == "" {
		return fmt.Errorf("%w: managing secretary is required", domain.ErrInvalidInput)
	}
	if fields := s.validator.InvalidFields(senior); len(fields) > 0 {
		return domain.NewRegistrationError(domain.InvalidParticipant, fields...)
	}
	snap := normalizeSnapshot(senior.Snapshot())
	senior.Name, senior.Email, senior.Phone, senior.CPF = snap.Name, snap.Email, snap.Phone, snap.CPF
	senior.ChurchName, senior.PastorName = snap.ChurchName, snap.PastorName

	now := time.Now().UTC()
	senior.CreatedAt = now
	senior.UpdatedAt = now
	return s.seniorRepo.Create(ctx, senior)
}

func (s *seniorService) ListMine(ctx context.Context, managerID string) ([]*domain.Senior, error) {
	return s.seniorRepo.ListByManager(ctx, managerID)
}
