package services

import (
	"context"
	"errors"
	"fmt"

	"churchevents/internal/domain"
)

type registrationQueryService struct {
	eventRepo domain.EventRepository
	regRepo   domain.RegistrationRepository
}

// NewRegistrationQueryService creates the read side over registrations.
func NewRegistrationQueryService(eventRepo domain.EventRepository, regRepo domain.RegistrationRepository) domain.RegistrationQueryService {
	return &registrationQueryService{
		eventRepo: eventRepo,
		regRepo:   regRepo,
	}
}

func (s *registrationQueryService) Get(ctx context.Context, registrationID string) (*domain.Registration, error) {
	return s.regRepo.GetByID(ctx, registrationID)
}

// ListMine returns the caller's own registrations and the ones they submitted for seniors.
func (s *registrationQueryService) ListMine(ctx context.Context, userID string) ([]*domain.RegistrationWithEvent, error) {
	regs, err := s.regRepo.ListByParticipantOrActor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	eventsByID := make(map[string]*domain.Event)
	result := make([]*domain.RegistrationWithEvent, 0, len(regs))
	for _, reg := range regs {
		ev, ok := eventsByID[reg.EventID]
		if !ok {
			ev, err = s.eventRepo.GetByID(ctx, reg.EventID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get event for registration: %w", err)
			}
			eventsByID[reg.EventID] = ev
		}
		result = append(result, &domain.RegistrationWithEvent{
			Registration: reg,
			Event:        ev,
		})
	}
	return result, nil
}

func (s *registrationQueryService) ListForEvent(ctx context.Context, eventID string, filter domain.RegistrationFilter, page domain.PaginationParams) ([]*domain.Registration, int, error) {
	if _, err := s.eventRepo.GetByID(ctx, eventID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get event: %w", err)
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, *filter.Status)
	}
	return s.regRepo.ListByEvent(ctx, eventID, filter, page)
}
