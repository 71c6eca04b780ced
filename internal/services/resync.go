package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"churchevents/internal/domain"
)

type resyncService struct {
	eventRepo domain.EventRepository
	policy    domain.CapacityPolicy
	logger    *slog.Logger
}

// NewResyncService returns the participant-counter resynchronization routine.
func NewResyncService(eventRepo domain.EventRepository, policy domain.CapacityPolicy, logger *slog.Logger) domain.ResyncService {
	return &resyncService{eventRepo: eventRepo, policy: policy, logger: logger}
}

// ResyncEvent recomputes one event's counter from its registrations. Running it again without
// intervening admissions changes nothing.
func (s *resyncService) ResyncEvent(ctx context.Context, eventID string) (domain.Drift, error) {
	drift, err := s.eventRepo.ResyncParticipants(ctx, eventID, s.policy)
	if err != nil {
		return drift, err
	}
	if drift.Corrected() {
		s.logger.WarnContext(ctx, "participant counter drift corrected",
			"event_id", eventID, "stored", drift.Stored, "computed", drift.Computed)
	}
	return drift, nil
}

// ResyncAll resyncs every active event and reports the ones that drifted. A failing event is logged
// and does not stop the others.
func (s *resyncService) ResyncAll(ctx context.Context) ([]domain.Drift, error) {
	ids, err := s.eventRepo.ListIDsByStatus(ctx, domain.EventActive)
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}
	var (
		drifted []domain.Drift
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		d, err := s.ResyncEvent(ctx, id)
		if err != nil {
			s.logger.ErrorContext(ctx, "participant resync failed", "event_id", id, "err", err)
			errs = append(errs, fmt.Errorf("event %s: %w", id, err))
			continue
		}
		if d.Corrected() {
			drifted = append(drifted, d)
		}
	}
	return drifted, errors.Join(errs...)
}
