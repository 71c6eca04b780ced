package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"churchevents/internal/domain"
	"churchevents/internal/validation"

	"github.com/cenkalti/backoff/v4"
)

// admissionRetries bounds how many times a conflicted admission decision is re-run.
const admissionRetries = 4

type admissionService struct {
	eventRepo    domain.EventRepository
	regRepo      domain.RegistrationRepository
	seniorRepo   domain.SeniorRepository
	emailService domain.EmailService
	validator    *validation.Validator
	policy       domain.CapacityPolicy
	logger       *slog.Logger
	newBackOff   func() backoff.BackOff
	now          func() time.Time
}

// NewAdmissionService returns the capacity and duplicate guard.
func NewAdmissionService(
	eventRepo domain.EventRepository,
	regRepo domain.RegistrationRepository,
	seniorRepo domain.SeniorRepository,
	emailService domain.EmailService,
	v *validation.Validator,
	policy domain.CapacityPolicy,
	logger *slog.Logger,
) domain.AdmissionService {
	return &admissionService{
		eventRepo:    eventRepo,
		regRepo:      regRepo,
		seniorRepo:   seniorRepo,
		emailService: emailService,
		validator:    v,
		policy:       policy,
		logger:       logger,
		newBackOff:   defaultAdmissionBackOff,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func defaultAdmissionBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return backoff.WithMaxRetries(b, admissionRetries)
}

// RequestRegistration runs the ordered admission checks and then the atomic admission write.
// A storage conflict re-runs the whole decision, not only the write.
func (s *admissionService) RequestRegistration(ctx context.Context, req domain.RegistrationRequest) (*domain.Registration, error) {
	if strings.TrimSpace(req.EventID) == "" || strings.TrimSpace(req.Participant.ID) == "" {
		return nil, fmt.Errorf("%w: event and participant are required", domain.ErrInvalidInput)
	}
	if req.Participant.Kind == "" {
		req.Participant.Kind = domain.ParticipantUser
	}
	if req.ActorID == "" {
		req.ActorID = req.Participant.ID
	}

	var (
		reg   *domain.Registration
		event *domain.Event
	)
	attempt := func() error {
		var err error
		reg, event, err = s.decide(ctx, req)
		if err == nil || errors.Is(err, domain.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "admission conflict, retrying", "event_id", req.EventID, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "registration admitted",
		"registration_id", reg.ID, "event_id", reg.EventID, "participant_kind", reg.Participant.Kind)
	s.sendReceived(ctx, reg, event)
	return reg, nil
}

// decide evaluates the checks in order on a plain read, then hands the same decision to the
// repository, which re-checks event state, duplicates and capacity under the event row lock.
func (s *admissionService) decide(ctx context.Context, req domain.RegistrationRequest) (*domain.Registration, *domain.Event, error) {
	event, err := s.eventRepo.GetByID(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.NewRegistrationError(domain.EventUnavailable)
		}
		return nil, nil, fmt.Errorf("get event: %w", err)
	}
	if event.Status != domain.EventActive {
		return nil, nil, domain.NewRegistrationError(domain.EventUnavailable)
	}

	_, err = s.regRepo.GetActiveByEventAndParticipant(ctx, req.EventID, req.Participant.ID)
	switch {
	case err == nil:
		return nil, nil, domain.NewRegistrationError(domain.DuplicateRegistration)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, nil, fmt.Errorf("check duplicate: %w", err)
	}

	if !event.Unlimited() {
		counted, err := s.regRepo.CountTowardCapacity(ctx, req.EventID, s.policy)
		if err != nil {
			return nil, nil, fmt.Errorf("count registrations: %w", err)
		}
		if !event.HasRoomFor(counted) {
			return nil, nil, domain.NewRegistrationError(domain.EventFull)
		}
	}

	if fields := s.validator.InvalidFields(req.Snapshot); len(fields) > 0 {
		return nil, nil, domain.NewRegistrationError(domain.InvalidParticipant, fields...)
	}

	reg := domain.NewRegistration(req.EventID, req.Participant, normalizeSnapshot(req.Snapshot), req.ActorID, s.now())
	if err := s.regRepo.Admit(ctx, reg, s.policy); err != nil {
		return nil, nil, err
	}
	return reg, event, nil
}

// RegisterSenior registers a senior on behalf of the secretary who manages them.
// Regional secretaries may register any senior.
func (s *admissionService) RegisterSenior(ctx context.Context, eventID, seniorID string, actor domain.Principal) (*domain.Registration, error) {
	if !actor.IsSecretary() {
		return nil, domain.ErrForbidden
	}
	senior, err := s.seniorRepo.GetByID(ctx, seniorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get senior: %w", err)
	}
	if senior.ManagedBy != actor.UserID && !actor.Has(domain.RoleRegionalSecretary) {
		return nil, domain.ErrForbidden
	}
	return s.RequestRegistration(ctx, domain.RegistrationRequest{
		EventID:     eventID,
		Participant: domain.Participant{ID: senior.ID, Kind: domain.ParticipantSenior},
		Snapshot:    senior.Snapshot(),
		ActorID:     actor.UserID,
	})
}

func (s *admissionService) sendReceived(ctx context.Context, reg *domain.Registration, event *domain.Event) {
	if s.emailService == nil || reg.Snapshot.Email == "" {
		return
	}
	if err := s.emailService.SendRegistrationReceived(ctx, registrationEmailData(reg, event)); err != nil {
		s.logger.WarnContext(ctx, "registration email failed", "registration_id", reg.ID, "err", err)
	}
}

// normalizeSnapshot stores documents as bare digits and trims free text.
func normalizeSnapshot(s domain.ParticipantSnapshot) domain.ParticipantSnapshot {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	s.Phone = validation.NormalizeDigits(s.Phone)
	s.CPF = validation.NormalizeDigits(s.CPF)
	s.ChurchName = strings.TrimSpace(s.ChurchName)
	s.PastorName = strings.TrimSpace(s.PastorName)
	return s
}
