package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"churchevents/internal/domain"
)

// transitionAttempts bounds reread-and-revalidate rounds after a lost conditional write.
const transitionAttempts = 3

const adminCancellationNote = "cancelled by administrator"

type transitionService struct {
	regRepo domain.RegistrationRepository
	gateway domain.PaymentGateway
	policy  domain.CapacityPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewTransitionService returns the status transition engine.
func NewTransitionService(regRepo domain.RegistrationRepository, gateway domain.PaymentGateway, policy domain.CapacityPolicy, logger *slog.Logger) domain.TransitionService {
	return &transitionService{
		regRepo: regRepo,
		gateway: gateway,
		policy:  policy,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *transitionService) Approve(ctx context.Context, registrationID, actorID string) error {
	_, err := s.apply(ctx, registrationID, domain.StatusApproved, actorID, "", "", domain.CanTransition)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "registration approved", "registration_id", registrationID, "actor_id", actorID)
	return nil
}

func (s *transitionService) Reject(ctx context.Context, registrationID, actorID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", domain.ErrInvalidInput)
	}
	_, err := s.apply(ctx, registrationID, domain.StatusRejected, actorID, reason, "", domain.CanTransition)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "registration rejected", "registration_id", registrationID, "actor_id", actorID)
	return nil
}

// CheckIn marks an approved registration as present. A second call reports AlreadyCheckedIn and
// leaves the first timestamp in place.
func (s *transitionService) CheckIn(ctx context.Context, registrationID, actorID string) error {
	reg, err := s.regRepo.GetByID(ctx, registrationID)
	if err != nil {
		return err
	}
	if err := checkInAllowed(reg); err != nil {
		return err
	}
	ok, err := s.regRepo.MarkCheckedIn(ctx, registrationID, actorID, s.now())
	if err != nil {
		return err
	}
	if ok {
		s.logger.InfoContext(ctx, "registration checked in", "registration_id", registrationID, "actor_id", actorID)
		return nil
	}
	// Someone else changed the row between the read and the write.
	reg, err = s.regRepo.GetByID(ctx, registrationID)
	if err != nil {
		return err
	}
	if err := checkInAllowed(reg); err != nil {
		return err
	}
	return domain.ErrConflict
}

func checkInAllowed(reg *domain.Registration) error {
	if reg.Status != domain.StatusApproved {
		return &domain.TransitionError{Kind: domain.NotApproved, From: reg.Status, To: reg.Status}
	}
	if reg.CheckedIn {
		return &domain.TransitionError{Kind: domain.AlreadyCheckedIn, From: reg.Status, To: reg.Status}
	}
	return nil
}

// CancelApproved retires an approved registration and frees its slot. The gateway is asked to
// refund a paid payment or cancel a pending one; the payment status itself follows from the
// gateway's notification.
func (s *transitionService) CancelApproved(ctx context.Context, registrationID, actorID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: cancellation reason is required", domain.ErrInvalidInput)
	}
	approvedOnly := func(from, to domain.RegistrationStatus) bool {
		return from == domain.StatusApproved && to == domain.StatusRejected
	}
	reg, err := s.apply(ctx, registrationID, domain.StatusRejected, actorID, reason, adminCancellationNote, approvedOnly)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "approved registration cancelled", "registration_id", registrationID, "actor_id", actorID)

	if reg.Payment.GatewayPaymentID == "" || s.gateway == nil {
		return nil
	}
	switch reg.PaymentStatus {
	case domain.PaymentPaid:
		err = s.gateway.RefundPayment(ctx, reg.Payment.GatewayPaymentID)
	case domain.PaymentPending:
		err = s.gateway.CancelPayment(ctx, reg.Payment.GatewayPaymentID)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "gateway follow-up for cancellation failed",
			"registration_id", registrationID, "gateway_payment_id", reg.Payment.GatewayPaymentID, "err", err)
	}
	return nil
}

// apply reads the registration, validates the move with allowed and writes it conditionally on the
// status it read. A lost write rereads and revalidates. It returns the registration as read before
// the winning write.
func (s *transitionService) apply(
	ctx context.Context,
	registrationID string,
	to domain.RegistrationStatus,
	actorID, reason, note string,
	allowed func(from, to domain.RegistrationStatus) bool,
) (*domain.Registration, error) {
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		reg, err := s.regRepo.GetByID(ctx, registrationID)
		if err != nil {
			return nil, err
		}
		if !allowed(reg.Status, to) {
			return nil, &domain.TransitionError{Kind: domain.IllegalTransition, From: reg.Status, To: to}
		}
		delta := s.policy.Delta(reg.Status, to)
		err = s.regRepo.ApplyStatusChange(ctx, domain.StatusChange{
			RegistrationID:   reg.ID,
			EventID:          reg.EventID,
			From:             reg.Status,
			To:               to,
			ActorID:          actorID,
			At:               s.now(),
			Reason:           reason,
			CounterDelta:     delta,
			EnforceCapacity:  delta > 0,
			Policy:           s.policy,
			CancellationNote: note,
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
	return nil, domain.ErrConflict
}
