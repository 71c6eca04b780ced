package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"churchevents/internal/domain"

	"github.com/google/uuid"
)

const (
	noteGatewayCancelled    = "gateway_cancelled"
	noteGatewayCancelFailed = "gateway_cancel_failed: "
	noteNoGatewayPayment    = "no_gateway_payment"
	participantCancelReason = "cancelled by participant"
)

// paymentNamespace scopes idempotency keys derived from registration IDs.
var paymentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("churchevents/payments"))

// CreatePayment opens a PIX charge for the registration. The external reference is the registration
// ID and the idempotency key is derived from it, so repeating the call returns the same charge.
func (s *paymentService) CreatePayment(ctx context.Context, registrationID string) (*domain.Registration, error) {
	reg, err := s.regRepo.GetByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Payment.GatewayPaymentID != "" {
		return reg, nil
	}
	if reg.Status == domain.StatusRejected {
		return nil, &domain.TransitionError{Kind: domain.IllegalTransition, From: reg.Status, To: reg.Status}
	}
	if reg.PaymentStatus != domain.PaymentPending {
		return nil, &domain.TransitionError{Kind: domain.PaymentSettled, From: reg.Status, To: reg.Status}
	}
	if reg.Snapshot.Email == "" {
		return nil, fmt.Errorf("%w: an email address is required to pay with PIX", domain.ErrInvalidInput)
	}

	event, err := s.eventRepo.GetByID(ctx, reg.EventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if event.PriceCents <= 0 {
		return nil, fmt.Errorf("%w: event is free", domain.ErrInvalidInput)
	}

	first, last := splitName(reg.Snapshot.Name)
	p, err := s.gateway.CreatePayment(ctx, domain.PaymentIntentRequest{
		ExternalReference: reg.ID,
		AmountCents:       event.PriceCents,
		Description:       event.Title,
		PayerEmail:        reg.Snapshot.Email,
		PayerFirstName:    first,
		PayerLastName:     last,
		PayerCPF:          reg.Snapshot.CPF,
		NotificationURL:   s.cfg.NotificationURL,
		IdempotencyKey:    uuid.NewSHA1(paymentNamespace, []byte(reg.ID)).String(),
		Metadata: map[string]string{
			"registration_id": reg.ID,
			"event_id":        event.ID,
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnreachable) {
			return nil, &domain.ReconcileError{Kind: domain.GatewayUnreachable, Detail: "create payment", Err: err}
		}
		return nil, fmt.Errorf("create gateway payment: %w", err)
	}

	now := s.now()
	err = s.regRepo.SetPaymentIntent(ctx, reg.ID, domain.PaymentIntentRef{
		GatewayPaymentID: p.ID,
		GatewayStatus:    p.Status,
		StatusDetail:     p.StatusDetail,
		AmountCents:      event.PriceCents,
		Description:      event.Title,
		QRCode:           p.QRCode,
		QRCodeBase64:     p.QRCodeBase64,
		TicketURL:        p.TicketURL,
		UpdatedAt:        &now,
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("store payment intent: %w", err)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "registration already has a different payment", "registration_id", reg.ID, "gateway_payment_id", p.ID)
	} else {
		s.logger.InfoContext(ctx, "payment intent created", "registration_id", reg.ID, "gateway_payment_id", p.ID)
	}

	if domain.MapGatewayStatus(p.Status) != domain.PaymentPending {
		notice := domain.NoticeFromGateway(p)
		if notice.ExternalReference == "" {
			notice.ExternalReference = reg.ID
		}
		if err := s.Reconcile(ctx, notice); err != nil {
			s.logger.WarnContext(ctx, "initial reconcile failed", "registration_id", reg.ID, "err", err)
		}
	}
	return s.regRepo.GetByID(ctx, reg.ID)
}

// CancelByParticipant lets the participant (or whoever registered them) withdraw while the payment is
// still pending. The gateway charge is cancelled on a best-effort basis and the outcome is kept in
// the cancellation note. The payment cancel and the move to rejected are one conditional write, so a
// failed attempt leaves the registration untouched and can simply be repeated.
func (s *paymentService) CancelByParticipant(ctx context.Context, registrationID, userID string) (*domain.Registration, error) {
	reg, err := s.regRepo.GetByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Participant.ID != userID && reg.RegisteredBy != userID {
		return nil, domain.ErrForbidden
	}
	if err := participantCancellable(reg); err != nil {
		return nil, err
	}

	note := noteNoGatewayPayment
	if id := reg.Payment.GatewayPaymentID; id != "" {
		note = noteGatewayCancelled
		if err := s.gateway.CancelPayment(ctx, id); err != nil {
			note = noteGatewayCancelFailed + err.Error()
			s.logger.WarnContext(ctx, "gateway cancel failed, cancelling locally",
				"registration_id", reg.ID, "gateway_payment_id", id, "err", err)
		}
	}

	for attempt := 1; ; attempt++ {
		err = s.regRepo.ApplyStatusChange(ctx, domain.StatusChange{
			RegistrationID:   reg.ID,
			EventID:          reg.EventID,
			From:             reg.Status,
			To:               domain.StatusRejected,
			ActorID:          userID,
			At:               s.now(),
			Reason:           participantCancelReason,
			CounterDelta:     s.policy.Delta(reg.Status, domain.StatusRejected),
			CancellationNote: note,
			Payment:          &domain.PaymentMove{From: domain.PaymentPending, To: domain.PaymentCancelled},
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("cancel registration: %w", err)
		}
		if attempt == transitionAttempts {
			return nil, domain.ErrConflict
		}
		// An admin decision or a payment notification landed after the read above.
		if reg, err = s.regRepo.GetByID(ctx, registrationID); err != nil {
			return nil, err
		}
		if err := participantCancellable(reg); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "registration cancelled by participant", "registration_id", reg.ID, "note", note)
	return s.regRepo.GetByID(ctx, reg.ID)
}

func participantCancellable(reg *domain.Registration) error {
	if !domain.CanCancel(reg.Status) {
		return &domain.TransitionError{Kind: domain.IllegalTransition, From: reg.Status, To: domain.StatusRejected}
	}
	if reg.PaymentStatus != domain.PaymentPending {
		return &domain.TransitionError{Kind: domain.PaymentSettled, From: reg.Status, To: domain.StatusRejected}
	}
	return nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
