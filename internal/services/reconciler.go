package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"churchevents/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	reconcileAttempts = 3
	pollBatchSize     = 100
	pollConcurrency   = 4
)

// PaymentConfig carries the gateway-facing settings of the payment service.
type PaymentConfig struct {
	NotificationURL string
	// PollMinAge skips payments touched more recently than this; their webhook is probably in flight.
	PollMinAge time.Duration
}

type paymentService struct {
	regRepo      domain.RegistrationRepository
	eventRepo    domain.EventRepository
	notifRepo    domain.NotificationRepository
	gateway      domain.PaymentGateway
	verifier     domain.SignatureVerifier
	emailService domain.EmailService
	policy       domain.CapacityPolicy
	cfg          PaymentConfig
	logger       *slog.Logger
	now          func() time.Time
}

// NewPaymentService returns the payment reconciler together with the payment operations that feed it.
func NewPaymentService(
	regRepo domain.RegistrationRepository,
	eventRepo domain.EventRepository,
	notifRepo domain.NotificationRepository,
	gateway domain.PaymentGateway,
	verifier domain.SignatureVerifier,
	emailService domain.EmailService,
	policy domain.CapacityPolicy,
	cfg PaymentConfig,
	logger *slog.Logger,
) domain.PaymentService {
	return &paymentService{
		regRepo:      regRepo,
		eventRepo:    eventRepo,
		notifRepo:    notifRepo,
		gateway:      gateway,
		verifier:     verifier,
		emailService: emailService,
		policy:       policy,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies a gateway status report to the registration it references.
// Stored terminal statuses never go back to pending, and every write is a compare-and-swap
// on the payment status that was read.
func (s *paymentService) Reconcile(ctx context.Context, n domain.PaymentNotice) error {
	if n.ExternalReference == "" && n.GatewayPaymentID == "" {
		return &domain.ReconcileError{Kind: domain.MalformedNotification, Detail: "no payment reference"}
	}
	reg, err := s.resolve(ctx, n)
	if err != nil {
		return err
	}
	target := domain.MapGatewayStatus(n.GatewayStatus)

	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		current := reg.PaymentStatus
		if target != current && !domain.CanMovePayment(current, target) {
			// Stale or regressive report: the stored status and its gateway fields stay as they are.
			s.logger.WarnContext(ctx, "gateway status ignored",
				"registration_id", reg.ID, "stored", current, "reported", n.GatewayStatus)
			return nil
		}
		next := target
		update := domain.PaymentUpdate{
			RegistrationID:   reg.ID,
			Expected:         current,
			Next:             next,
			GatewayStatus:    n.GatewayStatus,
			StatusDetail:     n.StatusDetail,
			GatewayPaymentID: n.GatewayPaymentID,
			At:               s.now(),
		}
		if next == domain.PaymentPaid {
			update.Payer = n.Payer
		}
		if next == domain.PaymentRefunded && current != domain.PaymentRefunded {
			at := update.At
			update.RefundedAt = &at
		}
		if unchanged(reg, update) {
			return nil
		}

		err := s.regRepo.CompareAndSwapPayment(ctx, update)
		if errors.Is(err, domain.ErrConflict) {
			if reg, err = s.regRepo.GetByID(ctx, reg.ID); err != nil {
				return fmt.Errorf("reload registration: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}

		if next != current {
			s.logger.InfoContext(ctx, "payment status changed",
				"registration_id", reg.ID, "gateway_payment_id", n.GatewayPaymentID,
				"from", current, "to", next, "gateway_status", n.GatewayStatus)
			if next == domain.PaymentPaid {
				if reg.Status == domain.StatusRejected {
					s.refundRetired(ctx, reg, n.GatewayPaymentID)
				} else {
					s.sendPaid(ctx, reg)
				}
			}
		}
		return nil
	}
	return domain.ErrConflict
}

// resolve finds the registration by external reference, falling back to the stored gateway payment ID.
func (s *paymentService) resolve(ctx context.Context, n domain.PaymentNotice) (*domain.Registration, error) {
	var (
		reg *domain.Registration
		err error
	)
	if n.ExternalReference != "" {
		if _, perr := uuid.Parse(n.ExternalReference); perr != nil {
			// Charges made outside the ledger on the same gateway account carry their own references.
			err = domain.ErrNotFound
		} else {
			reg, err = s.regRepo.GetByID(ctx, n.ExternalReference)
		}
	}
	if n.ExternalReference == "" || errors.Is(err, domain.ErrNotFound) {
		if n.GatewayPaymentID != "" {
			reg, err = s.regRepo.GetByGatewayPaymentID(ctx, n.GatewayPaymentID)
		}
	}
	if errors.Is(err, domain.ErrNotFound) || (err == nil && reg == nil) {
		s.logger.ErrorContext(ctx, "payment notice for unknown registration",
			"external_reference", n.ExternalReference, "gateway_payment_id", n.GatewayPaymentID)
		return nil, &domain.ReconcileError{
			Kind:   domain.UnknownRegistration,
			Detail: fmt.Sprintf("external_reference=%q gateway_payment_id=%q", n.ExternalReference, n.GatewayPaymentID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve registration: %w", err)
	}
	stored := reg.Payment.GatewayPaymentID
	if stored != "" && n.GatewayPaymentID != "" && stored != n.GatewayPaymentID {
		s.logger.ErrorContext(ctx, "payment notice does not match stored gateway payment",
			"registration_id", reg.ID, "stored", stored, "reported", n.GatewayPaymentID)
		return nil, &domain.ReconcileError{
			Kind:   domain.UnknownRegistration,
			Detail: fmt.Sprintf("registration %s belongs to gateway payment %s", reg.ID, stored),
		}
	}
	return reg, nil
}

// unchanged reports whether u would leave reg exactly as stored.
func unchanged(reg *domain.Registration, u domain.PaymentUpdate) bool {
	if u.Next != reg.PaymentStatus || u.RefundedAt != nil || u.CancellationNote != "" {
		return false
	}
	if u.GatewayStatus != "" && u.GatewayStatus != reg.Payment.GatewayStatus {
		return false
	}
	if u.StatusDetail != "" && u.StatusDetail != reg.Payment.StatusDetail {
		return false
	}
	if u.GatewayPaymentID != "" && reg.Payment.GatewayPaymentID == "" {
		return false
	}
	return u.Payer == nil || samePayer(*u.Payer, reg.Payer)
}

func samePayer(a, b domain.PayerMetadata) bool {
	if a.Identification != "" && a.Identification != b.Identification {
		return false
	}
	if a.PaidAmountCents != nil && (b.PaidAmountCents == nil || *a.PaidAmountCents != *b.PaidAmountCents) {
		return false
	}
	if a.Installments != nil && (b.Installments == nil || *a.Installments != *b.Installments) {
		return false
	}
	if a.PaidAt != nil && (b.PaidAt == nil || !a.PaidAt.Equal(*b.PaidAt)) {
		return false
	}
	return true
}

// HandleWebhook authenticates a gateway push, fetches the payment it names and reconciles it.
// Nothing is read or written before the signature checks out.
func (s *paymentService) HandleWebhook(ctx context.Context, n domain.WebhookNotification, signatureHeader string) error {
	if err := s.verifier.Verify(signatureHeader, n.RequestID, n.DataID); err != nil {
		s.logger.WarnContext(ctx, "webhook signature rejected", "request_id", n.RequestID, "err", err)
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if n.DataID == "" {
		return &domain.ReconcileError{Kind: domain.MalformedNotification, Detail: "data.id is required"}
	}
	if n.Type != "" && n.Type != "payment" {
		s.logger.DebugContext(ctx, "webhook ignored", "type", n.Type, "data_id", n.DataID)
		return nil
	}

	notificationID := n.NotificationID
	if notificationID == "" {
		notificationID = n.DataID
	}
	isNew, err := s.notifRepo.Record(ctx, domain.NotificationLog{
		NotificationID:   notificationID,
		RequestID:        n.RequestID,
		GatewayPaymentID: n.DataID,
		Action:           n.Action,
		ReceivedAt:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "could not record webhook", "data_id", n.DataID, "err", err)
	} else if !isNew {
		s.logger.InfoContext(ctx, "webhook redelivered", "data_id", n.DataID, "request_id", n.RequestID)
	}

	err = s.fetchAndReconcile(ctx, n.DataID, "")
	processingErr := ""
	if err != nil {
		processingErr = err.Error()
	}
	if markErr := s.notifRepo.MarkProcessed(ctx, notificationID, n.RequestID, s.now(), processingErr); markErr != nil {
		s.logger.WarnContext(ctx, "could not mark webhook processed", "data_id", n.DataID, "err", markErr)
	}
	return err
}

// Sync polls the gateway for the registration's payment and reconciles the answer.
func (s *paymentService) Sync(ctx context.Context, registrationID string) (*domain.Registration, error) {
	reg, err := s.regRepo.GetByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Payment.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: registration has no payment", domain.ErrInvalidInput)
	}
	if err := s.fetchAndReconcile(ctx, reg.Payment.GatewayPaymentID, reg.ID); err != nil {
		return nil, err
	}
	return s.regRepo.GetByID(ctx, registrationID)
}

func (s *paymentService) fetchAndReconcile(ctx context.Context, gatewayPaymentID, fallbackReference string) error {
	p, err := s.gateway.GetPayment(ctx, gatewayPaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnreachable) {
			return &domain.ReconcileError{Kind: domain.GatewayUnreachable, Detail: gatewayPaymentID, Err: err}
		}
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.ReconcileError{Kind: domain.MalformedNotification, Detail: "unknown gateway payment " + gatewayPaymentID}
		}
		return fmt.Errorf("get gateway payment: %w", err)
	}
	notice := domain.NoticeFromGateway(p)
	if notice.ExternalReference == "" {
		notice.ExternalReference = fallbackReference
	}
	return s.Reconcile(ctx, notice)
}

// PollPending syncs payments still pending at the gateway that no webhook has settled.
// Unreachable gateway answers are left for the next run.
func (s *paymentService) PollPending(ctx context.Context) (int, error) {
	regs, err := s.regRepo.ListAwaitingPayment(ctx, s.now().Add(-s.cfg.PollMinAge), pollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list awaiting payment: %w", err)
	}

	results := make([]bool, len(regs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for i, reg := range regs {
		g.Go(func() error {
			err := s.fetchAndReconcile(gctx, reg.Payment.GatewayPaymentID, reg.ID)
			if err != nil {
				s.logger.WarnContext(gctx, "payment poll failed",
					"registration_id", reg.ID, "category", domain.CategoryOf(err), "err", err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	synced := 0
	for _, ok := range results {
		if ok {
			synced++
		}
	}
	return synced, ctx.Err()
}

// refundRetired handles a payment that settled after its registration gave up the seat, typically a
// PIX paid after a participant cancel that the gateway did not accept. The money goes back.
func (s *paymentService) refundRetired(ctx context.Context, reg *domain.Registration, gatewayPaymentID string) {
	if gatewayPaymentID == "" {
		gatewayPaymentID = reg.Payment.GatewayPaymentID
	}
	s.logger.ErrorContext(ctx, "payment settled for a rejected registration, requesting refund",
		"registration_id", reg.ID, "gateway_payment_id", gatewayPaymentID, "cancellation_note", reg.CancellationNote)
	if gatewayPaymentID == "" {
		return
	}
	if err := s.gateway.RefundPayment(ctx, gatewayPaymentID); err != nil {
		s.logger.ErrorContext(ctx, "refund for rejected registration failed",
			"registration_id", reg.ID, "gateway_payment_id", gatewayPaymentID, "err", err)
	}
}

func (s *paymentService) sendPaid(ctx context.Context, reg *domain.Registration) {
	if s.emailService == nil || reg.Snapshot.Email == "" {
		return
	}
	event, err := s.eventRepo.GetByID(ctx, reg.EventID)
	if err != nil {
		s.logger.WarnContext(ctx, "payment email skipped", "registration_id", reg.ID, "err", err)
		return
	}
	if err := s.emailService.SendPaymentConfirmed(ctx, registrationEmailData(reg, event)); err != nil {
		s.logger.WarnContext(ctx, "payment email failed", "registration_id", reg.ID, "err", err)
	}
}
