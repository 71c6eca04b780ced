package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"churchevents/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	store  *memStore
	gw     *fakeGateway
	notifs *memNotifications
	emails *fakeEmailService
	svc    domain.PaymentService
	event  *domain.Event
}

func newPaymentFixture(t *testing.T, verifier domain.SignatureVerifier) *paymentFixture {
	t.Helper()
	if verifier == nil {
		verifier = verifierFunc(func(string, string, string) error { return nil })
	}
	f := &paymentFixture{
		store:  newMemStore(),
		gw:     &fakeGateway{},
		notifs: &memNotifications{},
		emails: &fakeEmailService{},
	}
	f.event = f.store.addEvent(&domain.Event{Title: "Retiro de Jovens", PriceCents: 15000, MaxParticipants: 50, CurrentParticipants: 1})
	f.svc = NewPaymentService(
		memRegistrations{f.store}, memEvents{f.store}, f.notifs, f.gw, verifier, f.emails,
		domain.CountNonRejected, PaymentConfig{NotificationURL: "https://api.example/webhooks/mp", PollMinAge: time.Minute},
		discardLogger(),
	)
	return f
}

// withCharge seeds a pending registration that already has gateway payment gatewayID.
func (f *paymentFixture) withCharge(gatewayID string) *domain.Registration {
	reg := seedRegistration(f.store, f.event.ID, domain.StatusApproved, domain.PaymentPending)
	reg.Payment = domain.PaymentIntentRef{GatewayPaymentID: gatewayID, GatewayStatus: domain.GatewayStatusPending, AmountCents: 15000}
	return reg
}

func approvedNotice(reg *domain.Registration, gatewayID string) domain.PaymentNotice {
	amount := int64(15000)
	installments := 1
	paidAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return domain.PaymentNotice{
		GatewayPaymentID:  gatewayID,
		ExternalReference: reg.ID,
		GatewayStatus:     domain.GatewayStatusApproved,
		StatusDetail:      "accredited",
		ApprovedAmount:    &amount,
		Payer: &domain.PayerMetadata{
			Identification:  "payer-123",
			PaidAmountCents: &amount,
			Installments:    &installments,
			PaidAt:          &paidAt,
		},
	}
}

func requireReconcileKind(t *testing.T, err error, kind domain.ReconcileErrorKind) *domain.ReconcileError {
	t.Helper()
	var re *domain.ReconcileError
	require.True(t, errors.As(err, &re), "expected ReconcileError, got %v", err)
	assert.Equal(t, kind, re.Kind)
	return re
}

func TestPaymentService_ReconcileApproved(t *testing.T) {
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")

	require.NoError(t, f.svc.Reconcile(context.Background(), approvedNotice(reg, "mp-77")))

	got := f.store.registration(reg.ID)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.StatusApproved, got.Status, "payment never moves the workflow status")
	assert.Equal(t, "approved", got.Payment.GatewayStatus)
	assert.Equal(t, "accredited", got.Payment.StatusDetail)
	assert.Equal(t, "payer-123", got.Payer.Identification)
	require.NotNil(t, got.Payer.PaidAmountCents)
	assert.Equal(t, int64(15000), *got.Payer.PaidAmountCents)
	assert.Len(t, f.emails.paid, 1)
}

func TestPaymentService_ReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")
	notice := approvedNotice(reg, "mp-77")

	require.NoError(t, f.svc.Reconcile(ctx, notice))
	writes := f.store.writeCount()
	first := f.store.registration(reg.ID)

	require.NoError(t, f.svc.Reconcile(ctx, notice))
	assert.Equal(t, writes, f.store.writeCount(), "a repeated notice must not write")
	assert.Equal(t, first.Payment.UpdatedAt, f.store.registration(reg.ID).Payment.UpdatedAt)
	assert.Len(t, f.emails.paid, 1)
}

func TestPaymentService_ReconcileNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")

	refunded := domain.PaymentNotice{GatewayPaymentID: "mp-77", ExternalReference: reg.ID, GatewayStatus: domain.GatewayStatusRefunded}

	require.NoError(t, f.svc.Reconcile(ctx, approvedNotice(reg, "mp-77")))
	require.NoError(t, f.svc.Reconcile(ctx, refunded))

	got := f.store.registration(reg.ID)
	require.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
	require.NotNil(t, got.RefundedAt)
	refundedAt := *got.RefundedAt

	// A late "approved" and a stale "pending" arrive after the refund.
	require.NoError(t, f.svc.Reconcile(ctx, approvedNotice(reg, "mp-77")))
	require.NoError(t, f.svc.Reconcile(ctx, domain.PaymentNotice{GatewayPaymentID: "mp-77", ExternalReference: reg.ID, GatewayStatus: domain.GatewayStatusPending}))
	require.NoError(t, f.svc.Reconcile(ctx, refunded))

	got = f.store.registration(reg.ID)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, domain.GatewayStatusRefunded, got.Payment.GatewayStatus)
	assert.Equal(t, refundedAt, *got.RefundedAt)
}

func TestPaymentService_ReconcileInProcessStaysPending(t *testing.T) {
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")

	err := f.svc.Reconcile(context.Background(), domain.PaymentNotice{
		GatewayPaymentID:  "mp-77",
		ExternalReference: reg.ID,
		GatewayStatus:     domain.GatewayStatusInProcess,
		StatusDetail:      "pending_review_manual",
	})
	require.NoError(t, err)

	got := f.store.registration(reg.ID)
	assert.Equal(t, domain.PaymentPending, got.PaymentStatus)
	assert.Equal(t, "in_process", got.Payment.GatewayStatus)
	assert.Equal(t, "pending_review_manual", got.Payment.StatusDetail)
}

func TestPaymentService_ReconcileCancelledThenApproved(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")

	require.NoError(t, f.svc.Reconcile(ctx, domain.PaymentNotice{GatewayPaymentID: "mp-77", ExternalReference: reg.ID, GatewayStatus: domain.GatewayStatusCancelled}))
	assert.Equal(t, domain.PaymentCancelled, f.store.registration(reg.ID).PaymentStatus)

	require.NoError(t, f.svc.Reconcile(ctx, approvedNotice(reg, "mp-77")))
	assert.Equal(t, domain.PaymentPaid, f.store.registration(reg.ID).PaymentStatus)
}

func TestPaymentService_ReconcileFailures(t *testing.T) {
	tests := []struct {
		name         string
		notice       func(reg *domain.Registration) domain.PaymentNotice
		wantKind     domain.ReconcileErrorKind
		wantCategory domain.ErrorCategory
	}{
		{
			name: "unknown registration",
			notice: func(*domain.Registration) domain.PaymentNotice {
				return domain.PaymentNotice{GatewayPaymentID: "mp-404", ExternalReference: "reg-missing", GatewayStatus: "approved"}
			},
			wantKind:     domain.UnknownRegistration,
			wantCategory: domain.CategoryIntegrity,
		},
		{
			name: "reference points at a registration with another charge",
			notice: func(reg *domain.Registration) domain.PaymentNotice {
				return domain.PaymentNotice{GatewayPaymentID: "mp-other", ExternalReference: reg.ID, GatewayStatus: "approved"}
			},
			wantKind:     domain.UnknownRegistration,
			wantCategory: domain.CategoryIntegrity,
		},
		{
			name: "no reference at all",
			notice: func(*domain.Registration) domain.PaymentNotice {
				return domain.PaymentNotice{GatewayStatus: "approved"}
			},
			wantKind:     domain.MalformedNotification,
			wantCategory: domain.CategoryValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t, nil)
			reg := f.withCharge("mp-77")

			err := f.svc.Reconcile(context.Background(), tt.notice(reg))
			re := requireReconcileKind(t, err, tt.wantKind)
			assert.False(t, re.Retryable())
			assert.Equal(t, tt.wantCategory, domain.CategoryOf(err))
			assert.Equal(t, 0, f.store.writeCount())
			assert.Equal(t, domain.PaymentPending, f.store.registration(reg.ID).PaymentStatus)
		})
	}
}

func TestPaymentService_ReconcileFallsBackToGatewayID(t *testing.T) {
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")
	notice := approvedNotice(reg, "mp-77")
	notice.ExternalReference = ""

	require.NoError(t, f.svc.Reconcile(context.Background(), notice))
	assert.Equal(t, domain.PaymentPaid, f.store.registration(reg.ID).PaymentStatus)
}

func TestPaymentService_HandleWebhook(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")
	f.gw.setPayment(&domain.GatewayPayment{
		ID:                "mp-77",
		ExternalReference: reg.ID,
		Status:            domain.GatewayStatusApproved,
		StatusDetail:      "accredited",
		PayerID:           "payer-123",
	})

	n := domain.WebhookNotification{NotificationID: "n-1", RequestID: "req-1", Type: "payment", Action: "payment.updated", DataID: "mp-77"}
	require.NoError(t, f.svc.HandleWebhook(ctx, n, "ts=1,v1=abc"))

	got := f.store.registration(reg.ID)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "payer-123", got.Payer.Identification)
	assert.Equal(t, 1, f.notifs.count())
	assert.Equal(t, "", f.notifs.processed["n-1/req-1"])

	// Redelivery is accepted and changes nothing.
	writes := f.store.writeCount()
	require.NoError(t, f.svc.HandleWebhook(ctx, n, "ts=1,v1=abc"))
	assert.Equal(t, writes, f.store.writeCount())
	assert.Equal(t, 1, f.notifs.count())
}

func TestPaymentService_HandleWebhookBadSignature(t *testing.T) {
	f := newPaymentFixture(t, verifierFunc(func(string, string, string) error {
		return errors.New("signature mismatch")
	}))
	reg := f.withCharge("mp-77")
	f.gw.setPayment(&domain.GatewayPayment{ID: "mp-77", ExternalReference: reg.ID, Status: domain.GatewayStatusApproved})

	err := f.svc.HandleWebhook(context.Background(),
		domain.WebhookNotification{RequestID: "req-1", Type: "payment", DataID: "mp-77"}, "ts=1,v1=forged")

	require.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, 0, f.gw.gets)
	assert.Equal(t, 0, f.store.writeCount())
	assert.Equal(t, 0, f.notifs.count())
	assert.Equal(t, domain.PaymentPending, f.store.registration(reg.ID).PaymentStatus)
}

func TestPaymentService_HandleWebhookEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("missing data id", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		err := f.svc.HandleWebhook(ctx, domain.WebhookNotification{RequestID: "req-1", Type: "payment"}, "sig")
		requireReconcileKind(t, err, domain.MalformedNotification)
		assert.Equal(t, 0, f.gw.gets)
	})

	t.Run("other topics are ignored", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		err := f.svc.HandleWebhook(ctx, domain.WebhookNotification{RequestID: "req-1", Type: "merchant_order", DataID: "42"}, "sig")
		require.NoError(t, err)
		assert.Equal(t, 0, f.gw.gets)
		assert.Equal(t, 0, f.notifs.count())
	})

	t.Run("gateway unreachable is retryable", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := f.withCharge("mp-77")
		f.gw.getErr = map[string]error{"mp-77": domain.ErrGatewayUnreachable}

		err := f.svc.HandleWebhook(ctx, domain.WebhookNotification{NotificationID: "n-1", RequestID: "req-1", Type: "payment", DataID: "mp-77"}, "sig")
		re := requireReconcileKind(t, err, domain.GatewayUnreachable)
		assert.True(t, re.Retryable())
		assert.Equal(t, domain.CategoryTransient, domain.CategoryOf(err))
		assert.ErrorIs(t, err, domain.ErrGatewayUnreachable)
		assert.Equal(t, domain.PaymentPending, f.store.registration(reg.ID).PaymentStatus)
		assert.NotEmpty(t, f.notifs.processed["n-1/req-1"])
	})

	t.Run("payment unknown to the gateway", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		err := f.svc.HandleWebhook(ctx, domain.WebhookNotification{RequestID: "req-1", Type: "payment", DataID: "mp-999"}, "sig")
		requireReconcileKind(t, err, domain.MalformedNotification)
	})
}

func TestPaymentService_Sync(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := f.withCharge("mp-77")
	f.gw.setPayment(&domain.GatewayPayment{ID: "mp-77", Status: domain.GatewayStatusApproved, StatusDetail: "accredited"})

	got, err := f.svc.Sync(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)

	noCharge := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)
	_, err = f.svc.Sync(ctx, noCharge.ID)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPaymentService_CreatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("opens one charge per registration", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)

		got, err := f.svc.CreatePayment(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, "mp-1", got.Payment.GatewayPaymentID)
		assert.Equal(t, int64(15000), got.Payment.AmountCents)
		assert.NotEmpty(t, got.Payment.QRCode)

		require.Len(t, f.gw.created, 1)
		req := f.gw.created[0]
		assert.Equal(t, reg.ID, req.ExternalReference)
		assert.Equal(t, uuid.NewSHA1(paymentNamespace, []byte(reg.ID)).String(), req.IdempotencyKey)
		assert.Equal(t, "Maria", req.PayerFirstName)
		assert.Equal(t, "Silva", req.PayerLastName)
		assert.Equal(t, "https://api.example/webhooks/mp", req.NotificationURL)

		again, err := f.svc.CreatePayment(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, "mp-1", again.Payment.GatewayPaymentID)
		assert.Len(t, f.gw.created, 1)
	})

	t.Run("free event", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		free := f.store.addEvent(&domain.Event{Title: "Culto", PriceCents: 0})
		reg := seedRegistration(f.store, free.ID, domain.StatusPending, domain.PaymentPending)

		_, err := f.svc.CreatePayment(ctx, reg.ID)
		require.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Empty(t, f.gw.created)
	})

	t.Run("rejected registration", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := seedRegistration(f.store, f.event.ID, domain.StatusRejected, domain.PaymentPending)

		_, err := f.svc.CreatePayment(ctx, reg.ID)
		requireTransitionKind(t, err, domain.IllegalTransition)
	})

	t.Run("no email on snapshot", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)
		reg.Snapshot.Email = ""

		_, err := f.svc.CreatePayment(ctx, reg.ID)
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("gateway down", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		f.gw.createErr = domain.ErrGatewayUnreachable
		reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)

		_, err := f.svc.CreatePayment(ctx, reg.ID)
		re := requireReconcileKind(t, err, domain.GatewayUnreachable)
		assert.True(t, re.Retryable())
		assert.Empty(t, f.store.registration(reg.ID).Payment.GatewayPaymentID)
	})
}

func TestPaymentService_CancelByParticipant(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		gatewayID string
		payment   domain.PaymentStatus
		userID    string
		cancelErr error
		wantErr   error
		wantNote  string
	}{
		{name: "cancels the charge", gatewayID: "mp-5", payment: domain.PaymentPending, userID: "user-1", wantNote: noteGatewayCancelled},
		{name: "registering secretary may cancel", gatewayID: "mp-5", payment: domain.PaymentPending, userID: "sec-1", wantNote: noteGatewayCancelled},
		{name: "no charge yet", payment: domain.PaymentPending, userID: "user-1", wantNote: noteNoGatewayPayment},
		{name: "gateway cancel fails", gatewayID: "mp-5", payment: domain.PaymentPending, userID: "user-1", cancelErr: errors.New("timeout"), wantNote: noteGatewayCancelFailed + "timeout"},
		{name: "already paid", gatewayID: "mp-5", payment: domain.PaymentPaid, userID: "user-1", wantErr: &domain.TransitionError{Kind: domain.PaymentSettled}},
		{name: "stranger", gatewayID: "mp-5", payment: domain.PaymentPending, userID: "user-9", wantErr: domain.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t, nil)
			f.gw.cancelErr = tt.cancelErr
			reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, tt.payment)
			reg.RegisteredBy = "sec-1"
			reg.Payment.GatewayPaymentID = tt.gatewayID

			got, err := f.svc.CancelByParticipant(ctx, reg.ID, tt.userID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, domain.StatusPending, f.store.registration(reg.ID).Status)
				assert.Equal(t, 1, f.store.event(f.event.ID).CurrentParticipants)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRejected, got.Status)
			assert.Equal(t, domain.PaymentCancelled, got.PaymentStatus)
			assert.Equal(t, tt.wantNote, got.CancellationNote)
			assert.Equal(t, participantCancelReason, got.RejectionReason)
			assert.Equal(t, 0, f.store.event(f.event.ID).CurrentParticipants)
		})
	}
}

// failingStatusChanges fails the next n status writes the way a dropped connection would.
type failingStatusChanges struct {
	memRegistrations
	n int
}

func (f *failingStatusChanges) ApplyStatusChange(ctx context.Context, c domain.StatusChange) error {
	if f.n > 0 {
		f.n--
		return errors.New("connection reset by peer")
	}
	return f.memRegistrations.ApplyStatusChange(ctx, c)
}

// uuidKeyedRegistrations answers a non-UUID lookup the way the registrations.id column does.
type uuidKeyedRegistrations struct {
	memRegistrations
	lookups []string
}

func (u *uuidKeyedRegistrations) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	u.lookups = append(u.lookups, id)
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.New(`pq: invalid input syntax for type uuid: "` + id + `"`)
	}
	return u.memRegistrations.GetByID(ctx, id)
}

func (f *paymentFixture) serviceWith(regs domain.RegistrationRepository) domain.PaymentService {
	return NewPaymentService(
		regs, memEvents{f.store}, f.notifs, f.gw,
		verifierFunc(func(string, string, string) error { return nil }), f.emails,
		domain.CountNonRejected, PaymentConfig{PollMinAge: time.Minute},
		discardLogger(),
	)
}

func TestPaymentService_CancelByParticipantIsRepeatableAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newPaymentFixture(t, nil)
	reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)
	reg.Payment.GatewayPaymentID = "mp-5"
	svc := f.serviceWith(&failingStatusChanges{memRegistrations: memRegistrations{f.store}, n: 1})

	_, err := svc.CancelByParticipant(ctx, reg.ID, "user-1")
	require.Error(t, err)
	assert.NotEqual(t, domain.CategoryConflict, domain.CategoryOf(err))

	stored := f.store.registration(reg.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, domain.PaymentPending, stored.PaymentStatus, "payment and status are written together")
	assert.Equal(t, 1, f.store.event(f.event.ID).CurrentParticipants)

	got, err := svc.CancelByParticipant(ctx, reg.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, domain.PaymentCancelled, got.PaymentStatus)
	assert.Equal(t, participantCancelReason, got.RejectionReason)
	assert.Equal(t, 0, f.store.event(f.event.ID).CurrentParticipants)

	_, err = memRegistrations{f.store}.GetActiveByEventAndParticipant(ctx, f.event.ID, "user-1")
	require.ErrorIs(t, err, domain.ErrNotFound, "the pair is free to register again")
}

// settlingGateway settles the payment in the store while the cancel request is in flight.
type settlingGateway struct {
	*fakeGateway
	store *memStore
	regID string
}

func (g settlingGateway) CancelPayment(ctx context.Context, id string) error {
	g.store.mu.Lock()
	g.store.regs[g.regID].PaymentStatus = domain.PaymentPaid
	g.store.mu.Unlock()
	return errors.New("payment already approved")
}

func TestPaymentService_CancelByParticipantLosesToSettlement(t *testing.T) {
	f := newPaymentFixture(t, nil)
	reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)
	reg.Payment.GatewayPaymentID = "mp-5"
	svc := NewPaymentService(
		memRegistrations{f.store}, memEvents{f.store}, f.notifs,
		settlingGateway{fakeGateway: f.gw, store: f.store, regID: reg.ID},
		verifierFunc(func(string, string, string) error { return nil }), f.emails,
		domain.CountNonRejected, PaymentConfig{}, discardLogger(),
	)

	_, err := svc.CancelByParticipant(context.Background(), reg.ID, "user-1")
	requireTransitionKind(t, err, domain.PaymentSettled)

	got := f.store.registration(reg.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, 1, f.store.event(f.event.ID).CurrentParticipants)
}

func TestPaymentService_ReconcileForeignExternalReference(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to the gateway payment id", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := f.withCharge("mp-77")
		regs := &uuidKeyedRegistrations{memRegistrations: memRegistrations{f.store}}
		notice := approvedNotice(reg, "mp-77")
		notice.ExternalReference = "pedido-4411"

		require.NoError(t, f.serviceWith(regs).Reconcile(ctx, notice))
		assert.Equal(t, domain.PaymentPaid, f.store.registration(reg.ID).PaymentStatus)
		assert.NotContains(t, regs.lookups, "pedido-4411")
	})

	t.Run("unresolvable charge is an integrity error", func(t *testing.T) {
		f := newPaymentFixture(t, nil)
		reg := f.withCharge("mp-77")
		regs := &uuidKeyedRegistrations{memRegistrations: memRegistrations{f.store}}

		err := f.serviceWith(regs).Reconcile(ctx, domain.PaymentNotice{
			GatewayPaymentID: "mp-9001", ExternalReference: "pedido-4411", GatewayStatus: domain.GatewayStatusApproved,
		})
		re := requireReconcileKind(t, err, domain.UnknownRegistration)
		assert.False(t, re.Retryable())
		assert.Equal(t, domain.CategoryIntegrity, domain.CategoryOf(err))
		assert.Equal(t, domain.PaymentPending, f.store.registration(reg.ID).PaymentStatus)
	})
}

func TestPaymentService_PaidAfterParticipantCancel(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		refundErr error
	}{
		{name: "refund requested"},
		{name: "refund request fails", refundErr: domain.ErrGatewayUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t, nil)
			f.gw.cancelErr = errors.New("timeout")
			f.gw.refundErr = tt.refundErr
			reg := seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)
			reg.Payment.GatewayPaymentID = "mp-5"

			_, err := f.svc.CancelByParticipant(ctx, reg.ID, "user-1")
			require.NoError(t, err)

			require.NoError(t, f.svc.Reconcile(ctx, approvedNotice(reg, "mp-5")))

			got := f.store.registration(reg.ID)
			assert.Equal(t, domain.StatusRejected, got.Status)
			assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
			assert.Equal(t, noteGatewayCancelFailed+"timeout", got.CancellationNote)
			assert.Empty(t, f.emails.paid, "no confirmation for a seat the participant gave up")
			if tt.refundErr == nil {
				assert.Equal(t, []string{"mp-5"}, f.gw.refunded)
			} else {
				assert.Empty(t, f.gw.refunded)
			}
		})
	}
}

func TestPaymentService_PollPending(t *testing.T) {
	f := newPaymentFixture(t, nil)
	settled := f.withCharge("mp-1")
	unreachable := f.withCharge("mp-2")
	seedRegistration(f.store, f.event.ID, domain.StatusPending, domain.PaymentPending)

	f.gw.setPayment(&domain.GatewayPayment{ID: "mp-1", ExternalReference: settled.ID, Status: domain.GatewayStatusApproved})
	f.gw.getErr = map[string]error{"mp-2": domain.ErrGatewayUnreachable}

	synced, err := f.svc.PollPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 2, f.gw.gets)
	assert.Equal(t, domain.PaymentPaid, f.store.registration(settled.ID).PaymentStatus)
	assert.Equal(t, domain.PaymentPending, f.store.registration(unreachable.ID).PaymentStatus)
}
