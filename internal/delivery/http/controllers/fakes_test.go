package controllers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"churchevents/internal/delivery/http/middleware"
	"churchevents/internal/domain"
)

// testLogger is a no-op logger for controller tests so we don't assert on log output.
var testLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

const (
	eventUUID  = "8f14e45f-ceea-467f-a0e6-1c4a5b2d9e01"
	regUUID    = "c9f0f895-fb98-4b91-9f0e-7a2c3d4e5f60"
	seniorUUID = "45c48cce-2e2d-4fbd-8a1b-0c9d8e7f6a5b"
)

var (
	member    = domain.Principal{UserID: "user-1", Roles: []domain.Role{domain.RoleMember}}
	pastor    = domain.Principal{UserID: "pastor-1", Roles: []domain.Role{domain.RolePastor}}
	secretary = domain.Principal{UserID: "sec-1", Roles: []domain.Role{domain.RoleLocalSecretary}}
)

// newRequest builds a request with path values and an optional principal in context.
func newRequest(method, target, body string, p *domain.Principal, pathValues map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	if p != nil {
		req = req.WithContext(middleware.SetPrincipal(req.Context(), *p))
	}
	return req
}

type fakeEventService struct {
	createErr   error
	lastCreated *domain.Event
	event       *domain.Event
	getErr      error
	list        []*domain.Event
	total       int
	listErr     error
	lastStatus  *domain.EventStatus
	lastPage    domain.PaginationParams
	setErr      error
	deleteErr   error
	lastDeleted string
}

func (f *fakeEventService) CreateEvent(_ context.Context, e *domain.Event) error {
	if f.createErr != nil {
		return f.createErr
	}
	e.ID = eventUUID
	f.lastCreated = e
	return nil
}

func (f *fakeEventService) GetEvent(_ context.Context, id string) (*domain.Event, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.event == nil || f.event.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.event, nil
}

func (f *fakeEventService) ListEvents(_ context.Context, status *domain.EventStatus, page domain.PaginationParams) ([]*domain.Event, int, error) {
	f.lastStatus = status
	f.lastPage = page
	return f.list, f.total, f.listErr
}

func (f *fakeEventService) SetStatus(_ context.Context, id string, status domain.EventStatus) (*domain.Event, error) {
	if f.setErr != nil {
		return nil, f.setErr
	}
	return &domain.Event{ID: id, Status: status}, nil
}

func (f *fakeEventService) DeleteEvent(_ context.Context, id string) error {
	f.lastDeleted = id
	return f.deleteErr
}

type fakeResyncService struct {
	drift domain.Drift
	err   error
}

func (f *fakeResyncService) ResyncEvent(_ context.Context, id string) (domain.Drift, error) {
	d := f.drift
	d.EventID = id
	return d, f.err
}

func (f *fakeResyncService) ResyncAll(context.Context) ([]domain.Drift, error) { return nil, f.err }

type fakeAdmission struct {
	err        error
	lastReq    domain.RegistrationRequest
	lastSenior string
	lastActor  domain.Principal
}

func (f *fakeAdmission) RequestRegistration(_ context.Context, req domain.RegistrationRequest) (*domain.Registration, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Registration{ID: regUUID, EventID: req.EventID, Participant: req.Participant,
		Snapshot: req.Snapshot, RegisteredBy: req.ActorID, Status: domain.StatusPending, PaymentStatus: domain.PaymentPending}, nil
}

func (f *fakeAdmission) RegisterSenior(_ context.Context, eventID, seniorID string, actor domain.Principal) (*domain.Registration, error) {
	f.lastSenior = seniorID
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Registration{ID: regUUID, EventID: eventID,
		Participant: domain.Participant{ID: seniorID, Kind: domain.ParticipantSenior}, RegisteredBy: actor.UserID,
		Status: domain.StatusPending, PaymentStatus: domain.PaymentPending}, nil
}

type transitionCall struct {
	op     string
	id     string
	actor  string
	reason string
}

type fakeTransitions struct {
	err   error
	calls []transitionCall
}

func (f *fakeTransitions) record(op, id, actor, reason string) error {
	f.calls = append(f.calls, transitionCall{op: op, id: id, actor: actor, reason: reason})
	return f.err
}

func (f *fakeTransitions) Approve(_ context.Context, id, actor string) error {
	return f.record("approve", id, actor, "")
}

func (f *fakeTransitions) Reject(_ context.Context, id, actor, reason string) error {
	return f.record("reject", id, actor, reason)
}

func (f *fakeTransitions) CheckIn(_ context.Context, id, actor string) error {
	return f.record("checkin", id, actor, "")
}

func (f *fakeTransitions) CancelApproved(_ context.Context, id, actor, reason string) error {
	return f.record("cancel", id, actor, reason)
}

type fakeQueries struct {
	reg        *domain.Registration
	mine       []*domain.RegistrationWithEvent
	byEvent    []*domain.Registration
	total      int
	lastFilter domain.RegistrationFilter
	lastPage   domain.PaginationParams
	err        error
}

func (f *fakeQueries) Get(_ context.Context, id string) (*domain.Registration, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.reg == nil || f.reg.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.reg, nil
}

func (f *fakeQueries) ListMine(context.Context, string) ([]*domain.RegistrationWithEvent, error) {
	return f.mine, f.err
}

func (f *fakeQueries) ListForEvent(_ context.Context, _ string, filter domain.RegistrationFilter, page domain.PaginationParams) ([]*domain.Registration, int, error) {
	f.lastFilter = filter
	f.lastPage = page
	return f.byEvent, f.total, f.err
}

type fakePayments struct {
	createErr    error
	createCalls  int
	syncErr      error
	cancelErr    error
	lastCancelBy string
	webhookErr   error
	lastWebhook  domain.WebhookNotification
	lastHeader   string
}

func (f *fakePayments) Reconcile(context.Context, domain.PaymentNotice) error { return nil }

func (f *fakePayments) HandleWebhook(_ context.Context, n domain.WebhookNotification, header string) error {
	f.lastWebhook = n
	f.lastHeader = header
	return f.webhookErr
}

func (f *fakePayments) Sync(_ context.Context, id string) (*domain.Registration, error) {
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &domain.Registration{ID: id, PaymentStatus: domain.PaymentPaid}, nil
}

func (f *fakePayments) CreatePayment(_ context.Context, id string) (*domain.Registration, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &domain.Registration{ID: id, PaymentStatus: domain.PaymentPending,
		Payment: domain.PaymentIntentRef{GatewayPaymentID: "mp-1", QRCode: "000201pix"}}, nil
}

func (f *fakePayments) CancelByParticipant(_ context.Context, id, userID string) (*domain.Registration, error) {
	f.lastCancelBy = userID
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &domain.Registration{ID: id, Status: domain.StatusRejected, PaymentStatus: domain.PaymentCancelled}, nil
}

func (f *fakePayments) PollPending(context.Context) (int, error) { return 0, nil }

type fakeSeniors struct {
	err     error
	created *domain.Senior
	list    []*domain.Senior
}

func (f *fakeSeniors) Create(_ context.Context, s *domain.Senior) error {
	if f.err != nil {
		return f.err
	}
	s.ID = seniorUUID
	f.created = s
	return nil
}

func (f *fakeSeniors) ListMine(context.Context, string) ([]*domain.Senior, error) {
	return f.list, f.err
}
