package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"churchevents/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistrationID returns a UUID that sorts in creation order, the shape Postgres assigns.
func fakeRegistrationID(seq int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", seq)
}

// memStore keeps events and registrations behind one mutex, which stands in for the event row lock.
type memStore struct {
	mu     sync.Mutex
	events map[string]*domain.Event
	regs   map[string]*domain.Registration
	seq    int
	writes int
	// admitConflicts makes the next n Admit calls fail with ErrConflict.
	admitConflicts int
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*domain.Event),
		regs:   make(map[string]*domain.Registration),
	}
}

func (m *memStore) addEvent(e *domain.Event) *domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		m.seq++
		e.ID = fmt.Sprintf("ev-%d", m.seq)
	}
	if e.Status == "" {
		e.Status = domain.EventActive
	}
	m.events[e.ID] = e
	return e
}

func (m *memStore) addRegistration(r *domain.Registration) *domain.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		m.seq++
		r.ID = fakeRegistrationID(m.seq)
	}
	m.regs[r.ID] = r
	return r
}

func (m *memStore) event(id string) domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.events[id]
}

func (m *memStore) registration(id string) domain.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.regs[id]
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) countedLocked(eventID string, policy domain.CapacityPolicy) int {
	n := 0
	for _, r := range m.regs {
		if r.EventID == eventID && policy.Counts(r.Status) {
			n++
		}
	}
	return n
}

func cloneReg(r *domain.Registration) *domain.Registration {
	cp := *r
	return &cp
}

type memRegistrations struct{ *memStore }

func (m memRegistrations) Admit(ctx context.Context, reg *domain.Registration, policy domain.CapacityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitConflicts > 0 {
		m.admitConflicts--
		return domain.ErrConflict
	}
	ev, ok := m.events[reg.EventID]
	if !ok || ev.Status != domain.EventActive {
		return domain.NewRegistrationError(domain.EventUnavailable)
	}
	for _, r := range m.regs {
		if r.EventID == reg.EventID && r.Participant.ID == reg.Participant.ID && r.Status != domain.StatusRejected {
			return domain.NewRegistrationError(domain.DuplicateRegistration)
		}
	}
	if ev.MaxParticipants > 0 && m.countedLocked(reg.EventID, policy) >= ev.MaxParticipants {
		return domain.NewRegistrationError(domain.EventFull)
	}
	m.seq++
	reg.ID = fakeRegistrationID(m.seq)
	m.regs[reg.ID] = cloneReg(reg)
	if policy.Counts(reg.Status) {
		ev.CurrentParticipants++
	}
	m.writes++
	return nil
}

func (m memRegistrations) GetByID(ctx context.Context, id string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReg(r), nil
}

func (m memRegistrations) GetActiveByEventAndParticipant(ctx context.Context, eventID, participantID string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regs {
		if r.EventID == eventID && r.Participant.ID == participantID && r.Status != domain.StatusRejected {
			return cloneReg(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m memRegistrations) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regs {
		if r.Payment.GatewayPaymentID == gatewayPaymentID {
			return cloneReg(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m memRegistrations) sorted(keep func(*domain.Registration) bool) []*domain.Registration {
	out := make([]*domain.Registration, 0)
	for _, r := range m.regs {
		if keep(r) {
			out = append(out, cloneReg(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memRegistrations) ListByEvent(ctx context.Context, eventID string, filter domain.RegistrationFilter, page domain.PaginationParams) ([]*domain.Registration, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(r *domain.Registration) bool {
		return r.EventID == eventID && (filter.Status == nil || r.Status == *filter.Status)
	})
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit(20)
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m memRegistrations) ListByParticipantOrActor(ctx context.Context, userID string) ([]*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(r *domain.Registration) bool {
		return r.Participant.ID == userID || r.RegisteredBy == userID
	}), nil
}

func (m memRegistrations) ListAwaitingPayment(ctx context.Context, before time.Time, limit int) ([]*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(r *domain.Registration) bool {
		touched := r.CreatedAt
		if r.Payment.UpdatedAt != nil {
			touched = *r.Payment.UpdatedAt
		}
		return r.PaymentStatus == domain.PaymentPending && r.Payment.GatewayPaymentID != "" &&
			r.Status != domain.StatusRejected && touched.Before(before)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memRegistrations) CountTowardCapacity(ctx context.Context, eventID string, policy domain.CapacityPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countedLocked(eventID, policy), nil
}

func (m memRegistrations) ApplyStatusChange(ctx context.Context, c domain.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[c.EventID]
	if c.CounterDelta != 0 {
		if ev == nil {
			return domain.ErrNotFound
		}
		if c.EnforceCapacity && c.CounterDelta > 0 && ev.MaxParticipants > 0 &&
			m.countedLocked(c.EventID, c.Policy)+c.CounterDelta > ev.MaxParticipants {
			return domain.NewRegistrationError(domain.EventFull)
		}
	}
	r, ok := m.regs[c.RegistrationID]
	if !ok || r.Status != c.From {
		return domain.ErrConflict
	}
	if c.Payment != nil && r.PaymentStatus != c.Payment.From {
		return domain.ErrConflict
	}
	r.Status = c.To
	at := c.At
	if c.Payment != nil {
		r.PaymentStatus = c.Payment.To
		r.Payment.UpdatedAt = &at
	}
	switch c.To {
	case domain.StatusApproved:
		r.ApprovedBy, r.ApprovedAt = c.ActorID, &at
	case domain.StatusRejected:
		r.RejectedBy, r.RejectedAt, r.RejectionReason = c.ActorID, &at, c.Reason
		if c.CancellationNote != "" {
			r.CancellationNote = c.CancellationNote
		}
	}
	r.UpdatedAt = at
	if c.CounterDelta != 0 {
		ev.CurrentParticipants = max(ev.CurrentParticipants+c.CounterDelta, 0)
	}
	m.writes++
	return nil
}

func (m memRegistrations) MarkCheckedIn(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok || r.Status != domain.StatusApproved || r.CheckedIn {
		return false, nil
	}
	r.CheckedIn, r.CheckedInAt, r.CheckedInBy = true, &at, actorID
	m.writes++
	return true, nil
}

func (m memRegistrations) SetPaymentIntent(ctx context.Context, id string, ref domain.PaymentIntentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok || (r.Payment.GatewayPaymentID != "" && r.Payment.GatewayPaymentID != ref.GatewayPaymentID) {
		return domain.ErrConflict
	}
	r.Payment = ref
	m.writes++
	return nil
}

func (m memRegistrations) CompareAndSwapPayment(ctx context.Context, u domain.PaymentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[u.RegistrationID]
	if !ok || r.PaymentStatus != u.Expected {
		return domain.ErrConflict
	}
	r.PaymentStatus = u.Next
	if u.GatewayStatus != "" {
		r.Payment.GatewayStatus = u.GatewayStatus
	}
	if u.StatusDetail != "" {
		r.Payment.StatusDetail = u.StatusDetail
	}
	if r.Payment.GatewayPaymentID == "" {
		r.Payment.GatewayPaymentID = u.GatewayPaymentID
	}
	if p := u.Payer; p != nil {
		if p.Identification != "" {
			r.Payer.Identification = p.Identification
		}
		if p.PaidAmountCents != nil {
			r.Payer.PaidAmountCents = p.PaidAmountCents
		}
		if p.Installments != nil {
			r.Payer.Installments = p.Installments
		}
		if p.PaidAt != nil {
			r.Payer.PaidAt = p.PaidAt
		}
	}
	if r.RefundedAt == nil && u.RefundedAt != nil {
		r.RefundedAt = u.RefundedAt
	}
	if u.CancellationNote != "" {
		r.CancellationNote = u.CancellationNote
	}
	at := u.At
	r.Payment.UpdatedAt = &at
	m.writes++
	return nil
}

func (m memRegistrations) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.regs {
		if r.EventID == eventID {
			delete(m.regs, id)
			n++
		}
	}
	return n, nil
}

type memEvents struct{ *memStore }

func (m memEvents) Create(ctx context.Context, e *domain.Event) error {
	m.addEvent(e)
	return nil
}

func (m memEvents) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m memEvents) List(ctx context.Context, status *domain.EventStatus, page domain.PaginationParams) ([]*domain.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Event, 0)
	for _, e := range m.events {
		if status == nil || e.Status == *status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m memEvents) ListIDsByStatus(ctx context.Context, status domain.EventStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id, e := range m.events {
		if e.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m memEvents) UpdateStatus(ctx context.Context, id string, status domain.EventStatus) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.Status = status
	cp := *e
	return &cp, nil
}

func (m memEvents) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.events, id)
	return nil
}

func (m memEvents) ResyncParticipants(ctx context.Context, id string, policy domain.CapacityPolicy) (domain.Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domain.Drift{EventID: id}, domain.ErrNotFound
	}
	d := domain.Drift{EventID: id, Stored: e.CurrentParticipants, Computed: m.countedLocked(id, policy)}
	e.CurrentParticipants = d.Computed
	return d, nil
}

type memSeniors struct {
	seniors map[string]*domain.Senior
}

func (m *memSeniors) Create(ctx context.Context, s *domain.Senior) error {
	if m.seniors == nil {
		m.seniors = make(map[string]*domain.Senior)
	}
	if s.ID == "" {
		s.ID = fmt.Sprintf("sen-%d", len(m.seniors)+1)
	}
	m.seniors[s.ID] = s
	return nil
}

func (m *memSeniors) GetByID(ctx context.Context, id string) (*domain.Senior, error) {
	s, ok := m.seniors[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSeniors) ListByManager(ctx context.Context, managerID string) ([]*domain.Senior, error) {
	out := make([]*domain.Senior, 0)
	for _, s := range m.seniors {
		if s.ManagedBy == managerID {
			out = append(out, s)
		}
	}
	return out, nil
}

type memNotifications struct {
	mu        sync.Mutex
	seen      map[string]domain.NotificationLog
	processed map[string]string
}

func (m *memNotifications) Record(ctx context.Context, n domain.NotificationLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]domain.NotificationLog)
	}
	key := n.NotificationID + "/" + n.RequestID
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = n
	return true, nil
}

func (m *memNotifications) MarkProcessed(ctx context.Context, notificationID, requestID string, at time.Time, processingErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed == nil {
		m.processed = make(map[string]string)
	}
	m.processed[notificationID+"/"+requestID] = processingErr
	return nil
}

func (m *memNotifications) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

type fakeGateway struct {
	mu        sync.Mutex
	payments  map[string]*domain.GatewayPayment
	getErr    map[string]error
	createErr error
	cancelErr error
	refundErr error
	created   []domain.PaymentIntentRequest
	gets      int
	cancelled []string
	refunded  []string
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req domain.PaymentIntentRequest) (*domain.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	if g.payments == nil {
		g.payments = make(map[string]*domain.GatewayPayment)
	}
	p := &domain.GatewayPayment{
		ID:                fmt.Sprintf("mp-%d", len(g.created)),
		ExternalReference: req.ExternalReference,
		Status:            domain.GatewayStatusPending,
		StatusDetail:      "pending_waiting_transfer",
		AmountCents:       req.AmountCents,
		QRCode:            "00020126pix",
		QRCodeBase64:      "iVBORw0KGgo=",
		TicketURL:         "https://pix.example/ticket",
	}
	g.payments[p.ID] = p
	return p, nil
}

func (g *fakeGateway) GetPayment(ctx context.Context, id string) (*domain.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	if err := g.getErr[id]; err != nil {
		return nil, err
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) RefundPayment(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunded = append(g.refunded, id)
	return nil
}

func (g *fakeGateway) setPayment(p *domain.GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.payments == nil {
		g.payments = make(map[string]*domain.GatewayPayment)
	}
	g.payments[p.ID] = p
}

type verifierFunc func(signatureHeader, requestID, dataID string) error

func (f verifierFunc) Verify(signatureHeader, requestID, dataID string) error {
	return f(signatureHeader, requestID, dataID)
}

type fakeEmailService struct {
	mu       sync.Mutex
	received []*domain.RegistrationEmailData
	paid     []*domain.RegistrationEmailData
	err      error
}

func (f *fakeEmailService) SendRegistrationReceived(ctx context.Context, data *domain.RegistrationEmailData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, data)
	return f.err
}

func (f *fakeEmailService) SendPaymentConfirmed(ctx context.Context, data *domain.RegistrationEmailData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid = append(f.paid, data)
	return f.err
}

func validSnapshot(name string) domain.ParticipantSnapshot {
	return domain.ParticipantSnapshot{
		Name:       name,
		Email:      "maria@example.com",
		Phone:      "(11) 91234-5678",
		CPF:        "529.982.247-25",
		ChurchName: "Igreja Central",
	}
}
