package domain

import (
	"context"
	"time"
)

// RegistrationStatus is the workflow axis of a registration.
type RegistrationStatus string

const (
	StatusPending  RegistrationStatus = "pending"
	StatusApproved RegistrationStatus = "approved"
	StatusRejected RegistrationStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// ParticipantKind distinguishes members with their own login from secretary-managed seniors.
type ParticipantKind string

const (
	ParticipantUser   ParticipantKind = "user"
	ParticipantSenior ParticipantKind = "senior"
)

// Participant identifies who occupies the slot.
type Participant struct {
	ID   string          `json:"id"`
	Kind ParticipantKind `json:"kind"`
}

// ParticipantSnapshot is the contact and church data captured when the registration is made.
// It is copied, never joined live.
type ParticipantSnapshot struct {
	Name       string `json:"name" validate:"required,notblank"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"required,br_phone"`
	CPF        string `json:"cpf" validate:"required,cpf"`
	ChurchName string `json:"church_name,omitempty"`
	PastorName string `json:"pastor_name,omitempty"`
}

// PayerMetadata is what the gateway reports about the payer once a payment is approved.
type PayerMetadata struct {
	Identification  string     `json:"identification,omitempty"`
	PaidAmountCents *int64     `json:"paid_amount_cents,omitempty"`
	Installments    *int       `json:"installments,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

// PaymentIntentRef is the locally stored reference to a gateway-owned payment intent.
type PaymentIntentRef struct {
	GatewayPaymentID string     `json:"gateway_payment_id,omitempty"`
	GatewayStatus    string     `json:"gateway_status,omitempty"`
	StatusDetail     string     `json:"gateway_status_detail,omitempty"`
	AmountCents      int64      `json:"amount_cents"`
	Description      string     `json:"description,omitempty"`
	QRCode           string     `json:"qr_code,omitempty"`
	QRCodeBase64     string     `json:"qr_code_base64,omitempty"`
	TicketURL        string     `json:"ticket_url,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// Registration links a participant to an event.
// swagger:model Registration
type Registration struct {
	ID          string              `json:"id"`
	EventID     string              `json:"event_id"`
	Participant Participant         `json:"participant"`
	Snapshot    ParticipantSnapshot `json:"snapshot"`
	// RegisteredBy is the actor that submitted the request (the member or a secretary).
	RegisteredBy  string             `json:"registered_by"`
	Status        RegistrationStatus `json:"status"`
	PaymentStatus PaymentStatus      `json:"payment_status"`
	Payment       PaymentIntentRef   `json:"payment"`
	Payer         PayerMetadata      `json:"payer"`

	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CancellationNote string     `json:"cancellation_note,omitempty"`

	CheckedIn   bool       `json:"checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	CheckedInBy string     `json:"checked_in_by,omitempty"`

	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRegistration returns a registration in pending/pending. ID is set by the repository on create.
func NewRegistration(eventID string, p Participant, snap ParticipantSnapshot, registeredBy string, now time.Time) *Registration {
	return &Registration{
		EventID:       eventID,
		Participant:   p,
		Snapshot:      snap,
		RegisteredBy:  registeredBy,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StatusChange is one conditional write of the status axis plus its audit fields.
// The write only applies while the stored status still equals From.
type StatusChange struct {
	RegistrationID string
	EventID        string
	From           RegistrationStatus
	To             RegistrationStatus
	ActorID        string
	At             time.Time
	Reason         string
	// CounterDelta is applied to the event's current_participants in the same transaction.
	CounterDelta int
	// EnforceCapacity refuses the change with EventFull when a positive delta would exceed the limit.
	// The occupied slots are counted from the registrations under Policy, not read from the counter.
	EnforceCapacity bool
	Policy          CapacityPolicy
	// CancellationNote is stored alongside the change when set.
	CancellationNote string
	// Payment moves the payment axis in the same write. The change then also requires the stored
	// payment status to equal Payment.From. Only honoured on a move to rejected.
	Payment *PaymentMove
}

// PaymentMove is a payment status change written together with a StatusChange.
type PaymentMove struct {
	From PaymentStatus
	To   PaymentStatus
}

// PaymentUpdate is a compare-and-swap write on the payment axis.
type PaymentUpdate struct {
	RegistrationID string
	Expected       PaymentStatus
	Next           PaymentStatus
	GatewayStatus  string
	StatusDetail   string
	// GatewayPaymentID is stored if the registration does not have one yet.
	GatewayPaymentID string
	Payer            *PayerMetadata
	RefundedAt       *time.Time
	CancellationNote string
	At               time.Time
}

// RegistrationFilter narrows list queries.
type RegistrationFilter struct {
	Status *RegistrationStatus
}

// RegistrationRepository is the persistence port for registrations.
type RegistrationRepository interface {
	// Admit atomically re-checks event availability, duplicates and capacity under policy,
	// inserts reg and increments the event counter when the policy counts pending registrations.
	Admit(ctx context.Context, reg *Registration, policy CapacityPolicy) error
	GetByID(ctx context.Context, id string) (*Registration, error)
	// GetActiveByEventAndParticipant returns the non-rejected registration for the pair, or ErrNotFound.
	GetActiveByEventAndParticipant(ctx context.Context, eventID, participantID string) (*Registration, error)
	GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*Registration, error)
	ListByEvent(ctx context.Context, eventID string, filter RegistrationFilter, page PaginationParams) ([]*Registration, int, error)
	ListByParticipantOrActor(ctx context.Context, userID string) ([]*Registration, error)
	// ListAwaitingPayment returns registrations with a gateway reference still pending and not touched since before.
	ListAwaitingPayment(ctx context.Context, before time.Time, limit int) ([]*Registration, error)
	CountTowardCapacity(ctx context.Context, eventID string, policy CapacityPolicy) (int, error)
	// ApplyStatusChange returns ErrConflict when the stored status no longer equals change.From, or
	// the stored payment status no longer equals change.Payment.From.
	ApplyStatusChange(ctx context.Context, change StatusChange) error
	// MarkCheckedIn returns false when the registration was already checked in or is not approved.
	MarkCheckedIn(ctx context.Context, id, actorID string, at time.Time) (bool, error)
	SetPaymentIntent(ctx context.Context, id string, ref PaymentIntentRef) error
	// CompareAndSwapPayment returns ErrConflict when the stored payment status differs from update.Expected.
	CompareAndSwapPayment(ctx context.Context, update PaymentUpdate) error
	DeleteByEvent(ctx context.Context, eventID string) (int, error)
}

// RegistrationRequest is the input to the admission guard.
type RegistrationRequest struct {
	EventID     string
	Participant Participant
	Snapshot    ParticipantSnapshot
	ActorID     string
}

// AdmissionService is the capacity and duplicate guard.
type AdmissionService interface {
	RequestRegistration(ctx context.Context, req RegistrationRequest) (*Registration, error)
	RegisterSenior(ctx context.Context, eventID, seniorID string, actor Principal) (*Registration, error)
}

// TransitionService is the status transition engine.
type TransitionService interface {
	Approve(ctx context.Context, registrationID, actorID string) error
	Reject(ctx context.Context, registrationID, actorID, reason string) error
	CheckIn(ctx context.Context, registrationID, actorID string) error
	// CancelApproved retires an approved registration, releasing its slot and asking the gateway to
	// refund or cancel its payment.
	CancelApproved(ctx context.Context, registrationID, actorID, reason string) error
}

// RegistrationQueryService serves read paths over registrations.
type RegistrationQueryService interface {
	Get(ctx context.Context, registrationID string) (*Registration, error)
	ListMine(ctx context.Context, userID string) ([]*RegistrationWithEvent, error)
	ListForEvent(ctx context.Context, eventID string, filter RegistrationFilter, page PaginationParams) ([]*Registration, int, error)
}

// RegistrationWithEvent bundles a registration with its related event.
type RegistrationWithEvent struct {
	Registration *Registration `json:"registration"`
	Event        *Event        `json:"event"`
}
