package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by repositories and services.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned by storage when a concurrent writer won (serialization failure,
	// deadlock, or a compare-and-swap that matched no row). Callers re-run the whole decision.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrGatewayUnreachable wraps timeouts, transport failures and 5xx answers from the payment gateway.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	// ErrInvalidSignature rejects a webhook delivery before anything is read or written.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// ErrorCategory tells callers whether to surface, retry, or alert on an error.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryTransient  ErrorCategory = "transient"
	CategoryIntegrity  ErrorCategory = "integrity"
)

// Categorized is implemented by every typed ledger error.
type Categorized interface {
	error
	Category() ErrorCategory
}

// CategoryOf returns the category of err, treating unknown errors as transient infrastructure failures.
func CategoryOf(err error) ErrorCategory {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CategoryValidation
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	}
	return CategoryTransient
}

// RegistrationErrorKind enumerates admission failures.
type RegistrationErrorKind string

const (
	EventUnavailable      RegistrationErrorKind = "event_unavailable"
	DuplicateRegistration RegistrationErrorKind = "duplicate_registration"
	EventFull             RegistrationErrorKind = "event_full"
	InvalidParticipant    RegistrationErrorKind = "invalid_participant"
)

// RegistrationError is returned by the admission guard.
type RegistrationError struct {
	Kind RegistrationErrorKind
	// Fields lists the offending snapshot fields for InvalidParticipant.
	Fields []string
}

func (e *RegistrationError) Error() string {
	switch e.Kind {
	case EventUnavailable:
		return "event is not available for registration"
	case DuplicateRegistration:
		return "participant is already registered for this event"
	case EventFull:
		return "event is full"
	case InvalidParticipant:
		return "invalid participant: " + strings.Join(e.Fields, ", ")
	}
	return string(e.Kind)
}

func (e *RegistrationError) Category() ErrorCategory {
	if e.Kind == InvalidParticipant {
		return CategoryValidation
	}
	return CategoryConflict
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &RegistrationError{Kind: EventFull}).
func (e *RegistrationError) Is(target error) bool {
	t, ok := target.(*RegistrationError)
	return ok && t.Kind == e.Kind
}

// NewRegistrationError builds a RegistrationError of the given kind.
func NewRegistrationError(kind RegistrationErrorKind, fields ...string) *RegistrationError {
	return &RegistrationError{Kind: kind, Fields: fields}
}

// TransitionErrorKind enumerates status engine failures.
type TransitionErrorKind string

const (
	IllegalTransition TransitionErrorKind = "illegal_transition"
	NotApproved       TransitionErrorKind = "not_approved"
	AlreadyCheckedIn  TransitionErrorKind = "already_checked_in"
	PaymentSettled    TransitionErrorKind = "payment_settled"
)

// TransitionError is returned when a status change is not allowed from the current state.
type TransitionError struct {
	Kind TransitionErrorKind
	From RegistrationStatus
	To   RegistrationStatus
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case NotApproved:
		return fmt.Sprintf("registration is %s, check-in requires approved", e.From)
	case AlreadyCheckedIn:
		return "registration is already checked in"
	case PaymentSettled:
		return "payment is no longer pending, the registration cannot be cancelled"
	}
	return fmt.Sprintf("cannot move registration from %s to %s", e.From, e.To)
}

func (e *TransitionError) Category() ErrorCategory { return CategoryConflict }

func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*TransitionError)
	return ok && t.Kind == e.Kind
}

// ReconcileErrorKind enumerates payment reconciliation failures.
type ReconcileErrorKind string

const (
	UnknownRegistration   ReconcileErrorKind = "unknown_registration"
	GatewayUnreachable    ReconcileErrorKind = "gateway_unreachable"
	MalformedNotification ReconcileErrorKind = "malformed_notification"
)

// ReconcileError is returned by the payment reconciler.
type ReconcileError struct {
	Kind   ReconcileErrorKind
	Detail string
	Err    error
}

func (e *ReconcileError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconcileError) Unwrap() error { return e.Err }

func (e *ReconcileError) Category() ErrorCategory {
	switch e.Kind {
	case GatewayUnreachable:
		return CategoryTransient
	case MalformedNotification:
		return CategoryValidation
	}
	return CategoryIntegrity
}

func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the caller should re-deliver or re-poll.
func (e *ReconcileError) Retryable() bool { return e.Kind == GatewayUnreachable }
