package domain

import (
	"context"
	"strings"
	"time"
)

// PaymentStatus is the payment axis of a registration.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether the reconciler may never move the status back to pending.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentPaid, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

// allowedPaymentMoves lists legal payment status moves. Staying in place is always allowed.
var allowedPaymentMoves = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentPaid, PaymentRefunded, PaymentCancelled},
	PaymentPaid:      {PaymentRefunded},
	PaymentCancelled: {PaymentPaid, PaymentRefunded},
	PaymentRefunded:  {},
}

// CanMovePayment reports whether the payment status may change from one value to another.
func CanMovePayment(from, to PaymentStatus) bool {
	for _, s := range allowedPaymentMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Gateway payment status vocabulary (Mercado Pago).
const (
	GatewayStatusPending     = "pending"
	GatewayStatusApproved    = "approved"
	GatewayStatusAuthorized  = "authorized"
	GatewayStatusInProcess   = "in_process"
	GatewayStatusInMediation = "in_mediation"
	GatewayStatusRejected    = "rejected"
	GatewayStatusCancelled   = "cancelled"
	GatewayStatusRefunded    = "refunded"
	GatewayStatusChargedBack = "charged_back"
)

// MapGatewayStatus is the one mapping from gateway vocabulary onto PaymentStatus.
// Anything it does not recognise leaves the payment pending.
func MapGatewayStatus(gatewayStatus string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case GatewayStatusApproved:
		return PaymentPaid
	case GatewayStatusRejected, GatewayStatusCancelled:
		return PaymentCancelled
	case GatewayStatusRefunded:
		return PaymentRefunded
	}
	return PaymentPending
}

// PaymentIntentRequest is what the application sends to create a PIX charge.
type PaymentIntentRequest struct {
	// ExternalReference must be exactly the registration ID.
	ExternalReference string
	AmountCents       int64
	Description       string
	PayerEmail        string
	PayerFirstName    string
	PayerLastName     string
	PayerCPF          string
	NotificationURL   string
	IdempotencyKey    string
	Metadata          map[string]string
}

// GatewayPayment is the gateway's view of a payment.
type GatewayPayment struct {
	ID                string
	ExternalReference string
	Status            string
	StatusDetail      string
	AmountCents       int64
	PaidAmountCents   *int64
	Installments      *int
	PayerID           string
	ApprovedAt        *time.Time
	QRCode            string
	QRCodeBase64      string
	TicketURL         string
	Metadata          map[string]string
}

// PaymentGateway is the port to the third-party payment API. Implementations must honour ctx
// deadlines and wrap timeouts and transport failures with ErrGatewayUnreachable.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req PaymentIntentRequest) (*GatewayPayment, error)
	GetPayment(ctx context.Context, gatewayPaymentID string) (*GatewayPayment, error)
	CancelPayment(ctx context.Context, gatewayPaymentID string) error
	RefundPayment(ctx context.Context, gatewayPaymentID string) error
}

// WebhookNotification is a signed push from the gateway. Only the identifiers are trusted;
// the payment itself is fetched from the gateway before reconciling.
type WebhookNotification struct {
	NotificationID string
	RequestID      string
	Timestamp      string
	Type           string
	Action         string
	DataID         string
	LiveMode       bool
}

// SignatureVerifier authenticates webhook deliveries.
type SignatureVerifier interface {
	Verify(signatureHeader, requestID, dataID string) error
}

// PaymentNotice is a normalized gateway status report, from a webhook fetch or an explicit poll.
type PaymentNotice struct {
	GatewayPaymentID  string
	ExternalReference string
	GatewayStatus     string
	StatusDetail      string
	ApprovedAmount    *int64
	Payer             *PayerMetadata
}

// NoticeFromGateway converts a fetched gateway payment into a PaymentNotice.
func NoticeFromGateway(p *GatewayPayment) PaymentNotice {
	n := PaymentNotice{
		GatewayPaymentID:  p.ID,
		ExternalReference: p.ExternalReference,
		GatewayStatus:     p.Status,
		StatusDetail:      p.StatusDetail,
		ApprovedAmount:    p.PaidAmountCents,
	}
	if p.PayerID != "" || p.PaidAmountCents != nil || p.Installments != nil || p.ApprovedAt != nil {
		n.Payer = &PayerMetadata{
			Identification:  p.PayerID,
			PaidAmountCents: p.PaidAmountCents,
			Installments:    p.Installments,
			PaidAt:          p.ApprovedAt,
		}
	}
	return n
}

// NotificationLog records accepted webhook deliveries for operators.
type NotificationLog struct {
	NotificationID   string
	RequestID        string
	GatewayPaymentID string
	Action           string
	ReceivedAt       time.Time
}

// NotificationRepository stores the webhook audit trail.
type NotificationRepository interface {
	// Record stores n and reports whether it was seen for the first time.
	Record(ctx context.Context, n NotificationLog) (bool, error)
	MarkProcessed(ctx context.Context, notificationID, requestID string, at time.Time, processingErr string) error
}

// PaymentService is the payment reconciler and the payment-facing operations built on it.
type PaymentService interface {
	Reconcile(ctx context.Context, notice PaymentNotice) error
	HandleWebhook(ctx context.Context, n WebhookNotification, signatureHeader string) error
	Sync(ctx context.Context, registrationID string) (*Registration, error)
	CreatePayment(ctx context.Context, registrationID string) (*Registration, error)
	CancelByParticipant(ctx context.Context, registrationID, userID string) (*Registration, error)
	PollPending(ctx context.Context) (int, error)
}
