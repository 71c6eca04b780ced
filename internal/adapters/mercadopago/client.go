// Package mercadopago implements the payment gateway port on top of the Mercado Pago payments API
// (PIX charges only) and verifies its webhook signatures.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"churchevents/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"
	pixMethodID    = "pix"
	maxErrorBody   = 8192
	requestRetries = 2
)

// Config holds the API credentials and transport settings.
type Config struct {
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
}

// Client calls the Mercado Pago REST API.
type Client struct {
	accessToken string
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
	newBackOff  func() backoff.BackOff
}

// NewClient returns a gateway client. A zero Timeout falls back to ten seconds.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, requestRetries)
		},
	}
}

var _ domain.PaymentGateway = (*Client)(nil)

// APIError is a non-retryable 4xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Cause      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("mercadopago: status %d", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != "" {
		msg += " (" + e.Cause + ")"
	}
	return msg
}

type identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type payerRequest struct {
	Email          string          `json:"email"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	Identification *identification `json:"identification,omitempty"`
}

type createPaymentRequest struct {
	TransactionAmount float64           `json:"transaction_amount"`
	Description       string            `json:"description,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Payer             payerRequest      `json:"payer"`
}

// flexString accepts a JSON string or number; the API is not consistent about ID types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type paymentResponse struct {
	ID                 flexString     `json:"id"`
	Status             string         `json:"status"`
	StatusDetail       string         `json:"status_detail"`
	ExternalReference  string         `json:"external_reference"`
	TransactionAmount  float64        `json:"transaction_amount"`
	Installments       *int           `json:"installments"`
	DateApproved       *time.Time     `json:"date_approved"`
	Metadata           map[string]any `json:"metadata"`
	TransactionDetails struct {
		TotalPaidAmount *float64 `json:"total_paid_amount"`
	} `json:"transaction_details"`
	Payer struct {
		ID flexString `json:"id"`
	} `json:"payer"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (p *paymentResponse) toDomain() *domain.GatewayPayment {
	out := &domain.GatewayPayment{
		ID:                string(p.ID),
		ExternalReference: p.ExternalReference,
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		AmountCents:       toCents(p.TransactionAmount),
		PayerID:           string(p.Payer.ID),
		ApprovedAt:        p.DateApproved,
		QRCode:            p.PointOfInteraction.TransactionData.QRCode,
		QRCodeBase64:      p.PointOfInteraction.TransactionData.QRCodeBase64,
		TicketURL:         p.PointOfInteraction.TransactionData.TicketURL,
	}
	if paid := p.TransactionDetails.TotalPaidAmount; paid != nil && p.Status == domain.GatewayStatusApproved {
		cents := toCents(*paid)
		out.PaidAmountCents = &cents
		out.Installments = p.Installments
	}
	if len(p.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = fmt.Sprint(v)
		}
	}
	return out
}

func toCents(reais float64) int64 {
	return int64(math.Round(reais * 100))
}

// CreatePayment opens a PIX charge. The idempotency key makes a repeated call return the same payment.
func (c *Client) CreatePayment(ctx context.Context, req domain.PaymentIntentRequest) (*domain.GatewayPayment, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidInput)
	}
	body := createPaymentRequest{
		TransactionAmount: float64(req.AmountCents) / 100,
		Description:       req.Description,
		PaymentMethodID:   pixMethodID,
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
		Metadata:          req.Metadata,
		Payer: payerRequest{
			Email:     req.PayerEmail,
			FirstName: req.PayerFirstName,
			LastName:  req.PayerLastName,
		},
	}
	if req.PayerCPF != "" {
		body.Payer.Identification = &identification{Type: "CPF", Number: req.PayerCPF}
	}
	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", req.IdempotencyKey, body, &resp); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	c.logger.DebugContext(ctx, "mercadopago payment created", "gateway_payment_id", resp.ID, "status", resp.Status)
	return resp.toDomain(), nil
}

// GetPayment fetches the authoritative state of a payment.
func (c *Client) GetPayment(ctx context.Context, gatewayPaymentID string) (*domain.GatewayPayment, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(gatewayPaymentID), "", nil, &resp); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", gatewayPaymentID, err)
	}
	return resp.toDomain(), nil
}

// CancelPayment cancels a payment that has not been paid yet.
func (c *Client) CancelPayment(ctx context.Context, gatewayPaymentID string) error {
	body := map[string]string{"status": domain.GatewayStatusCancelled}
	if err := c.do(ctx, http.MethodPut, "/v1/payments/"+url.PathEscape(gatewayPaymentID), "", body, nil); err != nil {
		return fmt.Errorf("cancel payment %s: %w", gatewayPaymentID, err)
	}
	return nil
}

// RefundPayment refunds a paid payment in full.
func (c *Client) RefundPayment(ctx context.Context, gatewayPaymentID string) error {
	path := "/v1/payments/" + url.PathEscape(gatewayPaymentID) + "/refunds"
	if err := c.do(ctx, http.MethodPost, path, "refund-"+gatewayPaymentID, struct{}{}, nil); err != nil {
		return fmt.Errorf("refund payment %s: %w", gatewayPaymentID, err)
	}
	return nil
}

// do sends one API call, retrying transport failures and 5xx answers with backoff.
// Every retried call is idempotent: GET and PUT by nature, POST through the idempotency key.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	retryable := method != http.MethodPost || idempotencyKey != ""

	op := func() error {
		err := c.send(ctx, method, path, idempotencyKey, payload, out)
		if err != nil && (!retryable || !errors.Is(err, domain.ErrGatewayUnreachable)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "mercadopago request failed, retrying", "method", method, "path", path, "wait", wait, "err", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if !errors.Is(err, domain.ErrGatewayUnreachable) {
			return fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, idempotencyKey string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return decodeAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message string `json:"message"`
		Cause   []struct {
			Description string `json:"description"`
		} `json:"cause"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Message
		if len(body.Cause) > 0 {
			apiErr.Cause = body.Cause[0].Description
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
