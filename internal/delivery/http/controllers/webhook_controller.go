package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"churchevents/internal/delivery/http/helpers"
	"churchevents/internal/domain"
)

const maxWebhookBytes = 64 << 10

// webhookID accepts the gateway's identifiers whether they arrive as JSON numbers or strings.
type webhookID string

func (id *webhookID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = webhookID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = webhookID(n.String())
	return nil
}

// PaymentWebhookBody is the notification payload pushed by the gateway.
type PaymentWebhookBody struct {
	ID       webhookID `json:"id" swaggertype:"string"`
	Type     string    `json:"type"`
	Action   string    `json:"action"`
	LiveMode bool      `json:"live_mode"`
	Data     struct {
		ID webhookID `json:"id" swaggertype:"string"`
	} `json:"data"`
}

// WebhookAck is the data returned to the gateway on an accepted delivery.
type WebhookAck struct {
	Received bool `json:"received"`
}

type WebhookController struct {
	Logger   *slog.Logger
	Payments domain.PaymentService
}

func NewWebhookController(logger *slog.Logger, payments domain.PaymentService) *WebhookController {
	return &WebhookController{Logger: logger, Payments: payments}
}

// PaymentWebhook godoc
// @Summary Gateway payment notification
// @Description Verifies the x-signature header, fetches the payment from the gateway and reconciles it. Answers 503 when the gateway could not be reached so the delivery is retried.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param x-signature header string true "ts=<unix>,v1=<hex hmac>"
// @Param x-request-id header string true "Delivery request ID"
// @Param data.id query string false "Payment ID"
// @Param type query string false "Notification topic"
// @Param body body PaymentWebhookBody false "Notification"
// @Success 200 {object} helpers.APIResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 422 {object} helpers.APIResponse "error.kind: malformed_notification"
// @Failure 401 {object} helpers.APIResponse "error.code: unauthorized"
// @Failure 503 {object} helpers.APIResponse "error.kind: gateway_unreachable"
// @Router /webhooks/payments [post]
func (c *WebhookController) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "could not read body")
		return
	}
	var body PaymentWebhookBody
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "invalid notification body")
			return
		}
	}

	q := r.URL.Query()
	n := domain.WebhookNotification{
		NotificationID: string(body.ID),
		RequestID:      r.Header.Get("x-request-id"),
		Type:           firstNonEmpty(q.Get("type"), q.Get("topic"), body.Type),
		Action:         body.Action,
		DataID:         firstNonEmpty(q.Get("data.id"), string(body.Data.ID)),
		LiveMode:       body.LiveMode,
	}
	signature := r.Header.Get("x-signature")
	n.Timestamp = signatureTimestamp(signature)

	err = c.Payments.HandleWebhook(r.Context(), n, signature)
	if err == nil {
		helpers.WriteJSONSuccess(w, http.StatusOK, WebhookAck{Received: true})
		return
	}

	var rerr *domain.ReconcileError
	if errors.As(err, &rerr) && rerr.Kind == domain.UnknownRegistration {
		// Redelivery cannot fix a reference we do not hold; acknowledge so the gateway stops retrying.
		c.Logger.ErrorContext(r.Context(), "webhook for unknown registration",
			"gateway_payment_id", n.DataID, "request_id", n.RequestID, "err", err)
		helpers.WriteJSONSuccess(w, http.StatusOK, WebhookAck{Received: true})
		return
	}
	helpers.WriteDomainError(w, r, c.Logger, err)
}

// signatureTimestamp extracts ts from an x-signature header for the notification record.
func signatureTimestamp(header string) string {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == "ts" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
