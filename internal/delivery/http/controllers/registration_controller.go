package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"churchevents/internal/delivery/http/helpers"
	"churchevents/internal/domain"
)

// RegisterRequest is the request body for POST /events/{eventID}/registrations.
// The snapshot is copied onto the registration and never re-read from the profile. Field rules are
// applied by the admission guard, which reports every offending field at once.
type RegisterRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	CPF        string `json:"cpf"`
	ChurchName string `json:"church_name"`
	PastorName string `json:"pastor_name"`
}

// RejectRequest is the request body for rejection and administrative cancellation.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Validate implements Validator.
func (req RejectRequest) Validate() []string {
	if strings.TrimSpace(req.Reason) == "" {
		return []string{"reason is required"}
	}
	return nil
}

// RegistrationSuccessResponse is the success response envelope for single-registration endpoints.
type RegistrationSuccessResponse struct {
	Data  *domain.Registration `json:"data"`
	Error *helpers.APIError    `json:"error"`
}

// ListMyRegistrationsSuccessResponse is the success response envelope for GET /me/registrations.
type ListMyRegistrationsSuccessResponse struct {
	Data  []*domain.RegistrationWithEvent `json:"data"`
	Error *helpers.APIError               `json:"error"`
}

// ListEventRegistrationsResponse is the data of GET /events/{eventID}/registrations.
type ListEventRegistrationsResponse struct {
	Items      []*domain.Registration `json:"items"`
	Pagination helpers.PaginationMeta `json:"pagination"`
}

// ListEventRegistrationsSuccessResponse is the success response envelope for GET /events/{eventID}/registrations.
type ListEventRegistrationsSuccessResponse struct {
	Data  ListEventRegistrationsResponse `json:"data"`
	Error *helpers.APIError              `json:"error"`
}

type RegistrationController struct {
	Logger      *slog.Logger
	Admission   domain.AdmissionService
	Transitions domain.TransitionService
	Queries     domain.RegistrationQueryService
	Payments    domain.PaymentService
}

func NewRegistrationController(
	logger *slog.Logger,
	admission domain.AdmissionService,
	transitions domain.TransitionService,
	queries domain.RegistrationQueryService,
	payments domain.PaymentService,
) *RegistrationController {
	return &RegistrationController{
		Logger:      logger,
		Admission:   admission,
		Transitions: transitions,
		Queries:     queries,
		Payments:    payments,
	}
}

// Register godoc
// @Summary Register the current member for an event
// @Description Creates a pending registration for the caller and opens its PIX charge when the event is paid. Fails with event_unavailable, duplicate_registration or event_full (409), or invalid_participant (422) listing the offending fields.
// @Tags registrations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param eventID path string true "Event ID (UUID)"
// @Param body body RegisterRequest true "Participant snapshot"
// @Success 201 {object} controllers.RegistrationSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 401 {object} helpers.APIResponse "error.code: unauthorized"
// @Failure 409 {object} helpers.APIResponse "error.code: conflict"
// @Failure 422 {object} helpers.APIResponse "error.kind: invalid_participant"
// @Failure 429 {object} helpers.APIResponse "error.code: too_many_requests"
// @Router /events/{eventID}/registrations [post]
func (c *RegistrationController) Register(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	var req RegisterRequest
	if !helpers.DecodeAndValidate(w, r, &req) {
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	reg, err := c.Admission.RequestRegistration(r.Context(), domain.RegistrationRequest{
		EventID:     eventID,
		Participant: domain.Participant{ID: p.UserID, Kind: domain.ParticipantUser},
		Snapshot: domain.ParticipantSnapshot{
			Name:       req.Name,
			Email:      req.Email,
			Phone:      req.Phone,
			CPF:        req.CPF,
			ChurchName: req.ChurchName,
			PastorName: req.PastorName,
		},
		ActorID: p.UserID,
	})
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusCreated, c.openPayment(r, reg))
}

// RegisterSenior godoc
// @Summary Register a senior for an event
// @Description A secretary registers a senior they manage (regional secretaries may register any senior). The senior's stored data becomes the snapshot.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param eventID path string true "Event ID (UUID)"
// @Param seniorID path string true "Senior ID (UUID)"
// @Success 201 {object} controllers.RegistrationSuccessResponse
// @Failure 401 {object} helpers.APIResponse "error.code: unauthorized"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 404 {object} helpers.APIResponse "error.code: not_found"
// @Failure 409 {object} helpers.APIResponse "error.code: conflict"
// @Failure 422 {object} helpers.APIResponse "error.kind: invalid_participant"
// @Router /events/{eventID}/seniors/{seniorID}/registrations [post]
func (c *RegistrationController) RegisterSenior(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	seniorID, ok := pathUUID(w, r, "seniorID")
	if !ok {
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	reg, err := c.Admission.RegisterSenior(r.Context(), eventID, seniorID, p)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusCreated, c.openPayment(r, reg))
}

// ListMine godoc
// @Summary List the caller's registrations
// @Description Registrations where the caller is the participant or the one who registered them, each with its event.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Success 200 {object} controllers.ListMyRegistrationsSuccessResponse
// @Failure 401 {object} helpers.APIResponse "error.code: unauthorized"
// @Failure 500 {object} helpers.APIResponse "error.code: internal_error"
// @Router /me/registrations [get]
func (c *RegistrationController) ListMine(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := c.Queries.ListMine(r.Context(), p.UserID)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, list)
}

// ListForEvent godoc
// @Summary List an event's registrations
// @Description Paginated, optionally filtered by status. Requires an administrator role.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param eventID path string true "Event ID (UUID)"
// @Param status query string false "pending, approved or rejected"
// @Param page query int false "Page number (default 1)"
// @Param page_size query int false "Page size (default 20, max 100)"
// @Success 200 {object} controllers.ListEventRegistrationsSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 404 {object} helpers.APIResponse "error.code: not_found"
// @Router /events/{eventID}/registrations [get]
func (c *RegistrationController) ListForEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	status, ok := helpers.QueryEnum(r, "status", domain.RegistrationStatus.Valid)
	if !ok {
		helpers.WriteJSONError(w, http.StatusBadRequest, helpers.ErrCodeBadRequest, "status must be one of pending, approved, rejected")
		return
	}
	filter := domain.RegistrationFilter{Status: status}
	page := helpers.ParsePagination(r)
	regs, total, err := c.Queries.ListForEvent(r.Context(), eventID, filter, page)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, ListEventRegistrationsResponse{
		Items:      regs,
		Pagination: helpers.NewPaginationMeta(page, total),
	})
}

// GetRegistration godoc
// @Summary Get a registration
// @Description Visible to the participant, whoever registered them, and administrators.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 401 {object} helpers.APIResponse "error.code: unauthorized"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 404 {object} helpers.APIResponse "error.code: not_found"
// @Router /registrations/{registrationID} [get]
func (c *RegistrationController) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, _, ok := c.loadOwned(w, r)
	if !ok {
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, reg)
}

// Approve godoc
// @Summary Approve a pending registration
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 404 {object} helpers.APIResponse "error.code: not_found"
// @Failure 409 {object} helpers.APIResponse "error.kind: illegal_transition or event_full"
// @Router /registrations/{registrationID}/approve [post]
func (c *RegistrationController) Approve(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, func(id string, p domain.Principal) error {
		return c.Transitions.Approve(r.Context(), id, p.UserID)
	})
}

// Reject godoc
// @Summary Reject a pending registration
// @Tags registrations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Param body body RejectRequest true "Reason"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 409 {object} helpers.APIResponse "error.kind: illegal_transition"
// @Router /registrations/{registrationID}/reject [post]
func (c *RegistrationController) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !helpers.DecodeAndValidate(w, r, &req) {
		return
	}
	c.transition(w, r, func(id string, p domain.Principal) error {
		return c.Transitions.Reject(r.Context(), id, p.UserID, req.Reason)
	})
}

// CheckIn godoc
// @Summary Check in an approved registration
// @Description A second check-in fails with already_checked_in and keeps the first timestamp.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 409 {object} helpers.APIResponse "error.kind: not_approved or already_checked_in"
// @Router /registrations/{registrationID}/checkin [post]
func (c *RegistrationController) CheckIn(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, func(id string, p domain.Principal) error {
		return c.Transitions.CheckIn(r.Context(), id, p.UserID)
	})
}

// CancelApproved godoc
// @Summary Cancel an approved registration
// @Description Retires the registration, frees its slot and asks the gateway to refund or cancel the payment.
// @Tags registrations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Param body body RejectRequest true "Reason"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 409 {object} helpers.APIResponse "error.kind: illegal_transition"
// @Router /registrations/{registrationID}/cancel [post]
func (c *RegistrationController) CancelApproved(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !helpers.DecodeAndValidate(w, r, &req) {
		return
	}
	c.transition(w, r, func(id string, p domain.Principal) error {
		return c.Transitions.CancelApproved(r.Context(), id, p.UserID, req.Reason)
	})
}

// Cancel godoc
// @Summary Cancel my registration
// @Description The participant (or whoever registered them) withdraws while the payment is still pending. The PIX charge is cancelled at the gateway when possible.
// @Tags registrations
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 409 {object} helpers.APIResponse "error.kind: payment_settled or illegal_transition"
// @Router /registrations/{registrationID} [delete]
func (c *RegistrationController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "registrationID")
	if !ok {
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	reg, err := c.Payments.CancelByParticipant(r.Context(), id, p.UserID)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, reg)
}

// CreatePayment godoc
// @Summary Open a PIX payment for a registration
// @Description Returns the registration with its PIX QR code. Repeating the call returns the same charge.
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 409 {object} helpers.APIResponse "error.kind: payment_settled"
// @Failure 503 {object} helpers.APIResponse "error.kind: gateway_unreachable"
// @Router /registrations/{registrationID}/payment [post]
func (c *RegistrationController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	_, id, ok := c.loadOwned(w, r)
	if !ok {
		return
	}
	reg, err := c.Payments.CreatePayment(r.Context(), id)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, reg)
}

// SyncPayment godoc
// @Summary Poll the gateway for a registration's payment
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param registrationID path string true "Registration ID (UUID)"
// @Success 200 {object} controllers.RegistrationSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 503 {object} helpers.APIResponse "error.kind: gateway_unreachable"
// @Router /registrations/{registrationID}/payment/sync [post]
func (c *RegistrationController) SyncPayment(w http.ResponseWriter, r *http.Request) {
	_, id, ok := c.loadOwned(w, r)
	if !ok {
		return
	}
	reg, err := c.Payments.Sync(r.Context(), id)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, reg)
}

// openPayment opens the PIX charge for a fresh registration. The registration already exists, so a
// failure here is logged and the caller can retry through the payment endpoint.
func (c *RegistrationController) openPayment(r *http.Request, reg *domain.Registration) *domain.Registration {
	withPayment, err := c.Payments.CreatePayment(r.Context(), reg.ID)
	if errors.Is(err, domain.ErrInvalidInput) {
		// free event or no email on the snapshot
		c.Logger.DebugContext(r.Context(), "no payment intent", "registration_id", reg.ID, "reason", err)
		return reg
	}
	if err != nil {
		c.Logger.WarnContext(r.Context(), "payment intent not created",
			"registration_id", reg.ID, "event_id", reg.EventID, "err", err)
		return reg
	}
	return withPayment
}

// loadOwned reads the registration named in the path and checks the caller may see it.
func (c *RegistrationController) loadOwned(w http.ResponseWriter, r *http.Request) (*domain.Registration, string, bool) {
	id, ok := pathUUID(w, r, "registrationID")
	if !ok {
		return nil, "", false
	}
	p, ok := principal(w, r)
	if !ok {
		return nil, "", false
	}
	reg, err := c.Queries.Get(r.Context(), id)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return nil, "", false
	}
	if !p.IsAdmin() && reg.Participant.ID != p.UserID && reg.RegisteredBy != p.UserID {
		helpers.WriteJSONError(w, http.StatusForbidden, helpers.ErrCodeForbidden, "forbidden")
		return nil, "", false
	}
	return reg, id, true
}

// transition runs an administrative status change and answers with the updated registration.
func (c *RegistrationController) transition(w http.ResponseWriter, r *http.Request, apply func(id string, p domain.Principal) error) {
	id, ok := pathUUID(w, r, "registrationID")
	if !ok {
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := apply(id, p); err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	reg, err := c.Queries.Get(r.Context(), id)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, reg)
}
