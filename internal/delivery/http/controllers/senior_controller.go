package controllers

import (
	"log/slog"
	"net/http"

	"churchevents/internal/delivery/http/helpers"
	"churchevents/internal/domain"
)

// CreateSeniorRequest is the request body for POST /seniors.
type CreateSeniorRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	CPF        string `json:"cpf"`
	Email      string `json:"email"`
	ChurchName string `json:"church_name"`
	PastorName string `json:"pastor_name"`
}

// SeniorSuccessResponse is the success response envelope for POST /seniors.
type SeniorSuccessResponse struct {
	Data  *domain.Senior    `json:"data"`
	Error *helpers.APIError `json:"error"`
}

// ListSeniorsSuccessResponse is the success response envelope for GET /seniors.
type ListSeniorsSuccessResponse struct {
	Data  []*domain.Senior  `json:"data"`
	Error *helpers.APIError `json:"error"`
}

type SeniorController struct {
	Logger  *slog.Logger
	Service domain.SeniorService
}

func NewSeniorController(logger *slog.Logger, svc domain.SeniorService) *SeniorController {
	return &SeniorController{Logger: logger, Service: svc}
}

// CreateSenior godoc
// @Summary Add a senior managed by the calling secretary
// @Tags seniors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body CreateSeniorRequest true "Senior data"
// @Success 201 {object} controllers.SeniorSuccessResponse
// @Failure 400 {object} helpers.APIResponse "error.code: bad_request"
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Failure 422 {object} helpers.APIResponse "error.kind: invalid_participant"
// @Router /seniors [post]
func (c *SeniorController) CreateSenior(w http.ResponseWriter, r *http.Request) {
	var req CreateSeniorRequest
	if !helpers.DecodeAndValidate(w, r, &req) {
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	senior := &domain.Senior{
		Name:       req.Name,
		Phone:      req.Phone,
		CPF:        req.CPF,
		Email:      req.Email,
		ChurchName: req.ChurchName,
		PastorName: req.PastorName,
		ManagedBy:  p.UserID,
	}
	if err := c.Service.Create(r.Context(), senior); err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	helpers.WriteJSONSuccess(w, http.StatusCreated, senior)
}

// ListSeniors godoc
// @Summary List the seniors managed by the calling secretary
// @Tags seniors
// @Produce json
// @Security BearerAuth
// @Success 200 {object} controllers.ListSeniorsSuccessResponse
// @Failure 403 {object} helpers.APIResponse "error.code: forbidden"
// @Router /seniors [get]
func (c *SeniorController) ListSeniors(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := c.Service.ListMine(r.Context(), p.UserID)
	if err != nil {
		helpers.WriteDomainError(w, r, c.Logger, err)
		return
	}
	if list == nil {
		list = []*domain.Senior{}
	}
	helpers.WriteJSONSuccess(w, http.StatusOK, list)
}
