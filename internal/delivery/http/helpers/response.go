package helpers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"churchevents/internal/domain"
)

// Error codes for API error responses. Use these with WriteJSONError.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeTooManyRequests = "too_many_requests"
	ErrCodeUnavailable     = "service_unavailable"
	ErrCodeInternalError   = "internal_error"
)

// APIError is the error object in the standardized API response envelope.
// Kind carries the ledger error kind (e.g. event_full) when there is one.
// swagger:model APIError
type APIError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Kind     string   `json:"kind,omitempty"`
	Category string   `json:"category,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// APIResponse is the standardized envelope for all API responses.
// On success: Data is set, Error is nil. On error: Data is nil, Error is set.
// swagger:model APIResponse
type APIResponse struct {
	Data  any       `json:"data"`
	Error *APIError `json:"error"`
}

// WriteJSONSuccess sets Content-Type to application/json, writes statusCode, and
// encodes an APIResponse with the given data and error set to nil.
func WriteJSONSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIResponse{Data: data, Error: nil})
}

// WriteJSONError sets Content-Type to application/json, writes statusCode, and
// encodes an APIResponse with data nil and the given error code and message.
func WriteJSONError(w http.ResponseWriter, statusCode int, code, message string) {
	writeAPIError(w, statusCode, &APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, statusCode int, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIResponse{Data: nil, Error: apiErr})
}

// WriteDomainError maps a service error onto the HTTP status and error body the API documents.
// Unexpected errors are logged and reported as 500 without their text.
func WriteDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		regErr       *domain.RegistrationError
		transErr     *domain.TransitionError
		reconcileErr *domain.ReconcileError
	)
	category := string(domain.CategoryOf(err))

	switch {
	case errors.As(err, &regErr):
		status, code := http.StatusConflict, ErrCodeConflict
		if regErr.Kind == domain.InvalidParticipant {
			status, code = http.StatusUnprocessableEntity, ErrCodeBadRequest
		}
		writeAPIError(w, status, &APIError{Code: code, Message: regErr.Error(), Kind: string(regErr.Kind), Category: category, Fields: regErr.Fields})
	case errors.As(err, &transErr):
		writeAPIError(w, http.StatusConflict, &APIError{Code: ErrCodeConflict, Message: transErr.Error(), Kind: string(transErr.Kind), Category: category})
	case errors.As(err, &reconcileErr):
		status, code := http.StatusUnprocessableEntity, ErrCodeBadRequest
		switch reconcileErr.Kind {
		case domain.GatewayUnreachable:
			status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
		case domain.UnknownRegistration:
			logger.ErrorContext(r.Context(), "payment integrity error", "path", r.URL.Path, "err", err)
		}
		writeAPIError(w, status, &APIError{Code: code, Message: reconcileErr.Error(), Kind: string(reconcileErr.Kind), Category: category})
	case errors.Is(err, domain.ErrInvalidSignature):
		WriteJSONError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid signature")
	case errors.Is(err, domain.ErrNotFound):
		WriteJSONError(w, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		WriteJSONError(w, http.StatusForbidden, ErrCodeForbidden, "forbidden")
	case errors.Is(err, domain.ErrInvalidInput):
		WriteJSONError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		WriteJSONError(w, http.StatusConflict, ErrCodeConflict, "concurrent update, please retry")
	default:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "method", r.Method, "err", err)
		WriteJSONError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
