package http

import (
	"log/slog"
	"net/http"

	"churchevents/internal/delivery/http/controllers"
	"churchevents/internal/delivery/http/middleware"
	"churchevents/internal/domain"

	httpSwagger "github.com/swaggo/http-swagger"
)

// RateLimitRegistration is the limiter operation applied to self-registration.
const RateLimitRegistration = "registration"

// RouterDeps carries the controllers and cross-cutting ports the router wires together.
type RouterDeps struct {
	Logger        *slog.Logger
	Verifier      domain.TokenVerifier
	Limiter       domain.RateLimiter
	Health        *controllers.HealthController
	Events        *controllers.EventController
	Registrations *controllers.RegistrationController
	Seniors       *controllers.SeniorController
	Webhooks      *controllers.WebhookController
}

// NewRouter initializes the HTTP router with all application routes
func NewRouter(d RouterDeps) *http.ServeMux {
	mux := http.NewServeMux()

	auth := middleware.RequireAuth(d.Verifier, d.Logger)
	admin := func(h http.HandlerFunc) http.HandlerFunc { return auth(middleware.RequireAdmin(h)) }
	secretary := func(h http.HandlerFunc) http.HandlerFunc { return auth(middleware.RequireSecretary(h)) }
	limited := middleware.RateLimit(d.Limiter, RateLimitRegistration, d.Logger)

	mux.HandleFunc("GET /health", d.Health.Health)

	// Events
	mux.HandleFunc("GET /events", d.Events.ListEvents)
	mux.HandleFunc("GET /events/{eventID}", d.Events.GetEvent)
	mux.HandleFunc("POST /events", admin(d.Events.CreateEvent))
	mux.HandleFunc("PATCH /events/{eventID}/status", admin(d.Events.SetEventStatus))
	mux.HandleFunc("DELETE /events/{eventID}", admin(d.Events.DeleteEvent))
	mux.HandleFunc("POST /events/{eventID}/participants/resync", admin(d.Events.ResyncEvent))

	// Registrations
	mux.HandleFunc("POST /events/{eventID}/registrations", auth(limited(d.Registrations.Register)))
	mux.HandleFunc("GET /events/{eventID}/registrations", admin(d.Registrations.ListForEvent))
	mux.HandleFunc("POST /events/{eventID}/seniors/{seniorID}/registrations", secretary(d.Registrations.RegisterSenior))
	mux.HandleFunc("GET /me/registrations", auth(d.Registrations.ListMine))
	mux.HandleFunc("GET /registrations/{registrationID}", auth(d.Registrations.GetRegistration))
	mux.HandleFunc("DELETE /registrations/{registrationID}", auth(d.Registrations.Cancel))
	mux.HandleFunc("POST /registrations/{registrationID}/approve", admin(d.Registrations.Approve))
	mux.HandleFunc("POST /registrations/{registrationID}/reject", admin(d.Registrations.Reject))
	mux.HandleFunc("POST /registrations/{registrationID}/checkin", admin(d.Registrations.CheckIn))
	mux.HandleFunc("POST /registrations/{registrationID}/cancel", admin(d.Registrations.CancelApproved))

	// Payments
	mux.HandleFunc("POST /registrations/{registrationID}/payment", auth(d.Registrations.CreatePayment))
	mux.HandleFunc("POST /registrations/{registrationID}/payment/sync", auth(d.Registrations.SyncPayment))
	mux.HandleFunc("POST /webhooks/payments", d.Webhooks.PaymentWebhook)

	// Seniors
	mux.HandleFunc("POST /seniors", secretary(d.Seniors.CreateSenior))
	mux.HandleFunc("GET /seniors", secretary(d.Seniors.ListSeniors))

	// Swagger
	mux.Handle("/swagger/", httpSwagger.WrapHandler)

	return mux
}
