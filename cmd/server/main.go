// @title Church Events Registration API
// @version 1.0
// @description Event registrations with capacity control, approval workflow and PIX payments.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the identity provider token.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"churchevents/config"
	_ "churchevents/docs"
	"churchevents/internal/adapters/auth"
	"churchevents/internal/adapters/email"
	"churchevents/internal/adapters/mercadopago"
	"churchevents/internal/adapters/ratelimit"
	httpdelivery "churchevents/internal/delivery/http"
	"churchevents/internal/delivery/http/controllers"
	"churchevents/internal/delivery/http/middleware"
	"churchevents/internal/domain"
	"churchevents/internal/repository/postgres"
	"churchevents/internal/scheduler"
	"churchevents/internal/services"
	"churchevents/internal/validation"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	serviceTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DBUrl)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if cfg.RunMigrations {
		if err := postgres.Migrate(db); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	// Repositories
	eventRepo := postgres.NewEventRepository(db)
	regRepo := postgres.NewRegistrationRepository(db)
	seniorRepo := postgres.NewSeniorRepository(db)
	notifRepo := postgres.NewNotificationRepository(db)

	// Adapters
	validator := validation.New()
	gateway := mercadopago.NewClient(mercadopago.Config{
		AccessToken: cfg.MercadoPago.AccessToken,
		BaseURL:     cfg.MercadoPago.BaseURL,
		Timeout:     cfg.MercadoPago.Timeout,
	}, logger)
	signatures := mercadopago.NewSignatureVerifier(cfg.MercadoPago.WebhookSecret)
	if cfg.MercadoPago.WebhookSecret == "" {
		logger.Warn("MP_WEBHOOK_SECRET is empty, every webhook delivery will be refused")
	}
	mailer, err := email.NewMailer(email.MailerConfig{
		Provider:    cfg.Email.Provider,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		SES: email.SESConfig{
			Region:          cfg.Email.AWSRegion,
			AccessKeyID:     cfg.Email.AWSAccessKeyID,
			SecretAccessKey: cfg.Email.AWSSecretAccessKey,
		},
	}, logger)
	if err != nil {
		return err
	}
	limiter, closeLimiter, err := newRateLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// Services
	emailService := services.NewEmailService(mailer, email.NewTemplateRenderer(), logger)
	eventService := services.NewEventService(eventRepo, regRepo, logger, serviceTimeout)
	resyncService := services.NewResyncService(eventRepo, cfg.CapacityPolicy, logger)
	admission := services.NewAdmissionService(eventRepo, regRepo, seniorRepo, emailService, validator, cfg.CapacityPolicy, logger)
	transitions := services.NewTransitionService(regRepo, gateway, cfg.CapacityPolicy, logger)
	queries := services.NewRegistrationQueryService(eventRepo, regRepo)
	payments := services.NewPaymentService(regRepo, eventRepo, notifRepo, gateway, signatures, emailService,
		cfg.CapacityPolicy, services.PaymentConfig{
			NotificationURL: cfg.MercadoPago.NotificationURL,
			PollMinAge:      cfg.PaymentPollMinAge,
		}, logger)
	seniors := services.NewSeniorService(seniorRepo, validator)

	jobs, err := scheduler.New(scheduler.Config{
		ResyncInterval:      cfg.ResyncInterval,
		PaymentPollInterval: cfg.PaymentPollInterval,
	}, resyncService, payments, logger)
	if err != nil {
		return err
	}

	// Delivery
	mux := httpdelivery.NewRouter(httpdelivery.RouterDeps{
		Logger:        logger,
		Verifier:      auth.NewJWTVerifier(cfg.JWTSecret),
		Limiter:       limiter,
		Health:        controllers.NewHealthController(logger, db),
		Events:        controllers.NewEventController(logger, eventService, resyncService),
		Registrations: controllers.NewRegistrationController(logger, admission, transitions, queries, payments),
		Seniors:       controllers.NewSeniorController(logger, seniors),
		Webhooks:      controllers.NewWebhookController(logger, payments),
	})
	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(logger, handler)
	handler = middleware.CORS(cfg.AllowedOrigins, handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Environment, "capacity_policy", cfg.CapacityPolicy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return jobs.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRateLimiter connects to Redis when REDIS_URL is set and otherwise lets every request through.
func newRateLimiter(cfg *config.Config, logger *slog.Logger) (domain.RateLimiter, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL is empty, registration attempts are not rate limited")
		return ratelimit.Noop{}, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	rules := map[string]ratelimit.Rule{
		httpdelivery.RateLimitRegistration: {Limit: cfg.RegistrationRateLimit, Window: cfg.RegistrationRateEvery},
	}
	return ratelimit.NewRedisLimiter(client, rules, logger), func() { _ = client.Close() }, nil
}
