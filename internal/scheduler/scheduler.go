// Package scheduler runs the ledger's background jobs: participant counter resync and the payment
// poll that catches missed webhooks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"churchevents/internal/domain"

	"github.com/go-co-op/gocron/v2"
)

// Config sets job intervals. A non-positive interval disables the job.
type Config struct {
	ResyncInterval      time.Duration
	PaymentPollInterval time.Duration
}

// Scheduler owns the gocron scheduler and its jobs.
type Scheduler struct {
	cron     gocron.Scheduler
	resync   domain.ResyncService
	payments domain.PaymentService
	logger   *slog.Logger
	// ctx is set by Run before the scheduler starts and is cancelled on shutdown.
	ctx context.Context
}

// New registers the jobs. Each job runs in singleton mode, so a slow run is never overlapped by the next.
func New(cfg Config, resync domain.ResyncService, payments domain.PaymentService, logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{cron: cron, resync: resync, payments: payments, logger: logger, ctx: context.Background()}

	if cfg.ResyncInterval > 0 {
		if err := s.add("participant-resync", cfg.ResyncInterval, s.runResync); err != nil {
			return nil, err
		}
	}
	if cfg.PaymentPollInterval > 0 {
		if err := s.add("payment-poll", cfg.PaymentPollInterval, s.runPaymentPoll); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, fn func(ctx context.Context)) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() { fn(s.ctx) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s job: %w", name, err)
	}
	s.logger.Info("background job registered", "job", name, "every", every)
	return nil
}

// Run starts the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}

func (s *Scheduler) runResync(ctx context.Context) {
	drifted, err := s.resync.ResyncAll(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "participant resync finished with errors", "err", err)
	}
	if len(drifted) > 0 {
		s.logger.WarnContext(ctx, "participant counters corrected", "events", len(drifted))
	}
}

func (s *Scheduler) runPaymentPoll(ctx context.Context) {
	synced, err := s.payments.PollPending(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "payment poll failed", "err", err)
		return
	}
	if synced > 0 {
		s.logger.InfoContext(ctx, "pending payments synced", "count", synced)
	}
}
