package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes reconciliation on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: cfg.Reconciler, interval: interval, logger: logger}
}

// Start runs a pass immediately and then every interval until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.reconciler.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "recon scheduler run failed", slog.Any("error", err))
		return
	}
	if len(report.Claims) == 0 && len(report.Compensation) == 0 && report.Errors == 0 {
		return
	}
	s.logger.InfoContext(ctx, "recon pass complete",
		slog.Any("claims", report.Claims),
		slog.Any("compensation", report.Compensation),
		slog.Int("errors", report.Errors))
}
