package replication

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Runner executes one replication run.
type Runner interface {
	Run(ctx context.Context, options RunOptions) (Summary, error)
}

type SchedulerConfig struct {
	Runner   Runner
	Interval time.Duration
	Limit    int
	Logger   *zap.Logger
}

// Scheduler runs the worker on a fixed interval and on demand.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	limit    int
	logger   *zap.Logger
	trigger  chan struct{}
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("replication: scheduler runner is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("replication: scheduler interval must be positive")
	}
	if cfg.Limit < 1 {
		return nil, ErrInvalidLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   cfg.Runner,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Start blocks until ctx is cancelled. Failed runs are logged and the loop continues.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("replication scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("limit", s.limit))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("replication scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

// Trigger requests a run as soon as the loop is idle. Requests made while one is queued coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.runner.Run(ctx, RunOptions{Limit: s.limit})
	switch {
	case err == nil:
		if summary.Processed > 0 {
			s.logger.Info("scheduled replication run",
				zap.Int("processed", summary.Processed),
				zap.Int("synced", summary.Synced),
				zap.Int("failed", summary.Failed))
		}
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("scheduled replication skipped, run in progress")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("scheduled replication run failed",
			zap.String("operation", "replication.scheduler"),
			zap.Error(err))
	}
}
