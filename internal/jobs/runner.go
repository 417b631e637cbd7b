package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// RunnerConfig controls the polling loop.
type RunnerConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	CleanupInterval time.Duration
}

// Runner drives a Scheduler until its context ends.
type Runner struct {
	scheduler *Scheduler
	cfg       RunnerConfig
	wake      chan struct{}
	logger    *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(scheduler *Scheduler, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	return &Runner{
		scheduler: scheduler,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		logger:    logging.OrNop(logger).Named("runner"),
	}
}

// Wake asks the runner to poll now instead of at the next tick.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls for due jobs and schedules periodic cleanup. It blocks until ctx
// is done.
func (r *Runner) Run(ctx context.Context) {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	var cleanup <-chan time.Time
	if r.cfg.CleanupInterval > 0 {
		t := time.NewTicker(r.cfg.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
		r.scheduleCleanup(ctx)
	}

	r.logger.Info("job runner started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize))
	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped")
			return
		case <-poll.C:
		case <-r.wake:
		case <-cleanup:
			r.scheduleCleanup(ctx)
		}
	}
}

// drain processes full batches until the queue runs dry. Retried jobs wait
// for the next poll.
func (r *Runner) drain(ctx context.Context) {
	for ctx.Err() == nil {
		summary, err := r.scheduler.ProcessPending(ctx, r.cfg.BatchSize)
		if err != nil {
			r.logger.Error("process pending jobs failed", zap.Error(err))
			return
		}
		if summary.Claimed > 0 {
			r.logger.Debug("job batch processed",
				zap.Int("claimed", summary.Claimed),
				zap.Int("completed", summary.Completed),
				zap.Int("retried", summary.Retried),
				zap.Int("failed", summary.Failed))
		}
		if summary.Claimed < r.cfg.BatchSize || summary.Retried > 0 {
			return
		}
	}
}

func (r *Runner) scheduleCleanup(ctx context.Context) {
	if _, err := r.scheduler.Schedule(ctx, domain.JobCleanupExpired, domain.JobPayload{}, 0); err != nil {
		r.logger.Warn("schedule cleanup failed", zap.Error(err))
	}
}
