// Package jobs queues and executes background refresh, scrape and cleanup work.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
)

var (
	// ErrUnknownJobType is returned for jobs no handler is registered for.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrMissingTarget is returned when a payload lacks the job's target.
	ErrMissingTarget = errors.New("job payload has no target")
)

// Repository persists jobs. Implementations return domain.ErrNotFound for
// unknown IDs and when no active job matches.
type Repository interface {
	Create(ctx context.Context, job domain.BackgroundJob) error
	Get(ctx context.Context, id string) (domain.BackgroundJob, error)
	FindActive(ctx context.Context, jobType domain.JobType, targetKey string) (domain.BackgroundJob, error)
	// ClaimPending moves up to limit pending jobs due at now to running,
	// ordered by priority descending then scheduled time ascending.
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]domain.BackgroundJob, error)
	Update(ctx context.Context, job domain.BackgroundJob) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
	RequeueStuck(ctx context.Context, startedBefore time.Time) (int, error)
	Stats(ctx context.Context) (domain.JobStats, error)
}

// Handler executes one job type.
type Handler func(ctx context.Context, job domain.BackgroundJob) error

// FailureHook runs once a job of its type has failed terminally.
type FailureHook func(ctx context.Context, job domain.BackgroundJob)

// Config tunes the scheduler.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Retention   time.Duration
	StuckAfter  time.Duration
	EventsTopic string
}

// Summary reports what one processing pass did.
type Summary struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Scheduler owns the job state machine.
type Scheduler struct {
	repo      Repository
	handlers  map[domain.JobType]Handler
	onFailure map[domain.JobType]FailureHook
	clock     domain.Clock
	ids       domain.IDGenerator
	retry     RetryPolicy
	publisher domain.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewScheduler builds a Scheduler with no handlers; see Register.
func NewScheduler(repo Repository, clock domain.Clock, ids domain.IDGenerator, publisher domain.Publisher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = "nerede-job-events"
	}
	return &Scheduler{
		repo:      repo,
		handlers:  make(map[domain.JobType]Handler),
		onFailure: make(map[domain.JobType]FailureHook),
		clock:     clock,
		ids:       ids,
		retry:     NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase),
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("jobs"),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (s *Scheduler) Register(jobType domain.JobType, h Handler) {
	s.handlers[jobType] = h
}

// OnFailure binds a hook run after a job of jobType fails terminally.
func (s *Scheduler) OnFailure(jobType domain.JobType, hook FailureHook) {
	s.onFailure[jobType] = hook
}

// Schedule enqueues a job unless a pending or running job with the same type
// and target already exists, in which case that job is returned unchanged.
func (s *Scheduler) Schedule(ctx context.Context, jobType domain.JobType, payload domain.JobPayload, priority int) (domain.BackgroundJob, error) {
	if _, ok := s.handlers[jobType]; !ok {
		return domain.BackgroundJob{}, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	targetKey := payload.TargetKey(jobType)
	if targetKey == "" || (jobType == domain.JobScrapeRestaurant && payload.RestaurantID == "") {
		return domain.BackgroundJob{}, fmt.Errorf("%w: %s", ErrMissingTarget, jobType)
	}
	existing, err := s.repo.FindActive(ctx, jobType, targetKey)
	switch {
	case err == nil:
		s.logger.Debug("job already active",
			zap.String("job_id", existing.ID),
			zap.String("job_type", string(jobType)),
			zap.String("target_key", targetKey))
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.BackgroundJob{}, fmt.Errorf("find active job: %w", err)
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return domain.BackgroundJob{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := domain.BackgroundJob{
		ID:          jobID,
		Type:        jobType,
		TargetKey:   targetKey,
		Payload:     payload,
		Status:      domain.JobPending,
		Priority:    priority,
		MaxAttempts: s.retry.MaxAttempts(),
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return domain.BackgroundJob{}, fmt.Errorf("create job: %w", err)
		}
		// Lost a race with a concurrent Schedule for the same target.
		existing, findErr := s.repo.FindActive(ctx, jobType, targetKey)
		if findErr != nil {
			return domain.BackgroundJob{}, fmt.Errorf("find conflicting job: %w", findErr)
		}
		return existing, nil
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)),
		zap.String("target_key", targetKey),
		zap.Int("priority", priority))
	return job, nil
}

// ScheduleRefresh enqueues a refresh of one cache entry.
func (s *Scheduler) ScheduleRefresh(ctx context.Context, cacheID string, priority int) (domain.BackgroundJob, error) {
	return s.Schedule(ctx, domain.JobRefreshCache, domain.JobPayload{CacheID: cacheID}, priority)
}

// ScheduleScrape enqueues a targeted crawl of one restaurant for a keyword.
func (s *Scheduler) ScheduleScrape(ctx context.Context, restaurantID, url, keyword string, priority int) (domain.BackgroundJob, error) {
	return s.Schedule(ctx, domain.JobScrapeRestaurant, domain.JobPayload{
		RestaurantID: restaurantID,
		URL:          url,
		Keyword:      keyword,
	}, priority)
}

// ClaimBatch moves up to limit due jobs to running.
func (s *Scheduler) ClaimBatch(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	jobs, err := s.repo.ClaimPending(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// Execute runs the job's handler and records the resulting transition:
// completed, pending for another attempt, or failed once attempts run out.
// The handler error, if any, is returned after the job has been persisted.
func (s *Scheduler) Execute(ctx context.Context, job domain.BackgroundJob) (domain.BackgroundJob, error) {
	start := s.clock.Now()
	if job.Status != domain.JobRunning {
		job.Status = domain.JobRunning
		job.StartedAt = &start
	}
	runErr := s.run(ctx, job)

	// Persist with a context that survives shutdown so the job never stays running.
	saveCtx := context.WithoutCancel(ctx)
	now := s.clock.Now()
	switch {
	case runErr == nil:
		job.Status = domain.JobCompleted
		job.LastError = ""
		job.CompletedAt = &now
	case interrupted(ctx, runErr):
		job.Status = domain.JobPending
		job.StartedAt = nil
		job.ScheduledAt = now
	default:
		job.Attempts++
		job.LastError = runErr.Error()
		if s.retry.ShouldRetry(runErr, job.Attempts, job.MaxAttempts) {
			job.Status = domain.JobPending
			job.StartedAt = nil
			job.ScheduledAt = now.Add(s.retry.Backoff(job.Attempts))
		} else {
			job.Status = domain.JobFailed
			job.CompletedAt = &now
		}
	}

	if err := s.repo.Update(saveCtx, job); err != nil {
		s.logger.Error("persist job transition failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err))
	}
	metrics.ObserveJob(string(job.Type), string(job.Status))

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("status", string(job.Status)),
		zap.Int("attempts", job.Attempts),
		zap.Duration("elapsed", now.Sub(start)),
	}
	if runErr != nil {
		s.logger.Warn("job attempt failed", append(fields, zap.Error(runErr))...)
	} else {
		s.logger.Info("job completed", fields...)
	}
	if hook, ok := s.onFailure[job.Type]; ok && job.Status == domain.JobFailed {
		hook(saveCtx, job)
	}
	if job.Status.Terminal() {
		s.publish(saveCtx, job)
	}
	return job, runErr
}

func (s *Scheduler) run(ctx context.Context, job domain.BackgroundJob) (err error) {
	h, ok := s.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// ProcessPending claims up to limit due jobs and executes them one by one.
// Handler failures are absorbed into the summary; only a failed claim is
// returned as an error.
func (s *Scheduler) ProcessPending(ctx context.Context, limit int) (Summary, error) {
	claimed, err := s.ClaimBatch(ctx, limit)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Claimed: len(claimed)}
	for i, job := range claimed {
		if ctx.Err() != nil {
			s.release(context.WithoutCancel(ctx), claimed[i:])
			break
		}
		done, _ := s.Execute(ctx, job)
		switch done.Status {
		case domain.JobCompleted:
			summary.Completed++
		case domain.JobFailed:
			summary.Failed++
		default:
			summary.Retried++
		}
	}
	return summary, nil
}

// release returns claimed but unstarted jobs to pending.
func (s *Scheduler) release(ctx context.Context, jobs []domain.BackgroundJob) {
	for _, job := range jobs {
		job.Status = domain.JobPending
		job.StartedAt = nil
		if err := s.repo.Update(ctx, job); err != nil {
			s.logger.Error("release job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// Stats counts jobs per status.
func (s *Scheduler) Stats(ctx context.Context) (domain.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Cleanup deletes terminal jobs finished more than retention ago and returns
// running jobs abandoned for longer than the stuck threshold to pending. A
// non-positive retention uses the configured one.
func (s *Scheduler) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.cfg.Retention
	}
	now := s.clock.Now()
	requeued, err := s.repo.RequeueStuck(ctx, now.Add(-s.cfg.StuckAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	if requeued > 0 {
		s.logger.Warn("stuck jobs requeued", zap.Int("requeued", requeued))
	}
	deleted, err := s.repo.DeleteFinishedBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("finished jobs removed", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

func (s *Scheduler) publish(ctx context.Context, job domain.BackgroundJob) {
	if s.publisher == nil {
		return
	}
	finished := s.clock.Now()
	if job.CompletedAt != nil {
		finished = *job.CompletedAt
	}
	event := domain.JobEvent{
		JobID:      job.ID,
		Type:       job.Type,
		Status:     job.Status,
		TargetKey:  job.TargetKey,
		Attempts:   job.Attempts,
		LastError:  job.LastError,
		FinishedAt: finished,
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventsTopic, event); err != nil {
		s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
