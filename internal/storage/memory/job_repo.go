package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// JobRepository provides an in-memory job store for development/testing.
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]domain.BackgroundJob
}

// NewJobRepository constructs a JobRepository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]domain.BackgroundJob)}
}

// Create stores a new job. A pending or running job with the same type and
// target key makes it fail with domain.ErrConflict.
func (r *JobRepository) Create(_ context.Context, job domain.BackgroundJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return errJobExists
	}
	if !job.Status.Terminal() {
		for _, other := range r.jobs {
			if other.Type == job.Type && other.TargetKey == job.TargetKey && !other.Status.Terminal() {
				return fmt.Errorf("%w: active %s job for %q", domain.ErrConflict, job.Type, job.TargetKey)
			}
		}
	}
	r.jobs[job.ID] = job
	return nil
}

// Get fetches a job by ID.
func (r *JobRepository) Get(_ context.Context, id string) (domain.BackgroundJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.BackgroundJob{}, domain.ErrNotFound
	}
	return job, nil
}

// FindActive returns the non-terminal job for (type, target key), if any.
func (r *JobRepository) FindActive(_ context.Context, jobType domain.JobType, targetKey string) (domain.BackgroundJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if job.Type == jobType && job.TargetKey == targetKey && !job.Status.Terminal() {
			return job, nil
		}
	}
	return domain.BackgroundJob{}, domain.ErrNotFound
}

// ClaimPending moves up to limit due pending jobs to running, highest priority first.
func (r *JobRepository) ClaimPending(_ context.Context, now time.Time, limit int) ([]domain.BackgroundJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]domain.BackgroundJob, 0)
	for _, job := range r.jobs {
		if job.Status == domain.JobPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.JobRunning
		due[i].StartedAt = pointerTime(now)
		r.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// Update overwrites a stored job.
func (r *JobRepository) Update(_ context.Context, job domain.BackgroundJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	r.jobs[job.ID] = job
	return nil
}

// DeleteFinishedBefore removes terminal jobs completed before the cutoff.
func (r *JobRepository) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(before) {
			delete(r.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// RequeueStuck returns running jobs started before the cutoff to pending.
func (r *JobRepository) RequeueStuck(_ context.Context, startedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	requeued := 0
	for id, job := range r.jobs {
		if job.Status != domain.JobRunning || job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
			continue
		}
		job.Status = domain.JobPending
		job.StartedAt = nil
		r.jobs[id] = job
		requeued++
	}
	return requeued, nil
}

// Stats counts jobs per status.
func (r *JobRepository) Stats(_ context.Context) (domain.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stats domain.JobStats
	for _, job := range r.jobs {
		switch job.Status {
		case domain.JobPending:
			stats.Pending++
		case domain.JobRunning:
			stats.Running++
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
