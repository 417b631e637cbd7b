package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

const uniqueViolation = "23505"

const jobColumns = `id, type, target_key, payload, status, priority, attempts, max_attempts,
	last_error, scheduled_at, started_at, completed_at, created_at`

// JobRepository stores background jobs in the background_jobs table.
type JobRepository struct {
	db DB
}

// NewJobRepository wraps db.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job. The partial unique index on active (type, target)
// pairs rejects a concurrent duplicate.
func (r *JobRepository) Create(ctx context.Context, job domain.BackgroundJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	query := `
INSERT INTO background_jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err = r.db.Exec(ctx, query,
		job.ID,
		string(job.Type),
		job.TargetKey,
		payload,
		string(job.Status),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
		job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert job: %w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (domain.BackgroundJob, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id))
	if err != nil {
		return domain.BackgroundJob{}, wrapNotFound("get job", err)
	}
	return job, nil
}

// FindActive returns the non-terminal job for (type, target key), if any.
func (r *JobRepository) FindActive(ctx context.Context, jobType domain.JobType, targetKey string) (domain.BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs
WHERE type = $1 AND target_key = $2 AND status IN ('pending', 'running')
LIMIT 1`
	job, err := scanJob(r.db.QueryRow(ctx, query, string(jobType), targetKey))
	if err != nil {
		return domain.BackgroundJob{}, wrapNotFound("find active job", err)
	}
	return job, nil
}

// ClaimPending moves up to limit due pending jobs to running. Rows locked by
// another claimer are skipped, so concurrent workers never share a job.
func (r *JobRepository) ClaimPending(ctx context.Context, now time.Time, limit int) ([]domain.BackgroundJob, error) {
	query := `
UPDATE background_jobs SET status = 'running', started_at = $1
WHERE id IN (
	SELECT id FROM background_jobs
	WHERE status = 'pending' AND scheduled_at <= $1
	ORDER BY priority DESC, scheduled_at, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	rows, err := r.db.Query(ctx, query, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	defer rows.Close()

	var claimed []domain.BackgroundJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		if !claimed[i].ScheduledAt.Equal(claimed[j].ScheduledAt) {
			return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

// Update overwrites the mutable columns of a stored job.
func (r *JobRepository) Update(ctx context.Context, job domain.BackgroundJob) error {
	query := `
UPDATE background_jobs SET
	status = $2, priority = $3, attempts = $4, max_attempts = $5, last_error = $6,
	scheduled_at = $7, started_at = $8, completed_at = $9
WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteFinishedBefore removes terminal jobs completed before the cutoff.
func (r *JobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM background_jobs WHERE status IN ('completed', 'failed') AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStuck returns running jobs started before the cutoff to pending.
func (r *JobRepository) RequeueStuck(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE background_jobs SET status = 'pending', started_at = NULL WHERE status = 'running' AND started_at < $1`,
		startedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats counts jobs per status.
func (r *JobRepository) Stats(ctx context.Context) (domain.JobStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var stats domain.JobStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return domain.JobStats{}, fmt.Errorf("scan job stats: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			stats.Pending = count
		case domain.JobRunning:
			stats.Running = count
		case domain.JobCompleted:
			stats.Completed = count
		case domain.JobFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.JobStats{}, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

func scanJob(row pgx.Row) (domain.BackgroundJob, error) {
	var (
		job     domain.BackgroundJob
		jobType string
		status  string
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&job.TargetKey,
		&payload,
		&status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.ScheduledAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
	)
	if err != nil {
		return domain.BackgroundJob{}, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return domain.BackgroundJob{}, fmt.Errorf("decode job payload: %w", err)
	}
	return job, nil
}
