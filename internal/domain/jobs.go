package domain

import "time"

// JobType enumerates background work kinds.
type JobType string

// Supported job types.
const (
	JobRefreshCache     JobType = "refresh_cache"
	JobScrapeRestaurant JobType = "scrape_restaurant"
	JobCleanupExpired   JobType = "cleanup_expired"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

// Job statuses.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobPayload carries type-specific job data.
type JobPayload struct {
	CacheID      string `json:"cache_id,omitempty"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	URL          string `json:"url,omitempty"`
	Keyword      string `json:"keyword,omitempty"`
}

// TargetKey extracts the deduplication key for the given job type. At most one
// non-terminal job may exist per (type, target key).
func (p JobPayload) TargetKey(jobType JobType) string {
	switch jobType {
	case JobRefreshCache:
		return p.CacheID
	case JobScrapeRestaurant:
		return p.RestaurantID + "|" + NormalizeQuery(p.Keyword)
	case JobCleanupExpired:
		return "global"
	default:
		return ""
	}
}

// BackgroundJob is a unit of asynchronous work.
type BackgroundJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	TargetKey   string     `json:"target_key"`
	Payload     JobPayload `json:"payload"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// JobStats counts jobs per status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	TargetKey  string    `json:"target_key"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
