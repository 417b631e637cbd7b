package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
	id               TEXT PRIMARY KEY,
	cache_key        TEXT NOT NULL UNIQUE,
	query            TEXT NOT NULL,
	lat              DOUBLE PRECISION NOT NULL,
	lon              DOUBLE PRECISION NOT NULL,
	radius_km        DOUBLE PRECISION NOT NULL,
	status           TEXT NOT NULL,
	results          JSONB NOT NULL,
	message          TEXT NOT NULL DEFAULT '',
	source_ids       JSONB NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cache_entries_expires_idx ON cache_entries (expires_at)`,
	`CREATE TABLE IF NOT EXISTS background_jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS background_jobs_active_target_idx
	ON background_jobs (type, target_key) WHERE status IN ('pending', 'running')`,
	`CREATE INDEX IF NOT EXISTS background_jobs_due_idx
	ON background_jobs (priority DESC, scheduled_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS restaurants (
	id           TEXT PRIMARY KEY,
	place_id     TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon          DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating       DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	price_level  TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS reviews (
	id               BIGSERIAL PRIMARY KEY,
	restaurant_id    TEXT NOT NULL,
	keyword          TEXT NOT NULL,
	author           TEXT NOT NULL,
	text             TEXT NOT NULL,
	rating           DOUBLE PRECISION NOT NULL DEFAULT 0,
	relative_time    TEXT NOT NULL DEFAULT '',
	price_per_person TEXT NOT NULL DEFAULT '',
	matched_keywords JSONB NOT NULL DEFAULT '[]',
	crawled_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (restaurant_id, keyword, author, text)
)`,
	`CREATE TABLE IF NOT EXISTS review_crawls (
	restaurant_id TEXT NOT NULL,
	keyword       TEXT NOT NULL,
	crawled_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (restaurant_id, keyword)
)`,
	`CREATE TABLE IF NOT EXISTS proxy_usage (
	id               BIGSERIAL PRIMARY KEY,
	proxy_address    TEXT NOT NULL,
	tier             TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	response_time_ms BIGINT NOT NULL,
	error_text       TEXT NOT NULL DEFAULT '',
	recorded_at      TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS proxy_usage_recorded_idx ON proxy_usage (recorded_at)`,
	`CREATE TABLE IF NOT EXISTS api_quota (
	month TEXT PRIMARY KEY,
	count INTEGER NOT NULL
)`,
}

// EnsureSchema creates every table and index the repositories use.
func EnsureSchema(ctx context.Context, db DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
