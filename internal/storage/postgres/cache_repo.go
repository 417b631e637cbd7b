package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

const cacheColumns = `id, query, lat, lon, radius_km, status, results, message, source_ids,
	expires_at, hit_count, created_at, last_accessed_at, updated_at`

// CacheRepository stores cache entries in the cache_entries table.
type CacheRepository struct {
	db DB
}

// NewCacheRepository wraps db.
func NewCacheRepository(db DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// Get returns the entry stored under key.
func (r *CacheRepository) Get(ctx context.Context, key string) (domain.CacheEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE cache_key = $1`, key)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.CacheEntry{}, wrapNotFound("get cache entry", err)
	}
	return entry, nil
}

// GetByID returns the entry with the given ID.
func (r *CacheRepository) GetByID(ctx context.Context, id string) (domain.CacheEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.CacheEntry{}, wrapNotFound("get cache entry by id", err)
	}
	return entry, nil
}

// Upsert inserts the entry or replaces the mutable columns of the entry with
// the same key. The stored ID, hit count and creation time survive.
func (r *CacheRepository) Upsert(ctx context.Context, entry domain.CacheEntry) (domain.CacheEntry, error) {
	results, err := json.Marshal(nonNilResults(entry.Results))
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("marshal cache results: %w", err)
	}
	sources, err := json.Marshal(nonNilStrings(entry.SourceIDs))
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("marshal cache sources: %w", err)
	}
	query := `
INSERT INTO cache_entries (
	id, cache_key, query, lat, lon, radius_km, status, results, message, source_ids,
	expires_at, hit_count, created_at, last_accessed_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (cache_key) DO UPDATE SET
	status = EXCLUDED.status,
	results = EXCLUDED.results,
	message = EXCLUDED.message,
	source_ids = EXCLUDED.source_ids,
	expires_at = EXCLUDED.expires_at,
	last_accessed_at = EXCLUDED.last_accessed_at,
	updated_at = EXCLUDED.updated_at
RETURNING ` + cacheColumns
	row := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.Key.String(),
		entry.Key.Query,
		entry.Key.Lat,
		entry.Key.Lon,
		entry.Key.RadiusKm,
		string(entry.Status),
		results,
		entry.Message,
		sources,
		entry.ExpiresAt,
		entry.HitCount,
		entry.CreatedAt,
		entry.LastAccessedAt,
		entry.UpdatedAt,
	)
	stored, err := scanEntry(row)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("upsert cache entry: %w", err)
	}
	return stored, nil
}

// UpdateStatus sets the lifecycle status of an entry.
func (r *CacheRepository) UpdateStatus(ctx context.Context, id string, status domain.CacheStatus, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE cache_entries SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("update cache status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkStale flags a fresh entry stale and records the access time.
func (r *CacheRepository) MarkStale(ctx context.Context, id string, at time.Time) error {
	query := `
UPDATE cache_entries SET
	status = CASE WHEN status = 'fresh' THEN 'stale' ELSE status END,
	updated_at = CASE WHEN status = 'fresh' THEN $2 ELSE updated_at END,
	last_accessed_at = $2
WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark cache entry stale: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordHit increments the hit counter and access time.
func (r *CacheRepository) RecordHit(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteExpired removes entries past expiry that were last accessed before accessedBefore.
func (r *CacheRepository) DeleteExpired(ctx context.Context, now, accessedBefore time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at < $1 AND last_accessed_at < $2`, now, accessedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats counts entries per status.
func (r *CacheRepository) Stats(ctx context.Context, now time.Time) (domain.CacheStats, error) {
	query := `
SELECT
	count(*),
	count(*) FILTER (WHERE status = 'fresh'),
	count(*) FILTER (WHERE status = 'stale'),
	count(*) FILTER (WHERE status = 'refreshing'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*) FILTER (WHERE expires_at < $1),
	COALESCE(sum(hit_count), 0)
FROM cache_entries`
	var stats domain.CacheStats
	err := r.db.QueryRow(ctx, query, now).Scan(
		&stats.Total,
		&stats.Fresh,
		&stats.Stale,
		&stats.Refreshing,
		&stats.Failed,
		&stats.Expired,
		&stats.TotalHits,
	)
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

func scanEntry(row pgx.Row) (domain.CacheEntry, error) {
	var (
		entry   domain.CacheEntry
		status  string
		results []byte
		sources []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.Key.Query,
		&entry.Key.Lat,
		&entry.Key.Lon,
		&entry.Key.RadiusKm,
		&status,
		&results,
		&entry.Message,
		&sources,
		&entry.ExpiresAt,
		&entry.HitCount,
		&entry.CreatedAt,
		&entry.LastAccessedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	entry.Status = domain.CacheStatus(status)
	if err := json.Unmarshal(results, &entry.Results); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("decode cache results: %w", err)
	}
	if err := json.Unmarshal(sources, &entry.SourceIDs); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("decode cache sources: %w", err)
	}
	return entry, nil
}

func wrapNotFound(op string, err error) error {
	if isNoRows(err) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNilResults(rs []domain.CachedAnalysisResult) []domain.CachedAnalysisResult {
	if rs == nil {
		return []domain.CachedAnalysisResult{}
	}
	return rs
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
