// Package cache implements the per-query result cache with stale-while-revalidate
// semantics.
package cache

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

// Default lifetimes.
const (
	DefaultTTL        = 30 * 24 * time.Hour
	DefaultStaleGrace = 24 * time.Hour
)

// LookupStatus is the outcome of a cache probe.
type LookupStatus string

// Lookup outcomes.
const (
	StatusHit     LookupStatus = "hit"
	StatusStale   LookupStatus = "stale"
	StatusExpired LookupStatus = "expired"
	StatusMiss    LookupStatus = "miss"
)

// Usable reports whether the cached results may be served.
func (s LookupStatus) Usable() bool {
	return s == StatusHit || s == StatusStale || s == StatusExpired
}

// NeedsRefresh reports whether a background refresh should be enqueued.
func (s LookupStatus) NeedsRefresh() bool {
	return s == StatusStale || s == StatusExpired
}

// Repository persists cache entries. Implementations return domain.ErrNotFound
// for unknown keys or IDs.
type Repository interface {
	Get(ctx context.Context, key string) (domain.CacheEntry, error)
	GetByID(ctx context.Context, id string) (domain.CacheEntry, error)
	// Upsert inserts the entry or replaces results, message, sources, status and
	// expiry of the existing entry with the same key, keeping its ID, hit count and
	// creation time.
	Upsert(ctx context.Context, entry domain.CacheEntry) (domain.CacheEntry, error)
	UpdateStatus(ctx context.Context, id string, status domain.CacheStatus, at time.Time) error
	// MarkStale flags an expired entry as stale, leaving refreshing entries alone,
	// and records the access time so cleanup spares entries still being read.
	MarkStale(ctx context.Context, id string, at time.Time) error
	RecordHit(ctx context.Context, id string, at time.Time) error
	DeleteExpired(ctx context.Context, now, accessedBefore time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (domain.CacheStats, error)
}

// Config controls entry lifetimes.
type Config struct {
	TTL        time.Duration
	StaleGrace time.Duration
}

// LookupResult carries the outcome and, unless missed, the entry.
type LookupResult struct {
	Status LookupStatus
	Entry  *domain.CacheEntry
}

// Store is the cache front-end used by the request path and the scheduler.
type Store struct {
	repo   Repository
	clock  domain.Clock
	ids    domain.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// NewStore wires a Store. Zero durations fall back to the defaults.
func NewStore(repo Repository, clock domain.Clock, ids domain.IDGenerator, cfg Config, logger *zap.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = DefaultStaleGrace
	}
	return &Store{
		repo:   repo,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("cache"),
	}
}

// Lookup probes the cache for key.
func (s *Store) Lookup(ctx context.Context, key domain.CacheKey) (LookupResult, error) {
	result, err := s.lookup(ctx, key)
	metrics.ObserveCacheLookup(string(result.Status))
	return result, err
}

func (s *Store) lookup(ctx context.Context, key domain.CacheKey) (LookupResult, error) {
	entry, err := s.repo.Get(ctx, key.String())
	if errors.Is(err, domain.ErrNotFound) {
		return LookupResult{Status: StatusMiss}, nil
	}
	if err != nil {
		return LookupResult{Status: StatusMiss}, fmt.Errorf("get cache entry: %w", err)
	}
	if entry.Status == domain.CacheFailed {
		return LookupResult{Status: StatusMiss, Entry: &entry}, nil
	}

	now := s.clock.Now()
	switch {
	case now.After(entry.ExpiresAt):
		if err := s.repo.MarkStale(ctx, entry.ID, now); err != nil {
			s.logger.Warn("mark expired entry stale failed",
				zap.String("cache_key", key.String()), zap.Error(err))
		} else {
			if entry.Status == domain.CacheFresh {
				entry.Status = domain.CacheStale
			}
			entry.LastAccessedAt = now
		}
		return LookupResult{Status: StatusExpired, Entry: &entry}, nil
	case !now.Before(entry.ExpiresAt.Add(-s.cfg.StaleGrace)):
		return LookupResult{Status: StatusStale, Entry: &entry}, nil
	}

	if err := s.repo.RecordHit(ctx, entry.ID, now); err != nil {
		return LookupResult{Status: StatusHit, Entry: &entry}, fmt.Errorf("record cache hit: %w", err)
	}
	entry.HitCount++
	entry.LastAccessedAt = now
	return LookupResult{Status: StatusHit, Entry: &entry}, nil
}

// Store upserts the result set for key, resetting it to fresh with a new expiry.
func (s *Store) Store(
	ctx context.Context,
	key domain.CacheKey,
	results []domain.CachedAnalysisResult,
	message string,
	sourceIDs []string,
) (domain.CacheEntry, error) {
	entryID, err := s.ids.NewID()
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("generate cache id: %w", err)
	}
	now := s.clock.Now()
	entry := domain.CacheEntry{
		ID:             entryID,
		Key:            key,
		Status:         domain.CacheFresh,
		Results:        append([]domain.CachedAnalysisResult(nil), results...),
		Message:        message,
		SourceIDs:      append([]string(nil), sourceIDs...),
		ExpiresAt:      now.Add(s.cfg.TTL),
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	stored, err := s.repo.Upsert(ctx, entry)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("upsert cache entry: %w", err)
	}
	s.logger.Debug("cache entry stored",
		zap.String("cache_key", key.String()),
		zap.String("cache_id", stored.ID),
		zap.Int("results", len(results)))
	return stored, nil
}

// Get returns the entry with the given ID.
func (s *Store) Get(ctx context.Context, id string) (domain.CacheEntry, error) {
	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("get cache entry %s: %w", id, err)
	}
	return entry, nil
}

// MarkRefreshing flags an entry while a refresh job is in flight.
func (s *Store) MarkRefreshing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, domain.CacheRefreshing)
}

// MarkFailed flags an entry whose refresh errored; the next lookup treats it as a miss.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, domain.CacheFailed)
}

func (s *Store) setStatus(ctx context.Context, id string, status domain.CacheStatus) error {
	if err := s.repo.UpdateStatus(ctx, id, status, s.clock.Now()); err != nil {
		return fmt.Errorf("set cache status %s: %w", status, err)
	}
	return nil
}

// CleanupExpired deletes expired entries that have also gone unaccessed for
// longer than the stale grace window.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	deleted, err := s.repo.DeleteExpired(ctx, now, now.Add(-s.cfg.StaleGrace))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("expired cache entries removed", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// Stats summarizes the cache population.
func (s *Store) Stats(ctx context.Context) (domain.CacheStats, error) {
	stats, err := s.repo.Stats(ctx, s.clock.Now())
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}
