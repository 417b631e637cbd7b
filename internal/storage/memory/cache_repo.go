package memory

import (
	"context"
	"sync"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// CacheRepository keeps cache entries in memory, indexed by key and ID.
type CacheRepository struct {
	mu    sync.RWMutex
	byKey map[string]domain.CacheEntry
	keyOf map[string]string
}

// NewCacheRepository constructs an empty CacheRepository.
func NewCacheRepository() *CacheRepository {
	return &CacheRepository{
		byKey: make(map[string]domain.CacheEntry),
		keyOf: make(map[string]string),
	}
}

// Get returns the entry stored under key.
func (r *CacheRepository) Get(_ context.Context, key string) (domain.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byKey[key]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	return cloneEntry(entry), nil
}

// GetByID returns the entry with the given ID.
func (r *CacheRepository) GetByID(_ context.Context, id string) (domain.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keyOf[id]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	return cloneEntry(r.byKey[key]), nil
}

// Upsert inserts or replaces the entry for entry.Key.
func (r *CacheRepository) Upsert(_ context.Context, entry domain.CacheEntry) (domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entry.Key.String()
	if existing, ok := r.byKey[key]; ok {
		entry.ID = existing.ID
		entry.HitCount = existing.HitCount
		entry.CreatedAt = existing.CreatedAt
	}
	entry = cloneEntry(entry)
	r.byKey[key] = entry
	r.keyOf[entry.ID] = key
	return cloneEntry(entry), nil
}

// UpdateStatus sets the lifecycle status of an entry.
func (r *CacheRepository) UpdateStatus(_ context.Context, id string, status domain.CacheStatus, at time.Time) error {
	return r.mutate(id, func(e *domain.CacheEntry) {
		e.Status = status
		e.UpdatedAt = at
	})
}

// MarkStale flags an expired entry stale unless it is refreshing and touches its access time.
func (r *CacheRepository) MarkStale(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(e *domain.CacheEntry) {
		if e.Status == domain.CacheFresh {
			e.Status = domain.CacheStale
			e.UpdatedAt = at
		}
		e.LastAccessedAt = at
	})
}

// RecordHit increments the hit counter and access time.
func (r *CacheRepository) RecordHit(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(e *domain.CacheEntry) {
		e.HitCount++
		e.LastAccessedAt = at
	})
}

func (r *CacheRepository) mutate(id string, fn func(*domain.CacheEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keyOf[id]
	if !ok {
		return domain.ErrNotFound
	}
	entry := r.byKey[key]
	fn(&entry)
	r.byKey[key] = entry
	return nil
}

// DeleteExpired removes entries past expiry that were last accessed before accessedBefore.
func (r *CacheRepository) DeleteExpired(_ context.Context, now, accessedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for key, entry := range r.byKey {
		if entry.ExpiresAt.Before(now) && entry.LastAccessedAt.Before(accessedBefore) {
			delete(r.byKey, key)
			delete(r.keyOf, entry.ID)
			deleted++
		}
	}
	return deleted, nil
}

// Stats counts entries per status.
func (r *CacheRepository) Stats(_ context.Context, now time.Time) (domain.CacheStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stats domain.CacheStats
	for _, entry := range r.byKey {
		stats.Total++
		stats.TotalHits += int64(entry.HitCount)
		switch entry.Status {
		case domain.CacheFresh:
			stats.Fresh++
		case domain.CacheStale:
			stats.Stale++
		case domain.CacheRefreshing:
			stats.Refreshing++
		case domain.CacheFailed:
			stats.Failed++
		}
		if now.After(entry.ExpiresAt) {
			stats.Expired++
		}
	}
	return stats, nil
}

func cloneEntry(e domain.CacheEntry) domain.CacheEntry {
	e.Results = append([]domain.CachedAnalysisResult(nil), e.Results...)
	e.SourceIDs = append([]string(nil), e.SourceIDs...)
	return e
}
