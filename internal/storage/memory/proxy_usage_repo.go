package memory

import (
	"context"
	"sync"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// ProxyUsageRepository is an append-only in-memory log of proxy usage.
type ProxyUsageRepository struct {
	mu      sync.RWMutex
	records []domain.ProxyUsageRecord
}

// NewProxyUsageRepository constructs an empty ProxyUsageRepository.
func NewProxyUsageRepository() *ProxyUsageRepository {
	return &ProxyUsageRepository{}
}

// RecordUsage appends a usage record.
func (r *ProxyUsageRepository) RecordUsage(_ context.Context, record domain.ProxyUsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

// SuccessRates aggregates attempts and successes per proxy address since the cutoff.
func (r *ProxyUsageRepository) SuccessRates(_ context.Context, since time.Time) (map[string]domain.ProxyStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.ProxyStats)
	for _, rec := range r.records {
		if rec.RecordedAt.Before(since) {
			continue
		}
		stats := out[rec.ProxyAddress]
		stats.Attempts++
		if rec.Success {
			stats.Successes++
		}
		out[rec.ProxyAddress] = stats
	}
	return out, nil
}

// Records returns a copy of the log.
func (r *ProxyUsageRepository) Records() []domain.ProxyUsageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ProxyUsageRecord(nil), r.records...)
}
