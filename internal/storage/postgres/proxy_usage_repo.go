package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// ProxyUsageRepository appends proxy usage rows and aggregates success rates.
type ProxyUsageRepository struct {
	db DB
}

// NewProxyUsageRepository wraps db.
func NewProxyUsageRepository(db DB) *ProxyUsageRepository {
	return &ProxyUsageRepository{db: db}
}

// RecordUsage appends a usage record.
func (r *ProxyUsageRepository) RecordUsage(ctx context.Context, record domain.ProxyUsageRecord) error {
	query := `
INSERT INTO proxy_usage (proxy_address, tier, target_id, success, response_time_ms, error_text, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Exec(ctx, query,
		record.ProxyAddress,
		string(record.Tier),
		record.TargetID,
		record.Success,
		record.ResponseTime.Milliseconds(),
		record.ErrorText,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proxy usage: %w", err)
	}
	return nil
}

// SuccessRates aggregates attempts and successes per proxy address since the cutoff.
func (r *ProxyUsageRepository) SuccessRates(ctx context.Context, since time.Time) (map[string]domain.ProxyStats, error) {
	query := `
SELECT proxy_address, count(*), count(*) FILTER (WHERE success)
FROM proxy_usage WHERE recorded_at >= $1
GROUP BY proxy_address`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("proxy success rates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.ProxyStats)
	for rows.Next() {
		var (
			address string
			stats   domain.ProxyStats
		)
		if err := rows.Scan(&address, &stats.Attempts, &stats.Successes); err != nil {
			return nil, fmt.Errorf("scan proxy stats: %w", err)
		}
		out[address] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy stats: %w", err)
	}
	return out, nil
}
