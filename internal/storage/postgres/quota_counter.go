package postgres

import (
	"context"
	"fmt"
)

// QuotaCounter keeps one row per month in api_quota. A new month starts with
// its own row, so rollover needs no separate reset.
type QuotaCounter struct {
	db DB
}

// NewQuotaCounter wraps db.
func NewQuotaCounter(db DB) *QuotaCounter {
	return &QuotaCounter{db: db}
}

// Increment adds one call for month in a single statement, only while the
// stored count is below limit.
func (c *QuotaCounter) Increment(ctx context.Context, month string, limit int) (int, bool, error) {
	if limit <= 0 {
		current, err := c.Current(ctx, month)
		return current, false, err
	}
	query := `
INSERT INTO api_quota (month, count) VALUES ($1, 1)
ON CONFLICT (month) DO UPDATE SET count = api_quota.count + 1
WHERE api_quota.count < $2
RETURNING count`
	var count int
	err := c.db.QueryRow(ctx, query, month, limit).Scan(&count)
	if isNoRows(err) {
		current, err := c.Current(ctx, month)
		return current, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment quota: %w", err)
	}
	return count, true, nil
}

// Current returns the count recorded for month.
func (c *QuotaCounter) Current(ctx context.Context, month string) (int, error) {
	var count int
	err := c.db.QueryRow(ctx, `SELECT count FROM api_quota WHERE month = $1`, month).Scan(&count)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return count, nil
}
