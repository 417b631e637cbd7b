package memory

import (
	"context"
	"sync"
)

// QuotaCounter tracks the monthly call count behind a mutex. Moving to a new
// month resets the count and records the new month in the same critical section.
type QuotaCounter struct {
	mu    sync.Mutex
	month string
	count int
}

// NewQuotaCounter constructs a zeroed QuotaCounter.
func NewQuotaCounter() *QuotaCounter {
	return &QuotaCounter{}
}

// Increment adds one call for month when the count is below limit.
func (c *QuotaCounter) Increment(_ context.Context, month string, limit int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(month)
	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// Current returns the count recorded for month.
func (c *QuotaCounter) Current(_ context.Context, month string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.month != month {
		return 0, nil
	}
	return c.count, nil
}

func (c *QuotaCounter) roll(month string) {
	if c.month != month {
		c.month = month
		c.count = 0
	}
}
