// Package quota gates calls to the billed official places API with a monthly cap.
package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
)

// ErrQuotaExhausted signals that the monthly cap has been reached.
var ErrQuotaExhausted = errors.New("monthly api quota exhausted")

// MonthLayout formats the calendar month that keys the counter.
const MonthLayout = "2006-01"

// Counter stores the per-month call count. Increment must be atomic: it adds
// one call only while the count is below limit and reports whether it did.
type Counter interface {
	Increment(ctx context.Context, month string, limit int) (count int, ok bool, err error)
	Current(ctx context.Context, month string) (int, error)
}

// Usage describes the current month's consumption.
type Usage struct {
	Month string `json:"month"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// Governor enforces the monthly limit.
type Governor struct {
	counter Counter
	limit   int
	clock   domain.Clock
	logger  *zap.Logger
}

// NewGovernor wires a Governor around counter.
func NewGovernor(counter Counter, limit int, clock domain.Clock, logger *zap.Logger) *Governor {
	return &Governor{
		counter: counter,
		limit:   limit,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("quota"),
	}
}

func (g *Governor) month() string {
	return g.clock.Now().UTC().Format(MonthLayout)
}

// CanConsume reports whether the current month still has quota. Counter errors
// close the gate.
func (g *Governor) CanConsume(ctx context.Context) bool {
	if g == nil || g.limit <= 0 {
		return false
	}
	used, err := g.counter.Current(ctx, g.month())
	if err != nil {
		g.logger.Warn("read quota counter failed", zap.Error(err))
		return false
	}
	return used < g.limit
}

// Consume records one call, returning ErrQuotaExhausted when the cap is reached.
func (g *Governor) Consume(ctx context.Context) error {
	if g == nil || g.limit <= 0 {
		return ErrQuotaExhausted
	}
	month := g.month()
	count, ok, err := g.counter.Increment(ctx, month, g.limit)
	if err != nil {
		return fmt.Errorf("increment quota counter: %w", err)
	}
	if !ok {
		g.logger.Info("monthly quota exhausted", zap.String("month", month), zap.Int("limit", g.limit))
		return ErrQuotaExhausted
	}
	metrics.ObserveQuotaConsumed()
	g.logger.Debug("quota consumed", zap.String("month", month), zap.Int("used", count))
	return nil
}

// Usage returns the current month's consumption.
func (g *Governor) Usage(ctx context.Context) (Usage, error) {
	month := g.month()
	used, err := g.counter.Current(ctx, month)
	if err != nil {
		return Usage{}, fmt.Errorf("read quota counter: %w", err)
	}
	return Usage{Month: month, Used: used, Limit: g.limit}, nil
}
