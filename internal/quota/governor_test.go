package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/clock"
	"github.com/FeritTasdildiren/nerede-yesem/internal/quota"
	"github.com/FeritTasdildiren/nerede-yesem/internal/storage/memory"
)

func TestGovernorConsumesUntilLimit(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC))
	gov := quota.NewGovernor(memory.NewQuotaCounter(), 2, clk, nil)
	ctx := context.Background()

	require.True(t, gov.CanConsume(ctx))
	require.NoError(t, gov.Consume(ctx))
	require.NoError(t, gov.Consume(ctx))
	require.False(t, gov.CanConsume(ctx))
	require.ErrorIs(t, gov.Consume(ctx), quota.ErrQuotaExhausted)

	usage, err := gov.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, quota.Usage{Month: "2025-03", Used: 2, Limit: 2}, usage)
}

func TestGovernorResetsOnMonthBoundary(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 3, 31, 23, 59, 0, 0, time.UTC))
	gov := quota.NewGovernor(memory.NewQuotaCounter(), 1, clk, nil)
	ctx := context.Background()

	require.NoError(t, gov.Consume(ctx))
	require.False(t, gov.CanConsume(ctx))

	clk.Advance(2 * time.Minute)
	require.True(t, gov.CanConsume(ctx))
	require.NoError(t, gov.Consume(ctx))

	usage, err := gov.Usage(ctx)
	require.NoError(t, err)
	require.Equal(t, "2025-04", usage.Month)
	require.Equal(t, 1, usage.Used)
}

func TestGovernorZeroLimitIsClosed(t *testing.T) {
	t.Parallel()

	gov := quota.NewGovernor(memory.NewQuotaCounter(), 0, clock.New(), nil)
	require.False(t, gov.CanConsume(context.Background()))
	require.ErrorIs(t, gov.Consume(context.Background()), quota.ErrQuotaExhausted)

	var nilGov *quota.Governor
	require.False(t, nilGov.CanConsume(context.Background()))
}

type brokenCounter struct{}

func (brokenCounter) Increment(context.Context, string, int) (int, bool, error) {
	return 0, false, errors.New("db down")
}

func (brokenCounter) Current(context.Context, string) (int, error) {
	return 0, errors.New("db down")
}

func TestGovernorCounterErrors(t *testing.T) {
	t.Parallel()

	gov := quota.NewGovernor(brokenCounter{}, 10, clock.New(), nil)
	require.False(t, gov.CanConsume(context.Background()))
	err := gov.Consume(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, quota.ErrQuotaExhausted)
	_, err = gov.Usage(context.Background())
	require.Error(t, err)
}
