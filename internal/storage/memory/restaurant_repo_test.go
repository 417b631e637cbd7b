package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

func TestRestaurantRepositoryReviews(t *testing.T) {
	t.Parallel()

	repo := NewRestaurantRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.UpsertRestaurant(ctx, domain.Restaurant{ID: "r1", Name: "Çiya", Address: "Kadıköy", URL: "https://maps/x"})
	require.NoError(t, err)
	merged, err := repo.UpsertRestaurant(ctx, domain.Restaurant{ID: "r1", Name: "Çiya Sofrası", Rating: 4.6})
	require.NoError(t, err)
	require.Equal(t, "Kadıköy", merged.Address)
	require.Equal(t, "https://maps/x", merged.URL)

	reviews := []domain.ScrapedReview{
		{Author: "Ayşe", Text: "Kebap harika"},
		{Author: "Ayşe", Text: "Kebap harika"},
		{Author: "Mehmet", Text: "Lahmacun ince"},
	}
	n, err := repo.SaveReviews(ctx, "r1", "Kebap", reviews, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = repo.SaveReviews(ctx, "r1", "kebap", reviews[:1], now)
	require.NoError(t, err)
	require.Zero(t, n)

	stored, err := repo.ListReviews(ctx, "r1", "KEBAP", 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	recent, err := repo.RecentlyCrawled(ctx, "r1", "kebap", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, recent)
	recent, err = repo.RecentlyCrawled(ctx, "r1", "kebap", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, recent)

	_, err = repo.GetRestaurant(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProxyUsageRepositorySuccessRates(t *testing.T) {
	t.Parallel()

	repo := NewProxyUsageRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []domain.ProxyUsageRecord{
		{ProxyAddress: "a:1", Success: true, RecordedAt: now},
		{ProxyAddress: "a:1", Success: false, RecordedAt: now},
		{ProxyAddress: "b:1", Success: true, RecordedAt: now},
		{ProxyAddress: "b:1", Success: false, RecordedAt: now.Add(-30 * 24 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, repo.RecordUsage(ctx, rec))
	}
	rates, err := repo.SuccessRates(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.ProxyStats{Attempts: 2, Successes: 1}, rates["a:1"])
	require.Equal(t, domain.ProxyStats{Attempts: 1, Successes: 1}, rates["b:1"])
	require.Len(t, repo.Records(), 4)
}

func TestQuotaCounterConcurrentIncrements(t *testing.T) {
	t.Parallel()

	counter := NewQuotaCounter()
	ctx := context.Background()
	const limit = 50

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := counter.Increment(ctx, "2025-03", limit)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, limit, admitted)

	current, err := counter.Current(ctx, "2025-03")
	require.NoError(t, err)
	require.Equal(t, limit, current)

	count, ok, err := counter.Increment(ctx, "2025-04", limit)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, count)
	current, err = counter.Current(ctx, "2025-03")
	require.NoError(t, err)
	require.Zero(t, current)
}
