package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var cacheCols = []string{
	"id", "query", "lat", "lon", "radius_km", "status", "results", "message", "source_ids",
	"expires_at", "hit_count", "created_at", "last_accessed_at", "updated_at",
}

func TestEnsureSchemaAppliesEveryStatement(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaStopsOnError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_entries").WillReturnError(errors.New("permission denied"))
	err := EnsureSchema(context.Background(), mock)
	require.ErrorContains(t, err, "statement 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("FROM cache_entries WHERE cache_key").
		WithArgs("kebap|40.9900|29.0300|2.00").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewCacheRepository(mock).Get(context.Background(), "kebap|40.9900|29.0300|2.00")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheUpsertRoundTripsJSONColumns(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	key := domain.NewCacheKey("kebap", 40.99, 29.03, 2)
	entry := domain.CacheEntry{
		ID:             "c1",
		Key:            key,
		Status:         domain.CacheFresh,
		Results:        []domain.CachedAnalysisResult{{RestaurantID: "r1", Name: "Çiya", Score: 9}},
		Message:        "1 restaurant",
		SourceIDs:      []string{"r1"},
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	results := []byte(`[{"restaurant_id":"r1","name":"Çiya","score":9}]`)
	mock.ExpectQuery("INSERT INTO cache_entries").
		WithArgs("c1", key.String(), "kebap", 40.99, 29.03, 2.0, "fresh",
			pgxmock.AnyArg(), "1 restaurant", []byte(`["r1"]`),
			entry.ExpiresAt, 0, now, now, now).
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(
			"existing", "kebap", 40.99, 29.03, 2.0, "fresh", results, "1 restaurant", []byte(`["r1"]`),
			entry.ExpiresAt, 7, now.Add(-time.Hour), now, now))

	stored, err := NewCacheRepository(mock).Upsert(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, "existing", stored.ID)
	require.Equal(t, 7, stored.HitCount)
	require.Equal(t, domain.CacheFresh, stored.Status)
	require.Equal(t, key, stored.Key)
	require.Len(t, stored.Results, 1)
	require.Equal(t, "Çiya", stored.Results[0].Name)
	require.Equal(t, []string{"r1"}, stored.SourceIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStatusUpdatesReportMissingRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("UPDATE cache_entries SET status").
		WithArgs("gone", "refreshing", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("CASE WHEN status = 'fresh'").
		WithArgs("c1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewCacheRepository(mock)
	require.ErrorIs(t, repo.UpdateStatus(context.Background(), "gone", domain.CacheRefreshing, now), domain.ErrNotFound)
	require.NoError(t, repo.MarkStale(context.Background(), "c1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStats(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("FROM cache_entries").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"total", "fresh", "stale", "refreshing", "failed", "expired", "hits"}).
			AddRow(5, 2, 1, 1, 1, 2, int64(40)))

	stats, err := NewCacheRepository(mock).Stats(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, domain.CacheStats{Total: 5, Fresh: 2, Stale: 1, Refreshing: 1, Failed: 1, Expired: 2, TotalHits: 40}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

var jobCols = []string{
	"id", "type", "target_key", "payload", "status", "priority", "attempts", "max_attempts",
	"last_error", "scheduled_at", "started_at", "completed_at", "created_at",
}

func TestClaimPendingOrdersByPriority(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	started := now
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, nil).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("low", "scrape_restaurant", "r1|pide", []byte(`{"restaurant_id":"r1","keyword":"pide"}`), "running",
				0, 0, 3, "", now.Add(-time.Minute), &started, (*time.Time)(nil), now.Add(-time.Minute)).
			AddRow("high", "refresh_cache", "c1", []byte(`{"cache_id":"c1"}`), "running",
				5, 1, 3, "timeout", now, &started, (*time.Time)(nil), now.Add(-time.Hour)))

	jobs, err := NewJobRepository(mock).ClaimPending(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "high", jobs[0].ID)
	require.Equal(t, domain.JobRefreshCache, jobs[0].Type)
	require.Equal(t, "c1", jobs[0].Payload.CacheID)
	require.Equal(t, domain.JobRunning, jobs[0].Status)
	require.Equal(t, "timeout", jobs[0].LastError)
	require.Equal(t, "pide", jobs[1].Payload.Keyword)
	require.NotNil(t, jobs[1].StartedAt)
	require.Nil(t, jobs[1].CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobCreateAndUpdate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	job := domain.BackgroundJob{
		ID:          "j1",
		Type:        domain.JobRefreshCache,
		TargetKey:   "c1",
		Payload:     domain.JobPayload{CacheID: "c1"},
		Status:      domain.JobPending,
		MaxAttempts: 3,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	mock.ExpectExec("INSERT INTO background_jobs").
		WithArgs("j1", "refresh_cache", "c1", []byte(`{"cache_id":"c1"}`), "pending", 0, 0, 3, "",
			now, (*time.Time)(nil), (*time.Time)(nil), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE background_jobs SET").
		WithArgs("missing", "failed", 0, 3, 3, "boom", now, (*time.Time)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewJobRepository(mock)
	require.NoError(t, repo.Create(context.Background(), job))

	finished := now
	err := repo.Update(context.Background(), domain.BackgroundJob{
		ID: "missing", Status: domain.JobFailed, Attempts: 3, MaxAttempts: 3, LastError: "boom",
		ScheduledAt: now, CompletedAt: &finished,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobMaintenanceAndStats(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	cutoff := now.Add(-30 * time.Minute)
	mock.ExpectExec("SET status = 'pending', started_at = NULL").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("DELETE FROM background_jobs").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("failed", 1))

	repo := NewJobRepository(mock)
	requeued, err := repo.RequeueStuck(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, requeued)

	deleted, err := repo.DeleteFinishedBefore(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 4, deleted)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.JobStats{Pending: 3, Failed: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobCreateMapsUniqueViolationToConflict(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO background_jobs").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "background_jobs_active_target_idx"})
	mock.ExpectExec("INSERT INTO background_jobs").
		WillReturnError(&pgconn.PgError{Code: "23503"})

	repo := NewJobRepository(mock)
	job := domain.BackgroundJob{ID: "j2", Type: domain.JobRefreshCache, TargetKey: "c1", Status: domain.JobPending}

	err := repo.Create(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.ErrorContains(t, err, "background_jobs_active_target_idx")

	err = repo.Create(context.Background(), job)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("status IN \\('pending', 'running'\\)").
		WithArgs("refresh_cache", "c9").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewJobRepository(mock).FindActive(context.Background(), domain.JobRefreshCache, "c9")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveReviewsCountsInsertedRowsInTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("r1", "kebap", "ayşe", "kebap harika", 5.0, "", "", []byte(`["kebap"]`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("r1", "kebap", "ali", "tekrar", 4.0, "", "", []byte(`[]`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO review_crawls").
		WithArgs("r1", "kebap", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	inserted, err := NewRestaurantRepository(mock).SaveReviews(context.Background(), "r1", "  Kebap ", []domain.ScrapedReview{
		{Author: "ayşe", Rating: 5, Text: "kebap harika", MatchedKeywords: []string{"kebap"}},
		{Author: "ali", Rating: 4, Text: "tekrar"},
	}, now)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveReviewsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reviews").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := NewRestaurantRepository(mock).SaveReviews(context.Background(), "r1", "kebap", []domain.ScrapedReview{{Author: "a", Text: "t"}}, now)
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReviewsAndRecentCrawl(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("FROM reviews").
		WithArgs("r1", "kebap", 10).
		WillReturnRows(pgxmock.NewRows([]string{"author", "rating", "text", "relative_time", "price_per_person", "matched_keywords"}).
			AddRow("ayşe", 5.0, "kebap harika", "2 hafta önce", "", []byte(`["kebap"]`)).
			AddRow("ali", 3.0, "fena değil", "", "", []byte(`[]`)))
	mock.ExpectQuery("FROM review_crawls").
		WithArgs("r1", "kebap", now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewRestaurantRepository(mock)
	reviews, err := repo.ListReviews(context.Background(), "r1", "KEBAP", 10)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	require.Equal(t, []string{"kebap"}, reviews[0].MatchedKeywords)
	require.Nil(t, reviews[1].MatchedKeywords)

	recent, err := repo.RecentlyCrawled(context.Background(), "r1", "kebap", now)
	require.NoError(t, err)
	require.True(t, recent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRestaurantNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("FROM restaurants WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := NewRestaurantRepository(mock).GetRestaurant(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyUsage(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO proxy_usage").
		WithArgs("1.2.3.4:8080", "premium", "r1", true, int64(1500), "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM proxy_usage").
		WithArgs(now.Add(-time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"proxy_address", "attempts", "successes"}).
			AddRow("1.2.3.4:8080", 4, 3))

	repo := NewProxyUsageRepository(mock)
	require.NoError(t, repo.RecordUsage(context.Background(), domain.ProxyUsageRecord{
		ProxyAddress: "1.2.3.4:8080",
		Tier:         domain.Tier("premium"),
		TargetID:     "r1",
		Success:      true,
		ResponseTime: 1500 * time.Millisecond,
		RecordedAt:   now,
	}))
	rates, err := repo.SuccessRates(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.ProxyStats{Attempts: 4, Successes: 3}, rates["1.2.3.4:8080"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaIncrement(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("INSERT INTO api_quota").
		WithArgs("2025-03", 5000).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("INSERT INTO api_quota").
		WithArgs("2025-03", 12).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT count FROM api_quota").
		WithArgs("2025-03").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT count FROM api_quota").
		WithArgs("2025-04").
		WillReturnError(pgx.ErrNoRows)

	counter := NewQuotaCounter(mock)
	count, ok, err := counter.Increment(context.Background(), "2025-03", 5000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 12, count)

	count, ok, err = counter.Increment(context.Background(), "2025-03", 12)
	require.NoError(t, err)
	require.False(t, ok, "the cap rejects the call")
	require.Equal(t, 12, count)

	count, err = counter.Current(context.Background(), "2025-04")
	require.NoError(t, err)
	require.Zero(t, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
