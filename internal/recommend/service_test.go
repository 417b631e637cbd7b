package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/analysis"
	"github.com/FeritTasdildiren/nerede-yesem/internal/cache"
	"github.com/FeritTasdildiren/nerede-yesem/internal/clock"
	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/id"
	"github.com/FeritTasdildiren/nerede-yesem/internal/quota"
	"github.com/FeritTasdildiren/nerede-yesem/internal/storage/memory"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("cache-%d", s.n.Add(1)), nil
}

type fakeDiscoverer struct {
	result discovery.Result
	calls  atomic.Int32
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ discovery.Request) (discovery.Result, error) {
	f.calls.Add(1)
	return f.result, nil
}

type fakeCrawler struct {
	mu      sync.Mutex
	calls   []string
	results map[string]domain.CrawlResult
}

func (f *fakeCrawler) FetchReviewsAndSave(_ context.Context, url, targetID, _ string) domain.CrawlResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targetID+"@"+url)
	if res, ok := f.results[targetID]; ok {
		return res
	}
	return domain.CrawlResult{RestaurantID: targetID, Error: "connection attempts exhausted"}
}

type fakePlaces struct {
	details map[string]domain.PlaceDetails
	calls   atomic.Int32
}

func (f *fakePlaces) SearchNearby(context.Context, float64, float64, string, int) ([]domain.Listing, error) {
	return nil, errors.New("not used")
}

func (f *fakePlaces) GetDetails(_ context.Context, placeID string) (domain.PlaceDetails, error) {
	f.calls.Add(1)
	d, ok := f.details[placeID]
	if !ok {
		return domain.PlaceDetails{}, domain.ErrNotFound
	}
	return d, nil
}

type scoredModel map[string]float64

func (m scoredModel) Analyze(_ context.Context, name, _ string, texts []string) (domain.Analysis, error) {
	score, ok := m[name]
	if !ok {
		return domain.Analysis{}, errors.New("model offline")
	}
	return domain.Analysis{
		Score:       score,
		Recommended: score >= 7,
		Summary:     fmt.Sprintf("%s: %d yorum", name, len(texts)),
	}, nil
}

type recordingRefresher struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRefresher) ScheduleRefresh(_ context.Context, cacheID string, _ int) (domain.BackgroundJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, cacheID)
	return domain.BackgroundJob{ID: "job-1"}, nil
}

type harness struct {
	svc        *Service
	clock      *clock.Manual
	cache      *cache.Store
	discoverer *fakeDiscoverer
	crawler    *fakeCrawler
	places     *fakePlaces
	reviews    *memory.RestaurantRepository
	quota      *quota.Governor
	refresher  *recordingRefresher
}

func newHarness(t *testing.T, quotaLimit int) *harness {
	t.Helper()
	h := &harness{
		clock:      clock.NewManual(start),
		discoverer: &fakeDiscoverer{},
		crawler:    &fakeCrawler{results: map[string]domain.CrawlResult{}},
		places:     &fakePlaces{details: map[string]domain.PlaceDetails{}},
		reviews:    memory.NewRestaurantRepository(),
		refresher:  &recordingRefresher{},
	}
	h.cache = cache.NewStore(memory.NewCacheRepository(), h.clock, &seqIDs{}, cache.Config{TTL: 30 * 24 * time.Hour, StaleGrace: 24 * time.Hour}, nil)
	h.quota = quota.NewGovernor(memory.NewQuotaCounter(), quotaLimit, h.clock, nil)
	h.svc = NewService(Deps{
		Cache:     h.cache,
		Discovery: h.discoverer,
		Crawler:   h.crawler,
		Reviews:   h.reviews,
		Places:    h.places,
		Quota:     h.quota,
		Analyzer:  analysis.NewAnalyzer(scoredModel{"Çiya": 9, "Halil": 6}, nil),
		Refresher: h.refresher,
		Clock:     h.clock,
	}, Config{MaxParallel: 2}, nil)
	return h
}

var kadikoy = Query{Query: "kebap", Location: "Kadıköy", Lat: 40.99, Lon: 29.03, RadiusKm: 2}

func twoCandidates() discovery.Result {
	return discovery.Result{
		Restaurants: []domain.DiscoveredRestaurant{
			{Name: "Halil", PlaceID: "place-b", Rating: 4.2, ReviewCount: 300, Source: domain.SourceAPI},
			{Name: "Çiya", Address: "Caferağa", URL: "https://maps/ciya", Rating: 4.6, ReviewCount: 900,
				Lat: 40.99, Lon: 29.03, HasCoordinates: true, Source: domain.SourceScrape},
		},
		ScrapeCount: 1,
		APICount:    1,
		APICallUsed: true,
	}
}

func TestRecommendDiscoversAnalyzesAndCaches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	ciya := id.ScrapeID("Çiya", "Caferağa")
	h.discoverer.result = twoCandidates()
	h.crawler.results[ciya] = domain.CrawlResult{
		RestaurantID: ciya,
		Success:      true,
		Restaurant:   domain.Listing{Rating: 4.7, ReviewCount: 950},
		Reviews: []domain.ScrapedReview{
			{Author: "a", Rating: 5, Text: "harika kebap", MatchedKeywords: []string{"kebap"}},
			{Author: "b", Rating: 4, Text: "servis yavaş"},
		},
	}
	h.places.details["place-b"] = domain.PlaceDetails{Reviews: []domain.PlaceReview{
		{Author: "c", Rating: 3, Text: "kebabı soğuktu"},
	}}

	resp, err := h.svc.Recommend(context.Background(), kadikoy)
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.True(t, resp.APICallUsed)
	require.Equal(t, cache.StatusMiss, resp.CacheStatus)
	require.NotEmpty(t, resp.CacheID)
	require.Len(t, resp.Results, 2)

	first, second := resp.Results[0], resp.Results[1]
	require.Equal(t, "Çiya", first.Name)
	require.Equal(t, ciya, first.RestaurantID)
	require.InDelta(t, 9, first.Score, 1e-9)
	require.True(t, first.Recommended)
	require.InDelta(t, 4.7, first.Rating, 1e-9)
	require.Equal(t, 950, first.ReviewCount)
	require.Equal(t, 2, first.ReviewsAnalyzed)
	require.NotNil(t, first.KeywordRating)
	require.InDelta(t, 5, *first.KeywordRating, 1e-9)
	require.InDelta(t, 0, first.DistanceKm, 1e-9)

	require.Equal(t, "place-b", second.RestaurantID)
	require.InDelta(t, 6, second.Score, 1e-9)
	require.NotNil(t, second.KeywordRating, "api review snippets are keyword tagged")
	require.InDelta(t, 3, *second.KeywordRating, 1e-9)

	require.Equal(t, []string{ciya + "@https://maps/ciya"}, h.crawler.calls)
	usage, err := h.quota.Usage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, usage.Used)
	require.Contains(t, resp.Message, "2 restaurants")

	lookup, err := h.cache.Lookup(context.Background(), domain.NewCacheKey("kebap", 40.99, 29.03, 2))
	require.NoError(t, err)
	require.Equal(t, cache.StatusHit, lookup.Status)
	require.Equal(t, []string{ciya}, lookup.Entry.SourceIDs, "only crawled restaurants are refresh sources")

	again, err := h.svc.Recommend(context.Background(), Query{Query: "  KEBAP ", Lat: 40.99, Lon: 29.03, RadiusKm: 2})
	require.NoError(t, err)
	require.True(t, again.FromCache)
	require.Equal(t, resp.CacheID, again.CacheID)
	require.Equal(t, int32(1), h.discoverer.calls.Load())
	require.Len(t, h.crawler.calls, 1)
}

func TestRecommendServesExpiredEntryAndEnqueuesRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	key := domain.NewCacheKey("kebap", 40.99, 29.03, 2)
	entry, err := h.cache.Store(context.Background(), key, []domain.CachedAnalysisResult{{RestaurantID: "r1", Name: "Çiya"}}, "cached", []string{"r1"})
	require.NoError(t, err)
	h.clock.Advance(31 * 24 * time.Hour)

	resp, err := h.svc.Recommend(context.Background(), kadikoy)
	require.NoError(t, err)
	h.svc.Wait()

	require.True(t, resp.FromCache)
	require.Equal(t, cache.StatusExpired, resp.CacheStatus)
	require.Equal(t, "cached", resp.Message)
	require.Zero(t, h.discoverer.calls.Load())
	require.Equal(t, []string{entry.ID}, h.refresher.ids)
}

func TestRecommendRefreshIsNotTiedToRequestContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	key := domain.NewCacheKey("kebap", 40.99, 29.03, 2)
	_, err := h.cache.Store(context.Background(), key, []domain.CachedAnalysisResult{{RestaurantID: "r1"}}, "cached", []string{"r1"})
	require.NoError(t, err)
	h.clock.Advance(29*24*time.Hour + time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := h.svc.Recommend(ctx, kadikoy)
	cancel()
	require.NoError(t, err)
	require.Equal(t, cache.StatusStale, resp.CacheStatus)

	h.svc.Wait()
	require.Len(t, h.refresher.ids, 1)
}

func TestRecommendNoResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	resp, err := h.svc.Recommend(context.Background(), kadikoy)
	require.NoError(t, err)
	require.True(t, resp.NoResults)
	require.Equal(t, NoResultsMessage, resp.Message)
	require.Empty(t, resp.Results)
	require.Empty(t, resp.CacheID)

	stats, err := h.cache.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total, "empty result sets are not cached")
}

func TestRecommendRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	_, err := h.svc.Recommend(context.Background(), Query{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRecommendReusesRecentlyCrawledReviews(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	ciya := id.ScrapeID("Çiya", "Caferağa")
	_, err := h.reviews.SaveReviews(context.Background(), ciya, "kebap", []domain.ScrapedReview{
		{Author: "a", Rating: 4, Text: "kebap iyi", MatchedKeywords: []string{"kebap"}},
	}, start.Add(-time.Hour))
	require.NoError(t, err)
	h.discoverer.result = discovery.Result{Restaurants: []domain.DiscoveredRestaurant{
		{Name: "Çiya", Address: "Caferağa", URL: "https://maps/ciya", Rating: 4.6, ReviewCount: 900, Source: domain.SourceScrape},
	}}

	resp, err := h.svc.Recommend(context.Background(), kadikoy)
	require.NoError(t, err)
	require.Empty(t, h.crawler.calls)
	require.Equal(t, 1, resp.Results[0].ReviewsAnalyzed)
	require.InDelta(t, 4, *resp.Results[0].KeywordRating, 1e-9)
}

func TestRecommendFallsBackWhenCrawlFailsAndQuotaIsSpent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.discoverer.result = twoCandidates()

	resp, err := h.svc.Recommend(context.Background(), kadikoy)
	require.NoError(t, err)
	require.Zero(t, h.places.calls.Load(), "details are skipped without quota")
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		require.Zero(t, r.ReviewsAnalyzed)
		require.Nil(t, r.KeywordRating)
		require.InDelta(t, r.Rating*2, r.Score, 1e-9, "heuristic verdict for %s", r.Name)
	}
	require.Equal(t, "Çiya", resp.Results[0].Name)
}

func TestOrderBreaksScoreTiesByProminence(t *testing.T) {
	t.Parallel()

	results := []domain.CachedAnalysisResult{
		{Name: "few", Score: 8, Rating: 4.9, ReviewCount: 5},
		{Name: "top", Score: 9, Rating: 3.0, ReviewCount: 10},
		{Name: "many", Score: 8, Rating: 4.5, ReviewCount: 2000},
	}
	Order(results)
	require.Equal(t, "top", results[0].Name)
	require.Equal(t, "many", results[1].Name)
	require.Equal(t, "few", results[2].Name)
}

func TestReanalyzeFoldsFreshCrawls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	results := []domain.CachedAnalysisResult{
		{RestaurantID: "r1", Name: "Halil", Rating: 4.0, ReviewCount: 10, Score: 8},
		{RestaurantID: "r2", Name: "Çiya", Rating: 4.5, ReviewCount: 20, Score: 7},
	}
	out := h.svc.Reanalyze(context.Background(), "kebap", results, map[string]domain.CrawlResult{
		"r2": {RestaurantID: "r2", Success: true, Restaurant: domain.Listing{Rating: 4.8, ReviewCount: 25},
			Reviews: []domain.ScrapedReview{{Author: "x", Rating: 5, Text: "kebap", MatchedKeywords: []string{"kebap"}}}},
	})

	require.Equal(t, "Çiya", out[0].Name)
	require.InDelta(t, 9, out[0].Score, 1e-9)
	require.Equal(t, 25, out[0].ReviewCount)
	require.Equal(t, "Halil", out[1].Name)
	require.InDelta(t, 8, out[1].Score, 1e-9, "results without a fresh crawl keep their verdict")
	require.Equal(t, "Halil", results[0].Name, "input is not reordered")
}
