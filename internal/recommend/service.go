// Package recommend answers restaurant recommendation queries: it serves the
// cache when it can and otherwise discovers, crawls, analyzes and caches.
package recommend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FeritTasdildiren/nerede-yesem/internal/analysis"
	"github.com/FeritTasdildiren/nerede-yesem/internal/cache"
	"github.com/FeritTasdildiren/nerede-yesem/internal/crawl"
	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/id"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// NoResultsMessage is returned when neither discovery branch found anything.
const NoResultsMessage = "no results in this radius"

// ErrEmptyQuery is returned when the query text is blank.
var ErrEmptyQuery = discovery.ErrEmptyQuery

// CacheStore is the cache surface used on the request path.
type CacheStore interface {
	Lookup(ctx context.Context, key domain.CacheKey) (cache.LookupResult, error)
	Store(ctx context.Context, key domain.CacheKey, results []domain.CachedAnalysisResult, message string, sourceIDs []string) (domain.CacheEntry, error)
}

// Discoverer finds ranked candidates.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (discovery.Result, error)
}

// Crawler crawls and persists one restaurant page.
type Crawler interface {
	FetchReviewsAndSave(ctx context.Context, url, targetID, keyword string) domain.CrawlResult
}

// RefreshScheduler enqueues background cache refreshes.
type RefreshScheduler interface {
	ScheduleRefresh(ctx context.Context, cacheID string, priority int) (domain.BackgroundJob, error)
}

// Evaluator produces a verdict for one restaurant.
type Evaluator interface {
	Evaluate(ctx context.Context, s analysis.Subject) (domain.Analysis, bool)
}

// QuotaGate admits billed API calls.
type QuotaGate interface {
	Consume(ctx context.Context) error
}

// Config tunes the request path.
type Config struct {
	MaxParallel       int
	RecentCrawlWindow time.Duration
	RefreshTimeout    time.Duration
	RefreshPriority   int
	DefaultRadiusKm   float64
	ReviewLimit       int
}

// Deps groups the collaborators of a Service. Reviews, Places, Quota and
// Refresher may be nil.
type Deps struct {
	Cache     CacheStore
	Discovery Discoverer
	Crawler   Crawler
	Reviews   domain.ReviewRepository
	Places    domain.PlacesClient
	Quota     QuotaGate
	Analyzer  Evaluator
	Refresher RefreshScheduler
	Clock     domain.Clock
}

// Query is one recommendation request.
type Query struct {
	Query    string  `json:"query"`
	Location string  `json:"location"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
	TopN     int     `json:"top_n,omitempty"`
}

// Response is what the caller sees.
type Response struct {
	Results     []domain.CachedAnalysisResult `json:"results"`
	Message     string                        `json:"message"`
	CacheID     string                        `json:"cache_id,omitempty"`
	CacheStatus cache.LookupStatus            `json:"cache_status"`
	FromCache   bool                          `json:"from_cache"`
	NoResults   bool                          `json:"no_results"`
	APICallUsed bool                          `json:"api_call_used"`
}

// Service runs the recommendation flow.
type Service struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewService builds a Service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.RecentCrawlWindow <= 0 {
		cfg.RecentCrawlWindow = 24 * time.Hour
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	if cfg.DefaultRadiusKm <= 0 {
		cfg.DefaultRadiusKm = 3
	}
	if cfg.ReviewLimit <= 0 {
		cfg.ReviewLimit = 50
	}
	return &Service{deps: deps, cfg: cfg, logger: logging.OrNop(logger).Named("recommend")}
}

// Recommend answers q. Cache and scheduling failures are logged, never
// returned.
func (s *Service) Recommend(ctx context.Context, q Query) (Response, error) {
	if strings.TrimSpace(q.Query) == "" {
		return Response{}, ErrEmptyQuery
	}
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.cfg.DefaultRadiusKm
	}
	key := domain.NewCacheKey(q.Query, q.Lat, q.Lon, q.RadiusKm)
	ctx, span := otel.Tracer("nerede-yesem/recommend").Start(ctx, "Recommend")
	defer span.End()

	lookup, err := s.deps.Cache.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.String("cache_key", key.String()), zap.Error(err))
	}
	if lookup.Status.Usable() && lookup.Entry != nil {
		if lookup.Status.NeedsRefresh() {
			s.enqueueRefresh(ctx, lookup.Entry.ID)
		}
		return Response{
			Results:     lookup.Entry.Results,
			Message:     lookup.Entry.Message,
			CacheID:     lookup.Entry.ID,
			CacheStatus: lookup.Status,
			FromCache:   true,
		}, nil
	}

	found, err := s.deps.Discovery.Discover(ctx, discovery.Request{
		Query:    q.Query,
		Location: q.Location,
		Lat:      q.Lat,
		Lon:      q.Lon,
		RadiusKm: q.RadiusKm,
		TopN:     q.TopN,
	})
	if err != nil {
		return Response{}, fmt.Errorf("discover: %w", err)
	}
	if len(found.Restaurants) == 0 {
		return Response{
			Results:     []domain.CachedAnalysisResult{},
			Message:     NoResultsMessage,
			CacheStatus: lookup.Status,
			NoResults:   true,
			APICallUsed: found.APICallUsed,
		}, nil
	}

	results, sourceIDs := s.analyzeAll(ctx, q, found.Restaurants)
	Order(results)
	message := buildMessage(q, results)

	resp := Response{
		Results:     results,
		Message:     message,
		CacheStatus: lookup.Status,
		APICallUsed: found.APICallUsed,
	}
	if entry, err := s.deps.Cache.Store(ctx, key, results, message, sourceIDs); err != nil {
		s.logger.Warn("cache store failed", zap.String("cache_key", key.String()), zap.Error(err))
	} else {
		resp.CacheID = entry.ID
	}
	return resp, nil
}

// Wait blocks until background refresh enqueues have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// enqueueRefresh schedules a refresh without holding up the response.
func (s *Service) enqueueRefresh(ctx context.Context, cacheID string) {
	if s.deps.Refresher == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		job, err := s.deps.Refresher.ScheduleRefresh(ctx, cacheID, s.cfg.RefreshPriority)
		if err != nil {
			s.logger.Warn("schedule refresh failed", zap.String("cache_id", cacheID), zap.Error(err))
			return
		}
		s.logger.Debug("refresh scheduled", zap.String("cache_id", cacheID), zap.String("job_id", job.ID))
	}()
}

type candidateResult struct {
	result   domain.CachedAnalysisResult
	sourceID string
}

// analyzeAll crawls and analyzes candidates concurrently, preserving input order.
func (s *Service) analyzeAll(ctx context.Context, q Query, candidates []domain.DiscoveredRestaurant) ([]domain.CachedAnalysisResult, []string) {
	out := make([]candidateResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for i, c := range candidates {
		g.Go(func() error {
			out[i] = s.analyzeOne(gctx, q, c)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]domain.CachedAnalysisResult, 0, len(out))
	var sourceIDs []string
	for _, cr := range out {
		results = append(results, cr.result)
		if cr.sourceID != "" {
			sourceIDs = append(sourceIDs, cr.sourceID)
		}
	}
	return results, sourceIDs
}

func (s *Service) analyzeOne(ctx context.Context, q Query, c domain.DiscoveredRestaurant) candidateResult {
	restaurantID := id.RestaurantID(c.PlaceID, c.Name, c.Address)
	out := candidateResult{result: domain.CachedAnalysisResult{
		RestaurantID: restaurantID,
		Name:         c.Name,
		Address:      c.Address,
		URL:          c.URL,
		Lat:          c.Lat,
		Lon:          c.Lon,
		Rating:       c.Rating,
		ReviewCount:  c.ReviewCount,
		Source:       string(c.Source),
	}}
	if c.HasCoordinates {
		out.result.DistanceKm = roundKm(domain.DistanceKm(q.Lat, q.Lon, c.Lat, c.Lon))
	}

	var reviews []domain.ScrapedReview
	switch {
	case c.URL != "":
		out.sourceID = restaurantID
		reviews = s.crawledReviews(ctx, q.Query, restaurantID, c.URL, &out.result)
	case c.PlaceID != "":
		reviews = s.apiReviews(ctx, q.Query, c.PlaceID, &out.result)
	}
	s.applyAnalysis(ctx, q.Query, &out.result, reviews)
	return out
}

// crawledReviews reuses recently stored reviews and otherwise crawls.
func (s *Service) crawledReviews(ctx context.Context, keyword, restaurantID, url string, r *domain.CachedAnalysisResult) []domain.ScrapedReview {
	if s.deps.Reviews != nil {
		since := s.deps.Clock.Now().Add(-s.cfg.RecentCrawlWindow)
		recent, err := s.deps.Reviews.RecentlyCrawled(ctx, restaurantID, keyword, since)
		if err != nil {
			s.logger.Warn("recent crawl check failed", zap.String("restaurant_id", restaurantID), zap.Error(err))
		}
		if recent {
			stored, err := s.deps.Reviews.ListReviews(ctx, restaurantID, keyword, s.cfg.ReviewLimit)
			if err == nil {
				return stored
			}
			s.logger.Warn("load stored reviews failed", zap.String("restaurant_id", restaurantID), zap.Error(err))
		}
	}
	if s.deps.Crawler == nil {
		return nil
	}
	res := s.deps.Crawler.FetchReviewsAndSave(ctx, url, restaurantID, keyword)
	if !res.Success {
		s.logger.Info("review crawl failed",
			zap.String("restaurant_id", restaurantID),
			zap.Int("attempts", res.Attempts),
			zap.String("error", res.Error))
		return nil
	}
	mergeFacts(r, res.Restaurant)
	return res.Reviews
}

// apiReviews reads review snippets from place details, quota permitting.
func (s *Service) apiReviews(ctx context.Context, keyword, placeID string, r *domain.CachedAnalysisResult) []domain.ScrapedReview {
	if s.deps.Places == nil || s.deps.Quota == nil {
		return nil
	}
	if err := s.deps.Quota.Consume(ctx); err != nil {
		s.logger.Debug("details skipped", zap.String("place_id", placeID), zap.Error(err))
		return nil
	}
	details, err := s.deps.Places.GetDetails(ctx, placeID)
	if err != nil {
		s.logger.Warn("place details failed", zap.String("place_id", placeID), zap.Error(err))
		return nil
	}
	mergeFacts(r, details.Listing)
	reviews := make([]domain.ScrapedReview, 0, len(details.Reviews))
	for _, pr := range details.Reviews {
		reviews = append(reviews, domain.ScrapedReview{
			Author:       pr.Author,
			Rating:       pr.Rating,
			Text:         pr.Text,
			RelativeTime: pr.RelativeTime,
		})
	}
	crawl.TagKeywords(reviews, keyword)
	return reviews
}

func (s *Service) applyAnalysis(ctx context.Context, keyword string, r *domain.CachedAnalysisResult, reviews []domain.ScrapedReview) {
	texts := make([]string, 0, len(reviews))
	for _, rv := range reviews {
		if strings.TrimSpace(rv.Text) != "" {
			texts = append(texts, rv.Text)
		}
	}
	verdict := analysis.Heuristic(r.Rating, r.ReviewCount)
	if s.deps.Analyzer != nil {
		verdict, _ = s.deps.Analyzer.Evaluate(ctx, analysis.Subject{
			Name:        r.Name,
			Keyword:     keyword,
			Rating:      r.Rating,
			ReviewCount: r.ReviewCount,
			Reviews:     texts,
		})
	}
	r.Score = verdict.Score
	r.Summary = verdict.Summary
	r.PositivePoints = verdict.PositivePoints
	r.NegativePoints = verdict.NegativePoints
	r.Recommended = verdict.Recommended
	r.ReviewsAnalyzed = len(texts)
	r.KeywordRating = nil
	if kr, ok := analysis.KeywordRating(reviews); ok {
		r.KeywordRating = &kr
	}
}

// Reanalyze folds fresh crawls into cached results and re-orders them.
func (s *Service) Reanalyze(ctx context.Context, keyword string, results []domain.CachedAnalysisResult, crawls map[string]domain.CrawlResult) []domain.CachedAnalysisResult {
	out := slices.Clone(results)
	for i := range out {
		res, ok := crawls[out[i].RestaurantID]
		if !ok {
			continue
		}
		mergeFacts(&out[i], res.Restaurant)
		if len(res.Reviews) == 0 && s.deps.Reviews != nil {
			stored, err := s.deps.Reviews.ListReviews(ctx, out[i].RestaurantID, keyword, s.cfg.ReviewLimit)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("load stored reviews failed", zap.String("restaurant_id", out[i].RestaurantID), zap.Error(err))
			}
			res.Reviews = stored
		}
		s.applyAnalysis(ctx, keyword, &out[i], res.Reviews)
	}
	Order(out)
	return out
}

// Order sorts by analysis score, then prominence, then name.
func Order(results []domain.CachedAnalysisResult) {
	slices.SortStableFunc(results, func(a, b domain.CachedAnalysisResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		pa := domain.ProminenceScore(a.Rating, a.ReviewCount)
		pb := domain.ProminenceScore(b.Rating, b.ReviewCount)
		if c := cmp.Compare(pb, pa); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// mergeFacts takes fresher facts from a crawl or details call.
func mergeFacts(r *domain.CachedAnalysisResult, l domain.Listing) {
	if l.Rating > 0 {
		r.Rating = l.Rating
	}
	if l.ReviewCount > 0 {
		r.ReviewCount = l.ReviewCount
	}
	if r.Address == "" {
		r.Address = l.Address
	}
	if r.URL == "" {
		r.URL = l.URL
	}
}

func buildMessage(q Query, results []domain.CachedAnalysisResult) string {
	recommended := 0
	for _, r := range results {
		if r.Recommended {
			recommended++
		}
	}
	where := q.Location
	if where == "" {
		where = fmt.Sprintf("%.1f km", q.RadiusKm)
	}
	return fmt.Sprintf("%d restaurants found for %q around %s, %d recommended", len(results), strings.TrimSpace(q.Query), where, recommended)
}

func roundKm(km float64) float64 {
	return float64(int(km*100+0.5)) / 100
}
