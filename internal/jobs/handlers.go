package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
)

// Crawler crawls and persists one restaurant page.
type Crawler interface {
	FetchReviewsAndSave(ctx context.Context, url, targetID, keyword string) domain.CrawlResult
}

// CacheStore is the cache surface used by the handlers.
type CacheStore interface {
	Get(ctx context.Context, id string) (domain.CacheEntry, error)
	MarkRefreshing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	Store(ctx context.Context, key domain.CacheKey, results []domain.CachedAnalysisResult, message string, sourceIDs []string) (domain.CacheEntry, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Reanalyzer rebuilds cached results from fresh crawls keyed by restaurant ID.
type Reanalyzer interface {
	Reanalyze(ctx context.Context, keyword string, results []domain.CachedAnalysisResult, crawls map[string]domain.CrawlResult) []domain.CachedAnalysisResult
}

// Handlers implements the built-in job types.
type Handlers struct {
	cache       CacheStore
	crawler     Crawler
	restaurants domain.RestaurantRepository
	reanalyzer  Reanalyzer
	scheduler   *Scheduler
	logger      *zap.Logger
}

// NewHandlers builds the handler set. restaurants and reanalyzer may be nil.
func NewHandlers(cache CacheStore, crawler Crawler, restaurants domain.RestaurantRepository, reanalyzer Reanalyzer, logger *zap.Logger) *Handlers {
	return &Handlers{
		cache:       cache,
		crawler:     crawler,
		restaurants: restaurants,
		reanalyzer:  reanalyzer,
		logger:      logging.OrNop(logger).Named("jobs"),
	}
}

// Register installs every handler on s.
func (h *Handlers) Register(s *Scheduler) {
	h.scheduler = s
	s.Register(domain.JobRefreshCache, h.RefreshCache)
	s.Register(domain.JobScrapeRestaurant, h.ScrapeRestaurant)
	s.Register(domain.JobCleanupExpired, h.CleanupExpired)
	s.OnFailure(domain.JobRefreshCache, h.refreshFailed)
}

// RefreshCache re-crawls every source restaurant of a cache entry and stores
// the entry again with a fresh expiry. It fails only when every crawl failed.
// An entry without any crawlable source is never renewed.
func (h *Handlers) RefreshCache(ctx context.Context, job domain.BackgroundJob) error {
	entry, err := h.cache.Get(ctx, job.Payload.CacheID)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.Info("refresh target gone", zap.String("cache_id", job.Payload.CacheID))
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.cache.MarkRefreshing(ctx, entry.ID); err != nil {
		return err
	}

	urls := make(map[string]string, len(entry.Results))
	for _, r := range entry.Results {
		urls[r.RestaurantID] = r.URL
	}
	crawls := make(map[string]domain.CrawlResult, len(entry.SourceIDs))
	failed := 0
	for _, sourceID := range entry.SourceIDs {
		url := h.urlFor(ctx, sourceID, urls[sourceID])
		if url == "" {
			h.logger.Debug("source has no url", zap.String("restaurant_id", sourceID))
			continue
		}
		res := h.crawler.FetchReviewsAndSave(ctx, url, sourceID, entry.Key.Query)
		if err := ctx.Err(); err != nil {
			return err
		}
		if !res.Success {
			failed++
			h.logger.Warn("source re-crawl failed",
				zap.String("cache_id", entry.ID),
				zap.String("restaurant_id", sourceID),
				zap.String("error", res.Error))
			continue
		}
		crawls[sourceID] = res
	}
	if failed > 0 && len(crawls) == 0 {
		return fmt.Errorf("refresh %s: all %d source crawls failed", entry.ID, failed)
	}
	if len(crawls) == 0 {
		// Nothing was re-crawled, so the entry keeps its expiry. Once it has
		// lapsed it is retired and the next lookup runs discovery again.
		h.logger.Info("refresh had no crawlable sources",
			zap.String("cache_id", entry.ID),
			zap.String("cache_key", entry.Key.String()))
		if h.expired(entry) {
			return h.cache.MarkFailed(ctx, entry.ID)
		}
		return nil
	}

	results := entry.Results
	if h.reanalyzer != nil {
		results = h.reanalyzer.Reanalyze(ctx, entry.Key.Query, results, crawls)
	}
	if _, err := h.cache.Store(ctx, entry.Key, results, entry.Message, entry.SourceIDs); err != nil {
		return err
	}
	h.logger.Info("cache entry refreshed",
		zap.String("cache_id", entry.ID),
		zap.String("cache_key", entry.Key.String()),
		zap.Int("recrawled", len(crawls)),
		zap.Int("failed", failed))
	return nil
}

func (h *Handlers) expired(entry domain.CacheEntry) bool {
	if h.scheduler == nil {
		return false
	}
	return h.scheduler.clock.Now().After(entry.ExpiresAt)
}

func (h *Handlers) urlFor(ctx context.Context, restaurantID, known string) string {
	if known != "" || h.restaurants == nil {
		return known
	}
	r, err := h.restaurants.GetRestaurant(ctx, restaurantID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("load restaurant failed", zap.String("restaurant_id", restaurantID), zap.Error(err))
		}
		return ""
	}
	return r.URL
}

func (h *Handlers) refreshFailed(ctx context.Context, job domain.BackgroundJob) {
	if err := h.cache.MarkFailed(ctx, job.Payload.CacheID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.Warn("mark cache entry failed", zap.String("cache_id", job.Payload.CacheID), zap.Error(err))
	}
}

// ScrapeRestaurant runs one targeted crawl.
func (h *Handlers) ScrapeRestaurant(ctx context.Context, job domain.BackgroundJob) error {
	p := job.Payload
	url := h.urlFor(ctx, p.RestaurantID, p.URL)
	if url == "" {
		return Permanent(fmt.Errorf("restaurant %s has no url", p.RestaurantID))
	}
	res := h.crawler.FetchReviewsAndSave(ctx, url, p.RestaurantID, p.Keyword)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("crawl %s: %s", p.RestaurantID, res.Error)
	}
	return nil
}

// CleanupExpired removes expired cache entries and old finished jobs.
func (h *Handlers) CleanupExpired(ctx context.Context, _ domain.BackgroundJob) error {
	entries, err := h.cache.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	jobs := 0
	if h.scheduler != nil {
		if jobs, err = h.scheduler.Cleanup(ctx, 0); err != nil {
			return err
		}
	}
	h.logger.Info("cleanup finished", zap.Int("cache_entries", entries), zap.Int("jobs", jobs))
	return nil
}
