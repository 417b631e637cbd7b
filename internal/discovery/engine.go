// Package discovery races the crawler against the quota-gated places API and
// merges both candidate lists into one ranked set.
package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
	"github.com/FeritTasdildiren/nerede-yesem/internal/quota"
)

// ErrEmptyQuery is returned when a request carries no search text.
var ErrEmptyQuery = errors.New("query is required")

// ListingSource searches restaurant listings with the crawler.
type ListingSource interface {
	FetchListings(ctx context.Context, q domain.ListingQuery) domain.ListingsResult
}

// QuotaGate admits calls to the billed API.
type QuotaGate interface {
	CanConsume(ctx context.Context) bool
	Consume(ctx context.Context) error
}

// Config tunes discovery.
type Config struct {
	TopN            int
	MergeDistanceKm float64
	APITimeout      time.Duration
	CrawlTimeout    time.Duration
}

// Request describes one discovery run.
type Request struct {
	Query    string  `json:"query"`
	Location string  `json:"location"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
	TopN     int     `json:"top_n,omitempty"`
}

// Result is the ranked outcome with per-source counts.
type Result struct {
	Restaurants []domain.DiscoveredRestaurant `json:"restaurants"`
	ScrapeCount int                           `json:"scrape_count"`
	APICount    int                           `json:"api_count"`
	APICallUsed bool                          `json:"api_call_used"`
}

// Engine coordinates both discovery branches.
type Engine struct {
	crawler ListingSource
	places  domain.PlacesClient
	quota   QuotaGate
	cfg     Config
	logger  *zap.Logger
}

// NewEngine builds an Engine. places and quota may be nil, in which case
// discovery runs crawler-only.
func NewEngine(crawler ListingSource, places domain.PlacesClient, gate QuotaGate, cfg Config, logger *zap.Logger) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.MergeDistanceKm <= 0 {
		cfg.MergeDistanceKm = 0.1
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 20 * time.Second
	}
	if cfg.CrawlTimeout <= 0 {
		cfg.CrawlTimeout = 2 * time.Minute
	}
	return &Engine{
		crawler: crawler,
		places:  places,
		quota:   gate,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("discovery"),
	}
}

// Discover runs the API branch (quota permitting) and the crawler branch
// concurrently. A failing branch never fails the other; two empty branches
// yield zero candidates, not an error.
func (e *Engine) Discover(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, ErrEmptyQuery
	}
	topN := req.TopN
	if topN <= 0 {
		topN = e.cfg.TopN
	}

	var (
		apiListings    []domain.Listing
		scrapeListings []domain.Listing
		apiUsed        bool
	)
	var g errgroup.Group
	if e.apiAvailable(ctx) {
		g.Go(func() error {
			apiListings, apiUsed = e.searchAPI(ctx, req)
			return nil
		})
	} else {
		e.logger.Info("api branch skipped", zap.String("query", req.Query))
	}
	if e.crawler != nil {
		g.Go(func() error {
			scrapeListings = e.searchCrawler(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	metrics.ObserveDiscoveryCandidates(string(domain.SourceAPI), len(apiListings))
	metrics.ObserveDiscoveryCandidates(string(domain.SourceScrape), len(scrapeListings))

	merged := Merge(
		Normalize(apiListings, domain.SourceAPI),
		Normalize(scrapeListings, domain.SourceScrape),
		e.cfg.MergeDistanceKm,
	)
	Rank(merged)
	if len(merged) > topN {
		merged = merged[:topN]
	}
	e.logger.Info("discovery finished",
		zap.String("query", req.Query),
		zap.Int("api", len(apiListings)),
		zap.Int("scrape", len(scrapeListings)),
		zap.Int("returned", len(merged)),
		zap.Bool("api_call_used", apiUsed))
	return Result{
		Restaurants: merged,
		ScrapeCount: len(scrapeListings),
		APICount:    len(apiListings),
		APICallUsed: apiUsed,
	}, nil
}

func (e *Engine) apiAvailable(ctx context.Context) bool {
	if e.places == nil || e.quota == nil {
		return false
	}
	return e.quota.CanConsume(ctx)
}

func (e *Engine) searchAPI(ctx context.Context, req Request) ([]domain.Listing, bool) {
	if err := e.quota.Consume(ctx); err != nil {
		if errors.Is(err, quota.ErrQuotaExhausted) {
			e.logger.Info("api quota exhausted before call", zap.String("query", req.Query))
		} else {
			e.logger.Warn("consume api quota failed", zap.Error(err))
		}
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.APITimeout)
	defer cancel()
	radius := int(req.RadiusKm * 1000)
	listings, err := e.places.SearchNearby(ctx, req.Lat, req.Lon, req.Query, radius)
	if err != nil {
		e.logger.Warn("api search failed", zap.String("query", req.Query), zap.Error(err))
		return nil, true
	}
	return listings, true
}

func (e *Engine) searchCrawler(ctx context.Context, req Request) []domain.Listing {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CrawlTimeout)
	defer cancel()
	res := e.crawler.FetchListings(ctx, domain.ListingQuery{
		Location: req.Location,
		Query:    req.Query,
		Lat:      req.Lat,
		Lon:      req.Lon,
		RadiusKm: req.RadiusKm,
	})
	if !res.Success {
		e.logger.Warn("crawler search failed",
			zap.String("query", req.Query),
			zap.Int("attempts", res.Attempts),
			zap.String("error", res.Error))
		return nil
	}
	return res.Listings
}
