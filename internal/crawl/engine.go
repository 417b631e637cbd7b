// Package crawl drives a headless browser through rotating proxies to extract
// restaurant listings and reviews from a maps front end.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/browser"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
	"github.com/FeritTasdildiren/nerede-yesem/internal/proxy"
)

var (
	// ErrConnectionExhausted signals that every connection attempt failed.
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	// ErrReviewsNotFound signals that no strategy located the reviews view.
	ErrReviewsNotFound = errors.New("reviews view not found")
)

// ProxySource issues proxies and collects usage telemetry.
type ProxySource interface {
	Acquire(ctx context.Context, targetID string, preferred domain.Tier) (domain.Proxy, error)
	ClearUsedProxies(targetID string)
	RecordUsage(ctx context.Context, record domain.ProxyUsageRecord)
}

// Engine runs crawl sessions. Every session uses its own browser and proxy.
type Engine struct {
	proxies     ProxySource
	launcher    browser.Launcher
	restaurants domain.RestaurantRepository
	reviews     domain.ReviewRepository
	blobs       domain.BlobStore
	clock       domain.Clock
	cfg         Config
	logger      *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRepositories persists crawled restaurants and reviews.
func WithRepositories(restaurants domain.RestaurantRepository, reviews domain.ReviewRepository) Option {
	return func(e *Engine) {
		e.restaurants = restaurants
		e.reviews = reviews
	}
}

// WithSnapshots stores the page HTML of crawls that yield no reviews.
func WithSnapshots(blobs domain.BlobStore) Option {
	return func(e *Engine) {
		e.blobs = blobs
	}
}

// NewEngine builds an Engine.
func NewEngine(proxies ProxySource, launcher browser.Launcher, clock domain.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		proxies:  proxies,
		launcher: launcher,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger).Named("crawl"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type session struct {
	page     browser.Page
	proxy    *domain.Proxy
	attempts int
	started  time.Time
}

func (s *session) proxyKey() string {
	if s.proxy == nil {
		return ""
	}
	return s.proxy.Key()
}

// FetchReviewsAndSave crawls one place page, extracts its facts and reviews,
// and persists them. Failures are reported in the result, never as errors.
func (e *Engine) FetchReviewsAndSave(ctx context.Context, targetURL, targetID, keyword string) (result domain.CrawlResult) {
	start := e.clock.Now()
	result = domain.CrawlResult{RestaurantID: targetID}
	defer func() {
		metrics.ObserveCrawl("reviews", e.clock.Now().Sub(start))
	}()

	sess, err := e.connect(ctx, targetID, withLanguage(targetURL, e.cfg.Language))
	if err != nil {
		metrics.ObserveCrawlAttempt("exhausted")
		result.Error = err.Error()
		return result
	}
	result.Attempts = sess.attempts
	result.ProxyUsed = sess.proxyKey()
	defer sess.page.Close()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("review extraction panicked", zap.String("target_id", targetID), zap.Any("panic", r))
			result = domain.CrawlResult{
				RestaurantID: targetID,
				Error:        fmt.Sprintf("extraction failed: %v", r),
				ProxyUsed:    sess.proxyKey(),
				Attempts:     sess.attempts,
			}
			e.record(ctx, sess, targetID, false, result.Error)
		}
	}()

	doc, ready, err := e.prepare(ctx, sess.page, PanelReady)
	if err != nil {
		result.Error = err.Error()
		e.record(ctx, sess, targetID, false, result.Error)
		metrics.ObserveCrawlAttempt("extract_failed")
		return result
	}
	if !ready {
		e.logger.Warn("place panel not ready; extracting anyway", zap.String("target_id", targetID))
	}
	pageURL, err := sess.page.URL(ctx)
	if err != nil || pageURL == "" {
		pageURL = targetURL
	}
	result.Restaurant = ExtractPlace(doc, pageURL)

	reviews, strategy, err := e.collectReviews(ctx, sess.page, doc, keyword)
	result.Strategy = strategy
	if err != nil {
		result.Error = err.Error()
		e.logger.Info("review extraction incomplete",
			zap.String("target_id", targetID),
			zap.String("strategy", strategy),
			zap.Error(err))
	}
	TagKeywords(reviews, keyword)
	result.Reviews = reviews
	result.Success = result.Restaurant.Name != "" || len(reviews) > 0

	if len(reviews) == 0 {
		e.snapshot(ctx, sess.page, targetID)
	}
	e.record(ctx, sess, targetID, result.Success, result.Error)
	if result.Success {
		metrics.ObserveCrawlAttempt("success")
		e.save(ctx, targetID, keyword, result)
	} else {
		metrics.ObserveCrawlAttempt("extract_failed")
	}
	e.logger.Info("review crawl finished",
		zap.String("target_id", targetID),
		zap.Bool("success", result.Success),
		zap.Int("reviews", len(reviews)),
		zap.Int("attempts", result.Attempts),
		zap.String("proxy", result.ProxyUsed))
	return result
}

// FetchListings crawls the search results for a query around a location.
func (e *Engine) FetchListings(ctx context.Context, q domain.ListingQuery) (result domain.ListingsResult) {
	start := e.clock.Now()
	defer func() {
		metrics.ObserveCrawl("listings", e.clock.Now().Sub(start))
	}()
	targetID := fmt.Sprintf("search:%s|%.4f|%.4f", domain.NormalizeQuery(q.Query+" "+q.Location), q.Lat, q.Lon)

	sess, err := e.connect(ctx, targetID, SearchURL(e.cfg.MapsBaseURL, q, e.cfg.Language))
	if err != nil {
		metrics.ObserveCrawlAttempt("exhausted")
		result.Error = err.Error()
		return result
	}
	result.Attempts = sess.attempts
	defer sess.page.Close()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listing extraction panicked", zap.String("target_id", targetID), zap.Any("panic", r))
			result = domain.ListingsResult{Error: fmt.Sprintf("extraction failed: %v", r), Attempts: sess.attempts}
			e.record(ctx, sess, targetID, false, result.Error)
		}
	}()

	ready := func(d *goquery.Document) bool { return ListingsReady(d) || PanelReady(d) }
	doc, _, err := e.prepare(ctx, sess.page, ready)
	if err != nil {
		result.Error = err.Error()
		e.record(ctx, sess, targetID, false, result.Error)
		metrics.ObserveCrawlAttempt("extract_failed")
		return result
	}

	var listings []domain.Listing
	if !ListingsReady(doc) && PanelReady(doc) {
		// A unique match opens the place panel directly.
		pageURL, err := sess.page.URL(ctx)
		if err != nil || pageURL == "" {
			pageURL = SearchURL(e.cfg.MapsBaseURL, q, e.cfg.Language)
		}
		if place := ExtractPlace(doc, pageURL); place.Name != "" {
			listings = append(listings, place)
		}
	} else {
		listings = e.collectListings(ctx, sess.page)
	}
	result.Listings = withinRadius(listings, q)
	result.Success = true
	e.record(ctx, sess, targetID, len(result.Listings) > 0, "")
	metrics.ObserveCrawlAttempt("success")
	e.logger.Info("listing crawl finished",
		zap.String("query", q.Query),
		zap.Int("listings", len(result.Listings)),
		zap.Int("attempts", result.Attempts),
		zap.String("proxy", sess.proxyKey()))
	return result
}

// connect runs the connection loop: each attempt gets a fresh proxy and an
// isolated browser. Proxy exclusions for the target are cleared once when the
// pool runs dry.
func (e *Engine) connect(ctx context.Context, targetID, target string) (*session, error) {
	if e.launcher == nil {
		return nil, browser.ErrNoLauncher
	}
	var lastErr error
	cleared := false
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionExhausted, err)
		}
		p, err := e.acquire(ctx, targetID, &cleared)
		if err != nil {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, attempt-1, err)
		}
		sess := &session{proxy: p, attempts: attempt, started: e.clock.Now()}
		page, err := e.launcher.Open(ctx, p)
		if err == nil {
			if err = page.Navigate(ctx, target); err != nil {
				page.Close()
			}
		}
		if err != nil {
			lastErr = err
			metrics.ObserveCrawlAttempt("connect_failed")
			e.record(ctx, sess, targetID, false, err.Error())
			e.logger.Warn("crawl connection attempt failed",
				zap.String("target_id", targetID),
				zap.Int("attempt", attempt),
				zap.String("proxy", sess.proxyKey()),
				zap.Error(err))
			continue
		}
		sess.page = page
		return sess, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, e.cfg.MaxAttempts, lastErr)
}

func (e *Engine) acquire(ctx context.Context, targetID string, cleared *bool) (*domain.Proxy, error) {
	if e.proxies == nil {
		if e.cfg.AllowDirect {
			return nil, nil
		}
		return nil, proxy.ErrPoolEmpty
	}
	p, err := e.proxies.Acquire(ctx, targetID, e.cfg.PreferredTier)
	if errors.Is(err, proxy.ErrPoolExhausted) && !*cleared {
		*cleared = true
		e.proxies.ClearUsedProxies(targetID)
		p, err = e.proxies.Acquire(ctx, targetID, e.cfg.PreferredTier)
	}
	if err != nil {
		if errors.Is(err, proxy.ErrPoolEmpty) && e.cfg.AllowDirect {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (e *Engine) record(ctx context.Context, sess *session, targetID string, success bool, errText string) {
	if e.proxies == nil || sess.proxy == nil {
		return
	}
	e.proxies.RecordUsage(ctx, domain.ProxyUsageRecord{
		ProxyAddress: sess.proxy.Key(),
		Tier:         sess.proxy.Tier,
		TargetID:     targetID,
		Success:      success,
		ResponseTime: e.clock.Now().Sub(sess.started),
		ErrorText:    errText,
		RecordedAt:   e.clock.Now(),
	})
}

func (e *Engine) save(ctx context.Context, targetID, keyword string, result domain.CrawlResult) {
	now := e.clock.Now()
	if e.restaurants != nil {
		r := result.Restaurant
		_, err := e.restaurants.UpsertRestaurant(ctx, domain.Restaurant{
			ID:          targetID,
			PlaceID:     r.PlaceID,
			Name:        r.Name,
			Address:     r.Address,
			Lat:         r.Lat,
			Lon:         r.Lon,
			Rating:      r.Rating,
			ReviewCount: r.ReviewCount,
			PriceLevel:  r.PriceLevel,
			URL:         r.URL,
			UpdatedAt:   now,
		})
		if err != nil {
			e.logger.Warn("save restaurant failed", zap.String("target_id", targetID), zap.Error(err))
		}
	}
	if e.reviews != nil && len(result.Reviews) > 0 {
		if _, err := e.reviews.SaveReviews(ctx, targetID, keyword, result.Reviews, now); err != nil {
			e.logger.Warn("save reviews failed", zap.String("target_id", targetID), zap.Error(err))
		}
	}
}

func (e *Engine) snapshot(ctx context.Context, page browser.Page, targetID string) {
	if !e.cfg.SnapshotFailures || e.blobs == nil {
		return
	}
	html, err := page.HTML(ctx, "")
	if err != nil || html == "" {
		return
	}
	path := fmt.Sprintf("%s/%s/%d.html", strings.Trim(e.cfg.SnapshotPrefix, "/"), url.PathEscape(targetID), e.clock.Now().Unix())
	uri, err := e.blobs.PutObject(ctx, path, "text/html; charset=utf-8", []byte(html))
	if err != nil {
		e.logger.Warn("store extraction snapshot failed", zap.String("target_id", targetID), zap.Error(err))
		return
	}
	e.logger.Info("stored extraction snapshot", zap.String("target_id", targetID), zap.String("uri", uri))
}

func withinRadius(listings []domain.Listing, q domain.ListingQuery) []domain.Listing {
	if q.RadiusKm <= 0 || (q.Lat == 0 && q.Lon == 0) {
		return listings
	}
	out := listings[:0]
	for _, l := range listings {
		if l.HasCoordinates && domain.DistanceKm(q.Lat, q.Lon, l.Lat, l.Lon) > q.RadiusKm {
			continue
		}
		out = append(out, l)
	}
	return out
}
