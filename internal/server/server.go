// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FeritTasdildiren/nerede-yesem/internal/analysis"
	"github.com/FeritTasdildiren/nerede-yesem/internal/api"
	"github.com/FeritTasdildiren/nerede-yesem/internal/browser"
	"github.com/FeritTasdildiren/nerede-yesem/internal/cache"
	"github.com/FeritTasdildiren/nerede-yesem/internal/clock"
	"github.com/FeritTasdildiren/nerede-yesem/internal/config"
	"github.com/FeritTasdildiren/nerede-yesem/internal/crawl"
	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/id"
	"github.com/FeritTasdildiren/nerede-yesem/internal/jobs"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
	"github.com/FeritTasdildiren/nerede-yesem/internal/places"
	"github.com/FeritTasdildiren/nerede-yesem/internal/proxy"
	memorypublisher "github.com/FeritTasdildiren/nerede-yesem/internal/publisher/memory"
	gcppublisher "github.com/FeritTasdildiren/nerede-yesem/internal/publisher/pubsub"
	"github.com/FeritTasdildiren/nerede-yesem/internal/quota"
	"github.com/FeritTasdildiren/nerede-yesem/internal/recommend"
	gcsstorage "github.com/FeritTasdildiren/nerede-yesem/internal/storage/gcs"
	localstorage "github.com/FeritTasdildiren/nerede-yesem/internal/storage/local"
	memorystorage "github.com/FeritTasdildiren/nerede-yesem/internal/storage/memory"
	pgstore "github.com/FeritTasdildiren/nerede-yesem/internal/storage/postgres"
	"github.com/FeritTasdildiren/nerede-yesem/internal/telemetry"
)

// Version is reported on traces.
var Version = "dev"

// repositories groups the persistence backends.
type repositories struct {
	cache       cache.Repository
	jobs        jobs.Repository
	restaurants interface {
		domain.RestaurantRepository
		domain.ReviewRepository
	}
	proxyUsage domain.ProxyUsageRecorder
	quota      quota.Counter
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	redisCounter *quota.RedisCounter
	gcs          *storage.Client
	pubsub       *gcppublisher.Publisher
	shutdownTP   func(context.Context) error

	proxies     *proxy.Service
	cache       *cache.Store
	scheduler   *jobs.Scheduler
	runner      *jobs.Runner
	discovery   *discovery.Engine
	recommender *recommend.Service
	governor    *quota.Governor
	apiServer   *api.Server

	closeOnce sync.Once
}

// CleanupReport counts what a maintenance pass removed.
type CleanupReport struct {
	CacheEntries int `json:"cache_entries"`
	Jobs         int `json:"jobs"`
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("quota_backend", cfg.Quota.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, "nerede-yesem", Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.shutdownTP = tp.Shutdown

	if err := app.build(ctx); err != nil {
		app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	sysClock := clock.New()
	ids := id.New()

	repos, err := a.setupRepositories(ctx)
	if err != nil {
		return err
	}
	counter, err := a.setupQuotaCounter(ctx, repos.quota)
	if err != nil {
		return err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	a.governor = quota.NewGovernor(counter, cfg.Quota.MonthlyLimit, sysClock, a.logger)
	a.proxies = proxy.NewService(a.proxyProvider(), repos.proxyUsage, sysClock, proxy.Config{
		RefreshInterval: cfg.Proxy.RefreshInterval,
		StatsWindow:     cfg.Proxy.StatsWindow,
	}, a.logger)

	launcher, err := browser.NewChromedp(browser.Config{
		MaxParallel:       cfg.Crawler.MaxParallel,
		Headless:          cfg.Crawler.Headless,
		UserAgent:         cfg.Crawler.UserAgent,
		Language:          cfg.Crawler.Language,
		NavigationTimeout: cfg.Crawler.NavigationTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}

	engine := crawl.NewEngine(a.proxies, launcher, sysClock, crawl.Config{
		MaxAttempts:      cfg.Crawler.MaxAttempts,
		MaxReviews:       cfg.Crawler.MaxReviews,
		MaxListings:      cfg.Crawler.MaxListings,
		MaxScrolls:       cfg.Crawler.MaxScrolls,
		StaleScrollLimit: cfg.Crawler.StaleScrollLimit,
		PanelWaitRetries: cfg.Crawler.PanelWaitRetries,
		PanelWaitDelay:   cfg.Crawler.PanelWaitDelay,
		SettleDelay:      cfg.Crawler.SettleDelay,
		MapsBaseURL:      cfg.Crawler.MapsBaseURL,
		Language:         cfg.Crawler.Language,
		AllowDirect:      cfg.Crawler.AllowDirect,
		SnapshotFailures: cfg.Crawler.SnapshotFailures,
		SnapshotPrefix:   cfg.Storage.Prefix,
	}, a.logger,
		crawl.WithRepositories(repos.restaurants, repos.restaurants),
		crawl.WithSnapshots(blobs),
	)

	// Both clients return nil when unconfigured; keep the interfaces nil too.
	var placesClient domain.PlacesClient
	if c := places.New(places.Config{
		APIKey:   cfg.Places.APIKey,
		BaseURL:  cfg.Places.BaseURL,
		RPS:      cfg.Places.RPS,
		Language: cfg.Places.Language,
		Timeout:  cfg.Discovery.APITimeout,
	}, nil, a.logger); c != nil {
		placesClient = c
	} else {
		a.logger.Warn("places api key not set, discovery is crawl-only")
	}
	var model domain.ReviewAnalyzer
	if c := analysis.New(analysis.Config{
		Endpoint: cfg.Analysis.Endpoint,
		APIKey:   cfg.Analysis.APIKey,
		Model:    cfg.Analysis.Model,
		Timeout:  cfg.Analysis.Timeout,
	}, nil, a.logger); c != nil {
		model = c
	} else {
		a.logger.Warn("analysis endpoint not set, using heuristic scoring")
	}

	a.discovery = discovery.NewEngine(engine, placesClient, a.governor, discovery.Config{
		TopN:            cfg.Discovery.TopN,
		MergeDistanceKm: cfg.Discovery.MergeDistanceKm,
		APITimeout:      cfg.Discovery.APITimeout,
		CrawlTimeout:    cfg.Discovery.CrawlTimeout,
	}, a.logger)

	a.cache = cache.NewStore(repos.cache, sysClock, ids, cache.Config{
		TTL:        cfg.Cache.TTL,
		StaleGrace: cfg.Cache.StaleGrace,
	}, a.logger)

	a.scheduler = jobs.NewScheduler(repos.jobs, sysClock, ids, publisher, jobs.Config{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BackoffBase,
		Retention:   cfg.Jobs.Retention,
		StuckAfter:  cfg.Jobs.StuckAfter,
		EventsTopic: cfg.PubSub.Topic,
	}, a.logger)

	a.recommender = recommend.NewService(recommend.Deps{
		Cache:     a.cache,
		Discovery: a.discovery,
		Crawler:   engine,
		Reviews:   repos.restaurants,
		Places:    placesClient,
		Quota:     a.governor,
		Analyzer:  analysis.NewAnalyzer(model, a.logger),
		Refresher: a.scheduler,
		Clock:     sysClock,
	}, recommend.Config{
		MaxParallel:       cfg.Crawler.MaxParallel,
		RecentCrawlWindow: cfg.Discovery.RecentCrawlWindow,
		RefreshTimeout:    cfg.Jobs.RefreshTimeout,
		DefaultRadiusKm:   cfg.Discovery.DefaultRadiusKm,
		ReviewLimit:       cfg.Crawler.MaxReviews,
	}, a.logger)

	jobs.NewHandlers(a.cache, engine, repos.restaurants, a.recommender, a.logger).Register(a.scheduler)
	a.runner = jobs.NewRunner(a.scheduler, jobs.RunnerConfig{
		PollInterval:    cfg.Jobs.PollInterval,
		BatchSize:       cfg.Jobs.BatchSize,
		CleanupInterval: cfg.Jobs.CleanupInterval,
	}, a.logger)

	checks := map[string]api.ReadyCheck{}
	if a.pool != nil {
		checks["database"] = a.pool.Ping
	}
	a.apiServer = api.NewServer(api.Deps{
		Recommender: a.recommender,
		Cache:       a.cache,
		Jobs:        a.scheduler,
		Discovery:   a.discovery,
		Quota:       a.governor,
		Checks:      checks,
	}, cfg, a.logger)
	return nil
}

func (a *App) setupRepositories(ctx context.Context) (repositories, error) {
	if a.cfg.Cache.Backend != "postgres" && a.cfg.Quota.Backend != "postgres" {
		a.logger.Info("using in-memory repositories")
		restaurants := memorystorage.NewRestaurantRepository()
		return repositories{
			cache:       memorystorage.NewCacheRepository(),
			jobs:        memorystorage.NewJobRepository(),
			restaurants: restaurants,
			proxyUsage:  memorystorage.NewProxyUsageRepository(),
			quota:       memorystorage.NewQuotaCounter(),
		}, nil
	}

	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return repositories{}, fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.Database.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return repositories{}, fmt.Errorf("schema init failed: %w", err)
		}
	}
	a.logger.Info("postgres repositories initialized")

	repos := repositories{
		cache:       pgstore.NewCacheRepository(pool),
		jobs:        pgstore.NewJobRepository(pool),
		restaurants: pgstore.NewRestaurantRepository(pool),
		proxyUsage:  pgstore.NewProxyUsageRepository(pool),
		quota:       pgstore.NewQuotaCounter(pool),
	}
	if a.cfg.Cache.Backend != "postgres" {
		repos.cache = memorystorage.NewCacheRepository()
		repos.jobs = memorystorage.NewJobRepository()
	}
	return repos, nil
}

func (a *App) setupQuotaCounter(ctx context.Context, fallback quota.Counter) (quota.Counter, error) {
	switch a.cfg.Quota.Backend {
	case "redis":
		counter, err := quota.NewRedisCounter(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis quota counter init failed: %w", err)
		}
		a.redisCounter = counter
		a.logger.Info("using redis quota counter")
		return counter, nil
	case "postgres":
		a.logger.Info("using postgres quota counter")
		return fallback, nil
	default:
		a.logger.Info("using in-memory quota counter")
		return memorystorage.NewQuotaCounter(), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (domain.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory snapshot store")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (domain.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) proxyProvider() proxy.Provider {
	if len(a.cfg.Proxy.Sources) == 0 {
		a.logger.Info("using static proxy list", zap.Int("count", len(a.cfg.Proxy.Static)))
		return proxy.StaticProvider{Proxies: proxy.ParseStatic(a.cfg.Proxy.Static, domain.TierMedium)}
	}
	sources := make([]proxy.Source, 0, len(a.cfg.Proxy.Sources))
	for _, s := range a.cfg.Proxy.Sources {
		sources = append(sources, proxy.Source{URL: s.URL, Tier: domain.ParseTier(s.Tier), Protocol: s.Protocol})
	}
	return proxy.NewCollyProvider(sources, a.cfg.Proxy.FetchTimeout, a.logger)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Scheduler returns the background job scheduler.
func (a *App) Scheduler() *jobs.Scheduler { return a.scheduler }

// Cache returns the result cache.
func (a *App) Cache() *cache.Store { return a.cache }

// Discovery returns the discovery engine.
func (a *App) Discovery() *discovery.Engine { return a.discovery }

// Recommender returns the recommendation service.
func (a *App) Recommender() *recommend.Service { return a.recommender }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// ProcessJobs runs one pass of due background jobs.
func (a *App) ProcessJobs(ctx context.Context, limit int) (jobs.Summary, error) {
	if limit <= 0 {
		limit = a.cfg.Jobs.BatchSize
	}
	return a.scheduler.ProcessPending(ctx, limit)
}

// Cleanup removes expired cache entries and old finished jobs.
func (a *App) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	n, err := a.cache.CleanupExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("cleanup cache: %w", err)
	}
	report.CacheEntries = n
	n, err = a.scheduler.Cleanup(ctx, a.cfg.Jobs.Retention)
	if err != nil {
		return report, fmt.Errorf("cleanup jobs: %w", err)
	}
	report.Jobs = n
	return report, nil
}

// Discover runs discovery without analysis.
func (a *App) Discover(ctx context.Context, req discovery.Request) (discovery.Result, error) {
	if req.TopN <= 0 {
		req.TopN = a.cfg.Discovery.TopN
	}
	if req.RadiusKm <= 0 {
		req.RadiusKm = a.cfg.Discovery.DefaultRadiusKm
	}
	return a.discovery.Discover(ctx, req)
}

// Run serves HTTP and drives the job runner until ctx ends or a signal
// arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close waits for in-flight background work and releases clients. It is safe
// to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.recommender != nil {
		a.recommender.Wait()
	}
	if a.proxies != nil {
		a.proxies.Wait()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisCounter != nil {
		if err := a.redisCounter.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTP != nil {
		if err := a.shutdownTP(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
