// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Places    PlacesConfig    `mapstructure:"places"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProxySource is one upstream proxy list.
type ProxySource struct {
	URL      string `mapstructure:"url"`
	Tier     string `mapstructure:"tier"`
	Protocol string `mapstructure:"protocol"`
}

// ProxyConfig controls the proxy pool.
type ProxyConfig struct {
	Sources         []ProxySource `mapstructure:"sources"`
	Static          []string      `mapstructure:"static"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	StatsWindow     time.Duration `mapstructure:"stats_window"`
}

// CrawlerConfig governs the browser-driven crawl.
type CrawlerConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Headless          bool          `mapstructure:"headless"`
	MaxReviews        int           `mapstructure:"max_reviews"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	StaleScrollLimit  int           `mapstructure:"stale_scroll_limit"`
	PanelWaitRetries  int           `mapstructure:"panel_wait_retries"`
	PanelWaitDelay    time.Duration `mapstructure:"panel_wait_delay"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	Language          string        `mapstructure:"language"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	SnapshotFailures  bool          `mapstructure:"snapshot_failures"`
	MapsBaseURL       string        `mapstructure:"maps_base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxListings       int           `mapstructure:"max_listings"`
	AllowDirect       bool          `mapstructure:"allow_direct"`
}

// CacheConfig controls result caching.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	StaleGrace time.Duration `mapstructure:"stale_grace"`
	Backend    string        `mapstructure:"backend"`
}

// JobsConfig controls the background scheduler.
type JobsConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Retention       time.Duration `mapstructure:"retention"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"`
}

// DiscoveryConfig controls candidate discovery and ranking.
type DiscoveryConfig struct {
	TopN              int           `mapstructure:"top_n"`
	MergeDistanceKm   float64       `mapstructure:"merge_distance_km"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
	CrawlTimeout      time.Duration `mapstructure:"crawl_timeout"`
	RecentCrawlWindow time.Duration `mapstructure:"recent_crawl_window"`
	DefaultRadiusKm   float64       `mapstructure:"default_radius_km"`
}

// QuotaConfig caps monthly official API usage.
type QuotaConfig struct {
	MonthlyLimit int    `mapstructure:"monthly_limit"`
	Backend      string `mapstructure:"backend"`
}

// PlacesConfig configures the official places client.
type PlacesConfig struct {
	APIKey   string  `mapstructure:"api_key"`
	BaseURL  string  `mapstructure:"base_url"`
	RPS      float64 `mapstructure:"rps"`
	Language string  `mapstructure:"language"`
}

// AnalysisConfig configures the review analysis service.
type AnalysisConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig points at the redis instance used by the quota counter.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// StorageConfig selects the snapshot blob store.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from an optional .env file, disk, and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("NEREDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "180s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("proxy.refresh_interval", "30m")
	v.SetDefault("proxy.fetch_timeout", "15s")
	v.SetDefault("proxy.stats_window", "168h")

	v.SetDefault("crawler.max_attempts", 10)
	v.SetDefault("crawler.navigation_timeout", "30s")
	v.SetDefault("crawler.headless", true)
	v.SetDefault("crawler.max_reviews", 50)
	v.SetDefault("crawler.max_scrolls", 15)
	v.SetDefault("crawler.stale_scroll_limit", 3)
	v.SetDefault("crawler.panel_wait_retries", 10)
	v.SetDefault("crawler.panel_wait_delay", "500ms")
	v.SetDefault("crawler.settle_delay", "1s")
	v.SetDefault("crawler.language", "tr")
	v.SetDefault("crawler.max_parallel", 4)
	v.SetDefault("crawler.snapshot_failures", false)
	v.SetDefault("crawler.maps_base_url", "https://www.google.com/maps")
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.max_listings", 20)
	v.SetDefault("crawler.allow_direct", false)

	v.SetDefault("cache.ttl", "720h")
	v.SetDefault("cache.stale_grace", "24h")
	v.SetDefault("cache.backend", "memory")

	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.poll_interval", "30s")
	v.SetDefault("jobs.batch_size", 5)
	v.SetDefault("jobs.retention", "168h")
	v.SetDefault("jobs.backoff_base", "0s")
	v.SetDefault("jobs.cleanup_interval", "6h")
	v.SetDefault("jobs.refresh_timeout", "10s")
	v.SetDefault("jobs.stuck_after", "30m")

	v.SetDefault("discovery.top_n", 10)
	v.SetDefault("discovery.merge_distance_km", 0.1)
	v.SetDefault("discovery.api_timeout", "20s")
	v.SetDefault("discovery.crawl_timeout", "120s")
	v.SetDefault("discovery.recent_crawl_window", "24h")
	v.SetDefault("discovery.default_radius_km", 3.0)

	v.SetDefault("quota.monthly_limit", 5000)
	v.SetDefault("quota.backend", "memory")

	v.SetDefault("places.api_key", "")
	v.SetDefault("places.base_url", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("places.rps", 5.0)
	v.SetDefault("places.language", "tr")

	v.SetDefault("analysis.endpoint", "")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.model", "gpt-4o-mini")
	v.SetDefault("analysis.timeout", "60s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("redis.url", "")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("storage.prefix", "snapshots")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "nerede-job-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.MaxParallel <= 0 {
		return fmt.Errorf("crawler.max_parallel must be > 0")
	}
	if c.Crawler.NavigationTimeout <= 0 {
		return fmt.Errorf("crawler.navigation_timeout must be > 0")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Cache.StaleGrace < 0 || c.Cache.StaleGrace >= c.Cache.TTL {
		return fmt.Errorf("cache.stale_grace must be >= 0 and < cache.ttl")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be > 0")
	}
	if c.Jobs.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size must be > 0")
	}
	if c.Discovery.TopN <= 0 {
		return fmt.Errorf("discovery.top_n must be > 0")
	}
	if c.Discovery.MergeDistanceKm < 0 {
		return fmt.Errorf("discovery.merge_distance_km must be >= 0")
	}
	if c.Quota.MonthlyLimit < 0 {
		return fmt.Errorf("quota.monthly_limit must be >= 0")
	}
	if err := oneOf("cache.backend", c.Cache.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if err := oneOf("quota.backend", c.Quota.Backend, "memory", "postgres", "redis"); err != nil {
		return err
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "local", "gcs"); err != nil {
		return err
	}
	if (c.Cache.Backend == "postgres" || c.Quota.Backend == "postgres") && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set for postgres backends")
	}
	if c.Quota.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("redis.url must be set for the redis quota backend")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
