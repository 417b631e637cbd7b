package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 10, cfg.Crawler.MaxAttempts)
	require.Equal(t, 3, cfg.Crawler.StaleScrollLimit)
	require.Equal(t, 30*24*time.Hour, cfg.Cache.TTL)
	require.Equal(t, 24*time.Hour, cfg.Cache.StaleGrace)
	require.Equal(t, 3, cfg.Jobs.MaxAttempts)
	require.InDelta(t, 0.1, cfg.Discovery.MergeDistanceKm, 1e-9)
	require.Equal(t, 30*time.Minute, cfg.Proxy.RefreshInterval)
	require.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
proxy:
  refresh_interval: 5m
  sources:
    - url: https://proxies.example.com/high.txt
      tier: high
      protocol: http
    - url: https://proxies.example.com/low.json
      tier: low
crawler:
  max_attempts: 4
  max_reviews: 20
  panel_wait_delay: 250ms
cache:
  ttl: 48h
  stale_grace: 2h
discovery:
  top_n: 5
  merge_distance_km: 0.25
quota:
  monthly_limit: 100
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Len(t, cfg.Proxy.Sources, 2)
	require.Equal(t, "high", cfg.Proxy.Sources[0].Tier)
	require.Equal(t, 5*time.Minute, cfg.Proxy.RefreshInterval)
	require.Equal(t, 4, cfg.Crawler.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Crawler.PanelWaitDelay)
	require.Equal(t, 48*time.Hour, cfg.Cache.TTL)
	require.Equal(t, 5, cfg.Discovery.TopN)
	require.InDelta(t, 0.25, cfg.Discovery.MergeDistanceKm, 1e-9)
	require.Equal(t, 100, cfg.Quota.MonthlyLimit)
	require.False(t, cfg.Logging.Development)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no crawl attempts", func(c *Config) { c.Crawler.MaxAttempts = 0 }, "crawler.max_attempts"},
		{"no parallelism", func(c *Config) { c.Crawler.MaxParallel = 0 }, "crawler.max_parallel"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"grace beyond ttl", func(c *Config) { c.Cache.StaleGrace = c.Cache.TTL }, "cache.stale_grace"},
		{"job attempts", func(c *Config) { c.Jobs.MaxAttempts = 0 }, "jobs.max_attempts"},
		{"batch size", func(c *Config) { c.Jobs.BatchSize = 0 }, "jobs.batch_size"},
		{"top n", func(c *Config) { c.Discovery.TopN = 0 }, "discovery.top_n"},
		{"merge distance", func(c *Config) { c.Discovery.MergeDistanceKm = -1 }, "discovery.merge_distance_km"},
		{"cache backend", func(c *Config) { c.Cache.Backend = "sqlite" }, "cache.backend"},
		{"quota backend", func(c *Config) { c.Quota.Backend = "etcd" }, "quota.backend"},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = "postgres" }, "database.dsn"},
		{"redis without url", func(c *Config) { c.Quota.Backend = "redis" }, "redis.url"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
