package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

func TestLoadDefaultsFollowPreset(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	medium := crawler.PresetMediumSite()
	crawl := cfg.CrawlConfig()
	require.Equal(t, medium.MaxConcurrency, crawl.MaxConcurrency)
	require.Equal(t, medium.MaxMemoryMB, crawl.MaxMemoryMB)
	require.Equal(t, medium.IncrementalEnabled, crawl.IncrementalEnabled)
	require.Equal(t, medium.ResourcePriorities, crawl.ResourcePriorities)
	require.Equal(t, medium.NavigationTimeout, crawl.NavigationTimeout)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, EngineChromedp, cfg.Render.Engine)
	require.Equal(t, BackendLocal, cfg.Cache.Backend)
	require.Empty(t, cfg.PubSub.ProjectID)
	require.False(t, cfg.Telemetry.Enabled)
	require.Equal(t, "seo-crawler", cfg.Telemetry.ServiceName)
	require.Empty(t, cfg.Server.APIKey)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawl:
  preset: large
  max_concurrency: 6
  navigation_timeout: 45s
  include_patterns: ["/blog/"]
  resource_priorities:
    document: 1
    image: 0.05
cache:
  backend: redis
  ttl: 2h
incremental:
  strategy: etag
redis:
  address: localhost:6379
render:
  engine: auto
  max_tabs: 3
server:
  port: 9090
logging:
  development: true
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	crawl := cfg.CrawlConfig()
	large := crawler.PresetLargeSite()
	require.Equal(t, 6, crawl.MaxConcurrency)
	require.Equal(t, large.MaxMemoryMB, crawl.MaxMemoryMB)
	require.Equal(t, large.MaxDepth, crawl.MaxDepth)
	require.Equal(t, 45*time.Second, crawl.NavigationTimeout)
	require.Equal(t, []string{"/blog/"}, crawl.URLIncludePatterns)
	require.Equal(t, map[crawler.ResourceClass]float64{
		crawler.ResourceDocument: 1,
		crawler.ResourceImage:    0.05,
	}, crawl.ResourcePriorities)
	require.Equal(t, 2*time.Hour, crawl.CacheTTL)
	require.Equal(t, crawler.StrategyETag, crawl.IncrementalStrategy)
	require.Equal(t, BackendRedis, cfg.Cache.Backend)
	require.Equal(t, EngineAuto, cfg.Render.Engine)
	require.Equal(t, 3, cfg.Render.MaxTabs)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SEOCRAWL_CRAWL_PRESET", "small")
	t.Setenv("SEOCRAWL_SERVER_PORT", "7070")
	t.Setenv("SEOCRAWL_RENDER_ENGINE", "http")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "small", cfg.Crawl.Preset)
	require.Equal(t, crawler.PresetSmallSite().MaxConcurrency, cfg.Crawl.MaxConcurrency)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, EngineHTTP, cfg.Render.Engine)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  preset: huge\n"), 0o600))
	_, err = Load(path)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
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
		{"invalid concurrency", func(c *Config) { c.Crawl.MaxConcurrency = 0 }, "max_concurrency"},
		{"bad pattern", func(c *Config) { c.Crawl.ExcludePatterns = []string{"("} }, "url_exclude_patterns"},
		{"unknown engine", func(c *Config) { c.Render.Engine = "webkit" }, "render.engine"},
		{"gcs without bucket", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Backend = BackendGCS
		}, "storage.gcs_bucket"},
		{"redis without address", func(c *Config) {
			c.Incremental.Enabled = true
			c.Incremental.Backend = BackendRedis
		}, "redis.address"},
		{"postgres cache", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Backend = BackendPostgres
		}, "does not support postgres"},
		{"postgres without dsn", func(c *Config) {
			c.Incremental.Enabled = true
			c.Incremental.Backend = BackendPostgres
		}, "postgres.dsn"},
		{"unknown backend", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Backend = "s3"
		}, "not supported"},
		{"pubsub without topics", func(c *Config) {
			c.PubSub.ProjectID = "proj"
			c.PubSub.PagesTopic = ""
			c.PubSub.RunsTopic = ""
		}, "pubsub"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Crawl.ResourcePriorities = nil
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
