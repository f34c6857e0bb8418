// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/logging"
	"github.com/JakeFAU/seo-crawler/internal/telemetry"
)

// Blob and engine backends understood by the loader.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	EngineChromedp = "chromedp"
	EngineHTTP     = "http"
	EngineAuto     = "auto"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Incremental IncrementalConfig `mapstructure:"incremental"`
	Render      RenderConfig      `mapstructure:"render"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     logging.Config    `mapstructure:"logging"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry"`
}

// CrawlConfig mirrors crawler.CrawlConfig. Unset keys take the values of the
// selected preset.
type CrawlConfig struct {
	Preset               string             `mapstructure:"preset"`
	MaxConcurrency       int                `mapstructure:"max_concurrency"`
	MaxRequestsPerSecond float64            `mapstructure:"max_requests_per_second"`
	RateLimitScope       string             `mapstructure:"rate_limit_scope"`
	ResourcePriorities   map[string]float64 `mapstructure:"resource_priorities"`
	LowPriorityThreshold float64            `mapstructure:"low_priority_threshold"`
	MaxMemoryMB          int                `mapstructure:"max_memory_mb"`
	PageRestartThreshold int                `mapstructure:"page_restart_threshold"`
	NavigationTimeout    time.Duration      `mapstructure:"navigation_timeout"`
	RequestTimeout       time.Duration      `mapstructure:"request_timeout"`
	MaxDepth             int                `mapstructure:"max_depth"`
	IncludePatterns      []string           `mapstructure:"include_patterns"`
	ExcludePatterns      []string           `mapstructure:"exclude_patterns"`
}

// CacheConfig selects where cached page records live.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	Prefix        string        `mapstructure:"prefix"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// IncrementalConfig selects the snapshot backend and change signal.
type IncrementalConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`
	Strategy string `mapstructure:"strategy"`
	Prefix   string `mapstructure:"prefix"`
	Table    string `mapstructure:"table"`
}

// RenderConfig picks the render engine and its browser settings.
type RenderConfig struct {
	Engine      string        `mapstructure:"engine"`
	UserAgent   string        `mapstructure:"user_agent"`
	Headful     bool          `mapstructure:"headful"`
	ExecPath    string        `mapstructure:"exec_path"`
	NoSandbox   bool          `mapstructure:"no_sandbox"`
	MaxTabs     int           `mapstructure:"max_tabs"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// StorageConfig holds the filesystem and GCS locations shared by blob backends.
type StorageConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	RunsTable string `mapstructure:"runs_table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Publishing
// is disabled when ProjectID is empty.
type PubSubConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	PagesTopic string `mapstructure:"pages_topic"`
	RunsTopic  string `mapstructure:"runs_topic"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey, when non-empty, is required on every /v1 route.
	APIKey string `mapstructure:"api_key"`
}

// Load builds a Config from disk/environment. The crawl preset is resolved
// first so its values become the defaults for every crawl key.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEOCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("crawl.preset", "medium")
	preset, err := crawler.Preset(v.GetString("crawl.preset"))
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, preset)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, p crawler.CrawlConfig) {
	priorities := make(map[string]float64, len(p.ResourcePriorities))
	for class, weight := range p.ResourcePriorities {
		priorities[string(class)] = weight
	}
	v.SetDefault("crawl.max_concurrency", p.MaxConcurrency)
	v.SetDefault("crawl.max_requests_per_second", p.MaxRequestsPerSecond)
	v.SetDefault("crawl.rate_limit_scope", string(p.RateLimitScope))
	v.SetDefault("crawl.resource_priorities", priorities)
	v.SetDefault("crawl.low_priority_threshold", p.LowPriorityThreshold)
	v.SetDefault("crawl.max_memory_mb", p.MaxMemoryMB)
	v.SetDefault("crawl.page_restart_threshold", p.PageRestartThreshold)
	v.SetDefault("crawl.navigation_timeout", p.NavigationTimeout)
	v.SetDefault("crawl.request_timeout", p.RequestTimeout)
	v.SetDefault("crawl.max_depth", p.MaxDepth)
	v.SetDefault("crawl.include_patterns", []string{})
	v.SetDefault("crawl.exclude_patterns", []string{})

	v.SetDefault("cache.enabled", p.CacheEnabled)
	v.SetDefault("cache.backend", BackendLocal)
	v.SetDefault("cache.ttl", p.CacheTTL)
	v.SetDefault("cache.prefix", "pages/")
	v.SetDefault("cache.sweep_schedule", "@hourly")

	v.SetDefault("incremental.enabled", p.IncrementalEnabled)
	v.SetDefault("incremental.backend", BackendLocal)
	v.SetDefault("incremental.strategy", string(p.IncrementalStrategy))
	v.SetDefault("incremental.prefix", "snapshots/")
	v.SetDefault("incremental.table", "crawl_snapshots")

	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.user_agent", "seo-crawler/0.1")
	v.SetDefault("render.headful", false)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("render.max_tabs", p.MaxConcurrency)
	v.SetDefault("render.settle_delay", 500*time.Millisecond)
	v.SetDefault("render.max_body_size", 10<<20)

	v.SetDefault("render.exec_path", "")

	v.SetDefault("storage.dir", ".seocrawl")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "seocrawl:")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.runs_table", "crawl_runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.pages_topic", "seo-pages")
	v.SetDefault("pubsub.runs_topic", "seo-runs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.service_name", "seo-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Crawl knobs are
// checked by crawler.CrawlConfig.Validate.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.CrawlConfig().Validate(); err != nil {
		return err
	}
	if c.Cache.Enabled {
		if err := c.checkBlobBackend("cache.backend", c.Cache.Backend, false); err != nil {
			return err
		}
	}
	if c.Incremental.Enabled {
		if err := c.checkBlobBackend("incremental.backend", c.Incremental.Backend, true); err != nil {
			return err
		}
	}
	switch c.Render.Engine {
	case EngineChromedp, EngineHTTP, EngineAuto:
	default:
		return fmt.Errorf("render.engine %q is not one of chromedp, http, auto", c.Render.Engine)
	}
	if c.Render.MaxTabs < 0 {
		return fmt.Errorf("render.max_tabs must be >= 0")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.PagesTopic == "" && c.PubSub.RunsTopic == "" {
		return fmt.Errorf("pubsub.pages_topic or pubsub.runs_topic must be set when pubsub is enabled")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c Config) checkBlobBackend(field, backend string, allowPostgres bool) error {
	switch backend {
	case BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when %s is gcs", field)
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must be set when %s is redis", field)
		}
	case BackendPostgres:
		if !allowPostgres {
			return fmt.Errorf("%s does not support postgres", field)
		}
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set when %s is postgres", field)
		}
	default:
		return fmt.Errorf("%s %q is not supported", field, backend)
	}
	return nil
}

// CrawlConfig converts the loaded values into the engine configuration.
func (c Config) CrawlConfig() crawler.CrawlConfig {
	priorities := make(map[crawler.ResourceClass]float64, len(c.Crawl.ResourcePriorities))
	for class, weight := range c.Crawl.ResourcePriorities {
		priorities[crawler.ResourceClass(strings.ToLower(class))] = weight
	}
	return crawler.CrawlConfig{
		MaxConcurrency:       c.Crawl.MaxConcurrency,
		MaxRequestsPerSecond: c.Crawl.MaxRequestsPerSecond,
		RateLimitScope:       crawler.RateLimitScope(c.Crawl.RateLimitScope),
		ResourcePriorities:   priorities,
		LowPriorityThreshold: c.Crawl.LowPriorityThreshold,
		CacheEnabled:         c.Cache.Enabled,
		CacheTTL:             c.Cache.TTL,
		MaxMemoryMB:          c.Crawl.MaxMemoryMB,
		PageRestartThreshold: c.Crawl.PageRestartThreshold,
		IncrementalEnabled:   c.Incremental.Enabled,
		IncrementalStrategy:  crawler.IncrementalStrategy(c.Incremental.Strategy),
		NavigationTimeout:    c.Crawl.NavigationTimeout,
		RequestTimeout:       c.Crawl.RequestTimeout,
		URLIncludePatterns:   append([]string(nil), c.Crawl.IncludePatterns...),
		URLExcludePatterns:   append([]string(nil), c.Crawl.ExcludePatterns...),
		MaxDepth:             c.Crawl.MaxDepth,
	}
}
