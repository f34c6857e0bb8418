// Package app builds the long-lived services behind the CLI and the control
// API: the crawl engine, its render launcher, storage backends and event sinks.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/cache"
	"github.com/JakeFAU/seo-crawler/internal/config"
	"github.com/JakeFAU/seo-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/seo-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/seo-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/seo-crawler/internal/fetcher/hybrid"
	"github.com/JakeFAU/seo-crawler/internal/headless/detector"
	"github.com/JakeFAU/seo-crawler/internal/incremental"
	"github.com/JakeFAU/seo-crawler/internal/metrics"
	"github.com/JakeFAU/seo-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/seo-crawler/internal/progress"
	"github.com/JakeFAU/seo-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/seo-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/seo-crawler/internal/storage"
	"github.com/JakeFAU/seo-crawler/internal/storage/gcs"
	"github.com/JakeFAU/seo-crawler/internal/storage/local"
	memstorage "github.com/JakeFAU/seo-crawler/internal/storage/memory"
	"github.com/JakeFAU/seo-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/seo-crawler/internal/storage/redis"
	"github.com/JakeFAU/seo-crawler/internal/telemetry"
)

// App holds the shared services for one process.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Engine   *crawler.Engine
	Registry *prometheus.Registry
	// Runs is nil unless Postgres is configured.
	Runs *postgres.RunStore
	// Cache is nil when caching is disabled.
	Cache *cache.Store

	hub     *progress.Hub
	closers []func(context.Context) error

	launcher  crawler.Launcher
	sinks     []progress.Sink
	traceOpts []sdktrace.TracerProviderOption

	redis  *goredis.Client
	gcs    *gcsclient.Client
	pgPool postgres.Pool
}

// Option customizes App construction.
type Option func(*App)

// WithLauncher replaces the render launcher chosen by render.engine.
func WithLauncher(l crawler.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.Registry = reg }
}

// WithSinks adds extra event sinks next to the configured ones.
func WithSinks(extra ...progress.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, extra...) }
}

// WithTraceOptions adds tracer provider options, such as span processors,
// used when telemetry is enabled.
func WithTraceOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(a *App) { a.traceOpts = append(a.traceOpts, opts...) }
}

// New builds every service cfg asks for. On failure the services built so far
// are closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.Registry == nil {
		a.Registry = metrics.NewRegistry()
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()

	promSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return nil, err
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Render.UserAgent,
		Timeout:     cfg.Crawl.RequestTimeout,
		MaxBodySize: cfg.Render.MaxBodySize,
		OnRetry:     promSink.ObserveRetry,
	}, logger.Named("http"))

	if a.launcher == nil {
		if a.launcher, err = a.buildLauncher(fetcher); err != nil {
			return nil, err
		}
	}

	eventSinks := []progress.Sink{promSink, sinks.NewLogSink(logger.Named("events"))}
	if cfg.Postgres.DSN != "" {
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		if a.Runs, err = postgres.NewRunStore(pool, cfg.Postgres.RunsTable); err != nil {
			return nil, fmt.Errorf("init run store: %w", err)
		}
		eventSinks = append(eventSinks, sinks.NewRunSink(a.Runs, logger.Named("runs")))
	}
	if cfg.PubSub.ProjectID != "" {
		pubSink, err := a.pubSubSink(ctx)
		if err != nil {
			return nil, err
		}
		eventSinks = append(eventSinks, pubSink)
	}
	eventSinks = append(eventSinks, a.sinks...)
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("hub")}, eventSinks...)
	a.closers = append(a.closers, func(ctx context.Context) error {
		err := a.hub.Close(ctx)
		stats := a.hub.Stats()
		logger.Info("event hub closed",
			zap.Int64("emitted", stats.Emitted),
			zap.Int64("delivered", stats.Delivered),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("sink_errors", stats.SinkErrors))
		return err
	})

	crawlCfg := cfg.CrawlConfig()
	engineOpts := []crawler.Option{
		crawler.WithEmitter(a.hub),
		crawler.WithLogger(logger.Named("engine")),
		crawler.WithRateLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   crawlCfg.MaxRequestsPerSecond,
			DefaultBurst: 1,
			PerHost:      crawlCfg.RateLimitScope == crawler.RateLimitHost,
			OnDelay:      promSink.ObserveRateLimitDelay,
		})),
	}
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, a.traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
		engineOpts = append(engineOpts, crawler.WithTracerProvider(tp))
	}
	if cfg.Cache.Enabled {
		if a.Cache, err = a.buildCache(ctx); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, crawler.WithCache(a.Cache))
	}
	if cfg.Incremental.Enabled {
		tracker, err := a.buildTracker(ctx)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, crawler.WithIncremental(tracker, fetcher))
	}

	if a.Engine, err = crawler.NewEngine(crawlCfg, a.launcher, engineOpts...); err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	logger.Info("services initialized",
		zap.String("engine", cfg.Render.Engine),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("incremental", cfg.Incremental.Enabled),
		zap.Bool("run_history", a.Runs != nil),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
		zap.Bool("tracing", cfg.Telemetry.Enabled))
	return a, nil
}

func (a *App) buildLauncher(fetcher *collyfetcher.Fetcher) (crawler.Launcher, error) {
	cfg := a.Config.Render
	browser := func() (*headless.Launcher, error) {
		l, err := headless.NewLauncher(headless.Config{
			MaxTabs:     cfg.MaxTabs,
			UserAgent:   cfg.UserAgent,
			Headful:     cfg.Headful,
			ExecPath:    cfg.ExecPath,
			NoSandbox:   cfg.NoSandbox,
			SettleDelay: cfg.SettleDelay,
		}, a.Logger.Named("chromedp"))
		if err != nil {
			return nil, fmt.Errorf("init chromedp launcher: %w", err)
		}
		return l, nil
	}
	switch cfg.Engine {
	case config.EngineHTTP:
		return collyfetcher.NewLauncher(fetcher), nil
	case config.EngineAuto:
		b, err := browser()
		if err != nil {
			return nil, err
		}
		return hybrid.NewLauncher(collyfetcher.NewLauncher(fetcher), b, detector.NewHeuristic(0), a.Logger.Named("hybrid"))
	default:
		return browser()
	}
}

func (a *App) buildCache(ctx context.Context) (*cache.Store, error) {
	blobs, err := a.blobStore(ctx, a.Config.Cache.Backend)
	if err != nil {
		return nil, fmt.Errorf("cache backend: %w", err)
	}
	store, err := cache.New(blobs, cache.Config{
		TTL:    a.Config.Cache.TTL,
		Prefix: a.Config.Cache.Prefix,
	}, cache.WithLogger(a.Logger.Named("cache")))
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	if schedule := a.Config.Cache.SweepSchedule; schedule != "" {
		if err := store.StartSweeper(schedule); err != nil {
			return nil, fmt.Errorf("start cache sweeper: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.StopSweeper()
			return nil
		})
	}
	return store, nil
}

func (a *App) buildTracker(ctx context.Context) (*incremental.Tracker, error) {
	var (
		snapshots incremental.SnapshotStore
		err       error
	)
	cfg := a.Config.Incremental
	if cfg.Backend == config.BackendPostgres {
		pool, perr := a.postgresPool(ctx)
		if perr != nil {
			return nil, perr
		}
		snapshots, err = postgres.NewSnapshotStore(pool, cfg.Table)
	} else {
		blobs, berr := a.blobStore(ctx, cfg.Backend)
		if berr != nil {
			return nil, fmt.Errorf("incremental backend: %w", berr)
		}
		snapshots, err = incremental.NewBlobSnapshotStore(blobs, cfg.Prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	tracker, err := incremental.NewTracker(snapshots, incremental.Config{
		Enabled:  true,
		Strategy: crawler.IncrementalStrategy(cfg.Strategy),
	}, incremental.WithLogger(a.Logger.Named("incremental")))
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	return tracker, nil
}

// blobStore returns the backend named by kind. Network clients are shared
// between the cache and the snapshot store.
func (a *App) blobStore(ctx context.Context, kind string) (storage.BlobStore, error) {
	switch kind {
	case config.BackendMemory:
		return memstorage.NewBlobStore(), nil
	case config.BackendLocal:
		return local.New(local.Config{BaseDir: a.Config.Storage.Dir})
	case config.BackendGCS:
		if a.gcs == nil {
			client, err := gcsclient.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("create gcs client: %w", err)
			}
			a.gcs = client
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
		return gcs.New(a.gcs, gcs.Config{Bucket: a.Config.Storage.GCSBucket, Prefix: a.Config.Storage.GCSPrefix})
	case config.BackendRedis:
		rc := redisstore.Config{
			Address:   a.Config.Redis.Address,
			Password:  a.Config.Redis.Password,
			DB:        a.Config.Redis.DB,
			KeyPrefix: a.Config.Redis.KeyPrefix,
		}
		if a.redis == nil {
			client, err := redisstore.NewClient(ctx, rc)
			if err != nil {
				return nil, err
			}
			a.redis = client
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
		return redisstore.New(a.redis, rc)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", kind)
	}
}

func (a *App) postgresPool(ctx context.Context) (postgres.Pool, error) {
	if a.pgPool != nil {
		return a.pgPool, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      a.Config.Postgres.DSN,
		MaxConns: a.Config.Postgres.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	a.pgPool = pool
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func (a *App) pubSubSink(ctx context.Context) (*sinks.PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, a.Config.PubSub.PagesTopic)
	a.closers = append(a.closers, func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	return sinks.NewPubSubSink(pub, a.Config.PubSub.PagesTopic, a.Config.PubSub.RunsTopic, a.Logger.Named("pubsub")), nil
}

// Close stops any active crawl and releases services in reverse order of
// creation. The event hub is drained before network clients close.
func (a *App) Close(ctx context.Context) error {
	if a.Engine != nil {
		if run := a.Engine.Active(); run != nil {
			run.Stop()
			select {
			case <-run.Done():
			case <-ctx.Done():
			}
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
