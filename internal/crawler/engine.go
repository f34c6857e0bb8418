package crawler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/clock/system"
	"github.com/JakeFAU/seo-crawler/internal/hash/sha256"
	"github.com/JakeFAU/seo-crawler/internal/id/uuid"
	"github.com/JakeFAU/seo-crawler/internal/policy/ratelimit"
)

// Engine crawls one site at a time. It is safe for concurrent use; a second
// run requested while one is active fails with ErrBusy.
type Engine struct {
	cfg      CrawlConfig
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	launcher Launcher
	cache    PageCache
	tracker  IncrementalTracker
	prober   Prober
	emitter  Emitter
	limiter  RateLimiter
	sampler  MemorySampler
	hasher   Hasher
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
	tracer   trace.Tracer

	mu     sync.Mutex
	state  State
	active *Run
	last   *Result
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCache enables result reuse through cache when the config allows it.
func WithCache(cache PageCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithIncremental wires the incremental state tracker and the prober used to
// collect current fingerprints.
func WithIncremental(tracker IncrementalTracker, prober Prober) Option {
	return func(e *Engine) {
		e.tracker = tracker
		e.prober = prober
	}
}

// WithEmitter sets the event destination.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithRateLimiter overrides the limiter derived from the config.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

// WithMemorySampler overrides the process memory sampler.
func WithMemorySampler(sampler MemorySampler) Option {
	return func(e *Engine) { e.sampler = sampler }
}

// WithHasher overrides the content hasher.
func WithHasher(hasher Hasher) Option {
	return func(e *Engine) { e.hasher = hasher }
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracerProvider sets where run and page spans are recorded. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

const tracerName = "github.com/JakeFAU/seo-crawler/internal/crawler"

// NewEngine validates cfg and builds an Engine. An invalid config returns a
// *ConfigError.
func NewEngine(cfg CrawlConfig, launcher Launcher, opts ...Option) (*Engine, error) {
	include, exclude, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if launcher == nil {
		return nil, errors.New("render launcher is required")
	}
	e := &Engine{
		cfg:      cfg.clone(),
		include:  include,
		exclude:  exclude,
		launcher: launcher,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.emitter == nil {
		e.emitter = nopEmitter{}
	}
	if e.hasher == nil {
		e.hasher = sha256.New()
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.ids == nil {
		e.ids = uuid.New()
	}
	if e.sampler == nil {
		e.sampler = NewProcessMemorySampler()
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   e.cfg.MaxRequestsPerSecond,
			DefaultBurst: 1,
			PerHost:      e.cfg.RateLimitScope == RateLimitHost,
		})
	}
	return e, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() CrawlConfig {
	return e.cfg.clone()
}

// State reports the engine lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins crawling seed in the background. It fails immediately with
// ErrBusy when a run is already active.
func (e *Engine) Start(ctx context.Context, seed string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning && e.active != nil {
		return nil, &BusyError{RunID: e.active.ID}
	}

	normalized, err := NormalizeSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	siteID, err := SiteID(normalized)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	runID, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}

	run := newRun(e, runID, normalized, siteID)
	run.startedAt = e.clock.Now()
	if run.caching() {
		run.cacheStart = e.cache.Stats()
	}
	e.state = StateRunning
	e.active = run
	go run.execute(ctx)
	return run, nil
}

// Run crawls seed and blocks until the run finishes.
func (e *Engine) Run(ctx context.Context, seed string) (Result, error) {
	run, err := e.Start(ctx, seed)
	if err != nil {
		return Result{}, err
	}
	return run.Wait()
}

// Stop asks the active run, if any, to stop taking new work.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.active
	e.mu.Unlock()
	if run != nil {
		run.Stop()
	}
}

// Active returns the running crawl, or nil.
func (e *Engine) Active() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// LastResult returns the result of the most recent finished run.
func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

func (e *Engine) finish(run *Run, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = result.State
	if e.active == run {
		e.active = nil
	}
	e.last = &result
}

// Stats returns live counters of the active run, or the final counters of the
// last finished run.
func (e *Engine) Stats() CrawlStats {
	e.mu.Lock()
	run, last := e.active, e.last
	e.mu.Unlock()
	if run != nil {
		return run.Stats()
	}
	if last != nil {
		return last.Stats
	}
	return CrawlStats{}
}
