package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errSkipped = errors.New("url skipped")

// Run is a single crawl of one site.
type Run struct {
	ID     string
	Seed   string
	SiteID string

	engine   *Engine
	logger   *zap.Logger
	frontier *frontier
	sessions *sessionPool
	links    linkFilter

	mu       sync.Mutex
	pages    map[string]PageRecord
	failures map[string]string
	next     map[string]SnapshotPage

	fetched   atomic.Int64
	fromCache atomic.Int64
	reused    atomic.Int64
	errs      atomic.Int64
	restarts  atomic.Int64
	stopped   atomic.Bool

	restartMu    sync.Mutex
	sinceRestart int

	fatalOnce sync.Once
	fatal     error

	// Set by Engine.Start before execute runs; read-only afterwards.
	startedAt  time.Time
	cacheStart CacheStats
	span       trace.Span

	done   chan struct{}
	result Result
	err    error
}

func newRun(e *Engine, id, seed, siteID string) *Run {
	return &Run{
		ID:       id,
		Seed:     seed,
		SiteID:   siteID,
		engine:   e,
		logger:   e.logger.With(zap.String("run_id", id), zap.String("site", siteID)),
		frontier: newFrontier(),
		sessions: newSessionPool(e.launcher, e.logger),
		links:    newLinkFilter(seed, e.include, e.exclude),
		pages:    make(map[string]PageRecord),
		failures: make(map[string]string),
		next:     make(map[string]SnapshotPage),
		done:     make(chan struct{}),
	}
}

// Stop prevents new URLs from being claimed. In-flight pages finish or time out.
func (r *Run) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.logger.Info("stop requested")
	}
	r.frontier.stop()
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its result. The error is
// non-nil only for orchestration failures; page failures are counted in the
// result.
func (r *Run) Wait() (Result, error) {
	<-r.done
	return r.result, r.err
}

// Stats returns live counters for the run.
func (r *Run) Stats() CrawlStats {
	stats := CrawlStats{
		PagesFetched:    r.fetched.Load(),
		PagesFromCache:  r.fromCache.Load(),
		PagesReused:     r.reused.Load(),
		URLsDiscovered:  int64(r.frontier.discovered()),
		Errors:          r.errs.Load(),
		SessionRestarts: r.restarts.Load(),
		StartedAt:       r.startedAt,
		Stopped:         r.stopped.Load(),
	}
	if r.engine.cache != nil && r.engine.cfg.CacheEnabled {
		stats.Cache = diffCacheStats(r.engine.cache.Stats(), r.cacheStart)
	}
	if r.incremental() {
		stats.Incremental = r.engine.tracker.Stats()
	}
	return stats
}

func (r *Run) incremental() bool {
	return r.engine.cfg.IncrementalEnabled && r.engine.tracker != nil
}

func (r *Run) caching() bool {
	return r.engine.cfg.CacheEnabled && r.engine.cache != nil
}

func (r *Run) execute(ctx context.Context) {
	e := r.engine
	ctx, r.span = e.tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("crawl.run_id", r.ID),
		attribute.String("crawl.site", r.SiteID),
		attribute.String("crawl.seed", r.Seed),
	))
	r.emit(Event{Kind: EventCrawlStart, URL: r.Seed})
	r.logger.Info("crawl started", zap.String("seed", r.Seed))

	if err := r.sessions.start(ctx); err != nil {
		r.complete(StateFailed, err)
		return
	}

	if r.incremental() {
		if _, err := e.tracker.Load(ctx, r.SiteID); err != nil {
			r.logger.Warn("loading incremental snapshot failed; treating every url as new", zap.Error(err))
		}
	}

	r.frontier.push(FrontierEntry{URL: r.Seed, Depth: 0})

	workersDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-workersDone:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	close(workersDone)
	r.sessions.close(context.WithoutCancel(ctx))

	if r.fatal != nil {
		r.complete(StateFailed, r.fatal)
		return
	}
	r.complete(StateCompleted, nil)
}

func (r *Run) work(ctx context.Context, worker int) {
	for {
		entry, ok := r.frontier.next()
		if !ok {
			return
		}
		r.logger.Debug("processing url",
			zap.Int("worker", worker), zap.String("url", entry.URL), zap.Int("depth", entry.Depth))
		r.process(ctx, entry)
	}
}

func (r *Run) process(ctx context.Context, entry FrontierEntry) {
	defer r.frontier.done(entry.URL)
	ctx, span := r.engine.tracer.Start(ctx, "crawl.page", trace.WithAttributes(
		attribute.String("crawl.url", entry.URL),
		attribute.Int("crawl.depth", entry.Depth),
	))
	defer span.End()

	record, source, hints, err := r.obtain(ctx, entry)
	switch {
	case errors.Is(err, errSkipped):
		span.SetAttributes(attribute.Bool("crawl.skipped", true))
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.recordFailure(entry.URL, err)
		return
	}
	span.SetAttributes(
		attribute.String("crawl.source", string(source)),
		attribute.Int("http.status_code", record.StatusCode),
	)
	r.recordPage(entry, record, source, hints)
	r.discover(entry, record)
}

// obtain consults incremental state, then the cache, then renders the page.
func (r *Run) obtain(ctx context.Context, entry FrontierEntry) (PageRecord, Source, Fingerprint, error) {
	e := r.engine
	var hints Fingerprint
	if r.incremental() {
		if _, known := e.tracker.Previous(entry.URL); known {
			hints = r.probe(ctx, entry.URL)
		}
		if !e.tracker.ShouldFetch(entry.URL, hints) {
			if prior, ok := e.tracker.Previous(entry.URL); ok {
				prior.Depth = entry.Depth
				prior.Referrer = entry.Referrer
				r.reused.Add(1)
				return prior, SourceIncremental, hints, nil
			}
		}
	}

	if r.caching() {
		if cached, ok := e.cache.Get(ctx, entry.URL); ok {
			cached.Depth = entry.Depth
			cached.Referrer = entry.Referrer
			r.fromCache.Add(1)
			return cached, SourceCache, hints, nil
		}
	}

	if err := e.limiter.Wait(ctx, entry.URL); err != nil {
		if ctx.Err() != nil {
			return PageRecord{}, "", hints, errSkipped
		}
		return PageRecord{}, "", hints, &FetchError{URL: entry.URL, Err: err}
	}

	res, err := r.render(ctx, entry.URL)
	if err != nil {
		return PageRecord{}, "", hints, &FetchError{URL: entry.URL, Err: err}
	}
	record, err := buildPageRecord(entry, res, e.hasher, e.clock.Now())
	if err != nil {
		return PageRecord{}, "", hints, err
	}
	r.fetched.Add(1)
	if r.caching() {
		e.cache.Set(ctx, entry.URL, record)
	}
	r.afterFetch(ctx)
	return record, SourceFetched, hints, nil
}

func (r *Run) render(ctx context.Context, url string) (RenderResult, error) {
	cfg := r.engine.cfg
	// In-flight renders are not preempted by stop or cancellation; they are
	// bounded by their own timeouts instead.
	renderCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), cfg.NavigationTimeout+cfg.RequestTimeout)
	defer cancel()
	res, err := r.sessions.render(renderCtx, RenderRequest{
		URL:               url,
		NavigationTimeout: cfg.NavigationTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		Filter:            cfg.ResourceFilter(),
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrRenderTimeout) {
		err = fmt.Errorf("%w: %w", ErrRenderTimeout, err)
	}
	return res, err
}

func (r *Run) probe(ctx context.Context, url string) Fingerprint {
	e := r.engine
	if e.prober == nil {
		return Fingerprint{}
	}
	if err := e.limiter.Wait(ctx, url); err != nil {
		return Fingerprint{}
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	fp, err := e.prober.Probe(probeCtx, url, e.cfg.IncrementalStrategy)
	if err != nil {
		r.logger.Debug("incremental probe failed; refetching", zap.String("url", url), zap.Error(err))
		return Fingerprint{}
	}
	return fp
}

// afterFetch samples memory once every PageRestartThreshold fetched pages and
// restarts the render session when the sample exceeds MaxMemoryMB.
func (r *Run) afterFetch(ctx context.Context) {
	cfg := r.engine.cfg
	r.restartMu.Lock()
	r.sinceRestart++
	if r.sinceRestart < cfg.PageRestartThreshold {
		r.restartMu.Unlock()
		return
	}
	r.sinceRestart = 0
	r.restartMu.Unlock()

	mb, err := r.engine.sampler.SampleMB()
	if err != nil {
		r.logger.Warn("memory sample failed", zap.Error(err))
		return
	}
	restarted := false
	if mb > float64(cfg.MaxMemoryMB) {
		r.logger.Info("memory above ceiling; restarting render session",
			zap.Float64("memory_mb", mb), zap.Int("max_memory_mb", cfg.MaxMemoryMB))
		if err := r.sessions.restart(context.WithoutCancel(ctx)); err != nil {
			r.abort(err)
		} else {
			restarted = true
			r.restarts.Add(1)
		}
	}
	r.emit(Event{Kind: EventMemory, MemoryMB: mb, Restarted: restarted})
}

func (r *Run) abort(err error) {
	r.fatalOnce.Do(func() {
		r.logger.Error("aborting crawl", zap.Error(err))
		r.fatal = err
		r.frontier.stop()
	})
}

func (r *Run) recordPage(entry FrontierEntry, record PageRecord, source Source, hints Fingerprint) {
	fp := fingerprintOf(record)
	if hints.LastModified != "" {
		fp.LastModified = hints.LastModified
	}
	if hints.ETag != "" {
		fp.ETag = hints.ETag
	}
	if hints.ContentHash != "" {
		fp.ContentHash = hints.ContentHash
	}
	r.mu.Lock()
	r.pages[entry.URL] = record
	r.next[entry.URL] = SnapshotPage{Fingerprint: fp, Record: record}
	r.mu.Unlock()

	rec := record
	r.emit(Event{Kind: EventPage, URL: entry.URL, Record: &rec, Source: source})
}

func (r *Run) recordFailure(url string, err error) {
	r.errs.Add(1)
	r.mu.Lock()
	r.failures[url] = err.Error()
	r.mu.Unlock()
	r.logger.Warn("page failed", zap.String("url", url), zap.Error(err))
	r.emit(Event{Kind: EventError, URL: url, Err: err})
}

// discover enqueues same-site links of record at depth+1 while depth < MaxDepth.
func (r *Run) discover(entry FrontierEntry, record PageRecord) {
	if entry.Depth >= r.engine.cfg.MaxDepth {
		return
	}
	base := entry.URL
	if record.FinalURL != "" {
		base = record.FinalURL
	}
	var added []string
	for _, link := range r.links.candidates(base, record.SEO.Links) {
		if r.frontier.push(FrontierEntry{URL: link, Depth: entry.Depth + 1, Referrer: entry.URL}) {
			added = append(added, link)
		}
	}
	if len(added) > 0 {
		r.emit(Event{Kind: EventDiscovered, URL: entry.URL, NewURLs: added})
	}
}

func (r *Run) complete(state State, err error) {
	e := r.engine
	finished := e.clock.Now()
	stats := r.Stats()
	stats.FinishedAt = finished
	stats.Duration = finished.Sub(r.startedAt)

	r.mu.Lock()
	result := Result{
		RunID:    r.ID,
		SiteID:   r.SiteID,
		Seed:     r.Seed,
		State:    state,
		Pages:    r.pages,
		Failures: r.failures,
		Stats:    stats,
		Snapshot: Snapshot{SiteID: r.SiteID, CrawlDate: finished, Pages: r.next},
	}
	r.mu.Unlock()

	if state == StateCompleted && r.incremental() && !stats.Stopped {
		if saveErr := e.tracker.Save(context.Background(), r.SiteID, result.Snapshot); saveErr != nil {
			var perr *PersistenceError
			if !errors.As(saveErr, &perr) {
				perr = &PersistenceError{SiteID: r.SiteID, Err: saveErr}
			}
			result.PersistErr = perr
			r.logger.Error("saving incremental snapshot failed", zap.Error(saveErr))
		}
	}

	statsCopy := stats
	if state == StateFailed {
		r.logger.Error("crawl failed", zap.Error(err))
		r.emit(Event{Kind: EventCrawlFailed, URL: r.Seed, Err: err, Stats: &statsCopy})
	} else {
		r.logger.Info("crawl finished",
			zap.Int("pages", len(result.Pages)),
			zap.Int64("fetched", stats.PagesFetched),
			zap.Int64("errors", stats.Errors),
			zap.Duration("duration", stats.Duration),
			zap.Bool("stopped", stats.Stopped),
		)
		r.emit(Event{Kind: EventCrawlDone, URL: r.Seed, Stats: &statsCopy})
	}

	r.result = result
	if err != nil {
		r.err = fmt.Errorf("crawl %s: %w", r.ID, err)
	}
	r.endSpan(state, len(result.Pages), stats.Stopped, err)
	e.finish(r, result)
	close(r.done)
}

func (r *Run) endSpan(state State, pages int, stopped bool, err error) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.String("crawl.state", string(state)),
		attribute.Int("crawl.pages", pages),
		attribute.Bool("crawl.stopped", stopped),
	)
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
}

func (r *Run) emit(evt Event) {
	evt.RunID = r.ID
	evt.Site = r.SiteID
	if evt.TS.IsZero() {
		evt.TS = r.engine.clock.Now()
	}
	r.engine.emitter.Emit(evt)
}

func diffCacheStats(now, start CacheStats) CacheStats {
	return CacheStats{
		Hits:      now.Hits - start.Hits,
		Misses:    now.Misses - start.Misses,
		Stores:    now.Stores - start.Stores,
		Evictions: now.Evictions - start.Evictions,
	}
}
