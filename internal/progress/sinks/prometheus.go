package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// PrometheusSink exports crawl metrics via Prometheus. It owns all collectors
// for runs started/completed/running and per-site page counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	pages          *prometheus.CounterVec
	pageBytes      *prometheus.CounterVec
	pageDuration   *prometheus.HistogramVec
	pageErrors     *prometheus.CounterVec
	discovered     *prometheus.CounterVec
	memoryMB       prometheus.Gauge
	restarts       prometheus.Counter
	rateLimitDelay prometheus.Histogram
	retries        prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seocrawl_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seocrawl_runs_completed_total",
			Help: "Total crawl runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seocrawl_runs_running",
			Help: "Current number of running crawls.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seocrawl_run_runtime_seconds",
			Help:    "Wall time per finished crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seocrawl_pages_total",
			Help: "Pages recorded partitioned by site, source and status class.",
		}, []string{"site", "source", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seocrawl_page_bytes_total",
			Help: "Bytes of rendered HTML fetched per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seocrawl_page_render_seconds",
			Help:    "Render duration of fetched pages partitioned by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		pageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seocrawl_page_errors_total",
			Help: "Pages that failed to fetch or extract per site.",
		}, []string{"site"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seocrawl_urls_discovered_total",
			Help: "New URLs added to the frontier per site.",
		}, []string{"site"}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seocrawl_memory_megabytes",
			Help: "Last sampled process memory.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seocrawl_session_restarts_total",
			Help: "Render session restarts caused by the memory ceiling.",
		}),
		rateLimitDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seocrawl_rate_limit_wait_seconds",
			Help:    "Time requests spent waiting on the rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seocrawl_http_retries_total",
			Help: "Transient HTTP failures that were retried.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.pages,
		s.pageBytes,
		s.pageDuration,
		s.pageErrors,
		s.discovered,
		s.memoryMB,
		s.restarts,
		s.rateLimitDelay,
		s.retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

// ObserveRateLimitDelay records time spent waiting on the rate limiter. It
// matches ratelimit.Config.OnDelay.
func (s *PrometheusSink) ObserveRateLimitDelay(_ string, waited time.Duration) {
	s.rateLimitDelay.Observe(waited.Seconds())
}

// ObserveRetry counts a retried HTTP request. It matches the colly fetcher's
// OnRetry hook.
func (s *PrometheusSink) ObserveRetry(string, int, error) {
	s.retries.Inc()
}

func (s *PrometheusSink) consumeEvent(evt crawler.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Kind {
	case crawler.EventCrawlStart, crawler.EventCrawlDone, crawler.EventCrawlFailed:
		s.handleRunEvent(evt)
	case crawler.EventPage:
		if evt.Record != nil {
			s.handlePageEvent(site, evt)
		}
	case crawler.EventError:
		s.pageErrors.WithLabelValues(site).Inc()
	case crawler.EventDiscovered:
		if n := len(evt.NewURLs); n > 0 {
			s.discovered.WithLabelValues(site).Add(float64(n))
		}
	case crawler.EventMemory:
		s.memoryMB.Set(evt.MemoryMB)
		if evt.Restarted {
			s.restarts.Inc()
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt crawler.Event) {
	switch evt.Kind {
	case crawler.EventCrawlStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case crawler.EventCrawlDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case crawler.EventCrawlFailed:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Kind != crawler.EventCrawlStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt crawler.Event, label string) {
	if evt.Stats != nil && evt.Stats.Duration > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Stats.Duration.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(site string, evt crawler.Event) {
	record := evt.Record
	class := statusClass(record.StatusCode)
	s.pages.WithLabelValues(site, string(evt.Source), class).Inc()
	if evt.Source != crawler.SourceFetched {
		return
	}
	if record.ByteSize > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(record.ByteSize))
	}
	if record.Performance.DurationMs > 0 {
		dur := time.Duration(record.Performance.DurationMs) * time.Millisecond
		s.pageDuration.WithLabelValues(site, class).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// statusClass buckets a response code for the status_class label.
func statusClass(code int) string {
	if code >= 200 && code < 600 {
		return fmt.Sprintf("%dxx", code/100)
	}
	return "other"
}
