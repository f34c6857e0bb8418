package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/seo-crawler/internal/app"
	"github.com/JakeFAU/seo-crawler/internal/config"
	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

type recordingSink struct {
	mu     sync.Mutex
	events []crawler.Event
}

func (s *recordingSink) Consume(_ context.Context, batch []crawler.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) kinds() map[crawler.EventKind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[crawler.EventKind]int)
	for _, evt := range s.events {
		out[evt.Kind]++
	}
	return out
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(title, body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<html><head><title>%s</title></head><body>%s</body></html>", title, body)
		}
	}
	mux.HandleFunc("/", page("Home", `<h1>Home</h1><a href="/about">About</a><a href="/blog">Blog</a>`))
	mux.HandleFunc("/about", page("About", `<p>About us</p><a href="/">Home</a>`))
	mux.HandleFunc("/blog", page("Blog", `<p>Posts</p>`))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Render.Engine = config.EngineHTTP
	cfg.Cache.Enabled = true
	cfg.Cache.Backend = config.BackendMemory
	cfg.Cache.SweepSchedule = ""
	cfg.Incremental.Enabled = true
	cfg.Incremental.Backend = config.BackendLocal
	cfg.Storage.Dir = t.TempDir()
	cfg.Crawl.MaxRequestsPerSecond = 100
	return cfg
}

func TestAppCrawlsAndReusesUnchangedPages(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	events := &recordingSink{}
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t), nil, app.WithSinks(events), app.WithRegistry(reg))
	require.NoError(t, err)
	require.NotNil(t, a.Cache)
	require.Nil(t, a.Runs)

	first, err := a.Engine.Run(ctx, site.URL)
	require.NoError(t, err)
	require.Equal(t, crawler.StateCompleted, first.State)
	require.Len(t, first.Pages, 3)
	require.Equal(t, int64(3), first.Stats.PagesFetched)
	require.Equal(t, "About", first.Pages[site.URL+"/about"].Title)

	second, err := a.Engine.Run(ctx, site.URL)
	require.NoError(t, err)
	require.Len(t, second.Pages, 3)
	require.Equal(t, int64(0), second.Stats.PagesFetched)
	require.Equal(t, int64(3), second.Stats.PagesReused)
	require.Equal(t, int64(3), second.Stats.Incremental.Unchanged)

	require.NoError(t, a.Close(ctx))

	kinds := events.kinds()
	require.Equal(t, 2, kinds[crawler.EventCrawlStart])
	require.Equal(t, 2, kinds[crawler.EventCrawlDone])
	require.Equal(t, 6, kinds[crawler.EventPage])
	require.Equal(t, 2.0, counterValue(t, reg, "seocrawl_runs_started_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestAppTracesCrawlWhenTelemetryEnabled(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig(t)
	cfg.Incremental.Enabled = false
	cfg.Telemetry.Enabled = true
	recorder := tracetest.NewSpanRecorder()

	a, err := app.New(context.Background(), cfg, nil,
		app.WithRegistry(prometheus.NewRegistry()),
		app.WithTraceOptions(sdktrace.WithSpanProcessor(recorder)))
	require.NoError(t, err)

	res, err := a.Engine.Run(context.Background(), site.URL)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	names := make(map[string]int)
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	require.Equal(t, 1, names["crawl.run"])
	require.Equal(t, len(res.Pages), names["crawl.page"])
}

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context) (crawler.Session, error) {
	return stubSession{}, nil
}

type stubSession struct{}

func (stubSession) Render(_ context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	return crawler.RenderResult{
		URL:        req.URL,
		HTML:       "<html><body>stub</body></html>",
		StatusCode: http.StatusOK,
		Fields:     crawler.ExtractedFields{Title: "Stub"},
	}, nil
}

func (stubSession) Close(context.Context) error { return nil }

func TestAppWithInjectedLauncher(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Render.Engine = config.EngineChromedp
	cfg.Cache.Enabled = false
	cfg.Incremental.Enabled = false
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil, app.WithLauncher(stubLauncher{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()
	require.Nil(t, a.Cache)

	res, err := a.Engine.Run(ctx, "https://stub.example/")
	require.NoError(t, err)
	require.Equal(t, "Stub", res.Pages["https://stub.example/"].Title)
}

func TestAppRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = "s3"
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown blob backend")
}

func TestAppRedisBackendRequiresReachableServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendRedis
	cfg.Redis.Address = ""
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "redis address is required")
}

func TestAppSharesRedisBetweenCacheAndSnapshots(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	site := newSite(t)
	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendRedis
	cfg.Incremental.Backend = config.BackendRedis
	cfg.Redis.Address = mr.Addr()
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	res, err := a.Engine.Run(ctx, site.URL)
	require.NoError(t, err)
	require.Len(t, res.Pages, 3)

	var pages, snapshots int
	for _, key := range mr.Keys() {
		switch {
		case strings.HasPrefix(key, "seocrawl:pages/"):
			pages++
		case strings.HasPrefix(key, "seocrawl:snapshots/"):
			snapshots++
		}
	}
	require.Equal(t, 3, pages)
	require.Equal(t, 1, snapshots)
}
