package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/metrics"
	"github.com/JakeFAU/seo-crawler/internal/storage/postgres"
)

// gatedLauncher renders a two-page site. When gate is non-nil every render
// blocks until it is closed.
type gatedLauncher struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (l *gatedLauncher) Launch(context.Context) (crawler.Session, error) {
	return &gatedSession{l: l}, nil
}

type gatedSession struct{ l *gatedLauncher }

func (s *gatedSession) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	if s.l.started != nil {
		s.l.once.Do(func() { close(s.l.started) })
	}
	if s.l.gate != nil {
		select {
		case <-s.l.gate:
		case <-ctx.Done():
			return crawler.RenderResult{}, ctx.Err()
		}
	}
	fields := crawler.ExtractedFields{Title: "Page " + req.URL, Text: "some words here"}
	if req.URL == "https://example.com/" {
		fields.Links = []string{"/about"}
	}
	return crawler.RenderResult{
		URL:        req.URL,
		HTML:       "<html><body>" + req.URL + "</body></html>",
		StatusCode: http.StatusOK,
		Fields:     fields,
	}, nil
}

func (s *gatedSession) Close(context.Context) error { return nil }

func newTestEngine(t *testing.T, l crawler.Launcher) *crawler.Engine {
	t.Helper()
	cfg := crawler.PresetSmallSite()
	cfg.CacheEnabled = false
	cfg.MaxRequestsPerSecond = 1000
	engine, err := crawler.NewEngine(cfg, l)
	require.NoError(t, err)
	return engine
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServerCrawlLifecycle(t *testing.T) {
	t.Parallel()

	launcher := &gatedLauncher{gate: make(chan struct{}), started: make(chan struct{})}
	engine := newTestEngine(t, launcher)
	h := NewServer(Options{Engine: engine}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/crawls/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/crawls", []byte(`{"seed":"example.com"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode(t, rec)
	runID, _ := started["run_id"].(string)
	require.NotEmpty(t, runID)
	require.Equal(t, "https://example.com/", started["seed"])
	run := engine.Active()
	require.NotNil(t, run)

	select {
	case <-launcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("render never started")
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/crawls", []byte(`{"seed":"https://other.example"}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, runID, decode(t, rec)["run_id"])

	rec = doRequest(t, h, http.MethodPost, "/v1/crawls/current/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	close(launcher.gate)
	<-run.Done()

	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/current", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/crawls/current/stop", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	last := decode(t, rec)
	require.Equal(t, runID, last["run_id"])
	stats, ok := last["stats"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, stats["stopped"])
}

func TestServerLastPages(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &gatedLauncher{})
	_, err := engine.Run(context.Background(), "https://example.com")
	require.NoError(t, err)
	h := NewServer(Options{Engine: engine}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/crawls/last/pages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records struct {
		Total int                  `json:"total"`
		Pages []crawler.PageRecord `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Equal(t, 2, records.Total)
	require.Equal(t, "https://example.com/", records.Pages[0].URL)
	require.Equal(t, "https://example.com/about", records.Pages[1].URL)

	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/last/pages?format=analysis&limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var analysis struct {
		Total int                    `json:"total"`
		Pages []crawler.AnalysisPage `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analysis))
	require.Equal(t, 2, analysis.Total)
	require.Len(t, analysis.Pages, 1)
	require.Equal(t, "https://example.com/about", analysis.Pages[0].URL)
	require.Equal(t, "some words here", analysis.Pages[0].Content)

	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/last/pages?format=xml", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/last/pages?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/v1/crawls/last/pages?offset=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStartCrawlValidation(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Engine: newTestEngine(t, &gatedLauncher{})}).Handler()

	rec := doRequest(t, h, http.MethodPost, "/v1/crawls", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/crawls", []byte(`{"seed":"  "}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/crawls", []byte(`{"seed":"ftp://example.com"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid url")
}

func TestServerProbesAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	h := NewServer(Options{
		Engine:      newTestEngine(t, &gatedLauncher{}),
		Gatherer:    reg,
		HTTPMetrics: httpMetrics,
	}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doRequest(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "idle", decode(t, rec)["state"])

	rec = doRequest(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	h := NewServer(Options{Engine: newTestEngine(t, &gatedLauncher{}), APIKey: "secret"}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/v1/crawls/last", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/last", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

type fakeRunLister struct {
	runs  []postgres.RunRecord
	err   error
	site  string
	limit int
}

func (f *fakeRunLister) ListRuns(_ context.Context, siteID string, limit int) ([]postgres.RunRecord, error) {
	f.site = siteID
	f.limit = limit
	return f.runs, f.err
}

func TestServerRunHistory(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &gatedLauncher{})
	rec := doRequest(t, NewServer(Options{Engine: engine}).Handler(), http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	lister := &fakeRunLister{runs: []postgres.RunRecord{{
		RunID:     "run-1",
		SiteID:    "example.com",
		Seed:      "https://example.com/",
		StartedAt: time.Unix(100, 0).UTC(),
		State:     crawler.StateCompleted,
	}}}
	h := NewServer(Options{Engine: engine, Runs: lister}).Handler()

	rec = doRequest(t, h, http.MethodGet, "/v1/runs?site=example.com&limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "example.com", lister.site)
	require.Equal(t, maxRunsLimit, lister.limit)
	require.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = doRequest(t, h, http.MethodGet, "/v1/runs?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	lister.err = errors.New("db down")
	rec = doRequest(t, h, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, defaultRunsLimit, lister.limit)
}
