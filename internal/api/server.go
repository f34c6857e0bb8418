package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/metrics"
)

const (
	defaultPagesLimit = 100
	maxPagesLimit     = 1000
	requestTimeout    = 60 * time.Second
)

// Engine is the subset of *crawler.Engine the server drives.
type Engine interface {
	Start(ctx context.Context, seed string) (*crawler.Run, error)
	Stop()
	Active() *crawler.Run
	LastResult() (crawler.Result, bool)
	State() crawler.State
}

// Options configures a Server. Engine is required.
type Options struct {
	Engine Engine
	// Runs serves /v1/runs; the route answers 503 when nil.
	Runs RunLister
	// Gatherer backs /metrics; the route answers 404 when nil.
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
	// APIKey, when set, is required on every /v1 route.
	APIKey string
	// BaseContext parents crawls started over HTTP so they outlive the request.
	BaseContext context.Context
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the crawl engine.
type Server struct {
	router  chi.Router
	engine  Engine
	baseCtx context.Context
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		engine:  opts.Engine,
		baseCtx: opts.BaseContext,
		logger:  opts.Logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(opts.Logger))
	r.Use(recoverMiddleware(opts.Logger))
	if opts.HTTPMetrics != nil {
		r.Use(opts.HTTPMetrics.Middleware)
	}
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))
	}

	runs := NewRunHandler(opts.Runs, opts.Logger)
	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/current", s.currentCrawl)
			r.Post("/current/stop", s.stopCrawl)
			r.Get("/last", s.lastCrawl)
			r.Get("/last/pages", s.lastPages)
		})
		r.Get("/runs", runs.ListRuns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(s.engine.State())})
}

type startCrawlRequest struct {
	Seed string `json:"seed"`
}

type runDTO struct {
	RunID    string             `json:"run_id"`
	SiteID   string             `json:"site_id"`
	Seed     string             `json:"seed"`
	State    crawler.State      `json:"state"`
	Stats    crawler.CrawlStats `json:"stats"`
	Pages    int                `json:"pages,omitempty"`
	Failures map[string]string  `json:"failures,omitempty"`
	Persist  string             `json:"persist_error,omitempty"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Seed) == "" {
		writeError(w, http.StatusBadRequest, "seed is required")
		return
	}
	run, err := s.engine.Start(s.baseCtx, req.Seed)
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, crawler.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("start crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}
	s.logger.Info("crawl started", zap.String("run_id", run.ID), zap.String("seed", run.Seed))
	writeJSON(w, http.StatusAccepted, runDTO{
		RunID:  run.ID,
		SiteID: run.SiteID,
		Seed:   run.Seed,
		State:  crawler.StateRunning,
		Stats:  run.Stats(),
	})
}

func (s *Server) currentCrawl(w http.ResponseWriter, _ *http.Request) {
	run := s.engine.Active()
	if run == nil {
		writeError(w, http.StatusNotFound, "no crawl running")
		return
	}
	writeJSON(w, http.StatusOK, runDTO{
		RunID:  run.ID,
		SiteID: run.SiteID,
		Seed:   run.Seed,
		State:  crawler.StateRunning,
		Stats:  run.Stats(),
	})
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	run := s.engine.Active()
	if run == nil {
		writeError(w, http.StatusNotFound, "no crawl running")
		return
	}
	run.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": "stopping"})
}

func (s *Server) lastCrawl(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.engine.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no finished crawl")
		return
	}
	dto := runDTO{
		RunID:    res.RunID,
		SiteID:   res.SiteID,
		Seed:     res.Seed,
		State:    res.State,
		Stats:    res.Stats,
		Pages:    len(res.Pages),
		Failures: res.Failures,
	}
	if res.PersistErr != nil {
		dto.Persist = res.PersistErr.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// lastPages handles GET /v1/crawls/last/pages?format=records|analysis&limit=&offset=.
// Pages are ordered by URL.
func (s *Server) lastPages(w http.ResponseWriter, r *http.Request) {
	res, ok := s.engine.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no finished crawl")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPagesLimit, maxPagesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	urls := make([]string, 0, len(res.Pages))
	for u := range res.Pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	total := len(urls)
	urls = window(urls, offset, limit)

	switch format := r.URL.Query().Get("format"); format {
	case "", "records":
		pages := make([]crawler.PageRecord, 0, len(urls))
		for _, u := range urls {
			pages = append(pages, res.Pages[u])
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": res.RunID, "total": total, "pages": pages})
	case "analysis":
		pages := make([]crawler.AnalysisPage, 0, len(urls))
		for _, u := range urls {
			pages = append(pages, res.Pages[u].AnalysisPage())
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": res.RunID, "total": total, "pages": pages})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func window(items []string, offset, limit int) []string {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
