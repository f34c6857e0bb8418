package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/extract"
)

// Launcher provides HTTP render sessions for sites that need no JavaScript.
// Sessions share the Fetcher's connection pool.
type Launcher struct {
	fetcher *Fetcher
}

var _ crawler.Launcher = (*Launcher)(nil)

// NewLauncher wraps f as a render engine.
func NewLauncher(f *Fetcher) *Launcher {
	return &Launcher{fetcher: f}
}

// Launch returns a new Session. It never fails.
func (l *Launcher) Launch(context.Context) (crawler.Session, error) {
	return &Session{fetcher: l.fetcher}, nil
}

// Session renders pages by downloading their HTML as served.
type Session struct {
	fetcher *Fetcher
	closed  atomic.Bool
}

// Render fetches req.URL and extracts its fields. Resource filtering does not
// apply since no sub-resources are loaded.
func (s *Session) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	if s.closed.Load() {
		return crawler.RenderResult{}, crawler.ErrSessionClosed
	}
	if req.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.NavigationTimeout)
		defer cancel()
	}
	resp, err := s.fetcher.fetch(ctx, http.MethodGet, req.URL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return crawler.RenderResult{}, fmt.Errorf("%w: %w", crawler.ErrRenderTimeout, err)
		}
		return crawler.RenderResult{}, err
	}
	html := string(resp.Body)
	fields, err := extract.Fields(html, resp.URL)
	if err != nil {
		return crawler.RenderResult{}, &crawler.ExtractionError{URL: req.URL, Err: err}
	}
	return crawler.RenderResult{
		URL:        resp.URL,
		HTML:       html,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Fields:     fields,
		Performance: crawler.PerformanceMetrics{
			DurationMs: resp.Duration.Milliseconds(),
			TTFBMs:     resp.FirstByte.Milliseconds(),
		},
		Duration: resp.Duration,
	}, nil
}

// Close marks the session retired.
func (s *Session) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}
