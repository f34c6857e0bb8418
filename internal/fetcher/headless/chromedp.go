// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/extract"
)

const (
	defaultSettleDelay = 500 * time.Millisecond
	defaultNavTimeout  = 45 * time.Second
)

// Config controls the browser processes started by the Launcher.
type Config struct {
	// MaxTabs caps concurrent renders per browser. Zero means unlimited.
	MaxTabs   int
	UserAgent string
	// Headful runs a visible browser window, for debugging.
	Headful   bool
	ExecPath  string
	NoSandbox bool
	// SettleDelay is waited after the body is ready so client scripts can run.
	SettleDelay time.Duration
}

// Launcher starts one Chrome process per Session.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.Launcher = (*Launcher)(nil)

// NewLauncher validates cfg and returns a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts a browser and returns a Session bound to it.
func (l *Launcher) Launch(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(l.logger.Sugar().Debugf))

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	var limiter chan struct{}
	if l.cfg.MaxTabs > 0 {
		limiter = make(chan struct{}, l.cfg.MaxTabs)
	}
	l.logger.Debug("browser started")
	return &Session{
		cfg:           l.cfg,
		logger:        l.logger,
		limiter:       limiter,
		browser:       browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// Session renders pages in tabs of a single browser.
type Session struct {
	cfg           Config
	logger        *zap.Logger
	limiter       chan struct{}
	browser       context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

// Render opens a tab, loads req.URL and extracts the rendered DOM.
func (s *Session) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	if s.closed.Load() {
		return crawler.RenderResult{}, crawler.ErrSessionClosed
	}
	if err := s.acquire(ctx); err != nil {
		return crawler.RenderResult{}, err
	}
	defer s.release()

	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	defer tabCancel()
	navTimeout := req.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	counts := &resourceCounts{}
	intercept := blocksAny(req.Filter)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *fetch.EventRequestPaused:
			go s.decide(tabCtx, e, req.Filter, counts)
		}
	})

	start := time.Now()
	var (
		html     string
		finalURL string
		timing   navigationTiming
	)
	actions := []chromedp.Action{
		s.networkSetupAction(intercept),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(navigationTimingJS, &timing),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return crawler.RenderResult{}, s.classify(ctx, tabCtx, err)
	}
	elapsed := time.Since(start)

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	fields, err := extract.Fields(html, responseURL)
	if err != nil {
		return crawler.RenderResult{}, &crawler.ExtractionError{URL: req.URL, Err: err}
	}
	perf := timing.metrics(elapsed)
	perf.BlockedResources = int(counts.blocked.Load())
	if intercept {
		perf.ResourceCount = int(counts.allowed.Load())
	}
	return crawler.RenderResult{
		URL:         responseURL,
		HTML:        html,
		StatusCode:  status,
		Headers:     headers,
		Fields:      fields,
		Performance: perf,
		Duration:    elapsed,
	}, nil
}

// classify maps a chromedp failure onto the render error taxonomy.
func (s *Session) classify(parent, tabCtx context.Context, err error) error {
	switch {
	case s.closed.Load():
		return fmt.Errorf("%w: %w", crawler.ErrSessionClosed, err)
	case errors.Is(tabCtx.Err(), context.DeadlineExceeded), errors.Is(parent.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", crawler.ErrRenderTimeout, err)
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

func (s *Session) networkSetupAction(intercept bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if intercept {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		return nil
	})
}

// decide continues or aborts a paused request according to the filter. It
// runs off the event loop because issuing commands from a listener deadlocks.
func (s *Session) decide(ctx context.Context, ev *fetch.EventRequestPaused, filter crawler.ResourceFilter, counts *resourceCounts) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	exec := cdp.WithExecutor(ctx, c.Target)
	class := resourceClass(ev.ResourceType)
	var err error
	if filter.Allow(class) {
		if class != crawler.ResourceDocument {
			counts.allowed.Add(1)
		}
		err = fetch.ContinueRequest(ev.RequestID).Do(exec)
	} else {
		counts.blocked.Add(1)
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("resolving intercepted request failed",
			zap.String("class", string(class)), zap.Error(err))
	}
}

// Close shuts the browser down. Renders started afterwards fail with
// crawler.ErrSessionClosed.
func (s *Session) Close(_ context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if cerr := chromedp.Cancel(s.browser); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		s.browserCancel()
		s.allocCancel()
	})
	return err
}

func (s *Session) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser tab wait canceled: %w", ctx.Err())
	}
}

func (s *Session) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

type resourceCounts struct {
	allowed atomic.Int64
	blocked atomic.Int64
}

// blocksAny reports whether filter rejects at least one known class, which is
// the only case where request interception is worth its overhead.
func blocksAny(filter crawler.ResourceFilter) bool {
	for class := range filter.Priorities {
		if !filter.Allow(class) {
			return true
		}
	}
	return false
}

func resourceClass(t network.ResourceType) crawler.ResourceClass {
	switch t {
	case network.ResourceTypeDocument:
		return crawler.ResourceDocument
	case network.ResourceTypeStylesheet:
		return crawler.ResourceStylesheet
	case network.ResourceTypeScript:
		return crawler.ResourceScript
	case network.ResourceTypeImage:
		return crawler.ResourceImage
	case network.ResourceTypeFont:
		return crawler.ResourceFont
	case network.ResourceTypeMedia, network.ResourceTypeTextTrack:
		return crawler.ResourceMedia
	case network.ResourceTypeXHR:
		return crawler.ResourceXHR
	case network.ResourceTypeFetch, network.ResourceTypeEventSource:
		return crawler.ResourceFetch
	default:
		return crawler.ResourceOther
	}
}

const navigationTimingJS = `(() => {
  const nav = performance.getEntriesByType("navigation")[0];
  const resources = performance.getEntriesByType("resource").length;
  if (!nav) { return {resources}; }
  return {
    ttfb: nav.responseStart,
    domContentLoaded: nav.domContentLoadedEventEnd,
    load: nav.loadEventEnd,
    resources,
  };
})()`

type navigationTiming struct {
	TTFB             float64 `json:"ttfb"`
	DOMContentLoaded float64 `json:"domContentLoaded"`
	Load             float64 `json:"load"`
	Resources        int     `json:"resources"`
}

func (t navigationTiming) metrics(elapsed time.Duration) crawler.PerformanceMetrics {
	return crawler.PerformanceMetrics{
		DurationMs:         elapsed.Milliseconds(),
		TTFBMs:             int64(t.TTFB),
		DOMContentLoadedMs: int64(t.DOMContentLoaded),
		LoadEventMs:        int64(t.Load),
		ResourceCount:      t.Resources,
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the first document response, which is the main frame;
// later documents belong to iframes.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}
