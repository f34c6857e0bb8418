// Package hybrid renders pages over plain HTTP and promotes them to a
// browser only when the served HTML looks like a client-rendered shell.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// Detector decides whether an HTTP render needs a browser.
type Detector interface {
	ShouldPromote(res crawler.RenderResult) bool
}

// Launcher pairs an HTTP launcher with a browser launcher.
type Launcher struct {
	http     crawler.Launcher
	browser  crawler.Launcher
	detector Detector
	logger   *zap.Logger
}

var _ crawler.Launcher = (*Launcher)(nil)

// NewLauncher builds a hybrid Launcher. All arguments except logger are
// required.
func NewLauncher(http, browser crawler.Launcher, detector Detector, logger *zap.Logger) (*Launcher, error) {
	if http == nil || browser == nil || detector == nil {
		return nil, errors.New("http launcher, browser launcher and detector are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{http: http, browser: browser, detector: detector, logger: logger}, nil
}

// Launch starts both underlying sessions.
func (l *Launcher) Launch(ctx context.Context) (crawler.Session, error) {
	plain, err := l.http.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch http session: %w", err)
	}
	browser, err := l.browser.Launch(ctx)
	if err != nil {
		_ = plain.Close(ctx)
		return nil, fmt.Errorf("launch browser session: %w", err)
	}
	return &Session{plain: plain, browser: browser, detector: l.detector, logger: l.logger}, nil
}

// Session renders with the HTTP session first.
type Session struct {
	plain    crawler.Session
	browser  crawler.Session
	detector Detector
	logger   *zap.Logger

	promoted atomic.Int64
}

// Render fetches req.URL over HTTP and re-renders it in the browser when the
// detector asks for it.
func (s *Session) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResult, error) {
	res, err := s.plain.Render(ctx, req)
	if err != nil {
		return crawler.RenderResult{}, err
	}
	if !s.detector.ShouldPromote(res) {
		return res, nil
	}
	s.promoted.Add(1)
	s.logger.Debug("promoting page to browser render", zap.String("url", req.URL))
	return s.browser.Render(ctx, req)
}

// Promoted reports how many renders needed the browser.
func (s *Session) Promoted() int64 {
	return s.promoted.Load()
}

// Close closes both sessions and joins their errors.
func (s *Session) Close(ctx context.Context) error {
	return errors.Join(s.plain.Close(ctx), s.browser.Close(ctx))
}
