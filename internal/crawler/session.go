package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// sessionPool owns the singleton render session. Renders borrow it under a
// read lock; restart takes the write lock so it waits for outstanding borrows
// before swapping the handle.
type sessionPool struct {
	launcher Launcher
	logger   *zap.Logger

	mu         sync.RWMutex
	current    Session
	generation uint64
}

func newSessionPool(launcher Launcher, logger *zap.Logger) *sessionPool {
	return &sessionPool{launcher: launcher, logger: logger}
}

func (p *sessionPool) start(ctx context.Context) error {
	session, err := p.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch render session: %w", err)
	}
	p.mu.Lock()
	p.current = session
	p.generation++
	p.mu.Unlock()
	return nil
}

// render runs req on the current session. A render that fails because its
// session was retired is retried once on a replacement, launching one when no
// other render has done so yet.
func (p *sessionPool) render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	res, gen, err := p.renderOnce(ctx, req)
	if err == nil || !errors.Is(err, ErrSessionClosed) {
		return res, err
	}
	p.logger.Debug("render hit a retired session; retrying",
		zap.String("url", req.URL), zap.Uint64("generation", gen))
	if err := p.replace(context.WithoutCancel(ctx), gen); err != nil {
		return RenderResult{}, err
	}
	res, _, err = p.renderOnce(ctx, req)
	return res, err
}

func (p *sessionPool) renderOnce(ctx context.Context, req RenderRequest) (RenderResult, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return RenderResult{}, p.generation, ErrSessionUnavailable
	}
	res, err := p.current.Render(ctx, req)
	return res, p.generation, err
}

// restart closes the current session and launches a new one. It waits for
// outstanding borrows.
func (p *sessionPool) restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swapLocked(ctx)
}

// replace swaps the session only if it is still generation gen.
func (p *sessionPool) replace(ctx context.Context, gen uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen && p.current != nil {
		return nil
	}
	return p.swapLocked(ctx)
}

func (p *sessionPool) swapLocked(ctx context.Context) error {
	if p.current != nil {
		if err := p.current.Close(ctx); err != nil {
			p.logger.Warn("closing retired render session failed", zap.Error(err))
		}
		p.current = nil
	}
	session, err := p.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("relaunch render session: %w", err)
	}
	p.current = session
	p.generation++
	return nil
}

func (p *sessionPool) close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return
	}
	if err := p.current.Close(ctx); err != nil {
		p.logger.Warn("closing render session failed", zap.Error(err))
	}
	p.current = nil
}
