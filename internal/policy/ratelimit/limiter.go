// Package ratelimit gates outbound page requests with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const globalKey = "*"

// Limiter hands out request tokens, either from one crawl-wide bucket or from
// one bucket per host.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	perHost      bool
	onDelay      func(key string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerHost gives every host its own bucket instead of sharing one.
	PerHost bool
	// OnDelay, if set, observes waits longer than a millisecond.
	OnDelay func(key string, waited time.Duration)
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		perHost:      cfg.PerHost,
		onDelay:      cfg.OnDelay,
	}
}

// Wait blocks until a token is available for rawURL, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	key := l.keyFor(rawURL)
	limiter := l.bucket(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.onDelay != nil {
		l.onDelay(key, waited)
	}
	return nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *Limiter) keyFor(rawURL string) string {
	if !l.perHost {
		return globalKey
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
