package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// retryTransport retries bodiless idempotent requests that fail with a
// transient network error, such as a TLS handshake timeout.
type retryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	onRetry func(url string, attempt int, err error)
}

func newRetryTransport(base http.RoundTripper, onRetry func(string, int, error)) *retryTransport {
	return &retryTransport{base: base, backoff: retryBackoff, onRetry: onRetry}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("retry transport received nil request")
	}
	if !retryable(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}
	maxAttempts := len(t.backoff) + 1
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		if !isTransientError(err) || req.Context().Err() != nil {
			return nil, fmt.Errorf("roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			return nil, fmt.Errorf("roundtrip failed after %d attempts: %w", maxAttempts, err)
		}
		if t.onRetry != nil {
			t.onRetry(req.URL.String(), attempt+1, err)
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("roundtrip backoff sleep: %w", err)
		}
	}
}

func retryable(req *http.Request) bool {
	return (req.Method == http.MethodGet || req.Method == http.MethodHead) &&
		(req.Body == nil || req.Body == http.NoBody)
}

func cloneRequest(req *http.Request) *http.Request {
	if req == nil {
		return nil
	}
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
