package crawler

import (
	"context"
	"net/http"
	"time"
)

// RenderRequest describes one page load.
type RenderRequest struct {
	URL               string
	NavigationTimeout time.Duration
	RequestTimeout    time.Duration
	Filter            ResourceFilter
}

// RenderResult is what a Session returns for a loaded page.
type RenderResult struct {
	URL         string
	HTML        string
	StatusCode  int
	Headers     http.Header
	Fields      ExtractedFields
	Performance PerformanceMetrics
	Duration    time.Duration
}

// Session is a live rendering resource (for example a browser). It must be
// safe for concurrent Render calls.
type Session interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
	Close(ctx context.Context) error
}

// Launcher starts rendering sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Prober fetches cheap change-detection hints without rendering.
type Prober interface {
	Probe(ctx context.Context, url string, strategy IncrementalStrategy) (Fingerprint, error)
}

// PageCache stores page records between runs. Implementations swallow their
// own errors and report them as misses.
type PageCache interface {
	Get(ctx context.Context, url string) (PageRecord, bool)
	Set(ctx context.Context, url string, record PageRecord)
	Stats() CacheStats
}

// IncrementalTracker decides which URLs changed since the prior run.
type IncrementalTracker interface {
	Load(ctx context.Context, siteID string) (Snapshot, error)
	ShouldFetch(url string, hints Fingerprint) bool
	Previous(url string) (PageRecord, bool)
	Save(ctx context.Context, siteID string, snapshot Snapshot) error
	Stats() IncrementalStats
}

// RateLimiter gates outbound requests.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// MemorySampler reports current memory use in megabytes.
type MemorySampler interface {
	SampleMB() (float64, error)
}

// Hasher computes digests for content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
