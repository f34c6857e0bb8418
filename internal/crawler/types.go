// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// State represents the lifecycle state of an Engine.
type State string

// Engine lifecycle values.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// URLState tracks where a normalized URL sits within one run.
type URLState int

// URL lifecycle values. Transitions are monotonic within a run.
const (
	URLUnknown URLState = iota
	URLQueued
	URLInProgress
	URLDone
)

// String implements fmt.Stringer.
func (s URLState) String() string {
	switch s {
	case URLQueued:
		return "queued"
	case URLInProgress:
		return "in_progress"
	case URLDone:
		return "done"
	default:
		return "unknown"
	}
}

// FrontierEntry is a URL waiting for a worker.
type FrontierEntry struct {
	URL      string
	Depth    int
	Referrer string
}

// Source describes how a PageRecord was obtained during a run.
type Source string

// Page sources reported on page events.
const (
	SourceFetched     Source = "fetched"
	SourceCache       Source = "cache"
	SourceIncremental Source = "incremental"
)

// Heading is a single h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Image captures an <img> reference and its alt text.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// ExtractedFields is what the rendering boundary pulls out of a page DOM.
type ExtractedFields struct {
	Title           string            `json:"title"`
	MetaDescription string            `json:"meta_description"`
	Canonical       string            `json:"canonical,omitempty"`
	Lang            string            `json:"lang,omitempty"`
	Headings        []Heading         `json:"headings,omitempty"`
	MetaTags        map[string]string `json:"meta_tags,omitempty"`
	StructuredData  []string          `json:"structured_data,omitempty"`
	Images          []Image           `json:"images,omitempty"`
	Links           []string          `json:"links,omitempty"`
	Text            string            `json:"text,omitempty"`
}

// PerformanceMetrics holds navigation timing signals for one page load.
type PerformanceMetrics struct {
	DurationMs         int64 `json:"duration_ms"`
	TTFBMs             int64 `json:"ttfb_ms,omitempty"`
	DOMContentLoadedMs int64 `json:"dom_content_loaded_ms,omitempty"`
	LoadEventMs        int64 `json:"load_event_ms,omitempty"`
	ResourceCount      int   `json:"resource_count,omitempty"`
	BlockedResources   int   `json:"blocked_resources,omitempty"`
}

// SEOSignals groups the on-page signals downstream analyzers consume.
type SEOSignals struct {
	Headings       []Heading `json:"headings,omitempty"`
	Links          []string  `json:"links,omitempty"`
	Images         []Image   `json:"images,omitempty"`
	StructuredData []string  `json:"structured_data,omitempty"`
	Canonical      string    `json:"canonical,omitempty"`
	Lang           string    `json:"lang,omitempty"`
}

// PageRecord is the extracted result for one URL. It is never mutated once
// built.
type PageRecord struct {
	URL             string             `json:"url"`
	FinalURL        string             `json:"final_url,omitempty"`
	Title           string             `json:"title"`
	MetaDescription string             `json:"meta_description"`
	StatusCode      int                `json:"status_code"`
	Headers         http.Header        `json:"headers,omitempty"`
	ContentHash     string             `json:"content_hash"`
	ByteSize        int64              `json:"byte_size"`
	Depth           int                `json:"depth"`
	Referrer        string             `json:"referrer,omitempty"`
	FetchedAt       time.Time          `json:"fetched_at"`
	MetaTags        map[string]string  `json:"meta_tags,omitempty"`
	Performance     PerformanceMetrics `json:"performance"`
	SEO             SEOSignals         `json:"seo"`
	Content         string             `json:"content,omitempty"`
	WordCount       int                `json:"word_count"`
}

// Fingerprint is the cheap change-detection signal for one URL.
type Fingerprint struct {
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
}

// SnapshotPage is the per-URL entry persisted between runs.
type SnapshotPage struct {
	Fingerprint
	Record PageRecord `json:"record"`
}

// Snapshot is the incremental state persisted for one site.
type Snapshot struct {
	SiteID    string                  `json:"site_id"`
	CrawlDate time.Time               `json:"crawl_date"`
	Pages     map[string]SnapshotPage `json:"pages"`
}

// NewSnapshot returns an empty snapshot for siteID.
func NewSnapshot(siteID string) Snapshot {
	return Snapshot{SiteID: siteID, Pages: make(map[string]SnapshotPage)}
}

// CacheStats reports cache counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Evictions int64 `json:"evictions"`
}

// IncrementalStats reports how URLs were classified against the prior snapshot.
type IncrementalStats struct {
	New       int64 `json:"new"`
	Changed   int64 `json:"changed"`
	Unchanged int64 `json:"unchanged"`
}

// CrawlStats aggregates counters for one run.
type CrawlStats struct {
	PagesFetched    int64            `json:"pages_fetched"`
	PagesFromCache  int64            `json:"pages_from_cache"`
	PagesReused     int64            `json:"pages_reused"`
	URLsDiscovered  int64            `json:"urls_discovered"`
	Errors          int64            `json:"errors"`
	SessionRestarts int64            `json:"session_restarts"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Duration        time.Duration    `json:"duration"`
	Stopped         bool             `json:"stopped"`
	Cache           CacheStats       `json:"cache"`
	Incremental     IncrementalStats `json:"incremental"`
}

// Result is returned by a finished run.
type Result struct {
	RunID    string                `json:"run_id"`
	SiteID   string                `json:"site_id"`
	Seed     string                `json:"seed"`
	State    State                 `json:"state"`
	Pages    map[string]PageRecord `json:"pages"`
	Failures map[string]string     `json:"failures,omitempty"`
	Stats    CrawlStats            `json:"stats"`
	Snapshot Snapshot              `json:"-"`
	// PersistErr is set when the incremental snapshot could not be saved.
	// Pages remain valid.
	PersistErr error `json:"-"`
}
