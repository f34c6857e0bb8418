package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("crawl already running")
	// ErrRenderTimeout marks a render that exceeded its navigation budget.
	ErrRenderTimeout = errors.New("render timed out")
	// ErrSessionClosed is returned by a session that has been retired.
	ErrSessionClosed = errors.New("render session closed")
	// ErrSessionUnavailable is returned when no session could be launched.
	ErrSessionUnavailable = errors.New("render session unavailable")
	// ErrInvalidURL is returned for seeds and links that cannot be crawled.
	ErrInvalidURL = errors.New("invalid url")
)

// ConfigError reports the first invalid CrawlConfig field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid crawl config: %s %s", e.Field, e.Reason)
}

// BusyError is returned by Start/Run while a crawl is active.
type BusyError struct {
	RunID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("crawl %s already running", e.RunID)
}

// Is lets callers match with errors.Is(err, ErrBusy).
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// FetchError wraps a network or navigation failure for one URL.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractionError wraps a failure to build a PageRecord from a loaded page.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PersistenceError reports a snapshot that could not be saved.
type PersistenceError struct {
	SiteID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist snapshot for %s: %v", e.SiteID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
