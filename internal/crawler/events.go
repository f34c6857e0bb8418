package crawler

import (
	"errors"
	"fmt"
	"time"
)

// EventKind enumerates the lifecycle events an Engine emits.
type EventKind string

// Event kinds.
const (
	EventCrawlStart  EventKind = "CRAWL_START"
	EventPage        EventKind = "PAGE"
	EventDiscovered  EventKind = "DISCOVERED"
	EventError       EventKind = "ERROR"
	EventMemory      EventKind = "MEMORY"
	EventCrawlDone   EventKind = "CRAWL_DONE"
	EventCrawlFailed EventKind = "CRAWL_FAILED"
)

// Event is one entry of the engine's event stream. Which fields are set
// depends on Kind:
//   - EventPage: URL, Record, Source (FromCache reports Source == SourceCache).
//   - EventDiscovered: URL (the parent) and NewURLs.
//   - EventError: URL and Err.
//   - EventMemory: MemoryMB and Restarted.
//   - EventCrawlDone / EventCrawlFailed: Stats, and Err for failures.
type Event struct {
	RunID     string
	TS        time.Time
	Kind      EventKind
	Site      string
	URL       string
	Record    *PageRecord
	Source    Source
	NewURLs   []string
	Err       error
	MemoryMB  float64
	Restarted bool
	Stats     *CrawlStats
}

// Lifecycle reports whether the kind marks the start or end of a run.
func (k EventKind) Lifecycle() bool {
	return k == EventCrawlStart || k.Terminal()
}

// Terminal reports whether the kind ends a run.
func (k EventKind) Terminal() bool {
	return k == EventCrawlDone || k == EventCrawlFailed
}

// FromCache reports whether a page event was served by the cache.
func (e Event) FromCache() bool {
	return e.Source == SourceCache
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case EventCrawlStart, EventCrawlDone, EventMemory:
	case EventCrawlFailed:
		if e.Err == nil {
			return errors.New("crawl failure requires an error")
		}
	case EventPage:
		if e.URL == "" || e.Record == nil {
			return errors.New("page event requires url and record")
		}
	case EventDiscovered:
		if e.URL == "" {
			return errors.New("discovered event requires parent url")
		}
	case EventError:
		if e.URL == "" || e.Err == nil {
			return errors.New("error event requires url and cause")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Emitter receives engine events. Implementations must not block.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt Event) { f(evt) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}
