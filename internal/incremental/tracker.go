// Package incremental decides which URLs changed since the previous crawl of
// a site by comparing cheap fingerprints against a persisted snapshot.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/storage"
)

// ErrSnapshotNotFound is returned by snapshot stores when a site was never
// crawled incrementally.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore persists one snapshot per site. SaveSnapshot must replace the
// previous snapshot atomically.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, siteID string) (crawler.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap crawler.Snapshot) error
}

// Config selects the comparison strategy.
type Config struct {
	Enabled  bool
	Strategy crawler.IncrementalStrategy
}

// Tracker implements crawler.IncrementalTracker over a SnapshotStore.
type Tracker struct {
	store    SnapshotStore
	enabled  bool
	strategy crawler.IncrementalStrategy
	logger   *zap.Logger

	mu    sync.RWMutex
	prior crawler.Snapshot

	newURLs   atomic.Int64
	changed   atomic.Int64
	unchanged atomic.Int64
}

var _ crawler.IncrementalTracker = (*Tracker)(nil)

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker builds a Tracker. An empty strategy defaults to content_hash.
func NewTracker(store SnapshotStore, cfg Config, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	strategy := cfg.Strategy
	switch strategy {
	case "":
		strategy = crawler.StrategyContentHash
	case crawler.StrategyLastModified, crawler.StrategyETag, crawler.StrategyContentHash:
	default:
		return nil, fmt.Errorf("unknown incremental strategy %q", strategy)
	}
	t := &Tracker{
		store:    store,
		enabled:  cfg.Enabled,
		strategy: strategy,
		prior:    crawler.NewSnapshot(""),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t, nil
}

// Strategy reports the fingerprint compared between runs.
func (t *Tracker) Strategy() crawler.IncrementalStrategy {
	return t.strategy
}

// Load reads the prior snapshot for siteID and resets the counters. A missing
// snapshot yields an empty one. On any other failure the tracker still starts
// from an empty snapshot, so every URL is treated as new.
func (t *Tracker) Load(ctx context.Context, siteID string) (crawler.Snapshot, error) {
	t.newURLs.Store(0)
	t.changed.Store(0)
	t.unchanged.Store(0)

	snap, err := t.store.LoadSnapshot(ctx, siteID)
	switch {
	case errors.Is(err, ErrSnapshotNotFound), errors.Is(err, storage.ErrNotFound):
		snap = crawler.NewSnapshot(siteID)
		err = nil
	case err != nil:
		t.setPrior(crawler.NewSnapshot(siteID))
		return crawler.NewSnapshot(siteID), fmt.Errorf("load snapshot %s: %w", siteID, err)
	}
	if snap.Pages == nil {
		snap.Pages = make(map[string]crawler.SnapshotPage)
	}
	t.setPrior(snap)
	t.logger.Debug("incremental snapshot loaded",
		zap.String("site", siteID),
		zap.Int("pages", len(snap.Pages)),
		zap.Time("crawl_date", snap.CrawlDate))
	return snap, nil
}

func (t *Tracker) setPrior(snap crawler.Snapshot) {
	t.mu.Lock()
	t.prior = snap
	t.mu.Unlock()
}

// ShouldFetch reports whether url must be fetched again. New URLs, a disabled
// tracker, and fingerprints that differ or are missing on either side all
// require a fetch.
func (t *Tracker) ShouldFetch(url string, hints crawler.Fingerprint) bool {
	t.mu.RLock()
	page, known := t.prior.Pages[url]
	t.mu.RUnlock()

	if !known {
		t.newURLs.Add(1)
		return true
	}
	if !t.enabled {
		t.changed.Add(1)
		return true
	}
	before, after := signal(page.Fingerprint, t.strategy), signal(hints, t.strategy)
	if before == "" || after == "" || before != after {
		t.changed.Add(1)
		return true
	}
	t.unchanged.Add(1)
	return false
}

// Previous returns the record stored for url by the prior run.
func (t *Tracker) Previous(url string) (crawler.PageRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	page, ok := t.prior.Pages[url]
	if !ok {
		return crawler.PageRecord{}, false
	}
	return page.Record, true
}

// Save replaces the stored snapshot for siteID. Failures are returned as
// *crawler.PersistenceError.
func (t *Tracker) Save(ctx context.Context, siteID string, snap crawler.Snapshot) error {
	snap.SiteID = siteID
	if snap.Pages == nil {
		snap.Pages = make(map[string]crawler.SnapshotPage)
	}
	if err := t.store.SaveSnapshot(ctx, snap); err != nil {
		return &crawler.PersistenceError{SiteID: siteID, Err: err}
	}
	t.logger.Debug("incremental snapshot saved", zap.String("site", siteID), zap.Int("pages", len(snap.Pages)))
	return nil
}

// Stats returns classification counters since the last Load.
func (t *Tracker) Stats() crawler.IncrementalStats {
	return crawler.IncrementalStats{
		New:       t.newURLs.Load(),
		Changed:   t.changed.Load(),
		Unchanged: t.unchanged.Load(),
	}
}

func signal(fp crawler.Fingerprint, strategy crawler.IncrementalStrategy) string {
	switch strategy {
	case crawler.StrategyLastModified:
		return fp.LastModified
	case crawler.StrategyETag:
		return fp.ETag
	default:
		return fp.ContentHash
	}
}
