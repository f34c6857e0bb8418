// Package cache stores PageRecords between crawls so unchanged pages can skip
// rendering. Entries live in any storage.BlobStore keyed by the SHA-256 of the
// normalized URL. The cache is best effort: backend failures and corrupt
// entries are logged and reported as misses, never returned to the caller.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/clock/system"
	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/hash/sha256"
	"github.com/JakeFAU/seo-crawler/internal/storage"
)

const (
	defaultPrefix = "pages/"
	// DefaultSweepSchedule runs Sweep once an hour.
	DefaultSweepSchedule = "@hourly"
)

// Config controls entry lifetime and key layout.
type Config struct {
	TTL    time.Duration
	Prefix string
}

// Entry is the persisted form of one cached page.
type Entry struct {
	URL       string             `json:"url"`
	Record    crawler.PageRecord `json:"record"`
	FetchedAt time.Time          `json:"fetched_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is a TTL cache of PageRecords over a BlobStore.
type Store struct {
	blobs  storage.BlobStore
	ttl    time.Duration
	prefix string
	clock  crawler.Clock
	logger *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64

	mu   sync.Mutex
	cron *cron.Cron
}

var _ crawler.PageCache = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(clock crawler.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger for swallowed errors and sweeps.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New builds a Store. TTL must be positive.
func New(blobs storage.BlobStore, cfg Config, opts ...Option) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be > 0")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &Store{
		blobs:  blobs,
		ttl:    cfg.TTL,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = system.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Key returns the object path used for url.
func (s *Store) Key(url string) string {
	if normalized, err := crawler.NormalizeURL(url); err == nil {
		url = normalized
	}
	sum := sha256.Key(url)
	return s.prefix + sum[:2] + "/" + sum + ".json"
}

// Get returns the cached record for url. Expired and corrupt entries are
// evicted and reported as misses.
func (s *Store) Get(ctx context.Context, url string) (crawler.PageRecord, bool) {
	key := s.Key(url)
	entry, state := s.read(ctx, key)
	switch {
	case state == entryCorrupt:
		s.evict(ctx, key, "corrupt")
		s.misses.Add(1)
		return crawler.PageRecord{}, false
	case state != entryOK:
		s.misses.Add(1)
		return crawler.PageRecord{}, false
	case entry.Expired(s.clock.Now()):
		s.evict(ctx, key, "expired")
		s.misses.Add(1)
		return crawler.PageRecord{}, false
	}
	s.hits.Add(1)
	return entry.Record, true
}

// Set stores record for url with the configured TTL.
func (s *Store) Set(ctx context.Context, url string, record crawler.PageRecord) {
	now := s.clock.Now()
	entry := Entry{
		URL:       url,
		Record:    record,
		FetchedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("cache encode failed", zap.String("url", url), zap.Error(err))
		return
	}
	if _, err := s.blobs.PutObject(ctx, s.Key(url), "application/json", bytes.NewReader(data)); err != nil {
		s.logger.Warn("cache write failed", zap.String("url", url), zap.Error(err))
		return
	}
	s.stores.Add(1)
}

// Invalidate removes the entry for url.
func (s *Store) Invalidate(ctx context.Context, url string) {
	if err := s.blobs.DeleteObject(ctx, s.Key(url)); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("url", url), zap.Error(err))
	}
}

// Clear removes every entry and returns how many were deleted.
func (s *Store) Clear(ctx context.Context) (int, error) {
	keys, err := s.blobs.ListObjects(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if err := s.blobs.DeleteObject(ctx, key); err != nil {
			s.logger.Warn("cache clear failed", zap.String("key", key), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Sweep deletes expired and unreadable entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	keys, err := s.blobs.ListObjects(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	now := s.clock.Now()
	removed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		entry, state := s.read(ctx, key)
		switch {
		case state == entryOK && !entry.Expired(now):
			continue
		case state == entryMissing:
			continue
		}
		if s.evict(ctx, key, "sweep") {
			removed++
		}
	}
	s.logger.Debug("cache sweep finished", zap.Int("removed", removed), zap.Int("scanned", len(keys)))
	return removed, nil
}

// Stats returns the cumulative counters.
func (s *Store) Stats() crawler.CacheStats {
	return crawler.CacheStats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Stores:    s.stores.Load(),
		Evictions: s.evictions.Load(),
	}
}

// StartSweeper runs Sweep on a cron schedule such as "@hourly" or "0 * * * *".
func (s *Store) StartSweeper(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already running")
	}
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("cache sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cache sweep %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// StopSweeper stops the scheduled sweep and waits for a running one to finish.
func (s *Store) StopSweeper() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

type entryState int

const (
	entryOK entryState = iota
	entryMissing
	entryCorrupt
)

// read loads the entry at key. Backend failures are logged and reported as
// missing so a flaky store degrades to misses.
func (s *Store) read(ctx context.Context, key string) (Entry, entryState) {
	data, err := s.blobs.GetObject(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, entryMissing
	}
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return Entry{}, entryMissing
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || !entry.ExpiresAt.After(entry.FetchedAt) {
		s.logger.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return Entry{}, entryCorrupt
	}
	return entry, entryOK
}

func (s *Store) evict(ctx context.Context, key, reason string) bool {
	if err := s.blobs.DeleteObject(ctx, key); err != nil {
		s.logger.Warn("cache eviction failed", zap.String("key", key), zap.String("reason", reason), zap.Error(err))
		return false
	}
	s.evictions.Add(1)
	return true
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
