package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/storage"
)

// SnapshotStore keeps one incremental snapshot row per site.
//
// Expected schema:
//
//	CREATE TABLE crawl_snapshots (
//		site_id    text PRIMARY KEY,
//		crawl_date timestamptz NOT NULL,
//		pages      jsonb NOT NULL
//	);
type SnapshotStore struct {
	pool  Pool
	table string
}

// NewSnapshotStore constructs a store over an existing pool.
func NewSnapshotStore(pool Pool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "crawl_snapshots")
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadSnapshot returns the stored snapshot for siteID or storage.ErrNotFound.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, siteID string) (crawler.Snapshot, error) {
	query := fmt.Sprintf("SELECT crawl_date, pages FROM %s WHERE site_id = $1", s.table)
	var (
		crawlDate time.Time
		pagesJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, siteID).Scan(&crawlDate, &pagesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("select snapshot: %w", err)
	}
	snap := crawler.NewSnapshot(siteID)
	snap.CrawlDate = crawlDate
	if err := json.Unmarshal(pagesJSON, &snap.Pages); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot pages: %w", err)
	}
	if snap.Pages == nil {
		snap.Pages = map[string]crawler.SnapshotPage{}
	}
	return snap, nil
}

// SaveSnapshot replaces the stored snapshot for snap.SiteID.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap crawler.Snapshot) error {
	if snap.SiteID == "" {
		return fmt.Errorf("snapshot site id is required")
	}
	pagesJSON, err := json.Marshal(snap.Pages)
	if err != nil {
		return fmt.Errorf("encode snapshot pages: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (site_id, crawl_date, pages) VALUES ($1, $2, $3) "+
		"ON CONFLICT (site_id) DO UPDATE SET crawl_date = EXCLUDED.crawl_date, pages = EXCLUDED.pages", s.table)
	if _, err := s.pool.Exec(ctx, query, snap.SiteID, snap.CrawlDate, pagesJSON); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}
