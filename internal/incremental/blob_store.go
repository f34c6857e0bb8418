package incremental

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
	"github.com/JakeFAU/seo-crawler/internal/storage"
)

const defaultSnapshotPrefix = "snapshots/"

// BlobSnapshotStore keeps each site's snapshot as a JSON object in a
// storage.BlobStore. Atomicity of the replace is delegated to the backend.
type BlobSnapshotStore struct {
	blobs  storage.BlobStore
	prefix string
}

var _ SnapshotStore = (*BlobSnapshotStore)(nil)

// NewBlobSnapshotStore returns a store writing under prefix (default
// "snapshots/").
func NewBlobSnapshotStore(blobs storage.BlobStore, prefix string) (*BlobSnapshotStore, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if prefix == "" {
		prefix = defaultSnapshotPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobSnapshotStore{blobs: blobs, prefix: prefix}, nil
}

// Path returns the object path for siteID.
func (s *BlobSnapshotStore) Path(siteID string) string {
	return s.prefix + url.PathEscape(siteID) + ".json"
}

// LoadSnapshot reads the snapshot for siteID or returns ErrSnapshotNotFound.
func (s *BlobSnapshotStore) LoadSnapshot(ctx context.Context, siteID string) (crawler.Snapshot, error) {
	data, err := s.blobs.GetObject(ctx, s.Path(siteID))
	if errors.Is(err, storage.ErrNotFound) {
		return crawler.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap crawler.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SiteID != "" && snap.SiteID != siteID {
		return crawler.Snapshot{}, fmt.Errorf("snapshot at %s belongs to %q", s.Path(siteID), snap.SiteID)
	}
	snap.SiteID = siteID
	if snap.Pages == nil {
		snap.Pages = make(map[string]crawler.SnapshotPage)
	}
	return snap, nil
}

// SaveSnapshot replaces the stored snapshot for snap.SiteID.
func (s *BlobSnapshotStore) SaveSnapshot(ctx context.Context, snap crawler.Snapshot) error {
	if snap.SiteID == "" {
		return fmt.Errorf("snapshot site id is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.Path(snap.SiteID), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
