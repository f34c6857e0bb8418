// Package storage defines the blob store abstraction shared by the page cache
// and the incremental snapshot store. Backends live in subpackages (memory,
// local filesystem, Google Cloud Storage, Redis).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// BlobStore persists opaque objects under slash-separated paths.
type BlobStore interface {
	// PutObject writes the object and returns a backend-specific URI.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject reads an object, returning ErrNotFound when it is absent.
	GetObject(ctx context.Context, path string) ([]byte, error)
	// DeleteObject removes an object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, path string) error
	// ListObjects returns the paths that start with prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
