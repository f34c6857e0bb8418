package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of BlobStore for exercising failure paths.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call and returns the configured URI and error.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, r)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject records the call and returns the configured payload and error.
func (m *MockBlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// DeleteObject records the call and returns the configured error.
func (m *MockBlobStore) DeleteObject(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0) //nolint:wrapcheck
}

// ListObjects records the call and returns the configured paths and error.
func (m *MockBlobStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	paths, _ := args.Get(0).([]string)
	return paths, args.Error(1) //nolint:wrapcheck
}
