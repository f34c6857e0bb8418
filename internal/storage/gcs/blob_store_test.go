package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	appstorage "github.com/JakeFAU/seo-crawler/internal/storage"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, fn roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: fn}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b", Prefix: "/crawler/"})
	require.NoError(t, err)
	assert.Equal(t, "crawler/", store.prefix)
}

func TestGetObjectNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/bucket/crawler/snapshots/site.json")
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})
	store, err := New(client, Config{Bucket: "bucket", Prefix: "crawler"})
	require.NoError(t, err)

	_, err = store.GetObject(context.Background(), "snapshots/site.json")
	assert.ErrorIs(t, err, appstorage.ErrNotFound)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	store, err := New(client, Config{Bucket: "bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), " ", "application/json", bytes.NewReader(nil))
	require.Error(t, err)
}
