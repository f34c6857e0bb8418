// Package redis provides a BlobStore backed by Redis string keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/seo-crawler/internal/storage"
)

const (
	defaultKeyPrefix  = "seocrawl:"
	scanCount         = 256
	connectionTimeout = 5 * time.Second
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds Redis connection configuration.
type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string `mapstructure:"key_prefix"`
	// TTL, when positive, expires objects on the server side.
	TTL time.Duration `mapstructure:"ttl"`
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// BlobStore keeps each object in one Redis key.
type BlobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ storage.BlobStore = (*BlobStore)(nil)

// New creates a Redis-backed blob store.
func New(client redis.UniversalClient, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &BlobStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// PutObject stores data under the prefixed key and returns a redis:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	key := s.prefix + path
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set %s: %w", key, err)
	}
	return "redis://" + key, nil
}

// GetObject returns the stored bytes or storage.ErrNotFound.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return data, nil
}

// DeleteObject removes the key.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.prefix+path).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", path, err)
	}
	return nil
}

// ListObjects scans keys under prefix and returns their paths sorted.
func (s *BlobStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	match := escapeGlob(s.prefix+prefix) + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			out = append(out, strings.TrimPrefix(key, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}
