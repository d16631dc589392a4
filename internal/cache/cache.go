// Package cache is the read-through TTL cache in front of the hot list
// endpoints (sessions, documents, stats). Entries are JSON blobs keyed
// per user and invalidated on every write to the underlying rows, so a
// stale read can never outlive the TTL.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lorekeep/lorekeep/internal/config"
)

// DefaultTTL matches the original deployment's 120 second windows.
const DefaultTTL = 120 * time.Second

// defaultSize bounds the in-memory backend; at three keys per active
// user this covers thousands of tenants.
const defaultSize = 4096

// Cache is the TTL store contract. Implementations must be safe for
// concurrent use. Get misses and backend failures both read as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
	Close() error
}

// FromConfig picks the backend: redis when a url is configured, the
// in-process store otherwise.
func FromConfig(ctx context.Context, cfg *config.Config) (Cache, error) {
	ttl, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil || ttl <= 0 {
		ttl = DefaultTTL
	}
	if cfg.Cache.RedisURL != "" {
		return NewRedis(ctx, cfg.Cache.RedisURL, ttl)
	}
	return NewMemory(ttl), nil
}

// Key builders. All cached state is per user, so invalidation on a
// write only has to name the affected user.

func SessionsKey(userID string) string { return "sessions:" + userID }

func DocumentsKey(userID string) string { return "documents:" + userID }

func StatsKey(userID string) string { return "stats:" + userID }

// Memory is the in-process backend, the default when no redis url is
// configured.
type Memory struct {
	entries *expirable.LRU[string, []byte]
}

// NewMemory creates the in-memory backend. Non-positive ttl takes
// DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: expirable.NewLRU[string, []byte](defaultSize, nil, ttl),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	return m.entries.Get(key)
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.entries.Add(key, value)
}

func (m *Memory) Delete(_ context.Context, keys ...string) {
	for _, key := range keys {
		m.entries.Remove(key)
	}
}

func (m *Memory) Close() error { return nil }

// Through reads key from the cache, loading and caching the value on a
// miss. Load errors pass through uncached; a corrupt cached entry is
// dropped and reloaded rather than returned.
func Through[T any](ctx context.Context, c Cache, key string, load func() (T, error)) (T, error) {
	if blob, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(blob, &cached); err == nil {
			return cached, nil
		}
		c.Delete(ctx, key)
	}

	value, err := load()
	if err != nil {
		return value, err
	}
	if blob, err := json.Marshal(value); err == nil {
		c.Set(ctx, key, blob)
	}
	return value, nil
}
