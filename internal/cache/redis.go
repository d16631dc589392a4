package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared backend for multi-instance gateways. Errors are
// logged and degrade to cache misses so a redis outage slows reads
// instead of failing them.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to a redis url (redis://[:pass@]host:port/db) and
// verifies the connection before returning.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	blob, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache get failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	return blob, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		slog.Warn("cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (r *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache delete failed", slog.Any("error", err))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
