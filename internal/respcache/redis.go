package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces cache keys in a shared Redis instance.
const keyPrefix = "convoke:respcache:"

// RedisBackend stores entries as JSON strings with Redis-managed TTLs.
// Use it when several gateway replicas should share one response cache.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the Redis instance at url (a redis:// URL)
// and verifies reachability with a ping.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("respcache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("respcache: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := b.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("respcache: redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("respcache: decode entry: %w", err)
	}
	return e, true, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("respcache: encode entry: %w", err)
	}
	if err := b.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("respcache: redis set: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
