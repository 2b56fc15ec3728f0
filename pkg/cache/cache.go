// Package cache is the read-through cache shared by the recommender and the
// embedding pipeline. Values are JSON blobs stored with SET EX, so a write only
// ever touches its own key's TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shahmir-m/liber/pkg/domain"
)

// Cache is a key/value store with per-key TTL.
// Errors wrap domain.ErrCacheUnavailable; callers treat them as a miss.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// RedisCache implements Cache and the index revision counter on Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client. prefix namespaces every key.
func NewRedisCache(client redis.UniversalClient, prefix string) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("cache redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "liber"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.CacheUnavailable(err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// A corrupt entry is a miss; the next write replaces it.
		return false, domain.CacheUnavailable(fmt.Errorf("decode %s: %w", key, err))
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive for %s", key)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return domain.CacheUnavailable(err)
	}
	return nil
}

const revisionKey = "index:revision"

// Revision returns the current vector index revision. A missing counter reads as 0.
func (c *RedisCache) Revision(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key(revisionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.CacheUnavailable(err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, domain.CacheUnavailable(err)
	}
	return n, nil
}

// BumpRevision advances the index revision after a vector store write so that
// recommendation entries computed against the old index are no longer addressed.
func (c *RedisCache) BumpRevision(ctx context.Context) (int64, error) {
	n, err := c.client.Incr(ctx, c.key(revisionKey)).Result()
	if err != nil {
		return 0, domain.CacheUnavailable(err)
	}
	return n, nil
}

// Ping reports whether Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
