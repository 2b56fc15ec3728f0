package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter limits requests per key in a fixed time window backed by Redis.
type FixedWindowLimiter struct {
	limit    int
	window   time.Duration
	prefix   string
	failOpen bool
	now      func() time.Time

	client redis.UniversalClient
}

// Option customizes a limiter.
type Option func(*FixedWindowLimiter)

// WithFailOpen lets requests through when Redis is unreachable.
func WithFailOpen() Option {
	return func(l *FixedWindowLimiter) { l.failOpen = true }
}

// NewFixedWindowLimiter builds a limiter over an existing Redis client.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, opts ...Option) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "liber:ratelimit"
	}
	l := &FixedWindowLimiter{
		limit:  limit,
		window: window,
		prefix: prefix,
		now:    time.Now,
		client: client,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow counts one request for key. On Redis failures it fails closed unless
// WithFailOpen was given; the error is returned either way.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = errors.New("rate limiter: unexpected script reply")
		}
		return Decision{Allowed: l.failOpen}, fmt.Errorf("rate limiter: %w", err)
	}
	count, ttl := res[0], res[1]
	d := Decision{Allowed: count <= int64(l.limit)}
	if d.Allowed {
		d.Remaining = l.limit - int(count)
		return d, nil
	}
	if ttl <= 0 {
		ttl = windowMs
	}
	d.RetryAfter = time.Duration(ttl) * time.Millisecond
	return d, nil
}
