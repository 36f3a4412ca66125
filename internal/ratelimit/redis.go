package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RedisLimiter implements Limiter with fixed-window counters stored in Redis,
// so every instance behind a load balancer shares the same budget per key.
type RedisLimiter struct {
	client  *redis.Client
	limiter *limiter.Limiter
}

// NewRedisLimiter creates a limiter allowing limit requests per period per key.
// Keys are namespaced under prefix. Close closes client.
func NewRedisLimiter(client *redis.Client, limit int, period time.Duration, prefix string) (*RedisLimiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   prefix,
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: create redis store: %w", err)
	}
	rate := limiter.Rate{Period: period, Limit: int64(limit)}
	return &RedisLimiter{client: client, limiter: limiter.New(store, rate)}, nil
}

// NewRedisLimiterFromURL parses a redis:// URL and creates a RedisLimiter.
func NewRedisLimiterFromURL(ctx context.Context, url string, limit int, period time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	l, err := NewRedisLimiter(client, limit, period, "portal:ratelimit")
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return l, nil
}

// Allow increments the counter for key and reports whether it is within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	lctx, err := l.limiter.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis get %s: %w", key, err)
	}
	return Result{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		ResetAt:   time.Unix(lctx.Reset, 0),
	}, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
