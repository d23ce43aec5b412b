package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisExactCache shares cached completions between gateway instances.
type RedisExactCache struct {
	client redis.Cmdable
	prefix string
}

type RedisConfig struct {
	Prefix string
}

func NewRedisExactCache(client redis.Cmdable, config RedisConfig) *RedisExactCache {
	return &RedisExactCache{
		client: client,
		prefix: config.Prefix,
	}
}

func (c *RedisExactCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get returns (nil, false, err) on Redis errors so the caller can log and
// treat them as a miss.
func (c *RedisExactCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	res, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

// Set stores value with ttl. A ttl <= 0 does nothing: Redis would keep the
// key forever.
func (c *RedisExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if ttl <= 0 {
		return nil
	}

	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Ping checks if Redis connection is healthy.
func (c *RedisExactCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.client.Ping(ctx).Err()
}
