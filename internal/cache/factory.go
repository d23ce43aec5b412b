package cache

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend    string // "memory" or "redis"
	TTL        time.Duration
	Prefix     string
	MaxEntries int // memory backend only
}

func NewExactCache(cfg Config, redisClient *redis.Client) ExactCache {
	switch cfg.Backend {
	case "redis":
		return NewRedisExactCache(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		})
	default:
		return NewMemoryExactCache(MemoryConfig{
			CleanupInterval: cfg.TTL,
			MaxEntries:      cfg.MaxEntries,
		})
	}
}
