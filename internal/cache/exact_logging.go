package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"llamastream/internal/metrics"
	"llamastream/pkg/logging/logging"
)

// LoggingExactCache wraps an ExactCache with logging + metrics.
type LoggingExactCache struct {
	inner ExactCache
}

func NewLoggingExactCache(inner ExactCache) ExactCache {
	return &LoggingExactCache{inner: inner}
}

func (c *LoggingExactCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "hit"
		metrics.ExactHitsTotal.Inc()
	}

	fields := append(keyFields(key, start),
		zap.String("cache_result", result), // hit | miss | error
		zap.Int("value_bytes", len(value)),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("exact_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("exact_cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, ttl)

	fields := append(keyFields(key, start),
		zap.Int("value_bytes", len(value)),
		zap.Duration("ttl", ttl),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("exact_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("exact_cache_set", fields...)
	}

	return err
}

// Ping forwards to the inner cache when it supports health checks.
func (c *LoggingExactCache) Ping(ctx context.Context) error {
	if p, ok := c.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func keyFields(key string, start time.Time) []zap.Field {
	fields := []zap.Field{
		zap.String("cache_tier", "exact"),
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
	}
	if parts, ok := parseExactKey(key); ok {
		return append(fields,
			zap.String("user_id", parts.userID),
			zap.String("model_id", parts.modelID),
			zap.String("version_id", parts.versionID),
			zap.String("hash", parts.hash),
		)
	}
	return append(fields, zap.String("hash_key", key))
}

type exactKeyParts struct {
	userID    string
	modelID   string
	versionID string
	hash      string
}

// Expecting: exact:<USER_ID>:<MODEL_ID>:<VERSION_ID>:<HASH>
func parseExactKey(key string) (exactKeyParts, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "exact" {
		return exactKeyParts{}, false
	}
	return exactKeyParts{
		userID:    parts[1],
		modelID:   parts[2],
		versionID: parts[3],
		hash:      parts[4],
	}, true
}
