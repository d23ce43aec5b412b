package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         string
	CacheBackend string // "memory" or "redis"
	CacheTTL     time.Duration
	VersionID    string
	ModelID      string
	RedisAddr    string

	LlamaBaseURL    string
	LlamaAPIKey     string
	UpstreamRetries int

	RequestTimeout  time.Duration // 0 disables the per-request deadline
	BreakerFailures int
	TracingExporter string // "", "noop" or "stdout"
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:            getenv("PORT", "8081"),
		CacheBackend:    getenv("CACHE_BACKEND", "memory"),
		VersionID:       getenv("GATEWAY_VERSION", "v1"),
		ModelID:         getenv("MODEL_ID", "default"),
		RedisAddr:       getenv("REDIS_ADDR", "127.0.0.1:6379"),
		LlamaBaseURL:    getenv("LLAMA_BASE_URL", "http://localhost:8080"),
		LlamaAPIKey:     os.Getenv("LLAMA_API_KEY"),
		TracingExporter: os.Getenv("TRACING_EXPORTER"),
	}

	var err error
	if cfg.CacheTTL, err = durationEnv("CACHE_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamRetries, err = intEnv("UPSTREAM_RETRIES", 0); err != nil {
		return Config{}, err
	}
	if cfg.BreakerFailures, err = intEnv("BREAKER_MAX_FAILURES", 5); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.CacheBackend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory, redis or none, got %q", c.CacheBackend)
	}
	if c.UpstreamRetries < 0 {
		return fmt.Errorf("UPSTREAM_RETRIES must be >= 0")
	}
	if c.BreakerFailures < 1 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be >= 1")
	}
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
