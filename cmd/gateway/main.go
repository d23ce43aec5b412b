package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"llamastream/internal/cache"
	"llamastream/internal/handlers"
	"llamastream/internal/httpserver"
	"llamastream/internal/llama"
	"llamastream/internal/metrics"
	"llamastream/internal/tracer"
	"llamastream/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	logger := logging.DefaultLogger()
	defer logger.Sync()

	metrics.Register()

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.String("version_id", cfg.VersionID),
		zap.String("model_id", cfg.ModelID),
		zap.String("llama_base_url", cfg.LlamaBaseURL),
		zap.Duration("request_timeout", cfg.RequestTimeout),
	)

	shutdownTracing, err := tracer.Setup(context.Background(), tracer.Config{
		Enabled:  cfg.TracingExporter != "",
		Exporter: cfg.TracingExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	}

	var exactCache cache.ExactCache
	health := &handlers.HealthHandler{}
	if cfg.CacheBackend != "none" {
		exactCache = cache.NewLoggingExactCache(cache.NewExactCache(cache.Config{
			Backend: cfg.CacheBackend,
			TTL:     cfg.CacheTTL,
			Prefix:  "llamastream",
		}, redisClient))
		if p, ok := exactCache.(handlers.Pinger); ok {
			health.Cache = p
		}
	}

	inner, err := llama.NewClient(llama.Config{
		BaseURL:    cfg.LlamaBaseURL,
		APIKey:     cfg.LlamaAPIKey,
		MaxRetries: cfg.UpstreamRetries,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := inner.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	client := llama.NewBreakerClient(inner, llama.BreakerConfig{
		MaxFailures: uint32(cfg.BreakerFailures),
	}, logger)
	health.Breaker = client

	completion := handlers.NewCompletionHandler(
		exactCache,
		cfg.CacheTTL,
		cfg.VersionID,
		cfg.ModelID,
		client,
	)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
	}, completion, health)

	// No WriteTimeout: completions stream for as long as the model generates.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
