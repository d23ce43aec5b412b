package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"llamastream/internal/handlers"
	"llamastream/internal/metrics"
	"llamastream/internal/middleware"
)

type RouterConfig struct {
	// RequestTimeout bounds a whole request, streaming included. 0 disables it.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	cfg RouterConfig,
	completion *handlers.CompletionHandler,
	health *handlers.HealthHandler,
) {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 512 * 1024
	}

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.MaxBodySize(maxBody))

	r.Post("/completion", completion.Completion)

	r.Get("/healthz", health.Healthz)
	r.Handle("/metrics", metrics.Handler())
}
