package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"llamastream/pkg/logging/logging"
)

// Pinger is implemented by cache backends that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerState is implemented by llama.BreakerClient.
type BreakerState interface {
	State() gobreaker.State
}

type HealthHandler struct {
	Cache   Pinger       // optional
	Breaker BreakerState // optional
}

type healthBody struct {
	Status   string `json:"status"`
	Cache    string `json:"cache,omitempty"`
	Upstream string `json:"upstream,omitempty"`
}

// Healthz answers 200 while the gateway can serve. An open circuit is
// reported but does not fail the check; an unreachable cache does.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	status := http.StatusOK

	if h.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Cache.Ping(ctx); err != nil {
			logging.L(r.Context()).Warn("cache ping failed", zap.Error(err))
			body.Status, body.Cache = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			body.Cache = "ok"
		}
	}
	if h.Breaker != nil {
		body.Upstream = h.Breaker.State().String()
	}

	writeJSON(w, status, body)
}
