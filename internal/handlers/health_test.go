package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedState gobreaker.State

func (s fixedState) State() gobreaker.State { return gobreaker.State(s) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name     string
		h        HealthHandler
		wantCode int
		wantBody string
	}{
		{"bare", HealthHandler{}, http.StatusOK, `{"status":"ok"}`},
		{
			"open circuit still serves",
			HealthHandler{Cache: pingFunc(func(context.Context) error { return nil }), Breaker: fixedState(gobreaker.StateOpen)},
			http.StatusOK,
			`{"status":"ok","cache":"ok","upstream":"open"}`,
		},
		{
			"cache down",
			HealthHandler{Cache: pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })},
			http.StatusServiceUnavailable,
			`{"status":"degraded","cache":"unreachable"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}
