package llama

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"llamastream/internal/metrics"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration
}

// BreakerClient fails fast while the server keeps refusing requests. Only
// opening a stream counts: errors after the first byte are the reader's
// business. Cancellations and 4xx answers never trip the circuit.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[*Payload]
}

var _ Client = (*BreakerClient)(nil)

func NewBreakerClient(inner Client, cfg BreakerConfig, logger *zap.Logger) *BreakerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*Payload](gobreaker.Settings{
		Name:        "llama",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerTransitionsTotal.WithLabelValues(to.String()).Inc()
		},
		IsSuccessful: breakerSuccess,
	})

	return &BreakerClient{inner: inner, breaker: cb}
}

func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return !serr.Temporary()
	}
	return false
}

func (b *BreakerClient) Completion(ctx context.Context, prompt string, params *Params) (*Payload, error) {
	out, err := b.breaker.Execute(func() (*Payload, error) {
		return b.inner.Completion(ctx, prompt, params)
	})
	return out, b.wrap(err)
}

func (b *BreakerClient) CompletionStream(ctx context.Context, prompt string, params *Params) (*Stream, error) {
	var s *Stream
	_, err := b.breaker.Execute(func() (*Payload, error) {
		var err error
		s, err = b.inner.CompletionStream(ctx, prompt, params)
		return nil, err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return s, nil
}

// State reports the circuit state for health checks.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerClient) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("llamaclient: circuit open: %w", err)
	}
	return err
}
