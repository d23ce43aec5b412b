package llama

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry performs the request up to MaxRetries+1 times. Only connection
// establishment is retried: once a response is handed back, its body belongs
// to the caller and a broken stream is never replayed. With the default
// MaxRetries of zero this is a single attempt.
//   - Retries transient network errors, 408, 429 and 5xx.
//   - Honours Retry-After (capped at 5 minutes).
//   - Exponential backoff with full jitter between attempts.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	maxAttempts := c.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx, body)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Debug("llama upstream request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		last := attempt == maxAttempts-1

		switch {
		case err != nil:
			if isCancellation(err) || !isTransientNetError(err) || last {
				return nil, err
			}
			lastErr = err

		case !shouldRetryStatus(status) || last:
			// Success, a client error, or nothing left to try: the caller
			// reads the body either way.
			return resp, nil

		default:
			lastErr = fmt.Errorf("upstream status %d", status)
			retryAfter := parseRetryAfter(resp)
			resp.Body.Close()

			if retryAfter > 0 {
				c.logger.Info("honoring Retry-After header",
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				if err := sleepCtx(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
		}

		backoff := computeBackoff(c.cfg.BaseBackoff, attempt)
		c.logger.Debug("backing off before retry",
			zap.Duration("backoff", backoff),
			zap.Int("next_attempt", attempt+2),
			zap.Error(lastErr),
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, fmt.Errorf("llamaclient: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransientNetError reports whether a connection-level error may succeed on
// another attempt, e.g. while the server is still loading its model.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write") {
		return true
	}

	// Wrapped errors sometimes lose their type.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		// llama.cpp answers 503 while the model is loading.
		return true
	default:
		return false
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date; 0 if absent.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	var d time.Duration
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(retryAfter); err == nil {
		d = time.Until(t)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns a random duration in [0, base*2^attempt], capped at
// one minute.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	const maxExponent = 10
	attempt = min(attempt, maxExponent)

	const maxAllowed = 60 * time.Second
	ceiling := min(time.Duration(float64(base)*math.Pow(2, float64(attempt))), maxAllowed)

	return time.Duration(rand.Float64() * float64(ceiling))
}
