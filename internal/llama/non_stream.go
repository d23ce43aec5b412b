package llama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"llamastream/internal/tracer"
)

const (
	maxResponseSize  = 8 * 1024 * 1024 // non-streaming response body
	maxErrorBodySize = 4 * 1024
)

// Completion runs a completion with stream forced off and decodes the
// single JSON response.
func (c *client) Completion(parentCtx context.Context, prompt string, params *Params) (*Payload, error) {
	start := time.Now()

	body := RequestBody(prompt, params)
	body["stream"] = false

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llamaclient: marshal request: %w", err)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "llama.completion",
		trace.WithAttributes(tracer.IntAttr("llama.prompt_bytes", len(prompt))),
	)
	defer span.End()

	fail := func(err error) (*Payload, error) {
		err = classify(err, ctx.Err())
		tracer.RecordError(span, err)
		if errors.Is(err, ErrCancelled) {
			c.logger.Debug("llama request cancelled", zap.Error(err))
		} else {
			c.logger.Error("llama request failed",
				zap.Error(err),
				zap.Duration("duration", time.Since(start)),
			)
		}
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, c.post("application/json"))
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(readStatusError(resp))
	}

	var out Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %w", ErrMalformedPayload, err))
	}

	tracer.SetOK(span)
	c.logger.Info("llama request completed",
		zap.Int("tokens_predicted", out.TokensPredicted),
		zap.Int("tokens_evaluated", out.TokensEvaluated),
		zap.String("stop_reason", out.StopReason()),
		zap.Duration("duration", time.Since(start)),
	)
	return &out, nil
}

// errorResponse is the body llama.cpp sends with non-2xx statuses.
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// readStatusError builds a *StatusError from a non-2xx response, preferring
// the structured error message over the raw body.
func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	serr := &StatusError{StatusCode: resp.StatusCode}

	var perr errorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		serr.Message = perr.Error.Message
		serr.Type = perr.Error.Type
		return serr
	}

	serr.Message = truncate(string(body), 200)
	if serr.Message == "" {
		serr.Message = http.StatusText(resp.StatusCode)
	}
	return serr
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
