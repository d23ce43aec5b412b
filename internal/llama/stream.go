package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"llamastream/internal/metrics"
	"llamastream/internal/tracer"
)

const doneSentinel = "[DONE]"

// Stream outcomes, used as metric labels.
const (
	outcomeStopped   = "stopped"
	outcomeEOF       = "eof"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeClosed    = "closed"
)

// CompletionStream opens a streaming completion. stream=true is always sent,
// whatever params.Stream says: the body is read as an event stream.
func (c *client) CompletionStream(parentCtx context.Context, prompt string, params *Params) (*Stream, error) {
	start := time.Now()

	body := RequestBody(prompt, params)
	body["stream"] = true

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llamaclient: marshal stream request: %w", err)
	}

	// Per-request timeout (0 = only the caller's context)
	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}

	ctx, span := tracer.StartSpan(ctx, "llama.completion_stream",
		trace.WithAttributes(
			tracer.StringAttr("llama.base_url", c.cfg.BaseURL),
			tracer.IntAttr("llama.prompt_bytes", len(prompt)),
		),
	)

	c.logger.Debug("llama stream request starting",
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("body_bytes", len(bodyBytes)),
	)

	fail := func(err error) (*Stream, error) {
		err = classify(err, ctx.Err())
		cancel()
		tracer.RecordError(span, err)
		span.End()
		if errors.Is(err, ErrCancelled) {
			c.logger.Debug("llama stream cancelled before opening", zap.Error(err))
			metrics.StreamsTotal.WithLabelValues(outcomeCancelled).Inc()
		} else {
			c.logger.Error("llama stream connect failed",
				zap.Error(err),
				zap.Duration("duration", time.Since(start)),
			)
			metrics.StreamsTotal.WithLabelValues(outcomeFailed).Inc()
		}
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, c.post("text/event-stream"))
	if err != nil {
		return fail(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return fail(readStatusError(resp))
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return fail(ErrStreamUnavailable)
	}

	s := newStream(ctx, cancel, resp.Body, c.logger, span)
	s.start = start
	return s, nil
}

// post returns a request factory for one attempt against /completion.
func (c *client) post(accept string) func(ctx context.Context, body []byte) (*http.Response, error) {
	url := c.cfg.BaseURL + "/completion"
	return func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llamaclient: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", accept)
		httpReq.Header.Set("Connection", "keep-alive")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return c.httpClient.Do(httpReq)
	}
}

// Stream reads the records of one streaming completion. It is not safe for
// concurrent use, except that Close may be called from any goroutine to
// abort a blocked Next.
//
//	s, err := client.CompletionStream(ctx, prompt, nil)
//	if err != nil { ... }
//	defer s.Close()
//	for s.Next() {
//		fmt.Print(s.Record().Data.Content)
//	}
//	if err := s.Err(); err != nil { ... }
//	text := s.Text()
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	events *eventReader
	logger *zap.Logger
	span   trace.Span
	start  time.Time

	rec     *Record
	text    strings.Builder
	records atomic.Int64
	done    bool
	err     error

	closeOnce   sync.Once
	observeOnce sync.Once
}

// NewStream wraps an already open event-stream body. The stream owns body
// and closes it on every exit path.
func NewStream(ctx context.Context, body io.ReadCloser, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return newStream(ctx, cancel, body, logger, noop.Span{})
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, logger *zap.Logger, span trace.Span) *Stream {
	return &Stream{
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		events: newEventReader(body),
		logger: logger,
		span:   span,
		start:  time.Now(),
	}
}

// Next reads the next record. It returns false when the server signalled
// stop, the body ended, the context was cancelled, or an error occurred;
// Err tells which.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	s.rec = nil

	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return false
	}

	fields, err := s.events.next()
	if err != nil {
		if errors.Is(err, io.EOF) && s.ctx.Err() == nil {
			s.finish(outcomeEOF)
			return false
		}
		s.fail(err)
		return false
	}

	raw := fields["data"]
	if strings.TrimSpace(raw) == doneSentinel {
		s.finish(outcomeEOF)
		return false
	}

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrMalformedPayload, err))
		return false
	}

	s.text.WriteString(payload.Content)
	s.rec = &Record{Fields: fields, Data: &payload}
	n := s.records.Add(1)

	metrics.StreamRecordsTotal.Inc()
	if n == 1 {
		metrics.TimeToFirstRecordSeconds.Observe(time.Since(s.start).Seconds())
	}

	if payload.Stop {
		if len(payload.GenerationSettings) > 0 {
			s.logger.Info("generation settings",
				zap.Any("generation_settings", payload.GenerationSettings),
			)
		}
		s.logger.Debug("llama stream stopped",
			zap.String("stop_reason", payload.StopReason()),
			zap.Int("tokens_predicted", payload.TokensPredicted),
		)
		// The stop record is still returned; the next call reports the end.
		s.finish(outcomeStopped)
	}

	return true
}

// Record returns the record read by the last successful Next.
func (s *Stream) Record() *Record {
	return s.rec
}

// Err returns the error that ended the stream, nil after a normal end.
func (s *Stream) Err() error {
	return s.err
}

// Text returns the content accumulated so far; after the stream ends it is
// the full completion.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close aborts the request and releases the body. It is safe to call more
// than once and after the stream has ended.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
	s.observe(outcomeClosed, nil)
	return nil
}

// Records iterates over the stream. Leaving the loop early closes the
// stream; an error is yielded once, as the last element.
func (s *Stream) Records() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.rec, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

// Collect drains the stream and returns the accumulated text.
func (s *Stream) Collect() (string, error) {
	defer s.Close()
	for s.Next() {
	}
	return s.Text(), s.err
}

func (s *Stream) finish(outcome string) {
	s.done = true
	s.observe(outcome, nil)
	s.Close()
}

func (s *Stream) fail(err error) {
	s.done = true
	s.err = classify(err, s.ctx.Err())

	if errors.Is(s.err, ErrCancelled) {
		s.logger.Debug("llama stream cancelled",
			zap.Int64("records", s.records.Load()),
			zap.Error(s.err),
		)
		s.observe(outcomeCancelled, s.err)
	} else {
		s.logger.Error("llama stream failed",
			zap.Int64("records", s.records.Load()),
			zap.Error(s.err),
		)
		s.observe(outcomeFailed, s.err)
	}
	s.Close()
}

// observe records metrics and ends the span for the first terminal outcome.
func (s *Stream) observe(outcome string, err error) {
	s.observeOnce.Do(func() {
		metrics.StreamsTotal.WithLabelValues(outcome).Inc()
		metrics.StreamDurationSeconds.WithLabelValues(outcome).Observe(time.Since(s.start).Seconds())

		s.span.SetAttributes(
			tracer.IntAttr("llama.records", int(s.records.Load())),
			tracer.StringAttr("llama.outcome", outcome),
		)
		if err != nil {
			tracer.RecordError(s.span, err)
		} else {
			tracer.SetOK(s.span)
		}
		s.span.End()
	})
}
