package llama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	for _, baseURL := range []string{"ftp://localhost:8080", "http://", "://nope"} {
		if _, err := NewClient(Config{BaseURL: baseURL}, zaptest.NewLogger(t)); err == nil {
			t.Fatalf("expected validation error for %q, got nil", baseURL)
		}
	}
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:8080///"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(c)

	cfg := c.(*client).cfg
	if cfg.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("trailing slashes not trimmed: %s", cfg.BaseURL)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("retries must be off by default, got %d", cfg.MaxRetries)
	}
	if cfg.UpstreamTimeout != 0 {
		t.Fatalf("no timeout by default, got %s", cfg.UpstreamTimeout)
	}

	empty := Config{}
	if got := empty.WithDefaults().BaseURL; got != DefaultBaseURL {
		t.Fatalf("expected default base URL, got %s", got)
	}
}

func TestCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotAccept, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":"four","stop":true,"stopped_eos":true,"tokens_predicted":2,"timings":{"predicted_n":2}}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer closeClient(c)

	out, err := c.Completion(context.Background(), "2+2=", &Params{NPredict: Ptr(8)})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if gotAccept != "application/json" {
		t.Fatalf("unexpected Accept: %s", gotAccept)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected Authorization: %s", gotAuth)
	}
	if gotBody["stream"] != false {
		t.Fatalf("non-stream request must send stream=false, got %v", gotBody["stream"])
	}
	if gotBody["n_predict"] != float64(8) || gotBody["prompt"] != "2+2=" {
		t.Fatalf("unexpected body: %v", gotBody)
	}

	if out.Content != "four" || out.StopReason() != "eos" || out.Timings == nil || out.Timings.PredictedN != 2 {
		t.Fatalf("unexpected payload: %#v", out)
	}
}

func TestCompletionUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"prompt too long","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})

	_, err := c.Completion(context.Background(), "x", nil)
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadRequest || serr.Message != "prompt too long" {
		t.Fatalf("unexpected status error: %#v", serr)
	}
}

func TestCompletionStreamNoRetryByDefault(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})

	_, err := c.CompletionStream(context.Background(), "hi", nil)
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestCompletionStreamRetriesWhenEnabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"content\":\"ok\",\"stop\":true}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL, MaxRetries: 2, BaseBackoff: time.Millisecond})

	s, err := c.CompletionStream(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("CompletionStream: %v", err)
	}
	text, err := s.Collect()
	if err != nil || text != "ok" {
		t.Fatalf("unexpected result %q, %v", text, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > 60*time.Second {
			t.Fatalf("attempt %d: backoff %s out of bounds", attempt, d)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{}}
	if d := parseRetryAfter(resp); d != 0 {
		t.Fatalf("missing header: got %s", d)
	}
	resp.Header.Set("Retry-After", "3")
	if d := parseRetryAfter(resp); d != 3*time.Second {
		t.Fatalf("seconds: got %s", d)
	}
	resp.Header.Set("Retry-After", "100000")
	if d := parseRetryAfter(resp); d != 5*time.Minute {
		t.Fatalf("cap: got %s", d)
	}
}

func newTestClient(t *testing.T, cfg Config) Client {
	t.Helper()
	c, err := NewClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { closeClient(c) })
	return c
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
