package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"llamastream/internal/cache"
	"llamastream/internal/llama"
	"llamastream/pkg/logging/logging"
)

type mockLlamaClient struct {
	events         string // raw SSE body served by CompletionStream
	hang           bool   // keep the body open after events until ctx ends
	resp           *llama.Payload
	err            error
	streamCalls    int
	nonStreamCalls int
	lastPrompt     string
	lastParams     *llama.Params
}

func (m *mockLlamaClient) Completion(ctx context.Context, prompt string, params *llama.Params) (*llama.Payload, error) {
	m.nonStreamCalls++
	m.lastPrompt, m.lastParams = prompt, params
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockLlamaClient) CompletionStream(ctx context.Context, prompt string, params *llama.Params) (*llama.Stream, error) {
	m.streamCalls++
	m.lastPrompt, m.lastParams = prompt, params
	if m.err != nil {
		return nil, m.err
	}
	if m.hang {
		pr, pw := io.Pipe()
		go func() {
			_, _ = io.WriteString(pw, m.events)
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return llama.NewStream(ctx, pr, nil), nil
	}
	return llama.NewStream(ctx, io.NopCloser(strings.NewReader(m.events)), nil), nil
}

func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&b, "data: %s\n\n", p)
	}
	return b.String()
}

func newHandler(t *testing.T, client llama.Client) (*CompletionHandler, *cache.MemoryExactCache) {
	t.Helper()
	store := cache.NewMemoryExactCache(cache.MemoryConfig{})
	t.Cleanup(func() { store.Close() })
	return NewCompletionHandler(store, time.Minute, "vtest", "llama-test", client), store
}

func post(h *CompletionHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-42")
	rr := httptest.NewRecorder()
	h.Completion(rr, req)
	return rr
}

// readRelayed parses the gateway's own output with the client's stream reader.
func readRelayed(t *testing.T, body string) (string, []*llama.Record) {
	t.Helper()
	s := llama.NewStream(context.Background(), io.NopCloser(strings.NewReader(body)), nil)
	var recs []*llama.Record
	for rec, err := range s.Records() {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return s.Text(), recs
}

func TestCompletionRelaysStream(t *testing.T) {
	fake := &mockLlamaClient{events: sseBody(
		`{"content":"Hel","stop":false}`,
		`{"content":"lo","stop":false}`,
		`{"content":"","stop":true,"stopped_eos":true,"tokens_predicted":2}`,
	)}
	h, _ := newHandler(t, fake)

	rr := post(h, `{"prompt":"Say hello","n_predict":8}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, 1, fake.streamCalls)
	assert.Equal(t, "Say hello", fake.lastPrompt)
	require.NotNil(t, fake.lastParams.NPredict)
	assert.Equal(t, 8, *fake.lastParams.NPredict)

	text, recs := readRelayed(t, rr.Body.String())
	assert.Equal(t, "Hello", text)
	require.Len(t, recs, 3)
	assert.True(t, recs[2].Data.Stop)
	assert.Equal(t, "eos", recs[2].Data.StopReason())
}

func TestCompletionRequiresPrompt(t *testing.T) {
	fake := &mockLlamaClient{}
	h, _ := newHandler(t, fake)

	for _, body := range []string{`{}`, `{"prompt":""}`, `not json`} {
		rr := post(h, body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	assert.Zero(t, fake.streamCalls+fake.nonStreamCalls)
}

func TestCompletionCachesDeterministicStreams(t *testing.T) {
	fake := &mockLlamaClient{events: sseBody(
		`{"content":"4","stop":false}`,
		`{"content":"","stop":true,"stopped_word":true,"stopping_word":"\n"}`,
	)}
	h, store := newHandler(t, fake)
	body := `{"prompt":"2+2=","temperature":0}`

	first := post(h, body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, 1, store.Len())

	second := post(h, body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, fake.streamCalls, "second request must be served from cache")

	text, recs := readRelayed(t, second.Body.String())
	assert.Equal(t, "4", text)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Data.Stop)
	assert.Equal(t, "word", recs[0].Data.StopReason())

	// the cached completion also answers the non-streaming form
	third := post(h, `{"prompt":"2+2=","temperature":0,"stream":false}`)
	require.Equal(t, http.StatusOK, third.Code)
	var p llama.Payload
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &p))
	assert.Equal(t, "4", p.Content)
	assert.Zero(t, fake.nonStreamCalls)
}

func TestCompletionSkipsCacheForSampledRequests(t *testing.T) {
	fake := &mockLlamaClient{events: sseBody(`{"content":"x","stop":true}`)}
	h, store := newHandler(t, fake)

	post(h, `{"prompt":"tell me a story"}`)
	post(h, `{"prompt":"tell me a story"}`)

	assert.Equal(t, 2, fake.streamCalls)
	assert.Zero(t, store.Len())
}

func TestCompletionDoesNotCacheIncompleteStreams(t *testing.T) {
	fake := &mockLlamaClient{events: sseBody(`{"content":"par","stop":false}`, `{bad json`)}
	h, store := newHandler(t, fake)

	rr := post(h, `{"prompt":"x","seed":1}`)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `"content":"par"`)
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "malformed event payload")
	assert.Zero(t, store.Len())
}

func TestCompletionNonStream(t *testing.T) {
	fake := &mockLlamaClient{resp: &llama.Payload{Content: "hello!", Stop: true, StoppedLimit: true}}
	h, store := newHandler(t, fake)

	rr := post(h, `{"prompt":"hi","stream":false,"seed":3}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var p llama.Payload
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "hello!", p.Content)
	assert.Equal(t, 1, fake.nonStreamCalls)
	assert.Equal(t, 1, store.Len())
}

func TestCompletionUpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"client error passes through", &llama.StatusError{StatusCode: 400, Message: "bad grammar"}, http.StatusBadRequest},
		{"server error is bad gateway", &llama.StatusError{StatusCode: 500, Message: "oom"}, http.StatusBadGateway},
		{"transport", fmt.Errorf("%w: %w", llama.ErrTransport, errors.New("connection refused")), http.StatusBadGateway},
		{"circuit open", fmt.Errorf("llamaclient: circuit open: %w", gobreaker.ErrOpenState), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t, &mockLlamaClient{err: tt.err})
			rr := post(h, `{"prompt":"x"}`)
			assert.Equal(t, tt.want, rr.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestCompletionBodyTooLarge(t *testing.T) {
	h, _ := newHandler(t, &mockLlamaClient{})
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"prompt":"`+strings.Repeat("a", 64)+`"}`))
	rr := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rr, req.Body, 16)

	h.Completion(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestCompletionReportsGatewayDeadlineMidStream(t *testing.T) {
	fake := &mockLlamaClient{hang: true, events: sseBody(`{"content":"slow","stop":false}`)}
	h, _ := newHandler(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()

	h.Completion(rr, req)

	body := rr.Body.String()
	assert.Contains(t, body, `"content":"slow"`)
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "deadline exceeded")
}

func TestCompletionStaysQuietWhenCallerHangsUp(t *testing.T) {
	fake := &mockLlamaClient{hang: true, events: sseBody(`{"content":"slow","stop":false}`)}
	h, _ := newHandler(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()

	h.Completion(rr, req)

	assert.Contains(t, rr.Body.String(), `"content":"slow"`)
	assert.NotContains(t, rr.Body.String(), "event: error")
}

func TestCompletionDeadlineBeforeUpstreamAnswers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	h, _ := newHandler(t, &mockLlamaClient{err: fmt.Errorf("%w: %w", llama.ErrCancelled, context.DeadlineExceeded)})
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()

	h.Completion(rr, req)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
}

func TestCompletionLogsLatencyInMilliseconds(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h, _ := newHandler(t, &mockLlamaClient{events: sseBody(`{"content":"x","stop":true}`)})

	ctx := logging.WithLogger(context.Background(), zap.New(core))
	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	h.Completion(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("cache_decision").All()
	require.Len(t, entries, 1)
	latency, ok := entries[0].ContextMap()["total_latency_ms"].(float64)
	require.True(t, ok, "total_latency_ms must be a float of milliseconds")
	assert.GreaterOrEqual(t, latency, 0.0)
}
