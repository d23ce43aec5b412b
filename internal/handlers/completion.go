package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"llamastream/internal/cache"
	"llamastream/internal/llama"
	"llamastream/internal/middleware"
	"llamastream/pkg/logging/logging"
)

// CompletionHandler holds dependencies for the /completion endpoint.
type CompletionHandler struct {
	Cache     cache.ExactCache
	CacheTTL  time.Duration
	VersionID string
	ModelID   string
	Client    llama.Client
}

func NewCompletionHandler(c cache.ExactCache, ttl time.Duration, versionID, modelID string, client llama.Client) *CompletionHandler {
	return &CompletionHandler{
		Cache:     c,
		CacheTTL:  ttl,
		VersionID: versionID,
		ModelID:   modelID,
		Client:    client,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// Completion handles POST /completion. The body is a llama.cpp completion
// request; streaming requests are relayed record by record as SSE.
func (h *CompletionHandler) Completion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var params llama.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return
	}
	if params.Prompt == nil || *params.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "prompt is required"})
		return
	}
	prompt := *params.Prompt
	stream := params.Stream == nil || *params.Stream

	userID := r.Header.Get(middleware.UserIDHeader)
	if userID == "" {
		userID = "anon"
	}

	lookup := h.lookup(r, prompt, &params, userID)
	if lookup.hit != nil {
		logger.Info("cache_decision",
			zap.String("cache_tier", "exact"),
			zap.String("hash_key", lookup.hash),
			zap.Bool("cache_hit", true),
			zap.Bool("stream", stream),
			zap.Float64("total_latency_ms", latencyMS(start)),
		)
		if stream {
			h.replay(w, r, lookup.hit)
		} else {
			writeJSON(w, http.StatusOK, lookup.hit)
		}
		return
	}

	var final *llama.Payload
	if stream {
		final = h.relay(w, r, prompt, &params)
	} else {
		final = h.complete(w, r, prompt, &params)
	}

	if final != nil && lookup.key != "" {
		h.store(r, lookup.key, final)
	}

	logger.Info("cache_decision",
		zap.String("cache_tier", "exact"),
		zap.String("hash_key", lookup.hash),
		zap.Bool("cache_hit", false),
		zap.Bool("cacheable", lookup.key != ""),
		zap.Bool("stream", stream),
		zap.Bool("completed", final != nil),
		zap.Float64("total_latency_ms", latencyMS(start)),
	)
}

type cacheLookup struct {
	key  string // empty when the request must not be cached
	hash string
	hit  *llama.Payload
}

func (h *CompletionHandler) lookup(r *http.Request, prompt string, params *llama.Params, userID string) cacheLookup {
	if h.Cache == nil {
		return cacheLookup{}
	}
	logger := logging.L(r.Context())

	body := llama.RequestBody(prompt, params)
	if !cache.Cacheable(body) {
		return cacheLookup{}
	}
	// stream only changes the framing of the answer, not the answer
	delete(body, "stream")

	modelID := h.ModelID
	if modelID == "" {
		modelID = "default"
	}
	versionID := h.VersionID
	if versionID == "" {
		versionID = "v1"
	}

	key, err := cache.BuildExactCacheKey(body, userID, modelID, versionID)
	if err != nil {
		logger.Warn("key_builder_error", zap.Error(err))
		return cacheLookup{}
	}
	out := cacheLookup{key: key.String(), hash: key.Hash}

	cached, hit, err := h.Cache.Get(r.Context(), out.key)
	if err != nil {
		// best effort: a broken cache is a miss
		logger.Warn("exact_cache_get_error", zap.Error(err))
		return out
	}
	if !hit {
		return out
	}

	var p llama.Payload
	if err := json.Unmarshal(cached, &p); err != nil {
		logger.Warn("exact_cache_unmarshal_error", zap.Error(err))
		return out
	}
	out.hit = &p
	return out
}

func (h *CompletionHandler) store(r *http.Request, key string, p *llama.Payload) {
	logger := logging.L(r.Context())
	b, err := json.Marshal(p)
	if err != nil {
		logger.Warn("marshal_response_error", zap.Error(err))
		return
	}
	if err := h.Cache.Set(r.Context(), key, b, h.CacheTTL); err != nil {
		logger.Warn("exact_cache_set_error", zap.Error(err))
	}
}

// relay streams upstream records to the caller and returns the finished
// completion, or nil if the stream did not reach its stop record.
func (h *CompletionHandler) relay(w http.ResponseWriter, r *http.Request, prompt string, params *llama.Params) *llama.Payload {
	ctx := r.Context()
	logger := logging.L(ctx)

	s, err := h.Client.CompletionStream(ctx, prompt, params)
	if err != nil {
		writeUpstreamError(w, r, err)
		return nil
	}
	defer s.Close()

	rc := http.NewResponseController(w)
	startEventStream(w)

	var last *llama.Payload
	for s.Next() {
		rec := s.Record()
		if err := writeEvent(w, rec.Event(), rec.Fields["data"]); err != nil {
			logger.Debug("client went away", zap.Error(err))
			return nil
		}
		if err := rc.Flush(); err != nil {
			logger.Debug("flush failed", zap.Error(err))
			return nil
		}
		last = rec.Data
	}

	if err := s.Err(); err != nil {
		if clientGone(r) {
			logger.Debug("stream relay cancelled", zap.Error(err))
			return nil
		}
		logger.Warn("stream relay failed", zap.Error(err))
		b, _ := json.Marshal(errorBody{Error: err.Error()})
		_ = writeEvent(w, "error", string(b))
		_ = rc.Flush()
		return nil
	}

	if last == nil || !last.Stop {
		return nil
	}
	final := *last
	final.Content = s.Text()
	return &final
}

// replay sends a cached completion as a single stop record.
func (h *CompletionHandler) replay(w http.ResponseWriter, r *http.Request, p *llama.Payload) {
	b, err := json.Marshal(p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_server_error"})
		return
	}
	startEventStream(w)
	if err := writeEvent(w, "", string(b)); err != nil {
		logging.L(r.Context()).Debug("client went away", zap.Error(err))
		return
	}
	_ = http.NewResponseController(w).Flush()
}

func (h *CompletionHandler) complete(w http.ResponseWriter, r *http.Request, prompt string, params *llama.Params) *llama.Payload {
	p, err := h.Client.Completion(r.Context(), prompt, params)
	if err != nil {
		writeUpstreamError(w, r, err)
		return nil
	}
	writeJSON(w, http.StatusOK, p)
	return p
}

func startEventStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeEvent encodes one record. sse writes "data:" with no space after the
// colon and the llama.cpp framing wants one, so values get a leading space.
func writeEvent(w http.ResponseWriter, event, data string) error {
	ev := sse.Event{Data: " " + data}
	if event != "" {
		ev.Event = " " + event
	}
	return sse.Encode(w, ev)
}

// upstreamStatus maps a client error to the status the gateway answers with.
func upstreamStatus(err error) int {
	var serr *llama.StatusError
	switch {
	case errors.As(err, &serr):
		if serr.StatusCode >= 400 && serr.StatusCode < 500 {
			return serr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, llama.ErrCancelled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())
	if clientGone(r) {
		logger.Debug("request cancelled before upstream answered", zap.Error(err))
		return
	}
	status := upstreamStatus(err)
	logger.Warn("upstream error", zap.Int("status", status), zap.Error(err))

	msg := err.Error()
	var serr *llama.StatusError
	if errors.As(err, &serr) && serr.Message != "" {
		msg = serr.Message
	}
	writeJSON(w, status, errorBody{Error: strings.TrimPrefix(msg, "llamaclient: ")})
}

// clientGone reports whether the caller hung up. A deadline from the
// Timeout middleware leaves the connection open, so the caller still gets an
// error.
func clientGone(r *http.Request) bool {
	return errors.Is(r.Context().Err(), context.Canceled)
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
