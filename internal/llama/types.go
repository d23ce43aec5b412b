package llama

import (
	"context"
	"encoding/json"
)

// Payload is the JSON object carried in the data field of each event, and
// the body of a non-streaming completion response.
type Payload struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`

	// Echoed by the server on the final event.
	GenerationSettings json.RawMessage `json:"generation_settings,omitempty"`

	Model           string   `json:"model,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	TokensPredicted int      `json:"tokens_predicted,omitempty"`
	TokensEvaluated int      `json:"tokens_evaluated,omitempty"`
	TokensCached    int      `json:"tokens_cached,omitempty"`
	StoppedEOS      bool     `json:"stopped_eos,omitempty"`
	StoppedWord     bool     `json:"stopped_word,omitempty"`
	StoppedLimit    bool     `json:"stopped_limit,omitempty"`
	StoppingWord    string   `json:"stopping_word,omitempty"`
	Truncated       bool     `json:"truncated,omitempty"`
	Timings         *Timings `json:"timings,omitempty"`
}

type Timings struct {
	PromptN             int     `json:"prompt_n"`
	PromptMS            float64 `json:"prompt_ms"`
	PromptPerSecond     float64 `json:"prompt_per_second"`
	PredictedN          int     `json:"predicted_n"`
	PredictedMS         float64 `json:"predicted_ms"`
	PredictedPerSecond  float64 `json:"predicted_per_second"`
	PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
}

// StopReason reports why generation ended, or "" while it is still running.
func (p *Payload) StopReason() string {
	switch {
	case !p.Stop:
		return ""
	case p.StoppedEOS:
		return "eos"
	case p.StoppedWord:
		return "word"
	case p.StoppedLimit:
		return "limit"
	default:
		return "stop"
	}
}

// Record is one server-sent event: every "field: value" line read for it,
// plus the decoded data field.
type Record struct {
	Fields map[string]string
	Data   *Payload
}

// Event returns the SSE event name, "" when the server sent none.
func (r *Record) Event() string {
	return r.Fields["event"]
}

type Client interface {
	// Completion runs a non-streaming completion and returns the final payload.
	Completion(ctx context.Context, prompt string, params *Params) (*Payload, error)
	// CompletionStream opens a streaming completion. The caller must Close
	// the returned Stream or drain it.
	CompletionStream(ctx context.Context, prompt string, params *Params) (*Stream, error)
}
