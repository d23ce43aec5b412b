package llama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Params are the generation options sent to /completion. A nil field is left
// to the server's default, except for the client defaults listed in
// DefaultParams.
type Params struct {
	Temperature      *float64    `json:"temperature,omitempty"`
	TopK             *int        `json:"top_k,omitempty"`
	TopP             *float64    `json:"top_p,omitempty"`
	NPredict         *int        `json:"n_predict,omitempty"`
	NKeep            *int        `json:"n_keep,omitempty"`
	Stream           *bool       `json:"stream,omitempty"`
	Prompt           *string     `json:"prompt,omitempty"`
	Stop             []string    `json:"stop,omitempty"`
	TfsZ             *float64    `json:"tfs_z,omitempty"`
	TypicalP         *float64    `json:"typical_p,omitempty"`
	RepeatPenalty    *float64    `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int        `json:"repeat_last_n,omitempty"`
	PenalizeNL       *bool       `json:"penalize_nl,omitempty"`
	PresencePenalty  *float64    `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64    `json:"frequency_penalty,omitempty"`
	Mirostat         *int        `json:"mirostat,omitempty"`
	MirostatTau      *float64    `json:"mirostat_tau,omitempty"`
	MirostatEta      *float64    `json:"mirostat_eta,omitempty"`
	Seed             *int        `json:"seed,omitempty"`
	IgnoreEOS        *bool       `json:"ignore_eos,omitempty"`
	LogitBias        []LogitBias `json:"logit_bias,omitempty"`

	// Extra holds server options not modelled above. Typed fields win over
	// Extra entries with the same key.
	Extra map[string]any `json:"-"`
}

// Ptr returns a pointer to v, for filling optional Params fields.
func Ptr[T any](v T) *T {
	return &v
}

// DefaultParams returns the values the client sends unless overridden.
func DefaultParams() map[string]any {
	return map[string]any{
		"stream":      true,
		"n_predict":   4096,
		"temperature": 0.7,
		"stop":        []string{"</s>"},
	}
}

// RequestBody merges the client defaults, then params, then prompt. The
// prompt argument always replaces any prompt carried by params.
func RequestBody(prompt string, params *Params) map[string]any {
	body := DefaultParams()
	maps.Copy(body, params.fields())
	body["prompt"] = prompt
	return body
}

func (p *Params) fields() map[string]any {
	m := make(map[string]any)
	if p == nil {
		return m
	}

	maps.Copy(m, p.Extra)

	put(m, "temperature", p.Temperature)
	put(m, "top_k", p.TopK)
	put(m, "top_p", p.TopP)
	put(m, "n_predict", p.NPredict)
	put(m, "n_keep", p.NKeep)
	put(m, "stream", p.Stream)
	put(m, "prompt", p.Prompt)
	put(m, "tfs_z", p.TfsZ)
	put(m, "typical_p", p.TypicalP)
	put(m, "repeat_penalty", p.RepeatPenalty)
	put(m, "repeat_last_n", p.RepeatLastN)
	put(m, "penalize_nl", p.PenalizeNL)
	put(m, "presence_penalty", p.PresencePenalty)
	put(m, "frequency_penalty", p.FrequencyPenalty)
	put(m, "mirostat", p.Mirostat)
	put(m, "mirostat_tau", p.MirostatTau)
	put(m, "mirostat_eta", p.MirostatEta)
	put(m, "seed", p.Seed)
	put(m, "ignore_eos", p.IgnoreEOS)

	// An explicitly empty list still overrides the default stop sequence.
	if p.Stop != nil {
		m["stop"] = p.Stop
	}
	if p.LogitBias != nil {
		m["logit_bias"] = p.LogitBias
	}

	return m
}

func put[T any](m map[string]any, key string, v *T) {
	if v != nil {
		m[key] = *v
	}
}

// UnmarshalJSON decodes the known options into their fields and keeps every
// other key in Extra.
func (p *Params) UnmarshalJSON(data []byte) error {
	type plain Params
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownParamKeys {
		delete(raw, key)
	}

	*p = Params(known)
	p.Extra = nil
	if len(raw) > 0 {
		p.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			p.Extra[k] = v
		}
	}
	return nil
}

var knownParamKeys = []string{
	"temperature", "top_k", "top_p", "n_predict", "n_keep", "stream", "prompt",
	"stop", "tfs_z", "typical_p", "repeat_penalty", "repeat_last_n", "penalize_nl",
	"presence_penalty", "frequency_penalty", "mirostat", "mirostat_tau",
	"mirostat_eta", "seed", "ignore_eos", "logit_bias",
}

// LogitBias adjusts the likelihood of one token. Ban encodes the server's
// [token, false] form, which keeps the token from ever being produced.
type LogitBias struct {
	Token int
	Bias  float64
	Ban   bool
}

func (b LogitBias) MarshalJSON() ([]byte, error) {
	if b.Ban {
		return json.Marshal([]any{b.Token, false})
	}
	return json.Marshal([]any{b.Token, b.Bias})
}

func (b *LogitBias) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("logit_bias entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("logit_bias entry: want [token, bias], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &b.Token); err != nil {
		return fmt.Errorf("logit_bias token: %w", err)
	}

	second := bytes.TrimSpace(pair[1])
	if bytes.Equal(second, []byte("false")) {
		b.Ban, b.Bias = true, 0
		return nil
	}
	b.Ban = false
	if err := json.Unmarshal(second, &b.Bias); err != nil {
		return fmt.Errorf("logit_bias value: %w", err)
	}
	return nil
}
