package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValidRole returns true if the role is recognized.
func IsValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one turn of a chat conversation, provider-agnostic.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Recognized inference parameter keys. Keys outside this set pass through
// to the provider untouched inside Params.Extra.
const (
	ParamTemperature   = "temperature"
	ParamMaxTokens     = "max_tokens"
	ParamTopP          = "top_p"
	ParamTopK          = "top_k"
	ParamRepeatPenalty = "repeat_penalty"
	ParamMirostat      = "mirostat"
	ParamGrammar       = "grammar"
	ParamJSONMode      = "json_mode"
	ParamSessionID     = "session_id"
	ParamTimeoutMs     = "inference_timeout_ms"
	ParamModelPath     = "model_path"
)

// Params holds the tunable generation parameters of a request. Pointer
// fields distinguish "unset" from zero so providers can apply their own
// defaults.
type Params struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Mirostat      *int     `json:"mirostat,omitempty"`
	Grammar       string   `json:"grammar,omitempty"`
	JSONMode      bool     `json:"json_mode,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	TimeoutMs     int64    `json:"inference_timeout_ms,omitempty"`
	ModelPath     string   `json:"model_path,omitempty"`

	// Extra carries unrecognized keys verbatim to the provider.
	Extra map[string]any `json:"extra,omitempty"`
}

// Timeout returns the per-request inference timeout, or fallback when the
// request does not set one.
func (p *Params) Timeout(fallback time.Duration) time.Duration {
	if p == nil || p.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// InferenceRequest is a single inference submission after HTTP decoding,
// before routing. Exactly one of Messages or Prompt is set.
type InferenceRequest struct {
	RequestID string    `json:"request_id"`
	TenantID  string    `json:"tenant_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Params    Params    `json:"params"`
	Stream    bool      `json:"stream,omitempty"`

	// CostSensitive marks requests that prefer cheaper placement over
	// latency.
	CostSensitive bool `json:"cost_sensitive,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks structural well-formedness. It does not consult the
// model registry; routing owns existence checks.
func (r *InferenceRequest) Validate() error {
	if r == nil {
		return NewError(ErrTypeValidation, "request is nil")
	}
	if strings.TrimSpace(r.Model) == "" {
		return NewError(ErrTypeValidation, "model is required")
	}
	if len(r.Messages) == 0 && strings.TrimSpace(r.Prompt) == "" {
		return NewError(ErrTypeValidation, "either messages or prompt is required")
	}
	if len(r.Messages) > 0 && r.Prompt != "" {
		return NewError(ErrTypeValidation, "messages and prompt are mutually exclusive")
	}
	for i, m := range r.Messages {
		if !IsValidRole(m.Role) {
			return NewError(ErrTypeValidation, fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role))
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return NewError(ErrTypeValidation, fmt.Sprintf("messages[%d]: empty content", i))
		}
	}
	if p := r.Params.Temperature; p != nil && (*p < 0 || *p > 2) {
		return NewError(ErrTypeValidation, "temperature must be in [0,2]")
	}
	if p := r.Params.TopP; p != nil && (*p <= 0 || *p > 1) {
		return NewError(ErrTypeValidation, "top_p must be in (0,1]")
	}
	if p := r.Params.MaxTokens; p != nil && *p <= 0 {
		return NewError(ErrTypeValidation, "max_tokens must be positive")
	}
	if r.Params.TimeoutMs < 0 {
		return NewError(ErrTypeValidation, "inference_timeout_ms must not be negative")
	}
	return nil
}
