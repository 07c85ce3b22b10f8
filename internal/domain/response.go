package domain

import "time"

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCall  FinishReason = "tool_call"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// IsValidFinishReason returns true if the reason is recognized.
func IsValidFinishReason(f FinishReason) bool {
	switch f {
	case FinishStop, FinishLength, FinishToolCall, FinishError, FinishCancelled:
		return true
	}
	return false
}

// TokenUsage counts tokens consumed by one inference.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another sample, recomputing the total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// Timings breaks down where one inference spent its time.
type Timings struct {
	QueueMs      int64 `json:"queue_ms,omitempty"`
	DispatchMs   int64 `json:"dispatch_ms"`
	FirstChunkMs int64 `json:"first_chunk_ms,omitempty"`
	TotalMs      int64 `json:"total_ms"`
}

// InferenceResponse is the normalized result of a completed inference.
type InferenceResponse struct {
	RequestID    string       `json:"request_id"`
	Model        string       `json:"model"`
	ProviderID   string       `json:"provider_id"`
	RunnerKind   string       `json:"runner_kind,omitempty"`
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        TokenUsage   `json:"usage"`
	Timings      Timings      `json:"timings"`

	// CostMicroUSD is the estimated charge for this inference in
	// millionths of a dollar, derived from provider capability pricing.
	CostMicroUSD int64 `json:"cost_micro_usd,omitempty"`

	Attempt     int       `json:"attempt"`
	CompletedAt time.Time `json:"completed_at"`
}
