// Package anthropic implements the provider interface on top of the
// Anthropic Messages API via the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/secrets"
	"github.com/helioslabs/helios/internal/stream"
)

// Claude has no "give me your default" sentinel; requests that do not cap
// completion length get this.
const defaultMaxTokens = 4096

// MessagesClient is the subset of the SDK client the provider uses. It is
// satisfied by *sdk.MessageService, so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config describes one Anthropic-backed provider instance.
type Config struct {
	ID string `json:"id" yaml:"id"`

	// APIKey may be a literal or a ${ENV}/file:/$SECRET: reference.
	APIKey string `json:"api_key" yaml:"apiKey"`

	// Model is the Claude model identifier used when the request's model
	// manifest does not carry an upstream override.
	Model string `json:"model" yaml:"model"`

	MaxTokens int `json:"max_tokens,omitempty" yaml:"maxTokens"`

	CostPerMTokIn  int64 `json:"cost_per_mtok_in,omitempty" yaml:"costPerMTokIn"`
	CostPerMTokOut int64 `json:"cost_per_mtok_out,omitempty" yaml:"costPerMTokOut"`
}

// Provider serves completions through the Anthropic Messages API.
type Provider struct {
	id        string
	msg       MessagesClient
	model     string
	maxTokens int
	costIn    int64
	costOut   int64
}

// New builds a provider from cfg, resolving the API key through the
// resolver.
func New(ctx context.Context, cfg Config, resolver *secrets.Resolver) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("anthropic: id is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	key, err := resolver.ResolveValue(ctx, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("anthropic: resolve api key: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(key))
	return NewWithClient(cfg, &client.Messages), nil
}

// NewWithClient builds a provider around an existing Messages client.
func NewWithClient(cfg Config, msg MessagesClient) *Provider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		id:        cfg.ID,
		msg:       msg,
		model:     cfg.Model,
		maxTokens: maxTokens,
		costIn:    cfg.CostPerMTokIn,
		costOut:   cfg.CostPerMTokOut,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.id, Kind: "anthropic", Endpoint: "https://api.anthropic.com"}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Formats:        []domain.ModelFormat{domain.FormatUnknown},
		Devices:        []domain.Device{domain.DeviceCUDA},
		MaxContext:     200000,
		Streaming:      true,
		CostPerMTokIn:  p.costIn,
		CostPerMTokOut: p.costOut,
	}
}

// Health sends a one-token request. The Messages API has no dedicated
// health endpoint; an authentication or connectivity failure here is
// exactly the failure inference would hit.
func (p *Provider) Health(ctx context.Context) provider.HealthSnapshot {
	start := time.Now()
	snap := provider.HealthSnapshot{CheckedAt: start.UTC(), LoadFactor: -1}

	_, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	snap.Latency = time.Since(start)
	if err != nil {
		if isRateLimited(err) {
			snap.State = provider.HealthDegraded
			snap.Reason = "upstream rate limited"
			return snap
		}
		snap.State = provider.HealthUnhealthy
		snap.Reason = err.Error()
		return snap
	}
	snap.State = provider.HealthHealthy
	return snap
}

func (p *Provider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	start := time.Now()
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, p.mapError(ctx, err)
	}

	out := &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		ProviderID:   p.id,
		FinishReason: mapStopReason(string(msg.StopReason)),
		CompletedAt:  time.Now().UTC(),
	}
	var text strings.Builder
	for i := 0; i < len(msg.Content); i++ {
		block := msg.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Text = text.String()
	out.Usage = domain.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	elapsed := time.Since(start).Milliseconds()
	out.Timings = domain.Timings{DispatchMs: elapsed, TotalMs: elapsed}
	return out, nil
}

// buildParams translates the normalized request into Messages API params.
// System messages become top-level system blocks; tool results ride as
// tool_result content in user turns.
func (p *Provider) buildParams(req *domain.InferenceRequest) (sdk.MessageNewParams, error) {
	maxTokens := p.maxTokens
	if req.Params.MaxTokens != nil && *req.Params.MaxTokens > 0 {
		maxTokens = *req.Params.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
	}
	if t := req.Params.Temperature; t != nil {
		params.Temperature = sdk.Float(*t)
	}
	if t := req.Params.TopP; t != nil {
		params.TopP = sdk.Float(*t)
	}
	if t := req.Params.TopK; t != nil {
		params.TopK = sdk.Int(int64(*t))
	}

	if req.Prompt != "" {
		params.Messages = []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
		return params, nil
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	for i := 0; i < len(req.Messages); i++ {
		m := req.Messages[i]
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case domain.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case domain.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for j := 0; j < len(m.ToolCalls); j++ {
				tc := m.ToolCalls[j]
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return params, domain.WrapError(domain.ErrTypeValidation,
							fmt.Sprintf("messages[%d]: tool call arguments are not JSON", i), err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		case domain.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	if len(msgs) == 0 {
		return params, domain.NewError(domain.ErrTypeValidation, "no user or assistant messages")
	}
	params.Messages = msgs
	if len(system) > 0 {
		params.System = system
	}
	return params, nil
}

// mapError classifies SDK failures into the kernel error taxonomy.
func (p *Provider) mapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return domain.WrapError(domain.ErrTypeCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTypeTimeout, "upstream timed out", err)
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return domain.WrapError(domain.ErrTypeAuthentication, "upstream rejected credentials", err)
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 404 || apiErr.StatusCode == 422:
			return domain.WrapError(domain.ErrTypeValidation, "upstream rejected request", err)
		case apiErr.StatusCode == 429:
			return domain.WrapError(domain.ErrTypeCapacity, "upstream rate limited", err)
		case apiErr.StatusCode == 529:
			return domain.WrapError(domain.ErrTypeProviderUnavailable, "upstream overloaded", err)
		case apiErr.StatusCode >= 500:
			return domain.WrapError(domain.ErrTypeProviderInternal, "upstream error", err)
		}
	}
	return domain.WrapError(domain.ErrTypeProviderUnavailable, "upstream unreachable", err)
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCall
	default:
		return domain.FinishStop
	}
}

// Stream invokes Messages.NewStreaming and forwards text deltas as chunks.
// The terminal chunk carries the stop reason from message_delta.
func (p *Provider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	params, err := p.buildParams(req)
	if err != nil {
		return err
	}

	events := p.msg.NewStreaming(ctx, params)
	defer events.Close()

	index := 0
	finish := domain.FinishReason("")
	for events.Next() {
		switch ev := events.Current().AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: delta.Text, Index: index}); err != nil {
				return err
			}
			index++
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				finish = mapStopReason(string(ev.Delta.StopReason))
			}
		}
	}
	if err := events.Err(); err != nil {
		return p.mapError(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return p.mapError(ctx, err)
	}

	if finish == "" {
		finish = domain.FinishStop
	}
	return emit(stream.Chunk{RequestID: req.RequestID, Index: index, Last: true, FinishReason: finish})
}
