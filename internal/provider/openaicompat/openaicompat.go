// Package openaicompat implements the provider interface against any server
// speaking the OpenAI Chat Completions API: vLLM, llama.cpp server, LM
// Studio, OpenRouter or OpenAI itself.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/secrets"
)

const defaultTimeout = 120 * time.Second

// Config describes one OpenAI-compatible endpoint.
type Config struct {
	// ID is the registry identifier for this provider instance.
	ID string `json:"id" yaml:"id"`

	// BaseURL is the API root, e.g. https://api.openai.com/v1 or
	// http://127.0.0.1:8000/v1 for a local vLLM.
	BaseURL string `json:"base_url" yaml:"baseUrl"`

	// APIKey may be a literal or a ${ENV}/file:/$SECRET: reference,
	// resolved at construction. Empty disables the Authorization header.
	APIKey string `json:"api_key" yaml:"apiKey"`

	// Model overrides the upstream model identifier. Empty forwards the
	// request's model name unchanged.
	Model string `json:"model,omitempty" yaml:"model"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// Capabilities overrides the defaults reported for this endpoint.
	Capabilities *provider.Capabilities `json:"capabilities,omitempty" yaml:"capabilities"`

	HTTPClient *http.Client `json:"-" yaml:"-"`
}

// Provider talks to one OpenAI-compatible server.
type Provider struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	caps    provider.Capabilities
	logger  *slog.Logger
}

// New builds a provider from cfg, resolving the API key reference through
// the resolver. A nil resolver still resolves ${ENV} and file: references.
func New(ctx context.Context, cfg Config, resolver *secrets.Resolver) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("openaicompat: id is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: base_url is required")
	}
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	key, err := resolver.ResolveValue(ctx, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: resolve api key: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	caps := provider.Capabilities{
		Formats:         []domain.ModelFormat{domain.FormatUnknown},
		Devices:         []domain.Device{domain.DeviceCUDA, domain.DeviceCPU},
		PreferredDevice: domain.DeviceCUDA,
		Streaming:       true,
	}
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}

	return &Provider{
		id:      cfg.ID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  key,
		model:   cfg.Model,
		client:  client,
		caps:    caps,
		logger:  logging.Op().With("provider", cfg.ID),
	}, nil
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.id, Kind: "openai-compat", Endpoint: p.baseURL}
}

func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

// Health probes GET /models, the cheapest endpoint every OpenAI-compatible
// server exposes.
func (p *Provider) Health(ctx context.Context) provider.HealthSnapshot {
	start := time.Now()
	snap := provider.HealthSnapshot{CheckedAt: start.UTC(), LoadFactor: -1}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		snap.State = provider.HealthUnhealthy
		snap.Reason = err.Error()
		return snap
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		snap.State = provider.HealthUnhealthy
		snap.Reason = err.Error()
		return snap
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	snap.Latency = time.Since(start)
	switch {
	case resp.StatusCode == http.StatusOK:
		snap.State = provider.HealthHealthy
	case resp.StatusCode == http.StatusTooManyRequests:
		snap.State = provider.HealthDegraded
		snap.Reason = "upstream rate limited"
	default:
		snap.State = provider.HealthUnhealthy
		snap.Reason = fmt.Sprintf("GET /models returned %d", resp.StatusCode)
	}
	return snap
}

func (p *Provider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	start := time.Now()
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, p.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.mapTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.mapStatusError(resp, raw)
	}

	var cr chatCompletionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, domain.WrapError(domain.ErrTypeMalformedResponse, "decode completion", err)
	}
	if len(cr.Choices) == 0 {
		return nil, domain.NewError(domain.ErrTypeMalformedResponse, "completion has no choices")
	}

	choice := cr.Choices[0]
	out := &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		ProviderID:   p.id,
		FinishReason: mapFinishReason(choice.FinishReason),
		CompletedAt:  time.Now().UTC(),
	}
	if choice.Message.Content != nil {
		out.Text = *choice.Message.Content
	}
	for i := 0; i < len(choice.Message.ToolCalls); i++ {
		tc := choice.Message.ToolCalls[i]
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if cr.Usage != nil {
		out.Usage = domain.TokenUsage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	elapsed := time.Since(start).Milliseconds()
	out.Timings = domain.Timings{DispatchMs: elapsed, TotalMs: elapsed}
	return out, nil
}

// buildBody assembles the chat completions payload. Recognized params map
// to their wire names; Extra keys pass through untouched without
// overriding them.
func (p *Provider) buildBody(req *domain.InferenceRequest, streaming bool) (map[string]any, error) {
	model := p.model
	if model == "" {
		model = req.Model
	}

	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.Prompt != "" {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	}
	for i := 0; i < len(req.Messages); i++ {
		m := req.Messages[i]
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, domain.NewError(domain.ErrTypeValidation, "no prompt or messages")
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
	}
	params := req.Params
	if params.Temperature != nil {
		body["temperature"] = *params.Temperature
	}
	if params.MaxTokens != nil {
		body["max_tokens"] = *params.MaxTokens
	}
	if params.TopP != nil {
		body["top_p"] = *params.TopP
	}
	if params.TopK != nil {
		body["top_k"] = *params.TopK
	}
	if params.RepeatPenalty != nil {
		body["repeat_penalty"] = *params.RepeatPenalty
	}
	if params.Grammar != "" {
		body["grammar"] = params.Grammar
	}
	if params.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	if streaming {
		body["stream"] = true
	}
	for k, v := range params.Extra {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body, nil
}

func (p *Provider) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	// Forward the trace so upstream gateways can join the inference
	// trace started by the kernel.
	observability.InjectHTTPHeaders(ctx, req.Header)
	return p.client.Do(req)
}

func (p *Provider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// mapTransportError classifies request failures that never produced an
// HTTP status.
func (p *Provider) mapTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return domain.WrapError(domain.ErrTypeCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTypeTimeout, "upstream timed out", err)
	default:
		return domain.WrapError(domain.ErrTypeProviderUnavailable, "upstream unreachable", err)
	}
}

// mapStatusError converts a non-200 upstream reply into the kernel error
// taxonomy, keeping the upstream message when the body carries the
// standard OpenAI error envelope.
func (p *Provider) mapStatusError(resp *http.Response, body []byte) error {
	msg := upstreamMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}

	var t domain.ErrType
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		t = domain.ErrTypeAuthentication
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		t = domain.ErrTypeValidation
	case resp.StatusCode == http.StatusTooManyRequests:
		t = domain.ErrTypeCapacity
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		t = domain.ErrTypeTimeout
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		t = domain.ErrTypeProviderUnavailable
	default:
		t = domain.ErrTypeProviderInternal
	}

	e := domain.NewError(t, msg).WithDetail("upstream_status", resp.StatusCode)
	if t == domain.ErrTypeCapacity {
		if after := retryAfter(resp); after > 0 {
			e = e.WithRetryAfter(after)
		}
	}
	return e
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// upstreamMessage extracts {"error": {"message": ...}} when present.
func upstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop", "":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCall
	default:
		return domain.FinishStop
	}
}

// ─── OpenAI wire types ──────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []chatChoice         `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
