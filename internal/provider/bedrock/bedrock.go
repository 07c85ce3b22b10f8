// Package bedrock implements the provider interface on top of the AWS
// Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/secrets"
	"github.com/helioslabs/helios/internal/stream"
)

const defaultMaxTokens = 4096

// RuntimeClient is the subset of *bedrockruntime.Client the provider
// uses, so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Config describes one Bedrock-backed provider instance.
type Config struct {
	ID     string `json:"id" yaml:"id"`
	Region string `json:"region" yaml:"region"`

	// Model is the Bedrock model identifier, e.g.
	// anthropic.claude-3-5-sonnet-20241022-v2:0.
	Model string `json:"model" yaml:"model"`

	// AccessKeyID and SecretAccessKey may be literals or ${ENV}/file:/
	// $SECRET: references. Both empty falls back to the default AWS
	// credential chain.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"accessKeyId"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secretAccessKey"`

	MaxTokens int `json:"max_tokens,omitempty" yaml:"maxTokens"`

	CostPerMTokIn  int64 `json:"cost_per_mtok_in,omitempty" yaml:"costPerMTokIn"`
	CostPerMTokOut int64 `json:"cost_per_mtok_out,omitempty" yaml:"costPerMTokOut"`
}

// Provider serves completions through Bedrock Converse.
type Provider struct {
	id        string
	runtime   RuntimeClient
	model     string
	region    string
	maxTokens int
	costIn    int64
	costOut   int64
}

// New builds a provider from cfg, loading AWS configuration for the
// region and resolving credential references through the resolver.
func New(ctx context.Context, cfg Config, resolver *secrets.Resolver) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("bedrock: id is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("bedrock: model is required")
	}
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		keyID, err := resolver.ResolveValue(ctx, cfg.AccessKeyID)
		if err != nil {
			return nil, fmt.Errorf("bedrock: resolve access key id: %w", err)
		}
		secret, err := resolver.ResolveValue(ctx, cfg.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("bedrock: resolve secret access key: %w", err)
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, "")))
	}

	awscfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewWithRuntime(cfg, bedrockruntime.NewFromConfig(awscfg)), nil
}

// NewWithRuntime builds a provider around an existing runtime client.
func NewWithRuntime(cfg Config, runtime RuntimeClient) *Provider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		id:        cfg.ID,
		runtime:   runtime,
		model:     cfg.Model,
		region:    cfg.Region,
		maxTokens: maxTokens,
		costIn:    cfg.CostPerMTokIn,
		costOut:   cfg.CostPerMTokOut,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.id, Kind: "bedrock", Endpoint: "bedrock:" + p.region}
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

// Health sends a one-token Converse call. Auth, quota and connectivity
// failures surface here exactly as they would on a real request.
func (p *Provider) Health(ctx context.Context) provider.HealthSnapshot {
	start := time.Now()
	snap := provider.HealthSnapshot{CheckedAt: start.UTC(), LoadFactor: -1}

	_, err := p.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ping"}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(1)},
	})
	snap.Latency = time.Since(start)
	if err != nil {
		if isThrottled(err) {
			snap.State = provider.HealthDegraded
			snap.Reason = "upstream throttled"
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
	messages, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.model),
		Messages:        messages,
		InferenceConfig: p.inferenceConfig(req),
	}
	if len(system) > 0 {
		input.System = system
	}

	output, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, p.mapError(ctx, "converse", err)
	}

	out := &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		ProviderID:   p.id,
		FinishReason: mapStopReason(output.StopReason),
		CompletedAt:  time.Now().UTC(),
	}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for i := 0; i < len(msg.Value.Content); i++ {
			if block, ok := msg.Value.Content[i].(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(block.Value)
			}
		}
		out.Text = text.String()
	}
	if u := output.Usage; u != nil {
		out.Usage = domain.TokenUsage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	elapsed := time.Since(start).Milliseconds()
	out.Timings = domain.Timings{DispatchMs: elapsed, TotalMs: elapsed}
	return out, nil
}

// Stream invokes ConverseStream and forwards text deltas as chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	messages, system, err := encodeMessages(req)
	if err != nil {
		return err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(p.model),
		Messages:        messages,
		InferenceConfig: p.inferenceConfig(req),
	}
	if len(system) > 0 {
		input.System = system
	}

	out, err := p.runtime.ConverseStream(ctx, input)
	if err != nil {
		return p.mapError(ctx, "converse_stream", err)
	}
	events := out.GetStream()
	if events == nil {
		return domain.NewError(domain.ErrTypeMalformedResponse, "stream output missing event stream")
	}
	return p.consumeStream(ctx, events, req, emit)
}

// consumeStream drains the Converse event stream into chunks. The
// terminal chunk carries the stop reason from message_stop.
func (p *Provider) consumeStream(ctx context.Context, events *bedrockruntime.ConverseStreamEventStream, req *domain.InferenceRequest, emit stream.Emit) error {
	defer events.Close()

	index := 0
	finish := domain.FinishReason("")
	for {
		select {
		case <-ctx.Done():
			return p.mapError(ctx, "converse_stream", ctx.Err())
		case event, ok := <-events.Events():
			if !ok {
				if err := events.Err(); err != nil {
					return p.mapError(ctx, "converse_stream", err)
				}
				if finish == "" {
					finish = domain.FinishStop
				}
				return emit(stream.Chunk{RequestID: req.RequestID, Index: index, Last: true, FinishReason: finish})
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				delta, ok := ev.Value.Delta.(*brtypes.ContentBlockDeltaMemberText)
				if !ok || delta.Value == "" {
					continue
				}
				if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: delta.Value, Index: index}); err != nil {
					return err
				}
				index++
			case *brtypes.ConverseStreamOutputMemberMessageStop:
				finish = mapStopReason(ev.Value.StopReason)
			}
		}
	}
}

func (p *Provider) inferenceConfig(req *domain.InferenceRequest) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{}
	maxTokens := p.maxTokens
	if req.Params.MaxTokens != nil && *req.Params.MaxTokens > 0 {
		maxTokens = *req.Params.MaxTokens
	}
	cfg.MaxTokens = aws.Int32(int32(maxTokens))
	if t := req.Params.Temperature; t != nil {
		cfg.Temperature = aws.Float32(float32(*t))
	}
	if t := req.Params.TopP; t != nil {
		cfg.TopP = aws.Float32(float32(*t))
	}
	return cfg
}

// encodeMessages translates the normalized request into Converse form.
// System turns split out; consecutive roles stay as-is since Converse
// accepts alternating user/assistant and tolerates leading assistant.
func encodeMessages(req *domain.InferenceRequest) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	if req.Prompt != "" {
		return []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
		}}, nil, nil
	}

	var (
		messages []brtypes.Message
		system   []brtypes.SystemContentBlock
	)
	for i := 0; i < len(req.Messages); i++ {
		m := req.Messages[i]
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case domain.RoleUser, domain.RoleTool:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case domain.RoleAssistant:
			if m.Content == "" {
				continue
			}
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	if len(messages) == 0 {
		return nil, nil, domain.NewError(domain.ErrTypeValidation, "no user or assistant messages")
	}
	return messages, system, nil
}

func (p *Provider) mapError(ctx context.Context, operation string, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return domain.WrapError(domain.ErrTypeCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTypeTimeout, "upstream timed out", err)
	}
	if isThrottled(err) {
		return domain.WrapError(domain.ErrTypeCapacity, operation+" throttled", err)
	}

	status := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return domain.WrapError(domain.ErrTypeAuthentication, operation+" rejected credentials", err)
		case "ValidationException", "ResourceNotFoundException":
			return domain.WrapError(domain.ErrTypeValidation, operation+" rejected request", err)
		case "ModelTimeoutException":
			return domain.WrapError(domain.ErrTypeTimeout, operation+" model timed out", err)
		case "ServiceUnavailableException", "ModelNotReadyException":
			return domain.WrapError(domain.ErrTypeProviderUnavailable, operation+" unavailable", err)
		case "ModelErrorException", "InternalServerException":
			return domain.WrapError(domain.ErrTypeProviderInternal, operation+" failed upstream", err)
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.WrapError(domain.ErrTypeAuthentication, operation+" rejected credentials", err)
	case status == http.StatusBadRequest:
		return domain.WrapError(domain.ErrTypeValidation, operation+" rejected request", err)
	case status >= http.StatusInternalServerError:
		return domain.WrapError(domain.ErrTypeProviderInternal, operation+" failed upstream", err)
	}
	return domain.WrapError(domain.ErrTypeProviderUnavailable, operation+" unreachable", err)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func mapStopReason(reason brtypes.StopReason) domain.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence, "":
		return domain.FinishStop
	case brtypes.StopReasonMaxTokens:
		return domain.FinishLength
	case brtypes.StopReasonToolUse:
		return domain.FinishToolCall
	default:
		return domain.FinishStop
	}
}
