// Package echo implements an in-process provider that returns the request
// text verbatim. It backs unit tests and the dev-mode server where no real
// backend is configured.
package echo

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/stream"
)

const defaultChunkSize = 8

// Provider echoes the prompt (or last user message) back as the completion.
type Provider struct {
	id        string
	chunkSize int
	delay     time.Duration
	health    provider.HealthSnapshot
	caps      provider.Capabilities

	// failAfter > 0 makes Stream fail with failErr after that many chunks;
	// failErr alone fails Complete and Stream immediately.
	failAfter int
	failErr   error

	completes atomic.Int64
	streams   atomic.Int64
}

// Option configures the echo provider.
type Option func(*Provider)

// WithChunkSize sets how many runes each streamed chunk carries.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithDelay inserts a pause before each chunk and before Complete returns.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(p *Provider) { p.failErr = err }
}

// WithErrorAfter makes Stream emit n chunks and then fail with err.
// Complete still fails immediately.
func WithErrorAfter(n int, err error) Option {
	return func(p *Provider) {
		p.failAfter = n
		p.failErr = err
	}
}

// WithHealth overrides the reported health snapshot.
func WithHealth(s provider.HealthSnapshot) Option {
	return func(p *Provider) { p.health = s }
}

// WithCapabilities overrides the reported capabilities.
func WithCapabilities(c provider.Capabilities) Option {
	return func(p *Provider) { p.caps = c }
}

// New builds an echo provider with the given ID.
func New(id string, opts ...Option) *Provider {
	p := &Provider{
		id:        id,
		chunkSize: defaultChunkSize,
		health:    provider.HealthSnapshot{State: provider.HealthHealthy, LoadFactor: 0},
		caps: provider.Capabilities{
			Formats:         []domain.ModelFormat{domain.FormatGGUF, domain.FormatONNX, domain.FormatSafetensors, domain.FormatUnknown},
			Devices:         []domain.Device{domain.DeviceCPU},
			PreferredDevice: domain.DeviceCPU,
			MaxContext:      32768,
			Streaming:       true,
			Sessions:        true,
		},
	}
	for i := 0; i < len(opts); i++ {
		opts[i](p)
	}
	return p
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.id, Kind: "echo", Version: "1"}
}

func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

func (p *Provider) Health(ctx context.Context) provider.HealthSnapshot {
	s := p.health
	if s.CheckedAt.IsZero() {
		s.CheckedAt = time.Now().UTC()
	}
	return s
}

// Completes returns how many Complete calls the provider has served.
func (p *Provider) Completes() int64 { return p.completes.Load() }

// Streams returns how many Stream calls the provider has served.
func (p *Provider) Streams() int64 { return p.streams.Load() }

func (p *Provider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	p.completes.Add(1)
	if p.failErr != nil {
		return nil, p.failErr
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	text := inputText(req)
	return &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		ProviderID:   p.id,
		Text:         text,
		FinishReason: domain.FinishStop,
		Usage:        usageFor(req, text),
		CompletedAt:  time.Now().UTC(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	p.streams.Add(1)
	if p.failErr != nil && p.failAfter <= 0 {
		return p.failErr
	}

	text := []rune(inputText(req))
	index := 0
	for start := 0; start < len(text); start += p.chunkSize {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if p.failErr != nil && index >= p.failAfter {
			return p.failErr
		}
		end := start + p.chunkSize
		if end > len(text) {
			end = len(text)
		}
		c := stream.Chunk{RequestID: req.RequestID, Delta: string(text[start:end]), Index: index}
		if end == len(text) {
			c.Last = true
			c.FinishReason = domain.FinishStop
		}
		if err := emit(c); err != nil {
			return err
		}
		index++
	}
	if len(text) == 0 {
		return emit(stream.Chunk{RequestID: req.RequestID, Index: 0, Last: true, FinishReason: domain.FinishStop})
	}
	return nil
}

func (p *Provider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// inputText picks the text to echo: the prompt, or the content of the last
// user message.
func inputText(req *domain.InferenceRequest) string {
	if req.Prompt != "" {
		return req.Prompt
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}

// usageFor estimates token counts as whitespace-separated words. Good
// enough for accounting tests; real providers report exact counts.
func usageFor(req *domain.InferenceRequest, completion string) domain.TokenUsage {
	prompt := len(strings.Fields(inputText(req)))
	out := len(strings.Fields(completion))
	return domain.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
