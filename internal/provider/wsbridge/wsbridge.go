// Package wsbridge implements the provider interface over a websocket
// connection to a runner sidecar, typically a llama.cpp or ONNX wrapper
// process on the same host. One connection serves one request; the
// sidecar owns model loading and session state.
package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/secrets"
	"github.com/helioslabs/helios/internal/stream"
)

const (
	defaultDialTimeout = 5 * time.Second
	pingTimeout        = 3 * time.Second
)

// Frame types on the bridge protocol.
const (
	frameInfer  = "infer"
	frameChunk  = "chunk"
	frameResult = "result"
	frameError  = "error"
	framePing   = "ping"
	framePong   = "pong"
)

// requestFrame is what the kernel sends to the sidecar. Trace carries the
// W3C trace context, since the per-request frame is the only channel the
// sidecar sees; sidecars that trace join the kernel's trace through it.
type requestFrame struct {
	Type     string                      `json:"type"`
	ID       string                      `json:"id"`
	Model    string                      `json:"model"`
	Prompt   string                      `json:"prompt,omitempty"`
	Messages []domain.Message            `json:"messages,omitempty"`
	Params   domain.Params               `json:"params"`
	Stream   bool                        `json:"stream"`
	Trace    *observability.TraceContext `json:"trace,omitempty"`
}

// replyFrame is what the sidecar sends back. Exactly one of Chunk, Result
// or Error is set depending on Type.
type replyFrame struct {
	Type   string                    `json:"type"`
	ID     string                    `json:"id,omitempty"`
	Chunk  *stream.Chunk             `json:"chunk,omitempty"`
	Result *domain.InferenceResponse `json:"result,omitempty"`
	Error  *domain.Error             `json:"error,omitempty"`

	// Pong payload.
	State      string  `json:"state,omitempty"`
	LoadFactor float64 `json:"load_factor,omitempty"`
}

// Config describes one sidecar endpoint.
type Config struct {
	ID string `json:"id" yaml:"id"`

	// URL is the websocket endpoint, e.g. ws://127.0.0.1:9091/v1/infer.
	URL string `json:"url" yaml:"url"`

	// AuthToken may be a literal or a ${ENV}/file:/$SECRET: reference,
	// sent as a Bearer token on the upgrade request when set.
	AuthToken string `json:"auth_token,omitempty" yaml:"authToken"`

	Formats         []domain.ModelFormat `json:"formats,omitempty" yaml:"formats"`
	Devices         []domain.Device      `json:"devices,omitempty" yaml:"devices"`
	PreferredDevice domain.Device        `json:"preferred_device,omitempty" yaml:"preferredDevice"`
	MaxContext      int                  `json:"max_context,omitempty" yaml:"maxContext"`

	DialTimeout time.Duration `json:"dial_timeout,omitempty" yaml:"dialTimeout"`
}

// Provider bridges inference to a websocket sidecar.
type Provider struct {
	id     string
	url    string
	header http.Header
	dialer *websocket.Dialer
	caps   provider.Capabilities
}

// New builds a provider from cfg, resolving the auth token through the
// resolver.
func New(ctx context.Context, cfg Config, resolver *secrets.Resolver) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("wsbridge: id is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("wsbridge: url is required")
	}
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	token, err := resolver.ResolveValue(ctx, cfg.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: resolve auth token: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	caps := provider.Capabilities{
		Formats:         cfg.Formats,
		Devices:         cfg.Devices,
		PreferredDevice: cfg.PreferredDevice,
		MaxContext:      cfg.MaxContext,
		Streaming:       true,
		Sessions:        true,
	}
	if len(caps.Formats) == 0 {
		caps.Formats = []domain.ModelFormat{domain.FormatGGUF, domain.FormatONNX, domain.FormatSafetensors}
	}
	if len(caps.Devices) == 0 {
		caps.Devices = []domain.Device{domain.DeviceCPU}
	}
	if caps.PreferredDevice == "" {
		caps.PreferredDevice = caps.Devices[0]
	}

	return &Provider{
		id:     cfg.ID,
		url:    cfg.URL,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		caps:   caps,
	}, nil
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.id, Kind: "wsbridge", Endpoint: p.url}
}

func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

// Health dials the sidecar and exchanges a ping frame. The pong carries
// the sidecar's self-reported state and load factor.
func (p *Provider) Health(ctx context.Context) provider.HealthSnapshot {
	start := time.Now()
	snap := provider.HealthSnapshot{CheckedAt: start.UTC(), LoadFactor: -1}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	conn, closeConn, err := p.dial(pingCtx)
	if err != nil {
		snap.State = provider.HealthUnhealthy
		snap.Reason = err.Error()
		return snap
	}
	defer closeConn()

	if err := conn.WriteJSON(requestFrame{Type: framePing}); err != nil {
		snap.State = provider.HealthUnhealthy
		snap.Reason = err.Error()
		return snap
	}
	var pong replyFrame
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != framePong {
		snap.State = provider.HealthUnhealthy
		snap.Reason = "no pong from sidecar"
		return snap
	}

	snap.Latency = time.Since(start)
	snap.LoadFactor = pong.LoadFactor
	switch provider.HealthState(pong.State) {
	case provider.HealthDegraded:
		snap.State = provider.HealthDegraded
	case provider.HealthUnhealthy:
		snap.State = provider.HealthUnhealthy
	default:
		snap.State = provider.HealthHealthy
	}
	return snap
}

func (p *Provider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	start := time.Now()
	conn, closeConn, err := p.dial(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTypeProviderUnavailable, "dial sidecar", err)
	}
	defer closeConn()

	if err := conn.WriteJSON(p.frameFor(ctx, req, false)); err != nil {
		return nil, domain.WrapError(domain.ErrTypeProviderUnavailable, "send request", err)
	}

	for {
		var reply replyFrame
		if err := conn.ReadJSON(&reply); err != nil {
			return nil, p.readError(ctx, err)
		}
		switch reply.Type {
		case frameResult:
			if reply.Result == nil {
				return nil, domain.NewError(domain.ErrTypeMalformedResponse, "result frame missing payload")
			}
			out := *reply.Result
			out.RequestID = req.RequestID
			out.ProviderID = p.id
			if out.Model == "" {
				out.Model = req.Model
			}
			elapsed := time.Since(start).Milliseconds()
			out.Timings.DispatchMs = elapsed
			out.Timings.TotalMs = elapsed
			if out.CompletedAt.IsZero() {
				out.CompletedAt = time.Now().UTC()
			}
			return &out, nil
		case frameError:
			return nil, sidecarError(reply.Error)
		case frameChunk:
			return nil, domain.NewError(domain.ErrTypeMalformedResponse, "sidecar streamed a non-streaming request")
		}
	}
}

// Stream sends one streaming request and forwards chunk frames until the
// sidecar marks the last one.
func (p *Provider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	conn, closeConn, err := p.dial(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrTypeProviderUnavailable, "dial sidecar", err)
	}
	defer closeConn()

	if err := conn.WriteJSON(p.frameFor(ctx, req, true)); err != nil {
		return domain.WrapError(domain.ErrTypeProviderUnavailable, "send request", err)
	}

	for {
		var reply replyFrame
		if err := conn.ReadJSON(&reply); err != nil {
			return p.readError(ctx, err)
		}
		switch reply.Type {
		case frameChunk:
			if reply.Chunk == nil {
				return domain.NewError(domain.ErrTypeMalformedResponse, "chunk frame missing payload")
			}
			c := *reply.Chunk
			c.RequestID = req.RequestID
			if err := emit(c); err != nil {
				return err
			}
			if c.Last {
				return nil
			}
		case frameError:
			return sidecarError(reply.Error)
		case frameResult:
			return domain.NewError(domain.ErrTypeMalformedResponse, "sidecar answered a streaming request with a result frame")
		}
	}
}

// dial opens one connection and arranges for ctx cancellation to unblock
// any pending read. The returned closer is idempotent enough for defer.
func (p *Provider) dial(ctx context.Context) (*websocket.Conn, func(), error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, p.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, nil, err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	closeConn := func() {
		close(stop)
		conn.Close()
	}
	return conn, closeConn, nil
}

func (p *Provider) frameFor(ctx context.Context, req *domain.InferenceRequest, streaming bool) requestFrame {
	frame := requestFrame{
		Type:     frameInfer,
		ID:       req.RequestID,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Messages: req.Messages,
		Params:   req.Params,
		Stream:   streaming,
	}
	if tc := observability.TraceContextFrom(ctx); !tc.Empty() {
		frame.Trace = &tc
	}
	return frame
}

// readError classifies a failed read. A ctx-triggered close surfaces as a
// cancellation, everything else means the sidecar went away mid-request.
func (p *Provider) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return domain.WrapError(domain.ErrTypeTimeout, "sidecar timed out", ctxErr)
		}
		return domain.WrapError(domain.ErrTypeCancelled, "request cancelled", ctxErr)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return domain.NewError(domain.ErrTypeMalformedResponse, "sidecar closed before finishing the response")
	}
	return domain.WrapError(domain.ErrTypeProviderUnavailable, "sidecar connection lost", err)
}

func sidecarError(e *domain.Error) error {
	if e == nil {
		return domain.NewError(domain.ErrTypeProviderInternal, "sidecar reported an unspecified error")
	}
	if e.Type == "" {
		e.Type = domain.ErrTypeProviderInternal
	}
	return e
}
