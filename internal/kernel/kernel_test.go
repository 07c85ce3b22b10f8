package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/pipeline"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/stream"
	"github.com/helioslabs/helios/internal/tenant"
)

func TestMain(m *testing.M) {
	logging.Default().SetConsole(false)
	os.Exit(m.Run())
}

// fakeProvider reports a distinct runner kind per instance so parallel
// candidates never share a pool key.
type fakeProvider struct {
	id string

	completeCalls atomic.Int64
	streamCalls   atomic.Int64

	completeFn func(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error)
	streamFn   func(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error
}

func (f *fakeProvider) ID() string          { return f.id }
func (f *fakeProvider) Info() provider.Info { return provider.Info{Name: f.id, Kind: f.id} }

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Formats:   []domain.ModelFormat{domain.FormatGGUF},
		Devices:   []domain.Device{domain.DeviceCPU},
		Streaming: true,
	}
}

func (f *fakeProvider) Health(ctx context.Context) provider.HealthSnapshot {
	return provider.HealthSnapshot{State: provider.HealthHealthy, CheckedAt: time.Now(), LoadFactor: -1}
}

func (f *fakeProvider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	f.completeCalls.Add(1)
	if f.completeFn != nil {
		return f.completeFn(ctx, req)
	}
	return &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Text:         "ok from " + f.id,
		FinishReason: domain.FinishStop,
		Usage:        domain.TokenUsage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	f.streamCalls.Add(1)
	if f.streamFn != nil {
		return f.streamFn(ctx, req, emit)
	}
	if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: "hello ", Index: 0}); err != nil {
		return err
	}
	return emit(stream.Chunk{RequestID: req.RequestID, Delta: "world", Index: 1, Last: true, FinishReason: domain.FinishStop})
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Write(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) last(t *testing.T) audit.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatal("no audit events written")
	}
	return s.events[len(s.events)-1]
}

type recObserver struct {
	mu       sync.Mutex
	phases   []pipeline.Phase
	failures map[pipeline.Phase]error
	terminal engine.State
}

func (o *recObserver) OnPhase(_ *engine.Context, ph pipeline.Phase, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, ph)
	if err != nil {
		if o.failures == nil {
			o.failures = make(map[pipeline.Phase]error)
		}
		o.failures[ph] = err
	}
}

func (o *recObserver) OnTerminal(_ *engine.Context, st engine.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminal = st
}

func (o *recObserver) seen() []pipeline.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]pipeline.Phase, len(o.phases))
	copy(out, o.phases)
	return out
}

func (o *recObserver) failed(ph pipeline.Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[ph] != nil
}

func (o *recObserver) state() engine.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal
}

func testModels(t *testing.T) *manifest.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	spec := `name: llama-3-8b
format: gguf
defaultParams:
  temperature: 0.25
  max_tokens: 96
`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	reg := manifest.NewRegistry(nil)
	if _, err := reg.LoadFile(path); err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return reg
}

func newTestKernel(t *testing.T, extra []Option, provs ...*fakeProvider) (*Kernel, *captureSink, *recObserver) {
	t.Helper()

	preg := provider.NewRegistry()
	for _, p := range provs {
		preg.Register(p)
	}
	lat := selection.NewLatencyTracker()
	pol := selection.NewPolicy(preg, lat)

	b := runner.NewBuilder(nil, nil, session.Config{
		MaxConcurrent:  4,
		AcquireTimeout: time.Second,
		Reuse:          true,
	})
	pool := runner.NewPool(b, runner.Options{Capacity: 8, IdleTTL: time.Minute, SweepInterval: time.Minute})
	t.Cleanup(func() { pool.Close(context.Background()) })

	orch := orchestrator.New(pool, nil, lat)
	t.Cleanup(func() { orch.Close(context.Background()) })

	sink := &captureSink{}
	obs := &recObserver{}
	opts := append([]Option{WithAuditSink(sink), WithObservers(obs)}, extra...)

	k, err := New("node-test", testModels(t), pol, orch, opts...)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, sink, obs
}

func testRequest(streaming bool) *domain.InferenceRequest {
	return &domain.InferenceRequest{
		Model:  "llama-3-8b",
		Prompt: "hi",
		Stream: streaming,
	}
}

func failWith(t domain.ErrType, msg string) func(context.Context, *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	return func(context.Context, *domain.InferenceRequest) (*domain.InferenceResponse, error) {
		return nil, domain.NewError(t, msg)
	}
}

func TestExecuteCompletesRequest(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, sink, obs := newTestKernel(t, nil, p1)

	resp, err := k.Execute(context.Background(), testRequest(false))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "ok from p1" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.ProviderID != "p1" || resp.Attempt != 1 {
		t.Fatalf("provider = %q attempt = %d", resp.ProviderID, resp.Attempt)
	}
	if resp.RequestID == "" {
		t.Fatal("request id not generated")
	}
	if resp.Model != "llama-3-8b" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.Timings.TotalMs < 0 {
		t.Fatalf("total_ms = %d", resp.Timings.TotalMs)
	}

	want := pipeline.Ordered()
	got := obs.seen()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want all %d", got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if obs.state() != engine.StateCompleted {
		t.Fatalf("terminal = %s, want COMPLETED", obs.state())
	}

	ev := sink.last(t)
	if ev.Name != audit.EventRequestCompleted {
		t.Fatalf("audit event = %q", ev.Name)
	}
	if !ev.Verify() {
		t.Fatal("audit hash does not verify")
	}
	if ev.NodeID != "node-test" {
		t.Fatalf("audit node = %q", ev.NodeID)
	}
	if ev.Metadata["provider_id"] != "p1" {
		t.Fatalf("audit provider = %q", ev.Metadata["provider_id"])
	}
	if ev.Metadata["tenant_id"] != "default" {
		t.Fatalf("audit tenant = %q", ev.Metadata["tenant_id"])
	}
}

func TestExecuteSeedsManifestDefaults(t *testing.T) {
	var got domain.Params
	p1 := &fakeProvider{id: "p1", completeFn: func(_ context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
		got = req.Params
		return &domain.InferenceResponse{RequestID: req.RequestID, Text: "ok", FinishReason: domain.FinishStop}, nil
	}}
	k, _, _ := newTestKernel(t, nil, p1)

	req := testRequest(false)
	topP := 0.9
	req.Params.TopP = &topP
	if _, err := k.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Temperature == nil || *got.Temperature != 0.25 {
		t.Fatalf("temperature = %v, want manifest default 0.25", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 96 {
		t.Fatalf("max_tokens = %v, want manifest default 96", got.MaxTokens)
	}
	if got.TopP == nil || *got.TopP != 0.9 {
		t.Fatalf("top_p = %v, caller value must win", got.TopP)
	}

	req2 := testRequest(false)
	temp := 0.7
	req2.Params.Temperature = &temp
	if _, err := k.Execute(context.Background(), req2); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Fatalf("temperature = %v, caller value must win", got.Temperature)
	}
}

func TestExecuteFallsBack(t *testing.T) {
	p1 := &fakeProvider{id: "p1", completeFn: failWith(domain.ErrTypeProviderUnavailable, "connection refused")}
	p2 := &fakeProvider{id: "p2"}
	k, sink, obs := newTestKernel(t, nil, p1, p2)

	resp, err := k.Execute(context.Background(), testRequest(false))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ProviderID != "p2" {
		t.Fatalf("provider = %q, want p2", resp.ProviderID)
	}
	if resp.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", resp.Attempt)
	}
	if p1.completeCalls.Load() != 1 {
		t.Fatalf("p1 calls = %d, want 1", p1.completeCalls.Load())
	}
	if obs.state() != engine.StateCompleted {
		t.Fatalf("terminal = %s", obs.state())
	}
	if ev := sink.last(t); ev.Name != audit.EventRequestCompleted {
		t.Fatalf("audit event = %q", ev.Name)
	}
}

func TestExecuteValidationFailsEarly(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, sink, obs := newTestKernel(t, nil, p1)

	req := testRequest(false)
	req.Model = ""
	_, err := k.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("err %T is not *domain.Error", err)
	}
	if de.OriginNode != "node-test" || de.OriginRunID == "" {
		t.Fatalf("origin = %q/%q", de.OriginNode, de.OriginRunID)
	}
	if p1.completeCalls.Load() != 0 {
		t.Fatalf("provider dispatched on invalid request")
	}

	want := []pipeline.Phase{
		pipeline.PhasePreValidate,
		pipeline.PhaseValidate,
		pipeline.PhaseAudit,
		pipeline.PhaseObservability,
		pipeline.PhaseCleanup,
	}
	got := obs.seen()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if obs.state() != engine.StateFailed {
		t.Fatalf("terminal = %s, want FAILED", obs.state())
	}

	ev := sink.last(t)
	if ev.Name != audit.EventRequestFailed {
		t.Fatalf("audit event = %q", ev.Name)
	}
	if ev.Level != audit.LevelError {
		t.Fatalf("audit level = %q", ev.Level)
	}
	if ev.Metadata["err_type"] != "VALIDATION" {
		t.Fatalf("audit err_type = %q", ev.Metadata["err_type"])
	}
}

func TestExecuteUnknownModel(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, _, obs := newTestKernel(t, nil, p1)

	req := testRequest(false)
	req.Model = "nope"
	_, err := k.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	var de *domain.Error
	errors.As(err, &de)
	if !strings.Contains(de.Message, "nope") {
		t.Fatalf("message = %q, want the model name", de.Message)
	}
	if p1.completeCalls.Load() != 0 {
		t.Fatal("provider dispatched for unknown model")
	}
	// The route failure is absorbed; the pipeline continues and the
	// dispatch phase surfaces the stashed reason.
	if !obs.failed(pipeline.PhaseRoute) {
		t.Fatal("route phase did not record the failure")
	}
	if !obs.failed(pipeline.PhaseProviderDispatch) {
		t.Fatal("dispatch phase did not surface the route failure")
	}
	if obs.state() != engine.StateFailed {
		t.Fatalf("terminal = %s", obs.state())
	}
}

func TestExecuteEnforcesTenantQuota(t *testing.T) {
	guard := tenant.NewStaticGuard(&tenant.Record{
		ID:     "acme",
		Name:   "Acme",
		Status: tenant.StatusActive,
		Limits: map[tenant.QuotaDimension]int64{tenant.QuotaRequests: 1},
	})
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithGuard(guard)}, p1)

	ctx := tenant.WithScope(context.Background(), tenant.Scope{TenantID: "acme"})
	if _, err := k.Execute(ctx, testRequest(false)); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	_, err := k.Execute(ctx, testRequest(false))
	if !errors.Is(err, domain.ErrQuota) {
		t.Fatalf("err = %v, want QUOTA", err)
	}
	if got := guard.Usage("acme", tenant.QuotaRequests); got != 1 {
		t.Fatalf("usage = %d, want 1", got)
	}
}

func TestExecuteRejectsUnknownTenant(t *testing.T) {
	guard := tenant.NewStaticGuard(&tenant.Record{ID: "acme", Status: tenant.StatusActive})
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithGuard(guard)}, p1)

	ctx := tenant.WithScope(context.Background(), tenant.Scope{TenantID: "ghost"})
	_, err := k.Execute(ctx, testRequest(false))
	if !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("err = %v, want AUTHORIZATION", err)
	}
	if p1.completeCalls.Load() != 0 {
		t.Fatal("provider dispatched for unknown tenant")
	}
}

func TestExecuteReleasesQuotaWhenNothingDispatched(t *testing.T) {
	guard := tenant.NewStaticGuard(&tenant.Record{
		ID:     "acme",
		Status: tenant.StatusActive,
		Limits: map[tenant.QuotaDimension]int64{tenant.QuotaRequests: 5},
	})
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithGuard(guard)}, p1)

	ctx := tenant.WithScope(context.Background(), tenant.Scope{TenantID: "acme"})
	req := testRequest(false)
	req.Model = "nope"
	if _, err := k.Execute(ctx, req); err == nil {
		t.Fatal("expected failure for unknown model")
	}
	if got := guard.Usage("acme", tenant.QuotaRequests); got != 0 {
		t.Fatalf("usage = %d, want 0 after release", got)
	}
}

func TestExecuteIdentity(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, sink, _ := newTestKernel(t, nil, p1)

	id := &auth.Identity{Subject: "apikey:ops", TenantID: "default"}
	ctx := auth.WithIdentity(context.Background(), id)
	if _, err := k.Execute(ctx, testRequest(false)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	ev := sink.last(t)
	if ev.Actor.Type != "user" || ev.Actor.ID != "apikey:ops" {
		t.Fatalf("actor = %+v, want the authenticated subject", ev.Actor)
	}

	req := testRequest(false)
	req.TenantID = "rival"
	_, err := k.Execute(ctx, req)
	if !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("err = %v, want AUTHORIZATION on tenant mismatch", err)
	}
}

func TestExecuteStreamDeliversChunks(t *testing.T) {
	p1 := &fakeProvider{id: "p1", streamFn: func(_ context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
		for i := 0; i < 4; i++ {
			ch := stream.Chunk{RequestID: req.RequestID, Delta: "X", Index: i}
			if i == 3 {
				ch.Last = true
				ch.FinishReason = domain.FinishStop
			}
			if err := emit(ch); err != nil {
				return err
			}
		}
		return nil
	}}
	k, sink, _ := newTestKernel(t, nil, p1)

	var chunks []stream.Chunk
	resp, err := k.ExecuteStream(context.Background(), testRequest(true), func(ch stream.Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	if err != nil {
		t.Fatalf("execute stream: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Fatalf("chunk[%d].Index = %d", i, ch.Index)
		}
		if ch.Last != (i == 3) {
			t.Fatalf("chunk[%d].Last = %v", i, ch.Last)
		}
	}
	if resp.Text != "XXXX" {
		t.Fatalf("accumulated text = %q", resp.Text)
	}
	if resp.FinishReason != domain.FinishStop {
		t.Fatalf("finish = %q", resp.FinishReason)
	}

	ev := sink.last(t)
	if ev.Name != audit.EventRequestCompleted {
		t.Fatalf("audit event = %q", ev.Name)
	}
	tagged := false
	for _, tag := range ev.Tags {
		if tag == "stream" {
			tagged = true
		}
	}
	if !tagged {
		t.Fatalf("audit tags = %v, want stream", ev.Tags)
	}
}

func TestExecuteStreamReleasesStreamGrant(t *testing.T) {
	guard := tenant.NewStaticGuard(&tenant.Record{
		ID:     "acme",
		Status: tenant.StatusActive,
		Limits: map[tenant.QuotaDimension]int64{tenant.QuotaConcurrentStreams: 1},
	})
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithGuard(guard)}, p1)

	ctx := tenant.WithScope(context.Background(), tenant.Scope{TenantID: "acme"})
	for i := 0; i < 2; i++ {
		_, err := k.ExecuteStream(ctx, testRequest(true), func(stream.Chunk) error { return nil })
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
	}
	if got := guard.Usage("acme", tenant.QuotaConcurrentStreams); got != 0 {
		t.Fatalf("stream grants = %d, want 0 after release", got)
	}
}

func TestExecuteStreamNoRetryAfterFirstChunk(t *testing.T) {
	p1 := &fakeProvider{id: "p1", streamFn: func(_ context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
		if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: "par", Index: 0}); err != nil {
			return err
		}
		return domain.NewError(domain.ErrTypeProviderUnavailable, "connection reset")
	}}
	p2 := &fakeProvider{id: "p2"}
	k, _, obs := newTestKernel(t, nil, p1, p2)

	var chunks []stream.Chunk
	_, err := k.ExecuteStream(context.Background(), testRequest(true), func(ch stream.Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	if err == nil {
		t.Fatal("expected mid-stream failure to surface")
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("err %T is not *domain.Error", err)
	}
	if de.Type != domain.ErrTypeProviderUnavailable {
		t.Fatalf("type = %s", de.Type)
	}
	if de.Retryable() {
		t.Fatal("mid-stream failure must not be retryable")
	}
	if de.Details["chunks_emitted"] != 1 {
		t.Fatalf("chunks_emitted = %v", de.Details["chunks_emitted"])
	}
	if len(chunks) != 1 {
		t.Fatalf("client saw %d chunks, want 1", len(chunks))
	}
	if p1.streamCalls.Load() != 1 {
		t.Fatalf("p1 stream calls = %d, want 1 (no replay)", p1.streamCalls.Load())
	}
	if p2.streamCalls.Load() != 0 {
		t.Fatalf("p2 stream calls = %d, want 0 (no fallback)", p2.streamCalls.Load())
	}
	if obs.state() != engine.StateFailed {
		t.Fatalf("terminal = %s", obs.state())
	}
}

func TestExecuteRetriesDispatchUntilExhausted(t *testing.T) {
	p1 := &fakeProvider{id: "p1", completeFn: failWith(domain.ErrTypeProviderUnavailable, "down")}
	p2 := &fakeProvider{id: "p2", completeFn: failWith(domain.ErrTypeTimeout, "slow")}
	k, sink, obs := newTestKernel(t, nil, p1, p2)

	_, err := k.Execute(context.Background(), testRequest(false))
	if !errors.Is(err, domain.ErrAllRunnersFailed) {
		t.Fatalf("err = %v, want ALL_RUNNERS_FAILED", err)
	}
	// Three dispatch phase attempts, each walking both candidates.
	if p1.completeCalls.Load() != 3 || p2.completeCalls.Load() != 3 {
		t.Fatalf("calls = %d/%d, want 3/3",
			p1.completeCalls.Load(), p2.completeCalls.Load())
	}
	if obs.state() != engine.StateFailed {
		t.Fatalf("terminal = %s", obs.state())
	}
	if ev := sink.last(t); ev.Metadata["err_type"] != "ALL_RUNNERS_FAILED" {
		t.Fatalf("audit err_type = %q", ev.Metadata["err_type"])
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, sink, obs := newTestKernel(t, nil, p1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := k.Execute(ctx, testRequest(false))
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
	if p1.completeCalls.Load() != 0 {
		t.Fatal("provider dispatched after cancellation")
	}
	if obs.state() != engine.StateCancelled {
		t.Fatalf("terminal = %s, want CANCELLED", obs.state())
	}
	// The audit trail still runs best-effort under a detached context.
	if ev := sink.last(t); ev.Name != audit.EventRequestFailed {
		t.Fatalf("audit event = %q", ev.Name)
	}
}

func TestExecuteNilRequest(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, nil, p1)

	if _, err := k.Execute(context.Background(), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestExecuteStreamRequiresEmit(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, nil, p1)

	_, err := k.ExecuteStream(context.Background(), testRequest(true), nil)
	if err == nil || domain.Classify(err) != domain.ErrTypeInternal {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
}

type lifecycleProbe struct {
	inits atomic.Int32
	shuts atomic.Int32
}

func (p *lifecycleProbe) ID() string            { return "probe.lifecycle" }
func (p *lifecycleProbe) Phase() pipeline.Phase { return pipeline.PhaseCleanup }
func (p *lifecycleProbe) Order() int            { return 500 }

func (p *lifecycleProbe) Execute(context.Context, *engine.Context) error { return nil }

func (p *lifecycleProbe) Initialize(context.Context) error {
	p.inits.Add(1)
	return nil
}

func (p *lifecycleProbe) Shutdown() error {
	p.shuts.Add(1)
	return nil
}

func TestKernelLifecycle(t *testing.T) {
	probe := &lifecycleProbe{}
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithPlugins(probe)}, p1)

	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if probe.inits.Load() != 1 {
		t.Fatalf("inits = %d, want 1", probe.inits.Load())
	}
	if err := k.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if probe.shuts.Load() != 1 {
		t.Fatalf("shutdowns = %d, want 1", probe.shuts.Load())
	}
}

func TestNewRejectsDuplicatePluginID(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	preg := provider.NewRegistry()
	preg.Register(p1)
	lat := selection.NewLatencyTracker()
	pol := selection.NewPolicy(preg, lat)

	b := runner.NewBuilder(nil, nil, session.Config{MaxConcurrent: 1, AcquireTimeout: time.Second, Reuse: true})
	pool := runner.NewPool(b, runner.Options{Capacity: 2, IdleTTL: time.Minute, SweepInterval: time.Minute})
	t.Cleanup(func() { pool.Close(context.Background()) })
	orch := orchestrator.New(pool, nil, lat)
	t.Cleanup(func() { orch.Close(context.Background()) })

	dup := pipeline.Func("provider.dispatch", pipeline.PhaseProviderDispatch, 1,
		func(context.Context, *engine.Context) error { return nil })
	_, err := New("node-test", testModels(t), pol, orch, WithPlugins(dup))
	if err == nil {
		t.Fatal("duplicate plugin id accepted")
	}
}

func TestRunRegistryTracksAndCancels(t *testing.T) {
	started := make(chan struct{})
	p1 := &fakeProvider{id: "p1"}
	p1.streamFn = func(ctx context.Context, _ *domain.InferenceRequest, _ stream.Emit) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	k, _, _ := newTestKernel(t, nil, p1)

	errCh := make(chan error, 1)
	go func() {
		_, err := k.ExecuteStream(context.Background(), testRequest(true),
			func(stream.Chunk) error { return nil })
		errCh <- err
	}()

	<-started
	runs := k.Runs()
	if len(runs) != 1 {
		t.Fatalf("live runs = %d, want 1", len(runs))
	}
	info := runs[0]
	if info.Model != "llama-3-8b" || !info.Streamed || info.TenantID != "default" {
		t.Fatalf("run info = %+v", info)
	}
	if info.State != engine.StateRunning {
		t.Fatalf("state = %s, want RUNNING", info.State)
	}
	if got, err := k.Run(info.RunID); err != nil || got.RunID != info.RunID {
		t.Fatalf("lookup = %+v, %v", got, err)
	}

	// Approving a run that is not parked at a gate is illegal.
	if _, err := k.SignalRun(info.RunID, engine.SignalApproved); !errors.Is(err, engine.ErrIllegalTransition) {
		t.Fatalf("approve running = %v, want illegal transition", err)
	}

	if err := k.CancelRun(info.RunID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrCancelled) {
			t.Fatalf("err = %v, want CANCELLED", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not unwind after cancel")
	}
	if n := len(k.Runs()); n != 0 {
		t.Fatalf("live runs after exit = %d", n)
	}

	if _, err := k.Run("ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("lookup ghost = %v", err)
	}
	if err := k.CancelRun("ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("cancel ghost = %v", err)
	}
	if _, err := k.SignalRun("ghost", engine.SignalApproved); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("signal ghost = %v", err)
	}
}

// approvalGate parks every execution at the authorize phase until an
// operator resolves it through the run registry.
type approvalGate struct{}

func (approvalGate) ID() string            { return "authorize.hold" }
func (approvalGate) Phase() pipeline.Phase { return pipeline.PhaseAuthorize }
func (approvalGate) Order() int            { return 150 }

func (approvalGate) Execute(ctx context.Context, ec *engine.Context) error {
	if _, err := ec.Fire(engine.SignalWaitRequested); err != nil {
		return err
	}
	for ec.State() == engine.StateWaiting {
		select {
		case <-ctx.Done():
			return domain.WrapError(domain.ErrTypeCancelled, "cancelled while held for approval", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	if ec.State() != engine.StateRunning {
		return domain.NewError(domain.ErrTypeAuthorization, "rejected by operator")
	}
	return nil
}

func waitForGate(t *testing.T, k *Kernel) RunInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range k.Runs() {
			if info.State == engine.StateWaiting {
				return info
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no run reached the approval gate")
	return RunInfo{}
}

func TestRunRegistryApprovesGatedRun(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, _, _ := newTestKernel(t, []Option{WithPlugins(approvalGate{})}, p1)

	type result struct {
		resp *domain.InferenceResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := k.Execute(context.Background(), testRequest(false))
		resCh <- result{resp, err}
	}()

	info := waitForGate(t, k)
	st, err := k.SignalRun(info.RunID, engine.SignalApproved)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if st != engine.StateRunning {
		t.Fatalf("state after approve = %s", st)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("execute: %v", res.err)
		}
		if res.resp.Text != "ok from p1" {
			t.Fatalf("text = %q", res.resp.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approved run did not complete")
	}
}

func TestRunRegistryRejectsGatedRun(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	k, sink, obs := newTestKernel(t, []Option{WithPlugins(approvalGate{})}, p1)

	errCh := make(chan error, 1)
	go func() {
		_, err := k.Execute(context.Background(), testRequest(false))
		errCh <- err
	}()

	info := waitForGate(t, k)
	st, err := k.SignalRun(info.RunID, engine.SignalRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if st != engine.StateFailed {
		t.Fatalf("state after reject = %s", st)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("err = %v, want AUTHORIZATION", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rejected run did not unwind")
	}
	if p1.completeCalls.Load() != 0 {
		t.Fatal("provider dispatched after rejection")
	}
	if obs.state() != engine.StateFailed {
		t.Fatalf("terminal = %s, want FAILED", obs.state())
	}
	if ev := sink.last(t); ev.Name != audit.EventRequestFailed {
		t.Fatalf("audit event = %q", ev.Name)
	}
}

func TestDrainRejectsNewWork(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p1 := &fakeProvider{id: "p1"}
	p1.completeFn = func(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
		close(started)
		<-release
		return &domain.InferenceResponse{
			RequestID:    req.RequestID,
			Text:         "late",
			FinishReason: domain.FinishStop,
		}, nil
	}
	k, _, _ := newTestKernel(t, nil, p1)

	errCh := make(chan error, 1)
	go func() {
		_, err := k.Execute(context.Background(), testRequest(false))
		errCh <- err
	}()
	<-started

	// Inflight work holds the drain open past a short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := k.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain = %v, want deadline exceeded", err)
	}
	if !k.Draining() {
		t.Fatal("kernel not marked draining")
	}

	_, err := k.Execute(context.Background(), testRequest(false))
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("err = %v, want CAPACITY", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("inflight run failed: %v", err)
	}
	if err := k.Drain(context.Background()); err != nil {
		t.Fatalf("drain after settle: %v", err)
	}
}
