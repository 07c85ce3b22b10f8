// Package kernel assembles the builtin phase plugins into a runnable
// inference kernel. Execute and ExecuteStream are the only entry points
// the API layer needs: each call builds a fresh execution envelope,
// drives it through the ten phases, and returns the normalized response
// or the failure envelope stamped with this node's origin.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/pipeline"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/stream"
	"github.com/helioslabs/helios/internal/tenant"
)

// DefaultMaxAttempts bounds the dispatch phase retry loop when the
// caller does not configure one.
const DefaultMaxAttempts = 3

// Kernel wires the model registry, the selection policy, and the
// dispatch orchestrator behind the phase pipeline. Safe for concurrent
// use; one Kernel serves every request of the process.
type Kernel struct {
	nodeID      string
	maxAttempts int

	models *manifest.Registry
	policy *selection.Policy
	orch   *orchestrator.Orchestrator
	guard  tenant.Guard

	sink       audit.Sink
	accounting *logging.Logger

	reg       *pipeline.Registry
	exec      *pipeline.Executor
	observers []pipeline.Observer
	extra     []pipeline.Plugin
	live      *runRegistry
	logger    *slog.Logger

	drainMu  sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithGuard enables tenant validation and quota enforcement in the
// authorize phase. Without a guard every tenant is admitted.
func WithGuard(g tenant.Guard) Option {
	return func(k *Kernel) { k.guard = g }
}

// WithAuditSink routes audit events. Defaults to a no-op sink.
func WithAuditSink(s audit.Sink) Option {
	return func(k *Kernel) {
		if s != nil {
			k.sink = s
		}
	}
}

// WithAccounting overrides the per-inference accounting logger.
func WithAccounting(l *logging.Logger) Option {
	return func(k *Kernel) { k.accounting = l }
}

// WithMaxAttempts sets the retry budget published in the execution
// token, which bounds the dispatch phase retry loop.
func WithMaxAttempts(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.maxAttempts = n
		}
	}
}

// WithObservers attaches pipeline observers to every execution.
func WithObservers(obs ...pipeline.Observer) Option {
	return func(k *Kernel) { k.observers = append(k.observers, obs...) }
}

// WithPlugins registers additional plugins beside the builtins. IDs
// must not collide with the builtin set.
func WithPlugins(plugins ...pipeline.Plugin) Option {
	return func(k *Kernel) { k.extra = append(k.extra, plugins...) }
}

// New builds a kernel over its three required collaborators. The
// builtin plugin per phase is registered here; extra plugins from
// options stack beside them.
func New(nodeID string, models *manifest.Registry, policy *selection.Policy, orch *orchestrator.Orchestrator, opts ...Option) (*Kernel, error) {
	if models == nil || policy == nil || orch == nil {
		return nil, fmt.Errorf("kernel: registry, policy and orchestrator are required")
	}
	if nodeID == "" {
		nodeID = "helios-0"
	}

	k := &Kernel{
		nodeID:      nodeID,
		maxAttempts: DefaultMaxAttempts,
		models:      models,
		policy:      policy,
		orch:        orch,
		sink:        audit.NopSink{},
		accounting:  logging.Default(),
		reg:         pipeline.NewRegistry(),
		live:        newRunRegistry(),
		logger:      logging.Op().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	for _, p := range k.builtins() {
		if err := k.reg.Register(p); err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
	}
	for _, p := range k.extra {
		if err := k.reg.Register(p); err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
	}
	k.exec = pipeline.NewExecutor(k.reg, k.observers...)
	return k, nil
}

// Start runs the Initialize hook of every lifecycle plugin.
func (k *Kernel) Start(ctx context.Context) error {
	return k.reg.Initialize(ctx)
}

// Shutdown runs the Shutdown hook of every lifecycle plugin. The
// orchestrator and its pools are owned by the daemon and drained there.
func (k *Kernel) Shutdown() error {
	return k.reg.Shutdown()
}

// Drain stops admitting new requests and waits for inflight executions
// to finish. Requests arriving after Drain fail with a CAPACITY
// envelope so load balancers retry another node. Returns ctx.Err()
// when inflight work outlives the deadline.
func (k *Kernel) Drain(ctx context.Context) error {
	k.drainMu.Lock()
	already := k.closing
	k.closing = true
	k.drainMu.Unlock()
	if !already {
		k.logger.Info("draining", "live_runs", len(k.Runs()))
	}

	done := make(chan struct{})
	go func() {
		k.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Draining reports whether the kernel has stopped admitting work.
func (k *Kernel) Draining() bool {
	k.drainMu.Lock()
	defer k.drainMu.Unlock()
	return k.closing
}

// admit joins the inflight group unless the kernel is draining.
func (k *Kernel) admit() bool {
	k.drainMu.Lock()
	defer k.drainMu.Unlock()
	if k.closing {
		return false
	}
	k.inflight.Add(1)
	return true
}

// NodeID returns the node identity stamped on tokens, audit events and
// error envelopes.
func (k *Kernel) NodeID() string { return k.nodeID }

// Execute runs one blocking inference through the pipeline.
func (k *Kernel) Execute(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	return k.run(ctx, req, nil)
}

// ExecuteStream runs one streaming inference, forwarding chunks to emit
// in order. The returned response is the accumulated stream, so the
// caller gets the full text and usage after the last chunk.
func (k *Kernel) ExecuteStream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) (*domain.InferenceResponse, error) {
	if emit == nil {
		return nil, domain.NewError(domain.ErrTypeInternal, "nil emit callback")
	}
	return k.run(ctx, req, emit)
}

func (k *Kernel) run(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) (*domain.InferenceResponse, error) {
	if req == nil {
		return nil, domain.NewError(domain.ErrTypeValidation, "request is nil").
			WithOrigin(k.nodeID, "")
	}
	if !k.admit() {
		return nil, domain.NewError(domain.ErrTypeCapacity, "node is draining").
			WithRetryAfter(time.Second).
			WithOrigin(k.nodeID, "")
	}
	defer k.inflight.Done()
	if emit != nil {
		// Routing must see the request as streaming so providers
		// without streaming support are filtered out.
		req.Stream = true
	}

	scope := tenant.FromContext(ctx)
	if req.TenantID == "" {
		req.TenantID = scope.TenantID
	}
	ctx = tenant.WithScope(ctx, tenant.Scope{TenantID: req.TenantID, Namespace: scope.Namespace})

	runID := uuid.NewString()
	ctx, span := observability.StartSpan(ctx, "helios.execute",
		observability.AttrRunID.String(runID),
		observability.AttrModel.String(req.Model),
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrStreamed.Bool(emit != nil),
	)
	defer span.End()

	// Run-scoped logger carrying trace correlation ids when a trace is
	// recording, so log lines and spans can be joined in the backend.
	runLog := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		With("component", "kernel", "run_id", runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ec := k.newExecution(ctx, req, runID)
	if emit != nil {
		ec.SetVar(varEmit, emit)
	}

	k.live.track(runID, &liveRun{
		ec:       ec,
		cancel:   cancel,
		model:    req.Model,
		streamed: emit != nil,
		started:  time.Now(),
	})
	defer k.live.untrack(runID)

	if err := k.exec.Run(ctx, ec); err != nil {
		de := domain.AsError(err)
		if de.OriginNode == "" {
			de = de.WithOrigin(k.nodeID, runID)
		}
		observability.SetSpanError(span, de)
		runLog.Warn("run failed", "model", req.Model, "error_type", string(de.Type), "error", de.Message)
		return nil, de
	}

	resp := ec.Response()
	if resp == nil {
		de := domain.NewError(domain.ErrTypeInternal, "execution completed without a response").
			WithOrigin(k.nodeID, runID)
		observability.SetSpanError(span, de)
		return nil, de
	}
	span.SetAttributes(
		observability.AttrProviderID.String(resp.ProviderID),
		observability.AttrAttempt.Int(resp.Attempt),
	)
	observability.SetSpanOK(span)
	runLog.Debug("run complete", "model", req.Model, "provider", resp.ProviderID, "attempt", resp.Attempt)
	return resp, nil
}

// newExecution seeds the envelope and its token. The trace id is taken
// from the surrounding span so logs, audit events and spans correlate.
func (k *Kernel) newExecution(ctx context.Context, req *domain.InferenceRequest, runID string) *engine.Context {
	seed := engine.Token{
		RunID:       runID,
		TenantID:    req.TenantID,
		NodeID:      k.nodeID,
		MaxAttempts: k.maxAttempts,
		IssuedAt:    time.Now(),
	}
	if sc := observability.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		seed.TraceID = sc.TraceID().String()
	}
	return engine.NewContext(req, seed)
}
