// Package orchestrator walks the ranked candidate list for a request and
// returns the first successful dispatch. Each candidate is tried behind
// its provider's circuit breaker with a per-attempt timeout. Retryable
// failures fall through to the next candidate; deterministic ones
// (validation, auth, quota, cancellation) surface immediately. A stream
// that already emitted chunks never falls back.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/metrics"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/stream"
)

// DefaultAttemptTimeout bounds one dispatch attempt when the request
// carries no inference_timeout_ms.
const DefaultAttemptTimeout = 30 * time.Second

// DefaultBreakerConfig returns the breaker settings applied to providers
// when the daemon config does not override them.
func DefaultBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ConsecutiveFailures: 5,
		FailureRate:         0.5,
		WindowSize:          20,
		OpenDuration:        30 * time.Second,
		HalfOpenProbes:      2,
		SuccessThreshold:    2,
		ShouldTrip:          TripOnProviderFault,
	}
}

// TripOnProviderFault is the breaker failure predicate for dispatch
// outcomes. Only failures that say something about the provider count;
// caller-side classes (cancellation, validation, quota) and local
// session saturation do not.
func TripOnProviderFault(err error) bool {
	switch domain.Classify(err) {
	case domain.ErrTypeTimeout,
		domain.ErrTypeProviderUnavailable,
		domain.ErrTypeProviderInternal,
		domain.ErrTypeMalformedResponse:
		return true
	}
	return false
}

// Stats reports dispatch counters for the control plane.
type Stats struct {
	Succeeded    int64 `json:"succeeded"`
	Fallbacks    int64 `json:"fallbacks"`
	BreakerSkips int64 `json:"breaker_skips"`
	Exhausted    int64 `json:"exhausted"`
}

// Orchestrator dispatches requests across ranked candidates. It owns no
// ranking logic; selection hands it the ordered list and it stops at the
// first success.
type Orchestrator struct {
	pool        *runner.Pool
	breakers    *circuitbreaker.Registry
	breakerCfg  circuitbreaker.Config
	latency     *selection.LatencyTracker
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger

	inflight sync.WaitGroup
	closing  atomic.Bool

	succeeded    atomic.Int64
	fallbacks    atomic.Int64
	breakerSkips atomic.Int64
	exhausted    atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBreakerConfig replaces the per-provider breaker settings. A config
// that cannot trip disables circuit breaking entirely.
func WithBreakerConfig(cfg circuitbreaker.Config) Option {
	return func(o *Orchestrator) {
		if cfg.ShouldTrip == nil {
			cfg.ShouldTrip = TripOnProviderFault
		}
		o.breakerCfg = cfg
	}
}

// WithAttemptTimeout overrides the attempt timeout assumed for requests
// that set no inference_timeout_ms.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxAttempts caps how many candidates are actually dispatched to per
// request. Breaker skips do not count. Zero means no cap beyond the
// candidate list itself.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// New builds an orchestrator over the warm pool. The breaker registry and
// latency tracker may be shared with the control plane and the selection
// policy; nil creates private ones.
func New(pool *runner.Pool, breakers *circuitbreaker.Registry, latency *selection.LatencyTracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:       pool,
		breakers:   breakers,
		breakerCfg: DefaultBreakerConfig(),
		latency:    latency,
		timeout:    DefaultAttemptTimeout,
		logger:     logging.Op().With("component", "orchestrator"),
	}
	if o.breakers == nil {
		o.breakers = circuitbreaker.NewRegistry()
	}
	if o.latency == nil {
		o.latency = selection.NewLatencyTracker()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch runs a blocking inference against the best candidate that
// accepts it. The returned response carries the winning provider, the
// attempt number, and dispatch timings.
func (o *Orchestrator) Dispatch(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest, candidates []selection.Candidate) (*domain.InferenceResponse, error) {
	if o.closing.Load() {
		return nil, domain.NewError(domain.ErrTypeProviderUnavailable, "dispatcher shutting down")
	}
	o.inflight.Add(1)
	defer o.inflight.Done()

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	return o.walk(ctx, req, m, candidates, nil)
}

// DispatchStream runs a streaming inference, forwarding every chunk to
// emit in order. Fallback happens only before the first chunk leaves;
// afterwards any failure surfaces to the caller, who already saw partial
// output. The returned response is the accumulated stream, so audit and
// post-processing see the full text.
func (o *Orchestrator) DispatchStream(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest, candidates []selection.Candidate, emit stream.Emit) (*domain.InferenceResponse, error) {
	if emit == nil {
		return nil, domain.NewError(domain.ErrTypeInternal, "nil emit callback")
	}
	if o.closing.Load() {
		return nil, domain.NewError(domain.ErrTypeProviderUnavailable, "dispatcher shutting down")
	}
	o.inflight.Add(1)
	defer o.inflight.Done()

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()
	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	return o.walk(ctx, req, m, candidates, emit)
}

// walk is the fallback loop shared by both dispatch modes. emit == nil
// selects the blocking path.
func (o *Orchestrator) walk(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest, candidates []selection.Candidate, emit stream.Emit) (*domain.InferenceResponse, error) {
	if m == nil {
		return nil, domain.NewError(domain.ErrTypeInternal, "nil manifest")
	}
	if len(candidates) == 0 {
		return nil, domain.NewError(domain.ErrTypeCapacity, "no candidate runners").
			WithDetail("model", m.Name)
	}

	var (
		attempts   []domain.AttemptFailure
		retryAfter time.Duration
		dispatched int
	)

	for _, c := range candidates {
		if cerr := ctx.Err(); cerr != nil {
			e := domain.WrapError(domain.Classify(cerr), "dispatch abandoned", cerr)
			if len(attempts) > 0 {
				e = e.WithDetail("attempts", len(attempts))
			}
			return nil, e
		}
		if o.maxAttempts > 0 && dispatched >= o.maxAttempts {
			break
		}

		providerID := c.Provider.ID()
		log := o.logger.With("request_id", req.RequestID, "model", m.Name, "provider", providerID)

		b := o.breakers.Get(providerID, o.breakerCfg)
		if b != nil && !b.Allow() {
			rej := b.Rejection()
			if retryAfter == 0 || rej.EstimatedRecovery < retryAfter {
				retryAfter = rej.EstimatedRecovery
			}
			o.breakerSkips.Add(1)
			attempts = append(attempts, domain.AttemptFailure{
				ProviderID: providerID,
				RunnerKind: c.RunnerKind,
				Attempt:    len(attempts) + 1,
				ErrType:    domain.ErrTypeCircuitOpen,
				Message:    rej.Error(),
			})
			log.Warn("circuit open, skipping candidate",
				"estimated_recovery", rej.EstimatedRecovery)
			continue
		}

		dispatched++
		resp, derr, sticky := o.attempt(ctx, req, m, c, emit)
		if derr == nil {
			if b != nil {
				b.RecordSuccess()
			}
			o.latency.Record(providerID, time.Duration(resp.Timings.DispatchMs)*time.Millisecond)
			o.succeeded.Add(1)
			resp.Attempt = len(attempts) + 1
			log.Debug("dispatch complete",
				"attempt", resp.Attempt, "dispatch_ms", resp.Timings.DispatchMs)
			return resp, nil
		}

		if b != nil {
			b.Record(derr)
		}
		if sticky {
			// Chunks already reached the caller; a retry would replay them.
			return nil, derr.NotRetryable().WithAttempt(len(attempts)+1, len(candidates))
		}
		if !derr.Retryable() {
			return nil, derr.WithAttempt(len(attempts)+1, len(candidates))
		}

		attempts = append(attempts, domain.AttemptFailure{
			ProviderID: providerID,
			RunnerKind: c.RunnerKind,
			Attempt:    len(attempts) + 1,
			ErrType:    derr.Type,
			Message:    derr.Message,
		})
		o.fallbacks.Add(1)
		log.Warn("candidate failed, falling back",
			"err_type", derr.Type, "error", derr.Message)
	}

	o.exhausted.Add(1)
	err := domain.AllRunnersFailed(attempts)
	if retryAfter > 0 {
		err = err.WithRetryAfter(retryAfter)
	}
	o.logger.Warn("all candidates failed",
		"request_id", req.RequestID, "model", m.Name, "attempts", len(attempts))
	return nil, err
}

// attempt dispatches to one candidate. sticky marks failures the walk
// must surface even when retryable, because partial output already
// reached the caller.
func (o *Orchestrator) attempt(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest, c selection.Candidate, emit stream.Emit) (resp *domain.InferenceResponse, derr *domain.Error, sticky bool) {
	actx, cancel := context.WithTimeout(ctx, o.attemptTimeout(ctx, req))
	defer cancel()

	providerID := c.Provider.ID()
	start := time.Now()

	run, warm, err := o.pool.Acquire(actx, m, c.Provider)
	if err != nil {
		return nil, domain.AsError(err), false
	}

	var chunks int
	if emit == nil {
		resp, err = run.Complete(actx, req)
	} else {
		resp, chunks, err = o.streamAttempt(actx, req, m, c, run, emit, start)
	}
	elapsed := time.Since(start)

	sample := metrics.InferenceSample{
		Model:      m.Name,
		ProviderID: providerID,
		DurationMs: elapsed.Milliseconds(),
		WarmHit:    warm,
		Success:    err == nil,
		Streamed:   emit != nil,
	}
	if resp != nil {
		sample.PromptTokens = int64(resp.Usage.PromptTokens)
		sample.CompletionTokens = int64(resp.Usage.CompletionTokens)
	}
	safeGo(func() {
		metrics.Global().RecordInference(sample)
		metrics.RecordPrometheusInference(sample)
	})
	metrics.RecordDispatchDuration(providerID, elapsed.Milliseconds())

	if err != nil {
		derr = domain.AsError(err)
		if chunks > 0 {
			derr = derr.WithDetail("chunks_emitted", chunks)
		}
		safeGo(func() { metrics.RecordPrometheusFailure(string(derr.Type)) })
		return nil, derr, chunks > 0
	}

	resp.RequestID = req.RequestID
	resp.Model = m.Name
	resp.ProviderID = providerID
	if resp.RunnerKind == "" {
		resp.RunnerKind = c.RunnerKind
	}
	resp.Timings.DispatchMs = elapsed.Milliseconds()
	if resp.Timings.TotalMs == 0 {
		resp.Timings.TotalMs = elapsed.Milliseconds()
	}
	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = time.Now().UTC()
	}
	if resp.CostMicroUSD == 0 {
		resp.CostMicroUSD = estimateCost(c.Provider.Capabilities(), resp.Usage)
	}
	return resp, nil, false
}

// streamAttempt drives one streaming dispatch. Chunks are validated and
// folded into an accumulator before they leave, so the walk knows whether
// anything reached the caller and the returned response carries the full
// text.
func (o *Orchestrator) streamAttempt(ctx context.Context, req *domain.InferenceRequest, m *domain.ModelManifest, c selection.Candidate, run runner.Runner, emit stream.Emit, start time.Time) (*domain.InferenceResponse, int, error) {
	acc := stream.NewAccumulator()
	var firstChunkMs int64 = -1

	wrapped := func(ch stream.Chunk) error {
		if acc.Chunks() == 0 {
			firstChunkMs = time.Since(start).Milliseconds()
			metrics.RecordFirstChunk(m.Name, c.Provider.ID(), float64(firstChunkMs))
		}
		if err := acc.Add(ch); err != nil {
			return domain.WrapError(domain.ErrTypeMalformedResponse, "chunk sequencing", err)
		}
		metrics.Global().RecordChunk(m.Name)
		metrics.RecordPrometheusChunk(m.Name)
		return emit(ch)
	}

	if err := run.Stream(ctx, req, wrapped); err != nil {
		return nil, acc.Chunks(), err
	}
	if !acc.Completed() {
		return nil, acc.Chunks(), domain.NewError(domain.ErrTypeMalformedResponse,
			"stream ended without a final chunk")
	}

	resp := acc.Response()
	if firstChunkMs >= 0 {
		resp.Timings.FirstChunkMs = firstChunkMs
	}
	return resp, acc.Chunks(), nil
}

// attemptTimeout bounds one attempt: the request's inference_timeout_ms
// (or the default), clipped to the remaining request budget.
func (o *Orchestrator) attemptTimeout(ctx context.Context, req *domain.InferenceRequest) time.Duration {
	t := req.Params.Timeout(o.timeout)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < t {
			t = remaining
		}
	}
	return t
}

// estimateCost prices usage against the provider's per-million-token
// rates, in micro-USD.
func estimateCost(caps provider.Capabilities, u domain.TokenUsage) int64 {
	if caps.CostPerMTokIn == 0 && caps.CostPerMTokOut == 0 {
		return 0
	}
	in := int64(u.PromptTokens) * caps.CostPerMTokIn
	out := int64(u.CompletionTokens) * caps.CostPerMTokOut
	return (in + out) / 1_000_000
}

// Stats returns dispatch counters since startup.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Succeeded:    o.succeeded.Load(),
		Fallbacks:    o.fallbacks.Load(),
		BreakerSkips: o.breakerSkips.Load(),
		Exhausted:    o.exhausted.Load(),
	}
}

// Close refuses new dispatches and waits for in-flight ones until ctx
// expires.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closing.Store(true)
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// safeGo runs f in a new goroutine with panic recovery so a failure in
// fire-and-forget metrics work never takes down a dispatch.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
