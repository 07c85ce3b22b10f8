package kernel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/pipeline"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/stream"
	"github.com/helioslabs/helios/internal/tenant"
)

// Envelope variable keys the builtin plugins hand work through.
const (
	varManifest     = "route.manifest"
	varCandidates   = "route.candidates"
	varRouteErr     = "route.error"
	varEmit         = "stream.emit"
	varReqCharged   = "authorize.requests_charged"
	varStreamGrant  = "authorize.stream_granted"
	varDispatched   = "dispatch.started"
	varDispatchedAt = "dispatch.at"
)

// builtinOrder leaves room for caller plugins on both sides of each
// builtin within its phase.
const builtinOrder = 100

func (k *Kernel) builtins() []pipeline.Plugin {
	return []pipeline.Plugin{
		pipeline.Func("request.normalize", pipeline.PhasePreValidate, builtinOrder, k.normalize),
		pipeline.Func("request.validate", pipeline.PhaseValidate, builtinOrder, k.validate),
		pipeline.Func("tenant.authorize", pipeline.PhaseAuthorize, builtinOrder, k.authorize),
		pipeline.Func("route.rank", pipeline.PhaseRoute, builtinOrder, k.route),
		pipeline.Func("params.defaults", pipeline.PhasePreProcessing, builtinOrder, k.seedDefaults),
		pipeline.Func("provider.dispatch", pipeline.PhaseProviderDispatch, builtinOrder, k.dispatch),
		pipeline.Func("timings.finalize", pipeline.PhasePostProcessing, builtinOrder, k.finalize),
		pipeline.Func("audit.trail", pipeline.PhaseAudit, builtinOrder, k.auditTrail),
		pipeline.Func("observe.accounting", pipeline.PhaseObservability, builtinOrder, k.observe),
		pipeline.Func("cleanup.release", pipeline.PhaseCleanup, builtinOrder, k.cleanup),
	}
}

// normalize fills the identity fields a caller may omit. Runs before
// validation so the rest of the pipeline can rely on them.
func (k *Kernel) normalize(ctx context.Context, ec *engine.Context) error {
	req := ec.Request
	if req == nil {
		return domain.NewError(domain.ErrTypeValidation, "request is nil")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	if req.TenantID == "" {
		req.TenantID = ec.Token().TenantID
	}
	ec.SetMeta("request_id", req.RequestID)
	return nil
}

func (k *Kernel) validate(ctx context.Context, ec *engine.Context) error {
	return ec.Request.Validate()
}

// authorize checks the request tenant against the authenticated
// identity, then the tenant guard: the tenant must exist and be active,
// and the request is charged against its quota. Streaming requests
// additionally hold a concurrent-stream grant until cleanup.
func (k *Kernel) authorize(ctx context.Context, ec *engine.Context) error {
	req := ec.Request

	if id := auth.GetIdentity(ctx); id != nil {
		if id.TenantID != "" && req.TenantID != "" && id.TenantID != req.TenantID {
			return domain.NewError(domain.ErrTypeAuthorization,
				"request tenant does not match the authenticated key").
				WithDetail("tenant_id", req.TenantID)
		}
		if req.ActorID == "" {
			req.ActorID = id.Subject
		}
	}

	if k.guard == nil {
		return nil
	}

	if err := k.guard.ValidateTenant(ctx, req.TenantID); err != nil {
		return wrapTenantErr(err)
	}

	scope := tenant.Scope{TenantID: req.TenantID}
	decision, err := k.guard.EnforceQuota(ctx, scope, tenant.QuotaRequests, 1)
	if err != nil {
		return quotaErr(err, decision)
	}
	ec.SetVar(varReqCharged, true)

	if req.Stream {
		decision, err = k.guard.EnforceQuota(ctx, scope, tenant.QuotaConcurrentStreams, 1)
		if err != nil {
			return quotaErr(err, decision)
		}
		ec.SetVar(varStreamGrant, true)
	}
	return nil
}

func wrapTenantErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tenant.ErrQuotaExceeded):
		return domain.WrapError(domain.ErrTypeQuota, "tenant quota exceeded", err)
	default:
		return domain.WrapError(domain.ErrTypeAuthorization, "tenant not admitted", err)
	}
}

func quotaErr(err error, d *tenant.QuotaDecision) error {
	if errors.Is(err, tenant.ErrQuotaExceeded) {
		e := domain.WrapError(domain.ErrTypeQuota, "tenant quota exceeded", err)
		if d != nil {
			e = e.WithDetail("dimension", d.Dimension).
				WithDetail("limit", d.Limit).
				WithDetail("used", d.Used)
		}
		return e
	}
	return wrapTenantErr(err)
}

// route resolves the manifest and ranks the candidates. The phase is
// retryable, so every attempt resolves and ranks from scratch; a
// failure is stashed in the envelope for the dispatch phase to surface,
// because route failures are absorbed as non-fatal by design.
func (k *Kernel) route(ctx context.Context, ec *engine.Context) error {
	req := ec.Request

	m, err := k.models.Resolve(ctx, req.Model)
	if err != nil {
		rerr := routeFailure(req.Model, err)
		ec.SetVar(varRouteErr, rerr)
		return rerr
	}

	candidates, err := k.policy.Rank(ctx, req, m)
	if err != nil {
		rerr := domain.AsError(err)
		ec.SetVar(varRouteErr, rerr)
		return rerr
	}

	ec.SetVar(varManifest, m)
	ec.SetVar(varCandidates, candidates)
	ec.SetVar(varRouteErr, nil)
	ec.SetMeta("model", m.Name)
	return nil
}

func routeFailure(model string, err error) *domain.Error {
	if errors.Is(err, manifest.ErrModelNotFound) {
		return domain.WrapError(domain.ErrTypeValidation,
			fmt.Sprintf("unknown model %q", model), err)
	}
	return domain.AsError(err)
}

// seedDefaults applies the manifest's default params to fields the
// caller left unset.
func (k *Kernel) seedDefaults(ctx context.Context, ec *engine.Context) error {
	m, ok := engine.VarAs[*domain.ModelManifest](ec, varManifest)
	if !ok || len(m.DefaultParams) == 0 {
		return nil
	}
	seedParams(&ec.Request.Params, m.DefaultParams)
	return nil
}

// dispatch hands the ranked candidates to the orchestrator. When the
// route phase failed, its stashed error surfaces here so the caller
// sees the real reason instead of a bare missing-candidates error.
func (k *Kernel) dispatch(ctx context.Context, ec *engine.Context) error {
	req := ec.Request

	m, mok := engine.VarAs[*domain.ModelManifest](ec, varManifest)
	candidates, cok := engine.VarAs[[]selection.Candidate](ec, varCandidates)
	if !mok || !cok {
		if rerr, ok := engine.VarAs[*domain.Error](ec, varRouteErr); ok && rerr != nil {
			return rerr
		}
		return domain.NewError(domain.ErrTypeInternal, "no route decision")
	}

	ec.SetVar(varDispatched, true)
	if _, seen := ec.Var(varDispatchedAt); !seen {
		ec.SetVar(varDispatchedAt, time.Now())
	}

	var (
		resp *domain.InferenceResponse
		err  error
	)
	if emit, streaming := engine.VarAs[stream.Emit](ec, varEmit); streaming {
		resp, err = k.orch.DispatchStream(ctx, req, m, candidates, emit)
	} else {
		resp, err = k.orch.Dispatch(ctx, req, m, candidates)
	}
	if err != nil {
		return err
	}

	ec.SetResponse(resp)
	ec.SetMeta("provider_id", resp.ProviderID)
	return nil
}

// finalize stamps the end-to-end timings the orchestrator cannot see:
// total wall time from arrival, and the queue share spent before the
// first dispatch started.
func (k *Kernel) finalize(ctx context.Context, ec *engine.Context) error {
	resp := ec.Response()
	if resp == nil {
		return nil
	}
	req := ec.Request
	if !req.ReceivedAt.IsZero() {
		resp.Timings.TotalMs = time.Since(req.ReceivedAt).Milliseconds()
		if at, ok := engine.VarAs[time.Time](ec, varDispatchedAt); ok {
			if q := at.Sub(req.ReceivedAt).Milliseconds(); q > 0 {
				resp.Timings.QueueMs = q
			}
		}
	}
	ec.SetMeta("finish_reason", string(resp.FinishReason))
	return nil
}

// auditTrail emits the request-completed or request-failed event. Runs
// on error by design, so failed and cancelled runs leave a trail too.
func (k *Kernel) auditTrail(ctx context.Context, ec *engine.Context) error {
	req := ec.Request

	name := audit.EventRequestCompleted
	if ec.Err() != nil {
		name = audit.EventRequestFailed
	}
	actor := audit.SystemActor(k.nodeID)
	if req != nil && req.ActorID != "" {
		actor = audit.UserActor(req.ActorID, "")
	}

	ev := audit.New(ec.RunID(), k.nodeID, actor, name)
	if req != nil {
		ev = ev.WithMeta("request_id", req.RequestID).
			WithMeta("model", req.Model).
			WithMeta("tenant_id", req.TenantID)
		if req.Stream {
			ev = ev.WithTags("stream")
		}
	}
	if resp := ec.Response(); resp != nil {
		ev = ev.WithMeta("provider_id", resp.ProviderID).
			WithMeta("total_tokens", strconv.Itoa(resp.Usage.TotalTokens))
	}
	if err := ec.Err(); err != nil {
		de := domain.AsError(err)
		ev = ev.WithLevel(audit.LevelError).
			WithMeta("err_type", string(de.Type)).
			WithMeta("error", de.Message)
	}
	return k.sink.Write(ctx, ev.WithSnapshot(snapshotOf(ec)))
}

// observe writes the per-inference accounting line. Attempt-level
// metrics are recorded inside the orchestrator, where each attempt is
// visible; this phase owns the one-line-per-request view.
func (k *Kernel) observe(ctx context.Context, ec *engine.Context) error {
	if k.accounting == nil {
		return nil
	}
	req := ec.Request
	tok := ec.Token()

	entry := &logging.InferenceLog{
		RunID:    tok.RunID,
		TraceID:  tok.TraceID,
		TenantID: tok.TenantID,
		State:    string(outcomeOf(ec)),
		Attempts: 1,
	}
	if req != nil {
		entry.RequestID = req.RequestID
		entry.Model = req.Model
		entry.Streamed = req.Stream
		if !req.ReceivedAt.IsZero() {
			entry.DurationMs = time.Since(req.ReceivedAt).Milliseconds()
		}
	}
	if resp := ec.Response(); resp != nil {
		entry.ProviderID = resp.ProviderID
		entry.RunnerKind = resp.RunnerKind
		entry.FinishReason = string(resp.FinishReason)
		entry.FirstChunkMs = resp.Timings.FirstChunkMs
		entry.PromptTokens = resp.Usage.PromptTokens
		entry.CompletionTokens = resp.Usage.CompletionTokens
		entry.Attempts = resp.Attempt
		if resp.Timings.TotalMs > 0 {
			entry.DurationMs = resp.Timings.TotalMs
		}
	}
	if err := ec.Err(); err != nil {
		de := domain.AsError(err)
		entry.ErrType = string(de.Type)
		entry.Error = de.Message
		switch {
		case de.Attempt > 0:
			entry.Attempts = de.Attempt
		case len(de.Attempts) > 0:
			entry.Attempts = len(de.Attempts)
		}
	}
	k.accounting.Log(entry)
	return nil
}

// cleanup returns quota grants: the stream grant always, because the
// stream is over by now, and the request charge only when the run
// failed before any dispatch was attempted.
func (k *Kernel) cleanup(ctx context.Context, ec *engine.Context) error {
	if k.guard == nil {
		return nil
	}
	scope := tenant.Scope{TenantID: ec.Token().TenantID}

	if _, granted := ec.Var(varStreamGrant); granted {
		k.guard.Release(ctx, scope, tenant.QuotaConcurrentStreams, 1)
	}
	if _, charged := ec.Var(varReqCharged); charged && ec.Err() != nil {
		if _, dispatched := ec.Var(varDispatched); !dispatched {
			k.guard.Release(ctx, scope, tenant.QuotaRequests, 1)
		}
	}
	return nil
}

// outcomeOf maps the envelope to the terminal state the machine is
// about to publish. The audit and observability phases run before the
// terminal transition fires, so they derive it from the error slot.
func outcomeOf(ec *engine.Context) engine.State {
	if ec.Err() == nil {
		return engine.StateCompleted
	}
	if st := ec.State(); st.Terminal() {
		return st
	}
	return engine.StateFailed
}

// snapshotOf is the context snapshot attached to audit events.
func snapshotOf(ec *engine.Context) map[string]any {
	tok := ec.Token()
	timings := make(map[string]int64)
	for phase, d := range ec.Timings() {
		timings[phase] = d.Milliseconds()
	}
	snap := map[string]any{
		"state":      string(outcomeOf(ec)),
		"phase":      tok.Phase,
		"attempt":    tok.Attempt,
		"timings_ms": timings,
	}
	if resp := ec.Response(); resp != nil {
		snap["usage"] = resp.Usage
		snap["cost_micro_usd"] = resp.CostMicroUSD
	}
	if nf := ec.NonFatal(); len(nf) > 0 {
		absorbed := make([]string, 0, len(nf))
		for _, pe := range nf {
			absorbed = append(absorbed, fmt.Sprintf("%s: %v", pe.Phase, pe.Err))
		}
		snap["absorbed_errors"] = absorbed
	}
	return snap
}

// seedParams copies manifest defaults into unset request params.
// Recognized keys map onto the typed fields; the rest merge into Extra
// without overriding caller-provided values.
func seedParams(p *domain.Params, defaults map[string]any) {
	for key, val := range defaults {
		switch key {
		case domain.ParamTemperature:
			if p.Temperature == nil {
				if f, ok := asFloat(val); ok {
					p.Temperature = &f
				}
			}
		case domain.ParamMaxTokens:
			if p.MaxTokens == nil {
				if n, ok := asInt(val); ok {
					p.MaxTokens = &n
				}
			}
		case domain.ParamTopP:
			if p.TopP == nil {
				if f, ok := asFloat(val); ok {
					p.TopP = &f
				}
			}
		case domain.ParamTopK:
			if p.TopK == nil {
				if n, ok := asInt(val); ok {
					p.TopK = &n
				}
			}
		case domain.ParamRepeatPenalty:
			if p.RepeatPenalty == nil {
				if f, ok := asFloat(val); ok {
					p.RepeatPenalty = &f
				}
			}
		case domain.ParamMirostat:
			if p.Mirostat == nil {
				if n, ok := asInt(val); ok {
					p.Mirostat = &n
				}
			}
		case domain.ParamGrammar:
			if p.Grammar == "" {
				if s, ok := val.(string); ok {
					p.Grammar = s
				}
			}
		case domain.ParamJSONMode:
			if b, ok := val.(bool); ok && b {
				p.JSONMode = true
			}
		case domain.ParamTimeoutMs:
			if p.TimeoutMs == 0 {
				if n, ok := asInt(val); ok && n > 0 {
					p.TimeoutMs = int64(n)
				}
			}
		case domain.ParamModelPath:
			if p.ModelPath == "" {
				if s, ok := val.(string); ok {
					p.ModelPath = s
				}
			}
		case domain.ParamSessionID:
			// Session affinity is per-caller, never a manifest default.
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any, len(defaults))
			}
			if _, set := p.Extra[key]; !set {
				p.Extra[key] = val
			}
		}
	}
}

// asFloat coerces YAML and JSON decoded numbers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
