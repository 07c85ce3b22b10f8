// Package runner caches initialized model runners. A runner binds one
// provider to a (tenant, model) pair, owns that pair's session pools,
// and is expensive to create (config fetch, credential resolution,
// warm sessions), so the warm pool keeps recently used ones alive
// between requests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/stream"
)

// Key identifies one cached runner.
type Key struct {
	TenantID string
	ModelID  string
	Kind     string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.ModelID + "/" + k.Kind
}

// Runner executes inference for one (tenant, model) pair through the
// provider it was initialized with. Calls are gated by the runner's
// session pool, so a saturated runner fails acquire with a capacity
// error rather than overcommitting the backend.
type Runner interface {
	Key() Key
	ProviderID() string
	CreatedAt() time.Time

	Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error)
	Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error

	// Ping verifies the runner is still usable; the warm pool calls it
	// before handing out a cached runner.
	Ping(ctx context.Context) error

	// Busy reports whether any session is currently serving a request.
	Busy() bool

	Sessions() []session.Stats
	Close(ctx context.Context) error
}

// SessionParams describes the session a provider should open: which
// model state to load and the tenant it belongs to. Credentials are
// already resolved.
type SessionParams struct {
	ModelID     string
	TenantID    string
	Format      domain.ModelFormat
	ArtifactURI string
	Credentials map[string]string
	Options     map[string]any
}

// SessionOpener is implemented by providers that keep native per-session
// state (a loaded model context, an upstream conversation). Providers
// without it get placeholder handles; the pool still bounds concurrency.
type SessionOpener interface {
	OpenSession(ctx context.Context, params SessionParams) (session.Handle, error)
}

// Warmer is implemented by providers that can pre-load model state ahead
// of the first request.
type Warmer interface {
	Warmup(ctx context.Context, m *domain.ModelManifest) error
}

// nopHandle backs sessions for providers without native session state.
type nopHandle struct{}

func (nopHandle) Close() error { return nil }

// providerRunner is the Runner built by the default builder.
type providerRunner struct {
	key      Key
	provider provider.Provider
	manifest *domain.ModelManifest
	creds    map[string]string
	options  map[string]any
	sessions *session.Manager
	created  time.Time
}

func (r *providerRunner) Key() Key             { return r.key }
func (r *providerRunner) ProviderID() string   { return r.provider.ID() }
func (r *providerRunner) CreatedAt() time.Time { return r.created }

func (r *providerRunner) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	s, err := r.acquireSession(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := r.dispatchSpan(ctx, "provider.complete")
	defer span.End()

	rq := *req
	rq.Params.SessionID = s.ID()
	resp, err := r.provider.Complete(ctx, &rq)
	r.finish(s, err)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	observability.SetSpanOK(span)
	resp.RunnerKind = r.key.Kind
	return resp, nil
}

func (r *providerRunner) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	s, err := r.acquireSession(ctx)
	if err != nil {
		return err
	}

	ctx, span := r.dispatchSpan(ctx, "provider.stream")
	defer span.End()

	rq := *req
	rq.Params.SessionID = s.ID()
	err = r.provider.Stream(ctx, &rq, emit)
	r.finish(s, err)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return err
}

// dispatchSpan opens the client span covering one provider call, so each
// fallback attempt shows up as its own hop under the execute span.
func (r *providerRunner) dispatchSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return observability.StartClientSpan(ctx, name,
		observability.AttrProviderID.String(r.provider.ID()),
		observability.AttrModel.String(r.key.ModelID),
		observability.AttrRunnerKind.String(r.key.Kind),
	)
}

func (r *providerRunner) acquireSession(ctx context.Context) (*session.Session, error) {
	s, err := r.sessions.Acquire(ctx, r.key.ModelID, r.key.TenantID)
	if err == nil {
		return s, nil
	}
	switch {
	case errors.Is(err, session.ErrPoolSaturated):
		return nil, domain.WrapError(domain.ErrTypeCapacity, "all sessions busy", err).
			WithDetail("model", r.key.ModelID)
	case errors.Is(err, session.ErrPoolClosed):
		return nil, domain.WrapError(domain.ErrTypeProviderUnavailable, "runner shutting down", err)
	case ctx.Err() != nil:
		return nil, domain.WrapError(domain.ErrTypeCancelled, "cancelled waiting for a session", ctx.Err())
	}
	return nil, domain.WrapError(domain.ErrTypeProviderInternal, "session create failed", err)
}

// finish returns the session to its pool, or retires it when the error
// suggests the native handle is no longer trustworthy.
func (r *providerRunner) finish(s *session.Session, err error) {
	if err != nil && discardable(domain.Classify(err)) {
		r.sessions.Discard(s)
		return
	}
	r.sessions.Release(s)
}

func discardable(t domain.ErrType) bool {
	switch t {
	case domain.ErrTypeProviderUnavailable, domain.ErrTypeMalformedResponse,
		domain.ErrTypeTimeout, domain.ErrTypeCancelled:
		return true
	}
	return false
}

func (r *providerRunner) Ping(ctx context.Context) error {
	snap := r.provider.Health(ctx)
	if snap.State == provider.HealthUnhealthy {
		return fmt.Errorf("runner %s unhealthy: %s", r.key, snap.Reason)
	}
	return nil
}

func (r *providerRunner) Busy() bool {
	stats := r.sessions.Stats()
	for i := 0; i < len(stats); i++ {
		if stats[i].InUse > 0 {
			return true
		}
	}
	return false
}

func (r *providerRunner) Sessions() []session.Stats {
	return r.sessions.Stats()
}

func (r *providerRunner) Close(ctx context.Context) error {
	return r.sessions.Close(ctx)
}

func (r *providerRunner) sessionFactory(modelID, tenantID string) session.Factory {
	return func(ctx context.Context) (session.Handle, error) {
		if opener, ok := r.provider.(SessionOpener); ok {
			return opener.OpenSession(ctx, SessionParams{
				ModelID:     modelID,
				TenantID:    tenantID,
				Format:      r.manifest.Format,
				ArtifactURI: r.manifest.ArtifactURI,
				Credentials: r.creds,
				Options:     r.options,
			})
		}
		return nopHandle{}, nil
	}
}
