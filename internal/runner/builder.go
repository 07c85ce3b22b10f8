package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/metrics"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/secrets"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/store"
)

// ConfigSource yields per-tenant runner tuning. *store.PostgresStore and
// *store.CachedStore both satisfy it.
type ConfigSource interface {
	GetRunnerConfig(ctx context.Context, tenantID, runnerKind string) (*store.RunnerConfigRecord, error)
}

// Builder performs a cold start: everything needed to take a runner from
// nothing to serving requests.
type Builder interface {
	Build(ctx context.Context, key Key, m *domain.ModelManifest, prov provider.Provider) (Runner, error)
}

type builder struct {
	configs  ConfigSource
	secrets  *secrets.Resolver
	defaults session.Config
	logger   *slog.Logger
}

// NewBuilder returns the standard builder. configs and resolver may be
// nil; tuning then comes entirely from defaults and credential
// references pass through unresolved.
func NewBuilder(configs ConfigSource, resolver *secrets.Resolver, defaults session.Config) Builder {
	return &builder{
		configs:  configs,
		secrets:  resolver,
		defaults: defaults,
		logger:   logging.Op().With("component", "runner_builder"),
	}
}

// Build fetches the tenant's tuning for the runner kind, resolves the
// manifest's credential references, wires the session manager, and
// warms sessions when the record asks for it.
func (b *builder) Build(ctx context.Context, key Key, m *domain.ModelManifest, prov provider.Provider) (Runner, error) {
	cfg := b.defaults
	var rc *store.RunnerConfigRecord
	if b.configs != nil {
		fetched, err := b.configs.GetRunnerConfig(ctx, key.TenantID, key.Kind)
		switch {
		case err == nil:
			rc = fetched
			cfg = applyRecord(cfg, rc)
		case errors.Is(err, store.ErrRunnerConfigNotFound):
		default:
			b.logger.Warn("runner config fetch failed, using defaults",
				"tenant", key.TenantID, "kind", key.Kind, "error", err)
		}
	}

	creds := m.Credentials
	if len(creds) > 0 && b.secrets != nil {
		resolved, err := b.secrets.ResolveMap(ctx, creds)
		if err != nil {
			return nil, domain.WrapError(domain.ErrTypeInternal, "resolve model credentials", err).
				WithDetail("model", key.ModelID)
		}
		creds = resolved
	}

	r := &providerRunner{
		key:      key,
		provider: prov,
		manifest: m,
		creds:    creds,
		created:  time.Now(),
	}
	if rc != nil {
		r.options = rc.Options
	}
	r.sessions = session.NewManager(prov.ID(), cfg, r.sessionFactory)

	warmup := rc != nil && rc.Warmup
	if warmup || cfg.WarmCount > 0 {
		if _, err := r.sessions.Pool(ctx, key.ModelID, key.TenantID); err != nil {
			r.sessions.Close(ctx)
			return nil, domain.WrapError(domain.ErrTypeProviderUnavailable, "warm sessions", err)
		}
	}
	if warmup {
		if w, ok := prov.(Warmer); ok {
			if err := w.Warmup(ctx, m); err != nil {
				b.logger.Warn("runner warmup failed",
					"key", key.String(), "provider", prov.ID(), "error", err)
			}
		}
	}

	metrics.Global().RecordRunnerStarted()
	b.logger.Info("runner initialized",
		"key", key.String(), "provider", prov.ID(),
		"max_sessions", cfg.MaxConcurrent, "warm_sessions", cfg.WarmCount)
	return r, nil
}

// applyRecord overlays the stored tuning on the daemon defaults. Zero
// fields keep the default; Reuse is tri-state so nil means unspecified.
func applyRecord(cfg session.Config, rc *store.RunnerConfigRecord) session.Config {
	if rc.MaxSessions > 0 {
		cfg.MaxConcurrent = rc.MaxSessions
	}
	if rc.WarmSessions > 0 {
		cfg.WarmCount = rc.WarmSessions
	}
	if rc.Reuse != nil {
		cfg.Reuse = *rc.Reuse
	}
	if rc.AcquireTimeout > 0 {
		cfg.AcquireTimeout = rc.AcquireTimeout
	}
	if rc.IdleTimeout > 0 {
		cfg.IdleTimeout = rc.IdleTimeout
	}
	if rc.MaxAge > 0 {
		cfg.MaxAge = rc.MaxAge
	}
	return cfg
}
