// Package api assembles the HTTP surface of the kernel: the dataplane
// (completions, streaming, health, observability reads) and the
// controlplane (models, providers, breakers, tenants, runs), behind a
// shared middleware chain for tracing, rate limiting, authentication
// and authorization.
package api

import (
	"net/http"
	"time"

	"github.com/helioslabs/helios/internal/api/controlplane"
	"github.com/helioslabs/helios/internal/api/dataplane"
	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/authz"
	"github.com/helioslabs/helios/internal/cache"
	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/config"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/observability"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/ratelimit"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/store"
	"github.com/helioslabs/helios/internal/tenant"
)

// ServerConfig carries the components the HTTP layer serves. Store and
// Cache are optional; handlers degrade to 503 or in-memory views when
// they are absent.
type ServerConfig struct {
	NodeID string

	Kernel    *kernel.Kernel
	Models    *manifest.Registry
	Providers *provider.Registry
	Policy    *selection.Policy
	Orch      *orchestrator.Orchestrator
	Breakers  *circuitbreaker.Registry
	Pool      *runner.Pool
	Guard     *tenant.StaticGuard
	Store     store.Store
	Cache     cache.Cache
	Sink      audit.Sink

	AuthCfg      *config.AuthConfig
	RateLimitCfg *config.RateLimitConfig
	RateBackend  ratelimit.Backend

	// BreakerCfg seeds breakers created by manual controlplane trips.
	BreakerCfg circuitbreaker.Config
}

// StartHTTPServer builds the handler chain and starts serving on addr
// in a goroutine. The caller owns shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           buildHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Op().Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()

	return srv
}

// buildHandler assembles the mux and wraps it in the middleware chain:
// auth outermost, then rate limiting, authorization, tracing, and the
// tenant scope bridge innermost.
func buildHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	dp := &dataplane.Handler{
		NodeID:    cfg.NodeID,
		Kernel:    cfg.Kernel,
		Models:    cfg.Models,
		Providers: cfg.Providers,
		Orch:      cfg.Orch,
		Pool:      cfg.Pool,
		Store:     cfg.Store,
		Cache:     cfg.Cache,
	}
	dp.RegisterRoutes(mux)

	cp := &controlplane.Handler{
		NodeID:    cfg.NodeID,
		Kernel:    cfg.Kernel,
		Models:    cfg.Models,
		Providers: cfg.Providers,
		Policy:    cfg.Policy,
		Orch:      cfg.Orch,
		Breakers:  cfg.Breakers,
		Pool:      cfg.Pool,
		Guard:     cfg.Guard,
		Store:     cfg.Store,
		Sink:      cfg.Sink,

		BreakerCfg: cfg.BreakerCfg,
	}
	cp.RegisterRoutes(mux)

	var publicPaths []string
	if cfg.AuthCfg != nil {
		publicPaths = cfg.AuthCfg.PublicPaths
	}

	var handler http.Handler = mux
	handler = tenantScope(handler)
	handler = observability.HTTPMiddleware(handler)

	if cfg.AuthCfg != nil && cfg.AuthCfg.Enabled {
		role := domain.AccessRole(cfg.AuthCfg.DefaultRole)
		if !domain.ValidAccessRole(role) {
			role = domain.AccessUser
		}
		handler = authz.Middleware(authz.New(role))(handler)
	}

	if cfg.RateLimitCfg != nil && cfg.RateLimitCfg.Enabled {
		backend := cfg.RateBackend
		if backend == nil {
			backend = ratelimit.NewLocalBackend()
		}
		defaultTier := cfg.RateLimitCfg.Tiers[cfg.RateLimitCfg.DefaultTier]
		limiter := ratelimit.New(backend, cfg.RateLimitCfg.Tiers, defaultTier)
		handler = ratelimit.Middleware(limiter, publicPaths)(handler)
		logging.Op().Info("rate limiting enabled",
			"backend", cfg.RateLimitCfg.Backend, "default_tier", cfg.RateLimitCfg.DefaultTier)
	}

	if cfg.AuthCfg != nil && cfg.AuthCfg.Enabled {
		authenticators := buildAuthenticators(cfg.AuthCfg, cfg.Store, cfg.Cache)
		if len(authenticators) > 0 {
			handler = auth.Middleware(authenticators, publicPaths)(handler)
			logging.Op().Info("authentication enabled", "public_paths", publicPaths)
		}
	}

	return handler
}

// buildAuthenticators creates authenticators based on config.
func buildAuthenticators(cfg *config.AuthConfig, s store.Store, c cache.Cache) []auth.Authenticator {
	var authenticators []auth.Authenticator

	staticKeys := make([]auth.StaticKeyConfig, 0, len(cfg.StaticKeys))
	for _, k := range cfg.StaticKeys {
		staticKeys = append(staticKeys, auth.StaticKeyConfig{
			Name:     k.Name,
			Key:      k.Key,
			TenantID: k.TenantID,
			Tier:     k.Tier,
		})
	}

	var keyStore auth.APIKeyStore
	if s != nil {
		keyStore = s
	}
	authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{
		Store:      keyStore,
		Cache:      c,
		StaticKeys: staticKeys,
	}))

	return authenticators
}

// tenantScope copies the authenticated identity's tenant binding into
// the tenant scope the kernel reads, so a key bound to tenant A can
// never run under tenant B by omitting the field.
func tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := auth.GetIdentity(r.Context()); id != nil && id.TenantID != "" {
			scope := tenant.FromContext(r.Context())
			scope.TenantID = id.TenantID
			r = r.WithContext(tenant.WithScope(r.Context(), scope))
		}
		next.ServeHTTP(w, r)
	})
}
