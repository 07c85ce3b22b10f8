// Package controlplane serves the admin surface: model manifests,
// providers and their breakers, tenants and API keys, capacity views,
// selection debugging, the audit trail, and live run control.
package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/store"
	"github.com/helioslabs/helios/internal/tenant"
)

// Handler handles control plane HTTP requests. Mutations write through
// the live registries and, when a store is configured, persist there
// too; each one leaves an audit event through Sink.
type Handler struct {
	NodeID    string
	Kernel    *kernel.Kernel
	Models    *manifest.Registry
	Providers *provider.Registry
	Policy    *selection.Policy
	Orch      *orchestrator.Orchestrator
	Breakers  *circuitbreaker.Registry
	Pool      *runner.Pool
	Guard     *tenant.StaticGuard
	Store     store.Store
	Sink      audit.Sink

	// BreakerCfg is used when tripping a provider that has no breaker
	// yet. Zero value falls back to the orchestrator defaults.
	BreakerCfg circuitbreaker.Config
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Model manifests
	mux.HandleFunc("POST /v1/models", h.CreateModel)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	mux.HandleFunc("GET /v1/models/{name}", h.GetModel)
	mux.HandleFunc("PUT /v1/models/{name}", h.UpdateModel)
	mux.HandleFunc("DELETE /v1/models/{name}", h.DeleteModel)
	mux.HandleFunc("POST /v1/models/import", h.ImportModels)

	// Providers and breakers
	mux.HandleFunc("GET /v1/providers", h.ListProviders)
	mux.HandleFunc("GET /v1/providers/{id}", h.GetProvider)
	mux.HandleFunc("GET /v1/breakers", h.ListBreakers)
	mux.HandleFunc("POST /v1/breakers/{provider}/trip", h.TripBreaker)
	mux.HandleFunc("POST /v1/breakers/{provider}/reset", h.ResetBreaker)

	// Capacity
	mux.HandleFunc("GET /v1/pools", h.PoolStats)
	mux.HandleFunc("GET /v1/sessions", h.SessionStats)

	// Selection debugging
	mux.HandleFunc("POST /v1/selection/explain", h.ExplainSelection)

	// Tenants and API keys
	mux.HandleFunc("POST /v1/tenants", h.CreateTenant)
	mux.HandleFunc("GET /v1/tenants", h.ListTenants)
	mux.HandleFunc("GET /v1/tenants/{id}", h.GetTenant)
	mux.HandleFunc("PUT /v1/tenants/{id}", h.UpdateTenant)
	mux.HandleFunc("DELETE /v1/tenants/{id}", h.DeleteTenant)
	mux.HandleFunc("POST /v1/apikeys", h.CreateAPIKey)
	mux.HandleFunc("GET /v1/apikeys", h.ListAPIKeys)
	mux.HandleFunc("DELETE /v1/apikeys/{name}", h.DeleteAPIKey)

	// Audit trail
	mux.HandleFunc("GET /v1/audit/events", h.AuditEvents)

	// Live runs and approval gates
	mux.HandleFunc("GET /v1/runs", h.ListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("POST /v1/runs/{id}/approve", h.ApproveRun)
	mux.HandleFunc("POST /v1/runs/{id}/reject", h.RejectRun)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	de := domain.AsError(err)
	writeJSON(w, domain.HTTPStatus(de.Type), map[string]any{"error": de})
}

// actor resolves the audit actor for a controlplane mutation from the
// authenticated identity, falling back to the node itself when auth is
// off.
func (h *Handler) actor(r *http.Request) audit.Actor {
	if id := auth.GetIdentity(r.Context()); id != nil {
		return audit.UserActor(id.Subject, "")
	}
	return audit.SystemActor(h.NodeID)
}

// record writes a controlplane audit event, best effort.
func (h *Handler) record(r *http.Request, name string, meta map[string]string) {
	if h.Sink == nil {
		return
	}
	ev := audit.New("", h.NodeID, h.actor(r), name)
	for k, v := range meta {
		ev = ev.WithMeta(k, v)
	}
	h.Sink.Write(r.Context(), ev)
}
