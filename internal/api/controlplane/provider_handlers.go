package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
)

// ListProviders handles GET /v1/providers: identity, capabilities and
// the cached health snapshot of every registered provider.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.Providers.Describe(r.Context()),
	})
}

// GetProvider handles GET /v1/providers/{id}.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.Providers.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, provider.Description{
		ID:           p.ID(),
		Info:         p.Info(),
		Capabilities: p.Capabilities(),
		Health:       h.Providers.Health(r.Context(), id),
	})
}

// ListBreakers handles GET /v1/breakers. Providers that never failed
// have no breaker yet and do not appear.
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snap := map[string]circuitbreaker.Snapshot{}
	if h.Breakers != nil {
		snap = h.Breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snap})
}

// TripBreaker handles POST /v1/breakers/{provider}/trip: forces the
// provider's breaker open so dispatch skips it until a manual reset or
// the open window elapses.
func (h *Handler) TripBreaker(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("provider")
	if _, err := h.Providers.Get(pid); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "manual trip"
	}

	cfg := h.BreakerCfg
	if !cfg.Valid() {
		cfg = orchestrator.DefaultBreakerConfig()
	}
	b := h.Breakers.Get(pid, cfg)
	b.Trip(body.Reason)
	h.record(r, audit.EventBreakerTripped, map[string]string{
		"provider_id": pid, "reason": body.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": pid,
		"breaker":     b.Stats(),
	})
}

// ResetBreaker handles POST /v1/breakers/{provider}/reset.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("provider")
	b, ok := h.Breakers.Lookup(pid)
	if !ok {
		http.Error(w, "no breaker for provider: "+pid, http.StatusNotFound)
		return
	}

	b.Reset()
	h.record(r, audit.EventBreakerReset, map[string]string{"provider_id": pid})
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": pid,
		"breaker":     b.Stats(),
	})
}
