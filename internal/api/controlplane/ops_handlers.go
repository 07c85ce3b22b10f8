package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/store"
)

// PoolStats handles GET /v1/pools, the warm runner pool snapshot.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Stats())
}

// SessionStats handles GET /v1/sessions: every provider session across
// the warm pool, flattened for a quick saturation read.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	type runnerSessions struct {
		Key        string          `json:"key"`
		ProviderID string          `json:"provider_id"`
		Sessions   []session.Stats `json:"sessions"`
	}

	ps := h.Pool.Stats()
	out := make([]runnerSessions, 0, len(ps.Runners))
	for _, rs := range ps.Runners {
		if len(rs.Sessions) == 0 {
			continue
		}
		out = append(out, runnerSessions{
			Key:        rs.Key,
			ProviderID: rs.ProviderID,
			Sessions:   rs.Sessions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runners":      out,
		"orchestrator": h.Orch.Stats(),
	})
}

// ExplainSelection handles POST /v1/selection/explain: run the ranking
// for a hypothetical request and return the full score breakdown plus
// every exclusion, without dispatching anything.
func (h *Handler) ExplainSelection(w http.ResponseWriter, r *http.Request) {
	var req domain.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrTypeValidation, "invalid request body: "+err.Error()))
		return
	}

	m, err := h.Models.Resolve(r.Context(), req.Model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	ex, err := h.Policy.Explain(r.Context(), &req, m)
	if ex == nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"explanation": ex}
	if err != nil {
		// Every candidate was excluded; the explanation says why.
		resp["error"] = domain.AsError(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// AuditEvents handles GET /v1/audit/events?run_id=&limit=.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "audit store not enabled"))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	var (
		events []*store.AuditEventRecord
		err    error
	)
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		events, err = h.Store.ListAuditEvents(r.Context(), runID, limit)
	} else {
		events, err = h.Store.ListRecentAuditEvents(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.AuditEventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
