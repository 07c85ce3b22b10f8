package dataplane

import (
	"net/http"
	"strconv"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/store"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

func queryLimit(r *http.Request) int {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit
}

// Inferences handles GET /v1/inferences?model=&limit=, the recent
// inference query. 503 when the daemon runs without a store.
func (h *Handler) Inferences(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "inference log not enabled"))
		return
	}

	limit := queryLimit(r)
	model := r.URL.Query().Get("model")

	var (
		recs []*store.InferenceLogRecord
		err  error
	)
	if model != "" {
		recs, err = h.Store.ListInferenceLogs(r.Context(), model, limit)
	} else {
		recs, err = h.Store.ListAllInferenceLogs(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*store.InferenceLogRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"inferences": recs})
}

// InferenceByRun handles GET /v1/inferences/{run_id}.
func (h *Handler) InferenceByRun(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "inference log not enabled"))
		return
	}

	rec, err := h.Store.GetInferenceLog(r.Context(), r.PathValue("run_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
