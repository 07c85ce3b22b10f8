package controlplane

import (
	"errors"
	"net/http"

	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/kernel"
)

// ListRuns handles GET /v1/runs, the live execution table.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.Kernel.Runs()})
}

// GetRun handles GET /v1/runs/{id}. Finished runs are gone from this
// view; their trail lives in the audit and inference logs.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	info, err := h.Kernel.Run(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// CancelRun handles POST /v1/runs/{id}/cancel.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Kernel.CancelRun(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.record(r, "run-cancelled", map[string]string{"run_id": id})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "cancelling",
	})
}

// ApproveRun handles POST /v1/runs/{id}/approve, resuming a run parked
// at an approval gate.
func (h *Handler) ApproveRun(w http.ResponseWriter, r *http.Request) {
	h.signalRun(w, r, engine.SignalApproved, "run-approved")
}

// RejectRun handles POST /v1/runs/{id}/reject, failing a parked run.
func (h *Handler) RejectRun(w http.ResponseWriter, r *http.Request) {
	h.signalRun(w, r, engine.SignalRejected, "run-rejected")
}

func (h *Handler) signalRun(w http.ResponseWriter, r *http.Request, sig engine.Signal, event string) {
	id := r.PathValue("id")
	st, err := h.Kernel.SignalRun(id, sig)
	switch {
	case errors.Is(err, kernel.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, err)
		return
	}

	h.record(r, event, map[string]string{"run_id": id, "state": string(st)})
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": id,
		"state":  string(st),
	})
}
