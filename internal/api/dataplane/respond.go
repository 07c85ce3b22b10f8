package dataplane

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders the failure envelope with its mapped status.
// Shedding statuses carry a Retry-After so clients back off instead of
// hammering a saturated node.
func writeError(w http.ResponseWriter, err error) {
	de := domain.AsError(err)
	status := domain.HTTPStatus(de.Type)

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		retryAfter := de.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		secs := int(retryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, map[string]any{"error": de})
}
