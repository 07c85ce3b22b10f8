package dataplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/stream"
)

const maxRequestBody = 1 << 20 // 1 MiB of prompt is plenty

func decodeRequest(w http.ResponseWriter, r *http.Request) (*domain.InferenceRequest, bool) {
	var req domain.InferenceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrTypeValidation, "invalid request body: "+err.Error()))
		return nil, false
	}
	return &req, true
}

// Infer handles POST /v1/infer, the blocking inference call.
func (h *Handler) Infer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	req.Stream = false

	resp, err := h.Kernel.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// InferStream handles POST /v1/infer/stream over SSE. The stream opens
// with a 200 before the pipeline runs, so failures after that point
// arrive as an `event: error` frame followed by [DONE].
func (h *Handler) InferStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	req.Stream = true

	sw, err := stream.NewSSEWriter(w)
	if err != nil {
		writeError(w, domain.NewError(domain.ErrTypeInternal, err.Error()))
		return
	}
	defer sw.Close()

	_, err = h.Kernel.ExecuteStream(r.Context(), req, func(c stream.Chunk) error {
		return sw.WriteChunk(c)
	})
	if err != nil {
		// The client going away mid-stream is not worth an error frame.
		if !errors.Is(err, stream.ErrStreamClosed) {
			if werr := sw.WriteError(err); werr != nil {
				logging.Op().Debug("sse error frame not delivered", "error", werr)
			}
		}
	}
	if werr := sw.WriteDone(); werr != nil && !errors.Is(werr, stream.ErrStreamClosed) {
		logging.Op().Debug("sse done frame not delivered", "error", werr)
	}
}
