package dataplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/stream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// InferWS handles GET /v1/infer/ws. The client sends one JSON request
// frame after the upgrade; chunks come back as JSON text frames and
// the connection closes 1000 after the last one. Errors arrive as an
// `{"error": ...}` frame before the close.
func (h *Handler) InferWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Op().Debug("ws upgrade failed", "error", err)
		return
	}

	sw := stream.NewWSWriter(conn)
	defer sw.Close()

	conn.SetReadDeadline(time.Now().Add(stream.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(stream.PongWait))
		return nil
	})

	var req domain.InferenceRequest
	if _, data, err := conn.ReadMessage(); err != nil {
		return
	} else if err := json.Unmarshal(data, &req); err != nil {
		sw.WriteError(domain.NewError(domain.ErrTypeValidation, "invalid request frame: "+err.Error()))
		return
	}
	req.Stream = true

	// Drain the read side so pongs are processed and a client close
	// cancels the run instead of leaving it streaming into the void.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
			conn.SetReadDeadline(time.Now().Add(stream.PongWait))
		}
	}()

	_, err = h.Kernel.ExecuteStream(ctx, &req, func(c stream.Chunk) error {
		return sw.WriteChunk(c)
	})
	if err != nil {
		sw.WriteError(err)
	}
}
