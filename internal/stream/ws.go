package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helioslabs/helios/internal/domain"
)

const (
	// PongWait is how long the read side waits for a pong before
	// declaring the client gone. PingPeriod must stay below it.
	PongWait   = 60 * time.Second
	PingPeriod = 30 * time.Second

	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

// wsErrorFrame wraps an error envelope so clients can tell it apart
// from a chunk frame.
type wsErrorFrame struct {
	Error *domain.Error `json:"error"`
}

// WSWriter delivers chunks over one WebSocket connection as JSON text
// frames. A single pump goroutine owns every write to the connection
// (frames, pings, the final close), so delivery, keep-alive, and
// shutdown never race. WriteChunk/WriteError/Close are meant to be
// called from one goroutine.
type WSWriter struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	writeErr  atomic.Pointer[error]
}

// NewWSWriter starts the write pump for an upgraded connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	w := &WSWriter{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	go w.pump()
	return w
}

// WriteChunk sends one chunk as a JSON text frame. It blocks when the
// client reads slower than the provider produces.
func (w *WSWriter) WriteChunk(c Chunk) error {
	frame, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return w.enqueue(frame)
}

// WriteError sends the error envelope as a `{"error": ...}` frame.
func (w *WSWriter) WriteError(err error) error {
	frame, merr := json.Marshal(wsErrorFrame{Error: domain.AsError(err)})
	if merr != nil {
		return merr
	}
	return w.enqueue(frame)
}

// Close flushes queued frames, sends a normal-closure (1000) close
// frame, and closes the connection.
func (w *WSWriter) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.send)
	})
	<-w.done
	return w.conn.Close()
}

// Err returns the first write failure observed by the pump, if any.
func (w *WSWriter) Err() error {
	if p := w.writeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *WSWriter) enqueue(frame []byte) error {
	if w.closed.Load() {
		return ErrStreamClosed
	}
	select {
	case w.send <- frame:
		return nil
	case <-w.done:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrStreamClosed
	}
}

func (w *WSWriter) pump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		close(w.done)
	}()

	for {
		select {
		case frame, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				w.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.writeErr.Store(&err)
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.writeErr.Store(&err)
				return
			}
		}
	}
}
