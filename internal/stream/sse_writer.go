package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

// DefaultKeepAliveInterval is how often an idle SSE stream emits a
// comment frame so proxies don't drop the connection.
const DefaultKeepAliveInterval = 15 * time.Second

// ErrStreamClosed is returned when writing to a closed stream writer.
var ErrStreamClosed = errors.New("stream: closed")

// SSEWriter delivers chunks to a client over Server-Sent Events. Every
// chunk is one `data: <json>` event, flushed immediately; the stream
// ends with `data: [DONE]`. While no chunks flow, a `:ka` comment is
// emitted every keep-alive interval.
type SSEWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	closed    bool
	lastWrite time.Time
}

// SSEOption configures an SSEWriter.
type SSEOption func(*SSEWriter)

// WithKeepAliveInterval overrides the idle heartbeat interval.
func WithKeepAliveInterval(d time.Duration) SSEOption {
	return func(w *SSEWriter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewSSEWriter prepares the response for event streaming: headers, a 200
// status, and an immediate flush so the client sees the stream open.
// Returns an error if the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter, opts ...SSEOption) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: response writer does not support flushing")
	}

	sw := &SSEWriter{
		w:         w,
		flusher:   flusher,
		interval:  DefaultKeepAliveInterval,
		stop:      make(chan struct{}),
		lastWrite: time.Now(),
	}
	for i := 0; i < len(opts); i++ {
		opts[i](sw)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go sw.keepAlive()
	return sw, nil
}

// WriteChunk sends one chunk as a data event.
func (sw *SSEWriter) WriteChunk(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return sw.writeFrame("data: %s\n\n", data)
}

// WriteError sends the error envelope as an `event: error` event. The
// caller should follow with WriteDone so well-behaved clients stop
// reading.
func (sw *SSEWriter) WriteError(err error) error {
	data, merr := json.Marshal(domain.AsError(err))
	if merr != nil {
		return merr
	}
	return sw.writeFrame("event: error\ndata: %s\n\n", data)
}

// WriteDone sends the terminal [DONE] sentinel.
func (sw *SSEWriter) WriteDone() error {
	return sw.writeFrame("data: %s\n\n", []byte(DoneSentinel))
}

// Close stops the keep-alive loop. It does not write anything.
func (sw *SSEWriter) Close() {
	sw.stopOnce.Do(func() { close(sw.stop) })
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()
}

func (sw *SSEWriter) writeFrame(format string, data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprintf(sw.w, format, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	sw.lastWrite = time.Now()
	return nil
}

func (sw *SSEWriter) keepAlive() {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.mu.Lock()
			if !sw.closed && time.Since(sw.lastWrite) >= sw.interval {
				fmt.Fprint(sw.w, ":ka\n\n")
				sw.flusher.Flush()
				sw.lastWrite = time.Now()
			}
			sw.mu.Unlock()
		}
	}
}
