package stream

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/helioslabs/helios/internal/domain"
)

func TestSSEWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	defer w.Close()

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("unexpected cache control %q", got)
	}
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestSSEWriterWriteChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteChunk(Chunk{RequestID: "r1", Delta: "hi", Index: 0}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.WriteDone(); err != nil {
		t.Fatalf("WriteDone: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"request_id":"r1","delta":"hi","index":0}`) {
		t.Fatalf("chunk frame missing from body:\n%s", body)
	}
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Fatalf("done sentinel missing from body:\n%s", body)
	}
}

func TestSSEWriterWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteError(domain.NewError(domain.ErrTypeProviderInternal, "boom")); err != nil {
		t.Fatalf("WriteError: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: error\ndata: ") {
		t.Fatalf("error frame missing from body:\n%s", body)
	}
	if !strings.Contains(body, "PROVIDER_INTERNAL") {
		t.Fatalf("error envelope missing type:\n%s", body)
	}
}

func TestSSEWriterKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec, WithKeepAliveInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	time.Sleep(70 * time.Millisecond)
	w.Close()

	if !strings.Contains(rec.Body.String(), ":ka\n\n") {
		t.Fatalf("expected keep-alive comment in body:\n%s", rec.Body.String())
	}
}

func TestSSEWriterClosed(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	w.Close()

	if err := w.WriteChunk(Chunk{RequestID: "r1"}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}
