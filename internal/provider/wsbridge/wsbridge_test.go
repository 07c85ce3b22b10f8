package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/stream"
)

var upgrader = websocket.Upgrader{}

// newSidecar starts a fake sidecar that upgrades, reads one request frame
// and hands it to handle together with the connection.
func newSidecar(t *testing.T, handle func(conn *websocket.Conn, frame requestFrame)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var frame requestFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		handle(conn, frame)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{
		ID:  "sidecar-1",
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestComplete(t *testing.T) {
	var got requestFrame
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		got = frame
		conn.WriteJSON(replyFrame{Type: frameResult, ID: frame.ID, Result: &domain.InferenceResponse{
			Text:         "pong",
			FinishReason: domain.FinishStop,
			Usage:        domain.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}})
	})
	p := newTestProvider(t, srv)

	resp, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "llama3", Prompt: "ping"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "pong" || resp.Usage.TotalTokens != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.RequestID != "r1" || resp.ProviderID != "sidecar-1" || resp.Model != "llama3" {
		t.Fatalf("identity not stamped: %+v", resp)
	}

	if got.Type != frameInfer || got.Stream || got.Model != "llama3" || got.Prompt != "ping" {
		t.Fatalf("unexpected request frame %+v", got)
	}
}

func TestCompleteSidecarError(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		conn.WriteJSON(replyFrame{Type: frameError, ID: frame.ID, Error: &domain.Error{
			Type:    domain.ErrTypeCapacity,
			Message: "model queue full",
		}})
	})
	p := newTestProvider(t, srv)

	_, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %v", err)
	}
	if de.Type != domain.ErrTypeCapacity || de.Message != "model queue full" {
		t.Fatalf("sidecar error lost in transit: %+v", de)
	}
}

func TestCompleteClosedBeforeResult(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	p := newTestProvider(t, srv)

	_, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
	var de *domain.Error
	if !errors.As(err, &de) || de.Type != domain.ErrTypeMalformedResponse {
		t.Fatalf("expected MALFORMED_RESPONSE on early close, got %v", err)
	}
}

func TestCompleteRejectsChunkFrame(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		conn.WriteJSON(replyFrame{Type: frameChunk, ID: frame.ID, Chunk: &stream.Chunk{Delta: "x"}})
	})
	p := newTestProvider(t, srv)

	_, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
	var de *domain.Error
	if !errors.As(err, &de) || de.Type != domain.ErrTypeMalformedResponse {
		t.Fatalf("expected MALFORMED_RESPONSE, got %v", err)
	}
}

func TestStream(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		if !frame.Stream {
			t.Errorf("expected streaming request frame")
		}
		conn.WriteJSON(replyFrame{Type: frameChunk, Chunk: &stream.Chunk{Delta: "Hel", Index: 0}})
		conn.WriteJSON(replyFrame{Type: frameChunk, Chunk: &stream.Chunk{Delta: "lo", Index: 1}})
		conn.WriteJSON(replyFrame{Type: frameChunk, Chunk: &stream.Chunk{Index: 2, Last: true, FinishReason: domain.FinishStop}})
	})
	p := newTestProvider(t, srv)

	acc := stream.NewAccumulator()
	if err := p.Stream(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, acc.Add); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if acc.Text() != "Hello" || !acc.Completed() {
		t.Fatalf("unexpected stream result %q completed=%v", acc.Text(), acc.Completed())
	}
	if acc.RequestID() != "r1" {
		t.Fatalf("request id not stamped on chunks: %q", acc.RequestID())
	}
}

func TestStreamSidecarError(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		conn.WriteJSON(replyFrame{Type: frameChunk, Chunk: &stream.Chunk{Delta: "par", Index: 0}})
		conn.WriteJSON(replyFrame{Type: frameError, Error: &domain.Error{
			Type:    domain.ErrTypeProviderInternal,
			Message: "model crashed",
		}})
	})
	p := newTestProvider(t, srv)

	acc := stream.NewAccumulator()
	err := p.Stream(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, acc.Add)
	var de *domain.Error
	if !errors.As(err, &de) || de.Type != domain.ErrTypeProviderInternal {
		t.Fatalf("expected PROVIDER_INTERNAL, got %v", err)
	}
	if acc.Chunks() != 1 {
		t.Fatalf("expected the partial chunk to be delivered, got %d", acc.Chunks())
	}
}

func TestStreamCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		conn.WriteJSON(replyFrame{Type: frameChunk, Chunk: &stream.Chunk{Delta: "a", Index: 0}})
		<-release
	})
	defer close(release)
	p := newTestProvider(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Stream(ctx, &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, func(c stream.Chunk) error {
		cancel()
		return nil
	})
	var de *domain.Error
	if !errors.As(err, &de) || de.Type != domain.ErrTypeCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestRequestFrameCarriesTraceContext(t *testing.T) {
	var got requestFrame
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		got = frame
		conn.WriteJSON(replyFrame{Type: frameResult, ID: frame.ID, Result: &domain.InferenceResponse{
			Text:         "ok",
			FinishReason: domain.FinishStop,
		}})
	})
	p := newTestProvider(t, srv)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	if _, err := p.Complete(ctx, &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.Trace == nil {
		t.Fatal("request frame carried no trace context")
	}
	if !strings.Contains(got.Trace.TraceParent, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Fatalf("traceparent %q does not carry the trace id", got.Trace.TraceParent)
	}
}

func TestRequestFrameOmitsTraceWithoutSpan(t *testing.T) {
	var got requestFrame
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		got = frame
		conn.WriteJSON(replyFrame{Type: frameResult, ID: frame.ID, Result: &domain.InferenceResponse{
			Text:         "ok",
			FinishReason: domain.FinishStop,
		}})
	})
	p := newTestProvider(t, srv)

	if _, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Trace != nil {
		t.Fatalf("untraced request still carried %+v", got.Trace)
	}
}

func TestHealth(t *testing.T) {
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		if frame.Type != framePing {
			t.Errorf("expected ping frame, got %q", frame.Type)
		}
		conn.WriteJSON(replyFrame{Type: framePong, State: string(provider.HealthDegraded), LoadFactor: 0.8})
	})
	p := newTestProvider(t, srv)

	snap := p.Health(context.Background())
	if snap.State != provider.HealthDegraded {
		t.Fatalf("expected DEGRADED, got %s (%s)", snap.State, snap.Reason)
	}
	if snap.LoadFactor != 0.8 {
		t.Fatalf("load factor lost: %v", snap.LoadFactor)
	}
}

func TestHealthNoSidecar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p := newTestProvider(t, srv)
	srv.Close()

	snap := p.Health(context.Background())
	if snap.State != provider.HealthUnhealthy {
		t.Fatalf("expected UNHEALTHY against closed server, got %s", snap.State)
	}
}

func TestAuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame requestFrame
		if conn.ReadJSON(&frame) == nil {
			conn.WriteJSON(replyFrame{Type: framePong, State: string(provider.HealthHealthy)})
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("SIDECAR_TOKEN", "tok-123")
	p, err := New(context.Background(), Config{
		ID:        "sidecar-1",
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		AuthToken: "${SIDECAR_TOKEN}",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if snap := p.Health(context.Background()); snap.State != provider.HealthHealthy {
		t.Fatalf("health: %s (%s)", snap.State, snap.Reason)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestHealthTimesOutWithoutPong(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the ping timeout")
	}
	release := make(chan struct{})
	srv := newSidecar(t, func(conn *websocket.Conn, frame requestFrame) {
		<-release
	})
	defer close(release)
	p := newTestProvider(t, srv)

	start := time.Now()
	snap := p.Health(context.Background())
	if snap.State != provider.HealthUnhealthy {
		t.Fatalf("expected UNHEALTHY, got %s", snap.State)
	}
	if time.Since(start) > pingTimeout+2*time.Second {
		t.Fatalf("health check did not respect ping timeout, took %v", time.Since(start))
	}
}
