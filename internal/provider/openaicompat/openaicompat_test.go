package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/stream"
)

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), Config{ID: "vllm-1", BaseURL: srv.URL, APIKey: "sk-test"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, srv
}

func TestComplete(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`)
	}))

	temp := 0.2
	maxTok := 64
	resp, err := p.Complete(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "llama3",
		Prompt:    "hello",
		Params: domain.Params{
			Temperature: &temp,
			MaxTokens:   &maxTok,
			Extra:       map[string]any{"seed": float64(7)},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hi there" || resp.FinishReason != domain.FinishStop {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if resp.ProviderID != "vllm-1" {
		t.Fatalf("unexpected provider id %q", resp.ProviderID)
	}

	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["model"] != "llama3" {
		t.Fatalf("unexpected model %v", gotBody["model"])
	}
	if gotBody["temperature"] != 0.2 || gotBody["max_tokens"] != float64(64) {
		t.Fatalf("params not forwarded: %v", gotBody)
	}
	if gotBody["seed"] != float64(7) {
		t.Fatalf("extra param not passed through: %v", gotBody)
	}
}

func TestCompleteForwardsTraceHeaders(t *testing.T) {
	var gotTraceParent string
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceParent = r.Header.Get("traceparent")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}]
		}`)
	}))

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
	if !strings.Contains(gotTraceParent, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Fatalf("upstream request traceparent = %q, want the active trace", gotTraceParent)
	}
}

func TestCompleteToolCalls(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": null,
				"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"go\"}"}}]},
				"finish_reason": "tool_calls"}]
		}`)
	}))

	resp, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != domain.FinishToolCall {
		t.Fatalf("unexpected finish reason %s", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrType
	}{
		{http.StatusUnauthorized, domain.ErrTypeAuthentication},
		{http.StatusForbidden, domain.ErrTypeAuthentication},
		{http.StatusBadRequest, domain.ErrTypeValidation},
		{http.StatusNotFound, domain.ErrTypeValidation},
		{http.StatusTooManyRequests, domain.ErrTypeCapacity},
		{http.StatusServiceUnavailable, domain.ErrTypeProviderUnavailable},
		{http.StatusInternalServerError, domain.ErrTypeProviderInternal},
		{http.StatusGatewayTimeout, domain.ErrTypeTimeout},
	}
	for i := 0; i < len(tests); i++ {
		tc := tests[i]
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error": {"message": "nope", "type": "x"}}`)
			}))
			_, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
			var de *domain.Error
			if !errors.As(err, &de) {
				t.Fatalf("expected *domain.Error, got %v", err)
			}
			if de.Type != tc.want {
				t.Fatalf("status %d mapped to %s, want %s", tc.status, de.Type, tc.want)
			}
			if de.Message != "nope" {
				t.Fatalf("upstream message lost: %q", de.Message)
			}
		})
	}
}

func TestCompleteRetryAfter(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down"}}`)
	}))
	_, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"})
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %v", err)
	}
	if de.RetryAfter <= 0 {
		t.Fatalf("expected retry-after to be carried, got %v", de.RetryAfter)
	}
}

func TestStream(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream flag, got %v", body["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	acc := stream.NewAccumulator()
	err := p.Stream(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, acc.Add)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if acc.Text() != "Hello" {
		t.Fatalf("unexpected text %q", acc.Text())
	}
	if !acc.Completed() || acc.FinishReason() != domain.FinishStop {
		t.Fatalf("stream did not terminate cleanly: completed=%v finish=%s", acc.Completed(), acc.FinishReason())
	}
	// Two content chunks plus the dedicated terminal chunk.
	if acc.Chunks() != 3 {
		t.Fatalf("expected 3 chunks, got %d", acc.Chunks())
	}
}

func TestStreamLengthFinish(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tr\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"unc\"},\"finish_reason\":\"length\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	acc := stream.NewAccumulator()
	if err := p.Stream(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, acc.Add); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if acc.Text() != "trunc" || acc.FinishReason() != domain.FinishLength {
		t.Fatalf("unexpected result %q %s", acc.Text(), acc.FinishReason())
	}
}

func TestStreamUpstreamError(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "over quota"}}`)
	}))
	err := p.Stream(context.Background(), &domain.InferenceRequest{RequestID: "r1", Model: "m", Prompt: "x"}, func(stream.Chunk) error { return nil })
	var de *domain.Error
	if !errors.As(err, &de) || de.Type != domain.ErrTypeCapacity {
		t.Fatalf("expected CAPACITY error, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data": []}`)
	}))
	snap := p.Health(context.Background())
	if snap.State != provider.HealthHealthy {
		t.Fatalf("unexpected state %s (%s)", snap.State, snap.Reason)
	}
	if snap.Latency <= 0 {
		t.Fatal("expected measured latency")
	}
}

func TestHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p, err := New(context.Background(), Config{ID: "p", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Close()
	snap := p.Health(context.Background())
	if snap.State != provider.HealthUnhealthy {
		t.Fatalf("expected UNHEALTHY against closed server, got %s", snap.State)
	}
}

func TestNewResolvesEnvKey(t *testing.T) {
	t.Setenv("OPENAI_TEST_KEY", "sk-from-env")
	p, err := New(context.Background(), Config{ID: "p", BaseURL: "http://x", APIKey: "${OPENAI_TEST_KEY}"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.apiKey != "sk-from-env" {
		t.Fatalf("key not resolved: %q", p.apiKey)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), Config{BaseURL: "http://x"}, nil); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := New(context.Background(), Config{ID: "p"}, nil); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
