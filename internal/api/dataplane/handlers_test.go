package dataplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/stream"
)

func TestMain(m *testing.M) {
	logging.Default().SetConsole(false)
	os.Exit(m.Run())
}

type fakeProvider struct {
	id string

	completeFn func(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error)
	streamFn   func(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error
}

func (f *fakeProvider) ID() string          { return f.id }
func (f *fakeProvider) Info() provider.Info { return provider.Info{Name: f.id, Kind: f.id} }

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Formats:   []domain.ModelFormat{domain.FormatGGUF},
		Devices:   []domain.Device{domain.DeviceCPU},
		Streaming: true,
	}
}

func (f *fakeProvider) Health(ctx context.Context) provider.HealthSnapshot {
	return provider.HealthSnapshot{State: provider.HealthHealthy, CheckedAt: time.Now(), LoadFactor: -1}
}

func (f *fakeProvider) Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	if f.completeFn != nil {
		return f.completeFn(ctx, req)
	}
	return &domain.InferenceResponse{
		RequestID:    req.RequestID,
		Text:         "ok from " + f.id,
		FinishReason: domain.FinishStop,
		Usage:        domain.TokenUsage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	if f.streamFn != nil {
		return f.streamFn(ctx, req, emit)
	}
	if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: "hello ", Index: 0}); err != nil {
		return err
	}
	return emit(stream.Chunk{RequestID: req.RequestID, Delta: "world", Index: 1, Last: true, FinishReason: domain.FinishStop})
}

func testHarness(t *testing.T, provs ...*fakeProvider) (*Handler, *http.ServeMux) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "models.yaml")
	spec := `name: llama-3-8b
format: gguf
defaultParams:
  temperature: 0.25
  max_tokens: 96
`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	models := manifest.NewRegistry(nil)
	if _, err := models.LoadFile(path); err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	preg := provider.NewRegistry()
	for _, p := range provs {
		preg.Register(p)
	}
	lat := selection.NewLatencyTracker()
	pol := selection.NewPolicy(preg, lat)

	b := runner.NewBuilder(nil, nil, session.Config{
		MaxConcurrent:  4,
		AcquireTimeout: time.Second,
		Reuse:          true,
	})
	pool := runner.NewPool(b, runner.Options{Capacity: 8, IdleTTL: time.Minute, SweepInterval: time.Minute})
	t.Cleanup(func() { pool.Close(context.Background()) })

	orch := orchestrator.New(pool, nil, lat)
	t.Cleanup(func() { orch.Close(context.Background()) })

	k, err := kernel.New("node-test", models, pol, orch)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}

	h := &Handler{
		NodeID:    "node-test",
		Kernel:    k,
		Models:    models,
		Providers: preg,
		Orch:      orch,
		Pool:      pool,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

type errEnvelope struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rr.Body.String())
	}
	return env
}

func TestInferReturnsCompletion(t *testing.T) {
	p1 := &fakeProvider{id: "p1"}
	_, mux := testHarness(t, p1)

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer", `{"model":"llama-3-8b","prompt":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	var resp domain.InferenceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "ok from p1" || resp.ProviderID != "p1" {
		t.Fatalf("text = %q provider = %q", resp.Text, resp.ProviderID)
	}
	if resp.Model != "llama-3-8b" || resp.RequestID == "" {
		t.Fatalf("model = %q request_id = %q", resp.Model, resp.RequestID)
	}
}

func TestInferRejectsMalformedBody(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer", `{"model":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Type != "VALIDATION" || env.Error.Retryable {
		t.Fatalf("envelope = %+v", env.Error)
	}
}

func TestInferUnknownModel(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer", `{"model":"ghost","prompt":"hi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Type != "VALIDATION" || !strings.Contains(env.Error.Message, "unknown model") {
		t.Fatalf("envelope = %+v", env.Error)
	}
}

func TestInferShedsWhileDraining(t *testing.T) {
	h, mux := testHarness(t, &fakeProvider{id: "p1"})
	if err := h.Kernel.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer", `{"model":"llama-3-8b","prompt":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if ra := rr.Header().Get("Retry-After"); ra != "1" {
		t.Fatalf("retry-after = %q", ra)
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Type != "CAPACITY" || !env.Error.Retryable {
		t.Fatalf("envelope = %+v", env.Error)
	}
}

func sseData(t *testing.T, rr *httptest.ResponseRecorder) []string {
	t.Helper()
	var datas []string
	for _, ln := range strings.Split(rr.Body.String(), "\n") {
		if strings.HasPrefix(ln, "data: ") {
			datas = append(datas, strings.TrimPrefix(ln, "data: "))
		}
	}
	return datas
}

func TestInferStreamEmitsSSE(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer/stream", `{"model":"llama-3-8b","prompt":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	datas := sseData(t, rr)
	if len(datas) != 3 {
		t.Fatalf("frames = %v", datas)
	}
	if datas[2] != stream.DoneSentinel {
		t.Fatalf("terminal frame = %q", datas[2])
	}

	var first, last stream.Chunk
	if err := json.Unmarshal([]byte(datas[0]), &first); err != nil {
		t.Fatalf("decode first chunk: %v", err)
	}
	if err := json.Unmarshal([]byte(datas[1]), &last); err != nil {
		t.Fatalf("decode last chunk: %v", err)
	}
	if first.Delta != "hello " || last.Delta != "world" {
		t.Fatalf("deltas = %q %q", first.Delta, last.Delta)
	}
	if !last.Last || last.FinishReason != domain.FinishStop {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestInferStreamErrorFrame(t *testing.T) {
	p1 := &fakeProvider{
		id: "p1",
		streamFn: func(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
			if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: "par", Index: 0}); err != nil {
				return err
			}
			return domain.NewError(domain.ErrTypeProviderInternal, "gpu fell over")
		},
	}
	_, mux := testHarness(t, p1)

	rr := doJSON(t, mux, http.MethodPost, "/v1/infer/stream", `{"model":"llama-3-8b","prompt":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Fatalf("no error frame in %q", body)
	}
	if !strings.Contains(body, `"type":"PROVIDER_INTERNAL"`) {
		t.Fatalf("error frame lacks type: %q", body)
	}

	datas := sseData(t, rr)
	if len(datas) == 0 || datas[len(datas)-1] != stream.DoneSentinel {
		t.Fatalf("stream did not terminate with %s: %v", stream.DoneSentinel, datas)
	}
}

func TestHealthProbes(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	rr := doJSON(t, mux, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	var hb struct {
		Status     string `json:"status"`
		NodeID     string `json:"node_id"`
		Components struct {
			Providers struct {
				Total   int `json:"total"`
				Serving int `json:"serving"`
			} `json:"providers"`
			Pool struct {
				Size     int `json:"size"`
				Capacity int `json:"capacity"`
			} `json:"pool"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &hb); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if hb.Status != "ok" || hb.NodeID != "node-test" {
		t.Fatalf("health = %+v", hb)
	}
	if hb.Components.Providers.Serving != 1 || hb.Components.Pool.Capacity != 8 {
		t.Fatalf("components = %+v", hb.Components)
	}

	if rr := doJSON(t, mux, http.MethodGet, "/health/live", ""); rr.Code != http.StatusOK {
		t.Fatalf("live status = %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodGet, "/health/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestReadinessWhileDraining(t *testing.T) {
	h, mux := testHarness(t, &fakeProvider{id: "p1"})
	if err := h.Kernel.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rr := doJSON(t, mux, http.MethodGet, "/health/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "draining") {
		t.Fatalf("ready body = %s", rr.Body.String())
	}

	rr = doJSON(t, mux, http.MethodGet, "/health", "")
	var hb struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &hb); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if hb.Status != "draining" {
		t.Fatalf("health status = %q", hb.Status)
	}
}

func TestReadinessWithoutProviders(t *testing.T) {
	_, mux := testHarness(t)

	rr := doJSON(t, mux, http.MethodGet, "/health/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "no provider can serve") {
		t.Fatalf("ready body = %s", rr.Body.String())
	}
}

func TestStatsSummary(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	if rr := doJSON(t, mux, http.MethodPost, "/v1/infer", `{"model":"llama-3-8b","prompt":"hi"}`); rr.Code != http.StatusOK {
		t.Fatalf("infer status = %d", rr.Code)
	}

	rr := doJSON(t, mux, http.MethodGet, "/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	var st struct {
		NodeID       string             `json:"node_id"`
		Models       int                `json:"models"`
		Providers    int                `json:"providers"`
		LiveRuns     int                `json:"live_runs"`
		Orchestrator orchestrator.Stats `json:"orchestrator"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.NodeID != "node-test" || st.Models != 1 || st.Providers != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LiveRuns != 0 {
		t.Fatalf("live_runs = %d after completion", st.LiveRuns)
	}
	if st.Orchestrator.Succeeded != 1 {
		t.Fatalf("orchestrator = %+v", st.Orchestrator)
	}
}

func TestInferenceLogDisabledWithoutStore(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})

	rr := doJSON(t, mux, http.MethodGet, "/v1/inferences", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if ra := rr.Header().Get("Retry-After"); ra != "1" {
		t.Fatalf("retry-after = %q", ra)
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Type != "CAPACITY" {
		t.Fatalf("envelope = %+v", env.Error)
	}

	if rr := doJSON(t, mux, http.MethodGet, "/v1/inferences/run-1", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("by-run status = %d", rr.Code)
	}
}

func TestInferWSStreams(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/infer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"model":"llama-3-8b","prompt":"hi"}`)); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	var deltas []string
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		var c stream.Chunk
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("unmarshal chunk %q: %v", data, err)
		}
		deltas = append(deltas, c.Delta)
	}
	if got := strings.Join(deltas, ""); got != "hello world" {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestInferWSRejectsMalformedFrame(t *testing.T) {
	_, mux := testHarness(t, &fakeProvider{id: "p1"})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/infer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var frame struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal error frame %q: %v", data, err)
	}
	if frame.Error.Type != "VALIDATION" {
		t.Fatalf("error frame = %+v", frame)
	}
}
