package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/circuitbreaker"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/kernel"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/manifest"
	"github.com/helioslabs/helios/internal/orchestrator"
	"github.com/helioslabs/helios/internal/pipeline"
	"github.com/helioslabs/helios/internal/provider"
	"github.com/helioslabs/helios/internal/runner"
	"github.com/helioslabs/helios/internal/selection"
	"github.com/helioslabs/helios/internal/session"
	"github.com/helioslabs/helios/internal/stream"
	"github.com/helioslabs/helios/internal/tenant"
)

func TestMain(m *testing.M) {
	logging.Default().SetConsole(false)
	os.Exit(m.Run())
}

type fakeProvider struct {
	id string

	completeCalls atomic.Int64

	completeFn func(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error)
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
	f.completeCalls.Add(1)
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
	if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: "hello", Index: 0, Last: true, FinishReason: domain.FinishStop}); err != nil {
		return err
	}
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Write(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

// fakeModelStore backs the manifest registry so register and remove
// work without postgres.
type fakeModelStore struct {
	byName map[string]*domain.ModelManifest
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{byName: make(map[string]*domain.ModelManifest)}
}

func (s *fakeModelStore) SaveManifest(_ context.Context, m *domain.ModelManifest) error {
	s.byName[m.Name] = m
	return nil
}

func (s *fakeModelStore) GetManifest(_ context.Context, id string) (*domain.ModelManifest, error) {
	for _, m := range s.byName {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.New("manifest not found")
}

func (s *fakeModelStore) GetManifestByName(_ context.Context, name string) (*domain.ModelManifest, error) {
	if m, ok := s.byName[name]; ok {
		return m, nil
	}
	return nil, errors.New("manifest not found")
}

func (s *fakeModelStore) ListManifests(_ context.Context) ([]*domain.ModelManifest, error) {
	out := make([]*domain.ModelManifest, 0, len(s.byName))
	for _, m := range s.byName {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeModelStore) DeleteManifest(_ context.Context, id string) error {
	for name, m := range s.byName {
		if m.ID == id {
			delete(s.byName, name)
			return nil
		}
	}
	return errors.New("manifest not found")
}

type harness struct {
	h    *Handler
	mux  *http.ServeMux
	sink *captureSink
}

func newHarness(t *testing.T, plugins []pipeline.Plugin, provs ...*fakeProvider) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "models.yaml")
	spec := `name: llama-3-8b
format: gguf
defaultParams:
  temperature: 0.25
`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	models := manifest.NewRegistry(newFakeModelStore())
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

	breakers := circuitbreaker.NewRegistry()
	orch := orchestrator.New(pool, breakers, lat)
	t.Cleanup(func() { orch.Close(context.Background()) })

	var opts []kernel.Option
	if len(plugins) > 0 {
		opts = append(opts, kernel.WithPlugins(plugins...))
	}
	k, err := kernel.New("node-test", models, pol, orch, opts...)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}

	sink := &captureSink{}
	guard := tenant.NewStaticGuard(&tenant.Record{
		ID:     "default",
		Name:   "Default",
		Status: tenant.StatusActive,
	})

	h := &Handler{
		NodeID:    "node-test",
		Kernel:    k,
		Models:    models,
		Providers: preg,
		Policy:    pol,
		Orch:      orch,
		Breakers:  breakers,
		Pool:      pool,
		Guard:     guard,
		Sink:      sink,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &harness{h: h, mux: mux, sink: sink}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestModelLifecycle(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodPost, "/v1/models", `{"name":"phi-3","format":"gguf"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created domain.ModelManifest
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Name != "phi-3" {
		t.Fatalf("created = %+v", created)
	}
	if !hs.sink.has(audit.EventModelRegistered) {
		t.Fatal("no model-registered audit event")
	}

	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/models", `{"name":"phi-3","format":"gguf"}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", rr.Code)
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/models", "")
	var list struct {
		Models []*domain.ModelManifest `json:"models"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Models) != 2 {
		t.Fatalf("models = %d, want file-loaded plus registered", len(list.Models))
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/models/phi-3", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = doJSON(t, hs.mux, http.MethodPut, "/v1/models/phi-3", `{"name":"phi-3","format":"gguf","context_window":8192}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rr.Code, rr.Body.String())
	}
	var updated domain.ModelManifest
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("update changed id: %q -> %q", created.ID, updated.ID)
	}
	if updated.ContextWindow != 8192 {
		t.Fatalf("context_window = %d", updated.ContextWindow)
	}
	if !hs.sink.has(audit.EventModelUpdated) {
		t.Fatal("no model-updated audit event")
	}

	if rr := doJSON(t, hs.mux, http.MethodDelete, "/v1/models/phi-3", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if !hs.sink.has(audit.EventModelDeleted) {
		t.Fatal("no model-deleted audit event")
	}
	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/models/phi-3", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rr.Code)
	}
}

func TestDeleteFileLoadedModelConflict(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodDelete, "/v1/models/llama-3-8b", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "file-loaded") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestImportModels(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	yamlBody := `name: qwen-2
format: gguf
---
name: mistral-7b
format: gguf
`
	rr := doJSON(t, hs.mux, http.MethodPost, "/v1/models/import", yamlBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Imported int      `json:"imported"`
		Models   []string `json:"models"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	if out.Imported != 2 {
		t.Fatalf("imported = %d (%v)", out.Imported, out.Models)
	}

	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/models/mistral-7b", ""); rr.Code != http.StatusOK {
		t.Fatalf("imported model not resolvable: %d", rr.Code)
	}
}

func TestBreakerTripAndReset(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"}, &fakeProvider{id: "p2"})

	rr := doJSON(t, hs.mux, http.MethodPost, "/v1/breakers/p1/trip", `{"reason":"maintenance"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("trip status = %d, body %s", rr.Code, rr.Body.String())
	}
	var tripped struct {
		ProviderID string                  `json:"provider_id"`
		Breaker    circuitbreaker.Snapshot `json:"breaker"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &tripped); err != nil {
		t.Fatalf("decode trip: %v", err)
	}
	if tripped.Breaker.State != "open" || tripped.Breaker.TripReason != "maintenance" {
		t.Fatalf("breaker = %+v", tripped.Breaker)
	}
	if !hs.sink.has(audit.EventBreakerTripped) {
		t.Fatal("no breaker-tripped audit event")
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/breakers", "")
	var listed struct {
		Breakers map[string]circuitbreaker.Snapshot `json:"breakers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode breakers: %v", err)
	}
	if snap, ok := listed.Breakers["p1"]; !ok || snap.State != "open" {
		t.Fatalf("breakers = %+v", listed.Breakers)
	}

	rr = doJSON(t, hs.mux, http.MethodPost, "/v1/breakers/p1/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rr.Code)
	}
	var reset struct {
		Breaker circuitbreaker.Snapshot `json:"breaker"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &reset); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if reset.Breaker.State != "closed" {
		t.Fatalf("breaker after reset = %+v", reset.Breaker)
	}
	if !hs.sink.has(audit.EventBreakerReset) {
		t.Fatal("no breaker-reset audit event")
	}

	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/breakers/ghost/trip", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("trip unknown provider status = %d", rr.Code)
	}
	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/breakers/p2/reset", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("reset without breaker status = %d", rr.Code)
	}
}

func TestTenantLifecycle(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodPost, "/v1/tenants",
		`{"id":"team-a","name":"Team A","tier":"pro","limits":{"concurrent_streams":2}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !hs.sink.has("tenant-created") {
		t.Fatal("no tenant-created audit event")
	}

	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/tenants", `{"id":"team-a"}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", rr.Code)
	}
	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/tenants", `{"name":"anonymous"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rr.Code)
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/tenants", "")
	var list struct {
		Tenants []*tenant.Record `json:"tenants"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode tenants: %v", err)
	}
	if len(list.Tenants) != 2 {
		t.Fatalf("tenants = %d", len(list.Tenants))
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/tenants/team-a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got struct {
		Tenant tenant.Record    `json:"tenant"`
		Usage  map[string]int64 `json:"usage"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode tenant: %v", err)
	}
	if got.Tenant.Tier != "pro" || got.Tenant.Status != tenant.StatusActive {
		t.Fatalf("tenant = %+v", got.Tenant)
	}
	if used, ok := got.Usage["concurrent_streams"]; !ok || used != 0 {
		t.Fatalf("usage = %+v", got.Usage)
	}

	rr = doJSON(t, hs.mux, http.MethodPut, "/v1/tenants/team-a",
		`{"name":"Team A","status":"suspended","tier":"pro"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d", rr.Code)
	}
	var updated tenant.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.ID != "team-a" || updated.Status != tenant.StatusSuspended {
		t.Fatalf("updated = %+v", updated)
	}

	if rr := doJSON(t, hs.mux, http.MethodDelete, "/v1/tenants/team-a", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/tenants/team-a", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rr.Code)
	}
}

func TestExplainSelection(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodPost, "/v1/selection/explain", `{"model":"llama-3-8b","prompt":"x"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("explain status = %d, body %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Explanation selection.Explanation `json:"explanation"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode explanation: %v", err)
	}
	if len(out.Explanation.Ranked) != 1 || out.Explanation.Ranked[0].ProviderID != "p1" {
		t.Fatalf("ranked = %+v", out.Explanation.Ranked)
	}

	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/selection/explain", `{"model":"ghost"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("explain unknown model status = %d", rr.Code)
	}
}

func TestStoreBackedEndpointsDegradeWithoutStore(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/audit/events", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("audit events status = %d", rr.Code)
	}
	if rr := doJSON(t, hs.mux, http.MethodPost, "/v1/apikeys", `{"name":"ci"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("create apikey status = %d", rr.Code)
	}
	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/apikeys", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("list apikeys status = %d", rr.Code)
	}
}

func TestPoolAndSessionViews(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodGet, "/v1/pools", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pools status = %d", rr.Code)
	}
	var ps runner.PoolStats
	if err := json.Unmarshal(rr.Body.Bytes(), &ps); err != nil {
		t.Fatalf("decode pools: %v", err)
	}
	if ps.Capacity != 8 || ps.Size != 0 {
		t.Fatalf("pool stats = %+v", ps)
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", rr.Code)
	}
	var sess struct {
		Runners      []json.RawMessage  `json:"runners"`
		Orchestrator orchestrator.Stats `json:"orchestrator"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sess.Runners) != 0 {
		t.Fatalf("runners = %d before any run", len(sess.Runners))
	}
}

func TestListProvidersAndGet(t *testing.T) {
	hs := newHarness(t, nil, &fakeProvider{id: "p1"})

	rr := doJSON(t, hs.mux, http.MethodGet, "/v1/providers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var list struct {
		Providers []provider.Description `json:"providers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(list.Providers) != 1 || list.Providers[0].ID != "p1" {
		t.Fatalf("providers = %+v", list.Providers)
	}

	rr = doJSON(t, hs.mux, http.MethodGet, "/v1/providers/p1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var desc provider.Description
	if err := json.Unmarshal(rr.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode provider: %v", err)
	}
	if desc.ID != "p1" || !desc.Capabilities.Streaming {
		t.Fatalf("description = %+v", desc)
	}

	if rr := doJSON(t, hs.mux, http.MethodGet, "/v1/providers/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get unknown provider status = %d", rr.Code)
	}
}
