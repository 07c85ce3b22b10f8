package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/helioslabs/helios/internal/cache"
	"github.com/helioslabs/helios/internal/domain"
)

type fakeManifestStore struct {
	byName map[string]*domain.ModelManifest

	getByNameCalls atomic.Int64
	saved          []*domain.ModelManifest
	deleted        []string
}

func newFakeManifestStore(manifests ...*domain.ModelManifest) *fakeManifestStore {
	s := &fakeManifestStore{byName: make(map[string]*domain.ModelManifest)}
	for _, m := range manifests {
		s.byName[m.Name] = m
	}
	return s
}

func (s *fakeManifestStore) SaveManifest(_ context.Context, m *domain.ModelManifest) error {
	s.saved = append(s.saved, m)
	s.byName[m.Name] = m
	return nil
}

func (s *fakeManifestStore) GetManifest(_ context.Context, id string) (*domain.ModelManifest, error) {
	for _, m := range s.byName {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.New("manifest not found")
}

func (s *fakeManifestStore) GetManifestByName(_ context.Context, name string) (*domain.ModelManifest, error) {
	s.getByNameCalls.Add(1)
	if m, ok := s.byName[name]; ok {
		return m, nil
	}
	return nil, errors.New("manifest not found")
}

func (s *fakeManifestStore) ListManifests(_ context.Context) ([]*domain.ModelManifest, error) {
	var out []*domain.ModelManifest
	for _, m := range s.byName {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeManifestStore) DeleteManifest(_ context.Context, id string) error {
	for name, m := range s.byName {
		if m.ID == id {
			delete(s.byName, name)
			s.deleted = append(s.deleted, id)
			return nil
		}
	}
	return errors.New("manifest not found")
}

func writeManifestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest file: %v", err)
	}
	return path
}

func TestRegistryResolveLocalFirst(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, "llama3.yaml", `
name: llama3-8b
aliases:
  - llama3
format: gguf
artifact: file:///models/llama3.gguf
`)

	store := newFakeManifestStore(&domain.ModelManifest{
		ID: "store-copy", Name: "llama3-8b", Format: domain.FormatGGUF,
	})
	r := NewRegistry(store)
	if n, err := r.LoadDir(dir); err != nil || n != 1 {
		t.Fatalf("LoadDir: n=%d err=%v", n, err)
	}

	m, err := r.Resolve(context.Background(), "llama3")
	if err != nil {
		t.Fatalf("resolve by alias: %v", err)
	}
	if m.Name != "llama3-8b" || m.ID == "store-copy" {
		t.Fatalf("expected the file-loaded manifest, got %+v", m)
	}
	if store.getByNameCalls.Load() != 0 {
		t.Fatalf("local manifests must not hit the store, got %d calls", store.getByNameCalls.Load())
	}
}

func TestRegistryResolveFromStoreAndCache(t *testing.T) {
	store := newFakeManifestStore(&domain.ModelManifest{
		ID: "m1", Name: "mixtral", Format: domain.FormatGGUF,
	})
	c := cache.NewInMemoryCache()
	defer c.Close()

	r := NewRegistry(store, WithCache(c))

	m, err := r.Resolve(context.Background(), "mixtral")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("expected m1, got %s", m.ID)
	}
	if store.getByNameCalls.Load() != 1 {
		t.Fatalf("expected 1 store call, got %d", store.getByNameCalls.Load())
	}

	// Second resolve is served from the cache.
	if _, err := r.Resolve(context.Background(), "mixtral"); err != nil {
		t.Fatalf("resolve (cached): %v", err)
	}
	if store.getByNameCalls.Load() != 1 {
		t.Fatalf("expected cache hit, got %d store calls", store.getByNameCalls.Load())
	}
}

func TestRegistryResolveNotFound(t *testing.T) {
	r := NewRegistry(newFakeManifestStore())
	_, err := r.Resolve(context.Background(), "no-such-model")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}

	_, err = r.Resolve(context.Background(), "")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for empty name, got %v", err)
	}
}

func TestRegistryRegisterEvictsCache(t *testing.T) {
	store := newFakeManifestStore(&domain.ModelManifest{
		ID: "m1", Name: "mixtral", Format: domain.FormatGGUF,
	})
	c := cache.NewInMemoryCache()
	defer c.Close()

	r := NewRegistry(store, WithCache(c))

	// Warm the cache.
	if _, err := r.Resolve(context.Background(), "mixtral"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Registering an update must evict the cached resolution.
	updated := &domain.ModelManifest{ID: "m1", Name: "mixtral", Format: domain.FormatGGUF, ContextWindow: 32768}
	if err := r.Register(context.Background(), updated); err != nil {
		t.Fatalf("register: %v", err)
	}

	m, err := r.Resolve(context.Background(), "mixtral")
	if err != nil {
		t.Fatalf("resolve after register: %v", err)
	}
	if m.ContextWindow != 32768 {
		t.Fatalf("stale manifest served after register: %+v", m)
	}
	if store.getByNameCalls.Load() != 2 {
		t.Fatalf("expected 2 store calls after eviction, got %d", store.getByNameCalls.Load())
	}
}

func TestRegistryRegisterAssignsID(t *testing.T) {
	store := newFakeManifestStore()
	r := NewRegistry(store)

	m := &domain.ModelManifest{Name: "phi3-mini", Format: domain.FormatONNX}
	if err := r.Register(context.Background(), m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected a generated manifest ID")
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 save, got %d", len(store.saved))
	}
}

func TestRegistryRemove(t *testing.T) {
	store := newFakeManifestStore(&domain.ModelManifest{
		ID: "m1", Name: "mixtral", Format: domain.FormatGGUF,
	})
	r := NewRegistry(store)

	if err := r.Remove(context.Background(), "m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "m1" {
		t.Fatalf("expected m1 deleted, got %v", store.deleted)
	}
	if err := r.Remove(context.Background(), "m1"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for second remove, got %v", err)
	}
}

func TestRegistryListMergesAndShadows(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, "local.yaml", `
name: llama3-8b
format: gguf
artifact: file:///models/local.gguf
`)

	store := newFakeManifestStore(
		&domain.ModelManifest{ID: "s1", Name: "llama3-8b", Format: domain.FormatGGUF},
		&domain.ModelManifest{ID: "s2", Name: "mixtral", Format: domain.FormatGGUF},
	)
	r := NewRegistry(store)
	if _, err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	list, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 manifests (local shadows store), got %d", len(list))
	}
	for _, m := range list {
		if m.Name == "llama3-8b" && m.ID == "s1" {
			t.Fatal("store copy of llama3-8b should be shadowed by the local one")
		}
	}
}

func TestRegistryLoadDirMissing(t *testing.T) {
	r := NewRegistry(nil)
	if n, err := r.LoadDir("/does/not/exist"); err != nil || n != 0 {
		t.Fatalf("missing dir should load nothing, n=%d err=%v", n, err)
	}
	if n, err := r.LoadDir(""); err != nil || n != 0 {
		t.Fatalf("empty dir should load nothing, n=%d err=%v", n, err)
	}
}

func TestRegistryLoadDirSkipsNonYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, "model.yaml", `
name: llama3-8b
format: gguf
artifact: file:///models/llama3.gguf
`)
	writeManifestFile(t, dir, "notes.txt", "not a manifest")

	r := NewRegistry(nil)
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 manifest loaded, got %d", n)
	}
}
