package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/helioslabs/helios/internal/auth"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/tenant"
)

// CreateTenant handles POST /v1/tenants. The record goes into the live
// guard immediately and into the store when one is configured, so new
// tenants survive a restart.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var rec tenant.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if rec.ID == "" {
		http.Error(w, "tenant id is required", http.StatusBadRequest)
		return
	}
	if rec.Status == "" {
		rec.Status = tenant.StatusActive
	}
	if h.Guard.Get(rec.ID) != nil {
		http.Error(w, "tenant already exists: "+rec.ID, http.StatusConflict)
		return
	}

	if h.Store != nil {
		if err := h.Store.SaveTenant(r.Context(), &rec); err != nil {
			writeError(w, err)
			return
		}
	}
	h.Guard.Upsert(&rec)
	h.record(r, "tenant-created", map[string]string{"tenant_id": rec.ID, "tier": rec.Tier})
	writeJSON(w, http.StatusCreated, rec)
}

// ListTenants handles GET /v1/tenants.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	recs := h.Guard.List()
	if recs == nil {
		recs = []*tenant.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": recs})
}

// GetTenant handles GET /v1/tenants/{id}, including live quota usage.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec := h.Guard.Get(id)
	if rec == nil {
		http.Error(w, "tenant not found: "+id, http.StatusNotFound)
		return
	}

	usage := map[string]int64{}
	for dim := range rec.Limits {
		usage[string(dim)] = h.Guard.Usage(id, dim)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant": rec,
		"usage":  usage,
	})
}

// UpdateTenant handles PUT /v1/tenants/{id}.
func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Guard.Get(id) == nil {
		http.Error(w, "tenant not found: "+id, http.StatusNotFound)
		return
	}

	var rec tenant.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	rec.ID = id
	if rec.Status == "" {
		rec.Status = tenant.StatusActive
	}

	if h.Store != nil {
		if err := h.Store.SaveTenant(r.Context(), &rec); err != nil {
			writeError(w, err)
			return
		}
	}
	h.Guard.Upsert(&rec)
	h.record(r, "tenant-updated", map[string]string{"tenant_id": id, "status": string(rec.Status)})
	writeJSON(w, http.StatusOK, rec)
}

// DeleteTenant handles DELETE /v1/tenants/{id}. Inflight runs keep
// their admission; new requests fail authorization immediately.
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Guard.Get(id) == nil {
		http.Error(w, "tenant not found: "+id, http.StatusNotFound)
		return
	}

	if h.Store != nil {
		if err := h.Store.DeleteTenant(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	h.Guard.Remove(id)
	h.record(r, "tenant-deleted", map[string]string{"tenant_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// CreateAPIKey handles POST /v1/apikeys. The plaintext key appears in
// this response only; the store keeps its hash.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "api key store not enabled"))
		return
	}

	var body struct {
		Name     string                 `json:"name"`
		TenantID string                 `json:"tenant_id"`
		Tier     string                 `json:"tier"`
		Policies []domain.PolicyBinding `json:"policies,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		http.Error(w, "key name is required", http.StatusBadRequest)
		return
	}

	mgr := auth.NewAPIKeyManager(h.Store)
	plaintext, err := mgr.Create(r.Context(), body.Name, body.TenantID, body.Tier, body.Policies)
	if err != nil {
		writeError(w, err)
		return
	}

	h.record(r, "apikey-created", map[string]string{
		"key_name": body.Name, "tenant_id": body.TenantID, "tier": body.Tier,
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"name": body.Name,
		"key":  plaintext,
	})
}

// ListAPIKeys handles GET /v1/apikeys. Hashes stay server-side.
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "api key store not enabled"))
		return
	}

	keys, err := h.Store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type keyView struct {
		Name     string `json:"name"`
		TenantID string `json:"tenant_id,omitempty"`
		Tier     string `json:"tier,omitempty"`
		Enabled  bool   `json:"enabled"`
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{
			Name:     k.Name,
			TenantID: k.TenantID,
			Tier:     k.Tier,
			Enabled:  k.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

// DeleteAPIKey handles DELETE /v1/apikeys/{name}.
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, domain.NewError(domain.ErrTypeCapacity, "api key store not enabled"))
		return
	}

	name := r.PathValue("name")
	if _, err := h.Store.GetAPIKeyByName(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.Store.DeleteAPIKey(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	h.record(r, "apikey-deleted", map[string]string{"key_name": name})
	w.WriteHeader(http.StatusNoContent)
}
