package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/helioslabs/helios/internal/audit"
	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/manifest"
)

// CreateModel handles POST /v1/models. The body is a full manifest;
// the name must not already resolve.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var m domain.ModelManifest
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, domain.NewError(domain.ErrTypeValidation, "invalid manifest body: "+err.Error()))
		return
	}

	if _, err := h.Models.Resolve(r.Context(), m.Name); err == nil {
		http.Error(w, "model already exists: "+m.Name, http.StatusConflict)
		return
	}

	if err := h.Models.Register(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}
	h.record(r, audit.EventModelRegistered, map[string]string{
		"model": m.Name, "model_id": m.ID, "format": string(m.Format),
	})
	writeJSON(w, http.StatusCreated, m)
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.Models.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []*domain.ModelManifest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// GetModel handles GET /v1/models/{name}. Aliases and name:version
// references resolve like dataplane requests do.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.Models.Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// UpdateModel handles PUT /v1/models/{name}. The body replaces the
// manifest; the stored ID wins over one in the body.
func (h *Handler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Models.Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var m domain.ModelManifest
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, domain.NewError(domain.ErrTypeValidation, "invalid manifest body: "+err.Error()))
		return
	}
	m.ID = existing.ID

	if err := h.Models.Register(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}
	h.record(r, audit.EventModelUpdated, map[string]string{
		"model": m.Name, "model_id": m.ID,
	})
	writeJSON(w, http.StatusOK, m)
}

// DeleteModel handles DELETE /v1/models/{name}. File-loaded manifests
// are part of the boot catalog and cannot be deleted at runtime.
func (h *Handler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.Models.Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := h.Models.Remove(r.Context(), m.ID); err != nil {
		if errors.Is(err, manifest.ErrModelNotFound) {
			http.Error(w, "model is file-loaded and cannot be deleted", http.StatusConflict)
			return
		}
		writeError(w, err)
		return
	}
	h.record(r, audit.EventModelDeleted, map[string]string{
		"model": m.Name, "model_id": m.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ImportModels handles POST /v1/models/import. The body is the same
// multi-document YAML the boot catalog uses; every document registers
// through the store.
func (h *Handler) ImportModels(w http.ResponseWriter, r *http.Request) {
	multi, err := manifest.Parse(r.Body, "")
	if err != nil {
		writeError(w, domain.NewError(domain.ErrTypeValidation, "invalid manifest yaml: "+err.Error()))
		return
	}

	imported := make([]string, 0, len(multi.Models))
	for i := range multi.Models {
		spec := multi.Models[i]
		m, err := spec.ToManifest(spec.ID)
		if err != nil {
			writeError(w, domain.NewError(domain.ErrTypeValidation, "model "+spec.Name+": "+err.Error()))
			return
		}
		if err := h.Models.Register(r.Context(), m); err != nil {
			writeError(w, err)
			return
		}
		h.record(r, audit.EventModelRegistered, map[string]string{
			"model": m.Name, "model_id": m.ID, "format": string(m.Format),
		})
		imported = append(imported, m.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": len(imported),
		"models":   imported,
	})
}
