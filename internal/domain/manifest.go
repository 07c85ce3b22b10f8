package domain

import (
	"fmt"
	"strings"
	"time"
)

// ModelFormat identifies the on-disk serialization of model weights.
type ModelFormat string

const (
	FormatGGUF        ModelFormat = "GGUF"
	FormatONNX        ModelFormat = "ONNX"
	FormatTensorRT    ModelFormat = "TENSORRT"
	FormatTorchScript ModelFormat = "TORCHSCRIPT"
	FormatTFSaved     ModelFormat = "TENSORFLOW_SAVED_MODEL"
	FormatSafetensors ModelFormat = "SAFETENSORS"
	FormatPyTorch     ModelFormat = "PYTORCH"
	FormatUnknown     ModelFormat = "UNKNOWN"
)

// IsValidModelFormat returns true if the format is recognized, including
// UNKNOWN, which is a legal declared format for remote models.
func IsValidModelFormat(f ModelFormat) bool {
	switch f {
	case FormatGGUF, FormatONNX, FormatTensorRT, FormatTorchScript,
		FormatTFSaved, FormatSafetensors, FormatPyTorch, FormatUnknown:
		return true
	}
	return false
}

// FormatFromPath guesses a model format from an artifact file name.
func FormatFromPath(path string) ModelFormat {
	switch strings.ToLower(strings.TrimPrefix(filepathExt(path), ".")) {
	case "gguf", "ggml":
		return FormatGGUF
	case "onnx":
		return FormatONNX
	case "plan", "engine", "trt":
		return FormatTensorRT
	case "pt", "pth":
		return FormatPyTorch
	case "ts", "torchscript":
		return FormatTorchScript
	case "safetensors":
		return FormatSafetensors
	case "pb":
		return FormatTFSaved
	}
	return FormatUnknown
}

func filepathExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 && i > strings.LastIndexByte(path, '/') {
		return path[i:]
	}
	return ""
}

// Device identifies a compute device class a runner can target.
type Device string

const (
	DeviceCPU   Device = "cpu"
	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
	DeviceROCm  Device = "rocm"
)

// IsValidDevice returns true if the device class is recognized.
func IsValidDevice(d Device) bool {
	switch d {
	case DeviceCPU, DeviceCUDA, DeviceMetal, DeviceROCm:
		return true
	}
	return false
}

// ResourceHints estimates what a loaded model needs from its host.
type ResourceHints struct {
	MinMemoryMB  int64 `json:"min_memory_mb,omitempty"`
	MinVRAMMB    int64 `json:"min_vram_mb,omitempty"`
	ContextBytes int64 `json:"context_bytes,omitempty"`
}

// ModelManifest describes one deployable model: identity, artifact
// location, format, and placement preferences. The artifact URI is
// opaque to the kernel; providers interpret it.
type ModelManifest struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id,omitempty"`
	Name        string      `json:"name"`
	Version     string      `json:"version,omitempty"`
	Format      ModelFormat `json:"format"`
	ArtifactURI string      `json:"artifact_uri,omitempty"`

	// Aliases are alternate request names resolving to this manifest.
	Aliases []string `json:"aliases,omitempty"`

	PreferredDevice Device        `json:"preferred_device,omitempty"`
	Devices         []Device      `json:"devices,omitempty"`
	ContextWindow   int           `json:"context_window,omitempty"`
	Resources       ResourceHints `json:"resources,omitempty"`

	// DefaultParams seed request params when the caller leaves them
	// unset.
	DefaultParams map[string]any `json:"default_params,omitempty"`

	// Providers optionally pins the manifest to specific provider IDs.
	// Empty means any capable provider.
	Providers []string `json:"providers,omitempty"`

	// Credentials holds credential references (${ENV}, file:path,
	// $SECRET:name) needed to fetch or serve the model. Stored
	// unresolved; runners resolve them at initialization.
	Credentials map[string]string `json:"credentials,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks manifest well-formedness before registration.
func (m *ModelManifest) Validate() error {
	if m == nil {
		return NewError(ErrTypeValidation, "manifest is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return NewError(ErrTypeValidation, "manifest name is required")
	}
	if !IsValidModelFormat(m.Format) {
		return NewError(ErrTypeValidation, fmt.Sprintf("unknown model format %q", m.Format))
	}
	if m.PreferredDevice != "" && !IsValidDevice(m.PreferredDevice) {
		return NewError(ErrTypeValidation, fmt.Sprintf("unknown device %q", m.PreferredDevice))
	}
	for _, d := range m.Devices {
		if !IsValidDevice(d) {
			return NewError(ErrTypeValidation, fmt.Sprintf("unknown device %q", d))
		}
	}
	if m.ContextWindow < 0 {
		return NewError(ErrTypeValidation, "context_window must not be negative")
	}
	return nil
}

// ResolvesTo returns true when name matches the manifest by name,
// name:version, id, or alias.
func (m *ModelManifest) ResolvesTo(name string) bool {
	if name == "" {
		return false
	}
	if name == m.ID || name == m.Name {
		return true
	}
	if m.Version != "" && name == m.Name+":"+m.Version {
		return true
	}
	for _, a := range m.Aliases {
		if name == a {
			return true
		}
	}
	return false
}
