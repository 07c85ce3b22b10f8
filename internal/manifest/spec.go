// Package manifest loads model manifests from YAML files and resolves
// model names to manifests at request time, backed by the store and the
// shared cache.
package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helioslabs/helios/internal/domain"
)

// ManifestSpec defines the YAML specification for a model manifest
type ManifestSpec struct {
	// API version for future compatibility
	APIVersion string `yaml:"apiVersion,omitempty"`
	// Kind is always "Model"
	Kind string `yaml:"kind,omitempty"`

	// Metadata
	ID      string   `yaml:"id,omitempty"`
	Name    string   `yaml:"name"`
	Version string   `yaml:"version,omitempty"`
	Aliases []string `yaml:"aliases,omitempty"`

	// Artifact configuration
	Format   string `yaml:"format,omitempty"`   // gguf, onnx, tensorrt, torchscript, safetensors, pytorch
	Artifact string `yaml:"artifact,omitempty"` // path or file://, http(s):// URI

	// Placement preferences
	PreferredDevice string   `yaml:"preferredDevice,omitempty"` // cpu, cuda, metal, rocm
	Devices         []string `yaml:"devices,omitempty"`
	ContextWindow   int      `yaml:"contextWindow,omitempty"`

	// Resource hints
	Resources *ResourceHintsSpec `yaml:"resources,omitempty"`

	// Default sampling params applied when the request leaves them unset
	DefaultParams map[string]any `yaml:"defaultParams,omitempty"`

	// Providers pins the model to specific provider IDs (empty = any)
	Providers []string `yaml:"providers,omitempty"`

	// Credential references (supports ${ENV}, file:path, $SECRET:name)
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// ResourceHintsSpec defines resource hints in YAML
type ResourceHintsSpec struct {
	MinMemoryMB  int64 `yaml:"minMemoryMB,omitempty"`
	MinVRAMMB    int64 `yaml:"minVRAMMB,omitempty"`
	ContextBytes int64 `yaml:"contextBytes,omitempty"`
}

// MultiSpec holds multiple model specs from a single file
type MultiSpec struct {
	Models []ManifestSpec
}

// ParseFile parses a YAML file containing one or more model specs
func ParseFile(path string) (*MultiSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Dir(path))
}

// Parse parses YAML content containing one or more model specs
func Parse(r io.Reader, baseDir string) (*MultiSpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []ManifestSpec

	for {
		var spec ManifestSpec
		err := decoder.Decode(&spec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}

		// Skip empty documents
		if spec.Name == "" && spec.Artifact == "" {
			continue
		}

		// Normalize bare artifact paths to file:// URIs, resolving
		// relative paths against the spec file's directory. URIs and
		// ${ENV} indirections pass through untouched.
		if a := spec.Artifact; a != "" && !strings.Contains(a, "://") && !strings.HasPrefix(a, "${") {
			if !filepath.IsAbs(a) {
				a = filepath.Join(baseDir, a)
			}
			spec.Artifact = "file://" + a
		}

		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no valid model specs found")
	}

	return &MultiSpec{Models: specs}, nil
}

// Validate validates a model spec
func (s *ManifestSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Kind != "" && s.Kind != "Model" {
		return fmt.Errorf("invalid kind: %s (expected Model)", s.Kind)
	}

	format := s.resolveFormat()
	if !domain.IsValidModelFormat(format) {
		return fmt.Errorf("invalid format: %s (valid: gguf, onnx, tensorrt, torchscript, tensorflow_saved_model, safetensors, pytorch)", s.Format)
	}

	if s.PreferredDevice != "" && !domain.IsValidDevice(domain.Device(strings.ToLower(s.PreferredDevice))) {
		return fmt.Errorf("invalid preferredDevice: %s (valid: cpu, cuda, metal, rocm)", s.PreferredDevice)
	}
	for _, d := range s.Devices {
		if !domain.IsValidDevice(domain.Device(strings.ToLower(d))) {
			return fmt.Errorf("invalid device: %s (valid: cpu, cuda, metal, rocm)", d)
		}
	}
	if s.ContextWindow < 0 {
		return fmt.Errorf("contextWindow must not be negative")
	}
	return nil
}

// resolveFormat returns the declared format, or guesses it from the
// artifact file name. Remote models with no declared format are UNKNOWN.
func (s *ManifestSpec) resolveFormat() domain.ModelFormat {
	if s.Format != "" {
		return domain.ModelFormat(strings.ToUpper(s.Format))
	}
	if s.Artifact != "" {
		return domain.FormatFromPath(s.Artifact)
	}
	return domain.FormatUnknown
}

// ToManifest converts a ManifestSpec to a domain.ModelManifest
func (s *ManifestSpec) ToManifest(id string) (*domain.ModelManifest, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m := &domain.ModelManifest{
		ID:            id,
		Name:          s.Name,
		Version:       s.Version,
		Format:        s.resolveFormat(),
		ArtifactURI:   s.Artifact,
		Aliases:       s.Aliases,
		ContextWindow: s.ContextWindow,
		DefaultParams: s.DefaultParams,
		Providers:     s.Providers,
		Credentials:   s.Credentials,
	}

	if s.PreferredDevice != "" {
		m.PreferredDevice = domain.Device(strings.ToLower(s.PreferredDevice))
	}
	for _, d := range s.Devices {
		m.Devices = append(m.Devices, domain.Device(strings.ToLower(d)))
	}

	if s.Resources != nil {
		m.Resources = domain.ResourceHints{
			MinMemoryMB:  s.Resources.MinMemoryMB,
			MinVRAMMB:    s.Resources.MinVRAMMB,
			ContextBytes: s.Resources.ContextBytes,
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ExampleYAML returns an example YAML spec
func ExampleYAML() string {
	return `# Helios Model Manifest
apiVersion: helios/v1
kind: Model

name: llama3-8b-instruct
version: "1.0"
aliases:
  - llama3
  - llama3:8b

format: gguf
artifact: file:///var/lib/helios/models/llama3-8b-instruct.Q4_K_M.gguf

# Placement
preferredDevice: cuda
devices:
  - cuda
  - cpu
contextWindow: 8192

# Resource hints
resources:
  minMemoryMB: 6144
  minVRAMMB: 5120

# Defaults applied when the request leaves params unset
defaultParams:
  temperature: 0.7
  max_tokens: 1024

# Pin to specific providers (optional, empty = any capable provider)
providers: []

# Credential references (use $SECRET:name for the encrypted store)
credentials:
  HF_TOKEN: $SECRET:hf_token
`
}
