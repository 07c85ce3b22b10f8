// Package provider defines the interface between the inference kernel and
// the backends that actually run models. Implementations include
// OpenAI-compatible HTTP servers, the Anthropic Messages API, AWS Bedrock
// and local websocket-bridged runners.
package provider

import (
	"context"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/stream"
)

// HealthState classifies how usable a provider currently is.
type HealthState string

const (
	HealthHealthy   HealthState = "HEALTHY"
	HealthDegraded  HealthState = "DEGRADED"
	HealthUnhealthy HealthState = "UNHEALTHY"
	HealthUnknown   HealthState = "UNKNOWN"
)

// HealthSnapshot is one observation of a provider's health.
type HealthSnapshot struct {
	State     HealthState   `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`

	// LoadFactor is the provider's self-reported utilization in [0,1].
	// Negative means unreported.
	LoadFactor float64 `json:"load_factor"`
}

// Info describes a provider for operators and the controlplane.
type Info struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Version  string `json:"version,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Capabilities declares what a provider can serve. Selection scores
// candidates against the model manifest using these fields.
type Capabilities struct {
	Formats         []domain.ModelFormat `json:"formats"`
	Devices         []domain.Device      `json:"devices"`
	PreferredDevice domain.Device        `json:"preferred_device,omitempty"`
	MaxContext      int                  `json:"max_context,omitempty"`
	MaxBatch        int                  `json:"max_batch,omitempty"`
	Streaming       bool                 `json:"streaming"`
	Sessions        bool                 `json:"sessions"`

	// ConvertFormats lists formats the provider serves only after an
	// on-load conversion. They pass compatibility checks but are slower
	// to warm than the native Formats.
	ConvertFormats []domain.ModelFormat `json:"convert_formats,omitempty"`

	// Cost per million tokens in micro-USD. Zero means free or unknown.
	CostPerMTokIn  int64 `json:"cost_per_mtok_in,omitempty"`
	CostPerMTokOut int64 `json:"cost_per_mtok_out,omitempty"`
}

// SupportsFormat reports whether the provider serves the format natively.
func (c Capabilities) SupportsFormat(f domain.ModelFormat) bool {
	for i := 0; i < len(c.Formats); i++ {
		if c.Formats[i] == f {
			return true
		}
	}
	return false
}

// CanServeFormat reports whether the provider serves the format at all,
// natively or by converting at load time.
func (c Capabilities) CanServeFormat(f domain.ModelFormat) bool {
	if c.SupportsFormat(f) {
		return true
	}
	for i := 0; i < len(c.ConvertFormats); i++ {
		if c.ConvertFormats[i] == f {
			return true
		}
	}
	return false
}

// SupportsDevice reports whether the provider can place work on the device.
func (c Capabilities) SupportsDevice(d domain.Device) bool {
	for i := 0; i < len(c.Devices); i++ {
		if c.Devices[i] == d {
			return true
		}
	}
	return false
}

// Provider executes inference against one backend.
//
// Health must be cheap: the registry caches snapshots and calls it at most
// once per TTL window, but implementations should still avoid heavyweight
// probes. Complete and Stream must honor ctx cancellation.
type Provider interface {
	ID() string
	Info() Info
	Capabilities() Capabilities
	Health(ctx context.Context) HealthSnapshot
	Complete(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error)
	Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error
}

// Closer is implemented by providers holding connections or processes that
// must be released on shutdown.
type Closer interface {
	Close() error
}

// Description bundles everything the controlplane exposes about one
// registered provider.
type Description struct {
	ID           string         `json:"id"`
	Info         Info           `json:"info"`
	Capabilities Capabilities   `json:"capabilities"`
	Health       HealthSnapshot `json:"health"`
}
