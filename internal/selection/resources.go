package selection

import "context"

// Resources is a free-capacity estimate for the node, in megabytes.
// Known is false when the node does not report capacity at all; the
// resource factor is then skipped for manifests that declare hints.
type Resources struct {
	RAMMB  int64 `json:"ram_mb"`
	VRAMMB int64 `json:"vram_mb"`
	Known  bool  `json:"known"`
}

// Fits reports whether the free estimate covers the manifest's minimums.
func (r Resources) Fits(minRAMMB, minVRAMMB int64) bool {
	if minRAMMB <= 0 && minVRAMMB <= 0 {
		return true
	}
	if !r.Known {
		return false
	}
	return r.RAMMB >= minRAMMB && r.VRAMMB >= minVRAMMB
}

// ResourceProbe reports the node's current free placement capacity.
// Implementations range from static configured totals to live views
// that subtract warm-runner reservations.
type ResourceProbe interface {
	FreeResources(ctx context.Context) Resources
}

// StaticProbe is a fixed free-capacity report, typically configured at
// daemon start for nodes without live accounting.
type StaticProbe Resources

func (p StaticProbe) FreeResources(context.Context) Resources { return Resources(p) }

// ProbeFunc adapts a function to the ResourceProbe interface.
type ProbeFunc func(ctx context.Context) Resources

func (f ProbeFunc) FreeResources(ctx context.Context) Resources { return f(ctx) }
