package pipeline

import (
	"context"

	"github.com/helioslabs/helios/internal/engine"
)

// Plugin is one unit of work attached to a phase. Execute receives the
// caller's context and the execution envelope; a returned error marks
// the plugin failed and lets the phase's properties decide what happens
// next. Plugins must confine their effects to the envelope.
type Plugin interface {
	ID() string
	Phase() Phase
	Order() int
	Execute(ctx context.Context, ec *engine.Context) error
}

// Lifecycle is implemented by plugins that need startup or teardown
// work. Initialize runs once when the kernel starts, Shutdown once when
// it stops.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown() error
}

type pluginFunc struct {
	id    string
	phase Phase
	order int
	fn    func(ctx context.Context, ec *engine.Context) error
}

// Func adapts a plain function into a Plugin.
func Func(id string, phase Phase, order int, fn func(ctx context.Context, ec *engine.Context) error) Plugin {
	return &pluginFunc{id: id, phase: phase, order: order, fn: fn}
}

func (p *pluginFunc) ID() string   { return p.id }
func (p *pluginFunc) Phase() Phase { return p.phase }
func (p *pluginFunc) Order() int   { return p.order }

func (p *pluginFunc) Execute(ctx context.Context, ec *engine.Context) error {
	return p.fn(ctx, ec)
}
