package observability

import (
	"log/slog"
	"time"

	"github.com/helioslabs/helios/internal/engine"
	"github.com/helioslabs/helios/internal/logging"
	"github.com/helioslabs/helios/internal/pipeline"
)

// DefaultSlowPhase is the duration above which a completed phase is
// logged at warning level. PROVIDER_DISPATCH routinely exceeds it, which
// is the point: everything else finishing that slowly is worth a look.
const DefaultSlowPhase = 2 * time.Second

// PhaseObserver logs phase boundaries and terminal outcomes of kernel
// executions. It runs inline on the execution path, so it only writes
// log lines and never blocks.
type PhaseObserver struct {
	logger *slog.Logger
	slow   time.Duration
}

// NewPhaseObserver builds the standard observer over the operational
// logger.
func NewPhaseObserver() *PhaseObserver {
	return &PhaseObserver{
		logger: logging.Op().With("component", "pipeline"),
		slow:   DefaultSlowPhase,
	}
}

// WithSlowThreshold overrides the slow-phase warning threshold. Zero
// disables the warning.
func (o *PhaseObserver) WithSlowThreshold(d time.Duration) *PhaseObserver {
	o.slow = d
	return o
}

// OnPhase implements pipeline.Observer.
func (o *PhaseObserver) OnPhase(ec *engine.Context, phase pipeline.Phase, d time.Duration, err error) {
	tok := ec.Token()
	switch {
	case err != nil:
		o.logger.Warn("phase failed",
			"run_id", tok.RunID, "phase", phase, "duration", d, "error", err)
	case o.slow > 0 && d >= o.slow && phase != pipeline.PhaseProviderDispatch:
		o.logger.Warn("slow phase",
			"run_id", tok.RunID, "phase", phase, "duration", d)
	default:
		o.logger.Debug("phase complete",
			"run_id", tok.RunID, "phase", phase, "duration", d)
	}
}

// OnTerminal implements pipeline.Observer.
func (o *PhaseObserver) OnTerminal(ec *engine.Context, state engine.State) {
	tok := ec.Token()
	if state.IsError() {
		o.logger.Warn("execution failed",
			"run_id", tok.RunID, "state", state, "phase", tok.Phase)
		return
	}
	o.logger.Info("execution finished",
		"run_id", tok.RunID, "state", state, "trace_id", tok.TraceID)
}
