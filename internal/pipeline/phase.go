// Package pipeline defines the ordered phases every inference execution
// moves through, the plugin machinery that attaches work to them, and
// the executor that drives an execution across all ten while keeping
// the state machine honest.
package pipeline

// Phase is one stage of the execution pipeline.
type Phase string

const (
	PhasePreValidate      Phase = "PRE_VALIDATE"
	PhaseValidate         Phase = "VALIDATE"
	PhaseAuthorize        Phase = "AUTHORIZE"
	PhaseRoute            Phase = "ROUTE"
	PhasePreProcessing    Phase = "PRE_PROCESSING"
	PhaseProviderDispatch Phase = "PROVIDER_DISPATCH"
	PhasePostProcessing   Phase = "POST_PROCESSING"
	PhaseAudit            Phase = "AUDIT"
	PhaseObservability    Phase = "OBSERVABILITY"
	PhaseCleanup          Phase = "CLEANUP"
)

// ordered is the fixed execution order.
var ordered = []Phase{
	PhasePreValidate,
	PhaseValidate,
	PhaseAuthorize,
	PhaseRoute,
	PhasePreProcessing,
	PhaseProviderDispatch,
	PhasePostProcessing,
	PhaseAudit,
	PhaseObservability,
	PhaseCleanup,
}

// Ordered returns the phases in execution order.
func Ordered() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered)
	return out
}

// Properties describe how the executor treats a phase.
type Properties struct {
	// Critical phases fail the execution when they fail.
	Critical bool
	// Retryable phases are re-run with backoff on retryable errors.
	Retryable bool
	// Idempotent phases are safe to run more than once.
	Idempotent bool
	// RunsOnError phases execute even after the pipeline aborted,
	// in best-effort mode.
	RunsOnError bool
}

var properties = map[Phase]Properties{
	PhasePreValidate:      {Critical: true, Idempotent: true},
	PhaseValidate:         {Critical: true, Idempotent: true},
	PhaseAuthorize:        {Critical: true, Idempotent: true},
	PhaseRoute:            {Retryable: true, Idempotent: true},
	PhasePreProcessing:    {Idempotent: true},
	PhaseProviderDispatch: {Critical: true, Retryable: true},
	PhasePostProcessing:   {Idempotent: true},
	PhaseAudit:            {Idempotent: true, RunsOnError: true},
	PhaseObservability:    {Idempotent: true, RunsOnError: true},
	PhaseCleanup:          {Idempotent: true, RunsOnError: true},
}

// PropsOf returns the properties of p; the zero value for unknown
// phases.
func PropsOf(p Phase) Properties {
	return properties[p]
}

// IsValid reports whether p is one of the ten pipeline phases.
func IsValid(p Phase) bool {
	_, ok := properties[p]
	return ok
}

// Index returns the position of p in execution order, -1 when unknown.
func Index(p Phase) int {
	for i, ph := range ordered {
		if ph == p {
			return i
		}
	}
	return -1
}
