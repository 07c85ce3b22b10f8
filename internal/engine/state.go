// Package engine implements the deterministic execution state machine
// that drives every inference run, and the immutable execution token
// that publishes its progress.
//
// The transition function is pure and total over the closed signal set:
// CREATED and RUNNING absorb unlisted signals in place, the fully
// terminal states (COMPLETED, FAILED, CANCELLED) swallow everything,
// and the remaining states reject unlisted signals with
// ErrIllegalTransition.
package engine

import "errors"

// State is the lifecycle position of one execution.
type State string

const (
	StateCreated     State = "CREATED"
	StateRunning     State = "RUNNING"
	StateWaiting     State = "WAITING"
	StateSuspended   State = "SUSPENDED"
	StateRetrying    State = "RETRYING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCompensated State = "COMPENSATED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether the execution outcome is decided.
// COMPENSATED is terminal even though it still accepts
// COMPENSATION_DONE to record the end of rollback.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateCancelled:
		return true
	}
	return false
}

// IsError reports whether the state represents a failed outcome.
func (s State) IsError() bool {
	return s == StateFailed
}

// IsValidState returns true if the state is recognized.
func IsValidState(s State) bool {
	switch s {
	case StateCreated, StateRunning, StateWaiting, StateSuspended,
		StateRetrying, StateCompleted, StateFailed, StateCompensated,
		StateCancelled:
		return true
	}
	return false
}

// Signal is an event fired at the machine.
type Signal string

const (
	SignalStart            Signal = "START"
	SignalPhaseSuccess     Signal = "PHASE_SUCCESS"
	SignalPhaseFailure     Signal = "PHASE_FAILURE"
	SignalExecutionSuccess Signal = "EXECUTION_SUCCESS"
	SignalExecutionFailure Signal = "EXECUTION_FAILURE"
	SignalRetryExhausted   Signal = "RETRY_EXHAUSTED"
	SignalWaitRequested    Signal = "WAIT_REQUESTED"
	SignalApproved         Signal = "APPROVED"
	SignalRejected         Signal = "REJECTED"
	SignalCompensate       Signal = "COMPENSATE"
	SignalCompensationDone Signal = "COMPENSATION_DONE"
	SignalCancel           Signal = "CANCEL"
	SignalResume           Signal = "RESUME"
)

// SignalSuspend is the pseudo-signal recorded in transition history by
// the administrative Machine.Suspend operation. It is not part of the
// signal set: firing it returns ErrIllegalTransition.
const SignalSuspend Signal = "SUSPEND"

// IsValidSignal returns true if the signal belongs to the closed set.
func IsValidSignal(sig Signal) bool {
	switch sig {
	case SignalStart, SignalPhaseSuccess, SignalPhaseFailure,
		SignalExecutionSuccess, SignalExecutionFailure,
		SignalRetryExhausted, SignalWaitRequested, SignalApproved,
		SignalRejected, SignalCompensate, SignalCompensationDone,
		SignalCancel, SignalResume:
		return true
	}
	return false
}

// ErrIllegalTransition is returned when a signal is not legal in the
// machine's current state.
var ErrIllegalTransition = errors.New("engine: illegal state transition")

// transitions lists the explicit state changes. Pairs not present here
// resolve by state class: CREATED and RUNNING self-transition, fully
// terminal states ignore the signal, everything else rejects.
var transitions = map[State]map[Signal]State{
	StateCreated: {
		SignalStart:  StateRunning,
		SignalCancel: StateCancelled,
	},
	StateRunning: {
		SignalExecutionSuccess: StateCompleted,
		SignalPhaseFailure:     StateRetrying,
		SignalExecutionFailure: StateRetrying,
		SignalWaitRequested:    StateWaiting,
		SignalCompensate:       StateCompensated,
		SignalCancel:           StateCancelled,
	},
	StateRetrying: {
		SignalStart:          StateRunning,
		SignalResume:         StateRunning,
		SignalRetryExhausted: StateFailed,
		SignalCancel:         StateCancelled,
	},
	StateWaiting: {
		SignalApproved: StateRunning,
		SignalResume:   StateRunning,
		SignalRejected: StateFailed,
		SignalCancel:   StateCancelled,
	},
	StateSuspended: {
		SignalResume: StateRunning,
		SignalCancel: StateCancelled,
	},
	StateCompensated: {
		SignalCompensationDone: StateCompleted,
	},
}

// absorbs reports whether the state ignores every signal. COMPENSATED
// is excluded: it still accepts COMPENSATION_DONE and rejects the rest.
func absorbs(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// selfOnUnlisted reports whether unlisted signals leave the state in
// place rather than erroring.
func selfOnUnlisted(s State) bool {
	return s == StateCreated || s == StateRunning
}
