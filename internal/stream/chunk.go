// Package stream carries inference output between providers and clients:
// the chunk framing both sides agree on, SSE and WebSocket transports,
// and the accumulator that rebuilds the full response from chunks.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/helioslabs/helios/internal/domain"
)

// Chunk is one unit of streamed inference output. Indices start at 0 and
// increase by exactly 1. Exactly one chunk per stream has Last set, and
// only that chunk carries a finish reason.
type Chunk struct {
	RequestID    string              `json:"request_id"`
	Delta        string              `json:"delta"`
	Index        int                 `json:"index"`
	Last         bool                `json:"last,omitempty"`
	FinishReason domain.FinishReason `json:"finish_reason,omitempty"`
}

// Emit delivers one chunk downstream. Providers call it once per chunk,
// in order; a non-nil return aborts the stream.
type Emit func(Chunk) error

// Sequencing violations detected by the accumulator.
var (
	ErrOutOfOrderChunk   = errors.New("stream: out-of-order chunk index")
	ErrChunkAfterLast    = errors.New("stream: chunk received after final chunk")
	ErrFinishWithoutLast = errors.New("stream: finish reason on non-final chunk")
)

// Accumulator folds a chunk sequence back into the full response text so
// post-processing and audit see the complete output even in streaming
// mode. It also enforces chunk sequencing.
type Accumulator struct {
	requestID string
	text      strings.Builder
	next      int
	last      bool
	finish    domain.FinishReason
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one chunk in. It rejects out-of-order indices, chunks after
// the final chunk, and finish reasons on non-final chunks.
func (a *Accumulator) Add(c Chunk) error {
	if a.last {
		return fmt.Errorf("%w: index %d", ErrChunkAfterLast, c.Index)
	}
	if c.Index != a.next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrderChunk, c.Index, a.next)
	}
	if c.FinishReason != "" && !c.Last {
		return fmt.Errorf("%w: index %d", ErrFinishWithoutLast, c.Index)
	}

	if a.requestID == "" {
		a.requestID = c.RequestID
	}
	a.text.WriteString(c.Delta)
	a.next++
	if c.Last {
		a.last = true
		a.finish = c.FinishReason
		if a.finish == "" {
			a.finish = domain.FinishStop
		}
	}
	return nil
}

// Text returns the concatenated deltas folded so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Chunks returns how many chunks were folded.
func (a *Accumulator) Chunks() int { return a.next }

// Completed reports whether the final chunk arrived.
func (a *Accumulator) Completed() bool { return a.last }

// FinishReason returns the stream's finish reason, defaulting to stop
// when the final chunk carried none. Empty until completion.
func (a *Accumulator) FinishReason() domain.FinishReason { return a.finish }

// RequestID returns the request identifier from the first chunk.
func (a *Accumulator) RequestID() string { return a.requestID }

// Response assembles an InferenceResponse from the accumulated stream.
// The caller fills provider identity, usage, and timings.
func (a *Accumulator) Response() *domain.InferenceResponse {
	finish := a.finish
	if !a.last {
		finish = domain.FinishCancelled
	}
	return &domain.InferenceResponse{
		RequestID:    a.requestID,
		Text:         a.text.String(),
		FinishReason: finish,
	}
}
