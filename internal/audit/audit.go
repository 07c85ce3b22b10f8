// Package audit builds and delivers tamper-evident audit events. Every
// event carries a SHA-256 hash over its identity fields; verification
// recomputes the hash, so any edit to who did what, when, is detectable
// even in an exported trail.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Event names emitted by the kernel itself. Controlplane handlers emit
// their own mutation events using the same envelope.
const (
	EventRequestCompleted = "request-completed"
	EventRequestFailed    = "request-failed"
	EventModelRegistered  = "model-registered"
	EventModelUpdated     = "model-updated"
	EventModelDeleted     = "model-deleted"
	EventBreakerTripped   = "breaker-tripped"
	EventBreakerReset     = "breaker-reset"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Actor identifies who caused an audited action.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// SystemActor is the kernel acting on its own behalf.
func SystemActor(nodeID string) Actor {
	return Actor{Type: "system", ID: nodeID}
}

// UserActor is an authenticated caller, typically the request's actor
// resolved by the auth layer.
func UserActor(id, role string) Actor {
	return Actor{Type: "user", ID: id, Role: role}
}

// Event is one audit trail entry. The hash seals Timestamp, RunID,
// NodeID, Actor.ID and Name; the remaining fields are descriptive
// payload and may be set freely before delivery.
type Event struct {
	Timestamp       time.Time         `json:"timestamp"`
	RunID           string            `json:"runId"`
	NodeID          string            `json:"nodeId"`
	Actor           Actor             `json:"actor"`
	Name            string            `json:"event"`
	Level           string            `json:"level,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ContextSnapshot map[string]any    `json:"contextSnapshot,omitempty"`
	Hash            string            `json:"hash"`
}

// New builds a sealed event stamped with the current time. The
// timestamp is truncated to microseconds: postgres stores no finer, and
// the hash must survive a store round trip.
func New(runID, nodeID string, actor Actor, name string) Event {
	e := Event{
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		RunID:     runID,
		NodeID:    nodeID,
		Actor:     actor,
		Name:      name,
		Level:     LevelInfo,
	}
	e.Seal()
	return e
}

// HashOf computes the tamper-evidence hash: lowercase hex SHA-256 over
// "timestamp|runId|nodeId|actorId|event" with the timestamp rendered
// RFC3339Nano in UTC.
func HashOf(ts time.Time, runID, nodeID, actorID, event string) string {
	payload := strings.Join([]string{
		ts.UTC().Format(time.RFC3339Nano),
		runID,
		nodeID,
		actorID,
		event,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Seal stamps the hash from the event's current identity fields. Call
// again after changing any of them.
func (e *Event) Seal() {
	e.Hash = HashOf(e.Timestamp, e.RunID, e.NodeID, e.Actor.ID, e.Name)
}

// Verify recomputes the hash and reports whether the identity fields
// still match it.
func (e *Event) Verify() bool {
	return e.Hash != "" &&
		e.Hash == HashOf(e.Timestamp, e.RunID, e.NodeID, e.Actor.ID, e.Name)
}

// WithLevel sets the severity and returns the event for chaining.
func (e Event) WithLevel(level string) Event {
	e.Level = level
	return e
}

// WithTags appends classification tags. The tag slice is copied so
// derived events never share backing storage.
func (e Event) WithTags(tags ...string) Event {
	out := make([]string, 0, len(e.Tags)+len(tags))
	out = append(out, e.Tags...)
	out = append(out, tags...)
	e.Tags = out
	return e
}

// WithMeta attaches one metadata key, copying the map so derived events
// stay independent.
func (e Event) WithMeta(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// WithSnapshot attaches the execution context snapshot.
func (e Event) WithSnapshot(snap map[string]any) Event {
	e.ContextSnapshot = snap
	return e
}
