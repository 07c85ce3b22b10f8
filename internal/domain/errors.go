package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrType classifies an inference failure on the wire.
type ErrType string

const (
	ErrTypeValidation          ErrType = "VALIDATION"
	ErrTypeAuthentication      ErrType = "AUTHENTICATION"
	ErrTypeAuthorization       ErrType = "AUTHORIZATION"
	ErrTypeQuota               ErrType = "QUOTA"
	ErrTypeRateLimited         ErrType = "RATE_LIMITED"
	ErrTypeCapacity            ErrType = "CAPACITY"
	ErrTypeTimeout             ErrType = "TIMEOUT"
	ErrTypeCancelled           ErrType = "CANCELLED"
	ErrTypeProviderUnavailable ErrType = "PROVIDER_UNAVAILABLE"
	ErrTypeProviderInternal    ErrType = "PROVIDER_INTERNAL"
	ErrTypeMalformedResponse   ErrType = "MALFORMED_RESPONSE"
	ErrTypeCircuitOpen         ErrType = "CIRCUIT_OPEN"
	ErrTypeAllRunnersFailed    ErrType = "ALL_RUNNERS_FAILED"
	ErrTypeInternal            ErrType = "INTERNAL"
)

// retryableTypes are the classes a caller may safely resubmit. Validation,
// auth, and quota failures will fail the same way again.
var retryableTypes = map[ErrType]bool{
	ErrTypeRateLimited:         true,
	ErrTypeCapacity:            true,
	ErrTypeTimeout:             true,
	ErrTypeProviderUnavailable: true,
	ErrTypeProviderInternal:    true,
	ErrTypeCircuitOpen:         true,
	ErrTypeAllRunnersFailed:    true,
}

var suggestedActions = map[ErrType]string{
	ErrTypeValidation:          "fix the request and resubmit",
	ErrTypeAuthentication:      "supply a valid API key",
	ErrTypeAuthorization:       "request access to this model or tenant",
	ErrTypeQuota:               "reduce usage or upgrade the tenant tier",
	ErrTypeRateLimited:         "back off and retry after the indicated delay",
	ErrTypeCapacity:            "retry after the indicated delay",
	ErrTypeTimeout:             "retry with a longer inference_timeout_ms or a smaller request",
	ErrTypeCancelled:           "none; the caller cancelled",
	ErrTypeProviderUnavailable: "retry; the kernel will select another provider",
	ErrTypeProviderInternal:    "retry; if persistent, check provider logs",
	ErrTypeMalformedResponse:   "report the provider; the response could not be parsed",
	ErrTypeCircuitOpen:         "retry after the estimated recovery time",
	ErrTypeAllRunnersFailed:    "retry later; all candidate runners rejected the request",
	ErrTypeInternal:            "report with the request_id",
}

// AttemptFailure records one failed dispatch attempt inside a fallback
// sequence.
type AttemptFailure struct {
	ProviderID string `json:"provider_id"`
	RunnerKind string `json:"runner_kind,omitempty"`
	Attempt    int    `json:"attempt"`
	ErrType    ErrType `json:"err_type"`
	Message    string `json:"message"`
}

// Error is the kernel's failure value. It carries the full wire envelope
// so any layer can surface it without re-deriving context.
type Error struct {
	Type            ErrType
	Message         string
	Details         map[string]any
	OriginNode      string
	OriginRunID     string
	Attempt         int
	MaxAttempts     int
	Timestamp       time.Time
	SuggestedAction string
	ProvenanceRef   string

	// Attempts is populated on ALL_RUNNERS_FAILED and serialized under
	// details.attempts.
	Attempts []AttemptFailure

	// RetryAfter, when positive, drives the Retry-After header and
	// details.retry_after_ms.
	RetryAfter time.Duration

	noRetry bool
	cause   error
}

// NewError builds an Error of the given type with the default suggested
// action for that type.
func NewError(t ErrType, msg string) *Error {
	return &Error{
		Type:            t,
		Message:         msg,
		Timestamp:       time.Now().UTC(),
		SuggestedAction: suggestedActions[t],
	}
}

// WrapError builds an Error that records cause for errors.Is/As chains.
func WrapError(t ErrType, msg string, cause error) *Error {
	e := NewError(t, msg)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by type, so sentinel values like
// ErrRateLimited work with errors.Is across wrap chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// Retryable reports whether a caller may resubmit this failure.
func (e *Error) Retryable() bool { return !e.noRetry && retryableTypes[e.Type] }

// NotRetryable marks the failure terminal regardless of type. Used when
// partial output already reached the caller, so a resubmission would
// duplicate what was delivered.
func (e *Error) NotRetryable() *Error {
	e.noRetry = true
	return e
}

// WithDetail attaches one key to the envelope details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 4)
	}
	e.Details[key] = value
	return e
}

// WithOrigin stamps where the failure happened.
func (e *Error) WithOrigin(node, runID string) *Error {
	e.OriginNode = node
	e.OriginRunID = runID
	return e
}

// WithAttempt stamps the fallback position of the failure.
func (e *Error) WithAttempt(attempt, max int) *Error {
	e.Attempt = attempt
	e.MaxAttempts = max
	return e
}

// WithRetryAfter sets the advisory backoff surfaced to the caller.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// envelope is the wire form. Field names are part of the public API.
type envelope struct {
	Type            ErrType        `json:"type"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	Retryable       bool           `json:"retryable"`
	OriginNode      string         `json:"originNode,omitempty"`
	OriginRunID     string         `json:"originRunId,omitempty"`
	Attempt         int            `json:"attempt,omitempty"`
	MaxAttempts     int            `json:"maxAttempts,omitempty"`
	Timestamp       string         `json:"timestamp"`
	SuggestedAction string         `json:"suggestedAction,omitempty"`
	ProvenanceRef   string         `json:"provenanceRef,omitempty"`
}

// MarshalJSON renders the wire envelope. Attempts and RetryAfter fold
// into details; the timestamp is RFC3339Nano in UTC.
func (e *Error) MarshalJSON() ([]byte, error) {
	details := e.Details
	if len(e.Attempts) > 0 || e.RetryAfter > 0 {
		details = make(map[string]any, len(e.Details)+2)
		for k, v := range e.Details {
			details[k] = v
		}
		if len(e.Attempts) > 0 {
			details["attempts"] = e.Attempts
		}
		if e.RetryAfter > 0 {
			details["retry_after_ms"] = e.RetryAfter.Milliseconds()
		}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(envelope{
		Type:            e.Type,
		Message:         e.Message,
		Details:         details,
		Retryable:       e.Retryable(),
		OriginNode:      e.OriginNode,
		OriginRunID:     e.OriginRunID,
		Attempt:         e.Attempt,
		MaxAttempts:     e.MaxAttempts,
		Timestamp:       ts.UTC().Format(time.RFC3339Nano),
		SuggestedAction: e.SuggestedAction,
		ProvenanceRef:   e.ProvenanceRef,
	})
}

// Sentinels for errors.Is at package boundaries.
var (
	ErrValidation          = &Error{Type: ErrTypeValidation}
	ErrAuthentication      = &Error{Type: ErrTypeAuthentication}
	ErrAuthorization       = &Error{Type: ErrTypeAuthorization}
	ErrQuota               = &Error{Type: ErrTypeQuota}
	ErrRateLimited         = &Error{Type: ErrTypeRateLimited}
	ErrNoCapacity          = &Error{Type: ErrTypeCapacity}
	ErrTimeout             = &Error{Type: ErrTypeTimeout}
	ErrCancelled           = &Error{Type: ErrTypeCancelled}
	ErrProviderUnavailable = &Error{Type: ErrTypeProviderUnavailable}
	ErrProviderInternal    = &Error{Type: ErrTypeProviderInternal}
	ErrMalformedResponse   = &Error{Type: ErrTypeMalformedResponse}
	ErrCircuitOpen         = &Error{Type: ErrTypeCircuitOpen}
	ErrAllRunnersFailed    = &Error{Type: ErrTypeAllRunnersFailed}
)

// AllRunnersFailed builds the terminal fallback error from the
// per-candidate attempt record.
func AllRunnersFailed(attempts []AttemptFailure) *Error {
	e := NewError(ErrTypeAllRunnersFailed,
		fmt.Sprintf("all %d candidate runners failed", len(attempts)))
	e.Attempts = attempts
	return e
}

// Classify maps any error to its wire type. Context errors map to
// TIMEOUT and CANCELLED; everything unrecognized is INTERNAL.
func Classify(err error) ErrType {
	var de *Error
	if errors.As(err, &de) {
		return de.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrTypeCancelled
	}
	return ErrTypeInternal
}

// IsRetryable reports whether the orchestrator may try another candidate
// after this error.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return retryableTypes[Classify(err)]
}

// AsError coerces err into an *Error, classifying foreign errors.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	t := Classify(err)
	return WrapError(t, err.Error(), err)
}

// HTTPStatus maps a failure type to its response status.
func HTTPStatus(t ErrType) int {
	switch t {
	case ErrTypeValidation:
		return http.StatusBadRequest
	case ErrTypeAuthentication:
		return http.StatusUnauthorized
	case ErrTypeAuthorization:
		return http.StatusForbidden
	case ErrTypeQuota, ErrTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrTypeCapacity, ErrTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrTypeCancelled:
		return 499
	case ErrTypeProviderUnavailable, ErrTypeProviderInternal,
		ErrTypeMalformedResponse, ErrTypeAllRunnersFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
