// Package agenterrors provides the error taxonomy shared by every component
// of the orchestrator: engine, orchestrator, state store, working-copy
// manager, resilience layer and feedback loop all classify failures into one
// of a small set of kinds rather than comparing against ad-hoc sentinel
// values.
package agenterrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	Configuration    Kind = "configuration"
	BudgetExceeded   Kind = "budget_exceeded"
	RateLimited      Kind = "rate_limited"
	InvalidTransition Kind = "invalid_transition"
	NotFound         Kind = "not_found"
	Storage          Kind = "storage"
	Network          Kind = "network"
	Timeout          Kind = "timeout"
	CircuitOpen      Kind = "circuit_open"
	AgentProvider    Kind = "agent_provider"
	VersionControl   Kind = "version_control"
	FeedbackParse    Kind = "feedback_parse"
	Unknown          Kind = "unknown"
)

// retryableKinds are the kinds the resilience layer's retry wrapper will
// re-attempt on its own; everything else is surfaced immediately.
var retryableKinds = map[Kind]bool{
	Network:     true,
	Timeout:     true,
	RateLimited: true,
}

// Error is the structured error every component returns. It carries enough
// context for the caller to decide how to react without string-matching.
type Error struct {
	Kind      Kind
	Operation string // operation label, used by CircuitOpen and for logging
	Message   string
	ReopenAt  time.Time // set only for CircuitOpen
	RetryAfter time.Duration // set when the upstream carried a retry-after hint
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	base := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Operation != "" {
		base = fmt.Sprintf("%s [%s]", base, e.Operation)
	}
	if e.Err != nil {
		base = fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the resilience layer should retry an operation
// that failed with this error.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// New constructs a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOperation attaches the operation label used for circuit-breaker
// reporting and structured logging.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithSession attaches the session id, included in user-visible failures.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// CircuitOpenError builds the non-retryable error the circuit breaker
// returns while open, carrying the time at which it will next allow a probe.
func CircuitOpenError(operation string, reopenAt time.Time) *Error {
	return &Error{
		Kind:      CircuitOpen,
		Operation: operation,
		Message:   "circuit open",
		ReopenAt:  reopenAt,
	}
}

// NotFoundError builds a NotFound error for a missing issue, session or
// working copy.
func NotFoundError(entity, id string) *Error {
	msg := fmt.Sprintf("%s not found", entity)
	if id != "" {
		msg = fmt.Sprintf("%s '%s' not found", entity, id)
	}
	return &Error{Kind: NotFound, Message: msg}
}

// InvalidTransitionError builds the programmer-error kind raised when a
// state-store caller requests a transition not present in the allowed table.
func InvalidTransitionError(from, to string) *Error {
	return &Error{
		Kind:    InvalidTransition,
		Message: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
	}
}

// BudgetExceededError builds the error admission returns when a daily or
// monthly limit would be exceeded.
func BudgetExceededError(reason string) *Error {
	return &Error{Kind: BudgetExceeded, Message: reason}
}

// RateLimitedError builds the error admission returns when the publish-rate
// gate refuses, carrying the next local-midnight time the caller may retry.
func RateLimitedError(reason string, nextAvailable time.Time) *Error {
	return &Error{
		Kind:       RateLimited,
		Message:    reason,
		RetryAfter: time.Until(nextAvailable),
	}
}

// TimeoutError builds the error the watchdog returns when an operation has
// made no progress within its configured timeout.
func TimeoutError(operation string) *Error {
	return &Error{Kind: Timeout, Operation: operation, Message: "operation timed out"}
}

// Is reports whether err classifies as the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, or Unknown if err does not
// carry one.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if err == nil {
		return ""
	}
	return Unknown
}

// AsError extracts the *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}
