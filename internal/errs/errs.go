// Package errs carries the capital engine's error taxonomy. Every failure
// is classified with a Kind at the point it is raised; callers and the retry
// engine branch on the kind, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindWriteFailure        Kind = "WRITE_FAILURE"
	KindStateCorruption     Kind = "STATE_CORRUPTION"
	KindMissingSymbolData   Kind = "MISSING_SYMBOL_DATA"
	KindInvalidPosition     Kind = "INVALID_POSITION_DATA"
	KindNegativeCapital     Kind = "NEGATIVE_CAPITAL"
	KindCapitalMismatch     Kind = "CAPITAL_MISMATCH"
	KindInsufficientCapital Kind = "INSUFFICIENT_CAPITAL"
	KindAllocationOverflow  Kind = "ALLOCATION_OVERFLOW"
	KindAgentNotFound       Kind = "AGENT_NOT_FOUND"
	KindAgentInvalid        Kind = "AGENT_INVALID"
	KindDuplicateAgent      Kind = "DUPLICATE_AGENT"
	KindDecommissionFailed  Kind = "DECOMMISSION_FAILED"
	KindPositionUpdate      Kind = "POSITION_UPDATE_FAILED"
	KindOrderCancellation   Kind = "ORDER_CANCELLATION_FAILED"
	KindTimeout             Kind = "TIMEOUT"
	KindCircuitOpen         Kind = "CIRCUIT_BREAKER_OPEN"
	KindUnknown             Kind = "UNKNOWN"
)

// Retryable reports whether the retry engine may re-attempt an operation
// failing with this kind. Invariant violations and not-found conditions are
// caller errors; retrying them would never succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindWriteFailure, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf recovers the kind through any wrapping. Unclassified errors report
// KindUnknown; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is lets errors.Is match two classified errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}
