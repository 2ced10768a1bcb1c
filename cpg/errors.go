// Package cpg defines the domain model for contextualized process graphs:
// graph templates, process instances, execution context, events, decision
// traces, and the shared error taxonomy.
package cpg

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors into the fixed taxonomy used across
// public operations, traces, and remediation routing.
type ErrorKind string

const (
	KindGraphNotFound        ErrorKind = "graph-not-found"
	KindNodeNotFound         ErrorKind = "node-not-found"
	KindInstanceNotFound     ErrorKind = "instance-not-found"
	KindInvalidState         ErrorKind = "invalid-state"
	KindInvalidContext       ErrorKind = "invalid-context"
	KindPreconditionFailed   ErrorKind = "precondition-failed"
	KindPolicyBlocked        ErrorKind = "policy-blocked"
	KindRuleEvaluationFailed ErrorKind = "rule-evaluation-failed"
	KindGuardFailed          ErrorKind = "guard-failed"
	KindActionFailed         ErrorKind = "action-failed"
	KindExpressionError      ErrorKind = "expression-error"
	KindTimeout              ErrorKind = "timeout"
	KindCompensationFailed   ErrorKind = "compensation-failed"
	KindBackpressure         ErrorKind = "backpressure"
	KindAlreadyTerminal      ErrorKind = "already-terminal"
	KindUnknown              ErrorKind = "unknown"
)

// Error is the typed error returned by the engine's public operations.
//
// Kind carries the taxonomy entry, Message the human-readable detail, and
// Err the wrapped cause (if any). Errors compare by Kind via IsKind, so
// callers never need to match on message text.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause into a typed error.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the taxonomy kind from an error chain.
// Untyped errors report KindUnknown; nil reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or any wrapped cause) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
