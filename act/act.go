// Package act resolves and runs node actions. The engine hands each
// selected node to a Handler looked up from the registry by action type and
// handler reference; the handler reports success or a typed failure that
// the compensation machinery routes.
package act

import (
	"context"

	"github.com/cpgflow/cpgflow/cpg"
)

// Request carries everything a handler may need for one invocation.
// Scope and RuleOutputs are copies; handlers can read them freely but
// mutations are not seen by the engine.
type Request struct {
	InstanceID  string
	NodeID      string
	ActionType  cpg.ActionType
	HandlerRef  string
	Config      cpg.ActionConfig
	Scope       map[string]any
	RuleOutputs map[string]any

	// Attempt is zero on the first invocation and counts retries after.
	Attempt int
}

// Result is the outcome of one handler invocation. On success, Output is
// deep-merged into accumulated state. On failure, ErrorType selects the
// remediation route and Retryable marks transient errors eligible for the
// default retry path.
type Result struct {
	Success   bool
	Output    map[string]any
	Retryable bool
	ErrorType string
	Error     string
}

// Failure builds a failed Result with the given route type and message.
func Failure(errorType, message string, retryable bool) Result {
	return Result{ErrorType: errorType, Error: message, Retryable: retryable}
}

// Success builds a successful Result carrying the given output.
func Success(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

// Handler executes one node action. Implementations must honor context
// cancellation promptly; the engine enforces the per-action timeout through
// the context it passes.
type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Execute calls the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
