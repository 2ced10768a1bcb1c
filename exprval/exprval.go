// Package exprval evaluates guard, precondition, and correlation expressions
// against a flattened context scope using the expr-lang runtime.
//
// Expressions are compiled once and cached; the cache is bounded so a graph
// with many distinct guards cannot grow memory without limit.
package exprval

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cpgflow/cpgflow/cpg"
)

const (
	// DefaultCacheSize caps the number of compiled programs held at once.
	DefaultCacheSize = 256

	// DefaultTimeout bounds a single evaluation.
	DefaultTimeout = 2 * time.Second
)

// Evaluator compiles and runs expressions with a bounded program cache.
// Safe for concurrent use.
type Evaluator struct {
	mu        sync.Mutex
	programs  map[string]*vm.Program
	cacheSize int
	timeout   time.Duration
}

// New creates an Evaluator. Non-positive arguments fall back to the
// package defaults.
func New(cacheSize int, timeout time.Duration) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		programs:  make(map[string]*vm.Program, cacheSize),
		cacheSize: cacheSize,
		timeout:   timeout,
	}
}

// Evaluate compiles (or reuses) the expression and runs it against scope.
// Compile and runtime failures come back as KindExpressionError; an
// evaluation that outlives the deadline comes back as KindTimeout.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, cpg.WrapError(cpg.KindExpressionError,
			fmt.Sprintf("compile %q", expression), err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, runErr := expr.Run(program, scope)
		done <- outcome{value: v, err: runErr}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, cpg.WrapError(cpg.KindExpressionError,
				fmt.Sprintf("evaluate %q", expression), out.err)
		}
		return out.value, nil
	case <-runCtx.Done():
		return nil, cpg.WrapError(cpg.KindTimeout,
			fmt.Sprintf("evaluate %q", expression), runCtx.Err())
	}
}

// EvaluateBool evaluates the expression and reduces the result to
// truthiness.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	value, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// EvaluateAllTruthy evaluates expressions in order and returns the first
// one that is falsy, or an empty string when all pass. An evaluation error
// stops the walk and reports that expression.
func (e *Evaluator) EvaluateAllTruthy(ctx context.Context, expressions []string, scope map[string]any) (string, error) {
	for _, expression := range expressions {
		ok, err := e.EvaluateBool(ctx, expression, scope)
		if err != nil {
			return expression, err
		}
		if !ok {
			return expression, nil
		}
	}
	return "", nil
}

// compile returns a cached program or compiles and caches a new one.
// A full cache is dropped wholesale; recompiling is cheap relative to
// tracking recency, and steady-state graphs never hit the cap.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.programs[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	if len(e.programs) >= e.cacheSize {
		e.programs = make(map[string]*vm.Program, e.cacheSize)
	}
	e.programs[expression] = program
	return program, nil
}

// Truthy reduces an expression result to a boolean: false, nil, zero
// numbers, empty strings, and empty collections are falsy; everything else
// is truthy.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}
