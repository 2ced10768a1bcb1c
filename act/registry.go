package act

import (
	"context"
	"sync"

	"github.com/cpgflow/cpgflow/cpg"
)

// Registry maps (actionType, handlerRef) pairs to handlers.
//
// Resolution falls back in three steps: the exact (type, ref) pair, then
// the type-wide handler registered with an empty ref, then the default
// handler. The default never fails, so a graph with unresolved references
// still runs end to end; its diagnostic output makes the gap visible in
// accumulated state.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[registryKey]Handler
	defaultHand Handler
}

type registryKey struct {
	actionType cpg.ActionType
	handlerRef string
}

// NewRegistry creates a registry with the diagnostic default handler.
func NewRegistry() *Registry {
	return &Registry{
		handlers:    map[registryKey]Handler{},
		defaultHand: HandlerFunc(defaultHandler),
	}
}

// Register binds a handler to an exact (actionType, handlerRef) pair.
func (r *Registry) Register(actionType cpg.ActionType, handlerRef string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey{actionType, handlerRef}] = h
}

// RegisterType binds a handler to every reference of an action type that
// has no exact registration.
func (r *Registry) RegisterType(actionType cpg.ActionType, h Handler) {
	r.Register(actionType, "", h)
}

// SetDefault replaces the fallback handler.
func (r *Registry) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHand = h
}

// Resolve returns the handler for the pair, walking the fallback chain.
func (r *Registry) Resolve(actionType cpg.ActionType, handlerRef string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[registryKey{actionType, handlerRef}]; ok {
		return h
	}
	if h, ok := r.handlers[registryKey{actionType, ""}]; ok {
		return h
	}
	return r.defaultHand
}

// defaultHandler succeeds with a diagnostic output so unresolved handler
// references surface in state instead of stalling the instance.
func defaultHandler(_ context.Context, req Request) (Result, error) {
	return Success(map[string]any{
		"handled":    false,
		"handler":    "default",
		"actionType": string(req.ActionType),
		"handlerRef": req.HandlerRef,
		"nodeId":     req.NodeID,
	}), nil
}
