// Package handler is the Handler Contract (spec §4.6): the pluggable,
// per-task-kind execution logic the core treats as an external
// collaborator boundary. Grounded on the teacher's PluginRegistry, which
// dispatched by TaskType string to a PluginExecutor; generalized here to
// the spec's (payload, cancellation) -> (result, error) contract with
// explicit terminality instead of a bare error.
package handler

import (
	"context"

	"github.com/swarmguard/controlplane/internal/ctlerr"
)

// Handler executes one task attempt. It MUST honour ctx cancellation
// promptly (spec §4.6); a handler that ignores cancellation after a
// timeout has its return value discarded by the Dispatch Engine.
type Handler interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

func (f Func) Execute(ctx context.Context, payload []byte) ([]byte, error) { return f(ctx, payload) }

// Registry maps a task's Kind string to the Handler that executes it.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h under kind, replacing any previous registration.
func (r *Registry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Lookup returns the handler for kind, or a NoHandler error (spec §4.6)
// if none is registered.
func (r *Registry) Lookup(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, ctlerr.NoHandler(kind)
	}
	return h, nil
}
