// Package tools provides the tool execution collaborator surface: a
// registry of callable tools the model may invoke mid-turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/branchline-ai/conversation-engine/internal/llm"
)

// Executor executes a named tool with JSON arguments. Implementations are
// treated as opaque, potentially slow, potentially failing dependencies;
// a returned error means the execution failed, not the turn.
type Executor interface {
	// Specs returns the declarations of every available tool.
	Specs() []llm.ToolSpec

	// Execute runs the named tool and returns its JSON result.
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Handler is the function body of a registered tool.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry is an Executor backed by locally registered handlers.
type Registry struct {
	mu       sync.RWMutex
	specs    []llm.ToolSpec
	handlers map[string]Handler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a tool under its spec name. Registering the same name
// twice panics; tool sets are assembled once at startup.
func (r *Registry) Register(spec llm.ToolSpec, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[spec.Name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", spec.Name))
	}
	r.handlers[spec.Name] = handler
	r.specs = append(r.specs, spec)
}

// Specs returns the declarations of every registered tool.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return handler(ctx, args)
}
