// Package llm provides the normalized provider adapter layer: one request
// and event contract that every provider family is translated into.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// Capabilities is the capability set an adapter advertises. Request
// translation rejects content the capability set cannot carry.
type Capabilities struct {
	Completion     bool
	Streaming      bool
	ToolInvocation bool
	VisionInput    bool
}

// ToolSpec declares one tool the model may request during a turn.
// Parameters holds the JSON schema of the tool's arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the normalized provider request: an ordered, already-trimmed
// message list plus model selection and the tools available this turn.
type Request struct {
	Model           string
	Messages        []model.Message
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float64
}

// Adapter translates normalized requests into provider-native calls and
// provider-native responses into the normalized event sequence. Concrete
// adapters form a closed set; call sites select through the Registry and
// never branch on provider identity.
type Adapter interface {
	// Name returns the provider name used for selection and metrics.
	Name() string

	// Capabilities returns the adapter's capability set.
	Capabilities() Capabilities

	// Models returns the models this adapter accepts.
	Models() []string

	// Invoke translates and dispatches the request. Translation failures
	// (unsupported content kinds) and pre-stream call failures are returned
	// as an error; once a *Stream is returned, all further outcomes arrive
	// as events, terminated by Completed or Failed.
	Invoke(ctx context.Context, req *Request) (*Stream, error)
}

// checkContent verifies every content part of the request against the
// capability set. Returns a KindUnsupportedContentKind error naming the
// first offending part.
func checkContent(req *Request, caps Capabilities) error {
	if len(req.Tools) > 0 && !caps.ToolInvocation {
		return NewError(KindUnsupportedContentKind, "provider does not support tool invocation")
	}
	for _, msg := range req.Messages {
		for _, p := range msg.Parts {
			switch p.Kind {
			case model.PartImage:
				if !caps.VisionInput {
					return NewError(KindUnsupportedContentKind, "provider does not accept image input")
				}
			case model.PartToolCall, model.PartToolResult:
				if !caps.ToolInvocation {
					return NewError(KindUnsupportedContentKind, "provider does not accept tool content")
				}
			case model.PartText:
			default:
				return NewError(KindUnsupportedContentKind, fmt.Sprintf("unknown content kind %q", p.Kind))
			}
		}
	}
	return nil
}

// Registry holds the closed set of configured adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Later registrations with
// the same name replace earlier ones.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
