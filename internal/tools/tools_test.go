package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/llm"
)

// TestRegistry_ExecuteRoutesByName verifies handlers receive their raw
// arguments and unknown tools fail without panicking.
func TestRegistry_ExecuteRoutesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(llm.ToolSpec{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))

	_, err = r.Execute(context.Background(), "missing", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown tool")
}

// TestRegistry_DuplicateRegistrationPanics verifies tool sets are assembled
// once and name collisions fail loudly at startup.
func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	handler := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }

	r.Register(llm.ToolSpec{Name: "dup"}, handler)
	require.Panics(t, func() {
		r.Register(llm.ToolSpec{Name: "dup"}, handler)
	})
}

// TestRegistry_SpecsCopy verifies callers cannot mutate the registry
// through the returned slice.
func TestRegistry_SpecsCopy(t *testing.T) {
	r := NewRegistry()
	r.Register(llm.ToolSpec{Name: "a"}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil })

	specs := r.Specs()
	specs[0].Name = "mutated"
	require.Equal(t, "a", r.Specs()[0].Name)
}
