package token

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// TestBudget_InputNeverNegative verifies the input budget floors at zero
// when the reserved output allowance exceeds the context size.
func TestBudget_InputNeverNegative(t *testing.T) {
	b := Budget{ContextTokens: 1000, ReservedOutput: 4096}
	require.Equal(t, 0, b.Input())

	b = Budget{ContextTokens: 8192, ReservedOutput: 4096}
	require.Equal(t, 4096, b.Input())
}

// TestHeuristic_RoundsUp verifies byte counts that do not divide evenly
// are charged an extra token, never a fraction less.
func TestHeuristic_RoundsUp(t *testing.T) {
	h := Heuristic{BytesPerToken: 3, MessageOverhead: 0}

	require.Equal(t, 1, h.EstimateMessage(model.TextMessage(model.RoleUser, "a")))
	require.Equal(t, 1, h.EstimateMessage(model.TextMessage(model.RoleUser, "abc")))
	require.Equal(t, 2, h.EstimateMessage(model.TextMessage(model.RoleUser, "abcd")))
}

// TestHeuristic_MessageOverhead verifies the fixed framing cost is charged
// once per message on top of content.
func TestHeuristic_MessageOverhead(t *testing.T) {
	h := Heuristic{BytesPerToken: 3, MessageOverhead: 5}
	msg := model.TextMessage(model.RoleUser, strings.Repeat("x", 30))
	require.Equal(t, 5+10, h.EstimateMessage(msg))
}

// TestHeuristic_ImageFlatCost verifies image references cost a flat amount
// regardless of URL length.
func TestHeuristic_ImageFlatCost(t *testing.T) {
	h := Heuristic{BytesPerToken: 3, MessageOverhead: 0, ImageCost: 1600}
	msg := &model.Message{
		Role: model.RoleUser,
		Parts: []model.ContentPart{
			{Kind: model.PartImage, ImageURL: "https://example.com/short.png"},
		},
	}
	require.Equal(t, 1600, h.EstimateMessage(msg))

	msg.Parts[0].ImageURL = "https://example.com/" + strings.Repeat("long", 500) + ".png"
	require.Equal(t, 1600, h.EstimateMessage(msg))
}

// TestHeuristic_ToolParts verifies tool calls and results are charged by
// the size of their JSON payloads.
func TestHeuristic_ToolParts(t *testing.T) {
	h := Heuristic{BytesPerToken: 3, MessageOverhead: 0}
	args := json.RawMessage(`{"q":"weather"}`)
	msg := &model.Message{
		Role: model.RoleAssistant,
		Parts: []model.ContentPart{
			{Kind: model.PartToolCall, ToolName: "search", ToolArgs: args},
		},
	}
	want := (len("search") + len(args) + 2) / 3
	require.Equal(t, want, h.EstimateMessage(msg))
}

// TestForProvider verifies every provider gets an upward-biased estimator
// and unknown providers get the most conservative overhead.
func TestForProvider(t *testing.T) {
	msg := model.TextMessage(model.RoleUser, "hello")

	openai := ForProvider("openai").EstimateMessage(msg)
	anthropic := ForProvider("anthropic").EstimateMessage(msg)
	unknown := ForProvider("someone-else").EstimateMessage(msg)

	require.Greater(t, anthropic, openai)
	require.Greater(t, unknown, anthropic)
}
