package window

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/token"
)

// perMessage charges every message exactly one token, which makes budgets
// read as message counts in the tests below.
type perMessage struct{}

func (perMessage) EstimateMessage(*model.Message) int { return 1 }

var allCaps = llm.Capabilities{Completion: true, Streaming: true, ToolInvocation: true, VisionInput: true}

func makeView(n int) []model.Message {
	view := make([]model.Message, n)
	for i := range view {
		m := model.TextMessage(model.RoleUser, fmt.Sprintf("message %d", i))
		m.ID = fmt.Sprintf("msg-%d", i)
		view[i] = *m
	}
	return view
}

// TestBuild_KeepsNewestDropsOldest verifies trimming removes the oldest
// messages first and keeps the result in chronological order.
func TestBuild_KeepsNewestDropsOldest(t *testing.T) {
	view := makeView(10)
	budget := token.Budget{ContextTokens: 4, ReservedOutput: 0}

	res := Build(view, budget, allCaps, perMessage{})

	require.Len(t, res.Messages, 4)
	require.Equal(t, 6, res.DroppedCount)
	require.Equal(t, "msg-6", res.Messages[0].ID)
	require.Equal(t, "msg-9", res.Messages[3].ID)
}

// TestBuild_SystemMessagePinned verifies the system instruction survives
// trimming even when it is the oldest message, and stays at the head.
func TestBuild_SystemMessagePinned(t *testing.T) {
	view := makeView(10)
	sys := model.TextMessage(model.RoleSystem, "you are helpful")
	sys.ID = "sys"
	view[0] = *sys

	budget := token.Budget{ContextTokens: 3, ReservedOutput: 0}
	res := Build(view, budget, allCaps, perMessage{})

	require.Len(t, res.Messages, 3)
	require.Equal(t, "sys", res.Messages[0].ID)
	require.Equal(t, "msg-8", res.Messages[1].ID)
	require.Equal(t, "msg-9", res.Messages[2].ID)
}

// TestBuild_OversizedMessageDroppedNotTruncated verifies a single message
// whose cost alone exceeds the budget is dropped whole with a warning.
func TestBuild_OversizedMessageDroppedNotTruncated(t *testing.T) {
	est := token.Heuristic{BytesPerToken: 3}
	view := makeView(3)
	big := model.TextMessage(model.RoleUser, strings.Repeat("x", 3000))
	big.ID = "big"
	view[2] = *big

	budget := token.Budget{ContextTokens: 100, ReservedOutput: 0}
	res := Build(view, budget, allCaps, est)

	require.Len(t, res.Messages, 2)
	for _, m := range res.Messages {
		require.NotEqual(t, "big", m.ID)
	}
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "big")
}

// TestBuild_OversizedSystemDropped verifies a system instruction larger
// than the whole budget is dropped with a warning instead of starving
// everything else.
func TestBuild_OversizedSystemDropped(t *testing.T) {
	est := token.Heuristic{BytesPerToken: 3}
	view := makeView(3)
	sys := model.TextMessage(model.RoleSystem, strings.Repeat("s", 3000))
	sys.ID = "sys"
	view[0] = *sys

	budget := token.Budget{ContextTokens: 100, ReservedOutput: 0}
	res := Build(view, budget, allCaps, est)

	for _, m := range res.Messages {
		require.NotEqual(t, "sys", m.ID)
	}
	require.NotEmpty(t, res.Warnings)
}

// TestBuild_NewestSurvivesSystemOverflow verifies the latest message wins
// over the system instruction when the two cannot share the budget: the
// question being answered is never trimmed away silently.
func TestBuild_NewestSurvivesSystemOverflow(t *testing.T) {
	est := token.Heuristic{BytesPerToken: 3}
	sys := model.TextMessage(model.RoleSystem, strings.Repeat("s", 180)) // 60 tokens
	sys.ID = "sys"
	user := model.TextMessage(model.RoleUser, strings.Repeat("u", 150)) // 50 tokens
	user.ID = "user"
	view := []model.Message{*sys, *user}

	budget := token.Budget{ContextTokens: 100, ReservedOutput: 0}
	res := Build(view, budget, allCaps, est)

	require.Len(t, res.Messages, 1)
	require.Equal(t, "user", res.Messages[0].ID)
	require.Equal(t, 1, res.DroppedCount)
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "system instruction")
}

// TestBuild_OlderMessagesStillAccumulateAfterSystemDrop verifies that when
// the system instruction loses out to the latest message, the leftover budget
// still goes to older history.
func TestBuild_OlderMessagesStillAccumulateAfterSystemDrop(t *testing.T) {
	est := token.Heuristic{BytesPerToken: 3}
	sys := model.TextMessage(model.RoleSystem, strings.Repeat("s", 180)) // 60 tokens
	sys.ID = "sys"
	older := model.TextMessage(model.RoleAssistant, strings.Repeat("a", 90)) // 30 tokens
	older.ID = "older"
	user := model.TextMessage(model.RoleUser, strings.Repeat("u", 150)) // 50 tokens
	user.ID = "user"
	view := []model.Message{*sys, *older, *user}

	budget := token.Budget{ContextTokens: 100, ReservedOutput: 0}
	res := Build(view, budget, allCaps, est)

	require.Len(t, res.Messages, 2)
	require.Equal(t, "older", res.Messages[0].ID)
	require.Equal(t, "user", res.Messages[1].ID)
	require.Equal(t, 1, res.DroppedCount)
}

// TestBuild_TrimStopsAtFirstOverflow verifies that once the running total
// would overflow, every older message is dropped too, never cherry-picked.
func TestBuild_TrimStopsAtFirstOverflow(t *testing.T) {
	est := token.Heuristic{BytesPerToken: 3}
	view := makeView(4)
	// msg-1 overflows what remains of the budget; msg-0 is tiny but must
	// go too.
	mid := model.TextMessage(model.RoleUser, strings.Repeat("y", 80))
	mid.ID = "msg-1"
	view[1] = *mid

	budget := token.Budget{ContextTokens: 30, ReservedOutput: 0}
	res := Build(view, budget, allCaps, est)

	require.Equal(t, 2, res.DroppedCount)
	require.Equal(t, "msg-2", res.Messages[0].ID)
	require.Equal(t, "msg-3", res.Messages[1].ID)
}

// TestBuild_TokensNeverExceedInput verifies the estimated cost of the kept
// window stays inside the input budget.
func TestBuild_TokensNeverExceedInput(t *testing.T) {
	est := token.ForProvider("openai")
	view := makeView(50)
	budget := token.Budget{ContextTokens: 64, ReservedOutput: 16}

	res := Build(view, budget, allCaps, est)

	require.LessOrEqual(t, res.Tokens, budget.Input())
	require.NotEmpty(t, res.Messages)
}

// TestBuild_VisionWarning verifies a warning is attached when the view
// carries images the selected provider cannot accept.
func TestBuild_VisionWarning(t *testing.T) {
	view := makeView(2)
	view[1].Parts = append(view[1].Parts, model.ContentPart{
		Kind:     model.PartImage,
		ImageURL: "https://example.com/cat.png",
	})

	caps := allCaps
	caps.VisionInput = false
	res := Build(view, token.Budget{ContextTokens: 10000}, caps, perMessage{})

	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "image")
}

// TestBuild_EmptyView verifies an empty conversation view builds an empty
// window without warnings.
func TestBuild_EmptyView(t *testing.T) {
	res := Build(nil, token.Budget{ContextTokens: 100}, allCaps, perMessage{})
	require.Empty(t, res.Messages)
	require.Zero(t, res.DroppedCount)
	require.Empty(t, res.Warnings)
}
