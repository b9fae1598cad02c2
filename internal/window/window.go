// Package window builds the trimmed message list actually sent to a
// provider from a conversation view and a token budget.
package window

import (
	"fmt"

	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/token"
)

// Result is the outcome of a window build.
type Result struct {
	// Messages is the trimmed list, in original chronological order.
	Messages []model.Message
	// DroppedCount is how many messages were trimmed out.
	DroppedCount int
	// Tokens is the estimated token cost of the kept messages.
	Tokens int
	// Warnings describe anything the caller should surface to the user.
	Warnings []string
}

// Build trims a conversation view (oldest first) to fit the input budget.
//
// The most recent non-system message is the turn being answered, so its cost
// is reserved before anything else; trimming can never remove the question
// itself. The system instruction, if present, is pinned next and re-inserted
// at the head regardless of where trimming left off. The dropping pass then
// runs newest to oldest so the most recent exchange survives. A single
// message whose cost alone exceeds the whole budget is dropped with a warning
// rather than truncated, since cutting structured tool content mid-part would
// corrupt it.
func Build(view []model.Message, budget token.Budget, caps llm.Capabilities, est token.Estimator) Result {
	var res Result
	input := budget.Input()

	if !caps.VisionInput && containsKind(view, model.PartImage) {
		res.Warnings = append(res.Warnings, "conversation contains image content the selected provider cannot accept")
	}

	systemIdx := -1
	for i := range view {
		if view[i].Role == model.RoleSystem {
			systemIdx = i
			break
		}
	}

	// Reserve the newest non-system message first.
	keep := make([]bool, len(view))
	remaining := input
	newestIdx := -1
	for i := len(view) - 1; i >= 0; i-- {
		if i != systemIdx {
			newestIdx = i
			break
		}
	}
	if newestIdx >= 0 {
		cost := est.EstimateMessage(&view[newestIdx])
		if cost > input {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("message %s alone exceeds the token budget and was dropped", view[newestIdx].ID))
			res.DroppedCount++
		} else {
			keep[newestIdx] = true
			remaining -= cost
			res.Tokens += cost
		}
	}

	// Pin the system instruction from what the latest message left over.
	keepSystem := false
	if systemIdx >= 0 {
		cost := est.EstimateMessage(&view[systemIdx])
		switch {
		case cost > input:
			res.Warnings = append(res.Warnings, "system instruction alone exceeds the token budget and was dropped")
			res.DroppedCount++
		case cost > remaining:
			res.Warnings = append(res.Warnings, "system instruction and the latest message together exceed the token budget; the system instruction was dropped")
			res.DroppedCount++
		default:
			keepSystem = true
			remaining -= cost
			res.Tokens += cost
		}
	}

	// Newest-first accumulation over the remaining messages. Once the
	// running total would overflow, this and every older message is out.
	exhausted := false
	for i := len(view) - 1; i >= 0; i-- {
		if i == systemIdx || i == newestIdx {
			continue
		}
		if exhausted {
			res.DroppedCount++
			continue
		}
		cost := est.EstimateMessage(&view[i])
		if cost > input {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("message %s alone exceeds the token budget and was dropped", view[i].ID))
			res.DroppedCount++
			continue
		}
		if cost > remaining {
			exhausted = true
			res.DroppedCount++
			continue
		}
		keep[i] = true
		remaining -= cost
		res.Tokens += cost
	}

	// Reassemble in chronological order, system instruction first.
	if keepSystem {
		res.Messages = append(res.Messages, view[systemIdx])
	}
	for i := range view {
		if i != systemIdx && keep[i] {
			res.Messages = append(res.Messages, view[i])
		}
	}
	return res
}

func containsKind(view []model.Message, kind model.PartKind) bool {
	for i := range view {
		if view[i].HasKind(kind) {
			return true
		}
	}
	return false
}
