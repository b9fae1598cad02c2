// Package token estimates per-message token costs ahead of a provider call.
// Estimates are deliberately biased upward: the context window builder
// relies on never undercounting to keep trimmed requests inside the
// provider's limit.
package token

import (
	"github.com/branchline-ai/conversation-engine/internal/model"
)

// Budget is the per-provider context allowance for a request: the model's
// maximum context size minus a reserved output allowance.
type Budget struct {
	ContextTokens  int
	ReservedOutput int
}

// Input returns the token budget available for input messages, never
// negative.
func (b Budget) Input() int {
	v := b.ContextTokens - b.ReservedOutput
	if v < 0 {
		return 0
	}
	return v
}

// Estimator estimates the token cost of a normalized message for one
// provider family. Implementations must round up on ties.
type Estimator interface {
	// EstimateMessage returns the estimated token cost of the whole
	// message, including per-message framing overhead.
	EstimateMessage(msg *model.Message) int
}

// Heuristic is a byte-ratio estimator. Real tokenizers average around four
// bytes per token on English text; dividing by three keeps the estimate
// strictly above actual usage for practical inputs.
type Heuristic struct {
	// BytesPerToken divides byte counts into tokens, rounding up.
	BytesPerToken int
	// MessageOverhead is the fixed framing cost charged per message.
	MessageOverhead int
	// ImageCost is the flat cost charged per image reference.
	ImageCost int
}

// EstimateMessage returns the estimated token cost of the message.
func (h Heuristic) EstimateMessage(msg *model.Message) int {
	total := h.MessageOverhead
	for _, p := range msg.Parts {
		switch p.Kind {
		case model.PartText:
			total += h.textCost(len(p.Text))
		case model.PartImage:
			total += h.ImageCost
		case model.PartToolCall:
			total += h.textCost(len(p.ToolName) + len(p.ToolArgs))
		case model.PartToolResult:
			total += h.textCost(len(p.ToolName) + len(p.ToolResult))
		}
	}
	return total
}

func (h Heuristic) textCost(bytes int) int {
	d := h.BytesPerToken
	if d <= 0 {
		d = 3
	}
	return (bytes + d - 1) / d
}

// ForProvider returns the estimator for a provider name. Unknown providers
// get the most conservative default.
func ForProvider(name string) Estimator {
	switch name {
	case "openai":
		return Heuristic{BytesPerToken: 3, MessageOverhead: 4, ImageCost: 1600}
	case "anthropic":
		return Heuristic{BytesPerToken: 3, MessageOverhead: 5, ImageCost: 1600}
	default:
		return Heuristic{BytesPerToken: 3, MessageOverhead: 8, ImageCost: 1600}
	}
}
