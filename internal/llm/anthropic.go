package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// AnthropicAdapter adapts the normalized contract onto the Anthropic
// Messages API. System messages travel in the dedicated system field, tool
// results in user-role tool_result blocks, both per the native schema.
type AnthropicAdapter struct {
	client *anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Capabilities returns the adapter's capability set. VisionInput stays off:
// the API takes inline image bytes, not the URL references our normalized
// content carries.
func (a *AnthropicAdapter) Capabilities() Capabilities {
	return Capabilities{
		Completion:     true,
		Streaming:      true,
		ToolInvocation: true,
		VisionInput:    false,
	}
}

// Models returns available models.
func (a *AnthropicAdapter) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}
}

func (a *AnthropicAdapter) translateRequest(req *Request) (anthropic.MessageNewParams, error) {
	if err := checkContent(req, a.Capabilities()); err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model_ := req.Model
	if model_ == "" {
		model_ = "claude-3-5-sonnet-20241022"
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var system string
	var messages []anthropic.MessageParam
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role == model.RoleSystem {
			system = msg.Text()
			continue
		}
		converted, err := translateAnthropicMessage(msg)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		messages = append(messages, converted)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model_),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(system),
		}})
	}
	if len(req.Tools) > 0 {
		var tools []anthropic.ToolParam
		for _, t := range req.Tools {
			tools = append(tools, anthropic.ToolParam{
				Name:        anthropic.F(t.Name),
				Description: anthropic.F(t.Description),
				InputSchema: anthropic.F[interface{}](json.RawMessage(t.Parameters)),
			})
		}
		params.Tools = anthropic.F(tools)
	}
	return params, nil
}

func translateAnthropicMessage(msg *model.Message) (anthropic.MessageParam, error) {
	var blocks []anthropic.ContentBlockParamUnion
	role := anthropic.MessageParamRoleUser

	switch msg.Role {
	case model.RoleUser:
		for _, p := range msg.Parts {
			if p.Kind == model.PartText {
				blocks = append(blocks, textBlock(p.Text))
			}
		}

	case model.RoleAssistant:
		role = anthropic.MessageParamRoleAssistant
		for _, p := range msg.Parts {
			switch p.Kind {
			case model.PartText:
				blocks = append(blocks, textBlock(p.Text))
			case model.PartToolCall:
				blocks = append(blocks, anthropic.ToolUseBlockParam{
					Type:  anthropic.F(anthropic.ToolUseBlockParamTypeToolUse),
					ID:    anthropic.F(p.ToolCallID),
					Name:  anthropic.F(p.ToolName),
					Input: anthropic.F[interface{}](json.RawMessage(p.ToolArgs)),
				})
			}
		}

	case model.RoleTool:
		// Tool results ride in a user-role message.
		for _, p := range msg.Parts {
			if p.Kind != model.PartToolResult {
				continue
			}
			blocks = append(blocks, anthropic.ToolResultBlockParam{
				Type:      anthropic.F(anthropic.ToolResultBlockParamTypeToolResult),
				ToolUseID: anthropic.F(p.ToolCallID),
				IsError:   anthropic.F(p.IsError),
				Content: anthropic.F([]anthropic.ToolResultBlockParamContentUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(string(p.ToolResult)),
					},
				}),
			})
		}

	default:
		return anthropic.MessageParam{}, NewError(KindUnsupportedContentKind, fmt.Sprintf("unknown role %q", msg.Role))
	}

	return anthropic.MessageParam{
		Role:    anthropic.F(role),
		Content: anthropic.F(blocks),
	}, nil
}

func textBlock(text string) anthropic.TextBlockParam {
	return anthropic.TextBlockParam{
		Type: anthropic.F(anthropic.TextBlockParamTypeText),
		Text: anthropic.F(text),
	}
}

// Invoke translates and dispatches the request.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req *Request) (*Stream, error) {
	params, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	nativeStream := a.client.Messages.NewStreaming(callCtx, params)

	s := NewStream(cancel)
	go func() {
		defer s.Close()

		assembler := newAnthropicToolAssembler()
		var usage model.Usage
		stopReason := "end_turn"

		for nativeStream.Next() {
			event := nativeStream.Current()

			switch event.Type {
			case anthropic.MessageStreamEventTypeMessageStart:
				usage.TokensIn = int(event.Message.Usage.InputTokens)

			case anthropic.MessageStreamEventTypeContentBlockStart:
				if block, ok := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock); ok &&
					block.Type == anthropic.ContentBlockStartEventContentBlockTypeToolUse {
					assembler.start(int(event.Index), block.ID, block.Name)
				}

			case anthropic.MessageStreamEventTypeContentBlockDelta:
				if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok {
					switch delta.Type {
					case "text_delta":
						if !s.Emit(callCtx, Event{Type: EventTextDelta, Text: delta.Text}) {
							return
						}
					case "input_json_delta":
						assembler.append(int(event.Index), delta.PartialJSON)
					}
				}

			case anthropic.MessageStreamEventTypeMessageDelta:
				if delta, ok := event.Delta.(anthropic.MessageDeltaEventDelta); ok && delta.StopReason != "" {
					stopReason = string(delta.StopReason)
				}
				usage.TokensOut = int(event.Usage.OutputTokens)
			}
		}

		if err := nativeStream.Err(); err != nil {
			if callCtx.Err() != nil {
				return
			}
			s.Emit(callCtx, Event{Type: EventFailed, Err: mapAnthropicError(err)})
			return
		}

		for _, call := range assembler.calls() {
			call := call
			if !s.Emit(callCtx, Event{Type: EventToolCall, ToolCall: &call}) {
				return
			}
		}

		s.Emit(callCtx, Event{
			Type:         EventCompleted,
			FinishReason: stopReason,
			Usage:        &usage,
		})
	}()

	return s, nil
}

// anthropicToolAssembler reassembles tool_use blocks from content_block_start
// and input_json_delta fragments, keyed by content block index.
type anthropicToolAssembler struct {
	order  []int
	drafts map[int]*toolCallDraft
}

func newAnthropicToolAssembler() *anthropicToolAssembler {
	return &anthropicToolAssembler{drafts: make(map[int]*toolCallDraft)}
}

func (t *anthropicToolAssembler) start(index int, id, name string) {
	t.order = append(t.order, index)
	t.drafts[index] = &toolCallDraft{id: id, name: name}
}

func (t *anthropicToolAssembler) append(index int, partial string) {
	if draft, ok := t.drafts[index]; ok {
		draft.args.WriteString(partial)
	}
}

func (t *anthropicToolAssembler) calls() []ToolCall {
	out := make([]ToolCall, 0, len(t.order))
	for _, index := range t.order {
		draft := t.drafts[index]
		args := draft.args.Bytes()
		if len(bytes.TrimSpace(args)) == 0 {
			args = []byte("{}")
		}
		out = append(out, ToolCall{
			ID:        draft.id,
			Name:      draft.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

// mapAnthropicError folds a native Anthropic error into the normalized taxonomy.
func mapAnthropicError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return WrapError(KindCancelled, "provider call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindProviderUnavailable, "provider call timed out", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return WrapError(KindAuthenticationFailed, "provider rejected credentials", err)
		case apiErr.StatusCode == 429:
			le := WrapError(KindRateLimited, "provider rate limit reached", err)
			if apiErr.Response != nil {
				le.RetryAfter = parseRetryAfter(apiErr.Response.Header)
			}
			return le
		case apiErr.StatusCode == 413:
			return WrapError(KindContextLengthExceeded, "request exceeds the model context window", err)
		case apiErr.StatusCode == 529 || apiErr.StatusCode >= 500:
			return WrapError(KindProviderUnavailable, "provider overloaded or unavailable", err)
		}
	}
	return WrapError(KindUnknown, "provider call failed", err)
}
