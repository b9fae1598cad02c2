package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// OpenAIAdapter adapts the normalized contract onto the OpenAI chat
// completions API. It serves as the reference for every OpenAI-style
// provider; pointing it at a compatible base URL needs no other change.
type OpenAIAdapter struct {
	client    *openai.Client
	streaming bool
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(apiKey),
		streaming: true,
	}, nil
}

// NewOpenAIBatchAdapter creates an adapter that uses the non-streaming
// endpoint. The response still arrives as the same event sequence, emitted
// as one batch followed by Completed.
func NewOpenAIBatchAdapter(apiKey string) (*OpenAIAdapter, error) {
	a, err := NewOpenAIAdapter(apiKey)
	if err != nil {
		return nil, err
	}
	a.streaming = false
	return a, nil
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Capabilities returns the adapter's capability set.
func (a *OpenAIAdapter) Capabilities() Capabilities {
	return Capabilities{
		Completion:     true,
		Streaming:      a.streaming,
		ToolInvocation: true,
		VisionInput:    true,
	}
}

// Models returns available models.
func (a *OpenAIAdapter) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}
}

func (a *OpenAIAdapter) translateRequest(req *Request) (openai.ChatCompletionRequest, error) {
	if err := checkContent(req, a.Capabilities()); err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	model_ := req.Model
	if model_ == "" {
		model_ = "gpt-4o"
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var messages []openai.ChatCompletionMessage
	for i := range req.Messages {
		converted, err := translateOpenAIMessage(&req.Messages[i])
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		messages = append(messages, converted...)
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:       model_,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	}, nil
}

// translateOpenAIMessage converts one normalized message. Tool results fan
// out into one native message per result, which is what the API expects.
func translateOpenAIMessage(msg *model.Message) ([]openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case model.RoleSystem:
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: msg.Text(),
		}}, nil

	case model.RoleUser:
		if !msg.HasKind(model.PartImage) {
			return []openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Text(),
			}}, nil
		}
		var parts []openai.ChatMessagePart
		for _, p := range msg.Parts {
			switch p.Kind {
			case model.PartText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case model.PartImage:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: p.ImageURL,
					},
				})
			}
		}
		return []openai.ChatCompletionMessage{{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		}}, nil

	case model.RoleAssistant:
		native := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Text(),
		}
		for _, p := range msg.Parts {
			if p.Kind != model.PartToolCall {
				continue
			}
			native.ToolCalls = append(native.ToolCalls, openai.ToolCall{
				ID:   p.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      p.ToolName,
					Arguments: string(p.ToolArgs),
				},
			})
		}
		return []openai.ChatCompletionMessage{native}, nil

	case model.RoleTool:
		var out []openai.ChatCompletionMessage
		for _, p := range msg.Parts {
			if p.Kind != model.PartToolResult {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: p.ToolCallID,
				Content:    string(p.ToolResult),
			})
		}
		return out, nil
	}
	return nil, NewError(KindUnsupportedContentKind, fmt.Sprintf("unknown role %q", msg.Role))
}

// Invoke translates and dispatches the request.
func (a *OpenAIAdapter) Invoke(ctx context.Context, req *Request) (*Stream, error) {
	native, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	if a.streaming {
		return a.invokeStreaming(ctx, native)
	}
	return a.invokeBatch(ctx, native)
}

func (a *OpenAIAdapter) invokeStreaming(ctx context.Context, native openai.ChatCompletionRequest) (*Stream, error) {
	native.Stream = true

	callCtx, cancel := context.WithCancel(ctx)
	nativeStream, err := a.client.CreateChatCompletionStream(callCtx, native)
	if err != nil {
		cancel()
		return nil, mapOpenAIError(err)
	}

	s := NewStream(cancel)
	go func() {
		defer s.Close()
		defer nativeStream.Close()

		assembler := newToolCallAssembler()
		var textLen int
		finishReason := "stop"

		for {
			resp, err := nativeStream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if callCtx.Err() != nil {
					// Cancelled locally; the consumer is gone.
					return
				}
				s.Emit(callCtx, Event{Type: EventFailed, Err: mapOpenAIError(err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				textLen += len(choice.Delta.Content)
				if !s.Emit(callCtx, Event{Type: EventTextDelta, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				assembler.add(tc)
			}
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
		}

		if finishReason == string(openai.FinishReasonContentFilter) {
			s.Emit(callCtx, Event{Type: EventFailed, Err: NewError(KindContentFiltered, "response blocked by provider content filter")})
			return
		}

		for _, call := range assembler.calls() {
			call := call
			if !s.Emit(callCtx, Event{Type: EventToolCall, ToolCall: &call}) {
				return
			}
		}

		// The streaming endpoint reports no usage; estimate output tokens
		// conservatively so accounting never undercounts.
		s.Emit(callCtx, Event{
			Type:         EventCompleted,
			FinishReason: finishReason,
			Usage:        &model.Usage{TokensOut: (textLen + 3) / 4},
		})
	}()

	return s, nil
}

func (a *OpenAIAdapter) invokeBatch(ctx context.Context, native openai.ChatCompletionRequest) (*Stream, error) {
	callCtx, cancel := context.WithCancel(ctx)
	resp, err := a.client.CreateChatCompletion(callCtx, native)
	if err != nil {
		cancel()
		return nil, mapOpenAIError(err)
	}

	s := NewStream(cancel)
	go func() {
		defer s.Close()

		if len(resp.Choices) == 0 {
			s.Emit(callCtx, Event{Type: EventFailed, Err: NewError(KindUnknown, "provider returned no choices")})
			return
		}
		choice := resp.Choices[0]

		if choice.FinishReason == openai.FinishReasonContentFilter {
			s.Emit(callCtx, Event{Type: EventFailed, Err: NewError(KindContentFiltered, "response blocked by provider content filter")})
			return
		}

		if choice.Message.Content != "" {
			if !s.Emit(callCtx, Event{Type: EventTextDelta, Text: choice.Message.Content}) {
				return
			}
		}
		for _, tc := range choice.Message.ToolCalls {
			call := ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
			if !s.Emit(callCtx, Event{Type: EventToolCall, ToolCall: &call}) {
				return
			}
		}
		s.Emit(callCtx, Event{
			Type:         EventCompleted,
			FinishReason: string(choice.FinishReason),
			Usage: &model.Usage{
				TokensIn:  resp.Usage.PromptTokens,
				TokensOut: resp.Usage.CompletionTokens,
			},
		})
	}()

	return s, nil
}

// toolCallAssembler reassembles tool calls from streamed fragments: the
// first fragment of an index carries id and name, later ones append
// argument chunks.
type toolCallAssembler struct {
	byIndex map[int]*toolCallDraft
}

type toolCallDraft struct {
	id   string
	name string
	args bytes.Buffer
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: make(map[int]*toolCallDraft)}
}

func (t *toolCallAssembler) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	draft, ok := t.byIndex[index]
	if !ok {
		draft = &toolCallDraft{}
		t.byIndex[index] = draft
	}
	if tc.ID != "" {
		draft.id = tc.ID
	}
	if tc.Function.Name != "" {
		draft.name = tc.Function.Name
	}
	draft.args.WriteString(tc.Function.Arguments)
}

func (t *toolCallAssembler) calls() []ToolCall {
	indexes := make([]int, 0, len(t.byIndex))
	for i := range t.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		draft := t.byIndex[i]
		args := draft.args.Bytes()
		if len(args) == 0 {
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

// mapOpenAIError folds a native OpenAI error into the normalized taxonomy.
func mapOpenAIError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return WrapError(KindCancelled, "provider call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindProviderUnavailable, "provider call timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := fmt.Sprint(apiErr.Code)
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return WrapError(KindAuthenticationFailed, "provider rejected credentials", err)
		case apiErr.HTTPStatusCode == 429:
			// go-openai's APIError does not expose response headers, so
			// there is no Retry-After to forward; the backoff policy falls
			// back to its computed interval.
			return WrapError(KindRateLimited, "provider rate limit reached", err)
		case apiErr.HTTPStatusCode >= 500:
			return WrapError(KindProviderUnavailable, "provider returned a server error", err)
		case strings.Contains(code, "context_length_exceeded"):
			return WrapError(KindContextLengthExceeded, "request exceeds the model context window", err)
		case strings.Contains(code, "content_policy") || strings.Contains(code, "content_filter"):
			return WrapError(KindContentFiltered, "request blocked by provider content policy", err)
		}
	}
	return WrapError(KindUnknown, "provider call failed", err)
}
