// Package toolloop drives the provider/tool feedback cycle of one turn:
// invoke the model, execute any tools it requests, feed the results back,
// and repeat until a final answer or a limit is hit.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/tools"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
	"github.com/branchline-ai/conversation-engine/pkg/metrics"
)

// State is the controller's position in the turn state machine.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateModelResponded State = "model_responded"
	StateExecutingTool  State = "executing_tool"
	StateFinalizing     State = "finalizing"
	StateDone           State = "done"
)

// Sink receives the controller's output as it is produced. Message hooks
// are where the orchestrator persists nodes; a hook error aborts the turn.
type Sink interface {
	TextDelta(text string)
	ToolCallRequested(call llm.ToolCall)
	ToolCallFinished(call llm.ToolCall, result json.RawMessage, isError bool)
	Warning(warning string)

	// AssistantMessage is called once per completed assistant node: each
	// tool-requesting response and the final answer.
	AssistantMessage(msg *model.Message) error

	// ToolMessage is called once per tool-result node.
	ToolMessage(msg *model.Message) error
}

// Config tunes one controller instance.
type Config struct {
	Adapter llm.Adapter
	Executor tools.Executor

	// IterationLimit caps tool-execution rounds per turn. Reaching it
	// forces finalization with a truncation warning instead of another
	// provider call.
	IterationLimit int

	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration

	Logger *logger.Logger
}

// Outcome summarizes a finished turn.
type Outcome struct {
	FinishReason string
	Usage        model.Usage
	Iterations   int
	Incomplete   bool
	Cancelled    bool
	Err          *llm.Error
}

// Controller runs the tool-call loop for exactly one turn. Provider calls
// within the turn are strictly sequential; Cancel may be called from any
// goroutine and is idempotent.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	active    *llm.Stream
	cancelled bool
}

// New creates a controller for one turn.
func New(cfg Config) *Controller {
	if cfg.IterationLimit <= 0 {
		cfg.IterationLimit = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Controller{cfg: cfg, state: StateAwaitingModel}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel requests best-effort cancellation: the active provider stream is
// aborted and no further model calls are issued. Calling it twice is the
// same as calling it once.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.active != nil {
		c.active.Cancel()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Run drives the loop to completion. The request's message list is the
// already-trimmed context; tool declarations must already be attached.
// Run returns only after the state machine reaches Done.
func (c *Controller) Run(ctx context.Context, req *llm.Request, sink Sink) Outcome {
	var out Outcome
	messages := req.Messages

	for {
		if c.isCancelled() || ctx.Err() != nil {
			return c.finalize(out, sink, nil)
		}

		c.setState(StateAwaitingModel)
		roundReq := *req
		roundReq.Messages = messages

		stream, release, err := c.invoke(ctx, &roundReq)
		if err != nil {
			out.Err = normalizeErr(err)
			metrics.RecordProviderCall(c.cfg.Adapter.Name(), string(out.Err.Kind), 0, 0)
			c.setState(StateDone)
			return out
		}

		round := c.consume(stream, sink)
		release()
		c.setState(StateModelResponded)

		if round.usage != nil {
			out.Usage.TokensIn += round.usage.TokensIn
			out.Usage.TokensOut += round.usage.TokensOut
		}

		switch {
		case round.failed != nil:
			metrics.RecordProviderCall(c.cfg.Adapter.Name(), string(round.failed.Kind), 0, 0)
			out.Err = round.failed
			return c.finalize(out, sink, round.partial(true))

		case round.interrupted:
			// Cancellation or turn timeout stopped the stream before its
			// terminal event.
			return c.finalize(out, sink, round.partial(true))
		}

		metrics.RecordProviderCall(c.cfg.Adapter.Name(), "ok", usageIn(round.usage), usageOut(round.usage))

		if len(round.calls) == 0 {
			// Terminal Completed without tool requests: the final answer.
			out.FinishReason = round.finishReason
			final := round.assistantMessage(false)
			c.setState(StateFinalizing)
			if err := sink.AssistantMessage(final); err != nil {
				out.Err = llm.WrapError(llm.KindUnknown, "failed to persist assistant message", err)
			}
			c.setState(StateDone)
			return out
		}

		// The model requested tools. Persist the requesting node first so
		// the branch is durable before any tool runs.
		requesting := round.assistantMessage(false)
		if err := sink.AssistantMessage(requesting); err != nil {
			out.Err = llm.WrapError(llm.KindUnknown, "failed to persist assistant message", err)
			c.setState(StateDone)
			return out
		}

		out.Iterations++
		if out.Iterations >= c.cfg.IterationLimit {
			sink.Warning("tool iteration limit reached; response truncated")
			out.FinishReason = "tool_loop_limit"
			return c.finalize(out, sink, nil)
		}

		c.setState(StateExecutingTool)
		toolMsg := c.executeTools(ctx, round.calls, sink)
		if err := sink.ToolMessage(toolMsg); err != nil {
			out.Err = llm.WrapError(llm.KindUnknown, "failed to persist tool message", err)
			c.setState(StateDone)
			return out
		}

		messages = append(messages, *requesting, *toolMsg)
	}
}

// invoke issues one provider call under the per-call timeout and tracks
// the stream for cancellation. The returned release func must be called
// once the stream is drained.
func (c *Controller) invoke(ctx context.Context, req *llm.Request) (*llm.Stream, context.CancelFunc, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	}

	stream, err := c.cfg.Adapter.Invoke(callCtx, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	c.mu.Lock()
	c.active = stream
	if c.cancelled {
		stream.Cancel()
	}
	c.mu.Unlock()
	return stream, cancel, nil
}

// roundResult accumulates one provider response sequence.
type roundResult struct {
	text         strings.Builder
	calls        []llm.ToolCall
	finishReason string
	usage        *model.Usage
	failed       *llm.Error
	interrupted  bool
}

func (r *roundResult) partial(incomplete bool) *model.Message {
	if r.text.Len() == 0 && len(r.calls) == 0 {
		return nil
	}
	msg := r.assistantMessage(incomplete)
	return msg
}

func (r *roundResult) assistantMessage(incomplete bool) *model.Message {
	msg := &model.Message{
		Role:       model.RoleAssistant,
		Incomplete: incomplete,
	}
	if text := r.text.String(); text != "" {
		msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartText, Text: text})
	}
	for _, call := range r.calls {
		msg.Parts = append(msg.Parts, model.ContentPart{
			Kind:       model.PartToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
		})
	}
	if r.finishReason != "" {
		reason := r.finishReason
		msg.StopReason = &reason
	}
	return msg
}

// consume drains one response sequence, forwarding deltas to the sink.
// Delta order is preserved verbatim; the text is reconstructed by
// concatenation in arrival order.
func (c *Controller) consume(stream *llm.Stream, sink Sink) *roundResult {
	round := &roundResult{}
	sawTerminal := false

	for ev := range stream.Events() {
		switch ev.Type {
		case llm.EventTextDelta:
			round.text.WriteString(ev.Text)
			sink.TextDelta(ev.Text)

		case llm.EventToolCall:
			round.calls = append(round.calls, *ev.ToolCall)
			sink.ToolCallRequested(*ev.ToolCall)

		case llm.EventCompleted:
			round.finishReason = ev.FinishReason
			round.usage = ev.Usage
			sawTerminal = true

		case llm.EventFailed:
			round.failed = ev.Err
			sawTerminal = true
		}
	}

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	if !sawTerminal {
		round.interrupted = true
	}
	return round
}

// executeTools runs every requested tool sequentially and folds the
// results, including failures, into one tool-result message. A tool
// failure is content for the model to react to, never a fatal error.
func (c *Controller) executeTools(ctx context.Context, calls []llm.ToolCall, sink Sink) *model.Message {
	msg := &model.Message{Role: model.RoleTool}

	for _, call := range calls {
		result, err := c.cfg.Executor.Execute(ctx, call.Name, call.Arguments)
		isError := err != nil
		if isError {
			c.cfg.Logger.Warn("tool execution failed",
				zap.String("tool", call.Name),
				zap.Error(err),
			)
			metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "error").Inc()
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			result = payload
		} else {
			metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "ok").Inc()
		}

		sink.ToolCallFinished(call, result, isError)
		msg.Parts = append(msg.Parts, model.ContentPart{
			Kind:       model.PartToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolResult: result,
			IsError:    isError,
		})
	}
	return msg
}

// finalize drives the machine through Finalizing to Done, persisting any
// partial content and attaching interruption warnings.
func (c *Controller) finalize(out Outcome, sink Sink, partial *model.Message) Outcome {
	c.setState(StateFinalizing)

	if c.isCancelled() {
		out.Cancelled = true
		out.Incomplete = true
		if out.FinishReason == "" {
			out.FinishReason = "cancelled"
		}
	} else if out.Err == nil && out.FinishReason == "" {
		// Stream stopped without a terminal event and without local
		// cancellation: the turn deadline expired.
		sink.Warning("turn timed out before the response completed")
		out.Incomplete = true
		out.FinishReason = "timeout"
	}

	if partial != nil {
		if err := sink.AssistantMessage(partial); err != nil {
			c.cfg.Logger.Warn("failed to persist partial assistant message", zap.Error(err))
		}
	}

	c.setState(StateDone)
	return out
}

func normalizeErr(err error) *llm.Error {
	var le *llm.Error
	if errors.As(err, &le) {
		return le
	}
	return llm.WrapError(llm.KindOf(err), "provider call failed", err)
}

func usageIn(u *model.Usage) int {
	if u == nil {
		return 0
	}
	return u.TokensIn
}

func usageOut(u *model.Usage) int {
	if u == nil {
		return 0
	}
	return u.TokensOut
}
