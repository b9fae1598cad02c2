// Package orchestrator is the client-facing façade of the engine: it
// accepts a user turn, builds the provider context window, drives the
// tool-call loop, streams normalized events to the caller, and persists
// results through the store.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/branchline-ai/conversation-engine/internal/llm"
	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/store"
	"github.com/branchline-ai/conversation-engine/internal/token"
	"github.com/branchline-ai/conversation-engine/internal/toolloop"
	"github.com/branchline-ai/conversation-engine/internal/tools"
	"github.com/branchline-ai/conversation-engine/internal/window"
	"github.com/branchline-ai/conversation-engine/pkg/logger"
	"github.com/branchline-ai/conversation-engine/pkg/metrics"
)

// Config tunes the orchestrator.
type Config struct {
	DefaultProvider      string
	DefaultModel         string
	ReservedOutputTokens int
	ProviderCallTimeout  time.Duration
	TurnTimeout          time.Duration
	ToolIterationLimit   int
}

// Selection names the provider and model a turn should use. Zero fields
// fall back to the configured defaults.
type Selection struct {
	Provider string
	Model    string
}

// Orchestrator owns the lifecycle of in-flight turns. Independent turns
// run fully in parallel; within one turn everything is sequential.
type Orchestrator struct {
	store    store.Store
	registry *llm.Registry
	executor tools.Executor
	journal  store.Journal
	logger   *logger.Logger
	cfg      Config
}

// New creates an orchestrator. journal may be nil.
func New(st store.Store, registry *llm.Registry, executor tools.Executor, journal store.Journal, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.ReservedOutputTokens <= 0 {
		cfg.ReservedOutputTokens = 4096
	}
	if cfg.ToolIterationLimit <= 0 {
		cfg.ToolIterationLimit = 3
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		executor: executor,
		journal:  journal,
		logger:   log,
		cfg:      cfg,
	}
}

// SendTurn persists the user's message immediately and starts the
// assistant response cycle. The returned Turn streams outbound events;
// the caller must drain Events() until it closes.
func (o *Orchestrator) SendTurn(ctx context.Context, tenantID, conversationID string, parts []model.ContentPart, sel Selection) (*Turn, error) {
	conv, err := o.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	adapter, sel, err := o.resolve(sel)
	if err != nil {
		return nil, err
	}

	userMsg := &model.Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		ParentID:       conv.ActiveLeafID,
		Role:           model.RoleUser,
		Parts:          parts,
	}
	userID, err := o.store.AppendMessage(ctx, userMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := o.store.SetActiveLeaf(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(tenantID, string(model.RoleUser)).Inc()

	return o.startTurn(ctx, conv, adapter, sel, userID, userID, ""), nil
}

// Regenerate creates a new sibling branch under the same parent as the
// superseded assistant message, preserving the prior branch intact.
func (o *Orchestrator) Regenerate(ctx context.Context, tenantID, conversationID, messageID string, sel Selection) (*Turn, error) {
	conv, err := o.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	target, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if target.ConversationID != conversationID {
		return nil, store.ErrNotFound
	}
	if target.Role != model.RoleAssistant {
		return nil, fmt.Errorf("message %s is not an assistant message", messageID)
	}
	if target.IsRoot() {
		return nil, fmt.Errorf("message %s has no parent to branch from", messageID)
	}

	adapter, sel, err := o.resolve(sel)
	if err != nil {
		return nil, err
	}

	return o.startTurn(ctx, conv, adapter, sel, target.ParentID, target.ParentID, messageID), nil
}

// resolve picks the adapter and fills selection defaults.
func (o *Orchestrator) resolve(sel Selection) (llm.Adapter, Selection, error) {
	if sel.Provider == "" {
		sel.Provider = o.cfg.DefaultProvider
	}
	if sel.Model == "" {
		sel.Model = o.cfg.DefaultModel
	}
	adapter, err := o.registry.Get(sel.Provider)
	if err != nil {
		return nil, sel, err
	}
	if sel.Model == "" {
		if models := adapter.Models(); len(models) > 0 {
			sel.Model = models[0]
		}
	}
	return adapter, sel, nil
}

// startTurn spawns the per-turn goroutine. leafID is where the context
// view ends; parentID is where new nodes attach; supersedes, when set,
// names the assistant message this turn replaces.
func (o *Orchestrator) startTurn(ctx context.Context, conv *model.Conversation, adapter llm.Adapter, sel Selection, leafID, parentID, supersedes string) *Turn {
	turnCtx := ctx
	cancelTimeout := context.CancelFunc(func() {})
	if o.cfg.TurnTimeout > 0 {
		turnCtx, cancelTimeout = context.WithTimeout(ctx, o.cfg.TurnTimeout)
	}

	controller := toolloop.New(toolloop.Config{
		Adapter:        adapter,
		Executor:       o.executor,
		IterationLimit: o.cfg.ToolIterationLimit,
		CallTimeout:    o.cfg.ProviderCallTimeout,
		Logger:         o.logger,
	})

	t := &Turn{
		ID:             newTurnID(),
		ConversationID: conv.ID,
		events:         make(chan model.OutboundEvent, 64),
		done:           make(chan struct{}),
		controller:     controller,
		ctx:            turnCtx,
	}
	// Persistence must survive caller disconnection and the turn deadline:
	// partial content is written exactly when those fire.
	persistCtx := context.WithoutCancel(turnCtx)

	go o.runTurn(turnCtx, persistCtx, cancelTimeout, t, conv, adapter, sel, leafID, parentID, supersedes)
	return t
}

func (o *Orchestrator) runTurn(ctx, persistCtx context.Context, cancelTimeout context.CancelFunc, t *Turn, conv *model.Conversation, adapter llm.Adapter, sel Selection, leafID, parentID, supersedes string) {
	defer close(t.events)
	defer close(t.done)
	defer cancelTimeout()

	start := time.Now()
	log := o.logger.WithTurn(conv.ID, t.ID)

	view, err := o.store.AncestorChain(persistCtx, leafID)
	if err != nil {
		log.Error("failed to load conversation view", zap.Error(err))
		t.emit(model.OutboundEvent{
			Type:         model.EventFailed,
			ErrorKind:    string(llm.KindUnknown),
			ErrorMessage: "failed to load conversation history",
		})
		return
	}

	budget := token.Budget{
		ContextTokens:  contextTokens(sel.Provider, sel.Model),
		ReservedOutput: o.cfg.ReservedOutputTokens,
	}
	result := window.Build(view, budget, adapter.Capabilities(), token.ForProvider(sel.Provider))
	for _, w := range result.Warnings {
		t.emit(model.OutboundEvent{Type: model.EventWarning, Warning: w})
	}
	if result.DroppedCount > 0 {
		metrics.ContextMessagesDropped.WithLabelValues(sel.Provider).Add(float64(result.DroppedCount))
		log.Info("context window trimmed",
			zap.Int("dropped", result.DroppedCount),
			zap.Int("kept_tokens", result.Tokens),
		)
	}

	req := &llm.Request{
		Model:           sel.Model,
		Messages:        result.Messages,
		Tools:           o.executor.Specs(),
		MaxOutputTokens: o.cfg.ReservedOutputTokens,
	}

	sink := &turnSink{
		orchestrator: o,
		turn:         t,
		ctx:          persistCtx,
		conversation: conv,
		model:        sel.Model,
		parentID:     parentID,
		supersedes:   supersedes,
	}

	outcome := t.controller.Run(ctx, req, sink)

	switch {
	case outcome.Err != nil:
		log.Warn("turn failed",
			zap.String("kind", string(outcome.Err.Kind)),
			zap.Error(outcome.Err),
		)
		t.emit(model.OutboundEvent{
			Type:         model.EventFailed,
			ErrorKind:    string(outcome.Err.Kind),
			ErrorMessage: outcome.Err.Summary,
		})
		metrics.RecordTurn(sel.Provider, "failed", time.Since(start).Seconds(), outcome.Iterations)

	default:
		usage := outcome.Usage
		t.emit(model.OutboundEvent{
			Type:         model.EventCompleted,
			FinishReason: outcome.FinishReason,
			Usage:        &usage,
		})
		outcomeLabel := "ok"
		if outcome.Cancelled {
			outcomeLabel = "cancelled"
		} else if outcome.Incomplete {
			outcomeLabel = "timeout"
		}
		metrics.RecordTurn(sel.Provider, outcomeLabel, time.Since(start).Seconds(), outcome.Iterations)
	}

	if o.journal != nil {
		terminal := model.OutboundEvent{Type: model.EventCompleted, FinishReason: outcome.FinishReason, CreatedAt: time.Now()}
		if outcome.Err != nil {
			terminal = model.OutboundEvent{Type: model.EventFailed, ErrorKind: string(outcome.Err.Kind), CreatedAt: time.Now()}
		}
		if err := o.journal.RecordEvent(persistCtx, conv.ID, &terminal); err != nil {
			log.Warn("failed to journal turn event", zap.Error(err))
		}
	}
}

// contextTokens returns the context window size for a provider/model pair.
// Unknown models get a deliberately small window; the builder then trims
// harder, which is always safe.
func contextTokens(provider, modelName string) int {
	switch provider {
	case "anthropic":
		return 200000
	case "openai":
		switch {
		case strings.HasPrefix(modelName, "gpt-4o"), strings.HasPrefix(modelName, "gpt-4-turbo"):
			return 128000
		case strings.HasPrefix(modelName, "gpt-4"):
			return 8192
		case strings.HasPrefix(modelName, "gpt-3.5-turbo"):
			return 16385
		}
	}
	return 32768
}
