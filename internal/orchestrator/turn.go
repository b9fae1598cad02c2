package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchline-ai/conversation-engine/internal/model"
	"github.com/branchline-ai/conversation-engine/internal/toolloop"
)

// Turn is one in-flight assistant response cycle. Events() yields the
// normalized event stream and closes when the turn reaches a terminal
// state; Cancel is safe from any goroutine and idempotent.
type Turn struct {
	ID             string
	ConversationID string

	events     chan model.OutboundEvent
	done       chan struct{}
	controller *toolloop.Controller
	ctx        context.Context
	cancelOnce sync.Once
}

// Events returns the turn's outbound event stream. The channel closes
// after the terminal Completed or Failed event. Single consumer.
func (t *Turn) Events() <-chan model.OutboundEvent {
	return t.events
}

// Done closes when the turn has fully finished, including persistence.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Cancel requests best-effort cancellation. Content streamed so far is
// still persisted as an incomplete message; calling Cancel twice produces
// the same terminal state as calling it once.
func (t *Turn) Cancel() {
	t.cancelOnce.Do(t.controller.Cancel)
}

// emit delivers an event to the consumer. Once the turn context is done
// the consumer may have stopped draining, so delivery degrades to
// non-blocking rather than wedging the turn goroutine.
func (t *Turn) emit(ev model.OutboundEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
