package recipient

import (
	"context"
	"fmt"

	"castbot/internal/eventbus"
	"castbot/internal/metrics"
	logx "castbot/pkg/logx"
)

// Deactivator is the write side of the recipient store used for pruning.
type Deactivator interface {
	DeactivateRecipient(ctx context.Context, id int64) (bool, error)
}

// PrunedEvent is published on eventbus.TopicRecipientPruned.
type PrunedEvent struct {
	RecipientID int64
}

// Pruner marks permanently unreachable recipients inactive. Re-enrollment
// (/start) is the only way back.
type Pruner struct {
	store Deactivator
	bus   eventbus.Bus
	log   logx.Logger
}

func NewPruner(store Deactivator, bus eventbus.Bus, log logx.Logger) *Pruner {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Pruner{store: store, bus: bus, log: log.With(logx.String("comp", "recipient.pruner"))}
}

// Prune deactivates id. It reports whether this call flipped the flag;
// pruning an already inactive recipient is a no-op.
func (p *Pruner) Prune(ctx context.Context, id int64) (bool, error) {
	flipped, err := p.store.DeactivateRecipient(ctx, id)
	if err != nil {
		return false, fmt.Errorf("prune recipient %d: %w", id, err)
	}
	if flipped {
		metrics.RecipientsPruned.Inc()
		p.bus.Publish(eventbus.Event{Type: eventbus.TopicRecipientPruned, Data: PrunedEvent{RecipientID: id}})
		p.log.Info("recipient pruned", logx.Int64("recipient_id", id))
	}
	return flipped, nil
}
