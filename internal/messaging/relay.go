package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Relay forwards bus events to Kafka as one more bus subscriber. Delivery is
// best effort: a failed write is logged and the relay moves on.
type Relay struct {
	bus       *events.Bus
	publisher EventPublisher
	logger    *slog.Logger
}

func NewRelay(bus *events.Bus, publisher EventPublisher, logger *slog.Logger) *Relay {
	return &Relay{bus: bus, publisher: publisher, logger: logger}
}

// Run relays until ctx is done or the bus is closed.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.bus.Subscribe(events.Filter{})
	defer sub.Close()

	r.logger.Info("event relay started")
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, events.ErrSubscriptionClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		if e.Kind == domain.EventGap {
			r.logger.Warn("event relay fell behind", "payload", string(e.Payload), "sequence", e.Sequence)
			continue
		}

		if err := r.publisher.Publish(ctx, e); err != nil {
			r.logger.Error("failed to relay event", "error", err, "event_kind", e.Kind, "order_id", e.OrderID, "sequence", e.Sequence)
		}
	}
}
