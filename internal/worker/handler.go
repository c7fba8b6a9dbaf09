package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/harborline/internal/messaging"
	"github.com/joao-fontenele/harborline/internal/webhook"
)

type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) error
}

// WebhookHandler forwards consumed events to the webhook target. Transient
// failures are retried with exponential backoff; permanent ones are logged
// and skipped so one bad event cannot stall the topic.
type WebhookHandler struct {
	deliverer   Deliverer
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

func NewWebhookHandler(deliverer Deliverer, maxAttempts int, backoff time.Duration, logger *slog.Logger) *WebhookHandler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &WebhookHandler{
		deliverer:   deliverer,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

func (h *WebhookHandler) Handle(ctx context.Context, msg messaging.Message) error {
	h.logger.Info("forwarding event", "event_kind", msg.Kind, "order_id", msg.Key)

	wait := h.backoff
	var err error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err = h.deliverer.Deliver(ctx, msg.Payload)
		if err == nil {
			h.logger.Info("event delivered", "event_kind", msg.Kind, "order_id", msg.Key, "attempt", attempt)
			return nil
		}
		if errors.Is(err, webhook.ErrPermanent) {
			h.logger.Error("dropping undeliverable event", "error", err, "event_kind", msg.Kind, "order_id", msg.Key)
			return nil
		}

		h.logger.Warn("webhook delivery failed", "error", err, "event_kind", msg.Kind, "order_id", msg.Key, "attempt", attempt)
		if attempt == h.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	return fmt.Errorf("deliver %s for order %s after %d attempts: %w", msg.Kind, msg.Key, h.maxAttempts, err)
}
