// Package stream adapts bus subscriptions to the server-push transports:
// Server-Sent Events and WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/events"
	"github.com/joao-fontenele/harborline/internal/respond"
)

const DefaultKeepalive = 15 * time.Second

// SSEHandler streams order events as text/event-stream. Each event becomes one
// message; idle periods are filled with comment lines.
type SSEHandler struct {
	bus       *events.Bus
	keepalive time.Duration
	logger    *slog.Logger
}

func NewSSEHandler(bus *events.Bus, keepalive time.Duration, logger *slog.Logger) *SSEHandler {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &SSEHandler{bus: bus, keepalive: keepalive, logger: logger}
}

func (h *SSEHandler) Register(mux respond.Router) {
	mux.Handle("GET /stream/orders", h)
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's request timeouts.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	orderID := r.URL.Query().Get("order_id")
	sub := h.bus.Subscribe(events.Filter{OrderID: orderID})
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("streaming unsupported", "error", err)
		return
	}

	h.logger.Info("sse subscriber connected", "order_id", orderID)
	defer h.logger.Info("sse subscriber disconnected", "order_id", orderID)

	ctx := r.Context()
	for {
		e, err := h.next(ctx, sub)
		switch {
		case errors.Is(err, errKeepalive):
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		case err != nil:
			return
		default:
			if err := writeEvent(w, e); err != nil {
				h.logger.Warn("failed to write sse event", "error", err, "sequence", e.Sequence)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

var errKeepalive = errors.New("keepalive due")

func (h *SSEHandler) next(ctx context.Context, sub *events.Subscription) (domain.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.keepalive)
	defer cancel()

	e, err := sub.Next(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.Event{}, errKeepalive
	}
	return e, err
}

// writeEvent frames e as one SSE message. JSON never contains raw newlines,
// so a single data line is enough.
func writeEvent(w io.Writer, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Kind, data)
	return err
}
