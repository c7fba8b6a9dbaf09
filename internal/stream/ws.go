package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/joao-fontenele/harborline/internal/events"
	"github.com/joao-fontenele/harborline/internal/respond"
)

type connectedFrame struct {
	Type string `json:"type"`
}

// WSHandler pushes every bus event to WebSocket clients, optionally narrowed
// to one order. Clients only listen; anything they send is discarded.
type WSHandler struct {
	bus    *events.Bus
	logger *slog.Logger
}

func NewWSHandler(bus *events.Bus, logger *slog.Logger) *WSHandler {
	return &WSHandler{bus: bus, logger: logger}
}

func (h *WSHandler) Register(mux respond.Router) {
	wsHandler := websocket.Handler(h.serve)
	mux.HandleFunc("GET /ws/shipments", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.ServeHTTP(w, r)
	})
}

func (h *WSHandler) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Time{})

	var filter events.Filter
	if req := conn.Request(); req != nil {
		filter.OrderID = req.URL.Query().Get("order_id")
	}
	sub := h.bus.Subscribe(filter)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go discardIncoming(conn, cancel)

	if err := websocket.JSON.Send(conn, connectedFrame{Type: "connected"}); err != nil {
		return
	}
	h.logger.Info("socket listener connected", "order_id", filter.OrderID)
	defer h.logger.Info("socket listener disconnected", "order_id", filter.OrderID)

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := websocket.JSON.Send(conn, e); err != nil {
			h.logger.Warn("failed to write socket event", "error", err, "sequence", e.Sequence)
			return
		}
	}
}

// discardIncoming reads until the peer goes away, then calls done.
func discardIncoming(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return
		}
	}
}
