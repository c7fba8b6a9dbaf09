package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/events"
)

func newTestServer(t *testing.T, keepalive time.Duration) (*httptest.Server, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(events.WithLogger(logger))

	mux := http.NewServeMux()
	NewSSEHandler(bus, keepalive, logger).Register(mux)
	NewWSHandler(bus, logger).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, bus
}

func waitForSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Len() == n }, time.Second, 5*time.Millisecond)
}

// readMessage returns the next SSE block, without its trailing blank line.
func readMessage(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func openSSE(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestSSEHandler(t *testing.T) {
	t.Run("frames filtered events", func(t *testing.T) {
		srv, bus := newTestServer(t, time.Minute)
		body := openSSE(t, srv.URL+"/stream/orders?order_id=o-2")
		waitForSubscribers(t, bus, 1)

		ctx := context.Background()
		bus.Publish(ctx, domain.Event{Kind: domain.EventOrderCreated, OrderID: "o-1"})
		bus.Publish(ctx, domain.Event{Kind: domain.EventOrderCreated, OrderID: "o-2", Payload: json.RawMessage(`{"status":"created"}`)})

		lines := readMessage(t, body)
		require.Len(t, lines, 3)
		assert.Equal(t, "id: 2", lines[0])
		assert.Equal(t, "event: order.created", lines[1])
		require.True(t, strings.HasPrefix(lines[2], "data: "))

		var e domain.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &e))
		assert.Equal(t, "o-2", e.OrderID)
		assert.JSONEq(t, `{"status":"created"}`, string(e.Payload))
	})

	t.Run("sends keepalive comments", func(t *testing.T) {
		srv, _ := newTestServer(t, 20*time.Millisecond)
		body := openSSE(t, srv.URL+"/stream/orders")

		assert.Equal(t, []string{": keepalive"}, readMessage(t, body))
	})

	t.Run("unsubscribes on disconnect", func(t *testing.T) {
		srv, bus := newTestServer(t, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/orders", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		waitForSubscribers(t, bus, 1)

		cancel()
		_ = resp.Body.Close()
		waitForSubscribers(t, bus, 0)
	})
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, websocket.JSON.Receive(conn, v))
}

func TestWSHandler(t *testing.T) {
	t.Run("greets then pushes every order event", func(t *testing.T) {
		srv, bus := newTestServer(t, time.Minute)
		conn := dial(t, srv, "/ws/shipments")

		var hello map[string]string
		receive(t, conn, &hello)
		assert.Equal(t, "connected", hello["type"])

		ctx := context.Background()
		bus.Publish(ctx, domain.Event{Kind: domain.EventPaymentIntentCreated, OrderID: "o-1"})
		bus.Publish(ctx, domain.Event{Kind: domain.EventInventoryReserved, OrderID: "o-1"})
		bus.Publish(ctx, domain.Event{Kind: domain.EventShipmentUpdated, OrderID: "o-1"})

		want := []domain.EventKind{domain.EventPaymentIntentCreated, domain.EventInventoryReserved, domain.EventShipmentUpdated}
		for i, kind := range want {
			var e domain.Event
			receive(t, conn, &e)
			assert.Equal(t, kind, e.Kind)
			assert.Equal(t, uint64(i+1), e.Sequence)
		}
	})

	t.Run("filters by order", func(t *testing.T) {
		srv, bus := newTestServer(t, time.Minute)
		conn := dial(t, srv, "/ws/shipments?order_id=o-9")

		var hello map[string]string
		receive(t, conn, &hello)

		ctx := context.Background()
		bus.Publish(ctx, domain.Event{Kind: domain.EventShipmentUpdated, OrderID: "o-1"})
		bus.Publish(ctx, domain.Event{Kind: domain.EventOrderCompleted, OrderID: "o-9"})

		var e domain.Event
		receive(t, conn, &e)
		assert.Equal(t, "o-9", e.OrderID)
	})

	t.Run("unsubscribes when the client leaves", func(t *testing.T) {
		srv, bus := newTestServer(t, time.Minute)
		conn := dial(t, srv, "/ws/shipments")

		var hello map[string]string
		receive(t, conn, &hello)
		waitForSubscribers(t, bus, 1)

		require.NoError(t, conn.Close())
		waitForSubscribers(t, bus, 0)
	})
}
