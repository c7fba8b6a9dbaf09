package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/idempotency"
	"github.com/joao-fontenele/harborline/internal/respond"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "Idempotency-Replayed"

	maxBodyBytes = 1 << 20
)

type Handler struct {
	machine *Machine
	ledger  *idempotency.Ledger
	logger  *slog.Logger
}

func NewHandler(machine *Machine, ledger *idempotency.Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		machine: machine,
		ledger:  ledger,
		logger:  logger,
	}
}

func (h *Handler) Register(mux respond.Router) {
	mux.HandleFunc("POST /orders", h.HandleCreate)
	mux.HandleFunc("GET /orders", h.HandleList)
	mux.HandleFunc("GET /orders/{id}", h.HandleGet)
	mux.HandleFunc("POST /orders/{id}/payment-intents", h.HandleCreatePaymentIntent)
	mux.HandleFunc("POST /orders/{id}/capture", h.HandleCapture)
	mux.HandleFunc("POST /orders/{id}/shipments", h.HandleUpdateShipment)
	mux.HandleFunc("POST /orders/{id}/complete", h.HandleComplete)
	mux.HandleFunc("POST /orders/{id}/cancel", h.HandleCancel)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "place_order", func(ctx context.Context, body []byte) (int, any, error) {
		var in PlaceOrderInput
		if err := decode(body, &in); err != nil {
			return 0, nil, err
		}
		order, err := h.machine.PlaceOrder(ctx, in)
		return http.StatusCreated, order, err
	})
}

type paymentIntentRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

func (h *Handler) HandleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.command(w, r, "create_payment_intent", func(ctx context.Context, body []byte) (int, any, error) {
		var req paymentIntentRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		order, err := h.machine.CreatePaymentIntent(ctx, id, req.Amount)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, order.Payment, nil
	})
}

type captureRequest struct {
	PaymentID string `json:"payment_id,omitempty"`
}

func (h *Handler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.command(w, r, "capture_payment", func(ctx context.Context, body []byte) (int, any, error) {
		var req captureRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		order, err := h.machine.CapturePayment(ctx, id, req.PaymentID)
		return http.StatusOK, order, err
	})
}

func (h *Handler) HandleUpdateShipment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.command(w, r, "update_shipment", func(ctx context.Context, body []byte) (int, any, error) {
		var req ShipmentUpdate
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		order, err := h.machine.UpdateShipment(ctx, id, req)
		return http.StatusOK, order, err
	})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.command(w, r, "complete_order", func(ctx context.Context, _ []byte) (int, any, error) {
		order, err := h.machine.CompleteOrder(ctx, id)
		return http.StatusOK, order, err
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.command(w, r, "cancel_order", func(ctx context.Context, _ []byte) (int, any, error) {
		order, err := h.machine.CancelOrder(ctx, id)
		return http.StatusOK, order, err
	})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respond.BadRequest(w, h.logger, "missing order id")
		return
	}

	order, err := h.machine.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	respond.JSON(w, h.logger, http.StatusOK, order)
}

// defaultListLimit caps GET /orders when no limit is given.
const defaultListLimit = 50

type listResponse struct {
	Orders []domain.Order `json:"orders"`
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond.BadRequest(w, h.logger, "limit must be a positive integer")
			return
		}
		limit = n
	}

	orders, err := h.machine.List(r.Context(), domain.OrderStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	respond.JSON(w, h.logger, http.StatusOK, listResponse{Orders: orders})
}

// command runs a mutating request through the idempotency ledger. The
// fingerprint covers the route and the canonical JSON body, so key order and
// whitespace do not matter.
func (h *Handler) command(w http.ResponseWriter, r *http.Request, operation string, run func(ctx context.Context, body []byte) (int, any, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respond.BadRequest(w, h.logger, "request body too large or unreadable")
		return
	}

	canonical, err := canonicalJSON(body)
	if err != nil {
		respond.BadRequest(w, h.logger, "invalid request body")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), canonical)

	out, err := h.ledger.Execute(r.Context(), key, operation, fingerprint, func(ctx context.Context) (idempotency.Outcome, error) {
		status, v, err := run(ctx, body)
		if err != nil {
			return idempotency.Outcome{}, err
		}
		payload, err := respond.Encode(v)
		if err != nil {
			return idempotency.Outcome{}, fmt.Errorf("encode response: %w", err)
		}
		return idempotency.Outcome{Status: status, ContentType: "application/json", Body: payload}, nil
	})
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	if out.Replayed {
		w.Header().Set(IdempotencyReplayedHeader, "true")
		h.logger.Info("replayed command", "operation", operation, "idempotency_key", key)
	}
	respond.Raw(w, out.Status, out.ContentType, out.Body)
}

func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid request body: %w", domain.ErrValidation)
	}
	return nil
}

// canonicalJSON re-encodes body with sorted keys. Numbers keep their literal
// form. An empty body stays empty.
func canonicalJSON(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
