package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/respond"
)

const maxPayloadBytes = 1 << 20

// PaymentCapturer applies a confirmed payment to an order.
type PaymentCapturer interface {
	CapturePayment(ctx context.Context, orderID, paymentID string) (domain.Order, error)
}

type Event struct {
	Type string `json:"type"`
	Data struct {
		OrderID   string `json:"order_id"`
		PaymentID string `json:"payment_id"`
	} `json:"data"`
}

type Receipt struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	OrderID  string `json:"order_id,omitempty"`
}

// Receiver handles POST /webhooks/payments from the payment provider.
type Receiver struct {
	signer    *Signer
	secret    string
	tolerance time.Duration
	payments  PaymentCapturer
	logger    *slog.Logger
}

func NewReceiver(signer *Signer, secret string, tolerance time.Duration, payments PaymentCapturer, logger *slog.Logger) *Receiver {
	return &Receiver{
		signer:    signer,
		secret:    secret,
		tolerance: tolerance,
		payments:  payments,
		logger:    logger,
	}
}

func (rc *Receiver) Register(mux respond.Router) {
	mux.HandleFunc("POST /webhooks/payments", rc.HandlePayment)
}

func (rc *Receiver) HandlePayment(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		respond.BadRequest(w, rc.logger, "payload too large or unreadable")
		return
	}

	if err := rc.signer.Verify(payload, r.Header.Get(SignatureHeader), rc.secret, rc.tolerance); err != nil {
		rc.logger.Warn("rejected webhook", "error", err)
		respond.Error(w, rc.logger, err)
		return
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		respond.BadRequest(w, rc.logger, "invalid webhook payload")
		return
	}

	receipt := Receipt{Received: true, OrderID: event.Data.OrderID}
	if event.Type != string(domain.EventPaymentSucceeded) || event.Data.OrderID == "" {
		rc.logger.Info("ignored webhook", "type", event.Type)
		respond.JSON(w, rc.logger, http.StatusOK, receipt)
		return
	}

	_, err = rc.payments.CapturePayment(r.Context(), event.Data.OrderID, event.Data.PaymentID)
	switch {
	case err == nil:
		receipt.Applied = true
		rc.logger.Info("payment webhook applied", "order_id", event.Data.OrderID, "payment_id", event.Data.PaymentID)
	case errors.Is(err, domain.ErrInvalidState):
		// Providers redeliver; an order already past payment_pending keeps its state.
		rc.logger.Info("payment webhook already applied", "order_id", event.Data.OrderID)
	case errors.Is(err, domain.ErrNotFound):
		// A 4xx would make the provider retry an event that can never apply.
		rc.logger.Warn("payment webhook for unknown order", "order_id", event.Data.OrderID)
	default:
		respond.Error(w, rc.logger, err)
		return
	}

	respond.JSON(w, rc.logger, http.StatusOK, receipt)
}
