package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joao-fontenele/harborline/internal/domain"
)

type fakeCapturer struct {
	calls []string
	err   error
}

func (f *fakeCapturer) CapturePayment(_ context.Context, orderID, paymentID string) (domain.Order, error) {
	f.calls = append(f.calls, orderID+"/"+paymentID)
	return domain.Order{ID: orderID}, f.err
}

func newTestReceiver(capturer PaymentCapturer) (*http.ServeMux, *Signer) {
	signer, _ := newTestSigner()
	mux := http.NewServeMux()
	NewReceiver(signer, secret, time.Minute, capturer, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return mux, signer
}

func post(mux *http.ServeMux, payload, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const paymentEvent = `{"type":"payment.succeeded","data":{"order_id":"o-1","payment_id":"p-1"}}`

func TestReceiver_HandlePayment(t *testing.T) {
	t.Run("captures on a valid signature", func(t *testing.T) {
		capturer := &fakeCapturer{}
		mux, signer := newTestReceiver(capturer)

		rec := post(mux, paymentEvent, signer.Sign([]byte(paymentEvent), secret))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(capturer.calls) != 1 || capturer.calls[0] != "o-1/p-1" {
			t.Errorf("expected one capture for o-1/p-1, got %v", capturer.calls)
		}

		var receipt Receipt
		if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !receipt.Applied {
			t.Error("expected receipt to be applied")
		}
	})

	t.Run("redelivery after capture is acknowledged", func(t *testing.T) {
		capturer := &fakeCapturer{err: fmt.Errorf("wrapped: %w", domain.ErrInvalidState)}
		mux, signer := newTestReceiver(capturer)

		rec := post(mux, paymentEvent, signer.Sign([]byte(paymentEvent), secret))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("unknown order is acknowledged without applying", func(t *testing.T) {
		capturer := &fakeCapturer{err: fmt.Errorf("order o-404: %w", domain.ErrNotFound)}
		mux, signer := newTestReceiver(capturer)

		rec := post(mux, paymentEvent, signer.Sign([]byte(paymentEvent), secret))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var receipt Receipt
		if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if receipt.Applied {
			t.Error("expected receipt not to be applied")
		}
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		capturer := &fakeCapturer{}
		mux, signer := newTestReceiver(capturer)

		header := signer.Sign([]byte(`{"other":"payload"}`), secret)
		rec := post(mux, paymentEvent, header)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
		if len(capturer.calls) != 0 {
			t.Errorf("expected no captures, got %v", capturer.calls)
		}
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		mux, _ := newTestReceiver(&fakeCapturer{})

		rec := post(mux, paymentEvent, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("ignores other event types", func(t *testing.T) {
		capturer := &fakeCapturer{}
		mux, signer := newTestReceiver(capturer)

		payload := `{"type":"payment.refunded","data":{"order_id":"o-1"}}`
		rec := post(mux, payload, signer.Sign([]byte(payload), secret))
		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if len(capturer.calls) != 0 {
			t.Errorf("expected no captures, got %v", capturer.calls)
		}
	})
}
