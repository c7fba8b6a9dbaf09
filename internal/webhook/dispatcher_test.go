package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatcher_Deliver(t *testing.T) {
	t.Run("signs the payload", func(t *testing.T) {
		signer, _ := newTestSigner()
		var got []byte
		var header string
		target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = io.ReadAll(r.Body)
			header = r.Header.Get(SignatureHeader)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer target.Close()

		payload := []byte(`{"type":"order.created","order_id":"o-1"}`)
		d := NewDispatcher(target.URL, secret, signer, target.Client())
		if err := d.Deliver(context.Background(), payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if string(got) != string(payload) {
			t.Errorf("unexpected body: %s", got)
		}
		if err := signer.Verify(got, header, secret, time.Minute); err != nil {
			t.Errorf("expected a verifiable signature, got %v", err)
		}
	})

	t.Run("classifies failures", func(t *testing.T) {
		tests := []struct {
			status    int
			permanent bool
		}{
			{http.StatusBadRequest, true},
			{http.StatusUnauthorized, true},
			{http.StatusTooManyRequests, false},
			{http.StatusServiceUnavailable, false},
		}

		for _, tt := range tests {
			target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			signer, _ := newTestSigner()
			err := NewDispatcher(target.URL, secret, signer, target.Client()).Deliver(context.Background(), []byte(`{}`))
			target.Close()

			if err == nil {
				t.Errorf("status %d: expected an error", tt.status)
				continue
			}
			if errors.Is(err, ErrPermanent) != tt.permanent {
				t.Errorf("status %d: expected permanent=%v, got %v", tt.status, tt.permanent, err)
			}
		}
	})
}
