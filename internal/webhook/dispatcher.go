package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrPermanent marks deliveries that will not succeed on retry.
var ErrPermanent = errors.New("permanent delivery failure")

// Dispatcher signs payloads and POSTs them to a single target URL.
type Dispatcher struct {
	target string
	secret string
	signer *Signer
	client *http.Client
}

func NewDispatcher(target, secret string, signer *Signer, client *http.Client) *Dispatcher {
	return &Dispatcher{
		target: target,
		secret: secret,
		signer: signer,
		client: client,
	}
}

// Deliver sends payload. 4xx responses other than 408 and 429 wrap
// ErrPermanent; other failures are worth retrying.
func (d *Dispatcher) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, d.signer.Sign(payload, d.secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook target returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("webhook target returned status %d: %w", resp.StatusCode, ErrPermanent)
	}
}
