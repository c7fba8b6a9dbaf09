// Package webhook signs and verifies payment webhooks and delivers domain
// events to an external endpoint.
//
// Signatures travel in a single header of the form
//
//	t=<unix seconds>,v1=<hex hmac-sha256 of "<t>.<payload>">
//
// Several v1 entries may be present while a secret is being rotated; any of
// them matching is enough.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/domain"
)

const SignatureHeader = "X-Signature"

const DefaultTolerance = 5 * time.Minute

type Signer struct {
	clock clock.Clock
}

func NewSigner(c clock.Clock) *Signer {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Signer{clock: c}
}

// Sign returns the signature header for payload at the current time.
func (s *Signer) Sign(payload []byte, secret string) string {
	ts := s.clock.Now().Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(digest(ts, payload, secret)))
}

// Verify checks header against payload. A malformed header fails with
// domain.ErrSignatureMalformed, a wrong digest with ErrSignatureMismatch and a
// correct digest outside tolerance with ErrSignatureExpired.
func (s *Signer) Verify(payload []byte, header, secret string, tolerance time.Duration) error {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	expected := digest(ts, payload, secret)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
		}
	}
	if !matched {
		return domain.ErrSignatureMismatch
	}

	age := s.clock.Now().Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("signed %s ago: %w", age.Round(time.Second), domain.ErrSignatureExpired)
	}
	return nil
}

func digest(ts int64, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return 0, nil, fmt.Errorf("entry %q: %w", part, domain.ErrSignatureMalformed)
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || hasTS {
				return 0, nil, fmt.Errorf("timestamp %q: %w", value, domain.ErrSignatureMalformed)
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil || len(sig) != sha256.Size {
				return 0, nil, fmt.Errorf("v1 signature: %w", domain.ErrSignatureMalformed)
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("need t and v1 entries: %w", domain.ErrSignatureMalformed)
	}
	return ts, sigs, nil
}
