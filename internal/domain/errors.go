package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrSignatureMalformed  = errors.New("malformed signature header")
	ErrSignatureMismatch   = errors.New("signature mismatch")
	ErrSignatureExpired    = errors.New("signature timestamp outside tolerance")
)

// RetryClass tells clients whether repeating a failed request can help.
type RetryClass string

const (
	RetrySafe               RetryClass = "safe_to_retry"
	RetryNever              RetryClass = "do_not_retry"
	RetryWithFreshSignature RetryClass = "retry_with_fresh_timestamp"
)

// Kind is the stable, documented classification of an error.
type Kind struct {
	Code  string
	Retry RetryClass
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, Kind{Code: "validation_failed", Retry: RetrySafe}},
	{ErrInvalidState, Kind{Code: "invalid_state", Retry: RetrySafe}},
	{ErrNotFound, Kind{Code: "not_found", Retry: RetrySafe}},
	{ErrIdempotencyConflict, Kind{Code: "idempotency_conflict", Retry: RetryNever}},
	{ErrSignatureMalformed, Kind{Code: "signature_malformed", Retry: RetryNever}},
	{ErrSignatureMismatch, Kind{Code: "signature_mismatch", Retry: RetryNever}},
	{ErrSignatureExpired, Kind{Code: "signature_expired", Retry: RetryWithFreshSignature}},
}

// KindOf classifies err. Unknown errors are internal and not retry-safe.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return Kind{Code: CodeInternal, Retry: RetryNever}
}

const CodeInternal = "internal_error"

// Rejected reports whether err is one of the classified errors above. Those
// are raised before any state changes; an unclassified error may have
// happened after a change was stored.
func Rejected(err error) bool {
	return err != nil && KindOf(err).Code != CodeInternal
}
