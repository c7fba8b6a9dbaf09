// Package idempotency records the first outcome of every keyed command so that
// client retries replay it instead of repeating side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/respond"
)

// Outcome is the captured response of a command.
type Outcome struct {
	Status      int
	ContentType string
	Body        []byte
	// Replayed is set when the outcome came from the ledger rather than a
	// fresh execution.
	Replayed bool
}

type Record struct {
	Key         string
	Operation   string
	Fingerprint string
	Outcome     Outcome
	CreatedAt   time.Time
}

// Store persists records. Put keeps the first record written for a
// (key, operation) pair and returns whichever record ended up stored.
type Store interface {
	Get(ctx context.Context, key, operation string) (*Record, error)
	Put(ctx context.Context, rec Record) (Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Fingerprint hashes the semantic parts of a request. Parts are length
// prefixed so that ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type recordKey struct {
	key       string
	operation string
}

type call struct {
	fingerprint string
	done        chan struct{}
}

type Option func(*Ledger)

// WithRetention makes records older than d invisible and eligible for Sweep.
// Zero keeps records forever.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

type Ledger struct {
	store     Store
	clock     clock.Clock
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[recordKey]*call

	executions metric.Int64Counter
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		clock:    clock.NewSystem(),
		logger:   slog.Default(),
		inflight: make(map[recordKey]*call),
	}
	for _, opt := range opts {
		opt(l)
	}

	counter, err := otel.Meter("idempotency/ledger").Int64Counter("harborline.idempotency.requests",
		metric.WithDescription("Keyed commands by result (executed, replayed, conflict)"))
	if err != nil {
		l.logger.Warn("failed to create ledger instrument", "error", err)
		counter = noop.Int64Counter{}
	}
	l.executions = counter

	return l
}

// Execute runs fn at most once per (key, operation). A matching retry gets
// the stored outcome with Replayed set. A retry with another fingerprint
// fails with domain.ErrIdempotencyConflict. Concurrent callers with the same
// key wait for the first one. When fn is rejected with a classified error
// (see domain.Rejected) nothing is recorded and a waiting caller takes over
// as the next executor. Any other error is recorded as a failure outcome
// that retries replay.
func (l *Ledger) Execute(ctx context.Context, key, operation, fingerprint string, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	if key == "" {
		return fn(ctx)
	}

	rk := recordKey{key: key, operation: operation}
	for {
		l.mu.Lock()
		if c, ok := l.inflight[rk]; ok {
			l.mu.Unlock()
			if c.fingerprint != fingerprint {
				l.count(ctx, operation, "conflict")
				return Outcome{}, fmt.Errorf("key %q in flight: %w", key, domain.ErrIdempotencyConflict)
			}
			select {
			case <-c.done:
				continue
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			}
		}
		c := &call{fingerprint: fingerprint, done: make(chan struct{})}
		l.inflight[rk] = c
		l.mu.Unlock()

		out, err := l.lead(ctx, rk, fingerprint, fn)

		l.mu.Lock()
		delete(l.inflight, rk)
		l.mu.Unlock()
		close(c.done)

		return out, err
	}
}

func (l *Ledger) lead(ctx context.Context, rk recordKey, fingerprint string, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	rec, err := l.store.Get(ctx, rk.key, rk.operation)
	if err != nil {
		return Outcome{}, fmt.Errorf("load idempotency record: %w", err)
	}
	if rec != nil && l.expired(rec) {
		rec = nil
	}
	if rec != nil {
		return l.replay(ctx, rec, fingerprint)
	}

	out, err := fn(ctx)
	if err != nil {
		if domain.Rejected(err) {
			l.count(ctx, rk.operation, "rejected")
			return Outcome{}, err
		}
		// fn may have stored changes before failing. Pin the key to the
		// failure so a retry replays it instead of running fn again.
		l.count(ctx, rk.operation, "failed")
		if _, perr := l.record(ctx, rk, fingerprint, failureOutcome(err)); perr != nil {
			l.logger.Error("failed to persist idempotency record", "error", perr, "key", rk.key, "operation", rk.operation)
		}
		return Outcome{}, err
	}
	l.count(ctx, rk.operation, "executed")

	stored, err := l.record(ctx, rk, fingerprint, out)
	if err != nil {
		// The side effect already happened; report it rather than invite a
		// retry that would repeat it.
		l.logger.Error("failed to persist idempotency record", "error", err, "key", rk.key, "operation", rk.operation)
		return out, nil
	}
	if stored.Fingerprint != fingerprint {
		return Outcome{}, fmt.Errorf("key %q stored concurrently: %w", rk.key, domain.ErrIdempotencyConflict)
	}

	out.Replayed = false
	return out, nil
}

func (l *Ledger) record(ctx context.Context, rk recordKey, fingerprint string, out Outcome) (Record, error) {
	return l.store.Put(ctx, Record{
		Key:         rk.key,
		Operation:   rk.operation,
		Fingerprint: fingerprint,
		Outcome:     out,
		CreatedAt:   l.clock.Now(),
	})
}

// failureOutcome is the response a retry of a failed command replays. It
// carries the same body the first caller received.
func failureOutcome(err error) Outcome {
	status, body := respond.ErrorBody(err)
	payload, encErr := respond.Encode(body)
	if encErr != nil {
		payload = []byte(`{"error":"internal server error","code":"internal_error"}` + "\n")
	}
	return Outcome{Status: status, ContentType: "application/json", Body: payload}
}

func (l *Ledger) replay(ctx context.Context, rec *Record, fingerprint string) (Outcome, error) {
	if rec.Fingerprint != fingerprint {
		l.count(ctx, rec.Operation, "conflict")
		return Outcome{}, fmt.Errorf("key %q: %w", rec.Key, domain.ErrIdempotencyConflict)
	}
	l.count(ctx, rec.Operation, "replayed")

	out := rec.Outcome
	out.Body = append([]byte(nil), rec.Outcome.Body...)
	out.Replayed = true
	return out, nil
}

func (l *Ledger) expired(rec *Record) bool {
	return l.retention > 0 && rec.CreatedAt.Before(l.clock.Now().Add(-l.retention))
}

// Sweep deletes records past the retention window. It is a no-op when no
// retention is configured.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	n, err := l.store.DeleteBefore(ctx, l.clock.Now().Add(-l.retention))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	return n, nil
}

func (l *Ledger) count(ctx context.Context, operation, result string) {
	l.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}
