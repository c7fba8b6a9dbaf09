package idempotency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/domain"
)

func newTestLedger(opts ...Option) *Ledger {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewLedger(NewMemoryStore(), opts...)
}

func created(body string) func(context.Context) (Outcome, error) {
	return func(context.Context) (Outcome, error) {
		return Outcome{Status: http.StatusCreated, ContentType: "application/json", Body: []byte(body)}, nil
	}
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint([]byte("a"), []byte("b")), Fingerprint([]byte("a"), []byte("b")))
	assert.NotEqual(t, Fingerprint([]byte("ab"), []byte("c")), Fingerprint([]byte("a"), []byte("bc")))
	assert.Len(t, Fingerprint(), 64)
}

func TestLedger_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("replays the first outcome", func(t *testing.T) {
		ledger := newTestLedger()
		var calls atomic.Int32
		fn := func(ctx context.Context) (Outcome, error) {
			calls.Add(1)
			return created(`{"id":"o-1"}`)(ctx)
		}

		first, err := ledger.Execute(ctx, "K1", "place_order", "fp", fn)
		require.NoError(t, err)
		assert.False(t, first.Replayed)

		for range 3 {
			again, err := ledger.Execute(ctx, "K1", "place_order", "fp", fn)
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, first.Status, again.Status)
			assert.Equal(t, first.Body, again.Body)
			assert.Equal(t, first.ContentType, again.ContentType)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("different fingerprint conflicts", func(t *testing.T) {
		ledger := newTestLedger()
		_, err := ledger.Execute(ctx, "K1", "place_order", "fp-a", created(`{}`))
		require.NoError(t, err)

		_, err = ledger.Execute(ctx, "K1", "place_order", "fp-b", created(`{}`))
		assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	})

	t.Run("key is scoped by operation", func(t *testing.T) {
		ledger := newTestLedger()
		_, err := ledger.Execute(ctx, "K1", "place_order", "fp-a", created(`{}`))
		require.NoError(t, err)

		out, err := ledger.Execute(ctx, "K1", "cancel_order", "fp-b", created(`{}`))
		require.NoError(t, err)
		assert.False(t, out.Replayed)
	})

	t.Run("empty key always executes", func(t *testing.T) {
		ledger := newTestLedger()
		var calls atomic.Int32
		fn := func(ctx context.Context) (Outcome, error) {
			calls.Add(1)
			return created(`{}`)(ctx)
		}
		for range 3 {
			_, err := ledger.Execute(ctx, "", "place_order", "fp", fn)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("rejected commands are not recorded", func(t *testing.T) {
		ledger := newTestLedger()
		rejected := fmt.Errorf("qty must be positive: %w", domain.ErrValidation)

		_, err := ledger.Execute(ctx, "K1", "place_order", "fp", func(context.Context) (Outcome, error) {
			return Outcome{}, rejected
		})
		require.ErrorIs(t, err, domain.ErrValidation)

		out, err := ledger.Execute(ctx, "K1", "place_order", "fp", created(`{"ok":true}`))
		require.NoError(t, err)
		assert.False(t, out.Replayed)
		assert.JSONEq(t, `{"ok":true}`, string(out.Body))
	})

	t.Run("failure after a change is replayed without running again", func(t *testing.T) {
		ledger := newTestLedger()
		var calls atomic.Int32
		fn := func(context.Context) (Outcome, error) {
			calls.Add(1)
			if calls.Load() == 1 {
				return Outcome{}, errors.New("reserve stock: connection reset")
			}
			return created(`{"id":"o-2"}`)(ctx)
		}

		_, err := ledger.Execute(ctx, "K1", "place_order", "fp", fn)
		require.Error(t, err)

		out, err := ledger.Execute(ctx, "K1", "place_order", "fp", fn)
		require.NoError(t, err)
		assert.True(t, out.Replayed)
		assert.Equal(t, http.StatusInternalServerError, out.Status)
		assert.JSONEq(t, `{"error":"internal server error","code":"internal_error","retry":"do_not_retry"}`, string(out.Body))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestLedger_ConcurrentRetries(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (Outcome, error) {
		calls.Add(1)
		<-release
		return Outcome{Status: http.StatusCreated, Body: []byte(`{"id":"o-1"}`)}, nil
	}

	results := make([]Outcome, 10)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			out, err := ledger.Execute(ctx, "K1", "place_order", "fp", fn)
			results[i] = out
			return err
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), calls.Load())
	replayed := 0
	for _, out := range results {
		assert.Equal(t, `{"id":"o-1"}`, string(out.Body))
		if out.Replayed {
			replayed++
		}
	}
	assert.Equal(t, len(results)-1, replayed)
}

func TestLedger_ConcurrentConflict(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ledger.Execute(ctx, "K1", "place_order", "fp-a", func(context.Context) (Outcome, error) {
			close(started)
			<-release
			return Outcome{Status: http.StatusCreated}, nil
		})
		done <- err
	}()

	<-started
	_, err := ledger.Execute(ctx, "K1", "place_order", "fp-b", created(`{}`))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	close(release)
	require.NoError(t, <-done)
}

func TestLedger_WaiterTakesOverAfterFailure(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	started := make(chan struct{})
	release := make(chan struct{})
	leader := make(chan error, 1)
	go func() {
		_, err := ledger.Execute(ctx, "K1", "place_order", "fp", func(context.Context) (Outcome, error) {
			close(started)
			<-release
			return Outcome{}, fmt.Errorf("order o-1: %w", domain.ErrInvalidState)
		})
		leader <- err
	}()
	<-started

	waiter := make(chan Outcome, 1)
	go func() {
		out, _ := ledger.Execute(ctx, "K1", "place_order", "fp", created(`{"id":"o-2"}`))
		waiter <- out
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	require.Error(t, <-leader)
	out := <-waiter
	assert.False(t, out.Replayed)
	assert.Equal(t, `{"id":"o-2"}`, string(out.Body))
}

func TestLedger_WaiterReplaysUnclassifiedFailure(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()

	started := make(chan struct{})
	release := make(chan struct{})
	leader := make(chan error, 1)
	go func() {
		_, err := ledger.Execute(ctx, "K1", "capture_payment", "fp", func(context.Context) (Outcome, error) {
			close(started)
			<-release
			return Outcome{}, errors.New("start fulfilment: storage unavailable")
		})
		leader <- err
	}()
	<-started

	var calls atomic.Int32
	waiter := make(chan Outcome, 1)
	go func() {
		out, _ := ledger.Execute(ctx, "K1", "capture_payment", "fp", func(ctx context.Context) (Outcome, error) {
			calls.Add(1)
			return created(`{}`)(ctx)
		})
		waiter <- out
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	require.Error(t, <-leader)
	out := <-waiter
	assert.True(t, out.Replayed)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Zero(t, calls.Load())
}

func TestLedger_Retention(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	ledger := NewLedger(store, WithClock(clk), WithRetention(time.Hour),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := ledger.Execute(ctx, "K1", "place_order", "fp", created(`{}`))
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	out, err := ledger.Execute(ctx, "K1", "place_order", "fp", created(`{}`))
	require.NoError(t, err)
	assert.True(t, out.Replayed)

	clk.Advance(time.Hour)
	n, err := ledger.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Get(ctx, "K1", "place_order")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLedger_SweepWithoutRetention(t *testing.T) {
	ledger := newTestLedger()
	n, err := ledger.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
