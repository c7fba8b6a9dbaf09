// Package events implements the in-process broadcaster that fans committed
// domain events out to every live subscriber.
//
// Each subscription owns a bounded queue. When a reader falls behind, the
// oldest queued events are dropped and the reader receives a single
// stream.gap marker ahead of the surviving events, so loss is detectable
// without ever blocking the publisher.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/domain"
)

const DefaultBufferSize = 64

var ErrSubscriptionClosed = errors.New("subscription closed")

// Filter selects which events a subscription receives. The zero value
// matches everything.
type Filter struct {
	OrderID string
	Kinds   []domain.EventKind
}

func (f Filter) Match(e domain.Event) bool {
	if f.OrderID != "" && e.OrderID != f.OrderID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}

type Option func(*Bus)

func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	buffer int
	clock  clock.Clock
	logger *slog.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter
	live      metric.Int64UpDownCounter
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBufferSize,
		clock:  clock.NewSystem(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.initInstruments()
	return b
}

func (b *Bus) initInstruments() {
	meter := otel.Meter("events/bus")

	var err error
	if b.published, err = meter.Int64Counter("harborline.bus.events_published",
		metric.WithDescription("Domain events accepted by the bus")); err != nil {
		b.logger.Warn("failed to create bus instrument", "error", err)
		b.published = noop.Int64Counter{}
	}
	if b.dropped, err = meter.Int64Counter("harborline.bus.events_dropped",
		metric.WithDescription("Events dropped from slow subscriber queues")); err != nil {
		b.logger.Warn("failed to create bus instrument", "error", err)
		b.dropped = noop.Int64Counter{}
	}
	if b.live, err = meter.Int64UpDownCounter("harborline.bus.subscriptions",
		metric.WithDescription("Live bus subscriptions")); err != nil {
		b.logger.Warn("failed to create bus instrument", "error", err)
		b.live = noop.Int64UpDownCounter{}
	}
}

// Publish stamps e with the next sequence number and enqueues it for every
// matching subscription. It never blocks on subscribers and never fails.
func (b *Bus) Publish(ctx context.Context, e domain.Event) domain.Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	e.Payload = slices.Clone(e.Payload)

	var dropped int64

	b.mu.Lock()
	b.seq++
	e.Sequence = b.seq
	for _, s := range b.subs {
		if s.filter.Match(e) && s.deliver(e) {
			dropped++
		}
	}
	b.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("event.kind", string(e.Kind)))
	b.published.Add(ctx, 1, attrs)
	if dropped > 0 {
		b.dropped.Add(ctx, dropped, attrs)
		b.logger.Warn("subscriber queues overflowed", "event_kind", e.Kind, "sequence", e.Sequence, "dropped", dropped)
	}

	return e
}

// Subscribe registers a new subscription. After Close the returned
// subscription is already closed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		filter:    filter,
		createdAt: b.clock.Now(),
		capacity:  b.buffer,
		bus:       b,
		clock:     b.clock,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	b.live.Add(context.Background(), 1)
	return s
}

// Unsubscribe removes s and releases its queue. It is idempotent and safe to
// call while publishes are in flight.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()

	s.close()
	if ok {
		b.live.Add(context.Background(), -1)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSequence returns the sequence number of the most recent event.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close closes every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	if n := int64(len(subs)); n > 0 {
		b.live.Add(context.Background(), -n)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id        uint64
	filter    Filter
	createdAt time.Time
	capacity  int
	bus       *Bus
	clock     clock.Clock

	mu     sync.Mutex
	queue  []domain.Event
	gap    uint64
	gapSeq uint64
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func (s *Subscription) Filter() Filter       { return s.filter }
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// deliver enqueues e, dropping the oldest queued event on overflow. It
// reports whether an event was dropped.
func (s *Subscription) deliver(e domain.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	dropped := false
	if len(s.queue) >= s.capacity {
		oldest := s.queue[0]
		s.queue[0] = domain.Event{}
		s.queue = s.queue[1:]
		s.gap++
		s.gapSeq = oldest.Sequence
		dropped = true
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available, ctx is done or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.Event{}, ErrSubscriptionClosed
		}
		if s.gap > 0 {
			e := s.gapEvent()
			s.gap = 0
			s.mu.Unlock()
			return e, nil
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-s.signal:
		case <-s.done:
		}
	}
}

func (s *Subscription) gapEvent() domain.Event {
	payload, _ := json.Marshal(domain.GapPayload{Dropped: s.gap})
	return domain.Event{
		ID:        uuid.New().String(),
		Sequence:  s.gapSeq,
		Kind:      domain.EventGap,
		OrderID:   s.filter.OrderID,
		Payload:   payload,
		Timestamp: s.clock.Now(),
	}
}

// Close unsubscribes from the bus.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.gap = 0
	close(s.done)
}
