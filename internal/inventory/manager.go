package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/keylock"
)

// Manager decides all-or-nothing reservations. Decisions touching the same
// SKU are serialized; disjoint SKU sets proceed in parallel.
type Manager struct {
	store  Store
	locks  *keylock.Map
	logger *slog.Logger
	tracer trace.Tracer
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		locks:  keylock.New(),
		logger: logger,
		tracer: otel.Tracer("inventory"),
	}
}

// Reserve holds every line for orderID or none of them. An order that already
// holds stock gets its existing grant back.
func (m *Manager) Reserve(ctx context.Context, orderID string, items []domain.OrderItem) (domain.ReservationResult, error) {
	ctx, span := m.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	lines, err := mergeLines(items)
	if err != nil {
		return domain.ReservationResult{}, err
	}

	skus := make([]string, len(lines))
	for i, line := range lines {
		skus[i] = line.SKU
	}
	unlock := m.locks.LockAll(skus)
	defer unlock()

	existing, err := m.store.Reservations(ctx, orderID)
	if err != nil {
		return domain.ReservationResult{}, m.fail(span, "load reservations", err)
	}
	for _, r := range existing {
		if r.Active() {
			return domain.ReservationResult{OrderID: orderID, Granted: true}, nil
		}
	}

	shortages, err := m.shortages(ctx, lines)
	if err != nil {
		return domain.ReservationResult{}, m.fail(span, "check stock", err)
	}
	if len(shortages) == 0 {
		err = m.store.Hold(ctx, orderID, lines)
		if errors.Is(err, ErrInsufficientStock) {
			// Stock moved underneath us through another process.
			if shortages, err = m.shortages(ctx, lines); err == nil && len(shortages) == 0 {
				err = ErrInsufficientStock
			}
		}
		if err != nil {
			return domain.ReservationResult{}, m.fail(span, "hold stock", err)
		}
	}

	result := domain.ReservationResult{OrderID: orderID, Granted: len(shortages) == 0, Shortages: shortages}
	span.SetAttributes(attribute.Bool("reservation.granted", result.Granted))
	if result.Granted {
		m.logger.Info("stock reserved", "order_id", orderID, "lines", len(lines))
	} else {
		m.logger.Info("reservation denied", "order_id", orderID, "shortages", len(shortages))
	}
	return result, nil
}

func (m *Manager) shortages(ctx context.Context, lines []domain.ReservationLine) ([]domain.Shortage, error) {
	var shortages []domain.Shortage
	for _, line := range lines {
		level, err := m.store.Stock(ctx, line.SKU)
		if err != nil {
			return nil, err
		}
		available := 0
		if level != nil {
			available = level.Available
		}
		if available < line.Quantity {
			shortages = append(shortages, domain.Shortage{SKU: line.SKU, Available: available, Requested: line.Quantity})
		}
	}
	return shortages, nil
}

// Release returns every active hold of orderID to available stock. Releasing
// twice is a no-op.
func (m *Manager) Release(ctx context.Context, orderID string) error {
	ctx, span := m.tracer.Start(ctx, "inventory.release", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	held, err := m.store.Reservations(ctx, orderID)
	if err != nil {
		return m.fail(span, "load reservations", err)
	}
	skus := make([]string, 0, len(held))
	for _, r := range held {
		skus = append(skus, r.SKU)
	}
	unlock := m.locks.LockAll(skus)
	defer unlock()

	released, err := m.store.Release(ctx, orderID)
	if err != nil {
		return m.fail(span, "release stock", err)
	}
	if len(released) > 0 {
		m.logger.Info("stock released", "order_id", orderID, "lines", len(released))
	}
	return nil
}

// Confirm marks the pending holds of orderID as confirmed.
func (m *Manager) Confirm(ctx context.Context, orderID string) error {
	n, err := m.store.Confirm(ctx, orderID)
	if err != nil {
		return fmt.Errorf("confirm reservations: %w", err)
	}
	m.logger.Info("reservations confirmed", "order_id", orderID, "lines", n)
	return nil
}

func (m *Manager) Stock(ctx context.Context, sku string) (domain.StockLevel, error) {
	level, err := m.store.Stock(ctx, sku)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("get stock: %w", err)
	}
	if level == nil {
		return domain.StockLevel{}, fmt.Errorf("sku %q: %w", sku, domain.ErrNotFound)
	}
	return *level, nil
}

func (m *Manager) Snapshot(ctx context.Context) ([]domain.StockLevel, error) {
	levels, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	return levels, nil
}

func (m *Manager) Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	held, err := m.store.Reservations(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return held, nil
}

func (m *Manager) fail(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return fmt.Errorf("%s: %w", msg, err)
}

// mergeLines folds duplicate SKUs into one line, keeping first-seen order.
func mergeLines(items []domain.OrderItem) ([]domain.ReservationLine, error) {
	index := make(map[string]int, len(items))
	lines := make([]domain.ReservationLine, 0, len(items))
	for _, item := range items {
		if item.SKU == "" || item.Quantity <= 0 {
			return nil, fmt.Errorf("reservation line %q qty %d: %w", item.SKU, item.Quantity, domain.ErrValidation)
		}
		if i, ok := index[item.SKU]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.SKU] = len(lines)
		lines = append(lines, domain.ReservationLine{SKU: item.SKU, Quantity: item.Quantity})
	}
	return lines, nil
}
