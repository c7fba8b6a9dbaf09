// Package orders owns the order lifecycle: the state machine, its storage and
// the HTTP commands that drive it.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/keylock"
)

// Repository stores orders. Get returns nil, nil for an unknown id.
type Repository interface {
	Create(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
}

type Publisher interface {
	Publish(ctx context.Context, e domain.Event) domain.Event
}

type Reserver interface {
	Reserve(ctx context.Context, orderID string, items []domain.OrderItem) (domain.ReservationResult, error)
	Release(ctx context.Context, orderID string) error
	Confirm(ctx context.Context, orderID string) error
}

type PlaceOrderInput struct {
	CustomerID string             `json:"customer_id"`
	Currency   string             `json:"currency"`
	Items      []domain.OrderItem `json:"items"`
	Note       string             `json:"note,omitempty"`
}

func (in PlaceOrderInput) validate() error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return fmt.Errorf("customer_id is required: %w", domain.ErrValidation)
	}
	if len(in.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code: %w", domain.ErrValidation)
	}
	for _, r := range in.Currency {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return fmt.Errorf("currency must be a 3-letter code: %w", domain.ErrValidation)
		}
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("order needs at least one item: %w", domain.ErrValidation)
	}
	for i, item := range in.Items {
		switch {
		case strings.TrimSpace(item.SKU) == "":
			return fmt.Errorf("item %d: sku is required: %w", i, domain.ErrValidation)
		case item.Quantity <= 0:
			return fmt.Errorf("item %d: qty must be positive: %w", i, domain.ErrValidation)
		case !item.UnitPrice.IsPositive():
			return fmt.Errorf("item %d: unit_price must be positive: %w", i, domain.ErrValidation)
		}
	}
	return nil
}

type ShipmentUpdate struct {
	Status   string `json:"status"`
	Carrier  string `json:"carrier,omitempty"`
	Tracking string `json:"tracking,omitempty"`
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// Machine applies lifecycle commands. Commands for one order are serialized;
// different orders proceed independently. Every transition is stored before
// its event is published, and published before the command returns.
type Machine struct {
	repo      Repository
	publisher Publisher
	reserver  Reserver
	locks     *keylock.Map
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewMachine(repo Repository, publisher Publisher, reserver Reserver, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		repo:      repo,
		publisher: publisher,
		reserver:  reserver,
		locks:     keylock.New(),
		clock:     clock.NewSystem(),
		logger:    logger,
		tracer:    otel.Tracer("orders"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PlaceOrder creates the order, asks for a reservation and returns the order
// once the reservation outcome has been applied. Once the order is stored it
// is always returned without error; an order whose reservation could not be
// decided stays reservation_pending.
func (m *Machine) PlaceOrder(ctx context.Context, in PlaceOrderInput) (domain.Order, error) {
	ctx, span := m.tracer.Start(ctx, "orders.place")
	defer span.End()

	if err := in.validate(); err != nil {
		return domain.Order{}, err
	}

	now := m.clock.Now()
	order := domain.Order{
		ID:         uuid.New().String(),
		CustomerID: in.CustomerID,
		Currency:   strings.ToUpper(in.Currency),
		Items:      append([]domain.OrderItem(nil), in.Items...),
		Total:      domain.OrderTotal(in.Items),
		Note:       in.Note,
		Status:     domain.OrderStatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	unlock := m.locks.Lock(order.ID)
	if err := m.repo.Create(ctx, order); err != nil {
		unlock()
		return domain.Order{}, m.fail(span, "create order", err)
	}
	m.emit(ctx, domain.EventOrderCreated, order, domain.OrderEventPayload{Status: order.Status, Total: order.Total.StringFixed(2)})

	// From here on the order exists. Failures are logged and the order is
	// returned in its last stored state, which can still be cancelled.
	err := m.transition(ctx, &order, domain.OrderStatusReservationPending)
	unlock()
	if err != nil {
		m.logger.Error("failed to request reservation", "error", m.fail(span, "request reservation", err), "order_id", order.ID)
		return order, nil
	}
	m.logger.Info("order created", "order_id", order.ID, "customer_id", order.CustomerID, "total", order.Total.StringFixed(2))

	result, err := m.reserver.Reserve(ctx, order.ID, order.Items)
	if err != nil {
		m.logger.Error("failed to reserve stock", "error", m.fail(span, "reserve stock", err), "order_id", order.ID)
		return order, nil
	}
	result.OrderID = order.ID

	applied, err := m.ApplyReservationOutcome(ctx, result)
	if err != nil {
		m.logger.Error("failed to apply reservation outcome", "error", m.fail(span, "apply reservation outcome", err), "order_id", order.ID)
		return order, nil
	}
	return applied, nil
}

// ApplyReservationOutcome moves a pending order to confirmed or denied.
// Outcomes for orders that are no longer pending are ignored, except that a
// late grant for a cancelled order has its hold released.
func (m *Machine) ApplyReservationOutcome(ctx context.Context, result domain.ReservationResult) (domain.Order, error) {
	unlock := m.locks.Lock(result.OrderID)
	defer unlock()

	order, err := m.load(ctx, result.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	if order.Status != domain.OrderStatusReservationPending {
		if result.Granted && order.Status == domain.OrderStatusCancelled {
			if err := m.reserver.Release(ctx, order.ID); err != nil {
				return domain.Order{}, fmt.Errorf("release late grant: %w", err)
			}
			m.logger.Info("released reservation for cancelled order", "order_id", order.ID)
		}
		return order, nil
	}

	if result.Granted {
		if err := m.transition(ctx, &order, domain.OrderStatusReservationConfirmed); err != nil {
			return domain.Order{}, err
		}
		m.emit(ctx, domain.EventInventoryReserved, order, domain.OrderEventPayload{Status: order.Status})
		m.logger.Info("reservation confirmed", "order_id", order.ID)
		return order, nil
	}

	if err := m.transition(ctx, &order, domain.OrderStatusReservationDenied); err != nil {
		return domain.Order{}, err
	}
	m.emit(ctx, domain.EventInventoryReservationDenied, order, domain.ReservationDeniedPayload{
		Status:    order.Status,
		Shortages: result.Shortages,
	})
	m.logger.Info("reservation denied", "order_id", order.ID, "shortages", len(result.Shortages))
	return order, nil
}

// CreatePaymentIntent opens a payment for the order total. A non-nil amount
// must equal the total.
func (m *Machine) CreatePaymentIntent(ctx context.Context, orderID string, amount *decimal.Decimal) (domain.Order, error) {
	ctx, span := m.tracer.Start(ctx, "orders.create_payment_intent", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := m.require(order, domain.OrderStatusPaymentPending); err != nil {
		return domain.Order{}, err
	}
	if amount != nil && !amount.Equal(order.Total) {
		return domain.Order{}, fmt.Errorf("amount %s does not match order total %s: %w",
			amount.StringFixed(2), order.Total.StringFixed(2), domain.ErrValidation)
	}

	order.Payment = &domain.PaymentIntent{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Amount:    order.Total,
		Currency:  order.Currency,
		Status:    domain.PaymentStatusRequiresCapture,
		CreatedAt: m.clock.Now(),
	}
	if err := m.transition(ctx, &order, domain.OrderStatusPaymentPending); err != nil {
		return domain.Order{}, m.fail(span, "create payment intent", err)
	}
	m.emit(ctx, domain.EventPaymentIntentCreated, order, paymentPayload(order))
	m.logger.Info("payment intent created", "order_id", order.ID, "payment_id", order.Payment.ID)
	return order, nil
}

// CapturePayment records the payment, confirms the held stock and hands the
// order to fulfilment. paymentID is optional; when set it must match the
// order's intent.
func (m *Machine) CapturePayment(ctx context.Context, orderID, paymentID string) (domain.Order, error) {
	ctx, span := m.tracer.Start(ctx, "orders.capture_payment", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := m.require(order, domain.OrderStatusPaymentCaptured); err != nil {
		return domain.Order{}, err
	}
	if paymentID != "" && order.Payment != nil && order.Payment.ID != paymentID {
		return domain.Order{}, fmt.Errorf("payment %s does not belong to order %s: %w", paymentID, order.ID, domain.ErrValidation)
	}

	if order.Payment != nil {
		order.Payment.Status = domain.PaymentStatusSucceeded
	}
	if err := m.transition(ctx, &order, domain.OrderStatusPaymentCaptured); err != nil {
		return domain.Order{}, m.fail(span, "capture payment", err)
	}
	m.emit(ctx, domain.EventPaymentSucceeded, order, paymentPayload(order))

	if err := m.reserver.Confirm(ctx, order.ID); err != nil {
		m.logger.Error("failed to confirm reservations", "error", err, "order_id", order.ID)
	}

	// Capture is stored; the order is returned as captured if fulfilment
	// cannot start.
	if err := m.transition(ctx, &order, domain.OrderStatusFulfilling); err != nil {
		m.logger.Error("failed to start fulfilment", "error", m.fail(span, "start fulfilment", err), "order_id", order.ID)
		return order, nil
	}
	m.emit(ctx, domain.EventOrderFulfilling, order, domain.OrderEventPayload{Status: order.Status})
	m.logger.Info("payment captured", "order_id", order.ID)
	return order, nil
}

// UpdateShipment records carrier progress for an order in fulfilment. The
// order state does not change.
func (m *Machine) UpdateShipment(ctx context.Context, orderID string, update ShipmentUpdate) (domain.Order, error) {
	if strings.TrimSpace(update.Status) == "" {
		return domain.Order{}, fmt.Errorf("shipment status is required: %w", domain.ErrValidation)
	}

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusFulfilling {
		return domain.Order{}, fmt.Errorf("order %s is %s, shipments need %s: %w",
			order.ID, order.Status, domain.OrderStatusFulfilling, domain.ErrInvalidState)
	}

	now := m.clock.Now()
	order.Shipment = &domain.Shipment{
		Status:    update.Status,
		Carrier:   update.Carrier,
		Tracking:  update.Tracking,
		UpdatedAt: now,
	}
	order.UpdatedAt = now
	if err := m.repo.Update(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("update shipment: %w", err)
	}
	m.emit(ctx, domain.EventShipmentUpdated, order, domain.ShipmentEventPayload{Status: order.Status, Shipment: *order.Shipment})
	m.logger.Info("shipment updated", "order_id", order.ID, "shipment_status", update.Status)
	return order, nil
}

func (m *Machine) CompleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := m.transition(ctx, &order, domain.OrderStatusCompleted); err != nil {
		return domain.Order{}, err
	}
	m.emit(ctx, domain.EventOrderCompleted, order, domain.OrderEventPayload{Status: order.Status})
	m.logger.Info("order completed", "order_id", order.ID)
	return order, nil
}

// CancelOrder releases any held stock and cancels a non-terminal order.
func (m *Machine) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := m.tracer.Start(ctx, "orders.cancel", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := m.require(order, domain.OrderStatusCancelled); err != nil {
		return domain.Order{}, err
	}

	if err := m.reserver.Release(ctx, order.ID); err != nil {
		return domain.Order{}, m.fail(span, "release stock", err)
	}
	if err := m.transition(ctx, &order, domain.OrderStatusCancelled); err != nil {
		return domain.Order{}, m.fail(span, "cancel order", err)
	}
	m.emit(ctx, domain.EventOrderCancelled, order, domain.OrderEventPayload{Status: order.Status})
	m.logger.Info("order cancelled", "order_id", order.ID)
	return order, nil
}

func (m *Machine) Get(ctx context.Context, id string) (domain.Order, error) {
	return m.load(ctx, id)
}

// List returns orders newest first, optionally narrowed to one status. A
// non-positive limit returns everything.
func (m *Machine) List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrValidation)
	}
	orders, err := m.repo.List(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (m *Machine) load(ctx context.Context, id string) (domain.Order, error) {
	order, err := m.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return *order, nil
}

func (m *Machine) require(order domain.Order, next domain.OrderStatus) error {
	if !order.Status.CanTransition(next) {
		return fmt.Errorf("order %s cannot move from %s to %s: %w", order.ID, order.Status, next, domain.ErrInvalidState)
	}
	return nil
}

// transition moves order to next and stores it. order is only modified when
// the store accepted the change.
func (m *Machine) transition(ctx context.Context, order *domain.Order, next domain.OrderStatus) error {
	if err := m.require(*order, next); err != nil {
		return err
	}
	updated := order.Clone()
	updated.Status = next
	updated.UpdatedAt = m.clock.Now()
	if err := m.repo.Update(ctx, updated); err != nil {
		return fmt.Errorf("store %s: %w", next, err)
	}
	*order = updated
	return nil
}

func (m *Machine) emit(ctx context.Context, kind domain.EventKind, order domain.Order, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to encode event payload", "error", err, "order_id", order.ID, "event_kind", kind)
		return
	}
	m.publisher.Publish(ctx, domain.Event{
		Kind:      kind,
		OrderID:   order.ID,
		Payload:   body,
		Timestamp: order.UpdatedAt,
	})
}

func (m *Machine) fail(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return fmt.Errorf("%s: %w", msg, err)
}

func paymentPayload(order domain.Order) domain.PaymentEventPayload {
	p := domain.PaymentEventPayload{Status: order.Status, Currency: order.Currency, Amount: order.Total.StringFixed(2)}
	if order.Payment != nil {
		p.PaymentID = order.Payment.ID
	}
	return p
}
