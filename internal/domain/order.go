package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated              OrderStatus = "created"
	OrderStatusReservationPending   OrderStatus = "reservation_pending"
	OrderStatusReservationConfirmed OrderStatus = "reservation_confirmed"
	OrderStatusReservationDenied    OrderStatus = "reservation_denied"
	OrderStatusPaymentPending       OrderStatus = "payment_pending"
	OrderStatusPaymentCaptured      OrderStatus = "payment_captured"
	OrderStatusFulfilling           OrderStatus = "fulfilling"
	OrderStatusCompleted            OrderStatus = "completed"
	OrderStatusCancelled            OrderStatus = "cancelled"
)

// transitions lists every legal edge of the order lifecycle. Cancellation is
// added for all non-terminal states in CanTransition.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:              {OrderStatusReservationPending},
	OrderStatusReservationPending:   {OrderStatusReservationConfirmed, OrderStatusReservationDenied},
	OrderStatusReservationConfirmed: {OrderStatusPaymentPending},
	OrderStatusPaymentPending:       {OrderStatusPaymentCaptured},
	OrderStatusPaymentCaptured:      {OrderStatusFulfilling},
	OrderStatusFulfilling:           {OrderStatusCompleted},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusReservationPending, OrderStatusReservationConfirmed,
		OrderStatusReservationDenied, OrderStatusPaymentPending, OrderStatusPaymentCaptured,
		OrderStatusFulfilling, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusReservationDenied
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type OrderItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type PaymentStatus string

const (
	PaymentStatusRequiresCapture PaymentStatus = "requires_capture"
	PaymentStatusSucceeded       PaymentStatus = "succeeded"
)

type PaymentIntent struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    PaymentStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

type Shipment struct {
	Status    string    `json:"status"`
	Carrier   string    `json:"carrier,omitempty"`
	Tracking  string    `json:"tracking,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Currency   string          `json:"currency"`
	Items      []OrderItem     `json:"items"`
	Total      decimal.Decimal `json:"total"`
	Note       string          `json:"note,omitempty"`
	Status     OrderStatus     `json:"status"`
	Payment    *PaymentIntent  `json:"payment,omitempty"`
	Shipment   *Shipment       `json:"shipment,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	if o.Shipment != nil {
		s := *o.Shipment
		c.Shipment = &s
	}
	return c
}

func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total.Round(2)
}
