package domain

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventOrderCreated               EventKind = "order.created"
	EventInventoryReserved          EventKind = "inventory.reserved"
	EventInventoryReservationDenied EventKind = "inventory.reservation_denied"
	EventPaymentIntentCreated       EventKind = "payment.intent_created"
	EventPaymentSucceeded           EventKind = "payment.succeeded"
	EventOrderFulfilling            EventKind = "order.fulfilling"
	EventShipmentUpdated            EventKind = "shipment.updated"
	EventOrderCompleted             EventKind = "order.completed"
	EventOrderCancelled             EventKind = "order.cancelled"

	// EventGap is synthesized per subscriber when its queue overflowed.
	EventGap EventKind = "stream.gap"
)

// Event is an immutable record of a committed state transition. Sequence is
// assigned by the bus on publish.
type Event struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"type"`
	OrderID   string          `json:"order_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type GapPayload struct {
	Dropped uint64 `json:"dropped"`
}

type OrderEventPayload struct {
	Status OrderStatus `json:"status"`
	Total  string      `json:"total,omitempty"`
}

type ReservationDeniedPayload struct {
	Status    OrderStatus `json:"status"`
	Shortages []Shortage  `json:"shortages"`
}

type PaymentEventPayload struct {
	Status    OrderStatus `json:"status"`
	PaymentID string      `json:"payment_id"`
	Amount    string      `json:"amount"`
	Currency  string      `json:"currency"`
}

type ShipmentEventPayload struct {
	Status   OrderStatus `json:"status"`
	Shipment Shipment    `json:"shipment"`
}
