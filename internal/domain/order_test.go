package domain

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusCreated, OrderStatusReservationPending, true},
		{OrderStatusReservationPending, OrderStatusReservationConfirmed, true},
		{OrderStatusReservationPending, OrderStatusReservationDenied, true},
		{OrderStatusReservationConfirmed, OrderStatusReservationDenied, false},
		{OrderStatusReservationConfirmed, OrderStatusPaymentPending, true},
		{OrderStatusPaymentPending, OrderStatusPaymentCaptured, true},
		{OrderStatusPaymentCaptured, OrderStatusFulfilling, true},
		{OrderStatusFulfilling, OrderStatusCompleted, true},
		{OrderStatusCreated, OrderStatusPaymentPending, false},
		{OrderStatusFulfilling, OrderStatusCancelled, true},
		{OrderStatusCompleted, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusCancelled, false},
		{OrderStatusReservationDenied, OrderStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOrderTotal(t *testing.T) {
	items := []OrderItem{
		{SKU: "SKU-RED-CHAIR", Quantity: 2, UnitPrice: decimal.RequireFromString("49.99")},
		{SKU: "SKU-BLUE-LAMP", Quantity: 1, UnitPrice: decimal.RequireFromString("19.99")},
	}
	assert.True(t, decimal.RequireFromString("119.97").Equal(OrderTotal(items)))
}

func TestOrder_Clone(t *testing.T) {
	o := Order{
		ID:      "o-1",
		Items:   []OrderItem{{SKU: "A", Quantity: 1}},
		Payment: &PaymentIntent{ID: "p-1"},
	}
	c := o.Clone()
	c.Items[0].Quantity = 9
	c.Payment.ID = "p-2"

	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Equal(t, "p-1", o.Payment.ID)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "validation_failed", KindOf(fmt.Errorf("item 0: %w", ErrValidation)).Code)
	assert.Equal(t, RetryNever, KindOf(ErrIdempotencyConflict).Retry)
	assert.Equal(t, RetryWithFreshSignature, KindOf(ErrSignatureExpired).Retry)
	assert.Equal(t, "internal_error", KindOf(fmt.Errorf("boom")).Code)
}
