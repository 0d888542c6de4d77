package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/utils"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
	OrderStatusReturned,
	OrderStatusOutOfStock,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]OrderStatus]bool{
		{OrderStatusPending, OrderStatusConfirmed}:    true,
		{OrderStatusPending, OrderStatusCancelled}:    true,
		{OrderStatusPending, OrderStatusOutOfStock}:   true,
		{OrderStatusConfirmed, OrderStatusPaid}:       true,
		{OrderStatusConfirmed, OrderStatusCancelled}:  true,
		{OrderStatusPaid, OrderStatusShipped}:         true,
		{OrderStatusPaid, OrderStatusRefunded}:        true,
		{OrderStatusShipped, OrderStatusDelivered}:    true,
		{OrderStatusShipped, OrderStatusReturned}:     true,
		{OrderStatusDelivered, OrderStatusReturned}:   true,
		{OrderStatusReturned, OrderStatusRefunded}:    true,
		{OrderStatusOutOfStock, OrderStatusCancelled}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			pair := [2]OrderStatus{from, to}
			err := ValidateTransition(from, to)
			switch {
			case from == to:
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.False(t, CanTransition(from, to))
			case allowed[pair]:
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.True(t, CanTransition(from, to))
			default:
				assert.ErrorIs(t, err, utils.ErrInvalidTransition, "%s -> %s", from, to)
				assert.False(t, CanTransition(from, to))
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range allStatuses {
		want := s == OrderStatusCancelled || s == OrderStatusRefunded
		assert.Equal(t, want, s.IsTerminal(), s.String())
		assert.True(t, s.Valid())
	}
	assert.False(t, OrderStatus("LOST").Valid())
	assert.False(t, OrderStatus("LOST").IsTerminal())
}

func TestOrderTransitionTo(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := created.Add(time.Minute)

	t.Run("Applies", func(t *testing.T) {
		o := &Order{ID: "o-1", Status: OrderStatusPending, UpdatedAt: created}
		changed, err := o.TransitionTo(OrderStatusConfirmed, now)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, OrderStatusConfirmed, o.Status)
		assert.Equal(t, now, o.UpdatedAt)
	})

	t.Run("SameStateIsNoop", func(t *testing.T) {
		o := &Order{ID: "o-1", Status: OrderStatusPaid, UpdatedAt: created}
		changed, err := o.TransitionTo(OrderStatusPaid, now)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, created, o.UpdatedAt)
	})

	t.Run("RejectsAndLeavesOrderUntouched", func(t *testing.T) {
		o := &Order{ID: "o-1", Status: OrderStatusCancelled, UpdatedAt: created}
		changed, err := o.TransitionTo(OrderStatusPaid, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrInvalidTransition))
		assert.False(t, utils.IsRetryable(err))
		assert.Contains(t, err.Error(), "o-1")
		assert.False(t, changed)
		assert.Equal(t, OrderStatusCancelled, o.Status)
		assert.Equal(t, created, o.UpdatedAt)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		o := &Order{ID: "o-1", Status: OrderStatusPending}
		_, err := o.TransitionTo(OrderStatus("ARCHIVED"), now)
		assert.ErrorIs(t, err, utils.ErrInvalidTransition)
	})
}

func TestOrderCancel(t *testing.T) {
	now := time.Now()
	o := &Order{ID: "o-2", Status: OrderStatusConfirmed}

	changed, err := o.Cancel("PAYMENT_FAILED", now)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, o.CancelReason)
	assert.Equal(t, "PAYMENT_FAILED", *o.CancelReason)

	changed, err = o.Cancel("again", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "PAYMENT_FAILED", *o.CancelReason)

	paid := &Order{ID: "o-3", Status: OrderStatusPaid}
	_, err = paid.Cancel("late", now)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)
	assert.Nil(t, paid.CancelReason)
}

func TestOrderTotals(t *testing.T) {
	o := &Order{Items: []OrderItem{
		NewOrderItem("SKU-1", 2, 1250),
		NewOrderItem("SKU-2", 1, 999),
	}}
	assert.Equal(t, int64(2500), o.Items[0].TotalPrice)
	assert.Equal(t, int64(3499), o.ComputeTotal())
}

func TestInventoryAndReservationHelpers(t *testing.T) {
	inv := Inventory{AvailableQuantity: 10, ReservedQuantity: 7, LowStockThreshold: 10}
	assert.Equal(t, 3, inv.Free())
	assert.True(t, inv.IsLowStock())

	now := time.Now()
	r := StockReservation{Status: ReservationReserved, ExpiresAt: now.Add(-time.Second)}
	assert.True(t, r.IsExpired(now))
	r.Status = ReservationConfirmed
	assert.False(t, r.IsExpired(now))
	assert.False(t, r.IsActive())

	p := Payment{Status: PaymentProcessing}
	assert.False(t, p.IsTerminal())
	p.Status = PaymentRefunded
	assert.True(t, p.IsTerminal())
}
