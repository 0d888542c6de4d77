package model

import (
	"fmt"
	"time"

	"orderflow/pkg/utils"
)

// OrderStatus is the saga position of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
	OrderStatusReturned   OrderStatus = "RETURNED"
	OrderStatusOutOfStock OrderStatus = "OUT_OF_STOCK"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusOutOfStock},
	OrderStatusConfirmed:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:  {OrderStatusReturned},
	OrderStatusReturned:   {OrderStatusRefunded},
	OrderStatusOutOfStock: {OrderStatusCancelled},
	OrderStatusCancelled:  nil,
	OrderStatusRefunded:   nil,
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transition
func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

func (s OrderStatus) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is in the transition table. Same-state is not
// a transition.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil for an allowed pair or for from == to, and an
// InvalidTransition error otherwise.
func ValidateTransition(from, to OrderStatus) error {
	if from == to {
		return nil
	}
	if !to.Valid() {
		return utils.NewError(utils.CodeInvalidTransition, fmt.Sprintf("unknown order status %q", to))
	}
	if !CanTransition(from, to) {
		return utils.NewError(utils.CodeInvalidTransition, fmt.Sprintf("order cannot move from %s to %s", from, to))
	}
	return nil
}

// TransitionTo validates and applies a status change. changed is false when the order is
// already in status to; the order is left untouched on error.
func (o *Order) TransitionTo(to OrderStatus, now time.Time) (changed bool, err error) {
	if err := ValidateTransition(o.Status, to); err != nil {
		return false, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if o.Status == to {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = now
	return true, nil
}
