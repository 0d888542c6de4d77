package model

import (
	"time"
)

// Order is the saga aggregate. ID doubles as the aggregateId of every event about it.
type Order struct {
	ID                 string      `gorm:"type:varchar(36);primaryKey;comment:order id (uuid)" json:"id"`
	OrderNumber        string      `gorm:"type:varchar(32);uniqueIndex;not null;comment:human facing order number" json:"orderNumber"`
	CustomerID         string      `gorm:"type:varchar(64);not null;index:idx_orders_customer_status;comment:customer id" json:"customerId"`
	Status             OrderStatus `gorm:"type:varchar(20);not null;index:idx_orders_customer_status;comment:saga status" json:"status"`
	TotalAmount        int64       `gorm:"type:bigint;not null;comment:total in minor units" json:"totalAmount"`
	Currency           string      `gorm:"type:char(3);not null;comment:ISO 4217 code" json:"currency"`
	PaymentMethodToken string      `gorm:"type:varchar(64);not null;comment:opaque payment method token" json:"-"`
	CancelReason       *string     `gorm:"type:varchar(255);comment:cancel reason" json:"cancelReason,omitempty"`
	CreatedAt          time.Time   `gorm:"type:timestamp(3);not null;comment:created at" json:"createdAt"`
	UpdatedAt          time.Time   `gorm:"type:timestamp(3);not null;comment:updated at" json:"updatedAt"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// TableName set name
func (Order) TableName() string {
	return "orders"
}

// OrderItem is one product line of an order
type OrderItem struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderID    string `gorm:"type:varchar(36);not null;index;comment:order id" json:"-"`
	ProductID  string `gorm:"type:varchar(64);not null;comment:product id" json:"productId"`
	Quantity   int    `gorm:"type:int;not null;comment:quantity" json:"quantity"`
	UnitPrice  int64  `gorm:"type:bigint;not null;comment:unit price in minor units" json:"unitPrice"`
	TotalPrice int64  `gorm:"type:bigint;not null;comment:line total in minor units" json:"totalPrice"`
}

// TableName set name
func (OrderItem) TableName() string {
	return "order_items"
}

// NewOrderItem builds a line and computes its total
func NewOrderItem(productID string, quantity int, unitPrice int64) OrderItem {
	return OrderItem{
		ProductID:  productID,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice * int64(quantity),
	}
}

// ComputeTotal sums the line totals
func (o *Order) ComputeTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.TotalPrice
	}
	return total
}

// IsTerminal reports whether no further transition is possible
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Cancel moves the order to CANCELLED and records why
func (o *Order) Cancel(reason string, now time.Time) (bool, error) {
	changed, err := o.TransitionTo(OrderStatusCancelled, now)
	if err != nil {
		return false, err
	}
	if changed {
		o.CancelReason = &reason
	}
	return changed, nil
}
