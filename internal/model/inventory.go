package model

import (
	"time"
)

// Inventory is the stock record of one product
type Inventory struct {
	ProductID         string    `gorm:"type:varchar(64);primaryKey;comment:product id" json:"productId"`
	Name              string    `gorm:"type:varchar(200);not null;default:'';comment:product name" json:"name"`
	UnitPrice         int64     `gorm:"type:bigint;not null;comment:unit price in minor units" json:"unitPrice"`
	AvailableQuantity int       `gorm:"type:int;not null;default:0;comment:physical stock" json:"availableQuantity"`
	ReservedQuantity  int       `gorm:"type:int;not null;default:0;comment:held by active reservations" json:"reservedQuantity"`
	LowStockThreshold int       `gorm:"type:int;not null;default:0;comment:alert threshold" json:"lowStockThreshold"`
	UpdatedAt         time.Time `gorm:"type:timestamp(3);not null;comment:updated at" json:"updatedAt"`
}

// TableName set name
func (Inventory) TableName() string {
	return "inventories"
}

// Free is the quantity that can still be reserved
func (i *Inventory) Free() int {
	return i.AvailableQuantity - i.ReservedQuantity
}

// IsLowStock reports whether available stock fell to or below the threshold
func (i *Inventory) IsLowStock() bool {
	return i.AvailableQuantity <= i.LowStockThreshold
}

// ReservationStatus is the lifecycle of a stock hold
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// StockReservation holds quantity of one product for one order until confirmed,
// released or expired.
type StockReservation struct {
	ID        string            `gorm:"type:varchar(36);primaryKey;comment:reservation id" json:"reservationId"`
	OrderID   string            `gorm:"type:varchar(36);not null;uniqueIndex:uk_reservation_order_product;comment:order id" json:"orderId"`
	ProductID string            `gorm:"type:varchar(64);not null;uniqueIndex:uk_reservation_order_product;comment:product id" json:"productId"`
	Quantity  int               `gorm:"type:int;not null;comment:reserved quantity" json:"quantity"`
	Status    ReservationStatus `gorm:"type:varchar(16);not null;index:idx_reservation_status_expiry;comment:status" json:"status"`
	ExpiresAt time.Time         `gorm:"type:timestamp(3);not null;index:idx_reservation_status_expiry;comment:expiry" json:"expiresAt"`
	CreatedAt time.Time         `gorm:"type:timestamp(3);not null" json:"createdAt"`
	UpdatedAt time.Time         `gorm:"type:timestamp(3);not null" json:"updatedAt"`
}

// TableName set name
func (StockReservation) TableName() string {
	return "stock_reservations"
}

// IsActive reports whether the reservation still holds stock
func (r *StockReservation) IsActive() bool {
	return r.Status == ReservationReserved
}

// IsExpired reports whether an active reservation has passed its expiry
func (r *StockReservation) IsExpired(now time.Time) bool {
	return r.IsActive() && r.ExpiresAt.Before(now)
}
