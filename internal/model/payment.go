package model

import (
	"time"
)

// PaymentStatus payment status
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// Payment is the charge for one order. RetryCount is the persisted attempt counter that
// bounds gateway calls across redeliveries.
type Payment struct {
	ID            uint64        `gorm:"primaryKey;autoIncrement" json:"paymentId"`
	OrderID       string        `gorm:"type:varchar(36);uniqueIndex;not null;comment:order id" json:"orderId"`
	CustomerID    string        `gorm:"type:varchar(64);not null;comment:customer id" json:"customerId"`
	Amount        int64         `gorm:"type:bigint;not null;comment:amount in minor units" json:"amount"`
	Currency      string        `gorm:"type:char(3);not null" json:"currency"`
	Status        PaymentStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	MethodToken   string        `gorm:"type:varchar(64);not null" json:"-"`
	TransactionID *string       `gorm:"type:varchar(64)" json:"transactionId,omitempty"`
	FailureReason *string       `gorm:"type:varchar(255)" json:"failureReason,omitempty"`
	RetryCount    int           `gorm:"type:int;not null;default:0" json:"retryCount"`
	CreatedAt     time.Time     `gorm:"type:timestamp(3);not null" json:"createdAt"`
	UpdatedAt     time.Time     `gorm:"type:timestamp(3);not null" json:"updatedAt"`
}

// TableName set name
func (Payment) TableName() string {
	return "payments"
}

// IsTerminal reports whether the payment needs no further gateway call
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// RefundStatus refund status
type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

// Refund is the single full refund of an order's completed payment
type Refund struct {
	ID                  uint64       `gorm:"primaryKey;autoIncrement" json:"refundId"`
	PaymentID           uint64       `gorm:"not null;index" json:"paymentId"`
	OrderID             string       `gorm:"type:varchar(36);uniqueIndex;not null" json:"orderId"`
	Amount              int64        `gorm:"type:bigint;not null" json:"amount"`
	Currency            string       `gorm:"type:char(3);not null" json:"currency"`
	Reason              string       `gorm:"type:varchar(255);not null" json:"reason"`
	Status              RefundStatus `gorm:"type:varchar(16);not null" json:"status"`
	RetryCount          int          `gorm:"type:int;not null;default:0" json:"retryCount"`
	RefundTransactionID *string      `gorm:"type:varchar(64)" json:"refundTransactionId,omitempty"`
	FailureReason       *string      `gorm:"type:varchar(255)" json:"failureReason,omitempty"`
	ProcessedAt         *time.Time   `gorm:"type:timestamp(3)" json:"processedAt,omitempty"`
	CreatedAt           time.Time    `gorm:"type:timestamp(3);not null" json:"createdAt"`
	UpdatedAt           time.Time    `gorm:"type:timestamp(3);not null" json:"updatedAt"`
}

// TableName set name
func (Refund) TableName() string {
	return "refunds"
}

// IsTerminal reports whether the refund is settled one way or the other
func (r *Refund) IsTerminal() bool {
	return r.Status == RefundCompleted || r.Status == RefundFailed
}
