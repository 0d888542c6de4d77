package event

import "time"

// OrderLine is a product line carried by OrderCreated
type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// OrderCreated starts the saga
type OrderCreated struct {
	OrderID            string      `json:"orderId"`
	OrderNumber        string      `json:"orderNumber"`
	CustomerID         string      `json:"customerId"`
	Items              []OrderLine `json:"items"`
	TotalAmount        int64       `json:"totalAmount"`
	Currency           string      `json:"currency"`
	PaymentMethodToken string      `json:"paymentMethodToken"`
}

// ReservedLine describes one stock hold
type ReservedLine struct {
	ReservationID string    `json:"reservationId"`
	ProductID     string    `json:"productId"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// StockReserved is emitted once every line of an order is held
type StockReserved struct {
	OrderID      string         `json:"orderId"`
	Reservations []ReservedLine `json:"reservations"`
}

// Shortage is a line that could not be reserved
type Shortage struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// OutOfStock is emitted when at least one line could not be reserved
type OutOfStock struct {
	OrderID   string     `json:"orderId"`
	Shortages []Shortage `json:"shortages"`
}

// StockConfirmationFailed is emitted per line whose reservation could not be converted
// into a stock decrement after payment
type StockConfirmationFailed struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

// PaymentRequest asks the payment service to charge the order
type PaymentRequest struct {
	OrderID            string `json:"orderId"`
	CustomerID         string `json:"customerId"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	PaymentMethodToken string `json:"paymentMethodToken"`
}

// PaymentProcessed reports a successful charge
type PaymentProcessed struct {
	OrderID       string `json:"orderId"`
	PaymentID     uint64 `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// PaymentFailed reports a terminal charge failure
type PaymentFailed struct {
	OrderID    string `json:"orderId"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
}

// OrderShipped is produced by fulfilment
type OrderShipped struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
}

// OrderDelivered is produced by fulfilment
type OrderDelivered struct {
	OrderID     string    `json:"orderId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// RefundProcessed reports a completed refund
type RefundProcessed struct {
	OrderID             string `json:"orderId"`
	PaymentID           uint64 `json:"paymentId"`
	RefundID            uint64 `json:"refundId"`
	RefundTransactionID string `json:"refundTransactionId"`
	Amount              int64  `json:"amount"`
	Currency            string `json:"currency"`
	Reason              string `json:"reason"`
}

// RefundFailed reports a refund that exhausted its attempts
type RefundFailed struct {
	OrderID    string `json:"orderId"`
	PaymentID  uint64 `json:"paymentId"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
}

// RefundRequested asks for a full refund of a paid or returned order
type RefundRequested struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Reason     string `json:"reason"`
}

// LowStockAlert is emitted when a product's available stock reaches its threshold
type LowStockAlert struct {
	ProductID         string `json:"productId"`
	AvailableQuantity int    `json:"availableQuantity"`
	Threshold         int    `json:"threshold"`
}

func (OrderCreated) Topic() string            { return TopicOrderCreated }
func (StockReserved) Topic() string           { return TopicStockReserved }
func (OutOfStock) Topic() string              { return TopicOutOfStock }
func (StockConfirmationFailed) Topic() string { return TopicStockConfirmationFailed }
func (PaymentRequest) Topic() string          { return TopicPaymentRequest }
func (PaymentProcessed) Topic() string        { return TopicPaymentProcessed }
func (PaymentFailed) Topic() string           { return TopicPaymentFailed }
func (OrderShipped) Topic() string            { return TopicOrderShipped }
func (OrderDelivered) Topic() string          { return TopicOrderDelivered }
func (RefundProcessed) Topic() string         { return TopicRefundProcessed }
func (RefundFailed) Topic() string            { return TopicRefundFailed }
func (RefundRequested) Topic() string         { return TopicRefundRequested }
func (LowStockAlert) Topic() string           { return TopicLowStockAlert }

func (OrderCreated) isPayload()            {}
func (StockReserved) isPayload()           {}
func (OutOfStock) isPayload()              {}
func (StockConfirmationFailed) isPayload() {}
func (PaymentRequest) isPayload()          {}
func (PaymentProcessed) isPayload()        {}
func (PaymentFailed) isPayload()           {}
func (OrderShipped) isPayload()            {}
func (OrderDelivered) isPayload()          {}
func (RefundProcessed) isPayload()         {}
func (RefundFailed) isPayload()            {}
func (RefundRequested) isPayload()         {}
func (LowStockAlert) isPayload()           {}

// Failure reasons carried by PaymentFailed and RefundFailed
const (
	ReasonMaxRetriesReached  = "MAXIMUM_NUMBER_OF_RETRIES_REACHED"
	ReasonInsufficientStock  = "INSUFFICIENT_STOCK"
	ReasonReservationExpired = "RESERVATION_EXPIRED"
)
