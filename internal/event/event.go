// Package event defines the domain event envelope exchanged between the saga
// services, its payload kinds and the publishers that put it on the broker.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Topics
const (
	TopicOrderCreated            = "order-created"
	TopicStockReserved           = "stock-reserved"
	TopicOutOfStock              = "out-of-stock"
	TopicStockConfirmationFailed = "stock-confirmation-failed"
	TopicPaymentRequest          = "payment-request"
	TopicPaymentProcessed        = "payment-processed"
	TopicPaymentFailed           = "payment-failed"
	TopicOrderShipped            = "order-shipped"
	TopicOrderDelivered          = "order-delivered"
	TopicRefundProcessed         = "refund-processed"
	TopicRefundFailed            = "refund-failed"
	TopicRefundRequested         = "refund-requested"
	TopicLowStockAlert           = "low-stock-alert"
	TopicDeadLetter              = "dead-letter-queue"
)

// Payload is one of the closed set of event kinds declared in this package.
type Payload interface {
	Topic() string
	isPayload()
}

// DomainEvent is the envelope every service publishes. AggregateID is the order id for
// saga events and the product id for inventory alerts; it is also the broker key.
type DomainEvent struct {
	EventID     string
	AggregateID string
	OccurredOn  time.Time
	Payload     Payload
}

// New wraps payload in an envelope with a fresh event id.
func New(aggregateID string, payload Payload) DomainEvent {
	return DomainEvent{
		EventID:     uuid.NewString(),
		AggregateID: aggregateID,
		OccurredOn:  time.Now().UTC(),
		Payload:     payload,
	}
}

// Topic returns the topic implied by the payload kind
func (e DomainEvent) Topic() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Topic()
}
