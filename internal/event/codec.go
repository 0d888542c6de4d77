package event

import (
	"encoding/json"
	"fmt"
	"time"

	"orderflow/pkg/utils"
)

type wireEvent struct {
	EventID     string          `json:"eventId"`
	AggregateID string          `json:"aggregateId"`
	OccurredOn  time.Time       `json:"occurredOn"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode serialises the envelope as {eventId, aggregateId, occurredOn, payload}.
func Encode(e DomainEvent) ([]byte, error) {
	if e.Payload == nil {
		return nil, utils.Validation("event %s has no payload", e.EventID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Topic(), err)
	}
	return json.Marshal(wireEvent{
		EventID:     e.EventID,
		AggregateID: e.AggregateID,
		OccurredOn:  e.OccurredOn,
		Payload:     payload,
	})
}

// Decode parses data published on topic. Unknown topics and malformed bodies are
// validation errors and will never succeed on retry.
func Decode(topic string, data []byte) (DomainEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return DomainEvent{}, utils.WrapError(err, utils.CodeValidation, "malformed event envelope")
	}
	if w.EventID == "" {
		return DomainEvent{}, utils.Validation("event on %s has no eventId", topic)
	}

	payload, err := decodePayload(topic, w.Payload)
	if err != nil {
		return DomainEvent{}, err
	}
	return DomainEvent{
		EventID:     w.EventID,
		AggregateID: w.AggregateID,
		OccurredOn:  w.OccurredOn,
		Payload:     payload,
	}, nil
}

func decodePayload(topic string, raw json.RawMessage) (Payload, error) {
	switch topic {
	case TopicOrderCreated:
		return unmarshalAs[OrderCreated](topic, raw)
	case TopicStockReserved:
		return unmarshalAs[StockReserved](topic, raw)
	case TopicOutOfStock:
		return unmarshalAs[OutOfStock](topic, raw)
	case TopicStockConfirmationFailed:
		return unmarshalAs[StockConfirmationFailed](topic, raw)
	case TopicPaymentRequest:
		return unmarshalAs[PaymentRequest](topic, raw)
	case TopicPaymentProcessed:
		return unmarshalAs[PaymentProcessed](topic, raw)
	case TopicPaymentFailed:
		return unmarshalAs[PaymentFailed](topic, raw)
	case TopicOrderShipped:
		return unmarshalAs[OrderShipped](topic, raw)
	case TopicOrderDelivered:
		return unmarshalAs[OrderDelivered](topic, raw)
	case TopicRefundProcessed:
		return unmarshalAs[RefundProcessed](topic, raw)
	case TopicRefundFailed:
		return unmarshalAs[RefundFailed](topic, raw)
	case TopicRefundRequested:
		return unmarshalAs[RefundRequested](topic, raw)
	case TopicLowStockAlert:
		return unmarshalAs[LowStockAlert](topic, raw)
	default:
		return nil, utils.Validation("unknown event topic %q", topic)
	}
}

func unmarshalAs[T Payload](topic string, raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return nil, utils.Validation("event on %s has no payload", topic)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, utils.WrapError(err, utils.CodeValidation, fmt.Sprintf("malformed %s payload", topic))
	}
	return p, nil
}
