package consumer

import (
	"context"
	"encoding/json"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/monitor"
	"orderflow/pkg/log"
	"orderflow/pkg/queue"
	"orderflow/pkg/utils"
)

const deadLetterTimeout = 10 * time.Second

// DeadLetter is the record written to the dead-letter topic for a message that could not
// be processed.
type DeadLetter struct {
	OriginalTopic   string    `json:"originalTopic"`
	OriginalKey     string    `json:"originalKey"`
	OriginalPayload string    `json:"originalPayload"`
	EventID         string    `json:"eventId,omitempty"`
	FailureReason   string    `json:"failureReason"`
	Exception       string    `json:"exception"`
	Timestamp       time.Time `json:"timestamp"`
	ServiceName     string    `json:"serviceName"`
	RetryCount      int       `json:"retryCount"`
}

// DeadLetterWriter publishes DeadLetter records
type DeadLetterWriter struct {
	producer queue.Producer
	topic    string
	metrics  *monitor.MetricsCollector
	now      func() time.Time
}

// NewDeadLetterWriter writes to the dead-letter-queue topic through producer
func NewDeadLetterWriter(producer queue.Producer, metrics *monitor.MetricsCollector) *DeadLetterWriter {
	return &DeadLetterWriter{
		producer: producer,
		topic:    event.TopicDeadLetter,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Write dead-letters msg. A failed write is logged as a possible message loss and
// returned.
func (w *DeadLetterWriter) Write(ctx context.Context, service string, msg queue.Message, cause error, retries int) error {
	letter := DeadLetter{
		OriginalTopic:   msg.Topic,
		OriginalKey:     msg.Key,
		OriginalPayload: string(msg.Value),
		EventID:         msg.Headers["event-id"],
		FailureReason:   cause.Error(),
		Exception:       exceptionName(cause),
		Timestamp:       w.now().UTC(),
		ServiceName:     service,
		RetryCount:      retries,
	}
	data, err := json.Marshal(letter)
	if err == nil {
		// written even when the consumer is shutting down
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
		defer cancel()
		err = w.producer.Publish(wctx, queue.Message{
			Topic:   w.topic,
			Key:     msg.Key,
			Value:   data,
			Headers: event.InjectTrace(ctx, map[string]string{"origin-service": service}),
		})
	}
	if err != nil {
		log.Alert(map[string]interface{}{
			"service":        service,
			"original_topic": msg.Topic,
			"original_key":   msg.Key,
			"event_id":       letter.EventID,
			"failure_reason": letter.FailureReason,
			"payload":        letter.OriginalPayload,
			"error":          err.Error(),
		}, "Failed to write dead letter, message may be lost")
		return err
	}

	w.metrics.RecordDeadLetter(service, msg.Topic)
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"service":        service,
		"original_topic": msg.Topic,
		"original_key":   msg.Key,
		"exception":      letter.Exception,
	}).Info("Message stored in dead letter queue")
	return nil
}

func exceptionName(err error) string {
	switch utils.CodeOf(err) {
	case utils.CodeValidation:
		return "ValidationError"
	case utils.CodeNotFound:
		return "NotFound"
	case utils.CodeInvalidTransition:
		return "InvalidTransition"
	case utils.CodeInsufficientStock:
		return "InsufficientStock"
	case utils.CodeTransient:
		return "TransientInfraError"
	case utils.CodePermanent:
		return "PermanentFailure"
	default:
		return "Error"
	}
}
