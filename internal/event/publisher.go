package event

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"orderflow/internal/monitor"
	"orderflow/pkg/log"
	"orderflow/pkg/queue"
)

// Publisher delivers a domain event at least once. A returned error means the event may
// not have been sent; callers decide whether that aborts their unit of work.
type Publisher interface {
	Publish(ctx context.Context, e DomainEvent) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, e DomainEvent) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, e DomainEvent) error {
	return f(ctx, e)
}

// BrokerPublisher sends events straight to the broker, keyed by aggregate id.
type BrokerPublisher struct {
	producer queue.Producer
	tracer   *monitor.Tracer
	metrics  *monitor.MetricsCollector
}

// NewBrokerPublisher creates a publisher over producer
func NewBrokerPublisher(producer queue.Producer) *BrokerPublisher {
	return &BrokerPublisher{producer: producer}
}

// Instrument adds a producer span and a publish counter to every send. Either may be nil.
func (p *BrokerPublisher) Instrument(tracer *monitor.Tracer, metrics *monitor.MetricsCollector) *BrokerPublisher {
	p.tracer = tracer
	p.metrics = metrics
	return p
}

// Publish encodes e and hands it to the producer. It does not retry.
func (p *BrokerPublisher) Publish(ctx context.Context, e DomainEvent) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, e.EventID, e.Topic(), e.AggregateID, data)
}

// PublishRaw sends an already encoded envelope. The outbox relay uses it to forward rows
// without decoding them.
func (p *BrokerPublisher) PublishRaw(ctx context.Context, eventID, topic, key string, data []byte) error {
	if p.tracer != nil {
		var span oteltrace.Span
		ctx, span = p.tracer.StartPublishSpan(ctx, topic, key)
		defer span.End()
	}

	headers := InjectTrace(ctx, map[string]string{"event-id": eventID})
	err := p.producer.Publish(ctx, queue.Message{
		Topic:   topic,
		Key:     key,
		Value:   data,
		Headers: headers,
	})
	p.metrics.RecordPublish(topic, err)
	if err != nil {
		if p.tracer != nil {
			p.tracer.RecordError(oteltrace.SpanFromContext(ctx), err)
		}
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event_id":     eventID,
			"topic":        topic,
			"aggregate_id": key,
		}).WithError(err).Error("Failed to publish event")
		return fmt.Errorf("publish %s %s: %w", topic, eventID, err)
	}
	return nil
}

// InjectTrace writes the W3C trace context of ctx into headers.
func InjectTrace(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTrace returns ctx carrying the remote span context found in headers.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// Recorder is an in-memory Publisher that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []DomainEvent
	err    error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Publish calls return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish records e
func (r *Recorder) Publish(ctx context.Context, e DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns everything recorded so far
func (r *Recorder) Events() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DomainEvent(nil), r.events...)
}

// OfTopic returns the recorded events on topic
func (r *Recorder) OfTopic(topic string) []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DomainEvent
	for _, e := range r.events {
		if e.Topic() == topic {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops everything recorded
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.err = nil
}
