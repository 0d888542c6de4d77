// Package consumer runs the saga services' event handlers on top of the broker. Every
// message is decoded, deduplicated through the service's idempotency processor, retried
// with exponential backoff while the failure is retryable and dead-lettered otherwise.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"orderflow/internal/event"
	"orderflow/internal/idempotency"
	"orderflow/internal/monitor"
	"orderflow/pkg/log"
	"orderflow/pkg/queue"
	"orderflow/pkg/utils"
)

// Handler applies one decoded event
type Handler func(ctx context.Context, e event.DomainEvent) error

// Route binds a topic to its handler. Key derives the idempotency key; nil keys by
// event id.
type Route struct {
	Handle Handler
	Key    func(e event.DomainEvent) string
}

// Routes is a service's dispatch table
type Routes map[string]Route

// Topics returns the routed topics in a stable order
func (r Routes) Topics() []string {
	topics := make([]string, 0, len(r))
	for t := range r {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Config tunes a SagaConsumer
type Config struct {
	Service string
	// Group defaults to "{service}-service".
	Group          string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Deps are the collaborators of a SagaConsumer
type Deps struct {
	Subscriber queue.Subscriber
	Processor  *idempotency.Processor
	DeadLetter *DeadLetterWriter
	Tracer     *monitor.Tracer
	Metrics    *monitor.MetricsCollector
}

// SagaConsumer consumes the topics of one service
type SagaConsumer struct {
	cfg        Config
	routes     Routes
	subscriber queue.Subscriber
	processor  *idempotency.Processor
	dlq        *DeadLetterWriter
	tracer     *monitor.Tracer
	metrics    *monitor.MetricsCollector

	cancel context.CancelFunc
	once   sync.Once
}

// NewSagaConsumer creates a consumer for cfg.Service
func NewSagaConsumer(cfg Config, routes Routes, deps Deps) (*SagaConsumer, error) {
	if cfg.Service == "" {
		return nil, utils.Validation("consumer service name is required")
	}
	if deps.Subscriber == nil || deps.Processor == nil || deps.DeadLetter == nil {
		return nil, utils.Validation("consumer %s: subscriber, processor and dead letter writer are required", cfg.Service)
	}
	if len(routes) == 0 {
		return nil, utils.Validation("consumer %s has no routes", cfg.Service)
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Service + "-service"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &SagaConsumer{
		cfg:        cfg,
		routes:     routes,
		subscriber: deps.Subscriber,
		processor:  deps.Processor,
		dlq:        deps.DeadLetter,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
	}, nil
}

// Start subscribes one stream per routed topic. It returns once the subscriptions are in
// place; consumption runs until ctx is done or Stop is called.
func (c *SagaConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, topic := range c.routes.Topics() {
		if err := c.subscriber.Subscribe(ctx, []string{topic}, c.cfg.Group, c.Handle); err != nil {
			c.cancel()
			return fmt.Errorf("subscribe %s to %s: %w", c.cfg.Service, topic, err)
		}
	}
	log.WithFields(map[string]interface{}{
		"service": c.cfg.Service,
		"group":   c.cfg.Group,
		"topics":  c.routes.Topics(),
	}).Info("Saga consumer started")
	return nil
}

// Stop cancels consumption
func (c *SagaConsumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		log.WithField("service", c.cfg.Service).Info("Saga consumer stopped")
	})
}

// Handle processes one broker message. It returns an error only when the message could
// neither be processed nor dead-lettered.
func (c *SagaConsumer) Handle(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	ctx = event.ExtractTrace(ctx, msg.Headers)

	route, ok := c.routes[msg.Topic]
	if !ok {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"service": c.cfg.Service,
			"topic":   msg.Topic,
		}).Debug("No route for topic, ignoring")
		return nil
	}

	e, err := event.Decode(msg.Topic, msg.Value)
	if err != nil {
		c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultDeadLettered, time.Since(start))
		return c.dlq.Write(ctx, c.cfg.Service, msg, err, 0)
	}

	ctx, span := c.tracer.StartConsumeSpan(ctx, c.cfg.Service, msg.Topic, e.EventID)
	defer span.End()

	key := e.EventID
	if route.Key != nil {
		key = route.Key(e)
	}
	logger := log.WithContext(ctx).WithFields(map[string]interface{}{
		"service":      c.cfg.Service,
		"topic":        msg.Topic,
		"event_id":     e.EventID,
		"aggregate_id": e.AggregateID,
		"key":          key,
	})

	attempts := 0
	processed := false
	operation := func() error {
		attempts++
		ok, err := c.processor.ProcessOnce(ctx, key, func(ctx context.Context) error {
			return route.Handle(ctx, e)
		})
		if err != nil {
			if !utils.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		processed = ok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultRetried, time.Since(start))
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempts,
			"wait":    wait.String(),
		}).Warn("Event handling failed, retrying")
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(c.policy(), ctx), notify)
	switch {
	case err == nil && processed:
		c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultProcessed, time.Since(start))
		logger.Debug("Event processed")
		return nil
	case err == nil:
		c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultSkipped, time.Since(start))
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// shutting down; the broker redelivers whatever was not committed
		c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultFailed, time.Since(start))
		return err
	}

	c.tracer.RecordError(span, err)
	c.metrics.RecordEvent(c.cfg.Service, msg.Topic, monitor.ResultDeadLettered, time.Since(start))
	logger.WithError(err).WithField("attempts", attempts).Error("Event handling failed, dead-lettering")
	return c.dlq.Write(ctx, c.cfg.Service, msg, err, attempts-1)
}

func (c *SagaConsumer) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1))
}

// payloadOf asserts the payload kind a route expects
func payloadOf[T event.Payload](e event.DomainEvent) (T, error) {
	p, ok := e.Payload.(T)
	if !ok {
		var zero T
		return zero, utils.Validation("event %s carries %T, want %T", e.EventID, e.Payload, zero)
	}
	return p, nil
}
