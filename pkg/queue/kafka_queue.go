package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"orderflow/pkg/log"
)

// KafkaQueue publishes through a single kafka.Writer and consumes with one
// kafka.Reader per Subscribe call.
type KafkaQueue struct {
	config *Config
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup

	sent int64
	recv int64
}

// NewKafkaQueue creates a Kafka backed queue
func NewKafkaQueue(cfg *Config) (*KafkaQueue, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, ErrInvalidConfiguration
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	q := &KafkaQueue{config: cfg}
	q.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  cfg.Async,
	}
	if cfg.Async {
		q.writer.Completion = func(messages []kafka.Message, err error) {
			if err != nil {
				for _, m := range messages {
					log.WithFields(map[string]interface{}{
						"topic": m.Topic,
						"key":   string(m.Key),
					}).WithError(err).Error("Async kafka write failed")
				}
			}
		}
	}
	return q, nil
}

// Publish writes msg keyed by msg.Key so one aggregate stays on one partition.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := q.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return err
	}
	atomic.AddInt64(&q.sent, 1)
	return nil
}

// Subscribe starts a reader for topics in group. The offset is committed after the handler
// returns whatever the outcome; retries and dead lettering belong to the handler.
func (q *KafkaQueue) Subscribe(ctx context.Context, topics []string, group string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	minBytes, maxBytes := q.config.MinBytes, q.config.MaxBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     q.config.Brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		StartOffset: kafka.FirstOffset,
	})
	q.readers = append(q.readers, reader)
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.consume(ctx, reader, group, handler)
	}()
	return nil
}

func (q *KafkaQueue) consume(ctx context.Context, reader *kafka.Reader, group string, handler MessageHandler) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.WithField("group", group).WithError(err).Error("Error fetching message")
			continue
		}
		atomic.AddInt64(&q.recv, 1)

		if err := handler(ctx, fromKafkaMessage(m)); err != nil {
			log.WithFields(map[string]interface{}{
				"group":     group,
				"topic":     m.Topic,
				"partition": m.Partition,
				"offset":    m.Offset,
			}).WithError(err).Error("Error handling message")
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.WithField("group", group).WithError(err).Error("Error committing offset")
		}
	}
}

// Close flushes the writer and stops every reader.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	readers := q.readers
	q.readers = nil
	q.mu.Unlock()

	var firstErr error
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.wg.Wait()
	if err := q.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Health reports ErrQueueClosed after Close.
func (q *KafkaQueue) Health() error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	return nil
}

// GetStats returns queue statistics
func (q *KafkaQueue) GetStats() *QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &QueueStats{
		Driver:       DriverKafka,
		Connected:    !q.closed,
		Subscribers:  len(q.readers),
		MessagesSent: atomic.LoadInt64(&q.sent),
		MessagesRecv: atomic.LoadInt64(&q.recv),
	}
}

func (q *KafkaQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	t := msg.Time
	if t.IsZero() {
		t = time.Now()
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    t,
	}
}

func fromKafkaMessage(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Value:   m.Value,
		Headers: headers,
		Time:    m.Time,
	}
}
