package queue

import (
	"context"
	"errors"
	"time"
)

// Message is a single record on a topic. Key selects the partition so that all
// messages sharing a key are delivered in publish order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// MessageHandler handles incoming messages
type MessageHandler func(ctx context.Context, msg Message) error

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber delivers messages of the given topics to handler. Subscriptions sharing
// a group split the stream; distinct groups each see every message.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, group string, handler MessageHandler) error
}

// Queue defines the interface for message queue operations
type Queue interface {
	Producer
	Subscriber

	// Health checks the health of the queue
	Health() error
}

// QueueStats represents queue statistics
type QueueStats struct {
	Driver       string `json:"driver"`
	Connected    bool   `json:"connected"`
	Subscribers  int    `json:"subscribers"`
	MessagesSent int64  `json:"messages_sent"`
	MessagesRecv int64  `json:"messages_received"`
	Dropped      int64  `json:"dropped"`
}

// Common errors
var (
	ErrQueueClosed          = errors.New("queue is closed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrPublishTimeout       = errors.New("publish timeout")
	ErrEmptyTopic           = errors.New("message topic is empty")
)

// New builds the queue selected by cfg.Driver.
func New(cfg *Config) (Queue, error) {
	if cfg == nil {
		return nil, ErrInvalidConfiguration
	}
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryQueue(&MemoryQueueConfig{
			BufferSize: cfg.BufferSize,
			Timeout:    cfg.PublishTimeout,
		})
	case DriverKafka:
		return NewKafkaQueue(cfg)
	default:
		return nil, ErrInvalidConfiguration
	}
}

const (
	DriverMemory = "memory"
	DriverKafka  = "kafka"
)

// Config selects and configures a queue driver.
type Config struct {
	Driver         string        `mapstructure:"driver"`
	Brokers        []string      `mapstructure:"brokers"`
	Async          bool          `mapstructure:"async"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}
