package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue is an in-process queue. Every group subscribed to a topic gets its own
// buffered channel drained by one goroutine, so delivery within a group is sequential
// and ordered. Messages published to a topic nobody subscribes to are dropped.
type MemoryQueue struct {
	config *MemoryQueueConfig

	mu     sync.RWMutex
	groups map[string]map[string]*memoryGroup // topic -> group
	closed bool
	done   chan struct{}

	sent    int64
	recv    int64
	dropped int64
}

type memoryGroup struct {
	name     string
	messages chan Message
}

// MemoryQueueConfig memory queue configuration
type MemoryQueueConfig struct {
	BufferSize int           `json:"buffer_size"`
	Timeout    time.Duration `json:"timeout"`
}

// NewMemoryQueue creates a new memory queue instance
func NewMemoryQueue(config *MemoryQueueConfig) (*MemoryQueue, error) {
	if config == nil {
		config = &MemoryQueueConfig{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &MemoryQueue{
		config: config,
		groups: make(map[string]map[string]*memoryGroup),
		done:   make(chan struct{}),
	}, nil
}

// Publish copies msg to every group subscribed to msg.Topic.
func (mq *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return ErrEmptyTopic
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	mq.mu.RLock()
	if mq.closed {
		mq.mu.RUnlock()
		return ErrQueueClosed
	}
	targets := make([]*memoryGroup, 0, len(mq.groups[msg.Topic]))
	for _, g := range mq.groups[msg.Topic] {
		targets = append(targets, g)
	}
	mq.mu.RUnlock()

	if len(targets) == 0 {
		atomic.AddInt64(&mq.dropped, 1)
		return nil
	}

	timer := time.NewTimer(mq.config.Timeout)
	defer timer.Stop()
	for _, g := range targets {
		select {
		case g.messages <- cloneMessage(msg):
		case <-ctx.Done():
			return ctx.Err()
		case <-mq.done:
			return ErrQueueClosed
		case <-timer.C:
			return ErrPublishTimeout
		}
	}
	atomic.AddInt64(&mq.sent, 1)
	return nil
}

// Subscribe registers handler for topics under group. A second subscription to the same
// topic and group is ignored; the first handler keeps the stream.
func (mq *MemoryQueue) Subscribe(ctx context.Context, topics []string, group string, handler MessageHandler) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrQueueClosed
	}

	for _, topic := range topics {
		if topic == "" {
			return ErrEmptyTopic
		}
		byGroup, ok := mq.groups[topic]
		if !ok {
			byGroup = make(map[string]*memoryGroup)
			mq.groups[topic] = byGroup
		}
		if _, exists := byGroup[group]; exists {
			continue
		}
		g := &memoryGroup{name: group, messages: make(chan Message, mq.config.BufferSize)}
		byGroup[group] = g
		go mq.consume(ctx, g, handler)
	}
	return nil
}

func (mq *MemoryQueue) consume(ctx context.Context, g *memoryGroup, handler MessageHandler) {
	for {
		select {
		case msg := <-g.messages:
			atomic.AddInt64(&mq.recv, 1)
			// Handler errors are the subscriber's concern; the message is considered delivered.
			_ = handler(ctx, msg)
		case <-ctx.Done():
			return
		case <-mq.done:
			return
		}
	}
}

// Close closes the queue connections
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}
	mq.closed = true
	close(mq.done)
	mq.groups = make(map[string]map[string]*memoryGroup)
	return nil
}

// Health checks the health of the queue
func (mq *MemoryQueue) Health() error {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if mq.closed {
		return ErrQueueClosed
	}
	return nil
}

// GetStats returns queue statistics
func (mq *MemoryQueue) GetStats() *QueueStats {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	subscribers := 0
	for _, byGroup := range mq.groups {
		subscribers += len(byGroup)
	}
	return &QueueStats{
		Driver:       DriverMemory,
		Connected:    !mq.closed,
		Subscribers:  subscribers,
		MessagesSent: atomic.LoadInt64(&mq.sent),
		MessagesRecv: atomic.LoadInt64(&mq.recv),
		Dropped:      atomic.LoadInt64(&mq.dropped),
	}
}

func cloneMessage(msg Message) Message {
	out := msg
	if msg.Value != nil {
		out.Value = append([]byte(nil), msg.Value...)
	}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
