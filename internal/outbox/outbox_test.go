package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/event"
	"orderflow/internal/repository/memory"
	"orderflow/pkg/queue"
)

type sent struct {
	eventID, topic, key string
	data                []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (b *fakeBroker) PublishRaw(ctx context.Context, eventID, topic, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[topic]; err != nil {
		return err
	}
	b.sent = append(b.sent, sent{eventID, topic, key, data})
	return nil
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestPublisherJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pub := NewPublisher(store.Outbox())

	committed := event.New("o-1", event.OrderShipped{OrderID: "o-1"})
	require.NoError(t, store.Transaction(ctx, func(ctx context.Context) error {
		return pub.Publish(ctx, committed)
	}))

	err := store.Transaction(ctx, func(ctx context.Context) error {
		if err := pub.Publish(ctx, event.New("o-2", event.OrderShipped{OrderID: "o-2"})); err != nil {
			return err
		}
		return errors.New("order update failed")
	})
	require.Error(t, err)

	rows, err := store.Outbox().LockUnpublished(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, committed.EventID, rows[0].EventID)
	assert.Equal(t, event.TopicOrderShipped, rows[0].Topic)
	assert.Equal(t, "o-1", rows[0].AggregateID)

	decoded, err := event.Decode(rows[0].Topic, rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, committed.EventID, decoded.EventID)

	// the same event stored twice is one row
	require.NoError(t, pub.Publish(ctx, committed))
	rows, err = store.Outbox().LockUnpublished(ctx, 10, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRelayBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pub := NewPublisher(store.Outbox())
	for _, id := range []string{"o-1", "o-2", "o-3"} {
		require.NoError(t, pub.Publish(ctx, event.New(id, event.OrderShipped{OrderID: id})))
	}
	require.NoError(t, pub.Publish(ctx, event.New("o-4", event.OrderDelivered{OrderID: "o-4"})))

	broker := &fakeBroker{fail: map[string]error{event.TopicOrderDelivered: errors.New("leader not available")}}
	relay := NewRelay(store, store.Outbox(), broker, nil, RelayConfig{BatchSize: 10, MaxAttempts: 2})

	n, err := relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 3, broker.count())
	assert.Equal(t, "o-1", broker.sent[0].key)
	assert.Equal(t, "o-3", broker.sent[2].key)

	rows, err := store.Outbox().LockUnpublished(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].LastError)
	assert.Contains(t, *rows[0].LastError, "leader not available")

	// second failure exhausts the row; it is no longer picked up
	n, err = relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	rows, err = store.Outbox().LockUnpublished(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// nothing is published twice
	n, err = relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, broker.count())
}

func TestRelayCleanup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, NewPublisher(store.Outbox()).Publish(ctx, event.New("o-1", event.OrderShipped{OrderID: "o-1"})))

	relay := NewRelay(store, store.Outbox(), &fakeBroker{}, nil, RelayConfig{Retention: time.Hour})
	_, err := relay.RelayBatch(ctx)
	require.NoError(t, err)

	deleted, err := relay.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	relay.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	deleted, err = relay.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRelayToMemoryQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mq, err := queue.NewMemoryQueue(nil)
	require.NoError(t, err)
	defer mq.Close()

	received := make(chan queue.Message, 1)
	require.NoError(t, mq.Subscribe(ctx, []string{event.TopicOrderShipped}, "test", func(ctx context.Context, msg queue.Message) error {
		received <- msg
		return nil
	}))

	store := memory.NewStore()
	evt := event.New("o-1", event.OrderShipped{OrderID: "o-1", Carrier: "DHL"})
	require.NoError(t, NewPublisher(store.Outbox()).Publish(ctx, evt))

	relay := NewRelay(store, store.Outbox(), event.NewBrokerPublisher(mq), nil, RelayConfig{Interval: 10 * time.Millisecond})
	go relay.Start(ctx)
	defer relay.Stop()

	select {
	case msg := <-received:
		assert.Equal(t, "o-1", msg.Key)
		assert.Equal(t, evt.EventID, msg.Headers["event-id"])
		decoded, err := event.Decode(msg.Topic, msg.Value)
		require.NoError(t, err)
		assert.Equal(t, "DHL", decoded.Payload.(event.OrderShipped).Carrier)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not delivered")
	}
}
