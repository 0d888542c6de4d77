package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/utils"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return s, NewRedisStore(client)
}

func stores(t *testing.T) map[string]Store {
	_, rs := setupRedis(t)
	return map[string]Store{
		"redis":  rs,
		"memory": NewMemoryStore(),
	}
}

func TestProcessOnce(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			p := NewProcessor(store, "inventory", Config{})

			t.Run("RunsOnce", func(t *testing.T) {
				calls := 0
				op := func(ctx context.Context) error {
					calls++
					return nil
				}

				processed, err := p.ProcessOnce(ctx, "stock-reservation-order-1", op)
				require.NoError(t, err)
				assert.True(t, processed)

				processed, err = p.ProcessOnce(ctx, "stock-reservation-order-1", op)
				require.NoError(t, err)
				assert.False(t, processed)
				assert.Equal(t, 1, calls)

				done, err := p.IsProcessed(ctx, "stock-reservation-order-1")
				require.NoError(t, err)
				assert.True(t, done)
			})

			t.Run("FailureLeavesKeyUnmarked", func(t *testing.T) {
				boom := errors.New("db down")
				processed, err := p.ProcessOnce(ctx, "k-fail", func(ctx context.Context) error { return boom })
				assert.ErrorIs(t, err, boom)
				assert.False(t, processed)

				// lock released, so a retry runs
				processed, err = p.ProcessOnce(ctx, "k-fail", func(ctx context.Context) error { return nil })
				require.NoError(t, err)
				assert.True(t, processed)
			})

			t.Run("ContentionIsNotAnError", func(t *testing.T) {
				require.NoError(t, store.Set(ctx, p.lockKey("k-busy"), "other-worker", time.Minute))

				called := false
				processed, err := p.ProcessOnce(ctx, "k-busy", func(ctx context.Context) error {
					called = true
					return nil
				})
				require.NoError(t, err)
				assert.False(t, processed)
				assert.False(t, called)

				// the other worker's lock survives
				ok, err := store.Exists(ctx, p.lockKey("k-busy"))
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("ScopedByService", func(t *testing.T) {
				other := NewProcessor(store, "payment", Config{})
				_, err := p.ProcessEvent(ctx, "event-1", func(ctx context.Context) error { return nil })
				require.NoError(t, err)

				processed, err := other.ProcessEvent(ctx, "event-1", func(ctx context.Context) error { return nil })
				require.NoError(t, err)
				assert.True(t, processed)
			})
		})
	}
}

func TestProcessOnceConcurrent(t *testing.T) {
	_, store := setupRedis(t)
	p := NewProcessor(store, "payment", Config{})
	ctx := context.Background()

	var calls int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := p.ProcessOnce(ctx, "refund-order-1", func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessorTTLs(t *testing.T) {
	s, store := setupRedis(t)
	p := NewProcessor(store, "order", Config{ProcessedTTL: time.Hour, LockTTL: time.Minute})
	ctx := context.Background()

	_, err := p.ProcessOnce(ctx, "k", func(ctx context.Context) error {
		assert.Equal(t, time.Minute, s.TTL("event:lock:order:k"))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, s.TTL("event:processed:order:k"))
	assert.False(t, s.Exists("event:lock:order:k"))

	s.FastForward(2 * time.Hour)
	done, err := p.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestExpiredLockIsNotStolenBack(t *testing.T) {
	s, store := setupRedis(t)
	p := NewProcessor(store, "inventory", Config{LockTTL: time.Second})
	ctx := context.Background()

	_, err := p.ProcessOnce(ctx, "k", func(ctx context.Context) error {
		// our lock expires and another worker takes it over
		s.FastForward(2 * time.Second)
		require.NoError(t, store.Set(ctx, p.lockKey("k"), "successor", time.Minute))
		return errors.New("slow and failed")
	})
	require.Error(t, err)

	v, err := s.Get(p.lockKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "successor", v)
}

func TestStoreErrorsAreTransient(t *testing.T) {
	s, store := setupRedis(t)
	p := NewProcessor(store, "order", Config{})
	s.Close()

	_, err := p.ProcessOnce(context.Background(), "k", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrTransient)
	assert.True(t, utils.IsRetryable(err))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "k", "w", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := store.DeleteIfValue(ctx, "k", "w")
	require.NoError(t, err)
	assert.False(t, deleted)

	now = now.Add(2 * time.Minute)
	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = store.SetIfAbsent(ctx, "k", "w", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	deleted, err = store.DeleteIfValue(ctx, "k", "w")
	require.NoError(t, err)
	assert.True(t, deleted)
}
