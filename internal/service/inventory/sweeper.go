package inventory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow/pkg/lock"
	"orderflow/pkg/log"
)

const sweepLockKey = "lock:reservation-sweep"

// Sweeper periodically releases expired reservations. With a redis client only one
// instance sweeps per interval.
type Sweeper struct {
	svc      Service
	lock     *lock.RedisLock
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSweeper creates the expiry sweeper. client may be nil for a single instance.
func NewSweeper(svc Service, client redis.UniversalClient, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		svc:      svc,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	if client != nil {
		s.lock = lock.NewRedisLock(client, sweepLockKey, "", interval)
	}
	return s
}

// RunOnce sweeps one batch. A sweep already running elsewhere yields an empty result.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if s.lock == nil {
		return s.svc.ReleaseExpired(ctx, time.Now())
	}

	var result *SweepResult
	err := s.lock.WithLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.svc.ReleaseExpired(ctx, time.Now())
		return err
	})
	if errors.Is(err, lock.ErrLockFailed) {
		log.WithContext(ctx).Debug("Reservation sweep held by another instance")
		return &SweepResult{}, nil
	}
	return result, err
}

// Start runs the sweep loop until Stop or ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					log.WithError(err).Error("Reservation sweep failed")
				}
				if err := s.svc.LoadCatalog(ctx); err != nil {
					log.WithError(err).Warn("Product catalog refresh failed")
				}
			}
		}
	}()
	log.WithField("interval", s.interval.String()).Info("Reservation sweeper started")
}

// Stop stops the loop and waits for the running sweep
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
