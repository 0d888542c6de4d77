// Package idempotency guarantees that a business operation keyed by an event id or a
// composite business key completes at most once per service.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

const (
	DefaultProcessedTTL = 7 * 24 * time.Hour
	DefaultLockTTL      = 5 * time.Minute
)

// Config tunes a Processor
type Config struct {
	ProcessedTTL time.Duration
	LockTTL      time.Duration
}

// Processor runs operations at most once per key. The processed marker is only written
// after the operation succeeds, so a crash in between leads to a re-run; operations
// must tolerate that.
type Processor struct {
	store        Store
	service      string
	processedTTL time.Duration
	lockTTL      time.Duration
}

// NewProcessor creates a processor whose keys are scoped to service
func NewProcessor(store Store, service string, cfg Config) *Processor {
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = DefaultProcessedTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Processor{
		store:        store,
		service:      service,
		processedTTL: cfg.ProcessedTTL,
		lockTTL:      cfg.LockTTL,
	}
}

// Service returns the scope of this processor's keys
func (p *Processor) Service() string {
	return p.service
}

func (p *Processor) markerKey(key string) string {
	return fmt.Sprintf("event:processed:%s:%s", p.service, key)
}

func (p *Processor) lockKey(key string) string {
	return fmt.Sprintf("event:lock:%s:%s", p.service, key)
}

// IsProcessed reports whether key has a processed marker
func (p *Processor) IsProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := p.store.Exists(ctx, p.markerKey(key))
	if err != nil {
		return false, utils.Transient(err, "idempotency store unavailable")
	}
	return ok, nil
}

// ProcessOnce runs op unless key was already processed or is being processed by another
// worker, in which case it returns false and no error. An op error is returned as is and
// leaves the key unmarked so a redelivery can retry it.
func (p *Processor) ProcessOnce(ctx context.Context, key string, op func(ctx context.Context) error) (bool, error) {
	done, err := p.IsProcessed(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		log.WithContext(ctx).WithField("key", key).Debug("Already processed, skipping")
		return false, nil
	}

	token := uuid.NewString()
	lockKey := p.lockKey(key)
	acquired, err := p.store.SetIfAbsent(ctx, lockKey, token, p.lockTTL)
	if err != nil {
		return false, utils.Transient(err, "idempotency store unavailable")
	}
	if !acquired {
		log.WithContext(ctx).WithField("key", key).Debug("Processing in progress elsewhere, skipping")
		return false, nil
	}
	defer p.release(ctx, lockKey, token)

	done, err = p.IsProcessed(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	if err := op(ctx); err != nil {
		return false, err
	}

	if err := p.store.Set(ctx, p.markerKey(key), time.Now().UTC().Format(time.RFC3339Nano), p.processedTTL); err != nil {
		// op already ran; a redelivery will run it again
		return true, utils.Transient(err, "failed to mark processed")
	}
	return true, nil
}

// ProcessEvent keys processing by the event id
func (p *Processor) ProcessEvent(ctx context.Context, eventID string, op func(ctx context.Context) error) (bool, error) {
	return p.ProcessOnce(ctx, eventID, op)
}

func (p *Processor) release(ctx context.Context, lockKey, token string) {
	if _, err := p.store.DeleteIfValue(context.WithoutCancel(ctx), lockKey, token); err != nil {
		log.WithContext(ctx).WithField("lock_key", lockKey).WithError(err).Warn("Failed to release idempotency lock; it will expire")
	}
}
