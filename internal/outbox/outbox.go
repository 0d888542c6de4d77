// Package outbox makes event publication part of the database transaction that caused
// it. Publisher stores encoded events; Relay forwards them to the broker.
package outbox

import (
	"context"
	"sync"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/monitor"
	"orderflow/internal/repository"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// Publisher implements event.Publisher by inserting into the outbox table. When ctx
// carries a transaction the row commits or rolls back with it.
type Publisher struct {
	repo repository.OutboxRepository
}

// NewPublisher creates an outbox publisher
func NewPublisher(repo repository.OutboxRepository) *Publisher {
	return &Publisher{repo: repo}
}

// Publish stores e for relay
func (p *Publisher) Publish(ctx context.Context, e event.DomainEvent) error {
	data, err := event.Encode(e)
	if err != nil {
		return err
	}
	row := &model.OutboxEvent{
		EventID:     e.EventID,
		AggregateID: e.AggregateID,
		Topic:       e.Topic(),
		Payload:     data,
		CreatedAt:   e.OccurredOn,
	}
	if err := p.repo.Add(ctx, row); err != nil {
		if repository.IsDuplicate(err) {
			return nil
		}
		return utils.Transient(err, "failed to store outbox event")
	}
	return nil
}

// RawPublisher sends an encoded envelope to the broker
type RawPublisher interface {
	PublishRaw(ctx context.Context, eventID, topic, key string, data []byte) error
}

// RelayConfig tunes a Relay
type RelayConfig struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
	// Retention is how long published rows are kept before cleanup.
	Retention time.Duration
}

// Relay moves outbox rows to the broker. Several relays may run at once: rows are
// claimed with FOR UPDATE SKIP LOCKED, so each batch is owned by one relay.
type Relay struct {
	tx      repository.Transactor
	repo    repository.OutboxRepository
	broker  RawPublisher
	metrics *monitor.MetricsCollector
	cfg     RelayConfig
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewRelay creates a relay
func NewRelay(tx repository.Transactor, repo repository.OutboxRepository, broker RawPublisher, metrics *monitor.MetricsCollector, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Relay{
		tx:      tx,
		repo:    repo,
		broker:  broker,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// RelayBatch publishes one batch and returns how many rows were published. A row that
// fails is marked with the error and retried on a later batch until MaxAttempts.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.Transaction(ctx, func(ctx context.Context) error {
		rows, err := r.repo.LockUnpublished(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
		if err != nil {
			return err
		}
		for _, row := range rows {
			pubErr := r.broker.PublishRaw(ctx, row.EventID, row.Topic, row.AggregateID, row.Payload)
			r.metrics.RecordOutbox(pubErr)
			if pubErr != nil {
				logger := log.WithContext(ctx).WithFields(map[string]interface{}{
					"event_id": row.EventID,
					"topic":    row.Topic,
					"attempts": row.Attempts + 1,
				}).WithError(pubErr)
				if row.Attempts+1 >= r.cfg.MaxAttempts {
					logger.Error("Outbox event exhausted its publish attempts")
				} else {
					logger.Warn("Failed to relay outbox event")
				}
				if err := r.repo.MarkFailed(ctx, row.ID, pubErr.Error()); err != nil {
					return err
				}
				continue
			}
			if err := r.repo.MarkPublished(ctx, row.ID, r.now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

// Cleanup deletes published rows older than the retention period
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	return r.repo.DeletePublishedBefore(ctx, r.now().Add(-r.cfg.Retention))
}

// Start relays on a ticker until ctx is done or Stop is called. A full batch is
// followed immediately by another.
func (r *Relay) Start(ctx context.Context) {
	log.WithFields(map[string]interface{}{
		"interval":   r.cfg.Interval.String(),
		"batch_size": r.cfg.BatchSize,
	}).Info("Starting outbox relay")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Outbox relay stopped")
			return
		case <-r.stopCh:
			log.Info("Outbox relay stopped")
			return
		case <-cleanup.C:
			if n, err := r.Cleanup(ctx); err != nil {
				log.WithError(err).Warn("Outbox cleanup failed")
			} else if n > 0 {
				log.WithField("deleted", n).Info("Outbox cleanup completed")
			}
		case <-ticker.C:
			for {
				n, err := r.RelayBatch(ctx)
				if err != nil {
					log.WithError(err).Error("Error processing outbox batch")
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// Stop stops a running relay
func (r *Relay) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}
