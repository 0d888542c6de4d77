package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orderflow/internal/model"
)

// OutboxRepository outbox persistence
type OutboxRepository interface {
	Add(ctx context.Context, evt *model.OutboxEvent) error
	// LockUnpublished selects pending rows FOR UPDATE SKIP LOCKED; it must run inside a
	// transaction so concurrent relays split the backlog.
	LockUnpublished(ctx context.Context, limit, maxAttempts int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uint64, at time.Time) error
	MarkFailed(ctx context.Context, id uint64, reason string) error
	DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates an outbox repository
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Add(ctx context.Context, evt *model.OutboxEvent) error {
	return conn(ctx, r.db).Create(evt).Error
}

func (r *outboxRepository) LockUnpublished(ctx context.Context, limit, maxAttempts int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("published_at IS NULL AND attempts < ?", maxAttempts).
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uint64, at time.Time) error {
	return conn(ctx, r.db).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
		}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uint64, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return conn(ctx, r.db).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

func (r *outboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := conn(ctx, r.db).
		Where("published_at IS NOT NULL AND published_at < ?", before).
		Delete(&model.OutboxEvent{})
	return result.RowsAffected, result.Error
}
