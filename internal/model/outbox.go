package model

import (
	"time"
)

// OutboxEvent is an encoded domain event written in the same transaction as the state
// change that produced it, awaiting relay to the broker.
type OutboxEvent struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"eventId"`
	AggregateID string     `gorm:"type:varchar(64);not null" json:"aggregateId"`
	Topic       string     `gorm:"type:varchar(64);not null" json:"topic"`
	Payload     []byte     `gorm:"type:blob;not null" json:"-"`
	Attempts    int        `gorm:"type:int;not null;default:0" json:"attempts"`
	LastError   *string    `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	PublishedAt *time.Time `gorm:"type:timestamp(3);index" json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `gorm:"type:timestamp(3);not null" json:"createdAt"`
}

// TableName set name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
