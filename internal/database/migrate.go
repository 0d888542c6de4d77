package database

import (
	"fmt"

	"gorm.io/gorm"

	"orderflow/internal/model"
	"orderflow/pkg/log"
)

// Models lists every table owned by the saga services
func Models() []interface{} {
	return []interface{}{
		&model.Order{},
		&model.OrderItem{},
		&model.Inventory{},
		&model.StockReservation{},
		&model.Payment{},
		&model.Refund{},
		&model.OutboxEvent{},
	}
}

// AutoMigrate auto migrate database table schema
func AutoMigrate(db *gorm.DB) error {
	log.Info("Starting database migration...")

	for _, m := range Models() {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Infof("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}

// CreateIndexes create additional indexes
func CreateIndexes(db *gorm.DB) error {
	indexes := []struct {
		table string
		name  string
		sql   string
	}{
		{
			table: "outbox_events",
			name:  "idx_outbox_pending",
			sql:   "CREATE INDEX idx_outbox_pending ON outbox_events (published_at, attempts, id)",
		},
		{
			table: "orders",
			name:  "idx_orders_customer_created",
			sql:   "CREATE INDEX idx_orders_customer_created ON orders (customer_id, created_at)",
		},
	}

	migrator := db.Migrator()
	for _, idx := range indexes {
		if migrator.HasIndex(idx.table, idx.name) {
			continue
		}
		if err := db.Exec(idx.sql).Error; err != nil {
			log.Warnf("Failed to create index %s on table %s: %v", idx.name, idx.table, err)
		} else {
			log.Infof("Created index: %s on table %s", idx.name, idx.table)
		}
	}
	return nil
}
