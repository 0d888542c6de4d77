package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orderflow/internal/model"
)

// InventoryRepository inventory repository interface. Quantity changes are single
// conditional UPDATE statements so the non-negativity invariants hold without row locks
// held across calls.
type InventoryRepository interface {
	Get(ctx context.Context, productID string) (*model.Inventory, error)
	GetMany(ctx context.Context, productIDs []string) ([]model.Inventory, error)
	ListProductIDs(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, inv *model.Inventory) error

	// TryReserve adds quantity to reserved_quantity if that much is still free.
	TryReserve(ctx context.Context, productID string, quantity int) (bool, error)
	// Confirm moves quantity out of both available and reserved.
	Confirm(ctx context.Context, productID string, quantity int) (bool, error)
	// ReleaseReserved returns quantity from reserved to free.
	ReleaseReserved(ctx context.Context, productID string, quantity int) (bool, error)
}

type inventoryRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewInventoryRepository creates an inventory repository
func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepository{db: db, now: time.Now}
}

func (r *inventoryRepository) Get(ctx context.Context, productID string) (*model.Inventory, error) {
	var inv model.Inventory
	if err := conn(ctx, r.db).Where("product_id = ?", productID).First(&inv).Error; err != nil {
		return nil, notFound(err, "product %s not found", productID)
	}
	return &inv, nil
}

func (r *inventoryRepository) GetMany(ctx context.Context, productIDs []string) ([]model.Inventory, error) {
	var invs []model.Inventory
	if len(productIDs) == 0 {
		return invs, nil
	}
	err := conn(ctx, r.db).
		Where("product_id IN ?", productIDs).
		Order("product_id").
		Find(&invs).Error
	return invs, err
}

func (r *inventoryRepository) ListProductIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := conn(ctx, r.db).Model(&model.Inventory{}).Pluck("product_id", &ids).Error
	return ids, err
}

// Upsert inserts or overwrites the catalogue fields and available quantity. The reserved
// quantity is owned by the reservation engine and never overwritten.
func (r *inventoryRepository) Upsert(ctx context.Context, inv *model.Inventory) error {
	inv.UpdatedAt = r.now()
	return conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "unit_price", "available_quantity", "low_stock_threshold", "updated_at",
		}),
	}).Create(inv).Error
}

func (r *inventoryRepository) TryReserve(ctx context.Context, productID string, quantity int) (bool, error) {
	result := conn(ctx, r.db).
		Model(&model.Inventory{}).
		Where("product_id = ? AND available_quantity - reserved_quantity >= ?", productID, quantity).
		Updates(map[string]interface{}{
			"reserved_quantity": gorm.Expr("reserved_quantity + ?", quantity),
			"updated_at":        r.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *inventoryRepository) Confirm(ctx context.Context, productID string, quantity int) (bool, error) {
	result := conn(ctx, r.db).
		Model(&model.Inventory{}).
		Where("product_id = ? AND available_quantity >= ? AND reserved_quantity >= ?", productID, quantity, quantity).
		Updates(map[string]interface{}{
			"available_quantity": gorm.Expr("available_quantity - ?", quantity),
			"reserved_quantity":  gorm.Expr("reserved_quantity - ?", quantity),
			"updated_at":         r.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *inventoryRepository) ReleaseReserved(ctx context.Context, productID string, quantity int) (bool, error) {
	result := conn(ctx, r.db).
		Model(&model.Inventory{}).
		Where("product_id = ? AND reserved_quantity >= ?", productID, quantity).
		Updates(map[string]interface{}{
			"reserved_quantity": gorm.Expr("reserved_quantity - ?", quantity),
			"updated_at":        r.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
