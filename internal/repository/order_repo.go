package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"orderflow/internal/model"
	"orderflow/pkg/utils"
)

// OrderRepository order repository interface
type OrderRepository interface {
	// Create inserts the order and its items
	Create(ctx context.Context, order *model.Order) error

	// GetByID loads an order with its items
	GetByID(ctx context.Context, id string) (*model.Order, error)

	// GetByOrderNumber loads an order by its human facing number
	GetByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error)

	// SaveTransition persists order.Status, UpdatedAt and CancelReason if the stored
	// status still equals from
	SaveTransition(ctx context.Context, order *model.Order, from model.OrderStatus) error

	// ListByCustomer lists a customer's orders, newest first
	ListByCustomer(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error)
}

// orderRepository order repository implementation
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates an order
func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	return conn(ctx, r.db).Create(order).Error
}

// GetByID gets an order by ID
func (r *orderRepository) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	err := conn(ctx, r.db).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, "order %s not found", id)
	}
	return &order, nil
}

// GetByOrderNumber gets an order by order number
func (r *orderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	var order model.Order
	err := conn(ctx, r.db).
		Preload("Items").
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, "order %s not found", orderNumber)
	}
	return &order, nil
}

// SaveTransition is a compare-and-set on the previous status. Losing the race to a
// concurrent writer is transient: the caller reloads and re-validates on retry.
func (r *orderRepository) SaveTransition(ctx context.Context, order *model.Order, from model.OrderStatus) error {
	updates := map[string]interface{}{
		"status":     order.Status,
		"updated_at": order.UpdatedAt,
	}
	if order.CancelReason != nil {
		updates["cancel_reason"] = *order.CancelReason
	}

	result := conn(ctx, r.db).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", order.ID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Transient(
			fmt.Errorf("order %s is no longer %s", order.ID, from),
			"concurrent order update",
		)
	}
	return nil
}

// ListByCustomer lists customer orders
func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := conn(ctx, r.db).Model(&model.Order{}).Where("customer_id = ?", customerID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Preload("Items").
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
