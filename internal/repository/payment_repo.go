package repository

import (
	"context"

	"gorm.io/gorm"

	"orderflow/internal/model"
)

// PaymentRepository payment and refund persistence
type PaymentRepository interface {
	GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error)
	Create(ctx context.Context, payment *model.Payment) error
	Save(ctx context.Context, payment *model.Payment) error
	// IncrementRetry bumps retry_count from expected to expected+1 and marks the payment
	// PROCESSING. It reports false if another attempt got there first.
	IncrementRetry(ctx context.Context, id uint64, expected int) (bool, error)

	GetRefundByOrderID(ctx context.Context, orderID string) (*model.Refund, error)
	CreateRefund(ctx context.Context, refund *model.Refund) error
	SaveRefund(ctx context.Context, refund *model.Refund) error
}

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a payment repository
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error) {
	var p model.Payment
	if err := conn(ctx, r.db).Where("order_id = ?", orderID).First(&p).Error; err != nil {
		return nil, notFound(err, "payment for order %s not found", orderID)
	}
	return &p, nil
}

func (r *paymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	return conn(ctx, r.db).Create(payment).Error
}

func (r *paymentRepository) Save(ctx context.Context, payment *model.Payment) error {
	return conn(ctx, r.db).Save(payment).Error
}

func (r *paymentRepository) IncrementRetry(ctx context.Context, id uint64, expected int) (bool, error) {
	result := conn(ctx, r.db).
		Model(&model.Payment{}).
		Where("id = ? AND retry_count = ?", id, expected).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"status":      model.PaymentProcessing,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *paymentRepository) GetRefundByOrderID(ctx context.Context, orderID string) (*model.Refund, error) {
	var refund model.Refund
	if err := conn(ctx, r.db).Where("order_id = ?", orderID).First(&refund).Error; err != nil {
		return nil, notFound(err, "refund for order %s not found", orderID)
	}
	return &refund, nil
}

func (r *paymentRepository) CreateRefund(ctx context.Context, refund *model.Refund) error {
	return conn(ctx, r.db).Create(refund).Error
}

func (r *paymentRepository) SaveRefund(ctx context.Context, refund *model.Refund) error {
	return conn(ctx, r.db).Save(refund).Error
}
