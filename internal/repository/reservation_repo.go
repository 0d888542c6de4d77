package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"orderflow/internal/model"
)

// ReservationRepository stock reservation repository interface
type ReservationRepository interface {
	CreateBatch(ctx context.Context, reservations []model.StockReservation) error
	ListByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error)
	ListByOrderAndStatus(ctx context.Context, orderID string, status model.ReservationStatus) ([]model.StockReservation, error)
	// MarkStatus moves a reservation from one status to another and reports whether
	// this call made the change.
	MarkStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error)
	// ListExpired returns RESERVED rows whose expiry is before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error)
}

type reservationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewReservationRepository creates a reservation repository
func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db, now: time.Now}
}

func (r *reservationRepository) CreateBatch(ctx context.Context, reservations []model.StockReservation) error {
	if len(reservations) == 0 {
		return nil
	}
	return conn(ctx, r.db).Create(&reservations).Error
}

func (r *reservationRepository) ListByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error) {
	var out []model.StockReservation
	err := conn(ctx, r.db).
		Where("order_id = ?", orderID).
		Order("product_id").
		Find(&out).Error
	return out, err
}

func (r *reservationRepository) ListByOrderAndStatus(ctx context.Context, orderID string, status model.ReservationStatus) ([]model.StockReservation, error) {
	var out []model.StockReservation
	err := conn(ctx, r.db).
		Where("order_id = ? AND status = ?", orderID, status).
		Order("product_id").
		Find(&out).Error
	return out, err
}

func (r *reservationRepository) MarkStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error) {
	result := conn(ctx, r.db).
		Model(&model.StockReservation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": r.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *reservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error) {
	var out []model.StockReservation
	err := conn(ctx, r.db).
		Where("status = ? AND expires_at < ?", model.ReservationReserved, now).
		Order("expires_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}
