package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/repository"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

var errAlreadySettled = errors.New("reservation already settled")

type shortageError struct {
	productID string
}

func (e *shortageError) Error() string {
	return fmt.Sprintf("insufficient free stock for %s", e.productID)
}

func newReservationID() string {
	return uuid.NewString()
}

// transient keeps classified errors as they are and marks the rest retryable
func transient(err error, message string) error {
	if _, ok := utils.IsAppError(err); ok {
		return err
	}
	return utils.Transient(err, message)
}

// ReserveStock reserves stock for an order
func (s *inventoryService) ReserveStock(ctx context.Context, orderID string, lines []Line) ([]model.StockReservation, error) {
	if orderID == "" {
		return nil, utils.Validation("orderId is required")
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	existing, err := s.reservations.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, transient(err, "failed to load reservations")
	}
	if len(existing) > 0 {
		log.WithContext(ctx).WithField("order_id", orderID).Debug("Order already has reservations")
		return existing, nil
	}

	shortages, err := s.shortages(ctx, merged)
	if err != nil {
		return nil, err
	}
	if len(shortages) > 0 {
		return nil, s.announceOutOfStock(ctx, orderID, shortages)
	}

	now := s.now().UTC()
	var reservations []model.StockReservation
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		reservations = make([]model.StockReservation, 0, len(merged))
		for _, l := range merged {
			ok, err := s.inventories.TryReserve(ctx, l.ProductID, l.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &shortageError{productID: l.ProductID}
			}
			reservations = append(reservations, model.StockReservation{
				ID:        s.newID(),
				OrderID:   orderID,
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				Status:    model.ReservationReserved,
				ExpiresAt: now.Add(s.cfg.ReservationTTL),
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if err := s.reservations.CreateBatch(ctx, reservations); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(orderID, event.StockReserved{
			OrderID:      orderID,
			Reservations: reservedLines(reservations),
		}))
	})

	var shortage *shortageError
	switch {
	case errors.As(err, &shortage):
		// a concurrent reservation took the stock between the pre-check and the update
		shortages, serr := s.shortages(ctx, merged)
		if serr != nil {
			return nil, serr
		}
		if len(shortages) == 0 {
			return nil, utils.Transient(err, "stock changed during reservation")
		}
		return nil, s.announceOutOfStock(ctx, orderID, shortages)
	case repository.IsDuplicate(err):
		// a concurrent delivery of the same order won
		return s.reservations.ListByOrder(ctx, orderID)
	case err != nil:
		return nil, transient(err, "failed to reserve stock")
	}

	ids := productIDs(merged)
	s.catalog.invalidate(ids...)
	s.metrics.RecordReservation("reserved", len(reservations))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": orderID,
		"lines":    len(reservations),
	}).Info("Stock reserved")

	s.checkLowStock(ctx, ids)
	return reservations, nil
}

// shortages reads current inventory and lists the lines that cannot be reserved now
func (s *inventoryService) shortages(ctx context.Context, lines []Line) ([]event.Shortage, error) {
	invs, err := s.inventories.GetMany(ctx, productIDs(lines))
	if err != nil {
		return nil, transient(err, "failed to read inventory")
	}
	byID := make(map[string]model.Inventory, len(invs))
	for _, inv := range invs {
		byID[inv.ProductID] = inv
	}

	var out []event.Shortage
	for _, l := range lines {
		free := 0
		if inv, ok := byID[l.ProductID]; ok {
			free = inv.Free()
		}
		if free < 0 {
			free = 0
		}
		if free < l.Quantity {
			out = append(out, event.Shortage{
				ProductID: l.ProductID,
				Requested: l.Quantity,
				Available: free,
			})
		}
	}
	return out, nil
}

func (s *inventoryService) announceOutOfStock(ctx context.Context, orderID string, shortages []event.Shortage) error {
	s.metrics.RecordReservation("out_of_stock", 1)
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  orderID,
		"shortages": len(shortages),
	}).Warn("Insufficient stock, order cannot be reserved")

	err := s.publisher.Publish(ctx, event.New(orderID, event.OutOfStock{
		OrderID:   orderID,
		Shortages: shortages,
	}))
	if err != nil {
		return transient(err, "failed to publish out-of-stock")
	}
	return nil
}

func reservedLines(reservations []model.StockReservation) []event.ReservedLine {
	out := make([]event.ReservedLine, len(reservations))
	for i, r := range reservations {
		out[i] = event.ReservedLine{
			ReservationID: r.ID,
			ProductID:     r.ProductID,
			Quantity:      r.Quantity,
			ExpiresAt:     r.ExpiresAt,
		}
	}
	return out
}

// ConfirmReservation confirms the order's reservations line by line. Lines the expiry
// sweep released before payment completed are taken from free stock again, or announced
// as failed so the payment is refunded.
func (s *inventoryService) ConfirmReservation(ctx context.Context, orderID string) (*ConfirmResult, error) {
	all, err := s.reservations.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, transient(err, "failed to load reservations")
	}
	now := s.now().UTC()
	var active, lapsed []model.StockReservation
	for _, r := range all {
		switch {
		case r.Status == model.ReservationReserved:
			active = append(active, r)
		case r.Status == model.ReservationReleased && !r.ExpiresAt.After(now):
			lapsed = append(lapsed, r)
		}
	}

	result := &ConfirmResult{}
	var touched []string
	for _, r := range active {
		r := r
		err := s.tx.Transaction(ctx, func(ctx context.Context) error {
			ok, err := s.reservations.MarkStatus(ctx, r.ID, model.ReservationReserved, model.ReservationConfirmed)
			if err != nil {
				return err
			}
			if !ok {
				return errAlreadySettled
			}
			ok, err = s.inventories.Confirm(ctx, r.ProductID, r.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return utils.NewError(utils.CodeInsufficientStock,
					fmt.Sprintf("cannot take %d of %s out of stock", r.Quantity, r.ProductID))
			}
			return nil
		})

		switch {
		case err == nil:
			r.Status = model.ReservationConfirmed
			result.Confirmed = append(result.Confirmed, r)
			touched = append(touched, r.ProductID)
		case errors.Is(err, errAlreadySettled):
		case errors.Is(err, utils.ErrInsufficientStock):
			failure, ferr := s.failConfirmation(ctx, r, err)
			if ferr != nil {
				return result, ferr
			}
			if failure != nil {
				result.Failed = append(result.Failed, *failure)
				touched = append(touched, r.ProductID)
			}
		default:
			return result, transient(err, "failed to confirm reservation")
		}
	}

	for _, r := range lapsed {
		confirmed, failure, err := s.reconfirm(ctx, r)
		if err != nil {
			return result, err
		}
		switch {
		case confirmed:
			r.Status = model.ReservationConfirmed
			result.Confirmed = append(result.Confirmed, r)
			touched = append(touched, r.ProductID)
		case failure != nil:
			result.Failed = append(result.Failed, *failure)
		}
	}

	s.catalog.invalidate(touched...)
	s.metrics.RecordReservation("confirmed", len(result.Confirmed))
	s.metrics.RecordReservation("confirm_failed", len(result.Failed))
	if len(result.Confirmed) > 0 || len(result.Failed) > 0 {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id":  orderID,
			"confirmed": len(result.Confirmed),
			"failed":    len(result.Failed),
		}).Info("Reservations confirmed")
	}

	s.checkLowStock(ctx, touched)
	return result, nil
}

// failConfirmation releases a line that could not be confirmed and announces it, in one
// transaction. It returns nil when another worker already settled the reservation.
func (s *inventoryService) failConfirmation(ctx context.Context, r model.StockReservation, cause error) (*LineFailure, error) {
	available := 0
	if inv, err := s.inventories.Get(ctx, r.ProductID); err == nil {
		available = inv.AvailableQuantity
	} else if !errors.Is(err, utils.ErrNotFound) {
		return nil, transient(err, "failed to read inventory")
	}

	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.reservations.MarkStatus(ctx, r.ID, model.ReservationReserved, model.ReservationReleased)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadySettled
		}
		if err := s.releaseReserved(ctx, r); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(r.OrderID, event.StockConfirmationFailed{
			OrderID:   r.OrderID,
			ProductID: r.ProductID,
			Requested: r.Quantity,
			Available: available,
			Reason:    event.ReasonInsufficientStock,
		}))
	})
	if errors.Is(err, errAlreadySettled) {
		return nil, nil
	}
	if err != nil {
		return nil, transient(err, "failed to release unconfirmed reservation")
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  r.OrderID,
		"product":   r.ProductID,
		"requested": r.Quantity,
		"available": available,
	}).Warn("Reservation could not be confirmed, released")

	return &LineFailure{
		ProductID:     r.ProductID,
		ReservationID: r.ID,
		Requested:     r.Quantity,
		Available:     available,
		Err:           cause,
	}, nil
}

// reconfirm takes stock for a released reservation straight from free stock. When the
// stock is gone the line is announced as failed with RESERVATION_EXPIRED. Both results are
// empty when another worker already settled the reservation.
func (s *inventoryService) reconfirm(ctx context.Context, r model.StockReservation) (bool, *LineFailure, error) {
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.reservations.MarkStatus(ctx, r.ID, model.ReservationReleased, model.ReservationConfirmed)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadySettled
		}
		ok, err = s.inventories.TryReserve(ctx, r.ProductID, r.Quantity)
		if err != nil {
			return err
		}
		if ok {
			ok, err = s.inventories.Confirm(ctx, r.ProductID, r.Quantity)
			if err != nil {
				return err
			}
		}
		if !ok {
			return &shortageError{productID: r.ProductID}
		}
		return nil
	})

	var shortage *shortageError
	switch {
	case err == nil:
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": r.OrderID,
			"product":  r.ProductID,
			"quantity": r.Quantity,
		}).Warn("Expired reservation confirmed from free stock")
		return true, nil, nil
	case errors.Is(err, errAlreadySettled):
		return false, nil, nil
	case !errors.As(err, &shortage):
		return false, nil, transient(err, "failed to confirm expired reservation")
	}

	available := 0
	if inv, err := s.inventories.Get(ctx, r.ProductID); err == nil {
		available = inv.Free()
	} else if !errors.Is(err, utils.ErrNotFound) {
		return false, nil, transient(err, "failed to read inventory")
	}
	if available < 0 {
		available = 0
	}

	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, event.New(r.OrderID, event.StockConfirmationFailed{
			OrderID:   r.OrderID,
			ProductID: r.ProductID,
			Requested: r.Quantity,
			Available: available,
			Reason:    event.ReasonReservationExpired,
		}))
	})
	if err != nil {
		return false, nil, transient(err, "failed to publish stock-confirmation-failed")
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  r.OrderID,
		"product":   r.ProductID,
		"requested": r.Quantity,
		"available": available,
	}).Warn("Reservation expired before payment and stock is gone")

	return false, &LineFailure{
		ProductID:     r.ProductID,
		ReservationID: r.ID,
		Requested:     r.Quantity,
		Available:     available,
		Err: utils.NewError(utils.CodeInsufficientStock,
			fmt.Sprintf("reservation for %s expired and only %d is free", r.ProductID, available)),
	}, nil
}

// releaseReserved gives back the reserved quantity. A reserved counter lower than the
// reservation means the counter drifted; it is logged and the reservation still ends.
func (s *inventoryService) releaseReserved(ctx context.Context, r model.StockReservation) error {
	ok, err := s.inventories.ReleaseReserved(ctx, r.ProductID, r.Quantity)
	if err != nil {
		return err
	}
	if !ok {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"reservation_id": r.ID,
			"product":        r.ProductID,
			"quantity":       r.Quantity,
		}).Error("Reserved quantity lower than reservation")
	}
	return nil
}

// releaseOne moves one reservation to RELEASED. released is false when it was already
// terminal.
func (s *inventoryService) releaseOne(ctx context.Context, r model.StockReservation) (released bool, err error) {
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.reservations.MarkStatus(ctx, r.ID, model.ReservationReserved, model.ReservationReleased)
		if err != nil || !ok {
			return err
		}
		released = true
		return s.releaseReserved(ctx, r)
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// ReleaseReservation releases all active reservations of an order
func (s *inventoryService) ReleaseReservation(ctx context.Context, orderID string) (int, error) {
	active, err := s.reservations.ListByOrderAndStatus(ctx, orderID, model.ReservationReserved)
	if err != nil {
		return 0, transient(err, "failed to load reservations")
	}

	count := 0
	var touched []string
	for _, r := range active {
		released, err := s.releaseOne(ctx, r)
		if err != nil {
			return count, transient(err, "failed to release reservation")
		}
		if released {
			count++
			touched = append(touched, r.ProductID)
		}
	}

	s.catalog.invalidate(touched...)
	s.metrics.RecordReservation("released", count)
	if count > 0 {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": orderID,
			"released": count,
		}).Info("Reservations released")
	}
	return count, nil
}

// ReleaseExpired releases one batch of expired reservations. A failing reservation is
// logged and skipped.
func (s *inventoryService) ReleaseExpired(ctx context.Context, now time.Time) (*SweepResult, error) {
	expired, err := s.reservations.ListExpired(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return nil, transient(err, "failed to list expired reservations")
	}

	result := &SweepResult{Scanned: len(expired)}
	var touched []string
	for _, r := range expired {
		released, err := s.releaseOne(ctx, r)
		if err != nil {
			result.Failed++
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"reservation_id": r.ID,
				"order_id":       r.OrderID,
			}).WithError(err).Error("Failed to release expired reservation")
			continue
		}
		if released {
			result.Released++
			touched = append(touched, r.ProductID)
		}
	}

	s.catalog.invalidate(touched...)
	s.metrics.RecordExpiredReleased(result.Released)
	if result.Scanned > 0 {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"released": result.Released,
			"failed":   result.Failed,
		}).Info("Expired reservations swept")
	}
	return result, nil
}

// checkLowStock emits one alert per product and available quantity at or below the
// threshold. Failures are logged; they never fail the reservation flow.
func (s *inventoryService) checkLowStock(ctx context.Context, ids []string) {
	if s.alerts == nil || len(ids) == 0 {
		return
	}
	invs, err := s.inventories.GetMany(ctx, ids)
	if err != nil {
		log.WithContext(ctx).WithError(err).Warn("Low stock check skipped")
		return
	}
	for _, inv := range invs {
		if !inv.IsLowStock() {
			continue
		}
		inv := inv
		key := fmt.Sprintf("low-stock-alert-%s-%d", inv.ProductID, inv.AvailableQuantity)
		_, err := s.alerts.ProcessOnce(ctx, key, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, event.New(inv.ProductID, event.LowStockAlert{
				ProductID:         inv.ProductID,
				AvailableQuantity: inv.AvailableQuantity,
				Threshold:         inv.LowStockThreshold,
			}))
		})
		if err != nil {
			log.WithContext(ctx).WithField("product", inv.ProductID).WithError(err).Warn("Failed to emit low stock alert")
		}
	}
}
