package order

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/monitor"
	"orderflow/internal/repository"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// SagaService applies the order side of the saga. Every method validates the transition
// before any write or publish; a same-state transition is a no-op that publishes nothing.
type SagaService interface {
	// ConfirmOrder moves PENDING to CONFIRMED and requests payment
	ConfirmOrder(ctx context.Context, orderID string) error
	MarkOutOfStock(ctx context.Context, orderID string) error
	MarkPaid(ctx context.Context, orderID string) error
	// HandlePaymentFailed cancels the order unless the keep-order policy is on
	HandlePaymentFailed(ctx context.Context, orderID, reason string) error
	MarkShipped(ctx context.Context, orderID string) error
	MarkDelivered(ctx context.Context, orderID string) error
	MarkRefunded(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID, reason string) error

	// CancelOrder cancels an order on its customer's request. Only an OUT_OF_STOCK order
	// qualifies; earlier states still have a reservation or payment in flight.
	CancelOrder(ctx context.Context, customerID, orderID, reason string) error
	// RequestRefund asks the payment service for a full refund of a PAID or RETURNED order
	RequestRefund(ctx context.Context, customerID, orderID, reason string) error
}

// SagaConfig tunes the order saga
type SagaConfig struct {
	// KeepOrderOnFailure leaves the order CONFIRMED after a failed payment
	KeepOrderOnFailure bool
}

type sagaService struct {
	tx        repository.Transactor
	orders    repository.OrderRepository
	publisher event.Publisher
	metrics   *monitor.MetricsCollector
	cfg       SagaConfig
	now       func() time.Time
}

// NewSagaService creates the order saga service
func NewSagaService(
	tx repository.Transactor,
	orders repository.OrderRepository,
	publisher event.Publisher,
	metrics *monitor.MetricsCollector,
	cfg SagaConfig,
) SagaService {
	return &sagaService{
		tx:        tx,
		orders:    orders,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// transition loads the order, applies to and persists it with a compare-and-set on the
// previous status. then runs inside the same transaction only when the status changed.
func (s *sagaService) transition(
	ctx context.Context,
	orderID string,
	to model.OrderStatus,
	reason string,
	then func(ctx context.Context, order *model.Order) error,
) error {
	var from model.OrderStatus
	var changed bool

	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status

		if to == model.OrderStatusCancelled {
			changed, err = order.Cancel(reason, s.now().UTC())
		} else {
			changed, err = order.TransitionTo(to, s.now().UTC())
		}
		if err != nil || !changed {
			return err
		}
		if err := s.orders.SaveTransition(ctx, order, from); err != nil {
			return err
		}
		if then != nil {
			return then(ctx, order)
		}
		return nil
	})
	if err != nil {
		return err
	}

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": orderID,
		"from":     from,
		"to":       to,
	})
	if !changed {
		entry.Debug("Order already in target status")
		return nil
	}
	s.metrics.RecordTransition(string(from), string(to))
	entry.Info("Order status changed")
	return nil
}

// ConfirmOrder implements SagaService
func (s *sagaService) ConfirmOrder(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusConfirmed, "", func(ctx context.Context, order *model.Order) error {
		return s.publisher.Publish(ctx, event.New(order.ID, event.PaymentRequest{
			OrderID:            order.ID,
			CustomerID:         order.CustomerID,
			Amount:             order.TotalAmount,
			Currency:           order.Currency,
			PaymentMethodToken: order.PaymentMethodToken,
		}))
	})
}

// MarkOutOfStock implements SagaService
func (s *sagaService) MarkOutOfStock(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusOutOfStock, "", nil)
}

// MarkPaid implements SagaService
func (s *sagaService) MarkPaid(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusPaid, "", nil)
}

// HandlePaymentFailed implements SagaService
func (s *sagaService) HandlePaymentFailed(ctx context.Context, orderID, reason string) error {
	if s.cfg.KeepOrderOnFailure {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": orderID,
			"status":   order.Status,
			"reason":   reason,
		}).Warn("Payment failed, order kept for manual follow-up")
		return nil
	}
	return s.Cancel(ctx, orderID, fmt.Sprintf("payment failed: %s", reason))
}

// MarkShipped implements SagaService
func (s *sagaService) MarkShipped(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusShipped, "", nil)
}

// MarkDelivered implements SagaService
func (s *sagaService) MarkDelivered(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusDelivered, "", nil)
}

// MarkRefunded implements SagaService
func (s *sagaService) MarkRefunded(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, model.OrderStatusRefunded, "", nil)
}

// Cancel implements SagaService
func (s *sagaService) Cancel(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		return utils.Validation("cancel reason is required")
	}
	return s.transition(ctx, orderID, model.OrderStatusCancelled, reason, nil)
}

// ownedOrder hides orders of other customers behind NotFound
func (s *sagaService) ownedOrder(ctx context.Context, customerID, orderID string) (*model.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CustomerID != customerID {
		return nil, utils.NotFound("order %s not found", orderID)
	}
	return order, nil
}

// CancelOrder implements SagaService
func (s *sagaService) CancelOrder(ctx context.Context, customerID, orderID, reason string) error {
	order, err := s.ownedOrder(ctx, customerID, orderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case model.OrderStatusCancelled:
		return nil
	case model.OrderStatusOutOfStock:
	default:
		return utils.NewError(utils.CodeInvalidTransition,
			fmt.Sprintf("order in status %s cannot be cancelled by the customer", order.Status))
	}
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.Cancel(ctx, order.ID, reason)
}

// RequestRefund implements SagaService
func (s *sagaService) RequestRefund(ctx context.Context, customerID, orderID, reason string) error {
	order, err := s.ownedOrder(ctx, customerID, orderID)
	if err != nil {
		return err
	}
	if order.Status == model.OrderStatusRefunded {
		return nil
	}
	if !model.CanTransition(order.Status, model.OrderStatusRefunded) {
		return utils.NewError(utils.CodeInvalidTransition,
			fmt.Sprintf("order in status %s cannot be refunded", order.Status))
	}
	if reason == "" {
		reason = "requested by customer"
	}

	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, event.New(order.ID, event.RefundRequested{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Reason:     reason,
		}))
	})
	if err != nil {
		return err
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": order.ID,
		"status":   order.Status,
		"reason":   reason,
	}).Info("Refund requested")
	return nil
}
