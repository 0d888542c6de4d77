package consumer

import (
	"context"
	"fmt"

	"orderflow/internal/event"
	"orderflow/internal/service/inventory"
	"orderflow/internal/service/order"
	"orderflow/internal/service/payment"
	"orderflow/pkg/log"
)

// orderKey dedupes at order granularity instead of per event
func orderKey(format string) func(event.DomainEvent) string {
	return func(e event.DomainEvent) string {
		return fmt.Sprintf(format, e.AggregateID)
	}
}

// InventoryRoutes reserves stock for new orders, confirms it once paid and releases it
// when payment fails.
func InventoryRoutes(svc inventory.Service) Routes {
	return Routes{
		event.TopicOrderCreated: {
			Key: orderKey("stock-reservation-order-%s"),
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.OrderCreated](e)
				if err != nil {
					return err
				}
				lines := make([]inventory.Line, 0, len(p.Items))
				for _, item := range p.Items {
					lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
				}
				_, err = svc.ReserveStock(ctx, p.OrderID, lines)
				return err
			},
		},
		event.TopicPaymentProcessed: {
			Key: orderKey("reservation-confirmation-order-%s"),
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.PaymentProcessed](e)
				if err != nil {
					return err
				}
				_, err = svc.ConfirmReservation(ctx, p.OrderID)
				return err
			},
		},
		event.TopicPaymentFailed: {
			Key: orderKey("reservation-release-order-%s"),
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.PaymentFailed](e)
				if err != nil {
					return err
				}
				_, err = svc.ReleaseReservation(ctx, p.OrderID)
				return err
			},
		},
	}
}

// OrderRoutes moves orders through the state machine
func OrderRoutes(svc order.SagaService) Routes {
	byOrder := func(apply func(ctx context.Context, orderID string) error) Route {
		return Route{Handle: func(ctx context.Context, e event.DomainEvent) error {
			return apply(ctx, e.AggregateID)
		}}
	}

	return Routes{
		event.TopicStockReserved:    byOrder(svc.ConfirmOrder),
		event.TopicOutOfStock:       byOrder(svc.MarkOutOfStock),
		event.TopicPaymentProcessed: byOrder(svc.MarkPaid),
		event.TopicOrderShipped:     byOrder(svc.MarkShipped),
		event.TopicOrderDelivered:   byOrder(svc.MarkDelivered),
		event.TopicRefundProcessed:  byOrder(svc.MarkRefunded),
		event.TopicPaymentFailed: {
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.PaymentFailed](e)
				if err != nil {
					return err
				}
				return svc.HandlePaymentFailed(ctx, p.OrderID, p.Reason)
			},
		},
		event.TopicRefundFailed: {
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.RefundFailed](e)
				if err != nil {
					return err
				}
				log.WithContext(ctx).WithFields(map[string]interface{}{
					"order_id":    p.OrderID,
					"payment_id":  p.PaymentID,
					"reason":      p.Reason,
					"retry_count": p.RetryCount,
				}).Error("Refund failed, manual intervention required")
				return nil
			},
		},
	}
}

// PaymentRoutes charges orders and refunds those whose stock could not be confirmed
func PaymentRoutes(svc payment.Service) Routes {
	return Routes{
		event.TopicPaymentRequest: {
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.PaymentRequest](e)
				if err != nil {
					return err
				}
				return svc.ProcessPayment(ctx, p)
			},
		},
		// one full refund per order, however many lines failed
		event.TopicStockConfirmationFailed: {
			Key: orderKey("refund-order-%s"),
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.StockConfirmationFailed](e)
				if err != nil {
					return err
				}
				reason := fmt.Sprintf("stock confirmation failed for %s: %s", p.ProductID, p.Reason)
				return svc.RefundPayment(ctx, p.OrderID, reason)
			},
		},
		// RefundPayment refunds at most once, so a customer request after a compensation
		// refund is a no-op
		event.TopicRefundRequested: {
			Handle: func(ctx context.Context, e event.DomainEvent) error {
				p, err := payloadOf[event.RefundRequested](e)
				if err != nil {
					return err
				}
				return svc.RefundPayment(ctx, p.OrderID, p.Reason)
			},
		},
	}
}

// NotificationRoutes logs customer-facing outcomes and stock alerts
func NotificationRoutes() Routes {
	routes := Routes{}
	for _, topic := range []string{
		event.TopicOrderCreated,
		event.TopicOutOfStock,
		event.TopicPaymentProcessed,
		event.TopicPaymentFailed,
		event.TopicOrderShipped,
		event.TopicOrderDelivered,
		event.TopicRefundProcessed,
		event.TopicLowStockAlert,
	} {
		routes[topic] = Route{Handle: notify}
	}
	return routes
}

func notify(ctx context.Context, e event.DomainEvent) error {
	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"topic":        e.Topic(),
		"event_id":     e.EventID,
		"aggregate_id": e.AggregateID,
	})
	switch p := e.Payload.(type) {
	case event.LowStockAlert:
		entry.WithFields(map[string]interface{}{
			"product_id": p.ProductID,
			"available":  p.AvailableQuantity,
			"threshold":  p.Threshold,
		}).Warn("Low stock")
	case event.PaymentFailed:
		entry.WithField("reason", p.Reason).Info("Notifying customer of failed payment")
	case event.OutOfStock:
		entry.WithField("shortages", len(p.Shortages)).Info("Notifying customer of unavailable items")
	default:
		entry.Info("Notifying customer")
	}
	return nil
}
