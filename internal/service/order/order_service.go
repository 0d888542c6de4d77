// Package order owns the order aggregate: creation behind the synchronous availability
// check, and the saga transitions driven by inventory and payment events.
package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/repository"
	"orderflow/internal/service/inventory"
	"orderflow/pkg/log"
	"orderflow/pkg/snowflake"
	"orderflow/pkg/utils"
)

// CreateOrderRequest is a customer's order. CustomerID comes from the caller's identity,
// never from the body.
type CreateOrderRequest struct {
	CustomerID         string           `json:"-" validate:"required"`
	Currency           string           `json:"currency" validate:"required,currency"`
	PaymentMethodToken string           `json:"paymentMethodToken" validate:"required,max=64"`
	Items              []inventory.Line `json:"items" validate:"required,min=1,max=50,dive"`
}

// OrderService order service interface
type OrderService interface {
	// CreateOrder checks availability, then persists a PENDING order and announces
	// order-created atomically. Nothing is emitted when the check fails.
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.Order, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*model.Order, error)
	ListCustomerOrders(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error)
}

type orderService struct {
	tx          repository.Transactor
	orders      repository.OrderRepository
	inventory   InventoryClient
	publisher   event.Publisher
	idGenerator *snowflake.IDGenerator
	now         func() time.Time
}

// NewOrderService creates an order service
func NewOrderService(
	tx repository.Transactor,
	orders repository.OrderRepository,
	inventory InventoryClient,
	publisher event.Publisher,
	idGenerator *snowflake.IDGenerator,
) OrderService {
	return &orderService{
		tx:          tx,
		orders:      orders,
		inventory:   inventory,
		publisher:   publisher,
		idGenerator: idGenerator,
		now:         time.Now,
	}
}

// CreateOrder creates an order
func (s *orderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*model.Order, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	// 1. Synchronous availability check, which also prices the lines
	availability, err := s.inventory.CheckAvailability(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if len(availability) != len(req.Items) {
		return nil, utils.Transient(nil, "availability check returned an incomplete answer")
	}
	var unavailable []string
	for _, a := range availability {
		if !a.Available {
			unavailable = append(unavailable, a.ProductID)
		}
	}
	if len(unavailable) > 0 {
		return nil, utils.NewError(utils.CodeInsufficientStock,
			fmt.Sprintf("insufficient stock for %s", strings.Join(unavailable, ", ")))
	}

	// 2. Build the aggregate
	now := s.now().UTC()
	order := &model.Order{
		ID:                 uuid.NewString(),
		OrderNumber:        s.idGenerator.NextOrderNumber(),
		CustomerID:         req.CustomerID,
		Status:             model.OrderStatusPending,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	lines := make([]event.OrderLine, 0, len(req.Items))
	for i, line := range req.Items {
		unitPrice := availability[i].UnitPrice
		order.Items = append(order.Items, model.NewOrderItem(line.ProductID, line.Quantity, unitPrice))
		lines = append(lines, event.OrderLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
		})
	}
	order.TotalAmount = order.ComputeTotal()

	// 3. Persist and announce in one transaction
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, order); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(order.ID, event.OrderCreated{
			OrderID:            order.ID,
			OrderNumber:        order.OrderNumber,
			CustomerID:         order.CustomerID,
			Items:              lines,
			TotalAmount:        order.TotalAmount,
			Currency:           order.Currency,
			PaymentMethodToken: order.PaymentMethodToken,
		}))
	})
	if err != nil {
		log.WithContext(ctx).WithError(err).Error("Failed to create order")
		if _, ok := utils.IsAppError(err); ok {
			return nil, err
		}
		return nil, utils.Transient(err, "failed to create order")
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"customer_id":  order.CustomerID,
		"amount":       order.TotalAmount,
	}).Info("Order created")
	return order, nil
}

// GetOrder get order by id
func (s *orderService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// GetOrderByNumber get order by order number
func (s *orderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	if _, err := snowflake.ParseOrderNumber(orderNumber); err != nil {
		return nil, utils.Validation("invalid order number %q", orderNumber)
	}
	return s.orders.GetByOrderNumber(ctx, orderNumber)
}

// ListCustomerOrders list a customer's orders, newest first
func (s *orderService) ListCustomerOrders(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.orders.ListByCustomer(ctx, customerID, page, pageSize)
}
