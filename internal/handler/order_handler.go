package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"orderflow/internal/middleware"
	"orderflow/internal/model"
	"orderflow/internal/service/order"
	"orderflow/pkg/log"
	"orderflow/pkg/snowflake"
	"orderflow/pkg/utils"
)

// OrderHandler order handler
type OrderHandler struct {
	orderService order.OrderService
	sagaService  order.SagaService
}

// NewOrderHandler creates an order handler
func NewOrderHandler(orderService order.OrderService, sagaService order.SagaService) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		sagaService:  sagaService,
	}
}

// ReasonRequest carries an optional customer supplied reason
type ReasonRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// CreateOrder places an order for the authenticated customer. The response carries the
// PENDING order; later saga outcomes are visible through GetOrder.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	customerID, ok := middleware.GetCustomerID(c)
	if !ok {
		utils.Error(c, utils.CodeUnauthorized, "Unauthorized")
		return
	}

	var req order.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	req.CustomerID = customerID

	created, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		log.WithContext(c.Request.Context()).WithError(err).WithField("customer_id", customerID).Warn("Order rejected")
		utils.ErrorResponse(c, err)
		return
	}
	utils.CreatedResponse(c, created)
}

// GetOrder accepts either the order id or its ORD- number. Customers only see their own
// orders.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	found, ok := h.lookup(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, found)
}

// GetOrderItems returns the lines of one of the customer's orders
func (h *OrderHandler) GetOrderItems(c *gin.Context) {
	found, ok := h.lookup(c)
	if !ok {
		return
	}
	utils.SuccessResponse(c, found.Items)
}

// CancelOrder cancels an order that could not be reserved
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	h.act(c, "Order cancelled", h.sagaService.CancelOrder)
}

// RequestRefund asks for a full refund of a paid or returned order. The refund itself is
// asynchronous; the order turns REFUNDED once the payment service has processed it.
func (h *OrderHandler) RequestRefund(c *gin.Context) {
	h.act(c, "Refund requested", h.sagaService.RequestRefund)
}

func (h *OrderHandler) act(c *gin.Context, message string, fn func(ctx context.Context, customerID, orderID, reason string) error) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.Error(c, utils.CodeValidation, "Invalid request body: "+err.Error())
			return
		}
	}
	found, ok := h.lookup(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := fn(ctx, found.CustomerID, found.ID, req.Reason); err != nil {
		log.WithContext(ctx).WithError(err).WithField("order_id", found.ID).Warn("Order action rejected")
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessWithMessage(c, message, gin.H{"id": found.ID})
}

// lookup resolves the :id param to an order the authenticated customer owns. It writes
// the error response itself.
func (h *OrderHandler) lookup(c *gin.Context) (*model.Order, bool) {
	customerID, ok := middleware.GetCustomerID(c)
	if !ok {
		utils.Error(c, utils.CodeUnauthorized, "Unauthorized")
		return nil, false
	}

	id := c.Param("id")
	ctx := c.Request.Context()

	var (
		found *model.Order
		err   error
	)
	if strings.HasPrefix(id, snowflake.OrderNumberPrefix) {
		found, err = h.orderService.GetOrderByNumber(ctx, id)
	} else {
		found, err = h.orderService.GetOrder(ctx, id)
	}
	if err != nil {
		utils.ErrorResponse(c, err)
		return nil, false
	}
	if found.CustomerID != customerID {
		utils.ErrorResponse(c, utils.NotFound("order %s not found", id))
		return nil, false
	}
	return found, true
}

// ListOrders lists the authenticated customer's orders, newest first
func (h *OrderHandler) ListOrders(c *gin.Context) {
	customerID, ok := middleware.GetCustomerID(c)
	if !ok {
		utils.Error(c, utils.CodeUnauthorized, "Unauthorized")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orderService.ListCustomerOrders(c.Request.Context(), customerID, page, pageSize)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"list":  orders,
		"total": total,
		"page":  page,
		"size":  pageSize,
	})
}
