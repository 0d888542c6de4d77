package handler

import (
	"github.com/gin-gonic/gin"

	"orderflow/internal/middleware"
	"orderflow/internal/service/payment"
	"orderflow/pkg/utils"
)

// PaymentHandler exposes payments read-only. Refunds are requested through the order.
type PaymentHandler struct {
	paymentService payment.Service
}

// NewPaymentHandler creates a payment handler
func NewPaymentHandler(paymentService payment.Service) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// GetPayment returns the payment of one of the customer's orders
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	customerID, ok := middleware.GetCustomerID(c)
	if !ok {
		utils.Error(c, utils.CodeUnauthorized, "Unauthorized")
		return
	}

	orderID := c.Param("order_id")
	found, err := h.paymentService.GetPayment(c.Request.Context(), orderID)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	if found.CustomerID != customerID {
		utils.ErrorResponse(c, utils.NotFound("payment for order %s not found", orderID))
		return
	}
	utils.SuccessResponse(c, found)
}
