package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"orderflow/internal/middleware"
	"orderflow/internal/model"
	"orderflow/internal/service/inventory"
	"orderflow/internal/service/order"
	"orderflow/pkg/utils"
)

type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) CreateOrder(ctx context.Context, req *order.CreateOrderRequest) (*model.Order, error) {
	args := m.Called(ctx, req)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockOrderService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockOrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	args := m.Called(ctx, orderNumber)
	o, _ := args.Get(0).(*model.Order)
	return o, args.Error(1)
}

func (m *MockOrderService) ListCustomerOrders(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error) {
	args := m.Called(ctx, customerID, page, pageSize)
	orders, _ := args.Get(0).([]*model.Order)
	return orders, args.Get(1).(int64), args.Error(2)
}

type MockSagaService struct {
	order.SagaService
	mock.Mock
}

func (m *MockSagaService) CancelOrder(ctx context.Context, customerID, orderID, reason string) error {
	return m.Called(ctx, customerID, orderID, reason).Error(0)
}

func (m *MockSagaService) RequestRefund(ctx context.Context, customerID, orderID, reason string) error {
	return m.Called(ctx, customerID, orderID, reason).Error(0)
}

// asCustomer authenticates every request as the bearer token's text
func asCustomer() gin.HandlerFunc {
	return middleware.Auth(func(token string) (string, error) { return token, nil })
}

func orderRouter(svc order.OrderService, saga ...order.SagaService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	var sagaService order.SagaService
	if len(saga) > 0 {
		sagaService = saga[0]
	}
	h := NewOrderHandler(svc, sagaService)
	r := gin.New()
	orders := r.Group("/api/v1/orders", asCustomer())
	orders.POST("", h.CreateOrder)
	orders.GET("", h.ListOrders)
	orders.GET("/:id", h.GetOrder)
	orders.GET("/:id/items", h.GetOrderItems)
	orders.POST("/:id/cancel", h.CancelOrder)
	orders.POST("/:id/refund", h.RequestRefund)
	return r
}

func do(r http.Handler, method, path, customer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if customer != "" {
		req.Header.Set(middleware.AuthorizationHeader, middleware.BearerPrefix+customer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) (utils.Response, map[string]interface{}) {
	t.Helper()
	var raw struct {
		utils.Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	var data map[string]interface{}
	if len(raw.Data) > 0 && raw.Data[0] == '{' {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return raw.Response, data
}

func TestOrderHandler_CreateOrder(t *testing.T) {
	body := map[string]interface{}{
		"currency":           "USD",
		"paymentMethodToken": "pm_card_visa_4242",
		"items":              []map[string]interface{}{{"productId": "SKU-1", "quantity": 2}},
		"customerId":         "someone-else",
	}

	t.Run("created for the token's customer", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("CreateOrder", mock.Anything, &order.CreateOrderRequest{
			CustomerID:         "cust-1",
			Currency:           "USD",
			PaymentMethodToken: "pm_card_visa_4242",
			Items:              []inventory.Line{{ProductID: "SKU-1", Quantity: 2}},
		}).Return(&model.Order{ID: "o-1", OrderNumber: "ORD-1", CustomerID: "cust-1", Status: model.OrderStatusPending}, nil)

		w := do(orderRouter(svc), http.MethodPost, "/api/v1/orders", "cust-1", body)

		assert.Equal(t, http.StatusCreated, w.Code)
		_, data := decodeResponse(t, w)
		assert.Equal(t, "o-1", data["id"])
		assert.Equal(t, "PENDING", data["status"])
		svc.AssertExpectations(t)
	})

	t.Run("insufficient stock", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("CreateOrder", mock.Anything, mock.Anything).Return(nil, utils.NewError(utils.CodeInsufficientStock, "SKU-1 is not available"))

		w := do(orderRouter(svc), http.MethodPost, "/api/v1/orders", "cust-1", body)

		assert.Equal(t, http.StatusConflict, w.Code)
		resp, _ := decodeResponse(t, w)
		assert.Equal(t, utils.CodeInsufficientStock, resp.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		svc := new(MockOrderService)
		w := do(orderRouter(svc), http.MethodPost, "/api/v1/orders", "cust-1", "not an object")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		svc := new(MockOrderService)
		w := do(orderRouter(svc), http.MethodPost, "/api/v1/orders", "", body)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		svc.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})
}

func TestOrderHandler_GetOrder(t *testing.T) {
	svc := new(MockOrderService)
	mine := &model.Order{ID: "o-1", OrderNumber: "ORD-77", CustomerID: "cust-1", Status: model.OrderStatusPaid}
	svc.On("GetOrder", mock.Anything, "o-1").Return(mine, nil)
	svc.On("GetOrderByNumber", mock.Anything, "ORD-77").Return(mine, nil)
	svc.On("GetOrder", mock.Anything, "missing").Return(nil, utils.NotFound("order missing not found"))
	r := orderRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/orders/o-1", "cust-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, data := decodeResponse(t, w)
	assert.Equal(t, "PAID", data["status"])

	w = do(r, http.MethodGet, "/api/v1/orders/ORD-77", "cust-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/orders/o-1", "cust-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/v1/orders/missing", "cust-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderHandler_ListOrders(t *testing.T) {
	svc := new(MockOrderService)
	svc.On("ListCustomerOrders", mock.Anything, "cust-1", 2, 5).Return([]*model.Order{{ID: "o-1"}}, int64(6), nil)

	w := do(orderRouter(svc), http.MethodGet, "/api/v1/orders?page=2&page_size=5", "cust-1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	_, data := decodeResponse(t, w)
	assert.Equal(t, float64(6), data["total"])
	assert.Len(t, data["list"], 1)
	svc.AssertExpectations(t)
}

func TestOrderHandler_GetOrderItems(t *testing.T) {
	svc := new(MockOrderService)
	svc.On("GetOrder", mock.Anything, "o-1").Return(&model.Order{
		ID:         "o-1",
		CustomerID: "cust-1",
		Items:      []model.OrderItem{model.NewOrderItem("SKU-1", 2, 2100)},
	}, nil)
	r := orderRouter(svc)

	w := do(r, http.MethodGet, "/api/v1/orders/o-1/items", "cust-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)

	w = do(r, http.MethodGet, "/api/v1/orders/o-1/items", "cust-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderHandler_CancelOrder(t *testing.T) {
	mine := &model.Order{ID: "o-1", OrderNumber: "ORD-77", CustomerID: "cust-1", Status: model.OrderStatusOutOfStock}

	t.Run("cancelled", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("GetOrderByNumber", mock.Anything, "ORD-77").Return(mine, nil)
		saga := new(MockSagaService)
		saga.On("CancelOrder", mock.Anything, "cust-1", "o-1", "too slow").Return(nil)

		w := do(orderRouter(svc, saga), http.MethodPost, "/api/v1/orders/ORD-77/cancel", "cust-1", map[string]string{"reason": "too slow"})

		assert.Equal(t, http.StatusOK, w.Code)
		_, data := decodeResponse(t, w)
		assert.Equal(t, "o-1", data["id"])
		saga.AssertExpectations(t)
	})

	t.Run("no body", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("GetOrder", mock.Anything, "o-1").Return(mine, nil)
		saga := new(MockSagaService)
		saga.On("CancelOrder", mock.Anything, "cust-1", "o-1", "").Return(nil)

		w := do(orderRouter(svc, saga), http.MethodPost, "/api/v1/orders/o-1/cancel", "cust-1", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		saga.AssertExpectations(t)
	})

	t.Run("payment in flight", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("GetOrder", mock.Anything, "o-1").Return(mine, nil)
		saga := new(MockSagaService)
		saga.On("CancelOrder", mock.Anything, "cust-1", "o-1", "").
			Return(utils.NewError(utils.CodeInvalidTransition, "order in status CONFIRMED cannot be cancelled by the customer"))

		w := do(orderRouter(svc, saga), http.MethodPost, "/api/v1/orders/o-1/cancel", "cust-1", nil)

		assert.Equal(t, http.StatusConflict, w.Code)
		resp, _ := decodeResponse(t, w)
		assert.Equal(t, utils.CodeInvalidTransition, resp.Code)
	})

	t.Run("another customer's order", func(t *testing.T) {
		svc := new(MockOrderService)
		svc.On("GetOrder", mock.Anything, "o-1").Return(mine, nil)
		saga := new(MockSagaService)

		w := do(orderRouter(svc, saga), http.MethodPost, "/api/v1/orders/o-1/cancel", "cust-2", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		saga.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestOrderHandler_RequestRefund(t *testing.T) {
	svc := new(MockOrderService)
	svc.On("GetOrder", mock.Anything, "o-1").Return(&model.Order{ID: "o-1", CustomerID: "cust-1", Status: model.OrderStatusPaid}, nil)
	saga := new(MockSagaService)
	saga.On("RequestRefund", mock.Anything, "cust-1", "o-1", "damaged").Return(nil)
	r := orderRouter(svc, saga)

	w := do(r, http.MethodPost, "/api/v1/orders/o-1/refund", "cust-1", map[string]string{"reason": "damaged"})
	assert.Equal(t, http.StatusOK, w.Code)
	saga.AssertExpectations(t)

	w = do(r, http.MethodPost, "/api/v1/orders/o-1/refund", "cust-1", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
