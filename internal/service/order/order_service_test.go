package order

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/repository/memory"
	"orderflow/internal/service/inventory"
	"orderflow/pkg/snowflake"
	"orderflow/pkg/utils"
)

type mockInventoryClient struct {
	mock.Mock
}

func (m *mockInventoryClient) CheckAvailability(ctx context.Context, lines []inventory.Line) ([]inventory.Availability, error) {
	args := m.Called(ctx, lines)
	out, _ := args.Get(0).([]inventory.Availability)
	return out, args.Error(1)
}

func newOrderService(t *testing.T, client InventoryClient) (OrderService, *memory.Store, *event.Recorder) {
	t.Helper()
	gen, err := snowflake.NewIDGenerator(1)
	require.NoError(t, err)
	store := memory.NewStore()
	rec := event.NewRecorder()
	return NewOrderService(store, store.Orders(), client, rec, gen), store, rec
}

func validRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		CustomerID:         "cust-1",
		Currency:           "USD",
		PaymentMethodToken: "pm_card_visa",
		Items: []inventory.Line{
			{ProductID: "SKU-1", Quantity: 2},
			{ProductID: "SKU-2", Quantity: 1},
		},
	}
}

func TestCreateOrder(t *testing.T) {
	client := new(mockInventoryClient)
	req := validRequest()
	client.On("CheckAvailability", mock.Anything, req.Items).Return([]inventory.Availability{
		{ProductID: "SKU-1", UnitPrice: 1500, TotalPrice: 3000, AvailableQuantity: 10, Available: true},
		{ProductID: "SKU-2", UnitPrice: 999, TotalPrice: 999, AvailableQuantity: 1, Available: true},
	}, nil)

	svc, store, rec := newOrderService(t, client)
	order, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	client.AssertExpectations(t)

	assert.NotEmpty(t, order.ID)
	assert.Regexp(t, `^ORD-\d+$`, order.OrderNumber)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Equal(t, int64(3999), order.TotalAmount)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(3000), order.Items[0].TotalPrice)

	stored, err := store.Orders().GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)

	events := rec.OfTopic(event.TopicOrderCreated)
	require.Len(t, events, 1)
	assert.Equal(t, order.ID, events[0].AggregateID)
	payload := events[0].Payload.(event.OrderCreated)
	assert.Equal(t, "cust-1", payload.CustomerID)
	assert.Equal(t, "pm_card_visa", payload.PaymentMethodToken)
	assert.Equal(t, int64(3999), payload.TotalAmount)
	assert.Equal(t, []event.OrderLine{
		{ProductID: "SKU-1", Quantity: 2, UnitPrice: 1500},
		{ProductID: "SKU-2", Quantity: 1, UnitPrice: 999},
	}, payload.Items)
}

func TestCreateOrderRejectedBeforeAnyEvent(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *CreateOrderRequest)
		check    []inventory.Availability
		checkErr error
		wantCode utils.ResponseCode
	}{
		{
			name:     "no items",
			mutate:   func(r *CreateOrderRequest) { r.Items = nil },
			wantCode: utils.CodeValidation,
		},
		{
			name:     "bad currency",
			mutate:   func(r *CreateOrderRequest) { r.Currency = "dollars" },
			wantCode: utils.CodeValidation,
		},
		{
			name:     "zero quantity",
			mutate:   func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 },
			wantCode: utils.CodeValidation,
		},
		{
			name: "unavailable line",
			check: []inventory.Availability{
				{ProductID: "SKU-1", UnitPrice: 1500, Available: true},
				{ProductID: "SKU-2", UnitPrice: 999, Available: false},
			},
			wantCode: utils.CodeInsufficientStock,
		},
		{
			name:     "inventory down",
			checkErr: utils.Transient(errors.New("connection refused"), "inventory service unreachable"),
			wantCode: utils.CodeTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockInventoryClient)
			client.On("CheckAvailability", mock.Anything, mock.Anything).Return(tt.check, tt.checkErr).Maybe()

			svc, _, rec := newOrderService(t, client)
			req := validRequest()
			if tt.mutate != nil {
				tt.mutate(req)
			}
			_, err := svc.CreateOrder(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, utils.CodeOf(err))
			assert.Empty(t, rec.Events())
		})
	}
}

func TestCreateOrderWithLocalInventory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	inv, err := inventory.NewService(inventory.Deps{
		Tx:           store,
		Inventories:  store.Inventories(),
		Reservations: store.Reservations(),
		Publisher:    event.NewRecorder(),
	}, inventory.Config{})
	require.NoError(t, err)
	require.NoError(t, inv.UpsertInventory(ctx, &model.Inventory{ProductID: "SKU-1", UnitPrice: 250, AvailableQuantity: 3}))

	gen, err := snowflake.NewIDGenerator(2)
	require.NoError(t, err)
	rec := event.NewRecorder()
	svc := NewOrderService(store, store.Orders(), inv, rec, gen)

	order, err := svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID:         "cust-1",
		Currency:           "EUR",
		PaymentMethodToken: "pm_1",
		Items:              []inventory.Line{{ProductID: "SKU-1", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(750), order.TotalAmount)

	_, err = svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID:         "cust-1",
		Currency:           "EUR",
		PaymentMethodToken: "pm_1",
		Items:              []inventory.Line{{ProductID: "SKU-1", Quantity: 4}},
	})
	assert.ErrorIs(t, err, utils.ErrInsufficientStock)
	assert.Len(t, rec.OfTopic(event.TopicOrderCreated), 1)
}

func TestGetOrderByNumber(t *testing.T) {
	client := new(mockInventoryClient)
	client.On("CheckAvailability", mock.Anything, mock.Anything).Return([]inventory.Availability{
		{ProductID: "SKU-1", UnitPrice: 100, Available: true},
		{ProductID: "SKU-2", UnitPrice: 100, Available: true},
	}, nil)
	svc, _, _ := newOrderService(t, client)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	got, err := svc.GetOrderByNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = svc.GetOrderByNumber(ctx, "SK123")
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = svc.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, utils.ErrNotFound)

	orders, total, err := svc.ListCustomerOrders(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, orders, 1)
}
