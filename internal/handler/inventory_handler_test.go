package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/model"
	"orderflow/internal/repository/memory"
	"orderflow/internal/service/inventory"
	"orderflow/pkg/utils"
)

func inventoryRouter(t *testing.T, stock ...*model.Inventory) (*gin.Engine, inventory.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	svc, err := inventory.NewService(inventory.Deps{
		Tx:           store,
		Inventories:  store.Inventories(),
		Reservations: store.Reservations(),
	}, inventory.Config{})
	require.NoError(t, err)
	for _, s := range stock {
		require.NoError(t, svc.UpsertInventory(context.Background(), s))
	}

	h := NewInventoryHandler(svc)
	r := gin.New()
	g := r.Group("/api/v1/inventory")
	g.POST("/check", h.CheckAvailability)
	g.GET("/:product_id", h.GetInventory)
	g.PUT("/:product_id", h.UpsertInventory)
	return r, svc
}

func TestInventoryHandler_CheckAvailability(t *testing.T) {
	r, _ := inventoryRouter(t, &model.Inventory{ProductID: "SKU-1", Name: "Mug", UnitPrice: 1250, AvailableQuantity: 3})

	w := do(r, http.MethodPost, "/api/v1/inventory/check", "", []inventory.Line{{ProductID: "SKU-1", Quantity: 2}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []inventory.Availability `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.True(t, resp.Data[0].Available)
	assert.Equal(t, int64(2500), resp.Data[0].TotalPrice)

	w = do(r, http.MethodPost, "/api/v1/inventory/check", "", []inventory.Line{{ProductID: "SKU-1", Quantity: 4}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Data[0].Available)

	w = do(r, http.MethodPost, "/api/v1/inventory/check", "", []inventory.Line{{ProductID: "SKU-404", Quantity: 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/inventory/check", "", map[string]string{"productId": "SKU-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInventoryHandler_GetInventory(t *testing.T) {
	r, _ := inventoryRouter(t, &model.Inventory{ProductID: "SKU-1", Name: "Mug", UnitPrice: 1250, AvailableQuantity: 3})

	w := do(r, http.MethodGet, "/api/v1/inventory/SKU-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, data := decodeResponse(t, w)
	assert.Equal(t, "SKU-1", data["productId"])

	w = do(r, http.MethodGet, "/api/v1/inventory/SKU-404", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp, _ := decodeResponse(t, w)
	assert.Equal(t, utils.CodeNotFound, resp.Code)
}

func TestInventoryHandler_UpsertInventory(t *testing.T) {
	r, svc := inventoryRouter(t)

	w := do(r, http.MethodPut, "/api/v1/inventory/SKU-2", "", UpsertInventoryRequest{
		Name:              "Kettle",
		UnitPrice:         4999,
		AvailableQuantity: 7,
		LowStockThreshold: 2,
	})
	require.Equal(t, http.StatusOK, w.Code)

	inv, err := svc.GetInventory(context.Background(), "SKU-2")
	require.NoError(t, err)
	assert.Equal(t, 7, inv.AvailableQuantity)
	assert.Equal(t, int64(4999), inv.UnitPrice)

	w = do(r, http.MethodPut, "/api/v1/inventory/SKU-2", "", UpsertInventoryRequest{AvailableQuantity: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
