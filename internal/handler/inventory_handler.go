package handler

import (
	"github.com/gin-gonic/gin"

	"orderflow/internal/model"
	"orderflow/internal/service/inventory"
	"orderflow/pkg/utils"
)

// InventoryHandler serves the availability check and stock administration
type InventoryHandler struct {
	inventoryService inventory.Service
}

// NewInventoryHandler creates an inventory handler
func NewInventoryHandler(inventoryService inventory.Service) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
	}
}

// CheckAvailability prices a list of lines and reports whether each can be reserved.
// The body is a bare JSON array of {productId, quantity}.
func (h *InventoryHandler) CheckAvailability(c *gin.Context) {
	var lines []inventory.Line
	if err := c.ShouldBindJSON(&lines); err != nil {
		utils.Error(c, utils.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.inventoryService.CheckAvailability(c.Request.Context(), lines)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, result)
}

// GetInventory returns one product's stock record
func (h *InventoryHandler) GetInventory(c *gin.Context) {
	inv, err := h.inventoryService.GetInventory(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, inv)
}

// UpsertInventoryRequest seeds or corrects a product's stock
type UpsertInventoryRequest struct {
	Name              string `json:"name" validate:"max=200"`
	UnitPrice         int64  `json:"unitPrice" validate:"gte=0"`
	AvailableQuantity int    `json:"availableQuantity" validate:"gte=0"`
	LowStockThreshold int    `json:"lowStockThreshold" validate:"gte=0"`
}

// UpsertInventory creates or replaces a product's stock. The reserved quantity is owned
// by the reservation engine and cannot be set here.
func (h *InventoryHandler) UpsertInventory(c *gin.Context) {
	var req UpsertInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, utils.CodeValidation, "Invalid request body: "+err.Error())
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	inv := &model.Inventory{
		ProductID:         c.Param("product_id"),
		Name:              req.Name,
		UnitPrice:         req.UnitPrice,
		AvailableQuantity: req.AvailableQuantity,
		LowStockThreshold: req.LowStockThreshold,
	}
	if err := h.inventoryService.UpsertInventory(c.Request.Context(), inv); err != nil {
		utils.ErrorResponse(c, err)
		return
	}

	saved, err := h.inventoryService.GetInventory(c.Request.Context(), inv.ProductID)
	if err != nil {
		utils.ErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, saved)
}
