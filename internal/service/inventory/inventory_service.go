// Package inventory is the stock reservation engine. Every quantity change is a
// conditional update on the inventory row, so concurrent reservations cannot oversell
// and repeated compensations are no-ops.
package inventory

import (
	"context"
	"sort"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/idempotency"
	"orderflow/internal/model"
	"orderflow/internal/monitor"
	"orderflow/internal/repository"
	"orderflow/pkg/utils"
)

const DefaultReservationTTL = 15 * time.Minute

// Line is a requested product quantity
type Line struct {
	ProductID string `json:"productId" validate:"required,product_id"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// LineFailure is a line whose reservation could not be confirmed
type LineFailure struct {
	ProductID     string
	ReservationID string
	Requested     int
	Available     int
	Err           error
}

// ConfirmResult is the per-line outcome of ConfirmReservation
type ConfirmResult struct {
	Confirmed []model.StockReservation
	Failed    []LineFailure
}

// SweepResult summarises one expiry sweep
type SweepResult struct {
	Scanned  int
	Released int
	Failed   int
}

// Availability answers the synchronous stock check for one line
type Availability struct {
	ProductID         string `json:"productId"`
	UnitPrice         int64  `json:"unitPrice"`
	TotalPrice        int64  `json:"totalPrice"`
	AvailableQuantity int    `json:"availableQuantity"`
	ReservedQuantity  int    `json:"reservedQuantity"`
	Available         bool   `json:"available"`
}

// Service inventory service interface
type Service interface {
	// ReserveStock holds every line for orderID or none of them. On success it announces
	// stock-reserved in the same transaction and returns the reservations; on shortage it
	// announces out-of-stock and returns an empty slice.
	ReserveStock(ctx context.Context, orderID string, lines []Line) ([]model.StockReservation, error)

	// ConfirmReservation converts each RESERVED line into a stock decrement. Lines fail
	// independently; each failed line is released and announced as
	// stock-confirmation-failed.
	ConfirmReservation(ctx context.Context, orderID string) (*ConfirmResult, error)

	// ReleaseReservation returns the order's RESERVED quantities to free stock.
	ReleaseReservation(ctx context.Context, orderID string) (int, error)

	// ReleaseExpired releases RESERVED reservations past their expiry.
	ReleaseExpired(ctx context.Context, now time.Time) (*SweepResult, error)

	// CheckAvailability prices lines and reports whether each can be reserved now.
	CheckAvailability(ctx context.Context, lines []Line) ([]Availability, error)

	GetInventory(ctx context.Context, productID string) (*model.Inventory, error)
	UpsertInventory(ctx context.Context, inv *model.Inventory) error

	// LoadCatalog rebuilds the known-product filter from the database.
	LoadCatalog(ctx context.Context) error
}

// Config tunes the engine
type Config struct {
	ReservationTTL time.Duration
	SweepBatchSize int
	CacheTTL       time.Duration
}

// Deps are the collaborators of the engine
type Deps struct {
	Tx           repository.Transactor
	Inventories  repository.InventoryRepository
	Reservations repository.ReservationRepository
	Publisher    event.Publisher
	// Alerts dedupes low-stock alerts; nil disables them.
	Alerts  *idempotency.Processor
	Metrics *monitor.MetricsCollector
}

type inventoryService struct {
	tx           repository.Transactor
	inventories  repository.InventoryRepository
	reservations repository.ReservationRepository
	publisher    event.Publisher
	alerts       *idempotency.Processor
	metrics      *monitor.MetricsCollector
	catalog      *catalog
	cfg          Config
	now          func() time.Time
	newID        func() string
}

// NewService creates the reservation engine
func NewService(deps Deps, cfg Config) (Service, error) {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	cat, err := newCatalog(cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &inventoryService{
		tx:           deps.Tx,
		inventories:  deps.Inventories,
		reservations: deps.Reservations,
		publisher:    deps.Publisher,
		alerts:       deps.Alerts,
		metrics:      deps.Metrics,
		catalog:      cat,
		cfg:          cfg,
		now:          time.Now,
		newID:        newReservationID,
	}, nil
}

// mergeLines sums quantities per product and sorts by product id, which is also the
// order rows are updated in.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, utils.Validation("at least one line is required")
	}
	byProduct := make(map[string]int, len(lines))
	for i, l := range lines {
		if l.ProductID == "" {
			return nil, utils.Validation("line %d: productId is required", i)
		}
		if l.Quantity <= 0 {
			return nil, utils.Validation("line %d: quantity must be positive, got %d", i, l.Quantity)
		}
		byProduct[l.ProductID] += l.Quantity
	}
	merged := make([]Line, 0, len(byProduct))
	for id, q := range byProduct {
		merged = append(merged, Line{ProductID: id, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func productIDs(lines []Line) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	return ids
}
