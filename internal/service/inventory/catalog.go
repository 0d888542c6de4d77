package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bits-and-blooms/bloom/v3"

	"orderflow/internal/model"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

const (
	expectedProducts   = 100000
	bloomFalsePositive = 0.001
	unknownMarker      = "unknown:"
	snapshotPrefix     = "inv:"
)

// catalog fronts inventory reads for the availability check. The bloom filter rejects ids
// that were never loaded; bigcache keeps short-lived snapshots and negative lookups.
type catalog struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	loaded bool
	cache  *bigcache.BigCache
}

func newCatalog(ttl time.Duration) (*catalog, error) {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = ttl
	cfg.Shards = 64
	cfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory cache: %w", err)
	}
	return &catalog{
		filter: bloom.NewWithEstimates(expectedProducts, bloomFalsePositive),
		cache:  cache,
	}, nil
}

// reload swaps in a filter built from ids
func (c *catalog) reload(ids []string) {
	n := uint(len(ids))
	if n < expectedProducts {
		n = expectedProducts
	}
	filter := bloom.NewWithEstimates(n, bloomFalsePositive)
	for _, id := range ids {
		filter.AddString(id)
	}
	c.mu.Lock()
	c.filter = filter
	c.loaded = true
	c.mu.Unlock()
}

// mayExist is false only for ids that are certainly not in the catalog
func (c *catalog) mayExist(productID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return true
	}
	return c.filter.TestString(productID)
}

func (c *catalog) add(productID string) {
	c.mu.Lock()
	c.filter.AddString(productID)
	c.mu.Unlock()
	_ = c.cache.Delete(unknownMarker + productID)
}

func (c *catalog) markUnknown(productID string) {
	_ = c.cache.Set(unknownMarker+productID, []byte{1})
}

func (c *catalog) isKnownUnknown(productID string) bool {
	_, err := c.cache.Get(unknownMarker + productID)
	return err == nil
}

func (c *catalog) snapshot(productID string) (*model.Inventory, bool) {
	data, err := c.cache.Get(snapshotPrefix + productID)
	if err != nil {
		return nil, false
	}
	var inv model.Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, false
	}
	return &inv, true
}

func (c *catalog) store(inv *model.Inventory) {
	data, err := json.Marshal(inv)
	if err != nil {
		return
	}
	_ = c.cache.Set(snapshotPrefix+inv.ProductID, data)
}

func (c *catalog) invalidate(productIDs ...string) {
	for _, id := range productIDs {
		if err := c.cache.Delete(snapshotPrefix + id); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			log.WithField("product", id).WithError(err).Debug("Failed to drop cached inventory")
		}
	}
}

// lookup reads one inventory through the catalog
func (s *inventoryService) lookup(ctx context.Context, productID string) (*model.Inventory, error) {
	if !s.catalog.mayExist(productID) || s.catalog.isKnownUnknown(productID) {
		return nil, utils.Validation("unknown product %s", productID)
	}
	if inv, ok := s.catalog.snapshot(productID); ok {
		return inv, nil
	}

	inv, err := s.inventories.Get(ctx, productID)
	if errors.Is(err, utils.ErrNotFound) {
		s.catalog.markUnknown(productID)
		return nil, utils.Validation("unknown product %s", productID)
	}
	if err != nil {
		return nil, transient(err, "failed to read inventory")
	}
	s.catalog.store(inv)
	return inv, nil
}

// CheckAvailability prices the lines and reports whether each could be reserved now. It
// reserves nothing.
func (s *inventoryService) CheckAvailability(ctx context.Context, lines []Line) ([]Availability, error) {
	if len(lines) == 0 {
		return nil, utils.Validation("at least one line is required")
	}
	out := make([]Availability, 0, len(lines))
	for i, l := range lines {
		if l.ProductID == "" {
			return nil, utils.Validation("line %d: productId is required", i)
		}
		if l.Quantity <= 0 {
			return nil, utils.Validation("line %d: quantity must be positive, got %d", i, l.Quantity)
		}
		inv, err := s.lookup(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, Availability{
			ProductID:         inv.ProductID,
			UnitPrice:         inv.UnitPrice,
			TotalPrice:        inv.UnitPrice * int64(l.Quantity),
			AvailableQuantity: inv.AvailableQuantity,
			ReservedQuantity:  inv.ReservedQuantity,
			Available:         inv.Free() >= l.Quantity,
		})
	}
	return out, nil
}

// GetInventory get inventory by product id
func (s *inventoryService) GetInventory(ctx context.Context, productID string) (*model.Inventory, error) {
	inv, err := s.inventories.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// UpsertInventory creates a product or updates its stock level and price. The reserved
// quantity is owned by the reservation engine and never overwritten here.
func (s *inventoryService) UpsertInventory(ctx context.Context, inv *model.Inventory) error {
	if inv.ProductID == "" {
		return utils.Validation("productId is required")
	}
	if inv.AvailableQuantity < 0 || inv.UnitPrice < 0 || inv.LowStockThreshold < 0 {
		return utils.Validation("quantities and prices must not be negative")
	}

	current, err := s.inventories.Get(ctx, inv.ProductID)
	switch {
	case err == nil:
		if inv.AvailableQuantity < current.ReservedQuantity {
			return utils.Validation("available quantity %d is below reserved quantity %d",
				inv.AvailableQuantity, current.ReservedQuantity)
		}
	case errors.Is(err, utils.ErrNotFound):
	default:
		return transient(err, "failed to read inventory")
	}

	inv.UpdatedAt = s.now().UTC()
	if err := s.inventories.Upsert(ctx, inv); err != nil {
		return transient(err, "failed to save inventory")
	}
	s.catalog.add(inv.ProductID)
	s.catalog.invalidate(inv.ProductID)

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"product":   inv.ProductID,
		"available": inv.AvailableQuantity,
	}).Info("Inventory updated")
	return nil
}

// LoadCatalog rebuilds the known-product filter
func (s *inventoryService) LoadCatalog(ctx context.Context) error {
	ids, err := s.inventories.ListProductIDs(ctx)
	if err != nil {
		return transient(err, "failed to list products")
	}
	s.catalog.reload(ids)
	log.WithContext(ctx).WithField("products", len(ids)).Debug("Product catalog loaded")
	return nil
}
