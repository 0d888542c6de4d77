package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/event"
	"orderflow/internal/idempotency"
	"orderflow/internal/model"
	"orderflow/internal/repository/memory"
	"orderflow/pkg/utils"
)

type fixture struct {
	svc   *inventoryService
	store *memory.Store
	rec   *event.Recorder
}

func newFixture(t *testing.T, stock ...model.Inventory) *fixture {
	t.Helper()
	store := memory.NewStore()
	rec := event.NewRecorder()
	svc, err := NewService(Deps{
		Tx:           store,
		Inventories:  store.Inventories(),
		Reservations: store.Reservations(),
		Publisher:    rec,
		Alerts:       idempotency.NewProcessor(idempotency.NewMemoryStore(), "inventory", idempotency.Config{}),
	}, Config{ReservationTTL: 10 * time.Minute})
	require.NoError(t, err)

	for i := range stock {
		require.NoError(t, store.Inventories().Upsert(context.Background(), &stock[i]))
	}
	return &fixture{svc: svc.(*inventoryService), store: store, rec: rec}
}

func (f *fixture) inventory(t *testing.T, productID string) model.Inventory {
	t.Helper()
	inv, err := f.store.Inventories().Get(context.Background(), productID)
	require.NoError(t, err)
	return *inv
}

func item(id string, available int) model.Inventory {
	return model.Inventory{ProductID: id, Name: id, UnitPrice: 1000, AvailableQuantity: available}
}

func TestReserveStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10), item("SKU-2", 4))

	res, err := f.svc.ReserveStock(ctx, "o-1", []Line{
		{ProductID: "SKU-2", Quantity: 1},
		{ProductID: "SKU-1", Quantity: 3},
		{ProductID: "SKU-2", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "SKU-1", res[0].ProductID)
	assert.Equal(t, 3, res[0].Quantity)
	assert.Equal(t, 3, res[1].Quantity)
	for _, r := range res {
		assert.Equal(t, model.ReservationReserved, r.Status)
		assert.NotEmpty(t, r.ID)
	}

	sku1 := f.inventory(t, "SKU-1")
	assert.Equal(t, 10, sku1.AvailableQuantity)
	assert.Equal(t, 3, sku1.ReservedQuantity)
	assert.Equal(t, 3, f.inventory(t, "SKU-2").ReservedQuantity)

	events := f.rec.OfTopic(event.TopicStockReserved)
	require.Len(t, events, 1)
	payload := events[0].Payload.(event.StockReserved)
	assert.Equal(t, "o-1", payload.OrderID)
	assert.Len(t, payload.Reservations, 2)
	assert.Equal(t, "o-1", events[0].AggregateID)
}

func TestReserveStockIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10))
	lines := []Line{{ProductID: "SKU-1", Quantity: 4}}

	first, err := f.svc.ReserveStock(ctx, "o-1", lines)
	require.NoError(t, err)
	second, err := f.svc.ReserveStock(ctx, "o-1", lines)
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 4, f.inventory(t, "SKU-1").ReservedQuantity)
	assert.Len(t, f.rec.OfTopic(event.TopicStockReserved), 1)
}

func TestReserveStockShortage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10), item("SKU-2", 3))

	res, err := f.svc.ReserveStock(ctx, "o-1", []Line{
		{ProductID: "SKU-1", Quantity: 2},
		{ProductID: "SKU-2", Quantity: 5},
	})
	require.NoError(t, err)
	assert.Empty(t, res)

	assert.Zero(t, f.inventory(t, "SKU-1").ReservedQuantity)
	assert.Zero(t, f.inventory(t, "SKU-2").ReservedQuantity)
	assert.Empty(t, f.rec.OfTopic(event.TopicStockReserved))

	events := f.rec.OfTopic(event.TopicOutOfStock)
	require.Len(t, events, 1)
	payload := events[0].Payload.(event.OutOfStock)
	require.Len(t, payload.Shortages, 1)
	assert.Equal(t, event.Shortage{ProductID: "SKU-2", Requested: 5, Available: 3}, payload.Shortages[0])
}

func TestReserveStockUnknownProductIsShortage(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ReserveStock(context.Background(), "o-1", []Line{{ProductID: "SKU-404", Quantity: 1}})
	require.NoError(t, err)
	assert.Empty(t, res)

	payload := f.rec.OfTopic(event.TopicOutOfStock)[0].Payload.(event.OutOfStock)
	assert.Equal(t, 0, payload.Shortages[0].Available)
}

func TestReserveStockValidation(t *testing.T) {
	f := newFixture(t, item("SKU-1", 10))
	ctx := context.Background()

	tests := []struct {
		name    string
		orderID string
		lines   []Line
	}{
		{"no order", "", []Line{{ProductID: "SKU-1", Quantity: 1}}},
		{"no lines", "o-1", nil},
		{"zero quantity", "o-1", []Line{{ProductID: "SKU-1"}}},
		{"negative quantity", "o-1", []Line{{ProductID: "SKU-1", Quantity: -2}}},
		{"no product", "o-1", []Line{{Quantity: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ReserveStock(ctx, tt.orderID, tt.lines)
			assert.ErrorIs(t, err, utils.ErrValidation)
			assert.False(t, utils.IsRetryable(err))
		})
	}
	assert.Empty(t, f.rec.Events())
}

func TestReserveStockPublishFailureRollsBack(t *testing.T) {
	f := newFixture(t, item("SKU-1", 10))
	f.rec.FailWith(errors.New("broker down"))

	_, err := f.svc.ReserveStock(context.Background(), "o-1", []Line{{ProductID: "SKU-1", Quantity: 2}})
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))

	assert.Zero(t, f.inventory(t, "SKU-1").ReservedQuantity)
	res, err := f.store.Reservations().ListByOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10))

	const orders = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ReserveStock(ctx, fmt.Sprintf("o-%d", i), []Line{{ProductID: "SKU-1", Quantity: 1}})
			if err == nil && len(res) > 0 {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	inv := f.inventory(t, "SKU-1")
	assert.Equal(t, 10, success)
	assert.Equal(t, 10, inv.ReservedQuantity)
	assert.Equal(t, 10, inv.AvailableQuantity)
	assert.Len(t, f.rec.OfTopic(event.TopicStockReserved), 10)
	assert.Len(t, f.rec.OfTopic(event.TopicOutOfStock), orders-10)
}

func TestConfirmReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10), item("SKU-2", 5))

	_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 3}, {ProductID: "SKU-2", Quantity: 1}})
	require.NoError(t, err)

	result, err := f.svc.ConfirmReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Len(t, result.Confirmed, 2)
	assert.Empty(t, result.Failed)

	sku1 := f.inventory(t, "SKU-1")
	assert.Equal(t, 7, sku1.AvailableQuantity)
	assert.Zero(t, sku1.ReservedQuantity)

	// confirmed reservations are terminal
	again, err := f.svc.ConfirmReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, again.Confirmed)
	released, err := f.svc.ReleaseReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 7, f.inventory(t, "SKU-1").AvailableQuantity)
}

func TestConfirmReservationLineFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10), item("SKU-2", 5))

	_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 2}, {ProductID: "SKU-2", Quantity: 4}})
	require.NoError(t, err)

	// a stock correction drops SKU-2 below the reserved quantity
	shrunk := item("SKU-2", 1)
	require.NoError(t, f.store.Inventories().Upsert(ctx, &shrunk))

	result, err := f.svc.ConfirmReservation(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, result.Confirmed, 1)
	assert.Equal(t, "SKU-1", result.Confirmed[0].ProductID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "SKU-2", result.Failed[0].ProductID)
	assert.Equal(t, 4, result.Failed[0].Requested)
	assert.Equal(t, 1, result.Failed[0].Available)
	assert.ErrorIs(t, result.Failed[0].Err, utils.ErrInsufficientStock)

	sku2 := f.inventory(t, "SKU-2")
	assert.Equal(t, 1, sku2.AvailableQuantity)
	assert.Zero(t, sku2.ReservedQuantity)
	assert.Equal(t, 8, f.inventory(t, "SKU-1").AvailableQuantity)

	events := f.rec.OfTopic(event.TopicStockConfirmationFailed)
	require.Len(t, events, 1)
	payload := events[0].Payload.(event.StockConfirmationFailed)
	assert.Equal(t, event.ReasonInsufficientStock, payload.Reason)
	assert.Equal(t, 4, payload.Requested)
	assert.Equal(t, 1, payload.Available)

	res, err := f.store.Reservations().ListByOrderAndStatus(ctx, "o-1", model.ReservationReleased)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestReleaseReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10))

	_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 6}})
	require.NoError(t, err)

	n, err := f.svc.ReleaseReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	inv := f.inventory(t, "SKU-1")
	assert.Zero(t, inv.ReservedQuantity)
	assert.Equal(t, 10, inv.AvailableQuantity)

	n, err = f.svc.ReleaseReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.inventory(t, "SKU-1").ReservedQuantity)

	// releasing an order with nothing reserved is a no-op
	n, err = f.svc.ReleaseReservation(ctx, "o-unknown")
	require.NoError(t, err)
	assert.Zero(t, n)

	// confirming after release finds nothing to confirm
	result, err := f.svc.ConfirmReservation(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, result.Confirmed)
	assert.Equal(t, 10, f.inventory(t, "SKU-1").AvailableQuantity)
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10), item("SKU-2", 10))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }
	_, err := f.svc.ReserveStock(ctx, "o-old", []Line{{ProductID: "SKU-1", Quantity: 2}})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.Add(8 * time.Minute) }
	_, err = f.svc.ReserveStock(ctx, "o-new", []Line{{ProductID: "SKU-2", Quantity: 3}})
	require.NoError(t, err)

	result, err := f.svc.ReleaseExpired(ctx, base.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Released)
	assert.Zero(t, result.Failed)

	assert.Zero(t, f.inventory(t, "SKU-1").ReservedQuantity)
	assert.Equal(t, 3, f.inventory(t, "SKU-2").ReservedQuantity)

	result, err = f.svc.ReleaseExpired(ctx, base.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
}

func TestConfirmReservationAfterExpiry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expire := func(t *testing.T, f *fixture) {
		t.Helper()
		f.svc.now = func() time.Time { return base }
		_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 2}})
		require.NoError(t, err)

		f.svc.now = func() time.Time { return base.Add(time.Hour) }
		swept, err := f.svc.ReleaseExpired(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, swept.Released)
	}

	t.Run("free stock is taken again", func(t *testing.T) {
		f := newFixture(t, item("SKU-1", 10))
		expire(t, f)

		result, err := f.svc.ConfirmReservation(ctx, "o-1")
		require.NoError(t, err)
		require.Len(t, result.Confirmed, 1)
		assert.Empty(t, result.Failed)

		inv := f.inventory(t, "SKU-1")
		assert.Equal(t, 8, inv.AvailableQuantity)
		assert.Zero(t, inv.ReservedQuantity)
		assert.Empty(t, f.rec.OfTopic(event.TopicStockConfirmationFailed))

		// a second confirmation changes nothing
		again, err := f.svc.ConfirmReservation(ctx, "o-1")
		require.NoError(t, err)
		assert.Empty(t, again.Confirmed)
		assert.Equal(t, 8, f.inventory(t, "SKU-1").AvailableQuantity)
	})

	t.Run("gone stock is announced", func(t *testing.T) {
		f := newFixture(t, item("SKU-1", 10))
		expire(t, f)

		// another order takes most of the stock the lapsed reservation held
		_, err := f.svc.ReserveStock(ctx, "o-2", []Line{{ProductID: "SKU-1", Quantity: 9}})
		require.NoError(t, err)

		result, err := f.svc.ConfirmReservation(ctx, "o-1")
		require.NoError(t, err)
		assert.Empty(t, result.Confirmed)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, 1, result.Failed[0].Available)
		assert.ErrorIs(t, result.Failed[0].Err, utils.ErrInsufficientStock)

		inv := f.inventory(t, "SKU-1")
		assert.Equal(t, 10, inv.AvailableQuantity)
		assert.Equal(t, 9, inv.ReservedQuantity)

		events := f.rec.OfTopic(event.TopicStockConfirmationFailed)
		require.Len(t, events, 1)
		payload := events[0].Payload.(event.StockConfirmationFailed)
		assert.Equal(t, "o-1", payload.OrderID)
		assert.Equal(t, event.ReasonReservationExpired, payload.Reason)
		assert.Equal(t, 2, payload.Requested)
		assert.Equal(t, 1, payload.Available)

		res, err := f.store.Reservations().ListByOrderAndStatus(ctx, "o-1", model.ReservationReleased)
		require.NoError(t, err)
		assert.Len(t, res, 1)
	})
}

func TestLowStockAlertOncePerLevel(t *testing.T) {
	ctx := context.Background()
	stock := item("SKU-1", 6)
	stock.LowStockThreshold = 5
	f := newFixture(t, stock)

	_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 2}})
	require.NoError(t, err)
	assert.Empty(t, f.rec.OfTopic(event.TopicLowStockAlert), "reservation alone does not lower available stock")

	_, err = f.svc.ConfirmReservation(ctx, "o-1")
	require.NoError(t, err)
	alerts := f.rec.OfTopic(event.TopicLowStockAlert)
	require.Len(t, alerts, 1)
	payload := alerts[0].Payload.(event.LowStockAlert)
	assert.Equal(t, 4, payload.AvailableQuantity)
	assert.Equal(t, 5, payload.Threshold)
	assert.Equal(t, "SKU-1", alerts[0].AggregateID)

	// same level again does not repeat the alert
	f.svc.checkLowStock(ctx, []string{"SKU-1"})
	assert.Len(t, f.rec.OfTopic(event.TopicLowStockAlert), 1)
}

func TestCheckAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 5))
	require.NoError(t, f.svc.LoadCatalog(ctx))

	out, err := f.svc.CheckAvailability(ctx, []Line{{ProductID: "SKU-1", Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Available)
	assert.Equal(t, int64(2000), out[0].TotalPrice)
	assert.Equal(t, int64(1000), out[0].UnitPrice)

	out, err = f.svc.CheckAvailability(ctx, []Line{{ProductID: "SKU-1", Quantity: 6}})
	require.NoError(t, err)
	assert.False(t, out[0].Available)

	_, err = f.svc.CheckAvailability(ctx, []Line{{ProductID: "SKU-404", Quantity: 1}})
	assert.ErrorIs(t, err, utils.ErrValidation)

	// nothing was reserved by the checks
	assert.Zero(t, f.inventory(t, "SKU-1").ReservedQuantity)
}

func TestCheckAvailabilitySeesReservations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 5))

	out, err := f.svc.CheckAvailability(ctx, []Line{{ProductID: "SKU-1", Quantity: 3}})
	require.NoError(t, err)
	assert.True(t, out[0].Available)

	_, err = f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 4}})
	require.NoError(t, err)

	out, err = f.svc.CheckAvailability(ctx, []Line{{ProductID: "SKU-1", Quantity: 3}})
	require.NoError(t, err)
	assert.False(t, out[0].Available)
	assert.Equal(t, 4, out[0].ReservedQuantity)
}

func TestUpsertInventory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, item("SKU-1", 10))

	_, err := f.svc.ReserveStock(ctx, "o-1", []Line{{ProductID: "SKU-1", Quantity: 6}})
	require.NoError(t, err)

	lowered := item("SKU-1", 5)
	err = f.svc.UpsertInventory(ctx, &lowered)
	assert.ErrorIs(t, err, utils.ErrValidation)

	raised := item("SKU-1", 20)
	require.NoError(t, f.svc.UpsertInventory(ctx, &raised))
	inv := f.inventory(t, "SKU-1")
	assert.Equal(t, 20, inv.AvailableQuantity)
	assert.Equal(t, 6, inv.ReservedQuantity)

	negative := item("SKU-2", -1)
	assert.ErrorIs(t, f.svc.UpsertInventory(ctx, &negative), utils.ErrValidation)

	created := item("SKU-3", 1)
	require.NoError(t, f.svc.UpsertInventory(ctx, &created))
	got, err := f.svc.GetInventory(ctx, "SKU-3")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableQuantity)

	_, err = f.svc.GetInventory(ctx, "SKU-404")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}
