// Package memory implements the repository interfaces in process memory. It backs the
// single-process demo mode and the service scenario tests. Transactions are serialised
// and roll back by restoring a snapshot.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"orderflow/internal/model"
	"orderflow/internal/repository"
	"orderflow/pkg/utils"
)

type txKey struct{}

type state struct {
	orders       map[string]model.Order
	inventories  map[string]model.Inventory
	reservations map[string]model.StockReservation
	payments     map[uint64]model.Payment
	refunds      map[uint64]model.Refund
	outbox       map[uint64]model.OutboxEvent
	seq          uint64
}

func newState() *state {
	return &state{
		orders:       make(map[string]model.Order),
		inventories:  make(map[string]model.Inventory),
		reservations: make(map[string]model.StockReservation),
		payments:     make(map[uint64]model.Payment),
		refunds:      make(map[uint64]model.Refund),
		outbox:       make(map[uint64]model.OutboxEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orders {
		v.Items = append([]model.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range s.inventories {
		c.inventories[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	c.seq = s.seq
	return c
}

func (s *state) nextID() uint64 {
	s.seq++
	return s.seq
}

// Store holds every table. A top-level transaction owns txMu for its whole duration;
// statements outside a transaction take it per call.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

// Transaction implements repository.Transactor
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return s.savepoint(ctx, fn)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.savepoint(context.WithValue(ctx, txKey{}, s), fn)
}

func (s *Store) savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) exec(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if owner, ok := ctx.Value(txKey{}).(*Store); !ok || owner != s {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// Orders returns the order repository
func (s *Store) Orders() repository.OrderRepository { return orderRepo{s} }

// Inventories returns the inventory repository
func (s *Store) Inventories() repository.InventoryRepository { return inventoryRepo{s} }

// Reservations returns the reservation repository
func (s *Store) Reservations() repository.ReservationRepository { return reservationRepo{s} }

// Payments returns the payment and refund repository
func (s *Store) Payments() repository.PaymentRepository { return paymentRepo{s} }

// Outbox returns the outbox repository
func (s *Store) Outbox() repository.OutboxRepository { return outboxRepo{s} }

type orderRepo struct{ s *Store }

func (r orderRepo) Create(ctx context.Context, order *model.Order) error {
	return r.s.exec(ctx, func(st *state) error {
		if _, ok := st.orders[order.ID]; ok {
			return repository.ErrDuplicate
		}
		for _, o := range st.orders {
			if o.OrderNumber == order.OrderNumber {
				return repository.ErrDuplicate
			}
		}
		c := *order
		c.Items = make([]model.OrderItem, len(order.Items))
		for i, item := range order.Items {
			item.OrderID = order.ID
			item.ID = st.nextID()
			order.Items[i] = item
			c.Items[i] = item
		}
		st.orders[order.ID] = c
		return nil
	})
}

func (r orderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var out model.Order
	err := r.s.exec(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return utils.NotFound("order %s not found", id)
		}
		o.Items = append([]model.OrderItem(nil), o.Items...)
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r orderRepo) GetByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	var id string
	err := r.s.exec(ctx, func(st *state) error {
		for _, o := range st.orders {
			if o.OrderNumber == orderNumber {
				id = o.ID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, utils.NotFound("order %s not found", orderNumber)
	}
	return r.GetByID(ctx, id)
}

func (r orderRepo) SaveTransition(ctx context.Context, order *model.Order, from model.OrderStatus) error {
	return r.s.exec(ctx, func(st *state) error {
		stored, ok := st.orders[order.ID]
		if !ok || stored.Status != from {
			return utils.Transient(nil, "concurrent order update")
		}
		stored.Status = order.Status
		stored.UpdatedAt = order.UpdatedAt
		if order.CancelReason != nil {
			reason := *order.CancelReason
			stored.CancelReason = &reason
		}
		st.orders[order.ID] = stored
		return nil
	})
}

func (r orderRepo) ListByCustomer(ctx context.Context, customerID string, page, pageSize int) ([]*model.Order, int64, error) {
	var all []*model.Order
	err := r.s.exec(ctx, func(st *state) error {
		for _, o := range st.orders {
			if o.CustomerID == customerID {
				o := o
				o.Items = append([]model.OrderItem(nil), o.Items...)
				all = append(all, &o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	start := (page - 1) * pageSize
	if start < 0 || start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type inventoryRepo struct{ s *Store }

func (r inventoryRepo) Get(ctx context.Context, productID string) (*model.Inventory, error) {
	var out model.Inventory
	err := r.s.exec(ctx, func(st *state) error {
		inv, ok := st.inventories[productID]
		if !ok {
			return utils.NotFound("product %s not found", productID)
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r inventoryRepo) GetMany(ctx context.Context, productIDs []string) ([]model.Inventory, error) {
	var out []model.Inventory
	err := r.s.exec(ctx, func(st *state) error {
		for _, id := range productIDs {
			if inv, ok := st.inventories[id]; ok {
				out = append(out, inv)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, err
}

func (r inventoryRepo) ListProductIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.s.exec(ctx, func(st *state) error {
		for id := range st.inventories {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (r inventoryRepo) Upsert(ctx context.Context, inv *model.Inventory) error {
	inv.UpdatedAt = r.s.now()
	return r.s.exec(ctx, func(st *state) error {
		c := *inv
		if existing, ok := st.inventories[inv.ProductID]; ok {
			c.ReservedQuantity = existing.ReservedQuantity
		}
		st.inventories[inv.ProductID] = c
		return nil
	})
}

func (r inventoryRepo) update(ctx context.Context, productID string, apply func(inv *model.Inventory) bool) (bool, error) {
	var applied bool
	err := r.s.exec(ctx, func(st *state) error {
		inv, ok := st.inventories[productID]
		if !ok || !apply(&inv) {
			return nil
		}
		inv.UpdatedAt = r.s.now()
		st.inventories[productID] = inv
		applied = true
		return nil
	})
	return applied, err
}

func (r inventoryRepo) TryReserve(ctx context.Context, productID string, quantity int) (bool, error) {
	return r.update(ctx, productID, func(inv *model.Inventory) bool {
		if inv.AvailableQuantity-inv.ReservedQuantity < quantity {
			return false
		}
		inv.ReservedQuantity += quantity
		return true
	})
}

func (r inventoryRepo) Confirm(ctx context.Context, productID string, quantity int) (bool, error) {
	return r.update(ctx, productID, func(inv *model.Inventory) bool {
		if inv.AvailableQuantity < quantity || inv.ReservedQuantity < quantity {
			return false
		}
		inv.AvailableQuantity -= quantity
		inv.ReservedQuantity -= quantity
		return true
	})
}

func (r inventoryRepo) ReleaseReserved(ctx context.Context, productID string, quantity int) (bool, error) {
	return r.update(ctx, productID, func(inv *model.Inventory) bool {
		if inv.ReservedQuantity < quantity {
			return false
		}
		inv.ReservedQuantity -= quantity
		return true
	})
}

type reservationRepo struct{ s *Store }

func (r reservationRepo) CreateBatch(ctx context.Context, reservations []model.StockReservation) error {
	return r.s.exec(ctx, func(st *state) error {
		for _, res := range reservations {
			if _, ok := st.reservations[res.ID]; ok {
				return repository.ErrDuplicate
			}
			for _, existing := range st.reservations {
				if existing.OrderID == res.OrderID && existing.ProductID == res.ProductID {
					return repository.ErrDuplicate
				}
			}
			st.reservations[res.ID] = res
		}
		return nil
	})
}

func (r reservationRepo) list(ctx context.Context, match func(res model.StockReservation) bool) ([]model.StockReservation, error) {
	var out []model.StockReservation
	err := r.s.exec(ctx, func(st *state) error {
		for _, res := range st.reservations {
			if match(res) {
				out = append(out, res)
			}
		}
		return nil
	})
	return out, err
}

func (r reservationRepo) ListByOrder(ctx context.Context, orderID string) ([]model.StockReservation, error) {
	out, err := r.list(ctx, func(res model.StockReservation) bool { return res.OrderID == orderID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (r reservationRepo) ListByOrderAndStatus(ctx context.Context, orderID string, status model.ReservationStatus) ([]model.StockReservation, error) {
	out, err := r.list(ctx, func(res model.StockReservation) bool {
		return res.OrderID == orderID && res.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (r reservationRepo) MarkStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error) {
	var applied bool
	err := r.s.exec(ctx, func(st *state) error {
		res, ok := st.reservations[id]
		if !ok || res.Status != from {
			return nil
		}
		res.Status = to
		res.UpdatedAt = r.s.now()
		st.reservations[id] = res
		applied = true
		return nil
	})
	return applied, err
}

func (r reservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.StockReservation, error) {
	out, err := r.list(ctx, func(res model.StockReservation) bool { return res.IsExpired(now) })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error) {
	var out *model.Payment
	err := r.s.exec(ctx, func(st *state) error {
		for _, p := range st.payments {
			if p.OrderID == orderID {
				p := p
				out = &p
				return nil
			}
		}
		return utils.NotFound("payment for order %s not found", orderID)
	})
	return out, err
}

func (r paymentRepo) Create(ctx context.Context, payment *model.Payment) error {
	return r.s.exec(ctx, func(st *state) error {
		for _, p := range st.payments {
			if p.OrderID == payment.OrderID {
				return repository.ErrDuplicate
			}
		}
		payment.ID = st.nextID()
		st.payments[payment.ID] = *payment
		return nil
	})
}

func (r paymentRepo) Save(ctx context.Context, payment *model.Payment) error {
	return r.s.exec(ctx, func(st *state) error {
		payment.UpdatedAt = r.s.now()
		st.payments[payment.ID] = *payment
		return nil
	})
}

func (r paymentRepo) IncrementRetry(ctx context.Context, id uint64, expected int) (bool, error) {
	var applied bool
	err := r.s.exec(ctx, func(st *state) error {
		p, ok := st.payments[id]
		if !ok || p.RetryCount != expected {
			return nil
		}
		p.RetryCount++
		p.Status = model.PaymentProcessing
		st.payments[id] = p
		applied = true
		return nil
	})
	return applied, err
}

func (r paymentRepo) GetRefundByOrderID(ctx context.Context, orderID string) (*model.Refund, error) {
	var out *model.Refund
	err := r.s.exec(ctx, func(st *state) error {
		for _, ref := range st.refunds {
			if ref.OrderID == orderID {
				ref := ref
				out = &ref
				return nil
			}
		}
		return utils.NotFound("refund for order %s not found", orderID)
	})
	return out, err
}

func (r paymentRepo) CreateRefund(ctx context.Context, refund *model.Refund) error {
	return r.s.exec(ctx, func(st *state) error {
		for _, ref := range st.refunds {
			if ref.OrderID == refund.OrderID {
				return repository.ErrDuplicate
			}
		}
		refund.ID = st.nextID()
		st.refunds[refund.ID] = *refund
		return nil
	})
}

func (r paymentRepo) SaveRefund(ctx context.Context, refund *model.Refund) error {
	return r.s.exec(ctx, func(st *state) error {
		refund.UpdatedAt = r.s.now()
		st.refunds[refund.ID] = *refund
		return nil
	})
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) Add(ctx context.Context, evt *model.OutboxEvent) error {
	return r.s.exec(ctx, func(st *state) error {
		for _, e := range st.outbox {
			if e.EventID == evt.EventID {
				return repository.ErrDuplicate
			}
		}
		evt.ID = st.nextID()
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = r.s.now()
		}
		st.outbox[evt.ID] = *evt
		return nil
	})
}

func (r outboxRepo) LockUnpublished(ctx context.Context, limit, maxAttempts int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := r.s.exec(ctx, func(st *state) error {
		for _, e := range st.outbox {
			if e.PublishedAt == nil && e.Attempts < maxAttempts {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r outboxRepo) MarkPublished(ctx context.Context, id uint64, at time.Time) error {
	return r.s.exec(ctx, func(st *state) error {
		if e, ok := st.outbox[id]; ok {
			e.PublishedAt = &at
			e.Attempts++
			st.outbox[id] = e
		}
		return nil
	})
}

func (r outboxRepo) MarkFailed(ctx context.Context, id uint64, reason string) error {
	return r.s.exec(ctx, func(st *state) error {
		if e, ok := st.outbox[id]; ok {
			e.Attempts++
			e.LastError = &reason
			st.outbox[id] = e
		}
		return nil
	})
}

func (r outboxRepo) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.s.exec(ctx, func(st *state) error {
		for id, e := range st.outbox {
			if e.PublishedAt != nil && e.PublishedAt.Before(before) {
				delete(st.outbox, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
