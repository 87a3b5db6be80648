package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
// Ledger batches go to the given ledger store while the order lock is held,
// so a transition and its postings land together.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	ledger *ledger.MemoryStore
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore(ls *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		ledger: ls,
		now:    time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return apperr.Conflict("order %s already exists", o.ID)
	}
	for _, other := range m.orders {
		if other.BuyerID == o.BuyerID && other.SellerID == o.SellerID &&
			other.ItemID == o.ItemID && other.Status.IsActive() {
			return apperr.Conflict("an active order already exists for item %s", o.ItemID)
		}
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}

	next := current.clone()
	batch, err := mutate(next)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return current.clone(), err
		}
		return nil, err
	}
	if batch != nil && m.ledger != nil {
		if _, err := m.ledger.Commit(ctx, *batch); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = m.now().UTC()
	m.orders[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.IsParty(userID) && after.After(o.CreatedAt, o.ID)
	}, newestFirst), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return (o.Status == StatusCreated || o.Status == StatusAwaitingPayment) && o.CreatedAt.Before(createdBefore)
	}, oldestFirst), nil
}

func (m *MemoryStore) ListAwaitingReview(_ context.Context, deliveredBefore time.Time, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.Status == StatusAwaitingReview && o.DeliveredAt != nil && o.DeliveredAt.Before(deliveredBefore)
	}, oldestFirst), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.Status == StatusInProgress && o.DueAt != nil && o.DueAt.Before(now) && o.OverdueNotifiedAt == nil
	}, oldestFirst), nil
}

func newestFirst(a, b *Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func oldestFirst(a, b *Order) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryStore) list(limit int, keep func(*Order) bool, less func(a, b *Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
