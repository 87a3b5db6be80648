package withdrawals

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

// MemoryStore is an in-memory withdrawal store for demo/development mode.
// Ledger writes go to the given ledger store under the store lock.
type MemoryStore struct {
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
	ledger      *ledger.MemoryStore
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore(ls *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		withdrawals: make(map[string]*Withdrawal),
		ledger:      ls,
		now:         time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal, dayStart time.Time, dailyCap int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; ok {
		return apperr.Conflict("withdrawal %s already exists", w.ID)
	}
	if dailyCap > 0 {
		var used int64
		for _, other := range m.withdrawals {
			if other.UserID == w.UserID && other.Status.countsTowardCap() && !other.CreatedAt.Before(dayStart) {
				used += other.Amount
			}
		}
		if used+w.Amount > dailyCap {
			return apperr.Validation("daily withdrawal limit of %d exceeded (%d already requested today)", dailyCap, used)
		}
	}

	entries, err := m.ledger.Commit(ctx, reservation(w))
	if err != nil {
		return err
	}
	w.ReservationID = entries[0].ID
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, apperr.NotFound("withdrawal %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.withdrawals[id]
	if !ok {
		return nil, apperr.NotFound("withdrawal %s not found", id)
	}
	next := *current
	batch, err := mutate(&next)
	if err != nil {
		if errors.Is(err, errNoChange) {
			cp := *current
			return &cp, err
		}
		return nil, err
	}
	if batch != nil {
		if _, err := m.ledger.Commit(ctx, *batch); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = m.now().UTC()
	m.withdrawals[id] = &next
	cp := next
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	out := m.filter(func(w *Withdrawal) bool {
		return w.UserID == userID && after.After(w.CreatedAt, w.ID)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error) {
	out := m.filter(func(w *Withdrawal) bool {
		return w.Status == StatusPending && w.CreatedAt.Before(createdBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListProcessing(_ context.Context, updatedBefore time.Time, limit int) ([]*Withdrawal, error) {
	out := m.filter(func(w *Withdrawal) bool {
		return w.Status == StatusProcessing && w.UpdatedAt.Before(updatedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) filter(keep func(*Withdrawal) bool) []*Withdrawal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if keep(w) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out
}

func truncate(ws []*Withdrawal, limit int) []*Withdrawal {
	if limit > 0 && len(ws) > limit {
		return ws[:limit]
	}
	return ws
}
