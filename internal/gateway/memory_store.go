package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/apperr"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	payments   map[string]*Payment
	byExternal map[string]string
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*Payment),
		byExternal: make(map[string]string),
		now:        time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return apperr.Conflict("payment %s already exists", p.ID)
	}
	if _, ok := m.byExternal[p.ExternalID]; ok {
		return apperr.Conflict("external id %s already recorded", p.ExternalID)
	}
	cp := *p
	m.payments[p.ID] = &cp
	m.byExternal[p.ExternalID] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, apperr.NotFound("no payment for external id %s", externalID)
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, u StatusUpdate) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	if p.Status != from {
		return nil, apperr.Conflict("payment %s is %s, not %s", id, p.Status, from)
	}
	if to == StatusCompleted {
		for _, other := range m.payments {
			if other.ID != id && other.OrderID == p.OrderID &&
				(other.Status == StatusCompleted || other.Status == StatusRefunded) {
				return nil, apperr.Conflict("order %s already has a successful payment", p.OrderID)
			}
		}
	}

	p.Status = to
	if u.RawPayload != "" {
		p.RawPayload = u.RawPayload
	}
	if u.RefundRef != "" {
		p.RefundRef = u.RefundRef
	}
	p.UpdatedAt = m.now().UTC()
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(createdBefore) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
