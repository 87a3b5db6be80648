package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// One mutex covers entries and balances, so a batch is validated in full
// before anything is applied.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	byAccount map[string][]*Entry
	keys      map[entryKey]string // posting identity -> entry ID
	balances  map[string]*Balance
	now       func() time.Time
}

type entryKey struct {
	account string
	source  Source
	ref     string
	dir     Direction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*Entry),
		byAccount: make(map[string][]*Entry),
		keys:      make(map[entryKey]string),
		balances:  make(map[string]*Balance),
		now:       time.Now,
	}
}

func (m *MemoryStore) Commit(_ context.Context, b Batch) ([]*Entry, error) {
	if err := ValidateBatch(b); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	staged := make(map[string]*Balance)
	balance := func(account string) *Balance {
		if bal, ok := staged[account]; ok {
			return bal
		}
		bal := &Balance{AccountID: account}
		if cur, ok := m.balances[account]; ok {
			*bal = *cur
		}
		staged[account] = bal
		return bal
	}

	seen := make(map[entryKey]bool)
	created := make([]*Entry, 0, len(b.Postings))
	for _, p := range b.Postings {
		key := entryKey{p.AccountID, p.Source, p.ReferenceID, p.Direction}
		if _, dup := m.keys[key]; dup || seen[key] {
			return nil, apperr.Duplicate("%s %s for %s already posted to %s", p.Source, p.Direction, p.ReferenceID, p.AccountID)
		}
		seen[key] = true

		bal := balance(p.AccountID)
		status := StatusCompleted
		switch {
		case p.Direction == Credit:
			bal.Settled += p.Amount
		case bal.Settled-bal.Pending < p.Amount:
			return nil, apperr.InsufficientFunds("account %s has %d available, needs %d", p.AccountID, bal.Settled-bal.Pending, p.Amount)
		case p.Pending:
			bal.Pending += p.Amount
			status = StatusPending
		default:
			bal.Settled -= p.Amount
		}
		created = append(created, &Entry{
			ID:          idgen.WithPrefix(idgen.PrefixEntry),
			AccountID:   p.AccountID,
			Direction:   p.Direction,
			Amount:      p.Amount,
			Source:      p.Source,
			ReferenceID: p.ReferenceID,
			Status:      status,
			CreatedAt:   now,
		})
	}

	type flip struct {
		entry   *Entry
		outcome Status
	}
	var flips []flip
	resolved := make([]*Entry, 0, len(b.Resolutions))
	flipped := make(map[string]bool)
	for _, r := range b.Resolutions {
		e, ok := m.entries[r.EntryID]
		if !ok {
			return nil, apperr.NotFound("ledger entry %s not found", r.EntryID)
		}
		if e.Status == r.Outcome && !flipped[e.ID] {
			cp := *e
			resolved = append(resolved, &cp)
			continue
		}
		if e.Status != StatusPending || flipped[e.ID] {
			return nil, apperr.Conflict("ledger entry %s is %s", e.ID, e.Status)
		}
		flipped[e.ID] = true

		bal := balance(e.AccountID)
		bal.Pending -= e.Amount
		if r.Outcome == StatusCompleted {
			bal.Settled -= e.Amount
		}
		flips = append(flips, flip{e, r.Outcome})
		cp := *e
		cp.Status = r.Outcome
		cp.ResolvedAt = &now
		resolved = append(resolved, &cp)
	}

	// Everything validated; apply.
	for account, bal := range staged {
		bal.Available = bal.Settled - bal.Pending
		bal.UpdatedAt = now
		m.balances[account] = bal
	}
	for _, e := range created {
		m.entries[e.ID] = e
		m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], e)
		m.keys[entryKey{e.AccountID, e.Source, e.ReferenceID, e.Direction}] = e.ID
	}
	for _, f := range flips {
		f.entry.Status = f.outcome
		resolvedAt := now
		f.entry.ResolvedAt = &resolvedAt
	}

	out := make([]*Entry, 0, len(created)+len(resolved))
	for _, e := range created {
		cp := *e
		out = append(out, &cp)
	}
	return append(out, resolved...), nil
}

func (m *MemoryStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, apperr.NotFound("ledger entry %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) FindEntry(_ context.Context, accountID string, source Source, referenceID string, dir Direction) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[entryKey{accountID, source, referenceID, dir}]
	if !ok {
		return nil, apperr.NotFound("no %s %s for %s on %s", source, dir, referenceID, accountID)
	}
	cp := *m.entries[id]
	return &cp, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.balances[accountID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{AccountID: accountID, UpdatedAt: m.now().UTC()}, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	all := make([]*Entry, 0, len(m.byAccount[accountID]))
	for _, e := range m.byAccount[accountID] {
		if after.After(e.CreatedAt, e.ID) {
			cp := *e
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) Audit(_ context.Context) (int, []Mismatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make(map[string]bool, len(m.balances))
	for id := range m.balances {
		accounts[id] = true
	}
	for id := range m.byAccount {
		accounts[id] = true
	}

	var mismatches []Mismatch
	for id := range accounts {
		var settled, pending int64
		for _, e := range m.byAccount[id] {
			switch {
			case e.Status == StatusPending:
				pending += e.Amount
			case e.Status == StatusCompleted && e.Direction == Credit:
				settled += e.Amount
			case e.Status == StatusCompleted && e.Direction == Debit:
				settled -= e.Amount
			}
		}
		var cached Balance
		if bal, ok := m.balances[id]; ok {
			cached = *bal
		}
		if cached.Settled != settled || cached.Pending != pending {
			mismatches = append(mismatches, Mismatch{
				AccountID:       id,
				CachedSettled:   cached.Settled,
				CachedPending:   cached.Pending,
				ComputedSettled: settled,
				ComputedPending: pending,
			})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].AccountID < mismatches[j].AccountID })
	return len(accounts), mismatches, nil
}
