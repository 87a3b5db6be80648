// Package catalog looks up open offers. Listings and missions are managed
// elsewhere; orders only need to know that a seller is offering an item
// and on what terms.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/apperr"
)

// Offer is a seller's standing offer for an item or mission.
type Offer struct {
	SellerID string     `json:"seller_id"`
	ItemID   string     `json:"item_id"`
	Price    int64      `json:"price"` // 0 means the price is agreed per order
	Currency string     `json:"currency,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Open     bool       `json:"open"`
}

// Catalog finds open offers.
type Catalog interface {
	// OpenOffer returns the seller's open offer for item, or a not_found
	// error when there is none or it is closed.
	OpenOffer(ctx context.Context, sellerID, itemID string) (*Offer, error)
}

type offerKey struct {
	seller string
	item   string
}

// MemoryCatalog is an in-memory catalog for demo/development mode and tests.
type MemoryCatalog struct {
	mu     sync.RWMutex
	offers map[offerKey]*Offer
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{offers: make(map[offerKey]*Offer)}
}

// Put adds or replaces an offer.
func (m *MemoryCatalog) Put(o Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.offers[offerKey{o.SellerID, o.ItemID}] = &cp
}

// Close marks an offer closed.
func (m *MemoryCatalog) Close(sellerID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[offerKey{sellerID, itemID}]; ok {
		o.Open = false
	}
}

// List returns every offer.
func (m *MemoryCatalog) List() []Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Offer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, *o)
	}
	return out
}

func (m *MemoryCatalog) OpenOffer(_ context.Context, sellerID, itemID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[offerKey{sellerID, itemID}]
	if !ok || !o.Open {
		return nil, apperr.NotFound("no open offer from %s for %s", sellerID, itemID)
	}
	cp := *o
	return &cp, nil
}
