package profile

import (
	"sync"
	"time"
)

// Grant is one item a shop offer delivers.
type Grant struct {
	TemplateID string `json:"templateId"`
	Quantity   int    `json:"quantity"`
}

// Offer is a purchasable shop entry. Content generation lives outside this
// package; operations only resolve offers by ID and read their price/grants.
type Offer struct {
	OfferID    string  `json:"offerId"`
	DevName    string  `json:"devName"`
	FinalPrice int     `json:"finalPrice"`
	Grants     []Grant `json:"itemGrants"`
}

// Catalog resolves offers from the currently-active storefront.
type Catalog interface {
	Offer(offerID string) (*Offer, bool)
}

// StaticCatalog is an in-process storefront cache. The shop rotation job
// swaps the whole offer set atomically via Replace.
type StaticCatalog struct {
	mu          sync.RWMutex
	offers      map[string]*Offer
	refreshedAt time.Time
}

// NewStaticCatalog builds a catalog holding the given offers.
func NewStaticCatalog(offers ...*Offer) *StaticCatalog {
	c := &StaticCatalog{}
	c.Replace(offers)
	return c
}

// Offer resolves an offer by ID.
func (c *StaticCatalog) Offer(offerID string) (*Offer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	offer, ok := c.offers[offerID]
	return offer, ok
}

// Replace swaps the active offer set.
func (c *StaticCatalog) Replace(offers []*Offer) {
	next := make(map[string]*Offer, len(offers))
	for _, o := range offers {
		next[o.OfferID] = o
	}
	c.mu.Lock()
	c.offers = next
	c.refreshedAt = time.Now()
	c.mu.Unlock()
}

// Snapshot returns the current offers and the time they were installed.
func (c *StaticCatalog) Snapshot() ([]*Offer, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Offer, 0, len(c.offers))
	for _, o := range c.offers {
		out = append(out, o)
	}
	return out, c.refreshedAt
}
