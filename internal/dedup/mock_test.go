package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sells-group/recherche-engine/internal/company"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
)

// --- Catalog Fake ---

type memCatalog struct {
	mu          sync.Mutex
	businesses  []*company.Business
	externalIDs []company.ExternalID
	sources     []company.Source
	enrichments map[string][]company.Enrichment
	next        int

	phoneErr error
}

func newMemCatalog(bs ...company.Business) *memCatalog {
	c := &memCatalog{enrichments: make(map[string][]company.Enrichment)}
	for i := range bs {
		b := bs[i]
		b.PhoneKey = company.PhoneKey(b.Phone)
		b.DomainKey = company.DomainKey(b.Website)
		c.businesses = append(c.businesses, &b)
	}
	return c
}

func (c *memCatalog) FindByPhoneKey(_ context.Context, key string) (*company.Business, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phoneErr != nil {
		return nil, c.phoneErr
	}
	for _, b := range c.businesses {
		if key != "" && b.PhoneKey == key {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) FindByDomainKey(_ context.Context, key string) (*company.Business, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.businesses {
		if key != "" && b.DomainKey == key {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) ListByPostalCode(_ context.Context, postalCode string, limit int) ([]company.Business, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []company.Business
	for _, b := range c.businesses {
		if b.PostalCode == postalCode && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (c *memCatalog) CreateBusiness(_ context.Context, b *company.Business) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	b.ID = fmt.Sprintf("new-%d", c.next)
	b.PhoneKey = company.PhoneKey(b.Phone)
	b.DomainKey = company.DomainKey(b.Website)
	cp := *b
	c.businesses = append(c.businesses, &cp)
	return nil
}

func (c *memCatalog) AddExternalID(_ context.Context, id company.ExternalID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.externalIDs = append(c.externalIDs, id)
	return nil
}

func (c *memCatalog) UpsertSource(_ context.Context, s company.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
	return nil
}

func (c *memCatalog) Enrich(_ context.Context, businessID string, e company.Enrichment) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrichments[businessID] = append(c.enrichments[businessID], e)
	for _, b := range c.businesses {
		if b.ID != businessID {
			continue
		}
		filled := false
		if b.Street == "" && e.Street != "" {
			b.Street, filled = e.Street, true
		}
		if b.Email == "" && e.Email != "" {
			b.Email, filled = e.Email, true
		}
		return filled, nil
	}
	return false, nil
}

func (c *memCatalog) CountInScope(context.Context, model.Scope) (int, error) { return 0, nil }

func (c *memCatalog) CategoryName(context.Context, string) (string, error) { return "", nil }

func (c *memCatalog) byID(id string) *company.Business {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.businesses {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// --- Raw Results Fake ---

type memResults struct {
	mu        sync.Mutex
	rows      []order.RawResult
	duplicate map[string]string
	linked    map[string]string
	listErr   error
}

func newMemResults(rows ...order.RawResult) *memResults {
	return &memResults{rows: rows, duplicate: make(map[string]string), linked: make(map[string]string)}
}

func (r *memResults) ListUnprocessed(_ context.Context, orderID string) ([]order.RawResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []order.RawResult
	for _, row := range r.rows {
		_, dup := r.duplicate[row.ID]
		_, lnk := r.linked[row.ID]
		if row.OrderID == orderID && !dup && !lnk {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memResults) MarkDuplicate(_ context.Context, rawID, businessID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicate[rawID] = businessID
	return nil
}

func (r *memResults) MarkLinked(_ context.Context, rawID, businessID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked[rawID] = businessID
	return nil
}

// --- Localities Fake ---

type fakeLocalities map[string]string

func (f fakeLocalities) LocalityByPostalCode(_ context.Context, postalCode string) (string, error) {
	return f[postalCode], nil
}

func raw(id, name string) order.RawResult {
	return order.RawResult{ID: id, OrderID: "o1", Source: model.SourceDataForSEO, Name: name}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
