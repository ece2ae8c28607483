// Package provider defines the contract for the external business data
// sources an order is fulfilled from, and maps quality tiers to them.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
)

// DefaultMaxResults caps the candidates fetched per provider and order.
const DefaultMaxResults = 60

// ErrNoProviders is returned when no registered provider serves a tier.
var ErrNoProviders = eris.New("provider: no provider available for tier")

// Query describes one discovery search.
type Query struct {
	// Term is the free-text search term, e.g. "Restaurant" or "Bäckerei".
	Term string
	// Category optionally narrows results to listings whose category
	// contains it. Providers without category filtering ignore it.
	Category   string
	Area       geo.Area
	MaxResults int
}

// Result is what a provider hands back for one Query.
type Result struct {
	// Candidates carry Source, provider fields and Payload. ID and OrderID
	// are assigned when they are stored.
	Candidates []order.RawResult
	// SpendUSD is the provider-reported or estimated spend.
	SpendUSD float64
	Requests int
}

// Provider searches an external source for business listings.
type Provider interface {
	// Name is the source name recorded on the candidates.
	Name() string
	Search(ctx context.Context, q Query) (*Result, error)
}

// TierProviders lists the provider names each tier draws from, in call order.
var TierProviders = map[model.QualityTier][]string{
	model.TierStandard: {model.SourceDataForSEO},
	model.TierPremium:  {model.SourceGooglePlaces},
	model.TierKomplett: {model.SourceGooglePlaces, model.SourceDataForSEO},
}

// Registry holds the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	zap.L().Info("provider: registered", zap.String("provider", p.Name()))
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no provider is registered.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) == 0
}

// ForTier returns the registered providers serving tier. Missing providers
// are skipped; ErrNoProviders is returned when none remain.
func (r *Registry) ForTier(tier model.QualityTier) ([]Provider, error) {
	names, ok := TierProviders[tier]
	if !ok {
		return nil, eris.Errorf("provider: unknown tier %q", tier)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
			continue
		}
		zap.L().Warn("provider: not registered",
			zap.String("provider", name),
			zap.String("tier", string(tier)),
		)
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNoProviders, "provider: tier %s needs %v", tier, names)
	}
	return out, nil
}
