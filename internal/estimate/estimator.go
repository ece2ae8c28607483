// Package estimate derives how many new businesses an order is likely to
// find and what it will cost.
package estimate

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/cost"
	"github.com/sells-group/recherche-engine/internal/geo"
	"github.com/sells-group/recherche-engine/internal/model"
)

// Population fallbacks used when the geo store has no inhabitant count.
const (
	FallbackLocalityPopulation   = 10_000
	FallbackDistrictPopulation   = 100_000
	FallbackPostalCodePopulation = 20_000
	DefaultPopulation            = 50_000
)

// Estimation is the result of an estimate. All money is in cents.
type Estimation struct {
	Population     int               `json:"population" yaml:"population"`
	Category       Category          `json:"category" yaml:"category"`
	TotalEstimate  int               `json:"total_estimate" yaml:"total_estimate"`
	ExistingCount  int               `json:"existing_count" yaml:"existing_count"`
	NewEstimate    int               `json:"new_estimate" yaml:"new_estimate"`
	BaseFeeCents   int64             `json:"base_fee_cents" yaml:"base_fee_cents"`
	PerHitFeeCents int64             `json:"per_hit_fee_cents" yaml:"per_hit_fee_cents"`
	TotalCostCents int64             `json:"total_cost_cents" yaml:"total_cost_cents"`
	Tier           model.QualityTier `json:"quality_tier" yaml:"quality_tier"`
}

// ScopeCounter counts existing catalog businesses inside a scope.
type ScopeCounter interface {
	CountInScope(ctx context.Context, scope model.Scope) (int, error)
}

// Estimator computes estimations from the geo store and the catalog. It
// reads only; the same inputs against the same catalog snapshot always give
// the same result.
type Estimator struct {
	geo     geo.Lookup
	catalog ScopeCounter
}

// New creates an Estimator.
func New(lookup geo.Lookup, catalog ScopeCounter) *Estimator {
	return &Estimator{geo: lookup, catalog: catalog}
}

// Estimate computes the estimation for a scope, filter and tier under the
// given rate card.
func (e *Estimator) Estimate(ctx context.Context, rates cost.RateCard, scope model.Scope, filter model.Filter, tier model.QualityTier) (*Estimation, error) {
	population, err := e.population(ctx, scope)
	if err != nil {
		return nil, err
	}

	category := Classify(filter)
	total := max(1, int(math.Round(float64(population)*category.Density())))

	existing, err := e.catalog.CountInScope(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "estimate: count existing businesses")
	}
	newEstimate := max(0, total-existing)

	fees := rates.Fees(tier)
	return &Estimation{
		Population:     population,
		Category:       category,
		TotalEstimate:  total,
		ExistingCount:  existing,
		NewEstimate:    newEstimate,
		BaseFeeCents:   fees.BaseCents,
		PerHitFeeCents: fees.PerHitCents,
		TotalCostCents: fees.Total(newEstimate),
		Tier:           tier,
	}, nil
}

func (e *Estimator) population(ctx context.Context, scope model.Scope) (int, error) {
	var (
		n        int
		found    bool
		err      error
		fallback int
	)
	switch scope.Kind() {
	case model.ScopeLocality:
		n, found, err = e.geo.LocalityPopulation(ctx, scope.LocalityID)
		fallback = FallbackLocalityPopulation
	case model.ScopeDistrict:
		n, found, err = e.geo.DistrictPopulation(ctx, scope.DistrictID)
		fallback = FallbackDistrictPopulation
	case model.ScopePostalCode:
		n, found, err = e.geo.PostalCodePopulation(ctx, scope.PostalCode)
		fallback = FallbackPostalCodePopulation
	default:
		return DefaultPopulation, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "estimate: resolve %s population", scope.Kind())
	}
	if !found || n <= 0 {
		return fallback, nil
	}
	return n, nil
}
