// Package geo resolves populations, localities and search areas from the
// geographic hierarchy (districts containing localities keyed by postal code).
package geo

import (
	"context"

	"github.com/sells-group/recherche-engine/internal/model"
)

// Search radius defaults in meters.
const (
	LocalityRadiusM       = 3000
	PostalCodeRadiusM     = 5000
	DefaultRadiusM        = 5000
	DistrictRadiusM       = 15000
	MinDistrictRadiusM    = 5000
	MaxDistrictRadiusM    = 50000
	FallbackLat           = 51.4
	FallbackLng           = 7.0
	districtRadiusDivisor = 10
)

// Area is the circle a provider search is restricted to.
type Area struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM int     `json:"radius_m"`
}

// Lookup is the read side of the geographic hierarchy. Population lookups
// report found=false when the row is missing or carries no inhabitant count.
type Lookup interface {
	LocalityPopulation(ctx context.Context, localityID string) (n int, found bool, err error)
	DistrictPopulation(ctx context.Context, districtID string) (n int, found bool, err error)
	PostalCodePopulation(ctx context.Context, postalCode string) (n int, found bool, err error)
	// LocalityByPostalCode returns "" when no locality carries the code.
	LocalityByPostalCode(ctx context.Context, postalCode string) (string, error)
	SearchArea(ctx context.Context, scope model.Scope) (Area, error)
}

// DistrictRadius derives a search radius from a district's population.
func DistrictRadius(population int, found bool) int {
	if !found || population <= 0 {
		return DistrictRadiusM
	}
	r := population / districtRadiusDivisor
	if r < MinDistrictRadiusM {
		return MinDistrictRadiusM
	}
	if r > MaxDistrictRadiusM {
		return MaxDistrictRadiusM
	}
	return r
}
