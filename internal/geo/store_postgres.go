package geo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/model"
)

// PostgresLookup implements Lookup over geo_localities and geo_districts.
type PostgresLookup struct {
	pool db.Pool
}

// NewPostgresLookup creates a PostgresLookup.
func NewPostgresLookup(pool db.Pool) *PostgresLookup {
	return &PostgresLookup{pool: pool}
}

// LocalityPopulation implements Lookup.
func (l *PostgresLookup) LocalityPopulation(ctx context.Context, localityID string) (int, bool, error) {
	return l.population(ctx, `SELECT population FROM geo_localities WHERE id = $1`, localityID, "locality")
}

// DistrictPopulation implements Lookup.
func (l *PostgresLookup) DistrictPopulation(ctx context.Context, districtID string) (int, bool, error) {
	return l.population(ctx, `SELECT population FROM geo_districts WHERE id = $1`, districtID, "district")
}

func (l *PostgresLookup) population(ctx context.Context, sql, id, kind string) (int, bool, error) {
	var n *int
	if err := l.pool.QueryRow(ctx, sql, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "geo: %s population %s", kind, id)
	}
	if n == nil || *n <= 0 {
		return 0, false, nil
	}
	return *n, true, nil
}

// PostalCodePopulation sums inhabitants of every locality sharing the code.
func (l *PostgresLookup) PostalCodePopulation(ctx context.Context, postalCode string) (int, bool, error) {
	var n int
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(population), 0)::int
		FROM geo_localities WHERE postal_code = $1`, postalCode).Scan(&n)
	if err != nil {
		return 0, false, eris.Wrapf(err, "geo: postal code population %s", postalCode)
	}
	return n, n > 0, nil
}

// LocalityByPostalCode implements Lookup. Main localities win ties.
func (l *PostgresLookup) LocalityByPostalCode(ctx context.Context, postalCode string) (string, error) {
	if postalCode == "" {
		return "", nil
	}
	var id string
	err := l.pool.QueryRow(ctx, `
		SELECT id::text FROM geo_localities
		WHERE postal_code = $1
		ORDER BY is_main DESC, name
		LIMIT 1`, postalCode).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "geo: locality by postal code %s", postalCode)
	}
	return id, nil
}

// SearchArea implements Lookup.
func (l *PostgresLookup) SearchArea(ctx context.Context, scope model.Scope) (Area, error) {
	area := Area{Lat: FallbackLat, Lng: FallbackLng, RadiusM: DefaultRadiusM}

	switch scope.Kind() {
	case model.ScopeLocality:
		lat, lng, ok, err := l.center(ctx, `SELECT lat, lng FROM geo_localities WHERE id = $1`, scope.LocalityID)
		if err != nil {
			return area, err
		}
		if ok {
			area.Lat, area.Lng, area.RadiusM = lat, lng, LocalityRadiusM
		}
	case model.ScopeDistrict:
		lat, lng, ok, err := l.center(ctx, `
			SELECT lat, lng FROM geo_localities
			WHERE district_id = $1 AND is_main
			LIMIT 1`, scope.DistrictID)
		if err != nil {
			return area, err
		}
		if ok {
			area.Lat, area.Lng = lat, lng
		}
		pop, found, err := l.DistrictPopulation(ctx, scope.DistrictID)
		if err != nil {
			return area, err
		}
		area.RadiusM = DistrictRadius(pop, found)
	case model.ScopePostalCode:
		lat, lng, ok, err := l.center(ctx, `
			SELECT lat, lng FROM geo_localities
			WHERE postal_code = $1
			ORDER BY is_main DESC, name
			LIMIT 1`, scope.PostalCode)
		if err != nil {
			return area, err
		}
		if ok {
			area.Lat, area.Lng, area.RadiusM = lat, lng, PostalCodeRadiusM
		}
	}
	return area, nil
}

func (l *PostgresLookup) center(ctx context.Context, sql, arg string) (float64, float64, bool, error) {
	var lat, lng *float64
	if err := l.pool.QueryRow(ctx, sql, arg).Scan(&lat, &lng); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, eris.Wrapf(err, "geo: resolve center %s", arg)
	}
	if lat == nil || lng == nil {
		return 0, 0, false, nil
	}
	return *lat, *lng, true, nil
}
