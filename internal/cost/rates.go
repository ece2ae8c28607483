package cost

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/db"
)

// RateSource resolves a partner's effective rate card.
type RateSource interface {
	RatesFor(ctx context.Context, partnerID string) (RateCard, error)
}

// StaticRates returns the same card for every partner.
type StaticRates RateCard

// RatesFor implements RateSource.
func (s StaticRates) RatesFor(_ context.Context, _ string) (RateCard, error) {
	return RateCard(s), nil
}

// PostgresRates reads per-partner overrides from partner_rates, falling back
// to the defaults for any column that is NULL.
type PostgresRates struct {
	pool     db.Pool
	defaults RateCard
}

// NewPostgresRates creates a PostgresRates.
func NewPostgresRates(pool db.Pool, defaults RateCard) *PostgresRates {
	return &PostgresRates{pool: pool, defaults: defaults}
}

// RatesFor implements RateSource.
func (s *PostgresRates) RatesFor(ctx context.Context, partnerID string) (RateCard, error) {
	var base, standard, premium, komplett *float64
	err := s.pool.QueryRow(ctx, `
		SELECT base_fee_eur::float8, standard_per_hit_eur::float8,
			premium_per_hit_eur::float8, komplett_per_hit_eur::float8
		FROM partner_rates WHERE partner_id = $1`, partnerID).
		Scan(&base, &standard, &premium, &komplett)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.defaults, nil
		}
		return RateCard{}, eris.Wrapf(err, "cost: rates for partner %s", partnerID)
	}

	card := s.defaults
	if base != nil {
		card.BaseFeeEUR = *base
	}
	if standard != nil {
		card.StandardPerHitEUR = *standard
	}
	if premium != nil {
		card.PremiumPerHitEUR = *premium
	}
	if komplett != nil {
		card.KomplettPerHitEUR = *komplett
	}
	return card, nil
}
