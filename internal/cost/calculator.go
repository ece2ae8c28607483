// Package cost holds recherche pricing: rate cards, integer-cent conversion
// and the reservation buffer applied when an order is created.
package cost

import (
	"math"

	"github.com/sells-group/recherche-engine/internal/model"
)

// DefaultReservationBufferPct is the safety margin reserved on top of the
// estimated cost.
const DefaultReservationBufferPct = 20

// RateCard holds a partner's recherche pricing in EUR.
type RateCard struct {
	BaseFeeEUR        float64 `yaml:"base_fee_eur" mapstructure:"base_fee_eur"`
	StandardPerHitEUR float64 `yaml:"standard_per_hit_eur" mapstructure:"standard_per_hit_eur"`
	PremiumPerHitEUR  float64 `yaml:"premium_per_hit_eur" mapstructure:"premium_per_hit_eur"`
	KomplettPerHitEUR float64 `yaml:"komplett_per_hit_eur" mapstructure:"komplett_per_hit_eur"`
}

// DefaultRateCard returns the rates used when a partner has no overrides.
func DefaultRateCard() RateCard {
	return RateCard{
		BaseFeeEUR:        0.50,
		StandardPerHitEUR: 0.05,
		PremiumPerHitEUR:  0.12,
		KomplettPerHitEUR: 0.18,
	}
}

// PerHitEUR returns the per-hit rate for a tier. Unknown tiers use the
// standard rate.
func (r RateCard) PerHitEUR(tier model.QualityTier) float64 {
	switch tier {
	case model.TierPremium:
		return r.PremiumPerHitEUR
	case model.TierKomplett:
		return r.KomplettPerHitEUR
	default:
		return r.StandardPerHitEUR
	}
}

// Fees returns the base and per-hit fees for a tier in cents.
func (r RateCard) Fees(tier model.QualityTier) Fees {
	return Fees{
		BaseCents:   EURToCents(r.BaseFeeEUR),
		PerHitCents: EURToCents(r.PerHitEUR(tier)),
	}
}

// Fees is a tier's pricing in integer cents.
type Fees struct {
	BaseCents   int64 `json:"base_fee_cents" yaml:"base_fee_cents"`
	PerHitCents int64 `json:"per_hit_fee_cents" yaml:"per_hit_fee_cents"`
}

// Total returns base + hits*per-hit. Negative hit counts are treated as zero.
func (f Fees) Total(hits int) int64 {
	if hits < 0 {
		hits = 0
	}
	return f.BaseCents + int64(hits)*f.PerHitCents
}

// EURToCents converts a EUR amount to cents, rounding any fraction of a cent
// up. The amount is first snapped to a micro-cent grid so that binary float
// noise (0.05*100 = 5.000000000000001) does not round up a whole cent.
func EURToCents(eur float64) int64 {
	if eur <= 0 {
		return 0
	}
	microCents := int64(math.Round(eur * 1e8))
	return (microCents + 999_999) / 1_000_000
}

// Reservation returns ceil(estimated * (100+bufferPct) / 100) using integer
// arithmetic. A negative buffer is treated as zero.
func Reservation(estimatedCents int64, bufferPct int) int64 {
	if estimatedCents <= 0 {
		return 0
	}
	if bufferPct < 0 {
		bufferPct = 0
	}
	scaled := estimatedCents * int64(100+bufferPct)
	return (scaled + 99) / 100
}
