// Package model holds the domain vocabulary shared by the order engine:
// quality tiers, geographic scopes and industry filters.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// QualityTier selects provider sourcing and per-hit pricing for an order.
type QualityTier string

// Quality tiers.
const (
	TierStandard QualityTier = "STANDARD"
	TierPremium  QualityTier = "PREMIUM"
	TierKomplett QualityTier = "KOMPLETT"
)

// Valid reports whether t is one of the known tiers.
func (t QualityTier) Valid() bool {
	switch t {
	case TierStandard, TierPremium, TierKomplett:
		return true
	}
	return false
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (QualityTier, error) {
	t := QualityTier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", eris.Errorf("model: unknown quality tier %q", s)
	}
	return t, nil
}
