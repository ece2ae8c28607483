package model

import "strings"

// ScopeKind names which geographic field an order was scoped by.
type ScopeKind string

// Scope kinds.
const (
	ScopeNone       ScopeKind = ""
	ScopeLocality   ScopeKind = "locality"
	ScopeDistrict   ScopeKind = "district"
	ScopePostalCode ScopeKind = "postal_code"
)

// Scope is the geographic target of an order.
type Scope struct {
	LocalityID string `json:"locality_id,omitempty" yaml:"locality_id,omitempty"`
	DistrictID string `json:"district_id,omitempty" yaml:"district_id,omitempty"`
	PostalCode string `json:"postal_code,omitempty" yaml:"postal_code,omitempty"`
}

// Count returns the number of non-empty scope fields.
func (s Scope) Count() int {
	n := 0
	for _, v := range []string{s.LocalityID, s.DistrictID, s.PostalCode} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Trimmed returns s with surrounding whitespace removed from every field.
func (s Scope) Trimmed() Scope {
	return Scope{
		LocalityID: strings.TrimSpace(s.LocalityID),
		DistrictID: strings.TrimSpace(s.DistrictID),
		PostalCode: strings.TrimSpace(s.PostalCode),
	}
}

// Kind returns the most specific field that is set.
func (s Scope) Kind() ScopeKind {
	switch {
	case strings.TrimSpace(s.LocalityID) != "":
		return ScopeLocality
	case strings.TrimSpace(s.DistrictID) != "":
		return ScopeDistrict
	case strings.TrimSpace(s.PostalCode) != "":
		return ScopePostalCode
	}
	return ScopeNone
}

// Filter is the industry target of an order.
type Filter struct {
	IndustryCode string `json:"industry_code,omitempty" yaml:"industry_code,omitempty"`
	CategoryID   string `json:"category_id,omitempty" yaml:"category_id,omitempty"`
	Text         string `json:"text,omitempty" yaml:"text,omitempty"`
}

// Trimmed returns f with surrounding whitespace removed from every field.
func (f Filter) Trimmed() Filter {
	return Filter{
		IndustryCode: strings.TrimSpace(f.IndustryCode),
		CategoryID:   strings.TrimSpace(f.CategoryID),
		Text:         strings.TrimSpace(f.Text),
	}
}

// Count returns the number of non-empty filter fields.
func (f Filter) Count() int {
	n := 0
	for _, v := range []string{f.IndustryCode, f.CategoryID, f.Text} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}
