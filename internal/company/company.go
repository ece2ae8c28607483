// Package company is the business catalog: the existing businesses that
// recherche results are matched against and new finds are written into.
package company

import (
	"encoding/json"
	"time"
)

// Business is a catalog entry. PhoneKey and DomainKey are the normalized
// match keys derived from Phone and Website on write.
type Business struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Address    string          `json:"address,omitempty"`
	Street     string          `json:"street,omitempty"`
	PostalCode string          `json:"postal_code,omitempty"`
	LocalityID string          `json:"locality_id,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	PhoneKey   string          `json:"-"`
	Website    string          `json:"website,omitempty"`
	DomainKey  string          `json:"-"`
	Email      string          `json:"email,omitempty"`
	Category   string          `json:"category,omitempty"`
	Lat        *float64        `json:"lat,omitempty"`
	Lng        *float64        `json:"lng,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ExternalID links a business to a provider-native identifier.
type ExternalID struct {
	BusinessID string
	IDType     string
	Value      string
	Provider   string
}

// IDTypePlaceID is the id type recorded for provider place identifiers.
const IDTypePlaceID = "place_id"

// Source is the raw provider payload archived per business and provider.
type Source struct {
	BusinessID string
	Source     string
	SourceID   string
	RawData    json.RawMessage
}

// Enrichment carries data merged into an existing business when a new
// result is found to duplicate it. Metadata replaces the top-level
// MetadataKey entry; Street and Email only fill empty fields.
type Enrichment struct {
	MetadataKey string
	Metadata    json.RawMessage
	Street      string
	Email       string
}
