package company

import (
	"context"

	"github.com/sells-group/recherche-engine/internal/model"
)

// Catalog defines the business catalog operations used by estimation and
// deduplication. Lookups return nil, nil when nothing matches; deleted
// businesses are never returned.
type Catalog interface {
	// Match keys
	FindByPhoneKey(ctx context.Context, key string) (*Business, error)
	FindByDomainKey(ctx context.Context, key string) (*Business, error)
	ListByPostalCode(ctx context.Context, postalCode string, limit int) ([]Business, error)

	// Writes
	CreateBusiness(ctx context.Context, b *Business) error
	AddExternalID(ctx context.Context, id ExternalID) error
	UpsertSource(ctx context.Context, s Source) error
	Enrich(ctx context.Context, businessID string, e Enrichment) (bool, error)

	// Estimation
	CountInScope(ctx context.Context, scope model.Scope) (int, error)

	// Categories
	CategoryName(ctx context.Context, categoryID string) (string, error)
}
