package provider

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
	"github.com/sells-group/recherche-engine/internal/resilience"
	"github.com/sells-group/recherche-engine/pkg/dataforseo"
)

const defaultListingCategory = "restaurant"

// DataForSEO searches DataForSEO business listings. Spend is the cost the
// API reports per task.
type DataForSEO struct {
	client dataforseo.Client
	guard  *resilience.Guard
}

// NewDataForSEO wraps client.
func NewDataForSEO(client dataforseo.Client, guard *resilience.Guard) *DataForSEO {
	if guard == nil {
		guard = resilience.NewGuard(model.SourceDataForSEO, resilience.GuardConfig{})
	}
	return &DataForSEO{client: client, guard: guard}
}

// Name implements Provider.
func (d *DataForSEO) Name() string { return model.SourceDataForSEO }

// RadiusKm converts a search radius to the whole kilometres DataForSEO
// accepts, at least 1.
func RadiusKm(meters int) int {
	return max(1, int(math.Round(float64(meters)/1000)))
}

// Search pages through listings by offset until q.MaxResults candidates are
// collected or the listing total is reached. A failing first page is an
// error; a later failing page ends the search with what was collected.
func (d *DataForSEO) Search(ctx context.Context, q Query) (*Result, error) {
	limit := q.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	category := strings.ToLower(strings.TrimSpace(q.Term))
	if category == "" {
		category = defaultListingCategory
	}
	batch := min(dataforseo.MaxLimit, limit)
	log := zap.L().With(zap.String("component", "provider.dataforseo"))

	res := &Result{}
	for offset := 0; len(res.Candidates) < limit; offset += batch {
		req := dataforseo.ListingsRequest{
			Categories:   []string{category},
			Latitude:     q.Area.Lat,
			Longitude:    q.Area.Lng,
			RadiusKm:     RadiusKm(q.Area.RadiusM),
			CategoryLike: q.Category,
			Limit:        batch,
			Offset:       offset,
		}
		resp, err := resilience.Call(ctx, d.guard, func(ctx context.Context) (*dataforseo.ListingsResponse, error) {
			return d.client.SearchListings(ctx, req)
		})
		res.Requests++
		if resp != nil {
			res.SpendUSD += resp.CostUSD
		}
		if err != nil {
			if res.Requests == 1 {
				return res, err
			}
			log.Warn("dataforseo page failed, keeping partial results", zap.Error(err))
			break
		}
		for _, it := range resp.Items {
			if c, ok := listingCandidate(it); ok {
				res.Candidates = append(res.Candidates, c)
			}
		}
		if len(resp.Items) < batch || offset+batch >= resp.TotalCount {
			break
		}
	}
	if len(res.Candidates) > limit {
		res.Candidates = res.Candidates[:limit]
	}

	log.Info("dataforseo search done",
		zap.String("category", category),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("requests", res.Requests),
		zap.Float64("spend_usd", res.SpendUSD),
	)
	return res, nil
}

func listingCandidate(it dataforseo.Item) (order.RawResult, bool) {
	name := strings.TrimSpace(it.Title)
	if name == "" {
		return order.RawResult{}, false
	}
	website := it.URL
	if website == "" {
		website = it.Domain
	}
	r := order.RawResult{
		Source:     model.SourceDataForSEO,
		ExternalID: it.CID,
		Name:       name,
		Address:    it.Address,
		Phone:      it.Phone,
		Website:    website,
		Email:      it.Email(),
		Category:   it.Category,
		Lat:        it.Latitude,
		Lng:        it.Longitude,
		Payload:    it.Raw,
	}
	if it.AddressInfo != nil {
		r.PostalCode = it.AddressInfo.Zip
		r.Locality = it.AddressInfo.City
	}
	return r, true
}
