package provider

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/order"
	"github.com/sells-group/recherche-engine/internal/resilience"
	"github.com/sells-group/recherche-engine/pkg/google"
)

// DefaultGoogleCostPerRequestUSD is the list price of one Nearby Search page.
const DefaultGoogleCostPerRequestUSD = 0.032

const defaultPlaceType = "restaurant"

// placeTypes maps lowercase German search terms to Places types.
var placeTypes = map[string]string{
	"restaurant": "restaurant",
	"café":       "cafe",
	"cafe":       "cafe",
	"bar":        "bar",
	"imbiss":     "restaurant",
	"bäckerei":   "bakery",
	"metzgerei":  "butcher_shop",
	"hotel":      "hotel",
	"apotheke":   "pharmacy",
}

// PlaceType returns the Places type searched for term.
func PlaceType(term string) string {
	if t, ok := placeTypes[strings.ToLower(strings.TrimSpace(term))]; ok {
		return t
	}
	return defaultPlaceType
}

// GooglePlaces searches Google Places Nearby Search. Google reports no
// spend, so it is estimated from the number of pages requested.
type GooglePlaces struct {
	client         google.Client
	guard          *resilience.Guard
	costPerRequest float64
}

// NewGooglePlaces wraps client. A zero costPerRequest takes the list price.
func NewGooglePlaces(client google.Client, guard *resilience.Guard, costPerRequest float64) *GooglePlaces {
	if costPerRequest <= 0 {
		costPerRequest = DefaultGoogleCostPerRequestUSD
	}
	if guard == nil {
		guard = resilience.NewGuard(model.SourceGooglePlaces, resilience.GuardConfig{})
	}
	return &GooglePlaces{client: client, guard: guard, costPerRequest: costPerRequest}
}

// Name implements Provider.
func (g *GooglePlaces) Name() string { return model.SourceGooglePlaces }

// Search pages through Nearby Search until q.MaxResults candidates are
// collected or no next page is offered. A failing first page is an error;
// a later failing page ends the search with what was collected.
func (g *GooglePlaces) Search(ctx context.Context, q Query) (*Result, error) {
	limit := q.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	log := zap.L().With(zap.String("component", "provider.google_places"))

	res := &Result{}
	token := ""
	for len(res.Candidates) < limit {
		req := google.NearbyRequest{
			Center:        google.LatLng{Latitude: q.Area.Lat, Longitude: q.Area.Lng},
			RadiusMeters:  float64(q.Area.RadiusM),
			IncludedTypes: []string{PlaceType(q.Term)},
			MaxResults:    min(google.MaxPageSize, limit-len(res.Candidates)),
			LanguageCode:  "de",
			PageToken:     token,
		}
		resp, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (*google.NearbyResponse, error) {
			return g.client.SearchNearby(ctx, req)
		})
		res.Requests++
		if err != nil {
			res.SpendUSD = float64(res.Requests) * g.costPerRequest
			if res.Requests == 1 {
				return res, err
			}
			log.Warn("google places page failed, keeping partial results", zap.Error(err))
			break
		}
		for _, p := range resp.Places {
			if c, ok := placeCandidate(p); ok {
				res.Candidates = append(res.Candidates, c)
			}
		}
		if resp.NextPageToken == "" || len(resp.Places) == 0 {
			break
		}
		token = resp.NextPageToken
	}
	if len(res.Candidates) > limit {
		res.Candidates = res.Candidates[:limit]
	}
	res.SpendUSD = float64(res.Requests) * g.costPerRequest

	log.Info("google places search done",
		zap.String("term", q.Term),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("requests", res.Requests),
		zap.Float64("spend_usd", res.SpendUSD),
	)
	return res, nil
}

func placeCandidate(p google.Place) (order.RawResult, bool) {
	name := strings.TrimSpace(p.DisplayName.Text)
	if name == "" {
		return order.RawResult{}, false
	}
	phone := p.NationalPhoneNumber
	if phone == "" {
		phone = p.InternationalPhoneNumber
	}
	r := order.RawResult{
		Source:     model.SourceGooglePlaces,
		ExternalID: p.ID,
		Name:       name,
		Address:    p.FormattedAddress,
		PostalCode: p.Component("postal_code"),
		Locality:   p.Component("locality"),
		Phone:      phone,
		Website:    p.WebsiteURI,
		Category:   p.PrimaryType,
		Payload:    p.Raw,
	}
	if p.Location != nil {
		lat, lng := p.Location.Latitude, p.Location.Longitude
		r.Lat, r.Lng = &lat, &lng
	}
	return r, true
}
