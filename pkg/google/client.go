// Package google is a minimal client for the Google Places API (New).
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// MaxRadiusMeters is the largest circle Nearby Search accepts.
const MaxRadiusMeters = 50000

// MaxPageSize is the largest maxResultCount Nearby Search accepts.
const MaxPageSize = 20

var nearbyFields = []string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.addressComponents",
	"places.location",
	"places.nationalPhoneNumber",
	"places.internationalPhoneNumber",
	"places.websiteUri",
	"places.googleMapsUri",
	"places.types",
	"places.primaryType",
	"places.rating",
	"places.userRatingCount",
	"places.priceLevel",
	"places.businessStatus",
	"places.regularOpeningHours",
	"nextPageToken",
}

// Client performs Google Places API operations.
type Client interface {
	SearchNearby(ctx context.Context, req NearbyRequest) (*NearbyResponse, error)
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NearbyRequest describes one Nearby Search page.
type NearbyRequest struct {
	Center        LatLng
	RadiusMeters  float64
	IncludedTypes []string
	MaxResults    int
	LanguageCode  string
	PageToken     string
}

// NearbyResponse is one page of Nearby Search results.
type NearbyResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken"`
}

// Place is a place returned by the API. Raw holds the place object exactly
// as received.
type Place struct {
	ID                       string             `json:"id"`
	DisplayName              LocalizedText      `json:"displayName"`
	FormattedAddress         string             `json:"formattedAddress"`
	AddressComponents        []AddressComponent `json:"addressComponents"`
	Location                 *LatLng            `json:"location"`
	NationalPhoneNumber      string             `json:"nationalPhoneNumber"`
	InternationalPhoneNumber string             `json:"internationalPhoneNumber"`
	WebsiteURI               string             `json:"websiteUri"`
	GoogleMapsURI            string             `json:"googleMapsUri"`
	Types                    []string           `json:"types"`
	PrimaryType              string             `json:"primaryType"`
	Rating                   float64            `json:"rating"`
	UserRatingCount          int                `json:"userRatingCount"`
	BusinessStatus           string             `json:"businessStatus"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the place and keeps a copy of the raw object.
func (p *Place) UnmarshalJSON(b []byte) error {
	type plain Place
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Place(v)
	p.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Component returns the long text of the first address component with the
// given type, or "".
func (p Place) Component(typ string) string {
	for _, c := range p.AddressComponents {
		for _, t := range c.Types {
			if t == typ {
				return c.LongText
			}
		}
	}
	return ""
}

// LocalizedText is a text with its language.
type LocalizedText struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// AddressComponent is one structured part of a place address.
type AddressComponent struct {
	LongText  string   `json:"longText"`
	ShortText string   `json:"shortText"`
	Types     []string `json:"types"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type circle struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"`
}

type nearbyBody struct {
	IncludedTypes       []string `json:"includedTypes,omitempty"`
	MaxResultCount      int      `json:"maxResultCount"`
	LanguageCode        string   `json:"languageCode,omitempty"`
	PageToken           string   `json:"pageToken,omitempty"`
	LocationRestriction struct {
		Circle circle `json:"circle"`
	} `json:"locationRestriction"`
}

func (c *httpClient) SearchNearby(ctx context.Context, r NearbyRequest) (*NearbyResponse, error) {
	body := nearbyBody{
		IncludedTypes:  r.IncludedTypes,
		MaxResultCount: min(max(r.MaxResults, 1), MaxPageSize),
		LanguageCode:   r.LanguageCode,
		PageToken:      r.PageToken,
	}
	body.LocationRestriction.Circle = circle{Center: r.Center, Radius: min(r.RadiusMeters, MaxRadiusMeters)}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchNearby", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", strings.Join(nearbyFields, ","))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("google: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, err
	}

	var result NearbyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}
	return &result, nil
}
