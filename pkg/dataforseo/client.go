// Package dataforseo is a minimal client for the DataForSEO Business Data
// API.
package dataforseo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/resilience"
)

const (
	defaultBaseURL = "https://api.dataforseo.com"
	listingsPath   = "/v3/business_data/business_listings/search/live"

	// StatusOK is the task status code DataForSEO reports on success.
	StatusOK = 20000

	// MaxLimit is the largest page the listings endpoint returns.
	MaxLimit = 100
)

// Client performs DataForSEO API operations.
type Client interface {
	SearchListings(ctx context.Context, req ListingsRequest) (*ListingsResponse, error)
}

// ListingsRequest describes one page of a business listings search.
type ListingsRequest struct {
	Categories []string
	Latitude   float64
	Longitude  float64
	RadiusKm   int
	// CategoryLike adds a category LIKE '%CategoryLike%' filter when set.
	CategoryLike string
	Limit        int
	Offset       int
}

// ListingsResponse is the outcome of one listings task.
type ListingsResponse struct {
	// CostUSD is what DataForSEO charged for the task.
	CostUSD    float64
	TotalCount int
	Items      []Item
}

// Item is one business listing. Raw holds the item exactly as received.
type Item struct {
	Title       string       `json:"title"`
	CID         string       `json:"cid"`
	PlaceID     string       `json:"place_id"`
	Address     string       `json:"address"`
	AddressInfo *AddressInfo `json:"address_info"`
	Phone       string       `json:"phone"`
	URL         string       `json:"url"`
	Domain      string       `json:"domain"`
	Category    string       `json:"category"`
	Latitude    *float64     `json:"latitude"`
	Longitude   *float64     `json:"longitude"`
	ContactInfo []Contact    `json:"contact_info"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the item and keeps a copy of the raw object.
func (it *Item) UnmarshalJSON(b []byte) error {
	type plain Item
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*it = Item(v)
	it.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Email returns the first contact of type mail, or "".
func (it Item) Email() string {
	for _, c := range it.ContactInfo {
		if c.Type == "mail" {
			return c.Value
		}
	}
	return ""
}

// AddressInfo is the structured address of a listing.
type AddressInfo struct {
	Borough     string `json:"borough"`
	Address     string `json:"address"`
	City        string `json:"city"`
	Zip         string `json:"zip"`
	Region      string `json:"region"`
	CountryCode string `json:"country_code"`
}

// Contact is one contact channel of a listing.
type Contact struct {
	Type  string `json:"type"`
	Value string `json:"value"`
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
	login    string
	password string
	baseURL  string
	http     *http.Client
}

// NewClient creates a DataForSEO client authenticating with HTTP Basic auth.
func NewClient(login, password string, opts ...Option) Client {
	c := &httpClient{
		login:    login,
		password: password,
		baseURL:  defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type task struct {
	Categories         []string   `json:"categories"`
	LocationCoordinate string     `json:"location_coordinate"`
	Limit              int        `json:"limit"`
	Offset             int        `json:"offset,omitempty"`
	Filters            [][]string `json:"filters,omitempty"`
}

type envelope struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []struct {
		StatusCode    int     `json:"status_code"`
		StatusMessage string  `json:"status_message"`
		Cost          float64 `json:"cost"`
		Result        []struct {
			TotalCount int    `json:"total_count"`
			Items      []Item `json:"items"`
		} `json:"result"`
	} `json:"tasks"`
}

func (c *httpClient) SearchListings(ctx context.Context, r ListingsRequest) (*ListingsResponse, error) {
	t := task{
		Categories:         r.Categories,
		LocationCoordinate: fmt.Sprintf("%g,%g,%d", r.Latitude, r.Longitude, max(r.RadiusKm, 1)),
		Limit:              min(max(r.Limit, 1), MaxLimit),
		Offset:             r.Offset,
	}
	if r.CategoryLike != "" {
		t.Filters = [][]string{{"category", "like", "%" + r.CategoryLike + "%"}}
	}

	payload, err := json.Marshal([]task{t})
	if err != nil {
		return nil, eris.Wrap(err, "dataforseo: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+listingsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "dataforseo: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.login, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "dataforseo: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "dataforseo: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("dataforseo: unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "dataforseo: unmarshal response")
	}
	if len(env.Tasks) == 0 {
		return nil, eris.Errorf("dataforseo: no task in response (status %d: %s)", env.StatusCode, env.StatusMessage)
	}

	tk := env.Tasks[0]
	out := &ListingsResponse{CostUSD: tk.Cost}
	if tk.StatusCode != StatusOK {
		return out, eris.Errorf("dataforseo: task status %d: %s", tk.StatusCode, tk.StatusMessage)
	}
	if len(tk.Result) > 0 {
		out.TotalCount = tk.Result[0].TotalCount
		out.Items = tk.Result[0].Items
	}
	return out, nil
}
