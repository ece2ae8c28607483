package dedup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recherche-engine/internal/model"
)

// MetadataKey is the business metadata entry provider listing data is
// merged into.
const MetadataKey = "google"

// maxPeopleAlsoSearch caps the related listings kept per business.
const maxPeopleAlsoSearch = 10

type clock struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (c clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

type rating struct {
	Value      *float64 `json:"value"`
	VotesCount *int     `json:"votes_count"`
}

// listingItem is the subset of a DataForSEO business listing item that ends
// up in business metadata.
type listingItem struct {
	PlaceID              string          `json:"place_id"`
	CID                  string          `json:"cid"`
	Rating               *rating         `json:"rating"`
	RatingDistribution   json.RawMessage `json:"rating_distribution"`
	PriceLevel           string          `json:"price_level"`
	IsClaimed            *bool           `json:"is_claimed"`
	MainImage            string          `json:"main_image"`
	Logo                 string          `json:"logo"`
	TotalPhotos          int             `json:"total_photos"`
	Category             string          `json:"category"`
	AdditionalCategories []string        `json:"additional_categories"`
	CategoryIDs          []string        `json:"category_ids"`
	PlaceTopics          json.RawMessage `json:"place_topics"`
	Attributes           *struct {
		Available json.RawMessage `json:"available_attributes"`
	} `json:"attributes"`
	WorkTime *struct {
		WorkHours *struct {
			Timetable map[string][]struct {
				Open  clock `json:"open"`
				Close clock `json:"close"`
			} `json:"timetable"`
		} `json:"work_hours"`
	} `json:"work_time"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	PeopleAlsoSearch []struct {
		Title  string  `json:"title"`
		CID    string  `json:"cid"`
		Rating *rating `json:"rating"`
	} `json:"people_also_search"`
	AddressInfo *struct {
		Address string `json:"address"`
	} `json:"address_info"`
	ContactInfo []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"contact_info"`
}

// place is the subset of a Google Places (New) place object that ends up in
// business metadata.
type place struct {
	ID              string   `json:"id"`
	Rating          *float64 `json:"rating"`
	UserRatingCount *int     `json:"userRatingCount"`
	PriceLevel      string   `json:"priceLevel"`
	Types           []string `json:"types"`
	BusinessStatus  string   `json:"businessStatus"`
	GoogleMapsURI   string   `json:"googleMapsUri"`
	Location        *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	RegularOpeningHours *struct {
		Periods []struct {
			Open  *placePoint `json:"open"`
			Close *placePoint `json:"close"`
		} `json:"periods"`
	} `json:"regularOpeningHours"`
}

type placePoint struct {
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

var weekdays = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

type slot struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// ExtractMetadata builds the metadata entry for a raw provider payload. It
// returns nil when the payload carries nothing worth keeping or the source
// is unknown.
func ExtractMetadata(source string, payload json.RawMessage, fetchedAt time.Time) (json.RawMessage, error) {
	if !present(payload) {
		return nil, nil
	}

	var meta map[string]any
	var err error
	switch source {
	case model.SourceDataForSEO:
		meta, err = listingMetadata(payload)
	case model.SourceGooglePlaces:
		meta, err = placeMetadata(payload)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: parse %s payload", source)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	meta["_provider"] = source
	meta["_fetched_at"] = fetchedAt.UTC().Format(time.RFC3339)

	out, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: encode metadata")
	}
	return out, nil
}

func listingMetadata(payload json.RawMessage) (map[string]any, error) {
	var it listingItem
	if err := json.Unmarshal(payload, &it); err != nil {
		return nil, err
	}

	m := make(map[string]any)
	setString(m, "place_id", it.PlaceID)
	setString(m, "cid", it.CID)
	if it.Rating != nil && it.Rating.Value != nil && *it.Rating.Value != 0 {
		m["rating"] = *it.Rating.Value
		m["rating_count"] = it.Rating.VotesCount
	}
	setRaw(m, "rating_distribution", it.RatingDistribution)
	setString(m, "price_level", it.PriceLevel)
	if it.IsClaimed != nil {
		m["is_claimed"] = *it.IsClaimed
	}
	setString(m, "main_image", it.MainImage)
	setString(m, "logo", it.Logo)
	if it.TotalPhotos > 0 {
		m["total_photos"] = it.TotalPhotos
	}
	if it.Category != "" {
		m["categories"] = append([]string{it.Category}, it.AdditionalCategories...)
	}
	if len(it.CategoryIDs) > 0 {
		m["category_ids"] = it.CategoryIDs
	}
	setRaw(m, "place_topics", it.PlaceTopics)
	if it.Attributes != nil {
		setRaw(m, "attributes", it.Attributes.Available)
	}
	if it.WorkTime != nil && it.WorkTime.WorkHours != nil && len(it.WorkTime.WorkHours.Timetable) > 0 {
		hours := make(map[string][]slot, len(it.WorkTime.WorkHours.Timetable))
		for day, slots := range it.WorkTime.WorkHours.Timetable {
			if slots == nil {
				hours[day] = nil
				continue
			}
			out := make([]slot, 0, len(slots))
			for _, s := range slots {
				out = append(out, slot{Open: s.Open.String(), Close: s.Close.String()})
			}
			hours[day] = out
		}
		m["oeffnungszeiten"] = hours
	}
	if it.Latitude != nil && *it.Latitude != 0 {
		m["lat"] = *it.Latitude
		m["lng"] = it.Longitude
	}
	if len(it.PeopleAlsoSearch) > 0 {
		related := make([]map[string]any, 0, maxPeopleAlsoSearch)
		for _, p := range it.PeopleAlsoSearch[:min(len(it.PeopleAlsoSearch), maxPeopleAlsoSearch)] {
			var value *float64
			if p.Rating != nil {
				value = p.Rating.Value
			}
			related = append(related, map[string]any{"title": p.Title, "cid": p.CID, "rating": value})
		}
		m["people_also_search"] = related
	}
	return m, nil
}

func placeMetadata(payload json.RawMessage) (map[string]any, error) {
	var p place
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	m := make(map[string]any)
	setString(m, "place_id", p.ID)
	if p.Rating != nil && *p.Rating != 0 {
		m["rating"] = *p.Rating
		m["rating_count"] = p.UserRatingCount
	}
	setString(m, "price_level", p.PriceLevel)
	if len(p.Types) > 0 {
		m["categories"] = p.Types
	}
	setString(m, "business_status", p.BusinessStatus)
	setString(m, "maps_url", p.GoogleMapsURI)
	if p.Location != nil {
		m["lat"] = p.Location.Latitude
		m["lng"] = p.Location.Longitude
	}
	if p.RegularOpeningHours != nil && len(p.RegularOpeningHours.Periods) > 0 {
		hours := make(map[string][]slot)
		for _, period := range p.RegularOpeningHours.Periods {
			if period.Open == nil || period.Open.Day < 0 || period.Open.Day > 6 {
				continue
			}
			s := slot{Open: clock{period.Open.Hour, period.Open.Minute}.String()}
			if period.Close != nil {
				s.Close = clock{period.Close.Hour, period.Close.Minute}.String()
			}
			day := weekdays[period.Open.Day]
			hours[day] = append(hours[day], s)
		}
		if len(hours) > 0 {
			m["oeffnungszeiten"] = hours
		}
	}
	return m, nil
}

// ContactFields returns the street and email a DataForSEO payload carries
// in address_info and contact_info. Other payloads yield empty strings.
func ContactFields(source string, payload json.RawMessage) (street, email string) {
	if source != model.SourceDataForSEO || !present(payload) {
		return "", ""
	}
	var it listingItem
	if err := json.Unmarshal(payload, &it); err != nil {
		return "", ""
	}
	if it.AddressInfo != nil {
		street = strings.TrimSpace(it.AddressInfo.Address)
	}
	for _, ci := range it.ContactInfo {
		if ci.Type == "mail" && strings.TrimSpace(ci.Value) != "" {
			email = strings.TrimSpace(ci.Value)
			break
		}
	}
	return street, email
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setRaw(m map[string]any, key string, v json.RawMessage) {
	if present(v) {
		m[key] = v
	}
}

// present reports whether raw JSON holds a non-empty value.
func present(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	switch string(v) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}
