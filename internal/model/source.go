package model

// Provider source names recorded on raw results, external ids and archived
// payloads.
const (
	SourceDataForSEO   = "dataforseo"
	SourceGooglePlaces = "google_places"
)
