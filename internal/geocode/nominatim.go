// Package geocode resolves US city/state pairs to coordinates via the
// Nominatim (OpenStreetMap) API, with an optional SQLite write-through cache
// in front of it.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org/search"

	userAgent = "trial-matcher/1.0 (medical research application)"
)

type NominatimConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NominatimGeocoder implements trialmatch.Geocoder against the public
// Nominatim API. Lookups are best-effort: any failure is logged and reported
// as a miss, never as an error.
type NominatimGeocoder struct {
	cfg NominatimConfig
}

func NewNominatim(cfg NominatimConfig) *NominatimGeocoder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.HTTPClient == nil {
		// Geocoding is a ranking refinement, not a hard dependency. Keep the
		// timeout short so a slow upstream cannot stall a match.
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &NominatimGeocoder{cfg: cfg}
}

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, city, state string) (trialmatch.Coordinates, bool) {
	params := url.Values{
		"q":            {fmt.Sprintf("%s, %s, United States", city, state)},
		"format":       {"json"},
		"limit":        {"1"},
		"countrycodes": {"us"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return trialmatch.Coordinates{}, false
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		log.Printf("geocode lookup failed for %s, %s: %v", city, state, err)
		return trialmatch.Coordinates{}, false
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		log.Printf("geocode lookup for %s, %s: status code: %d", city, state, res.StatusCode)
		return trialmatch.Coordinates{}, false
	}

	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var results []nominatimResult
	if err := json.Unmarshal(b, &results); err != nil || len(results) == 0 {
		log.Printf("geocode no results for %s, %s", city, state)
		return trialmatch.Coordinates{}, false
	}

	lat, latErr := strconv.ParseFloat(results[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(results[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		log.Printf("geocode unparseable coordinates for %s, %s", city, state)
		return trialmatch.Coordinates{}, false
	}
	return trialmatch.Coordinates{Lat: lat, Lon: lon}, true
}
