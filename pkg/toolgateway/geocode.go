package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Geocoder resolves location text to a single point.
type Geocoder interface {
	Geocode(ctx context.Context, text string) (Coordinates, error)
}

// OpenWeatherGeocoder uses the OpenWeather direct geocoding API.
type OpenWeatherGeocoder struct {
	client *resty.Client
	apiKey string
}

// NewOpenWeatherGeocoder creates a geocoder against baseURL.
func NewOpenWeatherGeocoder(client *resty.Client, apiKey string) *OpenWeatherGeocoder {
	return &OpenWeatherGeocoder{client: client, apiKey: apiKey}
}

type geoCandidate struct {
	Name    string  `json:"name"`
	State   string  `json:"state"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (c geoCandidate) label() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Name, c.State, c.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// candidates within this many degrees of each other are the same place
const samePlaceDegrees = 0.25

// Geocode implements Geocoder. Zero matches, or several matches naming
// different places, yield ErrAmbiguousLocation.
func (g *OpenWeatherGeocoder) Geocode(ctx context.Context, text string) (Coordinates, error) {
	q := strings.TrimSpace(text)
	if q == "" {
		return Coordinates{}, fmt.Errorf("%w: empty location", ErrAmbiguousLocation)
	}
	if g.apiKey == "" {
		return Coordinates{}, fmt.Errorf("%w: openweather api key not configured", ErrProviderUnavailable)
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":     q,
			"limit": "5",
			"appid": g.apiKey,
		}).
		Get("/geo/1.0/direct")
	if err != nil {
		return Coordinates{}, fmt.Errorf("%w: geocoding request failed: %w", ErrProviderUnavailable, err)
	}
	if err := statusError("geocode", resp); err != nil {
		return Coordinates{}, err
	}

	var found []geoCandidate
	if err := json.Unmarshal(resp.Body(), &found); err != nil {
		return Coordinates{}, fmt.Errorf("%w: failed to parse geocoding response: %w", ErrProviderUnavailable, err)
	}
	return pickCandidate(q, found)
}

func pickCandidate(q string, found []geoCandidate) (Coordinates, error) {
	if len(found) == 0 {
		return Coordinates{}, fmt.Errorf("%w: no match for %q", ErrAmbiguousLocation, q)
	}

	first := found[0]
	for _, c := range found[1:] {
		sameLabel := strings.EqualFold(c.label(), first.label())
		near := math.Abs(c.Lat-first.Lat) <= samePlaceDegrees && math.Abs(c.Lon-first.Lon) <= samePlaceDegrees
		if !sameLabel && !near {
			return Coordinates{}, fmt.Errorf("%w: %q matches both %q and %q", ErrAmbiguousLocation, q, first.label(), c.label())
		}
	}
	return Coordinates{Lat: first.Lat, Lon: first.Lon, Name: first.label()}, nil
}

// statusError maps non-2xx responses onto ErrProviderUnavailable.
func statusError(provider string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	var kind string
	switch {
	case code == 401 || code == 403:
		kind = "not authorized"
	case code == 429:
		kind = "rate limited"
	case code >= 500:
		kind = "server error"
	default:
		kind = "unexpected status"
	}
	return fmt.Errorf("%w: %s %s (status %d)", ErrProviderUnavailable, provider, kind, code)
}
