package toolgateway

import (
	"strings"
	"time"
)

// Sources.
const (
	SourceWeather = "weather"
	SourceSearch  = "search"
)

// LocationSpec is what the caller knows about a place: free text,
// coordinates, or both.
type LocationSpec struct {
	Text string
	Lat  *float64
	Lon  *float64
}

// HasCoordinates reports whether lat and lon are both set.
func (l LocationSpec) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

// Coordinates is a resolved point.
type Coordinates struct {
	Lat  float64
	Lon  float64
	Name string
}

// Weather is a normalized weather reading.
type Weather struct {
	Summary           string
	TemperatureC      *float64
	PrecipProbability *float64
	Humidity          *int
	Alerts            []string
	Place             string
}

// SearchItem is one normalized search hit.
type SearchItem struct {
	Title   string
	Snippet string
	URL     string
}

// Search is a normalized set of search hits.
type Search struct {
	Query string
	Items []SearchItem
}

// SearchContext tunes a search call.
type SearchContext struct {
	// TimeRange is passed to providers that support it: day, week, month, year.
	TimeRange string
	// MaxResults caps the returned items; zero uses the gateway default.
	MaxResults int
}

// ToolResult is the successful result of one gateway call.
type ToolResult struct {
	Source    string
	Tier      int
	Provider  string
	FetchedAt time.Time
	Stale     bool

	Weather *Weather
	Search  *Search
}

// Result is either a ToolResult or Unavailable. Err explains an
// Unavailable result for logging; it is never a call failure.
type Result struct {
	Value       *ToolResult
	Unavailable bool
	Err         error
}

func unavailable(err error) Result {
	return Result{Unavailable: true, Err: err}
}

// normalizeURL builds the dedup key for a result URL.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	if i := strings.Index(u, "#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	return strings.ToLower(u)
}

// DedupeItems drops items with an empty or repeated URL and keeps at most
// limit entries. limit <= 0 keeps all.
func DedupeItems(items []SearchItem, limit int) []SearchItem {
	seen := make(map[string]bool, len(items))
	out := make([]SearchItem, 0, len(items))
	for _, it := range items {
		key := normalizeURL(it.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
