package toolgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harun/cropadvisor/internal/config"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxSearchResults caps a single search result list.
const DefaultMaxSearchResults = 6

// Gateway fronts every external data provider.
type Gateway struct {
	weather    []WeatherSource
	search     []SearchSource
	geocoder   Geocoder
	maxResults int
	now        func() time.Time
}

// Options assembles a Gateway from explicit sources.
type Options struct {
	Weather          []WeatherSource
	Search           []SearchSource
	Geocoder         Geocoder
	MaxSearchResults int
	Now              func() time.Time
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = DefaultMaxSearchResults
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		weather:    opts.Weather,
		search:     opts.Search,
		geocoder:   opts.Geocoder,
		maxResults: opts.MaxSearchResults,
		now:        opts.Now,
	}
}

// FromConfig wires the OpenWeather, Tavily and DuckDuckGo providers.
func FromConfig(cfg *config.Config) *Gateway {
	weatherClient := newClient(cfg.Weather.BaseURL)
	tavilyClient := newClient(cfg.Search.TavilyBaseURL)
	htmlClient := newClient("").
		SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	ow := NewOpenWeather(weatherClient, cfg.Weather.APIKey, cfg.Weather.Units)
	return New(Options{
		Weather:  ow.Sources(cfg.Weather.TierTimeout),
		Geocoder: NewOpenWeatherGeocoder(weatherClient, cfg.Weather.APIKey),
		Search: []SearchSource{
			NewTavily(tavilyClient, cfg.Search.TavilyAPIKey).Source(cfg.Search.TierTimeout),
			NewHTMLSearch(htmlClient, cfg.Search.HTMLEndpoint).Source(cfg.Search.TierTimeout),
		},
		MaxSearchResults: cfg.Search.MaxResults,
	})
}

func newClient(baseURL string) *resty.Client {
	c := resty.New().SetTimeout(30 * time.Second)
	if baseURL != "" {
		c.SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	}
	return c
}

// FetchWeather runs the weather chain for loc. Text locations are geocoded
// at most once, and only when a tier needs coordinates.
func (g *Gateway) FetchWeather(ctx context.Context, loc LocationSpec) Result {
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.toolgateway", "toolgateway.fetch_weather")
	defer span.End()

	if !loc.HasCoordinates() && strings.TrimSpace(loc.Text) == "" {
		return unavailable(fmt.Errorf("%w: no location", ErrProviderUnavailable))
	}

	resolver := &lazyLocation{spec: loc, geocoder: g.geocoder}
	tiers := make([]Tier[*Weather], 0, len(g.weather))
	for _, src := range g.weather {
		src := src
		tiers = append(tiers, Tier[*Weather]{
			Name:    src.Name,
			Timeout: src.Timeout,
			Fetch: func(ctx context.Context) (*Weather, error) {
				spec := loc
				if src.NeedsCoordinates {
					resolved, err := resolver.resolve(ctx)
					if err != nil {
						return nil, err
					}
					spec = resolved
				}
				return src.Fetch(ctx, spec)
			},
		})
	}

	out := Chain[*Weather]{Source: SourceWeather, Tiers: tiers, Now: g.now}.Run(ctx)
	if out.Unavailable {
		tracing.FailSpan(span, out.Err)
		return unavailable(out.Err)
	}
	span.SetAttributes(attribute.Int("tier", out.Tier))
	return Result{Value: &ToolResult{
		Source:    SourceWeather,
		Tier:      out.Tier,
		Provider:  out.Provider,
		FetchedAt: out.FetchedAt,
		Weather:   out.Value,
	}}
}

// FetchSearch runs the search chain for query. URLs are deduplicated and
// the list is capped.
func (g *Gateway) FetchSearch(ctx context.Context, query string, sc SearchContext) Result {
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.toolgateway", "toolgateway.fetch_search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return unavailable(fmt.Errorf("%w: empty query", ErrProviderUnavailable))
	}
	limit := sc.MaxResults
	if limit <= 0 || limit > g.maxResults {
		limit = g.maxResults
	}
	sc.MaxResults = limit

	tiers := make([]Tier[[]SearchItem], 0, len(g.search))
	for _, src := range g.search {
		src := src
		tiers = append(tiers, Tier[[]SearchItem]{
			Name:    src.Name,
			Timeout: src.Timeout,
			Fetch: func(ctx context.Context) ([]SearchItem, error) {
				items, err := src.Fetch(ctx, query, sc)
				if err != nil {
					return nil, err
				}
				items = DedupeItems(items, limit)
				if len(items) == 0 {
					return nil, fmt.Errorf("%w: no results", ErrProviderUnavailable)
				}
				return items, nil
			},
		})
	}

	out := Chain[[]SearchItem]{Source: SourceSearch, Tiers: tiers, Now: g.now}.Run(ctx)
	if out.Unavailable {
		tracing.FailSpan(span, out.Err)
		return unavailable(out.Err)
	}
	span.SetAttributes(attribute.Int("tier", out.Tier))
	return Result{Value: &ToolResult{
		Source:    SourceSearch,
		Tier:      out.Tier,
		Provider:  out.Provider,
		FetchedAt: out.FetchedAt,
		Search:    &Search{Query: query, Items: out.Value},
	}}
}

// lazyLocation geocodes on first use and remembers the outcome for the
// rest of the call.
type lazyLocation struct {
	spec     LocationSpec
	geocoder Geocoder

	done     bool
	resolved LocationSpec
	err      error
}

func (l *lazyLocation) resolve(ctx context.Context) (LocationSpec, error) {
	if l.spec.HasCoordinates() {
		return l.spec, nil
	}
	if l.done {
		return l.resolved, l.err
	}

	if l.geocoder == nil {
		l.err = fmt.Errorf("%w: no geocoder configured", ErrProviderUnavailable)
	} else {
		c, err := l.geocoder.Geocode(ctx, l.spec.Text)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			// A tier timeout is not a verdict on the place; let the next
			// tier geocode again.
			return LocationSpec{}, err
		case err != nil:
			l.err = err
		default:
			lat, lon := c.Lat, c.Lon
			l.resolved = LocationSpec{Text: l.spec.Text, Lat: &lat, Lon: &lon}
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Debug().Str("location", l.spec.Text).Str("resolved", c.Name).Msg("location geocoded")
		}
	}
	l.done = true
	return l.resolved, l.err
}
