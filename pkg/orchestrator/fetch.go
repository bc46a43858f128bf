package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/harun/cropadvisor/pkg/toolgateway"
	"golang.org/x/sync/errgroup"
)

// Source names used in data-unavailable markers.
const (
	sourceWeather  = "weather"
	sourceSearch   = "search"
	sourceSchemes  = "schemes"
	sourceMarket   = "market"
	sourceBuy      = "buy"
	sourceCropReco = "crop_reco"
)

const (
	buyPerQuery = 3
	buyMaxItems = 8
)

// fetchPlan lists the sources a turn wants.
type fetchPlan struct {
	weather  bool
	search   bool
	schemes  bool
	market   bool
	buy      bool
	cropReco bool
}

// buyResult groups purchase links by input category.
type buyResult struct {
	Query      string
	Categories []buyCategory
}

type buyCategory struct {
	Key   string
	Items []session.SearchItem
}

// fetch refreshes stale sources concurrently and folds the results into
// the turn's session. It never fails: missing data becomes a marker.
func (o *Orchestrator) fetch(ctx context.Context, t *turn, plan fetchPlan) {
	t.enter(StateFetching)
	now := o.now()
	s := t.s
	loc := locationSpec(s.Profile.Location)

	var (
		g                       errgroup.Group
		weather, search         toolgateway.Result
		schemes, market         toolgateway.Result
		buy                     [3]toolgateway.Result
		reco                    [2]toolgateway.Result
		doWeather, doSearch     bool
		doSchemes, doMarket     bool
		query                   = searchQuery(s)
		schemesQ, marketQ       = schemesQuery(s), marketQuery(s)
		buyQueries, recoQueries = buyQueryList(s), cropRecoQueries(s)
	)

	if plan.weather && stale(weatherTime(s.Weather), weatherIsStale(s.Weather), now, o.cfg.WeatherStaleAfter) {
		doWeather = true
		g.Go(func() error {
			weather = o.tools.FetchWeather(ctx, loc)
			return nil
		})
	}
	if plan.search && (query != s.LastQuery || stale(searchTime(s.Search), searchIsStale(s.Search), now, o.cfg.SearchStaleAfter)) {
		doSearch = true
		g.Go(func() error {
			search = o.tools.FetchSearch(ctx, query, toolgateway.SearchContext{TimeRange: "month"})
			return nil
		})
	}
	if plan.schemes && (snapshotQuery(s.Schemes) != schemesQ || stale(searchTime(s.Schemes), searchIsStale(s.Schemes), now, o.cfg.SchemesStaleAfter)) {
		doSchemes = true
		g.Go(func() error {
			schemes = o.tools.FetchSearch(ctx, schemesQ, toolgateway.SearchContext{TimeRange: "year"})
			return nil
		})
	}
	if plan.market && (snapshotQuery(s.Market) != marketQ || stale(searchTime(s.Market), searchIsStale(s.Market), now, o.cfg.MarketStaleAfter)) {
		doMarket = true
		g.Go(func() error {
			market = o.tools.FetchSearch(ctx, marketQ, toolgateway.SearchContext{TimeRange: "week"})
			return nil
		})
	}
	if plan.buy {
		for i, q := range buyQueries {
			g.Go(func() error {
				buy[i] = o.tools.FetchSearch(ctx, q, toolgateway.SearchContext{TimeRange: "month", MaxResults: buyPerQuery})
				return nil
			})
		}
	}
	if plan.cropReco {
		for i, q := range recoQueries {
			g.Go(func() error {
				reco[i] = o.tools.FetchSearch(ctx, q, toolgateway.SearchContext{TimeRange: "year"})
				return nil
			})
		}
	}
	_ = g.Wait()

	if doWeather {
		t.foldWeather(weather)
	}
	if doSearch {
		if t.foldSearch(sourceSearch, &s.Search, search) {
			s.LastQuery = query
		}
	}
	if doSchemes {
		t.foldSearch(sourceSchemes, &s.Schemes, schemes)
	}
	if doMarket {
		t.foldSearch(sourceMarket, &s.Market, market)
	}
	if plan.buy {
		t.buy = mergeBuy(s, buy)
		if len(t.buy.Categories) == 0 {
			t.markUnavailable(sourceBuy, nil)
		}
	}
	if plan.cropReco {
		var items []toolgateway.SearchItem
		for _, r := range reco {
			if r.Value != nil && r.Value.Search != nil {
				items = append(items, r.Value.Search.Items...)
			}
		}
		t.cropReco = toSessionItems(toolgateway.DedupeItems(items, 6))
		if len(t.cropReco) == 0 {
			t.markUnavailable(sourceCropReco, nil)
		}
	}
}

func (t *turn) foldWeather(r toolgateway.Result) {
	s := t.s
	if r.Value == nil || r.Value.Weather == nil {
		if s.Weather != nil {
			s.Weather.Stale = true
			t.log.Warn().Err(r.Err).Msg("weather unavailable, reusing cached snapshot")
			return
		}
		t.markUnavailable(sourceWeather, r.Err)
		return
	}
	w := r.Value.Weather
	s.Weather = &session.WeatherSnapshot{
		Summary:           w.Summary,
		TemperatureC:      w.TemperatureC,
		PrecipProbability: w.PrecipProbability,
		Humidity:          w.Humidity,
		Alerts:            w.Alerts,
		Provider:          r.Value.Provider,
		Tier:              r.Value.Tier,
		FetchedAt:         r.Value.FetchedAt.UTC(),
	}
	if s.Profile.Location.Text == "" && w.Place != "" {
		s.Profile.Location.Text = w.Place
	}
	t.log.Debug().Int("tier", r.Value.Tier).Str("provider", r.Value.Provider).Msg("weather refreshed")
}

// foldSearch stores a fresh search result in *dst, or marks the cached one
// stale. It reports whether fresh data arrived.
func (t *turn) foldSearch(source string, dst **session.SearchSnapshot, r toolgateway.Result) bool {
	if r.Value == nil || r.Value.Search == nil {
		if *dst != nil {
			(*dst).Stale = true
			t.log.Warn().Str("source", source).Err(r.Err).Msg("search unavailable, reusing cached snippets")
			return false
		}
		t.markUnavailable(source, r.Err)
		return false
	}
	*dst = &session.SearchSnapshot{
		Query:     r.Value.Search.Query,
		Items:     toSessionItems(r.Value.Search.Items),
		Provider:  r.Value.Provider,
		Tier:      r.Value.Tier,
		FetchedAt: r.Value.FetchedAt.UTC(),
	}
	return true
}

func (t *turn) markUnavailable(source string, err error) {
	for _, u := range t.unavailable {
		if u == source {
			return
		}
	}
	t.unavailable = append(t.unavailable, source)
	observability.RecordToolUnavailable(source)
	t.log.Warn().Str("source", source).Err(err).Msg("no data available")
}

// mergeBuy keeps the top hits per category with URLs unique across
// categories.
func mergeBuy(s *session.Session, results [3]toolgateway.Result) *buyResult {
	keys := [3]string{"sec_seeds", "sec_fert", "sec_protect"}
	out := &buyResult{Query: collapse("buy inputs " + s.Profile.Crop + " " + locationLabel(s.Profile.Location))}
	seen := make(map[string]bool)
	total := 0
	for i, r := range results {
		if r.Value == nil || r.Value.Search == nil {
			continue
		}
		cat := buyCategory{Key: keys[i]}
		for _, item := range r.Value.Search.Items {
			if len(cat.Items) == buyPerQuery || total == buyMaxItems {
				break
			}
			key := strings.ToLower(strings.TrimRight(item.URL, "/"))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			total++
			cat.Items = append(cat.Items, session.SearchItem{Title: item.Title, Snippet: item.Snippet, URL: item.URL})
		}
		if len(cat.Items) > 0 {
			out.Categories = append(out.Categories, cat)
		}
	}
	return out
}

func toSessionItems(items []toolgateway.SearchItem) []session.SearchItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]session.SearchItem, len(items))
	for i, it := range items {
		out[i] = session.SearchItem{Title: it.Title, Snippet: it.Snippet, URL: it.URL}
	}
	return out
}

func locationSpec(l session.Location) toolgateway.LocationSpec {
	return toolgateway.LocationSpec{Text: l.Text, Lat: l.Lat, Lon: l.Lon}
}

// locationLabel names the place for search queries.
func locationLabel(l session.Location) string {
	if t := strings.TrimSpace(l.Text); t != "" {
		return t
	}
	if l.HasCoordinates() {
		return formatCoords(*l.Lat, *l.Lon)
	}
	return ""
}

func formatCoords(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lon)
}

func searchQuery(s *session.Session) string {
	p := s.Profile
	loc := locationLabel(p.Location)
	if p.Crop == "" {
		return collapse("best farming practices " + loc + " seasonal crops kharif rabi soil pH")
	}
	// The newest symptoms keep the query moving as the farmer reports more.
	symptoms := s.Observation.Symptoms
	if len(symptoms) > 2 {
		symptoms = symptoms[len(symptoms)-2:]
	}
	return collapse(fmt.Sprintf("%s %s symptoms %s best practice %s", p.Crop, p.Stage, strings.Join(symptoms, ", "), loc))
}

func schemesQuery(s *session.Session) string {
	return collapse(fmt.Sprintf("site:gov.in farmer scheme %s %s", strings.ToLower(s.Profile.Crop), locationLabel(s.Profile.Location)))
}

func marketQuery(s *session.Session) string {
	crop := strings.ToLower(s.Profile.Crop)
	if crop == "" {
		crop = "crop"
	}
	return collapse(fmt.Sprintf("%s mandi price today %s APMC", crop, locationLabel(s.Profile.Location)))
}

func buyQueryList(s *session.Session) [3]string {
	c := strings.ToLower(s.Profile.Crop)
	loc := locationLabel(s.Profile.Location)
	return [3]string{
		collapse(fmt.Sprintf("buy %s seeds online India %s", c, loc)),
		collapse(fmt.Sprintf("best fertilizer for %s buy online India %s", c, loc)),
		collapse(fmt.Sprintf("bio pesticide for %s buy online India %s", c, loc)),
	}
}

func cropRecoQueries(s *session.Session) [2]string {
	loc := locationLabel(s.Profile.Location)
	return [2]string{
		collapse("typical soil pH in " + loc + " agriculture"),
		collapse("best crops suitable for climate in " + loc + " India"),
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stale reports whether a cached value fetched at fetchedAt needs a refresh.
func stale(fetchedAt time.Time, markedStale bool, now time.Time, maxAge time.Duration) bool {
	return fetchedAt.IsZero() || markedStale || now.Sub(fetchedAt) > maxAge
}

func weatherTime(w *session.WeatherSnapshot) time.Time {
	if w == nil {
		return time.Time{}
	}
	return w.FetchedAt
}

func weatherIsStale(w *session.WeatherSnapshot) bool {
	return w != nil && w.Stale
}

func searchTime(s *session.SearchSnapshot) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.FetchedAt
}

func searchIsStale(s *session.SearchSnapshot) bool {
	return s != nil && s.Stale
}

func snapshotQuery(s *session.SearchSnapshot) string {
	if s == nil {
		return ""
	}
	return s.Query
}
