package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

// Search tier names.
const (
	ProviderTavily     = "tavily"
	ProviderDuckDuckGo = "duckduckgo-html"
)

// SearchSource is one search tier.
type SearchSource struct {
	Name    string
	Timeout time.Duration
	Fetch   func(ctx context.Context, query string, sc SearchContext) ([]SearchItem, error)
}

// Tavily queries the Tavily search API.
type Tavily struct {
	client *resty.Client
	apiKey string
}

// NewTavily creates a Tavily client. The client's base URL must point at
// the API root.
func NewTavily(client *resty.Client, apiKey string) *Tavily {
	return &Tavily{client: client, apiKey: apiKey}
}

// Source returns Tavily as a search tier.
func (t *Tavily) Source(timeout time.Duration) SearchSource {
	return SearchSource{Name: ProviderTavily, Timeout: timeout, Fetch: t.Search}
}

type tavilyRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	TimeRange     string `json:"time_range,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
	IncludeImages bool   `json:"include_images"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements a search tier.
func (t *Tavily) Search(ctx context.Context, query string, sc SearchContext) ([]SearchItem, error) {
	if t.apiKey == "" {
		return nil, fmt.Errorf("%w: tavily api key not configured", ErrProviderUnavailable)
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(t.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(tavilyRequest{
			Query:       query,
			MaxResults:  sc.MaxResults,
			SearchDepth: "basic",
			TimeRange:   sc.TimeRange,
		}).
		Post("/search")
	if err != nil {
		return nil, fmt.Errorf("%w: tavily request failed: %w", ErrProviderUnavailable, err)
	}
	if err := statusError(ProviderTavily, resp); err != nil {
		return nil, err
	}

	var data tavilyResponse
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		return nil, fmt.Errorf("%w: failed to parse tavily response: %w", ErrProviderUnavailable, err)
	}

	items := make([]SearchItem, 0, len(data.Results))
	for _, r := range data.Results {
		items = append(items, SearchItem{
			Title:   strings.TrimSpace(r.Title),
			Snippet: clip(strings.TrimSpace(r.Content), 300),
			URL:     strings.TrimSpace(r.URL),
		})
	}
	return items, nil
}

// HTMLSearch scrapes the DuckDuckGo HTML endpoint.
type HTMLSearch struct {
	client   *resty.Client
	endpoint string
}

// NewHTMLSearch creates a scraper posting to endpoint.
func NewHTMLSearch(client *resty.Client, endpoint string) *HTMLSearch {
	return &HTMLSearch{client: client, endpoint: endpoint}
}

// Source returns the scraper as a search tier.
func (h *HTMLSearch) Source(timeout time.Duration) SearchSource {
	return SearchSource{Name: ProviderDuckDuckGo, Timeout: timeout, Fetch: h.Search}
}

// Search implements a search tier.
func (h *HTMLSearch) Search(ctx context.Context, query string, sc SearchContext) ([]SearchItem, error) {
	resp, err := h.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"q": query}).
		Post(h.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: html search request failed: %w", ErrProviderUnavailable, err)
	}
	if err := statusError(ProviderDuckDuckGo, resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse HTML: %w", ErrProviderUnavailable, err)
	}

	var items []SearchItem
	doc.Find(".result").Each(func(_ int, s *goquery.Selection) {
		link := s.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		target := resolveRedirect(href)
		if target == "" {
			return
		}
		items = append(items, SearchItem{
			Title:   strings.TrimSpace(link.Text()),
			Snippet: clip(strings.TrimSpace(s.Find(".result__snippet").First().Text()), 300),
			URL:     target,
		})
	})
	return items, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
