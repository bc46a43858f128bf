package toolgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

// Tier names reported as ToolResult.Provider.
const (
	ProviderOneCall30 = "openweather-onecall-3.0"
	ProviderOneCall25 = "openweather-onecall-2.5"
	ProviderCurrent25 = "openweather-current-2.5"
)

// WeatherSource is one weather tier. Sources that need coordinates get
// text locations geocoded first.
type WeatherSource struct {
	Name             string
	Timeout          time.Duration
	NeedsCoordinates bool
	Fetch            func(ctx context.Context, loc LocationSpec) (*Weather, error)
}

// OpenWeather talks to the OpenWeather APIs.
type OpenWeather struct {
	client *resty.Client
	apiKey string
	units  string
}

// NewOpenWeather creates a client. units is metric, imperial or standard.
func NewOpenWeather(client *resty.Client, apiKey, units string) *OpenWeather {
	if units == "" {
		units = "metric"
	}
	return &OpenWeather{client: client, apiKey: apiKey, units: units}
}

// Sources returns the three weather tiers in fallback order.
func (o *OpenWeather) Sources(timeout time.Duration) []WeatherSource {
	return []WeatherSource{
		{Name: ProviderOneCall30, Timeout: timeout, NeedsCoordinates: true, Fetch: o.oneCall("/data/3.0/onecall")},
		{Name: ProviderOneCall25, Timeout: timeout, NeedsCoordinates: true, Fetch: o.oneCall("/data/2.5/onecall")},
		{Name: ProviderCurrent25, Timeout: timeout, Fetch: o.current},
	}
}

type owCondition struct {
	Description string `json:"description"`
}

type owOneCall struct {
	Current struct {
		Temp     *float64      `json:"temp"`
		Humidity *int          `json:"humidity"`
		Weather  []owCondition `json:"weather"`
	} `json:"current"`
	Daily []struct {
		Pop     *float64      `json:"pop"`
		Weather []owCondition `json:"weather"`
	} `json:"daily"`
	Hourly []struct {
		Pop *float64 `json:"pop"`
	} `json:"hourly"`
	Alerts []struct {
		SenderName string `json:"sender_name"`
		Event      string `json:"event"`
	} `json:"alerts"`
}

type owCurrent struct {
	Name string `json:"name"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *int     `json:"humidity"`
	} `json:"main"`
	Weather []owCondition `json:"weather"`
}

func (o *OpenWeather) oneCall(path string) func(ctx context.Context, loc LocationSpec) (*Weather, error) {
	return func(ctx context.Context, loc LocationSpec) (*Weather, error) {
		if !loc.HasCoordinates() {
			return nil, fmt.Errorf("%w: coordinates required", ErrProviderUnavailable)
		}
		body, err := o.get(ctx, path, map[string]string{
			"lat":     formatCoord(*loc.Lat),
			"lon":     formatCoord(*loc.Lon),
			"exclude": "minutely",
		})
		if err != nil {
			return nil, err
		}

		var data owOneCall
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("%w: failed to parse one call response: %w", ErrProviderUnavailable, err)
		}
		if data.Current.Temp == nil && len(data.Current.Weather) == 0 {
			return nil, fmt.Errorf("%w: one call response has no current conditions", ErrProviderUnavailable)
		}

		w := &Weather{
			TemperatureC: o.celsius(data.Current.Temp),
			Humidity:     data.Current.Humidity,
			Place:        loc.Text,
		}
		var today string
		if len(data.Daily) > 0 {
			w.PrecipProbability = data.Daily[0].Pop
			if len(data.Daily[0].Weather) > 0 {
				today = data.Daily[0].Weather[0].Description
			}
		}
		if w.PrecipProbability == nil && len(data.Hourly) > 0 {
			w.PrecipProbability = data.Hourly[0].Pop
		}
		for i, a := range data.Alerts {
			if i == 3 {
				break
			}
			if a.Event == "" {
				continue
			}
			alert := a.Event
			if a.SenderName != "" {
				alert += " (" + a.SenderName + ")"
			}
			w.Alerts = append(w.Alerts, alert)
		}
		w.Summary = summarize(firstDescription(data.Current.Weather), w.TemperatureC, today)
		return w, nil
	}
}

func (o *OpenWeather) current(ctx context.Context, loc LocationSpec) (*Weather, error) {
	params := map[string]string{}
	switch {
	case loc.HasCoordinates():
		params["lat"] = formatCoord(*loc.Lat)
		params["lon"] = formatCoord(*loc.Lon)
	case strings.TrimSpace(loc.Text) != "":
		params["q"] = strings.TrimSpace(loc.Text)
	default:
		return nil, fmt.Errorf("%w: no location", ErrProviderUnavailable)
	}

	body, err := o.get(ctx, "/data/2.5/weather", params)
	if err != nil {
		return nil, err
	}
	var data owCurrent
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: failed to parse current weather response: %w", ErrProviderUnavailable, err)
	}

	w := &Weather{
		TemperatureC: o.celsius(data.Main.Temp),
		Humidity:     data.Main.Humidity,
		Place:        data.Name,
	}
	w.Summary = summarize(firstDescription(data.Weather), w.TemperatureC, "")
	return w, nil
}

func (o *OpenWeather) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if o.apiKey == "" {
		return nil, fmt.Errorf("%w: openweather api key not configured", ErrProviderUnavailable)
	}
	params["appid"] = o.apiKey
	params["units"] = o.units

	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: request to %s failed: %w", ErrProviderUnavailable, path, err)
	}
	if err := statusError(path, resp); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// celsius converts a temperature in the configured units.
func (o *OpenWeather) celsius(t *float64) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	switch o.units {
	case "imperial":
		v = (v - 32) * 5 / 9
	case "standard":
		v -= 273.15
	}
	return &v
}

func firstDescription(cs []owCondition) string {
	if len(cs) == 0 {
		return ""
	}
	return strings.TrimSpace(cs[0].Description)
}

func summarize(desc string, tempC *float64, today string) string {
	var parts []string
	if desc != "" {
		r, size := utf8.DecodeRuneInString(desc)
		parts = append(parts, string(unicode.ToUpper(r))+desc[size:])
	}
	if tempC != nil {
		parts = append(parts, strconv.FormatFloat(*tempC, 'f', 0, 64)+"°C")
	}
	if today != "" && !strings.EqualFold(today, desc) {
		parts = append(parts, "Today: "+today)
	}
	if len(parts) == 0 {
		return "Weather data available."
	}
	return strings.Join(parts, " • ")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
