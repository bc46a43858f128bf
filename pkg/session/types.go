package session

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Profile field names reported by MissingFields.
const (
	FieldLocation = "location"
	FieldCrop     = "crop"
	FieldStage    = "stage"
)

// DefaultLanguage is used until the user picks another.
const DefaultLanguage = "en"

// Session is the durable state of one user's conversation.
type Session struct {
	UserID      string      `json:"user_id"`
	Profile     Profile     `json:"profile"`
	Observation Observation `json:"observation"`
	TurnCount   int         `json:"turn_count"`

	Weather *WeatherSnapshot `json:"weather,omitempty"`
	Search  *SearchSnapshot  `json:"search,omitempty"`
	Schemes *SearchSnapshot  `json:"schemes,omitempty"`
	Market  *SearchSnapshot  `json:"market,omitempty"`

	// LastQuery is the symptom/query text the cached Search was fetched for.
	LastQuery string `json:"last_query,omitempty"`

	PendingClarification bool   `json:"pending_clarification"`
	PendingField         string `json:"pending_field,omitempty"`

	LastAdvisory  *Advisory `json:"last_advisory,omitempty"`
	Escalated     bool      `json:"escalated"`
	DigestEnabled bool      `json:"digest_enabled"`

	Messages  []Message `json:"messages,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is what the user has told us about their farm.
type Profile struct {
	FarmerName string           `json:"farmer_name,omitempty"`
	Crop       string           `json:"crop,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	LandSize   *decimal.Decimal `json:"land_size,omitempty"`
	LandUnit   string           `json:"land_unit,omitempty"`
	Location   Location         `json:"location"`
	Language   string           `json:"language"`
}

// Location is free text, coordinates, or both once text has been resolved.
type Location struct {
	Text string   `json:"text,omitempty"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (l Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

// IsZero reports whether no location is known at all.
func (l Location) IsZero() bool {
	return !l.HasCoordinates() && strings.TrimSpace(l.Text) == ""
}

// Observation holds what the user reported seeing in the field.
type Observation struct {
	Symptoms  []string `json:"symptoms,omitempty"`
	PestsSeen []string `json:"pests_seen,omitempty"`
	Urgency   string   `json:"urgency"` // low, medium, high
	PhotoIDs  []string `json:"photo_ids,omitempty"`
}

// WeatherSnapshot is the normalized subset of a weather fetch.
type WeatherSnapshot struct {
	Summary           string    `json:"summary"`
	TemperatureC      *float64  `json:"temperature,omitempty"`
	PrecipProbability *float64  `json:"precip_probability,omitempty"`
	Humidity          *int      `json:"humidity,omitempty"`
	Alerts            []string  `json:"alerts,omitempty"`
	Provider          string    `json:"provider"`
	Tier              int       `json:"tier"`
	FetchedAt         time.Time `json:"fetched_at"`
	Stale             bool      `json:"stale"`
}

// SearchItem is one normalized search hit.
type SearchItem struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// SearchSnapshot is the normalized subset of a search fetch.
type SearchSnapshot struct {
	Query     string       `json:"query"`
	Items     []SearchItem `json:"items,omitempty"`
	Provider  string       `json:"provider"`
	Tier      int          `json:"tier"`
	FetchedAt time.Time    `json:"fetched_at"`
	Stale     bool         `json:"stale"`
}

// Advisory is the last advisory delivered to the user.
type Advisory struct {
	Summary            string    `json:"summary"`
	Stage              string    `json:"stage,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
	WatchOutFor        []string  `json:"watch_out_for,omitempty"`
	SafetyNotes        []string  `json:"safety_notes,omitempty"`
	RiskFlags          []string  `json:"risk_flags,omitempty"`
	Rationale          string    `json:"rationale,omitempty"`
	Confidence         string    `json:"confidence,omitempty"`
	Escalate           bool      `json:"escalate"`
	Fallback           bool      `json:"fallback"`
	Text               string    `json:"text"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message is one entry of the rolling conversation history.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// New returns the default Session for userID.
func New(userID string) *Session {
	return &Session{
		UserID: userID,
		Profile: Profile{
			Language: DefaultLanguage,
		},
		Observation: Observation{
			Urgency: "low",
		},
	}
}

// MissingFields lists required profile fields that are still unknown, in
// the order they should be asked for.
func (p Profile) MissingFields() []string {
	var missing []string
	if p.Location.IsZero() {
		missing = append(missing, FieldLocation)
	}
	if strings.TrimSpace(p.Crop) == "" {
		missing = append(missing, FieldCrop)
	}
	if strings.TrimSpace(p.Stage) == "" {
		missing = append(missing, FieldStage)
	}
	return missing
}

// AddMessage appends to the history and keeps only the newest limit
// entries. limit <= 0 keeps everything.
func (s *Session) AddMessage(role, content string, at time.Time, limit int) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, At: at.UTC()})
	if limit > 0 && len(s.Messages) > limit {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-limit:]...)
	}
}

// Clone returns a deep copy so a turn can mutate state without touching
// the snapshot it was loaded from.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Profile.LandSize = cloneDecimal(s.Profile.LandSize)
	c.Profile.Location.Lat = cloneFloat(s.Profile.Location.Lat)
	c.Profile.Location.Lon = cloneFloat(s.Profile.Location.Lon)
	c.Observation.Symptoms = cloneStrings(s.Observation.Symptoms)
	c.Observation.PestsSeen = cloneStrings(s.Observation.PestsSeen)
	c.Observation.PhotoIDs = cloneStrings(s.Observation.PhotoIDs)
	c.Weather = s.Weather.clone()
	c.Search = s.Search.clone()
	c.Schemes = s.Schemes.clone()
	c.Market = s.Market.clone()
	c.LastAdvisory = s.LastAdvisory.clone()
	if s.Messages != nil {
		c.Messages = append([]Message(nil), s.Messages...)
	}
	return &c
}

func (w *WeatherSnapshot) clone() *WeatherSnapshot {
	if w == nil {
		return nil
	}
	c := *w
	c.TemperatureC = cloneFloat(w.TemperatureC)
	c.PrecipProbability = cloneFloat(w.PrecipProbability)
	if w.Humidity != nil {
		h := *w.Humidity
		c.Humidity = &h
	}
	c.Alerts = cloneStrings(w.Alerts)
	return &c
}

func (s *SearchSnapshot) clone() *SearchSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Items != nil {
		c.Items = append([]SearchItem(nil), s.Items...)
	}
	return &c
}

func (a *Advisory) clone() *Advisory {
	if a == nil {
		return nil
	}
	c := *a
	c.RecommendedActions = cloneStrings(a.RecommendedActions)
	c.WatchOutFor = cloneStrings(a.WatchOutFor)
	c.SafetyNotes = cloneStrings(a.SafetyNotes)
	c.RiskFlags = cloneStrings(a.RiskFlags)
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	// Decimal values are immutable, so sharing the coefficient is safe.
	v := *d
	return &v
}
