package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/harun/cropadvisor/pkg/agent"
	"github.com/harun/cropadvisor/pkg/toolgateway"
)

// ErrMalformedEvent is returned for events rejected before the state
// machine runs.
var ErrMalformedEvent = errors.New("malformed event")

// EventKind is the type of inbound event.
type EventKind string

const (
	EventText     EventKind = "text"
	EventLocation EventKind = "location"
	EventPhoto    EventKind = "photo"
	EventButton   EventKind = "button"
)

// Button payloads understood by the orchestrator.
const (
	ActionPrefix        = "__ACTION__:"
	ActionSchemes       = ActionPrefix + "SCHEMES"
	ActionMarket        = ActionPrefix + "MARKET"
	ActionDigest        = ActionPrefix + "DIGEST"
	ActionCropReco      = ActionPrefix + "CROP_RECO"
	ActionBuy           = ActionPrefix + "BUY"
	ActionSymptoms      = ActionPrefix + "SYMPTOMS"
	ActionSetLangPrefix = ActionPrefix + "SET_LANG:"
	StageButtonPrefix   = "stage:"
)

// Event is one inbound message from a user.
type Event struct {
	// ID identifies the event for deduplication. Optional.
	ID     string
	UserID string
	Kind   EventKind

	Text string
	Lat  *float64
	Lon  *float64

	// Action is the button payload for button events.
	Action string

	PhotoFileID string
}

// Validate checks that the event carries the payload its kind needs.
func (e Event) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrMalformedEvent)
	}
	switch e.Kind {
	case EventText:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrMalformedEvent)
		}
	case EventLocation:
		if e.Lat == nil || e.Lon == nil {
			return fmt.Errorf("%w: location without coordinates", ErrMalformedEvent)
		}
		if !validCoord(*e.Lat, 90) || !validCoord(*e.Lon, 180) {
			return fmt.Errorf("%w: coordinates out of range", ErrMalformedEvent)
		}
	case EventPhoto:
		if strings.TrimSpace(e.PhotoFileID) == "" {
			return fmt.Errorf("%w: photo without file id", ErrMalformedEvent)
		}
	case EventButton:
		if strings.TrimSpace(e.Action) == "" {
			return fmt.Errorf("%w: button without action", ErrMalformedEvent)
		}
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

func validCoord(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

// Button is one quick-reply option offered with a response.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Response is what the user sees for one turn.
type Response struct {
	Text             string   `json:"text"`
	Buttons          []Button `json:"buttons,omitempty"`
	EscalationNotice string   `json:"escalation_notice,omitempty"`
}

// State is a step of the per-turn state machine.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateFetching   State = "fetching"
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateCommitting State = "committing"
)

// Model produces raw advisory text. *agent.Runner satisfies it.
type Model interface {
	Call(ctx context.Context, request agent.Request) (*agent.Response, error)
}

// Tools fetches external data. *toolgateway.Gateway satisfies it.
type Tools interface {
	FetchWeather(ctx context.Context, loc toolgateway.LocationSpec) toolgateway.Result
	FetchSearch(ctx context.Context, query string, sc toolgateway.SearchContext) toolgateway.Result
}
