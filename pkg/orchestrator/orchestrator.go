package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/harun/cropadvisor/pkg/schema"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "cropadvisor.orchestrator"

// Turn outcomes reported to metrics.
const (
	outcomeMalformed  = "malformed"
	outcomeCommand    = "command"
	outcomeCollecting = "collecting"
	outcomeAdvisory   = "advisory"
	outcomeEscalated  = "escalated"
	outcomeRefused    = "refused"
	outcomeFallback   = "fallback"
	outcomeTopic      = "topic"
	outcomeAbandoned  = "abandoned"
	outcomeLoadFailed = "load_failed"
)

// Orchestrator drives one turn at a time for a user. It keeps no session
// state between calls; callers serialize turns per user (see Service).
type Orchestrator struct {
	store     session.Store
	model     Model
	tools     Tools
	validator *schema.Validator
	guard     *guardrail.Engine
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithConfig sets turn policy. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg.withDefaults()
	}
}

// WithGuardrail sets the policy engine.
func WithGuardrail(engine *guardrail.Engine) Option {
	return func(o *Orchestrator) {
		o.guard = engine
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an Orchestrator.
func New(store session.Store, model Model, tools Tools, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		model:     model,
		tools:     tools,
		validator: schema.MustNewValidator(),
		cfg:       DefaultConfig(),
		now:       time.Now,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guard == nil {
		o.guard = guardrail.NewEngine(nil, guardrail.DefaultConfig())
	}
	return o
}

// turn is the working state of one HandleEvent call.
type turn struct {
	ev      Event
	s       *session.Session
	in      intake
	state   State
	log     zerolog.Logger
	outcome string

	// unavailable names sources that had neither fresh nor cached data.
	unavailable []string
	buy         *buyResult
	cropReco    []session.SearchItem
}

func (t *turn) lang() string {
	return t.s.Profile.Language
}

func (t *turn) enter(state State) {
	if t.state == state {
		return
	}
	t.log.Debug().Str("from", string(t.state)).Str("to", string(state)).Msg("state transition")
	observability.RecordStateEntry(string(state))
	t.state = state
}

// HandleEvent runs one turn. The error is ErrMalformedEvent for events
// rejected at the boundary, in which case the Response still asks the user
// to try again, or the context error when the turn was abandoned before
// anything was written.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (Response, error) {
	start := time.Now()
	if err := validateEvent(ev); err != nil {
		observability.RecordTurn(outcomeMalformed, time.Since(start))
		o.logger.Debug().Str("user_id", ev.UserID).Err(err).Msg("rejected event")
		return Response{Text: ui(session.DefaultLanguage, "malformed")}, err
	}

	if tracing.GetTurnID(ctx) == "" {
		ctx = tracing.NewTurnContext(ctx, ev.UserID)
	}
	if ev.ID != "" {
		ctx = tracing.WithEventID(ctx, ev.ID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.turn",
		attribute.String("user_id", ev.UserID),
		attribute.String("kind", string(ev.Kind)),
	)
	defer span.End()

	t := &turn{
		ev:    ev,
		state: StateIdle,
		log:   tracing.LoggerFromContext(ctx, o.logger).With().Str("kind", string(ev.Kind)).Logger(),
	}
	observability.RecordStateEntry(string(StateIdle))

	loaded, err := o.store.Load(ctx, ev.UserID)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to load session")
		tracing.FailSpan(span, err)
		observability.RecordTurn(outcomeLoadFailed, time.Since(start))
		return Response{Text: ui(session.DefaultLanguage, "err_generic")}, nil
	}
	// Work on a copy so an abandoned turn leaves nothing behind.
	t.s = loaded.Clone()

	resp, err := o.run(ctx, t)
	if err != nil {
		tracing.FailSpan(span, err)
		t.outcome = outcomeAbandoned
	}
	span.SetAttributes(attribute.String("outcome", t.outcome))
	observability.RecordTurn(t.outcome, time.Since(start))
	t.log.Info().Str("outcome", t.outcome).Dur("duration", time.Since(start)).Msg("turn completed")
	t.enter(StateIdle)
	return resp, err
}

func validateEvent(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Kind == EventButton && !knownAction(ev.Action) && !isCommand(ev.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, ev.Action)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, t *turn) (Response, error) {
	if cmd := commandOf(t.ev); cmd != "" {
		t.outcome = outcomeCommand
		return o.handleCommand(ctx, t, cmd)
	}

	now := o.now()
	t.s.TurnCount++
	t.s.AddMessage("user", historyText(t.ev), now, o.cfg.HistoryLimit)
	t.in = applyEvent(t.s, t.ev)

	var resp Response
	switch {
	case t.in.langChanged:
		t.outcome = outcomeCommand
		resp = Response{Text: ui(t.lang(), "lang_saved") + "\n" + ui(t.lang(), "intro_body")}
	case t.in.action == ActionSymptoms:
		t.outcome = outcomeCommand
		resp = Response{Text: ui(t.lang(), "ask_symptoms")}
	case t.in.action == ActionBuy:
		resp = o.buyTurn(ctx, t)
	case t.in.action == ActionSchemes || t.in.action == ActionMarket:
		resp = o.topicTurn(ctx, t)
	case t.in.action == ActionCropReco:
		resp = o.cropRecoTurn(ctx, t)
	default:
		resp = o.adviceTurn(ctx, t)
	}

	if resp.Buttons == nil {
		resp.Buttons = standardButtons(t.lang())
	}
	t.s.AddMessage("assistant", resp.Text, o.now(), o.cfg.HistoryLimit)

	if err := o.commit(ctx, t); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// collect asks for the first missing profile field. It reports false when
// nothing is missing.
func (o *Orchestrator) collect(t *turn, required ...string) (Response, bool) {
	missing := t.s.Profile.MissingFields()
	if len(required) > 0 {
		missing = filterFields(missing, required)
	}
	if len(missing) == 0 {
		t.s.PendingClarification = false
		t.s.PendingField = ""
		return Response{}, false
	}

	t.enter(StateCollecting)
	field := missing[0]
	t.s.PendingClarification = true
	t.s.PendingField = field
	t.outcome = outcomeCollecting
	t.log.Debug().Str("field", field).Msg("asking for missing field")
	return Response{Text: ui(t.lang(), "ask_"+field)}, true
}

func filterFields(missing, required []string) []string {
	var out []string
	for _, m := range missing {
		for _, r := range required {
			if m == r {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (o *Orchestrator) adviceTurn(ctx context.Context, t *turn) Response {
	if resp, asked := o.collect(t); asked {
		return resp
	}

	digest := t.in.action == ActionDigest
	o.fetch(ctx, t, fetchPlan{
		weather: true,
		search:  true,
		schemes: digest,
		market:  digest,
	})

	draft, dec := o.advise(ctx, t, taskAdvice)
	return o.finish(ctx, t, draft, dec, digest)
}

func (o *Orchestrator) cropRecoTurn(ctx context.Context, t *turn) Response {
	if resp, asked := o.collect(t, session.FieldLocation); asked {
		return resp
	}
	o.fetch(ctx, t, fetchPlan{weather: true, cropReco: true})
	draft, dec := o.advise(ctx, t, taskCropReco)
	return o.finish(ctx, t, draft, dec, false)
}

func (o *Orchestrator) topicTurn(ctx context.Context, t *turn) Response {
	if resp, asked := o.collect(t, session.FieldLocation); asked {
		return resp
	}
	schemes := t.in.action == ActionSchemes
	o.fetch(ctx, t, fetchPlan{schemes: schemes, market: !schemes})
	t.outcome = outcomeTopic
	if schemes {
		return Response{Text: renderTopic(t.lang(), t.s, t.s.Schemes, "sec_schemes", "schemes_fail", "")}
	}
	return Response{Text: renderTopic(t.lang(), t.s, t.s.Market, "sec_market", "market_fail", "market_note")}
}

func (o *Orchestrator) buyTurn(ctx context.Context, t *turn) Response {
	t.outcome = outcomeTopic
	if strings.TrimSpace(t.s.Profile.Crop) == "" {
		return Response{Text: ui(t.lang(), "buy_crop")}
	}
	if t.s.Profile.Location.IsZero() {
		return Response{Text: ui(t.lang(), "buy_location")}
	}
	o.fetch(ctx, t, fetchPlan{buy: true})
	return Response{Text: renderBuy(t.lang(), t.s, t.buy)}
}

// finish applies the guardrail decision and records the advisory.
func (o *Orchestrator) finish(ctx context.Context, t *turn, draft *schema.AdvisoryDraft, dec guardrail.Decision, digest bool) Response {
	fallback := draft == nil
	if fallback {
		draft = schema.GenericFallback(schema.Stage(t.s.Profile.Stage))
	}

	resp := Response{}
	switch dec.Outcome {
	case guardrail.OutcomeBlock:
		t.outcome = outcomeRefused
		observability.RecordPolicyAudit(ctx, t.s.UserID, string(dec.Outcome), dec.RuleID, dec.Reason)
		t.log.Warn().Str("rule_id", dec.RuleID).Str("reason", dec.Reason).Msg("advisory blocked")
	case guardrail.OutcomeEscalate:
		t.outcome = outcomeEscalated
		t.s.Escalated = true
		draft.Escalate = true
		resp.EscalationNotice = ui(t.lang(), "escalation")
		observability.RecordPolicyAudit(ctx, t.s.UserID, string(dec.Outcome), dec.RuleID, dec.Reason)
		t.log.Warn().Str("rule_id", dec.RuleID).Int("severity", dec.Severity).Str("reason", dec.Reason).Msg("advisory escalated")
	default:
		t.outcome = outcomeAdvisory
	}
	if fallback && dec.Outcome != guardrail.OutcomeBlock {
		t.outcome = outcomeFallback
	}

	resp.Text = renderAdvisory(t.lang(), t.s, draft, renderOptions{
		digest:      digest,
		unavailable: len(t.unavailable) > 0,
	})
	t.s.LastAdvisory = toAdvisory(draft, resp.Text, fallback, o.now())
	return resp
}

// commit writes the whole session unless the turn was cancelled. A failed
// write is logged and counted but does not fail the turn.
func (o *Orchestrator) commit(ctx context.Context, t *turn) error {
	t.enter(StateCommitting)
	if err := ctx.Err(); err != nil {
		t.log.Info().Err(err).Msg("turn cancelled before commit, discarding")
		return err
	}
	o.save(ctx, t)
	return nil
}

func toAdvisory(d *schema.AdvisoryDraft, text string, fallback bool, now time.Time) *session.Advisory {
	return &session.Advisory{
		Summary:            d.Summary,
		Stage:              string(d.Stage),
		RecommendedActions: d.RecommendedActions,
		WatchOutFor:        d.WatchOutFor,
		SafetyNotes:        d.SafetyNotes,
		RiskFlags:          nilIfEmpty(d.RiskFlags),
		Rationale:          d.Rationale,
		Confidence:         d.Confidence,
		Escalate:           d.Escalate,
		Fallback:           fallback,
		Text:               text,
		CreatedAt:          now.UTC(),
	}
}

func nilIfEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}

func historyText(ev Event) string {
	switch ev.Kind {
	case EventLocation:
		return "[location] " + formatCoords(*ev.Lat, *ev.Lon)
	case EventPhoto:
		return strings.TrimSpace("[photo] " + ev.Text)
	case EventButton:
		return ev.Action
	}
	return strings.TrimSpace(ev.Text)
}
