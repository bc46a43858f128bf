package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/harun/cropadvisor/pkg/agent"
	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/harun/cropadvisor/pkg/schema"
	"github.com/harun/cropadvisor/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

type task string

const (
	taskAdvice   task = "advice"
	taskCropReco task = "crop_recommendation"
)

var taskInstructions = map[task]string{
	taskAdvice: "Give practical advice for the farmer's crop and stage using the context. " +
		"Address reported symptoms first.",
	taskCropReco: "The farmer has not chosen a crop. Recommend 3-5 crops suited to the location, soil and season " +
		"as recommended_actions, one crop per item with a short reason. Use stage \"sowing\".",
}

// systemPrompt embeds the contract so every provider sees the same rules.
func systemPrompt(lang string, tk task) string {
	var b strings.Builder
	b.WriteString("You are a careful farm advisor for smallholder farmers.\n")
	b.WriteString("Return ONLY one JSON object that satisfies this JSON schema:\n")
	b.WriteString(schema.ContractSchema)
	b.WriteString("\nRules:\n")
	b.WriteString("- recommended_actions: 3-5 short steps; watch_out_for: 2-3; safety_notes: 0-2; rationale under 220 characters.\n")
	b.WriteString("- Never give pesticide or fertilizer doses, mixing ratios or per-litre amounts. Tell the farmer to follow the product label.\n")
	b.WriteString("- Never promise yields or guaranteed results.\n")
	b.WriteString("- Set escalate to true for severe or fast-spreading damage, poisoning or toxic exposure.\n")
	b.WriteString("- When the context lists data_unavailable, say the advice is general and lower confidence.\n")
	b.WriteString("- " + taskInstructions[tk] + "\n")
	fmt.Fprintf(&b, "Write all text values in %s. Keep JSON keys in English.", languageName(lang))
	return b.String()
}

// promptBundle is the context the model sees for one turn.
type promptBundle struct {
	Task            string               `json:"task"`
	Profile         promptProfile        `json:"profile"`
	Observation     promptObservation    `json:"observation"`
	Weather         *promptWeather       `json:"weather,omitempty"`
	Web             []string             `json:"web,omitempty"`
	Schemes         []string             `json:"schemes,omitempty"`
	Market          []string             `json:"market,omitempty"`
	CropReco        []string             `json:"crop_reco_context,omitempty"`
	PriorAdvisory   *promptPriorAdvisory `json:"prior_advisory,omitempty"`
	DataUnavailable []string             `json:"data_unavailable,omitempty"`
	StaleData       []string             `json:"stale_data,omitempty"`
}

type promptProfile struct {
	FarmerName string `json:"farmer_name,omitempty"`
	Crop       string `json:"crop,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Land       string `json:"land,omitempty"`
	Location   string `json:"location,omitempty"`
}

type promptObservation struct {
	Symptoms  []string `json:"symptoms,omitempty"`
	PestsSeen []string `json:"pests_seen,omitempty"`
	Urgency   string   `json:"urgency,omitempty"`
	Photos    int      `json:"photos,omitempty"`
}

type promptWeather struct {
	Summary string   `json:"summary"`
	Alerts  []string `json:"alerts,omitempty"`
}

type promptPriorAdvisory struct {
	Summary string   `json:"summary"`
	Actions []string `json:"recommended_actions,omitempty"`
}

func buildBundle(t *turn, tk task, digest bool) promptBundle {
	s := t.s
	b := promptBundle{
		Task: string(tk),
		Profile: promptProfile{
			FarmerName: s.Profile.FarmerName,
			Crop:       s.Profile.Crop,
			Stage:      s.Profile.Stage,
			Land:       formatLand(s.Profile),
			Location:   locationLabel(s.Profile.Location),
		},
		Observation: promptObservation{
			Symptoms:  s.Observation.Symptoms,
			PestsSeen: s.Observation.PestsSeen,
			Urgency:   s.Observation.Urgency,
			Photos:    len(s.Observation.PhotoIDs),
		},
		DataUnavailable: t.unavailable,
	}
	if s.Weather != nil {
		b.Weather = &promptWeather{Summary: s.Weather.Summary, Alerts: firstN(s.Weather.Alerts, 2)}
		if s.Weather.Stale {
			b.StaleData = append(b.StaleData, sourceWeather)
		}
	}
	if s.Search != nil {
		b.Web = snippets(s.Search.Items, 3)
		if s.Search.Stale {
			b.StaleData = append(b.StaleData, sourceSearch)
		}
	}
	if digest {
		if s.Schemes != nil {
			b.Schemes = snippets(s.Schemes.Items, 2)
		}
		if s.Market != nil {
			b.Market = snippets(s.Market.Items, 2)
		}
	}
	if len(t.cropReco) > 0 {
		b.CropReco = snippets(t.cropReco, 4)
	}
	if a := s.LastAdvisory; a != nil && !a.Fallback {
		b.PriorAdvisory = &promptPriorAdvisory{Summary: a.Summary, Actions: firstN(a.RecommendedActions, 3)}
	}
	return b
}

func snippets(items []session.SearchItem, n int) []string {
	var out []string
	for _, it := range items {
		if len(out) == n {
			break
		}
		text := it.Snippet
		if it.Title != "" && text != "" {
			text = it.Title + ": " + text
		} else if text == "" {
			text = it.Title
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

func firstN(v []string, n int) []string {
	if len(v) > n {
		return v[:n]
	}
	return v
}

// advise runs the generate/validate loop. A nil draft means every attempt
// failed and the caller should use the generic fallback. A block decision
// returns the refusal draft immediately.
func (o *Orchestrator) advise(ctx context.Context, t *turn, tk task) (*schema.AdvisoryDraft, guardrail.Decision) {
	digest := t.in.action == ActionDigest
	bundle, err := json.MarshalIndent(buildBundle(t, tk, digest), "", "  ")
	if err != nil {
		t.log.Error().Err(err).Msg("failed to encode prompt context")
		return nil, guardrail.Decision{Outcome: guardrail.OutcomePass}
	}

	req := agent.Request{
		SystemPrompt: systemPrompt(t.lang(), tk),
		Messages:     []agent.Message{{Role: "user", Content: "Context:\n" + string(bundle)}},
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
	opts := guardrail.CheckOptions{DataUnavailable: len(t.unavailable) > 0}

	// An escalation seen on a rejected draft still applies to whatever the
	// user finally receives.
	var escalation *guardrail.Decision

	for attempt := 1; attempt <= o.cfg.MaxValidationAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		t.enter(StateGenerating)
		raw, err := o.callModel(ctx, t, req, attempt)
		if err != nil {
			t.log.Warn().Int("attempt", attempt).Err(err).Msg("model call failed")
			continue
		}

		t.enter(StateValidating)
		draft, verr := o.validator.Validate(raw)
		checked := draft
		if verr != nil {
			checked = schema.Lenient(raw)
		}
		dec := o.guard.Check(checked, opts)
		if dec.Outcome == guardrail.OutcomeBlock {
			observability.RecordValidation(verr == nil)
			refusal := guardrail.Refusal(schema.Stage(t.s.Profile.Stage))
			refusal.Attempts = attempt
			return refusal, dec
		}
		if dec.Outcome == guardrail.OutcomeEscalate && escalation == nil {
			escalation = &dec
		}

		if verr != nil {
			observability.RecordValidation(false)
			detail := verr.Error() + "\n"
			var ve *schema.ValidationError
			if errors.As(verr, &ve) {
				detail = ve.Detail()
			}
			t.log.Info().Int("attempt", attempt).Str("issues", detail).Msg("advisory failed validation")
			req.Messages = append(req.Messages,
				agent.Message{Role: "assistant", Content: raw},
				agent.Message{Role: "user", Content: "Your previous reply was rejected:\n" + detail + "Return the corrected JSON object only."},
			)
			continue
		}

		observability.RecordValidation(true)
		draft.Attempts = attempt
		if escalation != nil && dec.Outcome != guardrail.OutcomeEscalate {
			dec = *escalation
		}
		return draft, dec
	}

	t.log.Warn().Int("attempts", o.cfg.MaxValidationAttempts).Msg("no valid advisory, using fallback")
	if escalation != nil {
		return nil, *escalation
	}
	return nil, guardrail.Decision{Outcome: guardrail.OutcomePass}
}

func (o *Orchestrator) callModel(ctx context.Context, t *turn, req agent.Request, attempt int) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.generate",
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
	defer cancel()

	resp, err := o.model.Call(callCtx, req)
	if err != nil {
		tracing.FailSpan(span, err)
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		tracing.FailSpan(span, agent.ErrEmptyResponse)
		return "", agent.ErrEmptyResponse
	}
	t.log.Debug().Str("provider", resp.Provider).Int("attempt", attempt).Msg("model responded")
	return resp.Content, nil
}
