package guardrail

import (
	"fmt"
	"sync"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/pkg/schema"
)

// Outcome is the result of a policy check.
type Outcome string

const (
	OutcomePass     Outcome = "pass"
	OutcomeBlock    Outcome = "block"
	OutcomeEscalate Outcome = "escalate"
)

// Decision explains a policy outcome.
type Decision struct {
	Outcome  Outcome
	Reason   string
	RuleID   string
	Severity int
}

// CheckOptions carries turn facts that change how strict the check is.
type CheckOptions struct {
	// DataUnavailable is set when weather or search had no data at all.
	DataUnavailable bool
}

// Config tunes escalation.
type Config struct {
	EscalateThreshold   int
	UnavailableDiscount int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{EscalateThreshold: 7, UnavailableDiscount: 2}
}

// Engine evaluates drafts against the active rule set. Rules can be
// swapped at runtime.
type Engine struct {
	mu    sync.RWMutex
	rules *RuleSet
	cfg   Config
}

// NewEngine creates an engine. A nil rule set uses DefaultRules.
func NewEngine(rules *RuleSet, cfg Config) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if cfg.EscalateThreshold <= 0 {
		cfg.EscalateThreshold = DefaultConfig().EscalateThreshold
	}
	if cfg.UnavailableDiscount < 0 {
		cfg.UnavailableDiscount = 0
	}
	return &Engine{rules: rules, cfg: cfg}
}

// SetRules atomically replaces the active rules.
func (e *Engine) SetRules(rs *RuleSet) {
	e.mu.Lock()
	e.rules = rs
	e.mu.Unlock()
}

// Rules returns the active rule set.
func (e *Engine) Rules() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Threshold is the minimum severity an escalate rule needs to fire.
func (e *Engine) Threshold(opts CheckOptions) int {
	t := e.cfg.EscalateThreshold
	if opts.DataUnavailable {
		t -= e.cfg.UnavailableDiscount
	}
	if t < 1 {
		t = 1
	}
	return t
}

// Check evaluates d. Any block rule wins over escalation; otherwise the
// first escalate rule at or above the threshold decides. A draft that asks
// for escalation itself is escalated too.
func (e *Engine) Check(d *schema.AdvisoryDraft, opts CheckOptions) Decision {
	dec := e.check(d, opts)
	observability.RecordGuardrailDecision(string(dec.Outcome))
	return dec
}

func (e *Engine) check(d *schema.AdvisoryDraft, opts CheckOptions) Decision {
	if d == nil {
		return Decision{Outcome: OutcomePass}
	}
	rules := e.Rules()
	threshold := e.Threshold(opts)

	var escalation *Decision
	for i := range rules.Rules {
		r := &rules.Rules[i]

		reason, hit := r.match(d)
		if !hit && r.MinConfidence != "" && opts.DataUnavailable &&
			schema.ConfidenceRank(d.Confidence) < schema.ConfidenceRank(r.MinConfidence) {
			reason = fmt.Sprintf("confidence %q below %q with no external data", d.Confidence, r.MinConfidence)
			hit = true
		}
		if !hit {
			continue
		}

		switch r.Action {
		case ActionBlock:
			return Decision{Outcome: OutcomeBlock, Reason: reason, RuleID: r.ID, Severity: r.Severity}
		case ActionEscalate:
			if escalation == nil && r.Severity >= threshold {
				escalation = &Decision{Outcome: OutcomeEscalate, Reason: reason, RuleID: r.ID, Severity: r.Severity}
			}
		}
	}

	if escalation != nil {
		return *escalation
	}
	if d.Escalate {
		return Decision{Outcome: OutcomeEscalate, Reason: "advisory requested human review", RuleID: "model_escalate"}
	}
	return Decision{Outcome: OutcomePass}
}

// Refusal replaces a blocked draft.
func Refusal(stage schema.Stage) *schema.AdvisoryDraft {
	if _, ok := schema.ParseStage(string(stage)); !ok {
		stage = schema.StageVegetative
	}
	return &schema.AdvisoryDraft{
		Summary: "I can't share that advice safely. For chemical doses and mixing, follow the product label and check with your local agriculture officer.",
		RecommendedActions: []string{
			"Follow the product label and ask a licensed dealer or extension officer before applying any chemical.",
		},
		RiskFlags:  []string{},
		Stage:      stage,
		Confidence: schema.ConfidenceLow,
	}
}
