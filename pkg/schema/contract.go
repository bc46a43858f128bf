package schema

import "strings"

// Stage is a crop growth stage.
type Stage string

const (
	StageSowing      Stage = "sowing"
	StageGermination Stage = "germination"
	StageVegetative  Stage = "vegetative"
	StageFlowering   Stage = "flowering"
	StageFruiting    Stage = "fruiting"
	StageMaturity    Stage = "maturity"
	StageHarvest     Stage = "harvest"
)

// Stages lists every valid stage in growth order.
var Stages = []Stage{
	StageSowing,
	StageGermination,
	StageVegetative,
	StageFlowering,
	StageFruiting,
	StageMaturity,
	StageHarvest,
}

// ParseStage normalizes s and reports whether it names a valid stage.
func ParseStage(s string) (Stage, bool) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Stages {
		if v == st {
			return st, true
		}
	}
	return "", false
}

// Confidence levels accepted in the optional confidence field.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// ConfidenceRank orders confidence levels; unknown values rank 0.
func ConfidenceRank(c string) int {
	switch strings.ToLower(c) {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Bounds of the contract.
const (
	MaxRecommendedActions = 5
	MaxWatchOutFor        = 3
	MaxSafetyNotes        = 2
	MaxRationaleLength    = 220
)

// ContractSchema is the draft-07 JSON Schema for an advisory. It is also
// embedded in the system prompt so the model sees the exact contract.
const ContractSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Advisory",
  "type": "object",
  "required": ["summary", "recommended_actions", "risk_flags", "escalate", "stage"],
  "properties": {
    "summary": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "recommended_actions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 5,
      "items": {"type": "string", "minLength": 1, "pattern": "\\S"}
    },
    "risk_flags": {"type": "array", "items": {"type": "string"}},
    "escalate": {"type": "boolean"},
    "stage": {
      "type": "string",
      "enum": ["sowing", "germination", "vegetative", "flowering", "fruiting", "maturity", "harvest"]
    },
    "watch_out_for": {
      "type": "array",
      "maxItems": 3,
      "items": {"type": "string", "minLength": 1}
    },
    "safety_notes": {
      "type": "array",
      "maxItems": 2,
      "items": {"type": "string", "minLength": 1}
    },
    "rationale": {"type": "string", "maxLength": 220},
    "confidence": {"type": "string", "enum": ["low", "medium", "high"]}
  }
}`

// AdvisoryDraft is a candidate advisory produced by the model.
type AdvisoryDraft struct {
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
	RiskFlags          []string `json:"risk_flags"`
	Escalate           bool     `json:"escalate"`
	Stage              Stage    `json:"stage"`
	WatchOutFor        []string `json:"watch_out_for,omitempty"`
	SafetyNotes        []string `json:"safety_notes,omitempty"`
	Rationale          string   `json:"rationale,omitempty"`
	Confidence         string   `json:"confidence,omitempty"`

	// Raw is the model output the draft was extracted from.
	Raw string `json:"-"`
	// Attempts is the 1-based generation attempt that produced the draft.
	Attempts int `json:"-"`
}

// TextFields returns the draft's free-text content keyed by field name.
func (d *AdvisoryDraft) TextFields() map[string][]string {
	fields := map[string][]string{
		"summary":             {d.Summary},
		"recommended_actions": d.RecommendedActions,
		"risk_flags":          d.RiskFlags,
		"watch_out_for":       d.WatchOutFor,
		"safety_notes":        d.SafetyNotes,
		"rationale":           {d.Rationale},
	}
	return fields
}

// AllText joins every text field, lowercased, for keyword scans.
func (d *AdvisoryDraft) AllText() string {
	var parts []string
	for _, name := range []string{"summary", "recommended_actions", "risk_flags", "watch_out_for", "safety_notes", "rationale"} {
		parts = append(parts, d.TextFields()[name]...)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}
