package guardrail

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/harun/cropadvisor/pkg/schema"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// ErrInvalidRules is returned when a rules document fails validation.
var ErrInvalidRules = errors.New("invalid guardrail rules")

// Action is what a matching rule does to the draft.
type Action string

const (
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// Rule is one declarative policy check.
type Rule struct {
	ID            string   `yaml:"id"`
	Action        Action   `yaml:"action"`
	Severity      int      `yaml:"severity"`
	Description   string   `yaml:"description,omitempty"`
	Keywords      []string `yaml:"keywords,omitempty"`
	Patterns      []string `yaml:"patterns,omitempty"`
	Fields        []string `yaml:"fields,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`

	compiled []*regexp.Regexp
	lowered  []string
}

// RuleSet is an ordered list of rules.
type RuleSet struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

var scannableFields = map[string]bool{
	"summary":             true,
	"recommended_actions": true,
	"risk_flags":          true,
	"watch_out_for":       true,
	"safety_notes":        true,
	"rationale":           true,
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidRules, err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadFile reads and validates the rules file at path.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded guardrail rules are invalid: %v", err))
	}
	return rs
}

// DefaultRulesYAML returns the built-in rules document, for operators who
// want a starting point for an override file.
func DefaultRulesYAML() []byte {
	return append([]byte(nil), defaultRulesYAML...)
}

func (rs *RuleSet) compile() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("%w: no rules defined", ErrInvalidRules)
	}

	seen := make(map[string]bool)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if err := r.compile(); err != nil {
			return fmt.Errorf("%w: rule %d (%s): %w", ErrInvalidRules, i, r.ID, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRules, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

func (r *Rule) compile() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	switch r.Action {
	case ActionBlock, ActionEscalate:
	default:
		return fmt.Errorf("action must be block or escalate, got %q", r.Action)
	}
	if r.Severity < 1 || r.Severity > 10 {
		return fmt.Errorf("severity must be between 1 and 10, got %d", r.Severity)
	}
	if r.MinConfidence != "" && schema.ConfidenceRank(r.MinConfidence) == 0 {
		return fmt.Errorf("min_confidence must be low, medium or high, got %q", r.MinConfidence)
	}
	if len(r.Keywords) == 0 && len(r.Patterns) == 0 && r.MinConfidence == "" {
		return fmt.Errorf("at least one of keywords, patterns or min_confidence is required")
	}
	for _, f := range r.Fields {
		if !scannableFields[f] {
			return fmt.Errorf("unknown field %q", f)
		}
	}

	r.compiled = r.compiled[:0]
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		r.compiled = append(r.compiled, re)
	}
	r.lowered = r.lowered[:0]
	for _, kw := range r.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			r.lowered = append(r.lowered, kw)
		}
	}
	return nil
}

// match returns a description of the first keyword or pattern hit in the
// rule's fields.
func (r *Rule) match(d *schema.AdvisoryDraft) (string, bool) {
	fields := d.TextFields()
	names := r.Fields
	if len(names) == 0 {
		names = []string{"summary", "recommended_actions", "risk_flags", "watch_out_for", "safety_notes", "rationale"}
	}

	for _, name := range names {
		for _, text := range fields[name] {
			if text == "" {
				continue
			}
			lowered := strings.ToLower(text)
			for _, kw := range r.lowered {
				if strings.Contains(lowered, kw) {
					return fmt.Sprintf("%s mentions %q", name, kw), true
				}
			}
			for _, re := range r.compiled {
				if m := re.FindString(text); m != "" {
					return fmt.Sprintf("%s matches %q", name, m), true
				}
			}
		}
	}
	return "", false
}
