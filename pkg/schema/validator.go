package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrValidationFailure is matched by every *ValidationError.
var ErrValidationFailure = errors.New("advisory validation failed")

// ValidationError lists every problem found in one model response.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailure.Error(), strings.Join(e.Issues, "; "))
}

// Is makes errors.Is(err, ErrValidationFailure) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailure
}

// Detail formats the issues as a bullet list for a corrective prompt.
func (e *ValidationError) Detail() string {
	var b strings.Builder
	for _, issue := range e.Issues {
		b.WriteString("- ")
		b.WriteString(issue)
		b.WriteString("\n")
	}
	return b.String()
}

// dosagePatterns match numeric application rates, dilutions and ratios.
// Keep in sync with the pesticide_dosing rule in guardrail/default_rules.yaml.
var dosagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:ml|g|gm|gms|grams?|kg|l|lit|lt|ltrs?|litres?|liters?|oz|tsp|tbsp)\s*(?:/|per)\s*(?:\d+(?:\.\d+)?\s*)?(?:l|lit|lt|ltrs?|litres?|liters?|acres?|ha|hectares?|kg|gallons?|tanks?|pumps?|bigha)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:ml|g|gm|gms|grams?|kg)\s+(?:in|into|with)\s+\d+(?:\.\d+)?\s*(?:l|lit|lt|ltrs?|litres?|liters?|gallons?)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:ml|g|gm|gms|grams?|kg)\s+of\s+(?:[a-z-]+\s+){1,4}(?:per|in|into)\s+(?:\d+(?:\.\d+)?\s*)?(?:l|lit|lt|ltrs?|litres?|liters?|acres?|ha|hectares?|gallons?|tanks?|pumps?|bigha)\b`),
	regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*:\s*\d+(?:\.\d+)?\s*(?:ratio|dilution|mix(?:ture)?)\b`),
	regexp.MustCompile(`(?i)\b(?:ratio|dilut\w*|mix\w*)\s+(?:of\s+|at\s+)?\d+(?:\.\d+)?\s*:\s*\d+(?:\.\d+)?\b`),
}

// HighRiskKeywords force escalate=true when present anywhere in the draft.
var HighRiskKeywords = []string{
	"wilting entire field",
	"entire field wilting",
	"whole field wilting",
	"entire crop dying",
	"toxic exposure",
	"poisoning",
	"poisoned",
	"chemical burn",
	"pesticide exposure",
	"livestock death",
	"animals dying",
}

// Validator checks raw model output against the advisory contract.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the contract schema.
func NewValidator() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ContractSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile advisory schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// MustNewValidator is NewValidator for package-level setup.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

var defaultValidator = MustNewValidator()

// Validate checks raw with the default validator.
func Validate(raw string) (*AdvisoryDraft, error) {
	return defaultValidator.Validate(raw)
}

// Validate extracts the first JSON object from raw and checks it. On
// success the returned draft has nil slices normalized so re-encoding it
// validates again.
func (v *Validator) Validate(raw string) (*AdvisoryDraft, error) {
	doc, ok := ExtractJSONObject(raw)
	if !ok {
		return nil, &ValidationError{Issues: []string{"response does not contain a JSON object"}}
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("response is not valid JSON: %v", err)}}
	}

	var issues []string
	for _, re := range result.Errors() {
		issues = append(issues, re.String())
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	var draft AdvisoryDraft
	if err := json.Unmarshal(doc, &draft); err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("failed to decode advisory: %v", err)}}
	}
	draft.Raw = raw
	if draft.RiskFlags == nil {
		draft.RiskFlags = []string{}
	}

	issues = append(issues, CheckDosage(&draft)...)
	if kw := MatchHighRisk(draft.AllText()); kw != "" && !draft.Escalate {
		issues = append(issues, fmt.Sprintf("escalate must be true when the advisory mentions %q", kw))
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &draft, nil
}

// CheckDosage reports every field containing a numeric dosage or mixing
// instruction.
func CheckDosage(d *AdvisoryDraft) []string {
	var issues []string
	fields := d.TextFields()
	for _, name := range []string{"summary", "recommended_actions", "risk_flags", "watch_out_for", "safety_notes", "rationale"} {
		for _, text := range fields[name] {
			if m := matchDosage(text); m != "" {
				issues = append(issues, fmt.Sprintf("%s contains a dosage or mixing instruction (%q); describe the product class and refer to the label instead", name, m))
				break
			}
		}
	}
	return issues
}

func matchDosage(text string) string {
	for _, re := range dosagePatterns {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// MatchHighRisk returns the first high-risk keyword found in lowered text.
func MatchHighRisk(lowered string) string {
	for _, kw := range HighRiskKeywords {
		if strings.Contains(lowered, kw) {
			return kw
		}
	}
	return ""
}

// ExtractJSONObject returns the first complete JSON object embedded in s,
// skipping prose and code fences around it.
func ExtractJSONObject(s string) ([]byte, bool) {
	data := []byte(s)
	for i := 0; i < len(data); i++ {
		if data[i] != '{' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(data[i:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		if len(obj) > 0 && obj[0] == '{' {
			return obj, true
		}
	}
	return nil, false
}

// Lenient decodes whatever advisory fields can be read from raw without
// enforcing the contract. Guardrails use it so policy still applies to
// responses that failed validation.
func Lenient(raw string) *AdvisoryDraft {
	d := &AdvisoryDraft{Raw: raw}
	if doc, ok := ExtractJSONObject(raw); ok {
		var loose map[string]json.RawMessage
		if json.Unmarshal(doc, &loose) == nil {
			decodeField(loose, "summary", &d.Summary)
			decodeField(loose, "recommended_actions", &d.RecommendedActions)
			decodeField(loose, "risk_flags", &d.RiskFlags)
			decodeField(loose, "escalate", &d.Escalate)
			decodeField(loose, "stage", &d.Stage)
			decodeField(loose, "watch_out_for", &d.WatchOutFor)
			decodeField(loose, "safety_notes", &d.SafetyNotes)
			decodeField(loose, "rationale", &d.Rationale)
			decodeField(loose, "confidence", &d.Confidence)
			return d
		}
	}
	d.Summary = strings.TrimSpace(raw)
	return d
}

func decodeField(m map[string]json.RawMessage, key string, dst any) {
	if v, ok := m[key]; ok {
		_ = json.Unmarshal(v, dst)
	}
}
