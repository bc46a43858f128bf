package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validAdvisory = `{
  "summary": "Early blight risk is rising with humid nights.",
  "recommended_actions": ["Remove lower infected leaves", "Improve airflow between rows"],
  "risk_flags": ["fungal disease"],
  "escalate": false,
  "stage": "flowering",
  "watch_out_for": ["Dark rings on older leaves"],
  "safety_notes": ["Wear gloves when handling plant debris"],
  "rationale": "Humidity above seventy percent favours spore spread.",
  "confidence": "medium"
}`

func TestValidateAcceptsContract(t *testing.T) {
	draft, err := Validate(validAdvisory)
	require.NoError(t, err)

	assert.Equal(t, StageFlowering, draft.Stage)
	assert.Len(t, draft.RecommendedActions, 2)
	assert.Equal(t, "medium", draft.Confidence)
	assert.Equal(t, validAdvisory, draft.Raw)
}

func TestValidateExtractsFromProse(t *testing.T) {
	raw := "Here is the advisory you asked for:\n```json\n" + validAdvisory + "\n```\nLet me know."
	draft, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "Early blight risk is rising with humid nights.", draft.Summary)
}

func TestValidateIsIdempotent(t *testing.T) {
	minimal := `{"summary":"ok","recommended_actions":["scout the field"],"risk_flags":[],"escalate":false,"stage":"sowing"}`
	for _, raw := range []string{validAdvisory, minimal} {
		first, err := Validate(raw)
		require.NoError(t, err)

		again, err := json.Marshal(first)
		require.NoError(t, err)

		second, err := Validate(string(again))
		require.NoError(t, err)

		first.Raw, second.Raw = "", ""
		assert.Equal(t, first, second)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		issue string
	}{
		{
			name:  "no json",
			raw:   "Water the plants in the morning.",
			issue: "does not contain a JSON object",
		},
		{
			name:  "missing recommended actions",
			raw:   `{"summary":"s","risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "recommended_actions",
		},
		{
			name:  "too many actions",
			raw:   `{"summary":"s","recommended_actions":["a","b","c","d","e","f"],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "recommended_actions",
		},
		{
			name:  "blank action",
			raw:   `{"summary":"s","recommended_actions":["  "],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "recommended_actions.0",
		},
		{
			name:  "unknown stage",
			raw:   `{"summary":"s","recommended_actions":["a"],"risk_flags":[],"escalate":false,"stage":"tillering"}`,
			issue: "stage",
		},
		{
			name:  "escalate wrong type",
			raw:   `{"summary":"s","recommended_actions":["a"],"risk_flags":[],"escalate":"yes","stage":"sowing"}`,
			issue: "escalate",
		},
		{
			name:  "rationale too long",
			raw:   `{"summary":"s","recommended_actions":["a"],"risk_flags":[],"escalate":false,"stage":"sowing","rationale":"` + strings.Repeat("x", 221) + `"}`,
			issue: "rationale",
		},
		{
			name:  "too many safety notes",
			raw:   `{"summary":"s","recommended_actions":["a"],"risk_flags":[],"escalate":false,"stage":"sowing","safety_notes":["a","b","c"]}`,
			issue: "safety_notes",
		},
		{
			name:  "bad confidence",
			raw:   `{"summary":"s","recommended_actions":["a"],"risk_flags":[],"escalate":false,"stage":"sowing","confidence":"certain"}`,
			issue: "confidence",
		},
		{
			name:  "dosage per liter",
			raw:   `{"summary":"s","recommended_actions":["Spray 5ml per liter of water"],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "dosage",
		},
		{
			name:  "grams per litre shorthand",
			raw:   `{"summary":"Mix 2 g/l and spray","recommended_actions":["a"],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "summary contains a dosage",
		},
		{
			name:  "mixing ratio",
			raw:   `{"summary":"s","recommended_actions":["Use a 1:10 ratio with water"],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "dosage",
		},
		{
			name:  "high risk without escalate",
			raw:   `{"summary":"Possible poisoning of farm workers","recommended_actions":["Stop spraying"],"risk_flags":[],"escalate":false,"stage":"sowing"}`,
			issue: "escalate must be true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft, err := Validate(tt.raw)
			require.Error(t, err)
			assert.Nil(t, draft)
			assert.ErrorIs(t, err, ErrValidationFailure)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, strings.Join(ve.Issues, "\n"), tt.issue)
		})
	}
}

func TestValidateHighRiskWithEscalatePasses(t *testing.T) {
	raw := `{"summary":"Wilting entire field after heavy rain","recommended_actions":["Contact the extension officer today"],"risk_flags":["wilt"],"escalate":true,"stage":"vegetative"}`
	draft, err := Validate(raw)
	require.NoError(t, err)
	assert.True(t, draft.Escalate)
}

func TestValidationErrorDetail(t *testing.T) {
	ve := &ValidationError{Issues: []string{"a", "b"}}
	assert.Equal(t, "- a\n- b\n", ve.Detail())
	assert.Contains(t, ve.Error(), "a; b")
}

func TestParseStage(t *testing.T) {
	st, ok := ParseStage("  Flowering ")
	assert.True(t, ok)
	assert.Equal(t, StageFlowering, st)

	_, ok = ParseStage("pre_sowing")
	assert.False(t, ok)
}

func TestLenientReadsInvalidDrafts(t *testing.T) {
	d := Lenient(`{"summary":"Apply 5ml per liter","escalate":"nope"}`)
	assert.Equal(t, "Apply 5ml per liter", d.Summary)
	assert.False(t, d.Escalate)

	d = Lenient("plain text answer")
	assert.Equal(t, "plain text answer", d.Summary)
}

func TestGenericFallbackValidates(t *testing.T) {
	fb := GenericFallback("")
	assert.Equal(t, StageVegetative, fb.Stage)

	data, err := json.Marshal(fb)
	require.NoError(t, err)
	_, err = Validate(string(data))
	require.NoError(t, err)

	assert.Equal(t, StageHarvest, GenericFallback(StageHarvest).Stage)
	assert.Contains(t, fb.Summary, "local expert")
}

func TestCheckDosagePhrasings(t *testing.T) {
	tests := []struct {
		text   string
		dosage bool
	}{
		{"Spray 5ml per liter of water", true},
		{"Mix 10 ml per 1 litre of water", true},
		{"Apply 200 ml per 15 litre tank", true},
		{"Spray 2.5 ml/lit", true},
		{"Dissolve 3 g/lt before spraying", true},
		{"Use 2 ml in 1 litre water", true},
		{"Add 4 g into 2 liters", true},
		{"Mix 2 ml of neem oil per litre", true},
		{"Apply 1 kg of copper oxychloride per acre", true},
		{"Use a 1:10 ratio with water", true},
		{"Dilute at 1:20 before use", true},
		{"Check 10 plants per row", false},
		{"Irrigate 25 mm per week", false},
		{"Spray in the evening after 5 pm", false},
		{"Keep 30 cm between plants", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d := &AdvisoryDraft{Summary: "s", RecommendedActions: []string{tt.text}}
			issues := CheckDosage(d)
			if tt.dosage {
				require.Len(t, issues, 1)
				assert.Contains(t, issues[0], "recommended_actions contains a dosage")
			} else {
				assert.Empty(t, issues)
			}
		})
	}
}
