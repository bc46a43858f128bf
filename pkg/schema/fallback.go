package schema

// GenericFallback is delivered when no valid advisory could be produced.
func GenericFallback(stage Stage) *AdvisoryDraft {
	if _, ok := ParseStage(string(stage)); !ok {
		stage = StageVegetative
	}
	return &AdvisoryDraft{
		Summary: "We could not prepare a reliable advisory right now. Please consult a local expert or your nearest Krishi Vigyan Kendra.",
		RecommendedActions: []string{
			"Consult a local agriculture expert or extension officer before taking action.",
		},
		RiskFlags:  []string{},
		Escalate:   false,
		Stage:      stage,
		Confidence: ConfidenceLow,
	}
}
