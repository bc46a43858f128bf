package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/cropadvisor/pkg/schema"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/harun/cropadvisor/pkg/toolgateway"
	"github.com/shopspring/decimal"
)

var (
	stageUpdateRe = regexp.MustCompile(`(?i)^\s*my\s+stage\s+is\s+([a-z_]+)\.?\s*$`)
	stageInlineRe = regexp.MustCompile(`(?i)^\s*stage\s*:\s*([a-z_]+)\s*$`)
	nameRe        = regexp.MustCompile(`(?i)^\s*my\s+name\s+is\s+(.+?)\.?\s*$`)
	fieldKeyRe    = regexp.MustCompile(`(?i)\b(crop|stage|land|location|name|pests?)\s*:\s*`)
	landRe        = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(acres?|ac|hectares?|ha|एकड़|एकर|हेक्टेयर|हेक्टर)?\s*\.?$`)
	segmentRe     = regexp.MustCompile(`\s*[;,\n]\s*|\.\s+|\.$`)
)

// acresPerHectare converts land sizes for display.
var acresPerHectare = decimal.RequireFromString("2.47105")

const (
	unitAcre    = "acre"
	unitHectare = "hectare"
)

var (
	highUrgencyTerms   = []string{"urgent", "emergency", "dying", "whole field", "entire field", "spreading fast", "spreading rapidly"}
	mediumUrgencyTerms = []string{"spreading", "getting worse", "increasing", "many plants"}

	cropRecoPhrases = []string{
		"recommend crop", "suggest crop", "which crop", "what crop", "crop suggestion", "crop recommendations",
		"कौन सी फसल", "फसल सुझाव", "फसल बताओ", "फसल recommend",
		"कोणते पीक", "पीक सुचवा", "पीक recommendation", "पीक सुचना",
	}
)

var urgencyRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// intake records what one event changed in the session.
type intake struct {
	action          string
	langChanged     bool
	stageUpdate     bool
	locationChanged bool
	symptomsAdded   bool
	profileChanged  bool
}

// applyEvent updates s from ev without calling any model. It returns what
// changed so the turn can pick its path.
func applyEvent(s *session.Session, ev Event) intake {
	var in intake
	switch ev.Kind {
	case EventLocation:
		in.locationChanged = setCoordinates(&s.Profile.Location, *ev.Lat, *ev.Lon)
		if strings.TrimSpace(ev.Text) != "" {
			applyText(s, ev.Text, &in)
		}
	case EventPhoto:
		if !containsFold(s.Observation.PhotoIDs, ev.PhotoFileID) {
			s.Observation.PhotoIDs = append(s.Observation.PhotoIDs, ev.PhotoFileID)
		}
		if caption := strings.TrimSpace(ev.Text); caption != "" {
			in.symptomsAdded = addSymptom(&s.Observation, caption)
			bumpUrgency(&s.Observation, caption)
		}
	case EventButton:
		applyButton(s, ev.Action, &in)
	case EventText:
		applyText(s, ev.Text, &in)
	}

	if in.locationChanged {
		s.Weather = nil
		s.Schemes = nil
		s.Market = nil
		in.profileChanged = true
	}
	if s.PendingClarification {
		if missing := s.Profile.MissingFields(); len(missing) == 0 || missing[0] != s.PendingField {
			s.PendingClarification = false
			s.PendingField = ""
		}
	}
	return in
}

func applyButton(s *session.Session, action string, in *intake) {
	switch {
	case strings.HasPrefix(action, ActionSetLangPrefix):
		lang := strings.ToLower(strings.TrimPrefix(action, ActionSetLangPrefix))
		if SupportedLanguage(lang) && lang != s.Profile.Language {
			s.Profile.Language = lang
		}
		in.langChanged = true
	case strings.HasPrefix(action, StageButtonPrefix):
		if st, ok := schema.ParseStage(strings.TrimPrefix(action, StageButtonPrefix)); ok {
			setStage(&s.Profile, st)
			in.stageUpdate = true
		}
	default:
		in.action = action
	}
}

// knownAction reports whether a button payload is understood.
func knownAction(action string) bool {
	switch action {
	case ActionSchemes, ActionMarket, ActionDigest, ActionCropReco, ActionBuy, ActionSymptoms:
		return true
	}
	if strings.HasPrefix(action, ActionSetLangPrefix) {
		return SupportedLanguage(strings.ToLower(strings.TrimPrefix(action, ActionSetLangPrefix)))
	}
	if strings.HasPrefix(action, StageButtonPrefix) {
		_, ok := schema.ParseStage(strings.TrimPrefix(action, StageButtonPrefix))
		return ok
	}
	return false
}

func applyText(s *session.Session, text string, in *intake) {
	text = strings.TrimSpace(text)

	if st, ok := extractStage(text); ok {
		in.stageUpdate = true
		in.profileChanged = setStage(&s.Profile, st) || in.profileChanged
		return
	}
	if wantsCropReco(text) {
		in.action = ActionCropReco
		return
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		leftover := applyKeyedFields(s, line, in)
		if leftover == "" {
			continue
		}
		if applyCoordinatesLine(s, leftover, in) {
			continue
		}
		if answerPending(s, leftover, in) {
			continue
		}
		for _, seg := range segmentRe.Split(leftover, -1) {
			applySegment(s, seg, in)
		}
	}
}

// applyKeyedFields consumes "Key: value" pairs on line and returns the
// text before the first key.
func applyKeyedFields(s *session.Session, line string, in *intake) string {
	matches := fieldKeyRe.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}
	for i, m := range matches {
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		key := strings.ToLower(line[m[2]:m[3]])
		value := strings.Trim(line[m[1]:end], " ,;.")
		if value == "" {
			continue
		}
		applyField(s, key, value, in)
	}
	return strings.Trim(line[:matches[0][0]], " ,;.")
}

func applyField(s *session.Session, key, value string, in *intake) {
	p := &s.Profile
	switch key {
	case "crop":
		crop := strings.ToLower(value)
		if crop != p.Crop {
			p.Crop = crop
			in.profileChanged = true
		}
	case "stage":
		if st, ok := parseStageLabel(value); ok {
			in.stageUpdate = true
			in.profileChanged = setStage(p, st) || in.profileChanged
		}
	case "land":
		if size, unit, ok := parseLand(value); ok {
			p.LandSize = &size
			p.LandUnit = unit
			in.profileChanged = true
		}
	case "location":
		in.locationChanged = setLocationText(&p.Location, value) || in.locationChanged
	case "name":
		p.FarmerName = value
		in.profileChanged = true
	case "pest", "pests":
		for _, pest := range strings.Split(value, ",") {
			pest = strings.TrimSpace(pest)
			if pest != "" && !containsFold(s.Observation.PestsSeen, pest) {
				s.Observation.PestsSeen = append(s.Observation.PestsSeen, pest)
				in.symptomsAdded = true
			}
		}
	}
}

// applyCoordinatesLine accepts a line that is only a coordinate pair.
func applyCoordinatesLine(s *session.Session, line string, in *intake) bool {
	lat, lon, span, ok := toolgateway.FindLatLon(line)
	if !ok {
		return false
	}
	rest := strings.Trim(line[:span[0]]+line[span[1]:], " ,;.()")
	if rest != "" {
		return false
	}
	in.locationChanged = setCoordinates(&s.Profile.Location, lat, lon) || in.locationChanged
	return true
}

// answerPending treats a bare reply as the answer to the question we last
// asked.
func answerPending(s *session.Session, line string, in *intake) bool {
	if !s.PendingClarification {
		return false
	}
	if nameRe.MatchString(line) || landRe.MatchString(line) {
		return false
	}
	switch s.PendingField {
	case session.FieldLocation:
		in.locationChanged = setLocationText(&s.Profile.Location, strings.Trim(line, " .")) || in.locationChanged
		return true
	case session.FieldCrop:
		if len(strings.Fields(line)) > 3 {
			return false
		}
		s.Profile.Crop = strings.ToLower(strings.Trim(line, " ."))
		in.profileChanged = true
		return true
	case session.FieldStage:
		st, ok := parseStageLabel(strings.Trim(line, " ."))
		if !ok {
			return false
		}
		in.stageUpdate = true
		in.profileChanged = setStage(&s.Profile, st) || in.profileChanged
		return true
	}
	return false
}

func applySegment(s *session.Session, seg string, in *intake) {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return
	}
	if m := nameRe.FindStringSubmatch(seg); m != nil {
		s.Profile.FarmerName = strings.TrimSpace(m[1])
		in.profileChanged = true
		return
	}
	if size, unit, ok := parseLand(seg); ok && landHasUnit(seg) {
		s.Profile.LandSize = &size
		s.Profile.LandUnit = unit
		in.profileChanged = true
		return
	}
	if addSymptom(&s.Observation, seg) {
		in.symptomsAdded = true
	}
	bumpUrgency(&s.Observation, seg)
}

func extractStage(text string) (schema.Stage, bool) {
	m := stageUpdateRe.FindStringSubmatch(text)
	if m == nil {
		m = stageInlineRe.FindStringSubmatch(text)
	}
	if m == nil {
		return "", false
	}
	return schema.ParseStage(m[1])
}

// parseStageLabel accepts a stage id or its label in any supported language.
func parseStageLabel(v string) (schema.Stage, bool) {
	if st, ok := schema.ParseStage(v); ok {
		return st, true
	}
	v = strings.TrimSpace(v)
	for _, st := range schema.Stages {
		for lang := range uiStrings {
			if strings.EqualFold(ui(lang, "stage_"+string(st)), v) {
				return st, true
			}
		}
	}
	return "", false
}

func setStage(p *session.Profile, st schema.Stage) bool {
	if p.Stage == string(st) {
		return false
	}
	p.Stage = string(st)
	return true
}

func setCoordinates(l *session.Location, lat, lon float64) bool {
	if l.HasCoordinates() && *l.Lat == lat && *l.Lon == lon {
		return false
	}
	l.Lat = &lat
	l.Lon = &lon
	return true
}

// setLocationText stores a place name. Coordinates inside the text win;
// otherwise old coordinates are dropped since they describe another place.
func setLocationText(l *session.Location, text string) bool {
	text = strings.TrimSpace(text)
	if lat, lon, span, ok := toolgateway.FindLatLon(text); ok {
		changed := setCoordinates(l, lat, lon)
		if rest := strings.Trim(text[:span[0]]+text[span[1]:], " ,;.()"); rest != "" && rest != l.Text {
			l.Text = rest
			changed = true
		}
		return changed
	}
	if strings.EqualFold(l.Text, text) {
		return false
	}
	l.Text = text
	l.Lat, l.Lon = nil, nil
	return true
}

func parseLand(v string) (decimal.Decimal, string, bool) {
	m := landRe.FindStringSubmatch(v)
	if m == nil {
		return decimal.Decimal{}, "", false
	}
	size, err := decimal.NewFromString(m[1])
	if err != nil || !size.IsPositive() {
		return decimal.Decimal{}, "", false
	}
	unit := unitAcre
	switch strings.ToLower(m[2]) {
	case "hectare", "hectares", "ha", "हेक्टेयर", "हेक्टर":
		unit = unitHectare
	}
	return size, unit, true
}

func landHasUnit(v string) bool {
	m := landRe.FindStringSubmatch(v)
	return m != nil && m[2] != ""
}

// landAcres normalizes the profile's land size to acres.
func landAcres(p session.Profile) (decimal.Decimal, bool) {
	if p.LandSize == nil {
		return decimal.Decimal{}, false
	}
	if p.LandUnit == unitHectare {
		return p.LandSize.Mul(acresPerHectare).Round(2), true
	}
	return *p.LandSize, true
}

func formatLand(p session.Profile) string {
	acres, ok := landAcres(p)
	if !ok {
		return ""
	}
	if p.LandUnit == unitHectare {
		return fmt.Sprintf("%s acres (%s hectare)", acres.String(), p.LandSize.String())
	}
	return acres.String() + " acres"
}

func wantsCropReco(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == strings.ToLower(ActionCropReco) {
		return true
	}
	for _, phrase := range cropRecoPhrases {
		if strings.Contains(t, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// addSymptom appends a symptom unless it is already known, ignoring case.
func addSymptom(o *session.Observation, symptom string) bool {
	symptom = strings.TrimSpace(symptom)
	if symptom == "" || containsFold(o.Symptoms, symptom) {
		return false
	}
	o.Symptoms = append(o.Symptoms, symptom)
	return true
}

// bumpUrgency raises urgency from keywords. It never lowers it.
func bumpUrgency(o *session.Observation, text string) {
	lowered := strings.ToLower(text)
	level := ""
	switch {
	case containsAny(lowered, highUrgencyTerms):
		level = "high"
	case containsAny(lowered, mediumUrgencyTerms):
		level = "medium"
	default:
		return
	}
	if urgencyRank[level] > urgencyRank[o.Urgency] {
		o.Urgency = level
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
