package orchestrator

import (
	"strings"

	"github.com/harun/cropadvisor/pkg/schema"
	"github.com/harun/cropadvisor/pkg/session"
)

type renderOptions struct {
	digest      bool
	unavailable bool
}

func renderAdvisory(lang string, s *session.Session, d *schema.AdvisoryDraft, opts renderOptions) string {
	var parts []string
	if opts.digest {
		parts = append(parts, ui(lang, "digest_title"))
	}
	parts = append(parts, d.Summary)

	crop := titleCase(s.Profile.Crop)
	if crop == "" {
		crop = "Crop"
	}
	parts = append(parts, crop+" • "+stageLabel(lang, string(d.Stage)))

	if w := s.Weather; w != nil && w.Summary != "" {
		line := ui(lang, "sec_weather") + ": " + w.Summary
		if w.Stale {
			line += " (" + ui(lang, "sec_stale") + ")"
		}
		parts = append(parts, line)
	}

	parts = appendSection(parts, ui(lang, "sec_do"), d.RecommendedActions, schema.MaxRecommendedActions)
	parts = appendSection(parts, ui(lang, "sec_watch"), d.WatchOutFor, schema.MaxWatchOutFor)
	parts = appendSection(parts, ui(lang, "sec_safety"), d.SafetyNotes, schema.MaxSafetyNotes)

	if opts.digest {
		if s.Schemes != nil && len(s.Schemes.Items) > 0 {
			parts = appendSection(parts, ui(lang, "sec_schemes"), snippets(s.Schemes.Items, 2), 2)
		}
		if s.Market != nil && len(s.Market.Items) > 0 {
			parts = appendSection(parts, ui(lang, "sec_market"), snippets(s.Market.Items, 2), 2)
		}
	}

	if opts.unavailable {
		parts = append(parts, "\n"+ui(lang, "no_data"))
	}

	conf := d.Confidence
	if conf == "" {
		conf = schema.ConfidenceLow
	}
	parts = append(parts, "\n"+ui(lang, "sec_conf")+": "+strings.ToUpper(conf))
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func appendSection(parts []string, title string, items []string, limit int) []string {
	if len(items) == 0 {
		return parts
	}
	parts = append(parts, "\n"+title)
	for _, it := range firstN(items, limit) {
		parts = append(parts, "• "+it)
	}
	return parts
}

// renderTopic shows schemes or market snippets without a model call.
func renderTopic(lang string, s *session.Session, snap *session.SearchSnapshot, titleKey, failKey, noteKey string) string {
	header := []string{ui(lang, titleKey), topicSubtitle(s)}
	if snap == nil || len(snap.Items) == 0 {
		return strings.Join(append(header, "", ui(lang, failKey)), "\n")
	}

	lines := append(header, "")
	for _, sn := range snippets(snap.Items, 3) {
		lines = append(lines, "• "+sn)
	}
	var urls []string
	for _, it := range snap.Items {
		if it.URL != "" && len(urls) < 3 {
			urls = append(urls, it.URL)
		}
	}
	if len(urls) > 0 {
		lines = append(lines, "", ui(lang, "sec_links")+":")
		for _, u := range urls {
			lines = append(lines, "• "+u)
		}
	}
	if snap.Stale {
		lines = append(lines, "", "("+ui(lang, "sec_stale")+")")
	}
	if noteKey != "" {
		lines = append(lines, "", ui(lang, noteKey))
	}
	return strings.Join(lines, "\n")
}

func renderBuy(lang string, s *session.Session, b *buyResult) string {
	lines := []string{ui(lang, "sec_buy"), topicSubtitle(s)}
	if b == nil || len(b.Categories) == 0 {
		return strings.Join(append(lines, "", ui(lang, "buy_fail")), "\n")
	}
	for _, cat := range b.Categories {
		lines = append(lines, "", ui(lang, cat.Key)+":")
		for _, it := range cat.Items {
			lines = append(lines, "• "+it.URL)
		}
	}
	lines = append(lines, "", ui(lang, "buy_watch"), ui(lang, "buy_tip"))
	return strings.Join(lines, "\n")
}

func topicSubtitle(s *session.Session) string {
	crop := titleCase(s.Profile.Crop)
	if crop == "" {
		crop = "Crop"
	}
	loc := locationLabel(s.Profile.Location)
	if loc == "" {
		loc = "-"
	}
	return crop + " • " + loc
}

// profileSummary lists what we already know, one field per line.
func profileSummary(lang string, p session.Profile) string {
	var lines []string
	add := func(label, v string) {
		if strings.TrimSpace(v) != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("Name", p.FarmerName)
	add("Crop", p.Crop)
	if p.Stage != "" {
		add("Stage", stageLabel(lang, p.Stage))
	}
	add("Land", formatLand(p))
	add("Location", locationLabel(p.Location))
	return strings.Join(lines, "\n")
}

func stageLabel(lang, stage string) string {
	if _, ok := schema.ParseStage(stage); !ok {
		return titleCase(stage)
	}
	return ui(lang, "stage_"+stage)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

var languageButtons = []Button{
	{Label: "English", Data: ActionSetLangPrefix + "en"},
	{Label: "हिंदी", Data: ActionSetLangPrefix + "hi"},
	{Label: "मराठी", Data: ActionSetLangPrefix + "mr"},
}

// standardButtons is the quick-reply set offered after every turn.
func standardButtons(lang string) []Button {
	buttons := append([]Button(nil), languageButtons...)
	for _, st := range schema.Stages {
		buttons = append(buttons, Button{Label: ui(lang, "stage_"+string(st)), Data: StageButtonPrefix + string(st)})
	}
	return append(buttons,
		Button{Label: ui(lang, "btn_profile"), Data: cmdProfile},
		Button{Label: ui(lang, "btn_location"), Data: cmdLocation},
		Button{Label: ui(lang, "btn_symptoms"), Data: ActionSymptoms},
		Button{Label: ui(lang, "btn_crop_reco"), Data: ActionCropReco},
		Button{Label: ui(lang, "btn_buy"), Data: ActionBuy},
		Button{Label: ui(lang, "btn_schemes"), Data: ActionSchemes},
		Button{Label: ui(lang, "btn_market"), Data: ActionMarket},
	)
}
