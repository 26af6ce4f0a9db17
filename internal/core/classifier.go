package core

import (
	"strings"

	"triage-dispatcher/internal/config"
	"triage-dispatcher/pkg"
)

// Default keyword lists.  Matching is a case-insensitive substring test over
// the concatenated patient messages.
var (
	DefaultUrgentKeywords = []string{
		"chest pain", "can't breathe", "cannot breathe", "difficulty breathing",
		"severe pain", "bleeding heavily", "heavy bleeding", "unconscious",
		"passed out", "seizure", "stroke", "face drooping", "slurred speech",
		"heart attack", "suicide", "suicidal", "kill myself",
	}
	DefaultHighKeywords = []string{
		"severe", "intense", "unbearable", "emergency",
		"very bad", "getting worse", "worsening", "spreading",
	}
	DefaultPregnancyKeywords = []string{"pregnant", "pregnancy"}
)

// Classifier derives an urgency tier from patient text and profile.  It is
// deterministic and never returns LOW.
type Classifier struct {
	urgent    []string
	high      []string
	pregnancy []string
}

// NewClassifier builds a classifier from rules, using the defaults for any
// list the rules leave empty.
func NewClassifier(rules config.Rules) *Classifier {
	return &Classifier{
		urgent:    lowerAll(orDefault(rules.UrgentKeywords, DefaultUrgentKeywords)),
		high:      lowerAll(orDefault(rules.HighKeywords, DefaultHighKeywords)),
		pregnancy: lowerAll(orDefault(rules.PregnancyKeywords, DefaultPregnancyKeywords)),
	}
}

// Classify applies the rules in order and returns the first match:
// urgent keyword, high-severity keyword, vulnerable age, pregnancy, else MEDIUM.
func (c *Classifier) Classify(s *pkg.Session, patientText []string) pkg.Priority {
	all := strings.ToLower(strings.Join(patientText, " "))
	if containsAny(all, c.urgent) {
		return pkg.PriorityUrgent
	}
	if containsAny(all, c.high) {
		return pkg.PriorityHigh
	}
	if age := s.Profile.Age; age != nil && (*age < 2 || *age > 65) {
		return pkg.PriorityHigh
	}
	if containsAny(strings.ToLower(s.Profile.MedicalHistory), c.pregnancy) {
		return pkg.PriorityHigh
	}
	return pkg.PriorityMedium
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
