// Package triage turns a drafted answer and the patient's vitals into a
// safety score, an urgency bucket and a review decision. Everything here is
// pure and deterministic.
package triage

import "strings"

const (
	maxScore = 100
	minScore = 0

	criticalPenalty       = 60
	medicationStopPenalty = 40
	pregnancyPenalty      = 30
	warningSymptomPenalty = 10

	severeHypoPenalty  = 50
	hypoPenalty        = 30
	severeHyperPenalty = 45
	hyperPenalty       = 25
)

type phraseGroup struct {
	name    string
	phrases []string
}

var criticalGroups = []phraseGroup{
	{"chest_pain", []string{"chest pain", "chest pressure", "chest tightness"}},
	{"unconscious", []string{"unconscious", "unresponsive", "passed out", "loss of consciousness"}},
	{"bleeding", []string{"severe bleeding", "heavy bleeding", "bleeding heavily", "uncontrolled bleeding"}},
	{"breathing", []string{"difficulty breathing", "shortness of breath", "can't breathe", "cannot breathe", "trouble breathing"}},
	{"seizure", []string{"seizure", "convulsion"}},
}

var medicationStopPhrases = []string{
	"stop taking", "stop your medication", "stop the medication", "stop medication",
	"discontinue", "quit taking", "come off your medication",
}

var pregnancyPhrases = []string{"pregnan", "expecting a baby"}

var warningSymptoms = []string{
	"shaky", "dizzy", "sweating", "confused", "blurred vision", "vomiting", "faint",
}

// Scorer computes safety scores. The zero value applies the critical-symptom
// penalty at most once per call.
type Scorer struct {
	// CumulativeCritical subtracts the critical penalty once per distinct
	// critical category instead of once in total.
	CumulativeCritical bool
}

func NewScorer(cumulativeCritical bool) *Scorer {
	return &Scorer{CumulativeCritical: cumulativeCritical}
}

// Score rates a drafted answer against the structured vitals. The result is
// always within [0,100].
func (s *Scorer) Score(draft string, vitals Vitals) int {
	text := normalize(draft)
	score := maxScore
	score -= s.criticalDeduction(criticalCategories(text))
	score -= glucosePenalty(vitals)
	if containsAny(text, medicationStopPhrases) {
		score -= medicationStopPenalty
	}
	if containsAny(text, pregnancyPhrases) {
		score -= pregnancyPenalty
	}
	return clamp(score)
}

// ScoreQuery is Score extended with the patient's own description: critical
// phrases there count towards the same critical deduction, and reported
// warning symptoms cost a further fixed amount.
func (s *Scorer) ScoreQuery(draft, description string, vitals Vitals) int {
	text := normalize(draft)
	desc := normalize(description)

	categories := criticalCategories(text)
	for name := range criticalCategories(desc) {
		categories[name] = struct{}{}
	}

	score := maxScore
	score -= s.criticalDeduction(categories)
	score -= glucosePenalty(vitals)
	if containsAny(text, medicationStopPhrases) {
		score -= medicationStopPenalty
	}
	if containsAny(text, pregnancyPhrases) {
		score -= pregnancyPenalty
	}
	if containsAny(desc, warningSymptoms) {
		score -= warningSymptomPenalty
	}
	return clamp(score)
}

func (s *Scorer) criticalDeduction(categories map[string]struct{}) int {
	if len(categories) == 0 {
		return 0
	}
	if s.CumulativeCritical {
		return criticalPenalty * len(categories)
	}
	return criticalPenalty
}

func criticalCategories(text string) map[string]struct{} {
	found := make(map[string]struct{})
	for _, g := range criticalGroups {
		if containsAny(text, g.phrases) {
			found[g.name] = struct{}{}
		}
	}
	return found
}

func glucosePenalty(v Vitals) int {
	g, ok := v.Glucose()
	if !ok {
		return 0
	}
	switch {
	case g < 54:
		return severeHypoPenalty
	case g < 70:
		return hypoPenalty
	case g > 400:
		return severeHyperPenalty
	case g >= 250:
		return hyperPenalty
	}
	return 0
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "’", "'")
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func clamp(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
