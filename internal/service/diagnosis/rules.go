// Package diagnosis combines model predictions with reported symptoms,
// stores the outcome and summarises a user's history.
package diagnosis

import "strings"

// Result classes produced by the symptom rules.
const (
	LabelHealthy              = "healthy"
	LabelCoryzaSuspected      = "coryza-suspected"
	LabelDehydrationSuspected = "dehydration-suspected"
	LabelFowlpoxSuspected     = "fowlpox-suspected"
	LabelSkinLesionSuspected  = "skin-lesion-suspected"
)

const (
	symptomNasalDischarge = "nasal discharge"
	symptomSwollenEyes    = "swollen eyes"
	symptomLimpComb       = "limp comb"
)

var lesionMarkers = []string{"scab", "crust"}

// Adjust applies the symptom rule table to a base prediction. Rules are
// evaluated in order and the first match wins:
//
//	nasal discharge + swollen eyes     -> coryza-suspected
//	limp comb while base is healthy    -> dehydration-suspected
//	any symptom mentioning scab/crust  -> fowlpox-suspected
//
// Otherwise the base prediction is returned unchanged.
func Adjust(prediction string, symptoms []string) string {
	set := make(map[string]struct{}, len(symptoms))
	for _, s := range symptoms {
		set[normalizeSymptom(s)] = struct{}{}
	}
	has := func(s string) bool {
		_, ok := set[s]
		return ok
	}

	switch {
	case has(symptomNasalDischarge) && has(symptomSwollenEyes):
		return LabelCoryzaSuspected
	case has(symptomLimpComb) && strings.EqualFold(strings.TrimSpace(prediction), LabelHealthy):
		return LabelDehydrationSuspected
	}
	for s := range set {
		if isLesion(s) {
			return LabelFowlpoxSuspected
		}
	}
	return prediction
}

func isLesion(symptom string) bool {
	for _, marker := range lesionMarkers {
		if strings.Contains(symptom, marker) {
			return true
		}
	}
	return false
}

// normalizeSymptom lower-cases s and collapses whitespace.
func normalizeSymptom(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CleanSymptoms trims entries and drops blanks, keeping caller casing.
func CleanSymptoms(symptoms []string) []string {
	out := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
