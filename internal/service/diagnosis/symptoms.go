package diagnosis

import (
	"strings"
	"time"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/inference"
)

// Severity levels, ordered.
const (
	SeverityNone     = "none"
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

var severityRank = map[string]int{
	SeverityNone:     0,
	SeverityMild:     1,
	SeverityModerate: 2,
	SeveritySevere:   3,
}

var symptomSeverity = map[string]string{
	"difficulty breathing":   SeveritySevere,
	"gasping":                SeveritySevere,
	"paralysis":              SeveritySevere,
	"twisted neck":           SeveritySevere,
	"bloody diarrhea":        SeveritySevere,
	"nasal discharge":        SeverityModerate,
	"swollen eyes":           SeverityModerate,
	"facial swelling":        SeverityModerate,
	"loss of appetite":       SeverityModerate,
	"lethargy":               SeverityModerate,
	"diarrhea":               SeverityModerate,
	"pale comb":              SeverityModerate,
	"limp comb":              SeverityModerate,
	"sneezing":               SeverityMild,
	"coughing":               SeverityMild,
	"watery eyes":            SeverityMild,
	"ruffled feathers":       SeverityMild,
	"reduced egg production": SeverityMild,
}

const (
	adviceRespiratory = "Improve ventilation and isolate birds showing respiratory signs."
	adviceEyes        = "Clean the eyes and check the flock for infectious coryza."
	adviceDigestive   = "Check feed and water hygiene and collect a fecal sample for analysis."
	adviceCondition   = "Monitor feed intake and body weight daily."
	adviceComb        = "Provide fresh water with electrolytes and check for heat stress."
	adviceNeuro       = "Isolate the bird immediately and contact a veterinarian."
	adviceSkin        = "Disinfect skin lesions and review fowlpox vaccination."
	adviceLaying      = "Review lighting and nutrition in the laying house."
)

var symptomAdvice = map[string]string{
	"difficulty breathing":   adviceRespiratory,
	"gasping":                adviceRespiratory,
	"nasal discharge":        adviceRespiratory,
	"sneezing":               adviceRespiratory,
	"coughing":               adviceRespiratory,
	"swollen eyes":           adviceEyes,
	"facial swelling":        adviceEyes,
	"watery eyes":            adviceEyes,
	"diarrhea":               adviceDigestive,
	"bloody diarrhea":        adviceDigestive,
	"loss of appetite":       adviceCondition,
	"lethargy":               adviceCondition,
	"ruffled feathers":       adviceCondition,
	"pale comb":              adviceComb,
	"limp comb":              adviceComb,
	"paralysis":              adviceNeuro,
	"twisted neck":           adviceNeuro,
	"reduced egg production": adviceLaying,
}

// SeverityOf returns the severity of a single symptom, or "" when unknown.
func SeverityOf(symptom string) string {
	s := normalizeSymptom(symptom)
	if sev, ok := symptomSeverity[s]; ok {
		return sev
	}
	if isLesion(s) {
		return SeverityModerate
	}
	return ""
}

func adviceFor(symptom string) string {
	if advice, ok := symptomAdvice[symptom]; ok {
		return advice
	}
	if isLesion(symptom) {
		return adviceSkin
	}
	return ""
}

// MaxSeverity returns the higher of two severity labels.
func MaxSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	if a == "" {
		return SeverityNone
	}
	return a
}

// AnalyzeSymptoms counts normalised symptoms in order of first appearance,
// grades each known symptom, derives the overall severity and collects the
// matching advice without duplicates.
func AnalyzeSymptoms(symptoms []string) domain.SymptomAnalysis {
	out := domain.SymptomAnalysis{
		Frequencies:     []domain.SymptomCount{},
		Severities:      map[string]string{},
		Severity:        SeverityNone,
		Recommendations: []string{},
	}
	index := make(map[string]int)
	seenAdvice := make(map[string]bool)
	for _, raw := range symptoms {
		s := normalizeSymptom(raw)
		if s == "" {
			continue
		}
		if i, ok := index[s]; ok {
			out.Frequencies[i].Count++
			continue
		}
		index[s] = len(out.Frequencies)
		out.Frequencies = append(out.Frequencies, domain.SymptomCount{Symptom: s, Count: 1})

		if sev := SeverityOf(s); sev != "" {
			out.Severities[s] = sev
			out.Severity = MaxSeverity(out.Severity, sev)
		}
		if advice := adviceFor(s); advice != "" && !seenAdvice[advice] {
			seenAdvice[advice] = true
			out.Recommendations = append(out.Recommendations, advice)
		}
	}
	return out
}

// Statistics summarises a user's diagnosis history.
type Statistics struct {
	Total            int                   `json:"total"`
	Healthy          int                   `json:"healthy"`
	Suspected        int                   `json:"suspected"`
	Unknown          int                   `json:"unknown"`
	ByResult         map[string]int        `json:"by_result"`
	BySeverity       map[string]int        `json:"by_severity"`
	SymptomFrequency []domain.SymptomCount `json:"symptom_frequency"`
	Recommendations  []string              `json:"recommendations"`
	LastDiagnosisAt  *time.Time            `json:"last_diagnosis_at,omitempty"`
}

// Aggregate folds a history, oldest first, into Statistics.
func Aggregate(history []domain.Diagnosis) Statistics {
	stats := Statistics{
		ByResult: map[string]int{},
		BySeverity: map[string]int{
			SeverityNone:     0,
			SeverityMild:     0,
			SeverityModerate: 0,
			SeveritySevere:   0,
		},
	}
	var all []string
	for i := range history {
		d := history[i]
		stats.Total++
		result := strings.ToLower(strings.TrimSpace(d.Result))
		stats.ByResult[result]++
		switch result {
		case LabelHealthy:
			stats.Healthy++
		case "", inference.LabelUnknown:
			stats.Unknown++
		default:
			stats.Suspected++
		}
		stats.BySeverity[AnalyzeSymptoms(d.Symptoms).Severity]++
		all = append(all, d.Symptoms...)
		if stats.LastDiagnosisAt == nil || d.CreatedAt.After(*stats.LastDiagnosisAt) {
			ts := d.CreatedAt
			stats.LastDiagnosisAt = &ts
		}
	}
	combined := AnalyzeSymptoms(all)
	stats.SymptomFrequency = combined.Frequencies
	stats.Recommendations = combined.Recommendations
	return stats
}
