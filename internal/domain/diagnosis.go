package domain

import "time"

// Recommendation sources.
const (
	RecommendationSourceLLM   = "llm"
	RecommendationSourceLocal = "local"
)

// Diagnosis is a stored classification of one hen image. The JSON form is
// what the API returns and what live subscribers receive.
type Diagnosis struct {
	ID                   int64             `json:"id"`
	UserID               string            `json:"user_id"`
	Result               string            `json:"result"`
	Prediction           string            `json:"prediction"`
	Confidence           float64           `json:"confidence"`
	Recommendation       string            `json:"recommendation"`
	RecommendationSource string            `json:"recommendation_source"`
	File                 string            `json:"filename"`
	OriginalFilename     string            `json:"original_filename,omitempty"`
	Symptoms             []string          `json:"symptoms"`
	Metadata             DiagnosisMetadata `json:"metadata"`
	CreatedAt            time.Time         `json:"timestamp"`
}

// DiagnosisMetadata is persisted as a JSON document next to the diagnosis row.
type DiagnosisMetadata struct {
	Confidence           float64         `json:"confidence"`
	Severity             string          `json:"severity"`
	ModelPrediction      string          `json:"model_prediction"`
	ModelAvailable       bool            `json:"model_available"`
	RecommendationSource string          `json:"recommendation_source"`
	SymptomAnalysis      SymptomAnalysis `json:"symptom_analysis"`
}

// SymptomCount pairs a normalised symptom with its number of occurrences.
type SymptomCount struct {
	Symptom string `json:"symptom"`
	Count   int    `json:"count"`
}

// SymptomAnalysis summarises a list of reported symptoms.
type SymptomAnalysis struct {
	Frequencies     []SymptomCount    `json:"frequencies"`
	Severities      map[string]string `json:"severities"`
	Severity        string            `json:"severity"`
	Recommendations []string          `json:"recommendations"`
}
