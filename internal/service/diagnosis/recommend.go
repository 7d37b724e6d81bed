package diagnosis

import (
	"fmt"
	"strings"
)

const defaultRecommendation = "Veterinary review recommended."

var localRecommendations = map[string]string{
	LabelHealthy:              "No visible signs of disease. Keep up preventive monitoring of the flock.",
	LabelCoryzaSuspected:      "Isolate the hen and consult a veterinarian. Disinfect feeders and drinkers.",
	LabelFowlpoxSuspected:     "Apply antiseptic to the lesions, isolate the bird and vaccinate the flock if needed.",
	LabelDehydrationSuspected: "Provide electrolytes and shade. Check access to clean, fresh water.",
	LabelSkinLesionSuspected:  "Clean the lesion and watch for pecking injuries within the flock.",
	"coryza":                  "Isolate affected birds and ask a veterinarian about antibiotic treatment.",
	"gumboro":                 "Raise biosecurity, support the flock with vitamins and review the IBD vaccination plan.",
	"newcastle":               "Notify a veterinarian immediately. Newcastle disease is notifiable in most regions.",
	"bronchitis":              "Improve ventilation, keep the house warm and review infectious bronchitis vaccination.",
}

// LocalRecommendation returns the built-in advice for a result class.
func LocalRecommendation(result string) string {
	if rec, ok := localRecommendations[strings.ToLower(strings.TrimSpace(result))]; ok {
		return rec
	}
	return defaultRecommendation
}

// BuildPrompt renders the veterinarian prompt sent to the language model.
func BuildPrompt(result string, symptoms []string) string {
	reported := "none reported"
	if len(symptoms) > 0 {
		reported = strings.Join(symptoms, ", ")
	}
	return fmt.Sprintf(`You are a poultry veterinarian with 50 years of experience.
A hen was diagnosed with: %s.
Reported symptoms: %s.
Give a clear and practical recommendation for the farmer. Cover treatment, isolation of the bird, environmental conditions and prevention for the rest of the flock.`, result, reported)
}
