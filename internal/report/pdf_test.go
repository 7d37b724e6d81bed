package report

import (
	"bytes"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmeye/api/internal/domain"
)

func sampleInput() Input {
	return Input{
		Diagnosis: domain.Diagnosis{
			ID:                   42,
			Result:               "coryza-suspected",
			Prediction:           "healthy",
			Confidence:           0.87,
			Recommendation:       "Isolate the hen and consult a veterinarian.",
			RecommendationSource: domain.RecommendationSourceLocal,
			Symptoms:             []string{"nasal discharge", "swollen eyes"},
			Metadata: domain.DiagnosisMetadata{
				Severity:       "moderate",
				ModelAvailable: true,
				SymptomAnalysis: domain.SymptomAnalysis{
					Frequencies: []domain.SymptomCount{{Symptom: "nasal discharge", Count: 1}, {Symptom: "swollen eyes", Count: 1}},
					Severities:  map[string]string{"nasal discharge": "moderate", "swollen eyes": "moderate"},
					Severity:    "moderate",
					Recommendations: []string{
						"Improve ventilation and isolate birds showing respiratory signs.",
					},
				},
			},
			CreatedAt: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		},
		User: domain.User{
			Username: "maria",
			FullName: "María Pérez",
			Email:    "maria@example.com",
		},
		GeneratedAt: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestRenderProducesPDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleInput()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")), "missing pdf header")
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("%%EOF")), "missing pdf trailer")
}

func TestRenderEmbedsImage(t *testing.T) {
	var plain bytes.Buffer
	require.NoError(t, Render(&plain, sampleInput()))

	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	in := sampleInput()
	in.Image = img
	var withImage bytes.Buffer
	require.NoError(t, Render(&withImage, in))
	assert.Greater(t, withImage.Len(), plain.Len())
	assert.True(t, bytes.Contains(withImage.Bytes(), []byte("/DCTDecode")), "expected embedded jpeg")
}

func TestRenderHandlesEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Input{Diagnosis: domain.Diagnosis{ID: 1, Result: "unknown"}}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "diagnosis-7.pdf", Filename(domain.Diagnosis{ID: 7}))
}
