package diagnosis

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/farmeye/api/internal/inference"
)

var (
	metricsOnce    sync.Once
	diagnosesTotal *prometheus.CounterVec
	fallbacksTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		diagnosesTotal = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmeye",
			Subsystem: "diagnosis",
			Name:      "stored_total",
			Help:      "Diagnoses stored, by final result and recommendation source",
		}, []string{"result", "source"}))
		fallbacksTotal = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmeye",
			Subsystem: "diagnosis",
			Name:      "fallbacks_total",
			Help:      "External calls replaced by a local fallback",
		}, []string{"component"}))
	})
}

// metricResult folds results outside the known classes into "other" so
// client supplied labels cannot create unbounded series.
func metricResult(result string) string {
	result = strings.ToLower(strings.TrimSpace(result))
	if _, ok := localRecommendations[result]; ok || result == inference.LabelUnknown {
		return result
	}
	return "other"
}

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
