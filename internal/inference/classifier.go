// Package inference prepares hen images and queries the classification
// model served over HTTP.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"
)

// LabelUnknown is reported when no model prediction is available.
const LabelUnknown = "unknown"

var (
	// ErrUnavailable indicates no classifier endpoint is configured.
	ErrUnavailable = errors.New("inference: classifier unavailable")
	// ErrBadResponse indicates the model returned an unusable payload.
	ErrBadResponse = errors.New("inference: unexpected model response")
)

// Prediction is the top class of a model run.
type Prediction struct {
	Label      string
	Confidence float64
	Scores     map[string]float64
}

// Unknown returns the placeholder prediction used when the model cannot run.
func Unknown() Prediction {
	return Prediction{Label: LabelUnknown}
}

// HTTPClassifier talks to a TensorFlow Serving style REST predict endpoint.
type HTTPClassifier struct {
	url     string
	classes []string
	size    int
	client  *http.Client
}

// NewHTTPClassifier constructs a classifier. An empty url yields a client
// whose Classify always returns ErrUnavailable.
func NewHTTPClassifier(url string, classes []string, size int, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if size <= 0 {
		size = DefaultImageSize
	}
	return &HTTPClassifier{
		url:     strings.TrimSpace(url),
		classes: append([]string(nil), classes...),
		size:    size,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an endpoint is configured.
func (c *HTTPClassifier) Enabled() bool {
	return c != nil && c.url != "" && len(c.classes) > 0
}

type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// Classify runs the model on img and returns the most likely class.
func (c *HTTPClassifier) Classify(ctx context.Context, img image.Image) (Prediction, error) {
	if !c.Enabled() {
		return Prediction{}, ErrUnavailable
	}
	body, err := json.Marshal(predictRequest{Instances: [][][][]float32{Tensor(img, c.size)}})
	if err != nil {
		return Prediction{}, fmt.Errorf("encode instances: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if out.Error != "" {
		return Prediction{}, fmt.Errorf("%w: %s", ErrBadResponse, out.Error)
	}
	if len(out.Predictions) == 0 {
		return Prediction{}, fmt.Errorf("%w: no predictions", ErrBadResponse)
	}
	return c.pick(out.Predictions[0])
}

func (c *HTTPClassifier) pick(scores []float64) (Prediction, error) {
	if len(scores) != len(c.classes) {
		return Prediction{}, fmt.Errorf("%w: got %d scores for %d classes", ErrBadResponse, len(scores), len(c.classes))
	}
	best := 0
	all := make(map[string]float64, len(scores))
	for i, score := range scores {
		all[c.classes[i]] = score
		if score > scores[best] {
			best = i
		}
	}
	return Prediction{Label: c.classes[best], Confidence: scores[best], Scores: all}, nil
}
