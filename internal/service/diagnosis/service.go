package diagnosis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/inference"
	"github.com/farmeye/api/internal/repository"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	// MaxPage bounds page numbers so the row offset cannot overflow.
	MaxPage = 100_000
	// TopicPrefix namespaces websocket topics carrying new diagnoses.
	TopicPrefix = "diagnoses:"
)

var (
	ErrInvalidInput = errors.New("diagnosis: invalid input")
	ErrInvalidImage = errors.New("diagnosis: file is not a valid image")
	ErrNotFound     = errors.New("diagnosis: not found")
)

// Classifier predicts a class for an image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (inference.Prediction, error)
}

// Recommender produces free-text advice for a prompt.
type Recommender interface {
	Recommend(ctx context.Context, prompt string) (string, error)
}

// FileStore persists uploaded images.
type FileStore interface {
	Save(originalName string, r io.Reader) (string, error)
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
}

// Notifier fans out new diagnoses to live subscribers.
type Notifier interface {
	PublishJSON(topic string, v any) error
}

// Service orchestrates scans and history queries.
type Service struct {
	repo        repository.DiagnosisRepository
	classifier  Classifier
	recommender Recommender
	files       FileStore
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a Service. recommender and notifier may be nil.
func New(repo repository.DiagnosisRepository, classifier Classifier, recommender Recommender, files FileStore, notifier Notifier, logger *slog.Logger) Service {
	initMetrics()
	return Service{
		repo:        repo,
		classifier:  classifier,
		recommender: recommender,
		files:       files,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// ScanInput is an uploaded image with the symptoms reported alongside it.
type ScanInput struct {
	Filename string
	Image    []byte
	Symptoms []string
}

// Scan classifies an uploaded image, applies the symptom rules, attaches a
// recommendation and stores the diagnosis.
func (s Service) Scan(ctx context.Context, userID string, in ScanInput) (*domain.Diagnosis, error) {
	if len(in.Image) == 0 {
		return nil, fmt.Errorf("%w: image required", ErrInvalidInput)
	}
	img, err := inference.Decode(bytes.NewReader(in.Image))
	if err != nil {
		return nil, ErrInvalidImage
	}
	symptoms := CleanSymptoms(in.Symptoms)

	stored, err := s.files.Save(in.Filename, bytes.NewReader(in.Image))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	prediction, available := s.classify(ctx, img)
	result := Adjust(prediction.Label, symptoms)
	recommendation, source := s.recommend(ctx, result, symptoms)

	d := s.build(userID, result, prediction, available, recommendation, source, symptoms)
	d.File = stored
	d.OriginalFilename = filepath.Base(strings.TrimSpace(in.Filename))
	if err := s.save(ctx, d); err != nil {
		if rmErr := s.files.Remove(stored); rmErr != nil {
			s.logger.Warn("remove orphaned upload", "file", stored, "error", rmErr)
		}
		return nil, err
	}
	return d, nil
}

// RecommendInput carries a diagnosis computed elsewhere.
type RecommendInput struct {
	Diagnosis string
	Symptoms  []string
	File      string
}

// Recommend adjusts a client supplied diagnosis with the symptom rules,
// attaches a recommendation and stores the result.
func (s Service) Recommend(ctx context.Context, userID string, in RecommendInput) (*domain.Diagnosis, error) {
	base := strings.TrimSpace(in.Diagnosis)
	if base == "" {
		return nil, fmt.Errorf("%w: diagnosis required", ErrInvalidInput)
	}
	symptoms := CleanSymptoms(in.Symptoms)
	result := Adjust(base, symptoms)
	recommendation, source := s.recommend(ctx, result, symptoms)

	d := s.build(userID, result, inference.Prediction{Label: base}, false, recommendation, source, symptoms)
	// The file reference is client supplied. It is kept for display only and
	// never resolved against stored uploads, which Delete and Image act on.
	if file := strings.TrimSpace(in.File); file != "" {
		d.OriginalFilename = filepath.Base(file)
	}
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// HistoryQuery selects one page of a user's diagnoses.
type HistoryQuery struct {
	Page    int
	Limit   int
	Result  string
	Symptom string
	From    time.Time
	To      time.Time
}

// HistoryPage is a page of diagnoses with paging totals.
type HistoryPage struct {
	Total      int
	Page       int
	Limit      int
	TotalPages int
	Items      []domain.Diagnosis
}

// History lists the caller's diagnoses, newest first.
func (s Service) History(ctx context.Context, userID string, q HistoryQuery) (HistoryPage, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = defaultPageSize
	}
	if q.Page < 1 || q.Page > MaxPage {
		return HistoryPage{}, fmt.Errorf("%w: page must be between 1 and %d", ErrInvalidInput, MaxPage)
	}
	if q.Limit < 1 || q.Limit > maxPageSize {
		return HistoryPage{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, maxPageSize)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return HistoryPage{}, fmt.Errorf("%w: to precedes from", ErrInvalidInput)
	}
	items, total, err := s.repo.ListDiagnoses(ctx, userID, repository.DiagnosisFilter{
		Result:  q.Result,
		Symptom: q.Symptom,
		From:    q.From,
		To:      q.To,
		Limit:   q.Limit,
		Offset:  (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
		Items:      items,
	}, nil
}

// Get returns one of the caller's diagnoses.
func (s Service) Get(ctx context.Context, userID string, id int64) (*domain.Diagnosis, error) {
	d, err := s.repo.GetDiagnosis(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// Delete removes one of the caller's diagnoses and its stored image.
func (s Service) Delete(ctx context.Context, userID string, id int64) error {
	d, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteDiagnosis(ctx, userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if d.File != "" {
		if err := s.files.Remove(d.File); err != nil {
			s.logger.Warn("remove upload", "file", d.File, "error", err)
		}
	}
	s.logger.Info("diagnosis deleted", "user_id", userID, "diagnosis_id", id)
	return nil
}

// Stats aggregates the caller's full history.
func (s Service) Stats(ctx context.Context, userID string) (Statistics, error) {
	history, err := s.repo.ListAllDiagnoses(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	return Aggregate(history), nil
}

// Image loads the stored upload of a diagnosis. It returns nil without error
// when the diagnosis has no readable image.
func (s Service) Image(d *domain.Diagnosis) image.Image {
	if d == nil || d.File == "" {
		return nil
	}
	rc, err := s.files.Open(d.File)
	if err != nil {
		return nil
	}
	defer rc.Close()
	img, err := inference.Decode(rc)
	if err != nil {
		s.logger.Warn("decode stored upload", "file", d.File, "error", err)
		return nil
	}
	return img
}

func (s Service) classify(ctx context.Context, img image.Image) (inference.Prediction, bool) {
	if s.classifier == nil {
		fallbacksTotal.WithLabelValues("classifier").Inc()
		return inference.Unknown(), false
	}
	prediction, err := s.classifier.Classify(ctx, img)
	if err != nil {
		if !errors.Is(err, inference.ErrUnavailable) {
			s.logger.Warn("classifier failed, using fallback", "error", err)
		}
		fallbacksTotal.WithLabelValues("classifier").Inc()
		return inference.Unknown(), false
	}
	return prediction, true
}

func (s Service) recommend(ctx context.Context, result string, symptoms []string) (string, string) {
	if s.recommender != nil {
		answer, err := s.recommender.Recommend(ctx, BuildPrompt(result, symptoms))
		if err == nil && strings.TrimSpace(answer) != "" {
			return answer, domain.RecommendationSourceLLM
		}
		if err != nil {
			s.logger.Warn("llm recommendation failed, using local table", "error", err)
		}
	}
	fallbacksTotal.WithLabelValues("llm").Inc()
	return LocalRecommendation(result), domain.RecommendationSourceLocal
}

func (s Service) build(userID, result string, prediction inference.Prediction, available bool, recommendation, source string, symptoms []string) *domain.Diagnosis {
	analysis := AnalyzeSymptoms(symptoms)
	return &domain.Diagnosis{
		UserID:               userID,
		Result:               result,
		Prediction:           prediction.Label,
		Confidence:           prediction.Confidence,
		Recommendation:       recommendation,
		RecommendationSource: source,
		Symptoms:             symptoms,
		Metadata: domain.DiagnosisMetadata{
			Confidence:           prediction.Confidence,
			Severity:             analysis.Severity,
			ModelPrediction:      prediction.Label,
			ModelAvailable:       available,
			RecommendationSource: source,
			SymptomAnalysis:      analysis,
		},
		CreatedAt: s.now().UTC(),
	}
}

func (s Service) save(ctx context.Context, d *domain.Diagnosis) error {
	if err := s.repo.CreateDiagnosis(ctx, d); err != nil {
		return fmt.Errorf("store diagnosis: %w", err)
	}
	diagnosesTotal.WithLabelValues(metricResult(d.Result), d.RecommendationSource).Inc()
	s.logger.Info("diagnosis stored",
		"user_id", d.UserID,
		"diagnosis_id", d.ID,
		"result", d.Result,
		"prediction", d.Prediction,
		"source", d.RecommendationSource,
	)
	if s.notifier != nil {
		if err := s.notifier.PublishJSON(TopicPrefix+d.UserID, d); err != nil {
			s.logger.Warn("publish diagnosis", "diagnosis_id", d.ID, "error", err)
		}
	}
	return nil
}
