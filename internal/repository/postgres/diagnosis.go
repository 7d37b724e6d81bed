package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/repository"
)

const diagnosisColumns = `id, user_id, result, prediction, confidence, recommendation, recommendation_source, file, original_filename, symptoms, metadata, created_at`

// CreateDiagnosis inserts a diagnosis and fills its identifier and timestamp.
func (r *Repository) CreateDiagnosis(ctx context.Context, diagnosis *domain.Diagnosis) error {
	if diagnosis == nil || strings.TrimSpace(diagnosis.UserID) == "" {
		return repository.ErrInvalidArgument
	}
	metadata, err := json.Marshal(diagnosis.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	symptoms := diagnosis.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	const query = `INSERT INTO diagnosis (
		user_id,
		result,
		prediction,
		confidence,
		recommendation,
		recommendation_source,
		file,
		original_filename,
		symptoms,
		metadata,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,COALESCE($11, NOW()))
	RETURNING id, created_at`
	err = r.pool.QueryRow(ctx, query,
		diagnosis.UserID,
		diagnosis.Result,
		diagnosis.Prediction,
		diagnosis.Confidence,
		diagnosis.Recommendation,
		diagnosis.RecommendationSource,
		diagnosis.File,
		diagnosis.OriginalFilename,
		symptoms,
		metadata,
		nilTime(diagnosis.CreatedAt),
	).Scan(&diagnosis.ID, &diagnosis.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetDiagnosis returns a diagnosis owned by userID.
func (r *Repository) GetDiagnosis(ctx context.Context, userID string, id int64) (*domain.Diagnosis, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+diagnosisColumns+` FROM diagnosis WHERE id = $1 AND user_id = $2`, id, userID)
	return scanDiagnosis(row)
}

// ListDiagnoses returns one page of a user's history, newest first, along
// with the number of rows matching the filter.
func (r *Repository) ListDiagnoses(ctx context.Context, userID string, filter repository.DiagnosisFilter) ([]domain.Diagnosis, int, error) {
	where, args := diagnosisWhere(userID, filter)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM diagnosis WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM diagnosis WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		diagnosisColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()
	items, err := collectDiagnoses(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListAllDiagnoses returns the full history of a user in creation order.
func (r *Repository) ListAllDiagnoses(ctx context.Context, userID string) ([]domain.Diagnosis, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+diagnosisColumns+` FROM diagnosis WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return collectDiagnoses(rows)
}

// DeleteDiagnosis removes a diagnosis owned by userID.
func (r *Repository) DeleteDiagnosis(ctx context.Context, userID string, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM diagnosis WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// likeEscaper makes LIKE wildcards in user input match literally. Backslash
// is the default ILIKE escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func diagnosisWhere(userID string, filter repository.DiagnosisFilter) (string, []any) {
	clauses := []string{"user_id = $1"}
	args := []any{userID}
	if result := strings.TrimSpace(filter.Result); result != "" {
		args = append(args, result)
		clauses = append(clauses, fmt.Sprintf("LOWER(result) = LOWER($%d)", len(args)))
	}
	if symptom := strings.TrimSpace(filter.Symptom); symptom != "" {
		args = append(args, "%"+likeEscaper.Replace(symptom)+"%")
		clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(symptoms) AS s WHERE s ILIKE $%d)", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func collectDiagnoses(rows pgx.Rows) ([]domain.Diagnosis, error) {
	items := make([]domain.Diagnosis, 0)
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *d)
	}
	return items, rows.Err()
}

func scanDiagnosis(row pgx.Row) (*domain.Diagnosis, error) {
	var (
		d        domain.Diagnosis
		metadata []byte
	)
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Result,
		&d.Prediction,
		&d.Confidence,
		&d.Recommendation,
		&d.RecommendationSource,
		&d.File,
		&d.OriginalFilename,
		&d.Symptoms,
		&metadata,
		&d.CreatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &d, nil
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
