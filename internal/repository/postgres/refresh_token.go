package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/repository"
)

const (
	refreshTokenInsert = `INSERT INTO refresh_tokens (
		id,
		user_id,
		token_hash,
		expires_at,
		created_at
	) VALUES (
		$1,$2,$3,$4,NOW()
	) RETURNING created_at`
	refreshTokenSelectByHash = `SELECT id, user_id, token_hash, expires_at, revoked, replaced_by, created_at FROM refresh_tokens WHERE token_hash = $1`
)

// CreateRefreshToken persists a new refresh token digest.
func (r *Repository) CreateRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	if token == nil || strings.TrimSpace(token.TokenHash) == "" {
		return repository.ErrInvalidArgument
	}
	return insertRefreshToken(ctx, r.pool, token)
}

// GetRefreshTokenByHash fetches a token by digest.
func (r *Repository) GetRefreshTokenByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	row := r.pool.QueryRow(ctx, refreshTokenSelectByHash, strings.TrimSpace(hash))
	return scanRefreshToken(row)
}

// RotateRefreshToken revokes the old token and stores its replacement in one transaction.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldID string, next *domain.RefreshToken) error {
	if next == nil || strings.TrimSpace(next.TokenHash) == "" {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, replaced_by = $2 WHERE id = $1 AND revoked = FALSE`, oldID, next.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// RevokeRefreshToken marks a single token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	return mapError(err)
}

// RevokeAllRefreshTokens revokes every active token of a user.
func (r *Repository) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE`, userID)
	return mapError(err)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRefreshToken(ctx context.Context, q execQuerier, token *domain.RefreshToken) error {
	var createdAt time.Time
	err := q.QueryRow(ctx, refreshTokenInsert,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.ExpiresAt.UTC(),
	).Scan(&createdAt)
	if err != nil {
		return mapError(err)
	}
	token.CreatedAt = createdAt
	return nil
}

func scanRefreshToken(row pgx.Row) (*domain.RefreshToken, error) {
	var (
		token      domain.RefreshToken
		replacedBy sql.NullString
	)
	if err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.Revoked,
		&replacedBy,
		&token.CreatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	if replacedBy.Valid {
		value := replacedBy.String
		token.ReplacedBy = &value
	}
	return &token, nil
}
