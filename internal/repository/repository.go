package repository

import (
	"context"
	"time"

	"github.com/farmeye/api/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	UpdatePassword(ctx context.Context, userID string, hash []byte) error
}

// RefreshTokenRepository stores refresh token digests.
type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *domain.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	// RotateRefreshToken revokes oldID, links it to next and inserts next atomically.
	RotateRefreshToken(ctx context.Context, oldID string, next *domain.RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAllRefreshTokens(ctx context.Context, userID string) error
}

// DiagnosisFilter narrows a history listing. Zero values disable a filter.
type DiagnosisFilter struct {
	Result  string
	Symptom string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// DiagnosisRepository persists diagnoses.
type DiagnosisRepository interface {
	CreateDiagnosis(ctx context.Context, diagnosis *domain.Diagnosis) error
	GetDiagnosis(ctx context.Context, userID string, id int64) (*domain.Diagnosis, error)
	ListDiagnoses(ctx context.Context, userID string, filter DiagnosisFilter) ([]domain.Diagnosis, int, error)
	ListAllDiagnoses(ctx context.Context, userID string) ([]domain.Diagnosis, error)
	DeleteDiagnosis(ctx context.Context, userID string, id int64) error
}
