package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/repository"
	"github.com/farmeye/api/pkg/crypto"
	jwtpkg "github.com/farmeye/api/pkg/jwt"
)

// Refresh exchanges a refresh token for a new token pair. The presented token
// is revoked and replaced. Presenting a token that was already revoked revokes
// the whole family of the owning user.
func (s Service) Refresh(ctx context.Context, refreshToken string) (*domain.User, TokenPair, error) {
	raw := strings.TrimSpace(refreshToken)
	if raw == "" {
		return nil, TokenPair{}, ErrInvalidRefreshToken
	}
	stored, err := s.tokens.GetRefreshTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidRefreshToken
		}
		return nil, TokenPair{}, err
	}
	if stored.Revoked {
		s.logger.Warn("revoked refresh token presented", "user_id", stored.UserID, "token_id", stored.ID)
		if err := s.tokens.RevokeAllRefreshTokens(ctx, stored.UserID); err != nil {
			s.logger.Error("revoke refresh token family", "user_id", stored.UserID, "error", err)
		}
		return nil, TokenPair{}, ErrInvalidRefreshToken
	}
	if stored.Expired(s.now()) {
		return nil, TokenPair{}, ErrInvalidRefreshToken
	}

	user, err := s.users.GetUserByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidRefreshToken
		}
		return nil, TokenPair{}, err
	}
	if user.Disabled {
		return nil, TokenPair{}, ErrInvalidRefreshToken
	}

	access, err := s.accessToken(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	next, nextRaw, err := s.newRefreshToken(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	if err := s.tokens.RotateRefreshToken(ctx, stored.ID, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// lost a race with a concurrent rotation of the same token
			return nil, TokenPair{}, ErrInvalidRefreshToken
		}
		return nil, TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return user, TokenPair{AccessToken: access, RefreshToken: nextRaw, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

// Logout revokes the given refresh token. Unknown tokens are ignored.
func (s Service) Logout(ctx context.Context, refreshToken string) error {
	raw := strings.TrimSpace(refreshToken)
	if raw == "" {
		return nil
	}
	stored, err := s.tokens.GetRefreshTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if stored.Revoked {
		return nil
	}
	if err := s.tokens.RevokeRefreshToken(ctx, stored.ID); err != nil {
		return err
	}
	s.logger.Info("user logged out", "user_id", stored.UserID)
	return nil
}

func (s Service) issueTokens(ctx context.Context, user *domain.User) (TokenPair, error) {
	access, err := s.accessToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	record, raw, err := s.newRefreshToken(user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: raw, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

func (s Service) accessToken(user *domain.User) (string, error) {
	return jwtpkg.GenerateToken(user.ID, user.Username, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
}

func (s Service) newRefreshToken(userID string) (*domain.RefreshToken, string, error) {
	raw, hash, err := crypto.NewRefreshToken()
	if err != nil {
		return nil, "", err
	}
	return &domain.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: s.now().UTC().Add(s.cfg.RefreshTokenTTL),
	}, raw, nil
}
