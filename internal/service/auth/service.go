package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/repository"
	"github.com/farmeye/api/pkg/config"
	"github.com/farmeye/api/pkg/crypto"
	jwtpkg "github.com/farmeye/api/pkg/jwt"
)

const minPasswordLength = 8

// validate applies the same tag rules as the HTTP payload validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrUserExists          = errors.New("auth: username or email already registered")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountDisabled     = errors.New("auth: account disabled")
	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")
	ErrTokenRequired       = errors.New("auth: token required")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	tokens repository.RefreshTokenRepository
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, tokens repository.RefreshTokenRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, tokens: tokens, logger: logger, cfg: cfg, now: time.Now}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Registration carries the fields accepted at signup.
type Registration struct {
	Username string
	Email    string
	Password string
	FullName string
	Phone    string
	Address  string
}

// ProfileUpdate lists optional profile changes. Nil fields are left as is.
type ProfileUpdate struct {
	FullName *string
	Email    *string
	Phone    *string
	Address  *string
}

// Register creates a new account and signs it in.
func (s Service) Register(ctx context.Context, in Registration) (*domain.User, TokenPair, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if n := utf8.RuneCountInString(username); n < 3 || n > 50 {
		return nil, TokenPair{}, fmt.Errorf("%w: username must be 3-50 characters", ErrInvalidInput)
	}
	if err := validateEmail(email); err != nil {
		return nil, TokenPair{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, TokenPair{}, err
	}
	if strings.TrimSpace(in.FullName) == "" {
		return nil, TokenPair{}, fmt.Errorf("%w: full name required", ErrInvalidInput)
	}

	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return nil, TokenPair{}, ErrUserExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, TokenPair{}, err
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, TokenPair{}, ErrUserExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, TokenPair{}, err
	}

	hash, err := crypto.HashPassword(in.Password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	now := s.now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		Role:         domain.RoleUser,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, ErrUserExists
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, tokens, nil
}

// Login authenticates a user by username, or by email when the identifier
// looks like one, and returns tokens.
func (s Service) Login(ctx context.Context, identifier, password string) (*domain.User, TokenPair, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByUsername(ctx, identifier)
	if errors.Is(err, repository.ErrNotFound) && strings.Contains(identifier, "@") {
		user, err = s.users.GetUserByEmail(ctx, strings.ToLower(identifier))
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		s.logger.Warn("login rejected", "user_id", user.ID)
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.Disabled {
		return nil, nil, ErrAccountDisabled
	}
	return user, claims, nil
}

// Me returns the current profile.
func (s Service) Me(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, userID)
}

// UpdateProfile applies the provided profile fields and persists them.
func (s Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if name == "" {
			return nil, fmt.Errorf("%w: full name cannot be empty", ErrInvalidInput)
		}
		user.FullName = name
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		if email != user.Email {
			existing, err := s.users.GetUserByEmail(ctx, email)
			switch {
			case err == nil && existing.ID != user.ID:
				return nil, ErrUserExists
			case err != nil && !errors.Is(err, repository.ErrNotFound):
				return nil, err
			}
		}
		user.Email = email
	}
	if in.Phone != nil {
		user.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.Address != nil {
		user.Address = strings.TrimSpace(*in.Address)
	}
	if err := s.users.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	s.logger.Info("profile updated", "user_id", user.ID)
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
// Every outstanding refresh token of the user is revoked.
func (s Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := crypto.ComparePassword(user.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.tokens.RevokeAllRefreshTokens(ctx, user.ID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.logger.Info("password changed", "user_id", user.ID)
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email required", ErrInvalidInput)
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	return nil
}
