package domain

import "time"

// RefreshToken is the stored side of an opaque refresh token. Only the
// digest of the value handed to the client is kept.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy *string
	CreatedAt  time.Time
}

// Expired reports whether the token is expired relative to now.
func (t RefreshToken) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(t.ExpiresAt.UTC())
}
