package domain

import "time"

// RoleUser is assigned to self-registered accounts.
const RoleUser = "user"

// User represents a farmer or technician account.
type User struct {
	ID           string
	Username     string
	Email        string
	FullName     string
	Phone        string
	Address      string
	Role         string
	Disabled     bool
	PasswordHash []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
