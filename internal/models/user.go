package models

import (
	"strings"
	"time"

	"github.com/lib/pq"
)

// Well-known roles carried in access tokens.
const (
	RoleAdmin   = "Admin"
	RoleCitizen = "Citizen"
)

// User is the identity record the token lifecycle reads. Identity management
// itself lives elsewhere; this service only looks users up.
type User struct {
	ID           string         `db:"id" json:"id"`
	Email        string         `db:"email" json:"email"`
	PhoneNumber  string         `db:"phone_number" json:"phone_number"`
	PasswordHash string         `db:"password_hash" json:"-"`
	FirstName    string         `db:"first_name" json:"first_name"`
	LastName     string         `db:"last_name" json:"last_name"`
	Roles        pq.StringArray `db:"roles" json:"roles"`
	Active       bool           `db:"active" json:"active"`
	LastLogin    *time.Time     `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// DisplayName joins first and last name.
func (u *User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
