package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshToken is the single refresh token row owned by a device. Only the
// SHA-256 hex digest of the token value is stored.
type RefreshToken struct {
	ID            string     `db:"id" json:"id"`
	DeviceID      string     `db:"user_device_id" json:"device_id"`
	TokenHash     string     `db:"token_hash" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	RotatedAt     *time.Time `db:"rotated_at" json:"rotated_at,omitempty"`
	RotationCount int        `db:"rotation_count" json:"rotation_count"`
}

// ActiveAt reports whether the token is still usable at now.
func (t *RefreshToken) ActiveAt(now time.Time) bool {
	return t != nil && t.ExpiresAt.After(now)
}

// TokenPair is what a successful issue or refresh hands back to a client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	ExpiresIn        int64     `json:"expires_in"`
	DeviceID         string    `json:"device_id"`
}

// AccessClaims is the JWT payload of access tokens.
type AccessClaims struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	DeviceID string   `json:"device_id"`
	Roles    []string `json:"roles,omitempty"`

	// IssuedAtMilli is iat with millisecond resolution.
	IssuedAtMilli int64 `json:"iat_ms,omitempty"`
	jwt.RegisteredClaims
}

// IssuedAtMillis returns the issue time in Unix milliseconds, falling back to
// the second-resolution iat claim. It returns 0 when neither is present.
func (c *AccessClaims) IssuedAtMillis() int64 {
	if c.IssuedAtMilli > 0 {
		return c.IssuedAtMilli
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time.UnixMilli()
	}
	return 0
}

// UserID returns the subject claim.
func (c *AccessClaims) UserID() string {
	return c.Subject
}

// HasRole reports whether role is among the token roles.
func (c *AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenPurpose names the single operation a purpose token authorises.
type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "PasswordReset"
	PurposeEmailVerification TokenPurpose = "EmailVerification"
	PurposePhoneVerification TokenPurpose = "PhoneVerification"
)

// Valid reports whether p is a known purpose.
func (p TokenPurpose) Valid() bool {
	switch p {
	case PurposePasswordReset, PurposeEmailVerification, PurposePhoneVerification:
		return true
	}
	return false
}

// PurposeClaims is the JWT payload of purpose tokens.
type PurposeClaims struct {
	Contact  string       `json:"contact"`
	Purpose  TokenPurpose `json:"purpose"`
	IssuedAt string       `json:"issued_at"`
	jwt.RegisteredClaims
}
