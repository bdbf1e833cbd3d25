package models

import "time"

// LoginRequest authenticates a user on a specific device.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	DeviceRegistration
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	TokenPair
	User     UserInfo  `json:"user"`
	IssuedAt time.Time `json:"issued_at"`
}

// RefreshTokenRequest exchanges a refresh token for a new pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=512"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RevokeDeviceRequest ends the session of one of the caller's devices.
type RevokeDeviceRequest struct {
	DeviceIdentifier string `json:"device_id" validate:"required,max=255"`
	IP               string `json:"-"`
	UserAgent        string `json:"-"`
}

// RevokeDeviceResponse reports whether a live session was ended.
type RevokeDeviceResponse struct {
	Revoked bool `json:"revoked"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	DeviceID string   `json:"device_id,omitempty"`
}
