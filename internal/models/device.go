package models

import "time"

// Device is one install of a client app for a user. DeviceIdentifier is
// supplied by the client and is unique per user.
type Device struct {
	ID               string    `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	DeviceIdentifier string    `db:"device_identifier" json:"device_id"`
	DeviceName       string    `db:"device_name" json:"device_name"`
	Platform         string    `db:"platform" json:"platform"`
	DeviceType       string    `db:"device_type" json:"device_type"`
	PushToken        string    `db:"push_token" json:"-"`
	LastUsedAt       time.Time `db:"last_used_at" json:"last_used_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// DeviceRegistration carries the client supplied device attributes.
type DeviceRegistration struct {
	DeviceIdentifier string `json:"device_id" validate:"required,max=255"`
	DeviceName       string `json:"device_name" validate:"max=255"`
	Platform         string `json:"platform" validate:"max=64"`
	DeviceType       string `json:"device_type" validate:"max=64"`
	PushToken        string `json:"fcm_token" validate:"max=4096"`
}
