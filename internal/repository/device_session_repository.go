package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/snapnfix-api/internal/models"
)

// DeviceSessionTx is the set of device and refresh token operations that run
// inside one transaction. Lookups return sql.ErrNoRows when nothing matches.
type DeviceSessionTx interface {
	UpsertDevice(ctx context.Context, device *models.Device) error
	FindDevice(ctx context.Context, userID, deviceIdentifier string) (*models.Device, error)
	FindDeviceByID(ctx context.Context, id string) (*models.Device, error)
	TouchDevice(ctx context.Context, deviceID string, ts time.Time) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)

	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindActiveRefreshTokenForUpdate(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)
	FindRefreshTokenByDeviceForUpdate(ctx context.Context, deviceID string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, tokenID, previousHash, nextHash string, expiresAt, now time.Time) (bool, error)
	ExpireRefreshToken(ctx context.Context, tokenID string, now time.Time) error
}

// DeviceSessionRepository owns the user_devices and refresh_tokens tables.
type DeviceSessionRepository struct {
	db *sqlx.DB
}

// NewDeviceSessionRepository creates a new DeviceSessionRepository.
func NewDeviceSessionRepository(db *sqlx.DB) *DeviceSessionRepository {
	return &DeviceSessionRepository{db: db}
}

// WithinTx runs fn in a single transaction and commits when it returns nil.
// A canceled ctx rolls back anything not yet committed; once Commit has
// succeeded the work stands regardless of ctx.
func (r *DeviceSessionRepository) WithinTx(ctx context.Context, fn func(tx DeviceSessionTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin device session tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&deviceSessionTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit device session tx: %w", err)
	}
	return nil
}

type deviceSessionTx struct {
	tx *sqlx.Tx
}

const deviceColumns = `id, user_id, device_identifier, device_name, platform, device_type, push_token, last_used_at, created_at, updated_at`

const refreshTokenColumns = `id, user_device_id, token_hash, created_at, expires_at, rotated_at, rotation_count`

// UpsertDevice inserts the device or, when (user_id, device_identifier)
// already exists, updates it in place. The stored id and created_at are
// written back to device.
func (t *deviceSessionTx) UpsertDevice(ctx context.Context, device *models.Device) error {
	const query = `INSERT INTO user_devices (` + deviceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, device_identifier) DO UPDATE SET
    device_name = EXCLUDED.device_name,
    platform = EXCLUDED.platform,
    device_type = EXCLUDED.device_type,
    push_token = COALESCE(NULLIF(EXCLUDED.push_token, ''), user_devices.push_token),
    last_used_at = EXCLUDED.last_used_at,
    updated_at = EXCLUDED.updated_at
RETURNING id, push_token, created_at`

	row := t.tx.QueryRowxContext(ctx, query,
		device.ID,
		device.UserID,
		device.DeviceIdentifier,
		device.DeviceName,
		device.Platform,
		device.DeviceType,
		device.PushToken,
		device.LastUsedAt,
		device.CreatedAt,
		device.UpdatedAt,
	)
	if err := row.Scan(&device.ID, &device.PushToken, &device.CreatedAt); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// FindDevice returns the device registered under deviceIdentifier for userID.
func (t *deviceSessionTx) FindDevice(ctx context.Context, userID, deviceIdentifier string) (*models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM user_devices WHERE user_id = $1 AND device_identifier = $2 LIMIT 1`
	var device models.Device
	if err := t.tx.GetContext(ctx, &device, query, userID, deviceIdentifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &device, nil
}

// FindDeviceByID returns the device with the given primary key.
func (t *deviceSessionTx) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM user_devices WHERE id = $1 LIMIT 1`
	var device models.Device
	if err := t.tx.GetContext(ctx, &device, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find device by id: %w", err)
	}
	return &device, nil
}

// TouchDevice records that the device was just used.
func (t *deviceSessionTx) TouchDevice(ctx context.Context, deviceID string, ts time.Time) error {
	const query = `UPDATE user_devices SET last_used_at = $2, updated_at = $2 WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, query, deviceID, ts); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// FindUserByID loads the device owner inside the transaction.
func (t *deviceSessionTx) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return findUserByID(ctx, t.tx, id)
}

// SaveRefreshToken stores token as the device's only refresh token, replacing
// any previous value.
func (t *deviceSessionTx) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const query = `INSERT INTO refresh_tokens (id, user_device_id, token_hash, created_at, expires_at, rotation_count)
VALUES ($1, $2, $3, $4, $5, 0)
ON CONFLICT (user_device_id) DO UPDATE SET
    token_hash = EXCLUDED.token_hash,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    rotated_at = EXCLUDED.created_at,
    rotation_count = refresh_tokens.rotation_count + 1
RETURNING id, rotated_at, rotation_count`

	row := t.tx.QueryRowxContext(ctx, query, token.ID, token.DeviceID, token.TokenHash, token.CreatedAt, token.ExpiresAt)
	if err := row.Scan(&token.ID, &token.RotatedAt, &token.RotationCount); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// FindActiveRefreshTokenForUpdate locks the unexpired row matching tokenHash.
// Expired and unknown tokens both yield sql.ErrNoRows.
func (t *deviceSessionTx) FindActiveRefreshTokenForUpdate(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2 LIMIT 1 FOR UPDATE`
	var token models.RefreshToken
	if err := t.tx.GetContext(ctx, &token, query, tokenHash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find active refresh token: %w", err)
	}
	return &token, nil
}

// FindRefreshTokenByDeviceForUpdate locks the device's refresh token row
// whatever its state.
func (t *deviceSessionTx) FindRefreshTokenByDeviceForUpdate(ctx context.Context, deviceID string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_device_id = $1 LIMIT 1 FOR UPDATE`
	var token models.RefreshToken
	if err := t.tx.GetContext(ctx, &token, query, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by device: %w", err)
	}
	return &token, nil
}

// RotateRefreshToken replaces the value and expiry of the same row. It only
// applies while the row still holds previousHash and is unexpired, and
// reports false when another writer got there first.
func (t *deviceSessionTx) RotateRefreshToken(ctx context.Context, tokenID, previousHash, nextHash string, expiresAt, now time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens
SET token_hash = $3, expires_at = $4, rotated_at = $5, rotation_count = rotation_count + 1
WHERE id = $1 AND token_hash = $2 AND expires_at > $5`

	res, err := t.tx.ExecContext(ctx, query, tokenID, previousHash, nextHash, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate refresh token rows: %w", err)
	}
	return affected == 1, nil
}

// ExpireRefreshToken forces the token's expiry to now without deleting it. An
// earlier expiry is kept.
func (t *deviceSessionTx) ExpireRefreshToken(ctx context.Context, tokenID string, now time.Time) error {
	const query = `UPDATE refresh_tokens SET expires_at = LEAST(expires_at, $2) WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, query, tokenID, now); err != nil {
		return fmt.Errorf("expire refresh token: %w", err)
	}
	return nil
}
