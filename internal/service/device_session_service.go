package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/internal/repository"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

const (
	refreshTokenBytes = 32
	// maxRefreshTokenLength bounds what is worth hashing; issued tokens are 44 chars.
	maxRefreshTokenLength = 512
)

type deviceSessionStore interface {
	WithinTx(ctx context.Context, fn func(tx repository.DeviceSessionTx) error) error
}

// DeviceSessionConfig carries the lifetimes applied to issued pairs.
type DeviceSessionConfig struct {
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// DeviceSession is the outcome of issuing or rotating a pair.
type DeviceSession struct {
	User   *models.User
	Device *models.Device
	Pair   models.TokenPair
}

// DeviceSessionManager owns device registration and the refresh token state
// machine. Every operation is one transaction against the store.
type DeviceSessionManager struct {
	store  deviceSessionStore
	signer *CredentialSigner
	cfg    DeviceSessionConfig
	logger *zap.Logger

	now    func() time.Time
	random io.Reader
}

// NewDeviceSessionManager constructs a DeviceSessionManager.
func NewDeviceSessionManager(store deviceSessionStore, signer *CredentialSigner, cfg DeviceSessionConfig, logger *zap.Logger) *DeviceSessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceSessionManager{
		store:  store,
		signer: signer,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
}

// RegisterDevice creates or updates the (userID, DeviceIdentifier) device.
func (m *DeviceSessionManager) RegisterDevice(ctx context.Context, userID string, reg models.DeviceRegistration) (*models.Device, error) {
	var device *models.Device
	err := m.store.WithinTx(ctx, func(tx repository.DeviceSessionTx) error {
		var err error
		device, err = m.registerDevice(ctx, tx, userID, reg, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// IssuePair mints a new pair for an already registered device, replacing any
// refresh token the device held.
func (m *DeviceSessionManager) IssuePair(ctx context.Context, user *models.User, device *models.Device) (*models.TokenPair, error) {
	var pair models.TokenPair
	err := m.store.WithinTx(ctx, func(tx repository.DeviceSessionTx) error {
		var err error
		pair, err = m.issuePair(ctx, tx, user, device, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// IssueForDevice registers the device and issues its pair in one commit.
func (m *DeviceSessionManager) IssueForDevice(ctx context.Context, user *models.User, reg models.DeviceRegistration) (*DeviceSession, error) {
	session := &DeviceSession{User: user}
	err := m.store.WithinTx(ctx, func(tx repository.DeviceSessionTx) error {
		now := m.now()
		device, err := m.registerDevice(ctx, tx, user.ID, reg, now)
		if err != nil {
			return err
		}
		pair, err := m.issuePair(ctx, tx, user, device, now)
		if err != nil {
			return err
		}
		session.Device = device
		session.Pair = pair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Refresh rotates the presented refresh token in place and mints a new pair.
// Unknown, expired, rotated and revoked tokens all fail with the same
// TokenExpiredOrInvalid error.
func (m *DeviceSessionManager) Refresh(ctx context.Context, presented string) (*DeviceSession, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" || len(presented) > maxRefreshTokenLength {
		return nil, tokenExpiredOrInvalid()
	}
	presentedHash := hashRefreshToken(presented)

	session := &DeviceSession{}
	err := m.store.WithinTx(ctx, func(tx repository.DeviceSessionTx) error {
		now := m.now()

		stored, err := tx.FindActiveRefreshTokenForUpdate(ctx, presentedHash, now)
		if err != nil {
			return notFoundAsInvalid(err)
		}

		device, err := tx.FindDeviceByID(ctx, stored.DeviceID)
		if err != nil {
			return notFoundAsInvalid(err)
		}

		user, err := tx.FindUserByID(ctx, device.UserID)
		if err != nil {
			return notFoundAsInvalid(err)
		}
		if !user.Active {
			return appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
		}

		nextValue, nextHash, err := m.newRefreshToken()
		if err != nil {
			return err
		}
		refreshExp := now.Add(m.cfg.RefreshTokenExpiry)

		rotated, err := tx.RotateRefreshToken(ctx, stored.ID, presentedHash, nextHash, refreshExp, now)
		if err != nil {
			return err
		}
		if !rotated {
			return tokenExpiredOrInvalid()
		}

		if err := tx.TouchDevice(ctx, device.ID, now); err != nil {
			return err
		}
		device.LastUsedAt = now

		pair, err := m.signPair(user, device, nextValue, now, refreshExp)
		if err != nil {
			return err
		}

		session.User = user
		session.Device = device
		session.Pair = pair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RevokeDevice ends the device's session by forcing its refresh token to
// expire now. It reports false when the device has no active token, which
// includes tokens that were already revoked.
func (m *DeviceSessionManager) RevokeDevice(ctx context.Context, userID, deviceIdentifier string) (*models.Device, bool, error) {
	var (
		device  *models.Device
		revoked bool
	)
	err := m.store.WithinTx(ctx, func(tx repository.DeviceSessionTx) error {
		now := m.now()

		found, err := tx.FindDevice(ctx, userID, deviceIdentifier)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		device = found

		token, err := tx.FindRefreshTokenByDeviceForUpdate(ctx, found.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if !token.ActiveAt(now) {
			return nil
		}

		if err := tx.ExpireRefreshToken(ctx, token.ID, now); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return device, revoked, nil
}

func (m *DeviceSessionManager) registerDevice(ctx context.Context, tx repository.DeviceSessionTx, userID string, reg models.DeviceRegistration, now time.Time) (*models.Device, error) {
	device := &models.Device{
		ID:               uuid.NewString(),
		UserID:           userID,
		DeviceIdentifier: strings.TrimSpace(reg.DeviceIdentifier),
		DeviceName:       reg.DeviceName,
		Platform:         reg.Platform,
		DeviceType:       reg.DeviceType,
		PushToken:        reg.PushToken,
		LastUsedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.UpsertDevice(ctx, device); err != nil {
		return nil, err
	}
	if device.ID == "" {
		m.logger.Error("device upsert returned no id", zap.String("user_id", userID))
		return nil, appErrors.ErrDeviceNotFound
	}
	return device, nil
}

func (m *DeviceSessionManager) issuePair(ctx context.Context, tx repository.DeviceSessionTx, user *models.User, device *models.Device, now time.Time) (models.TokenPair, error) {
	value, hash, err := m.newRefreshToken()
	if err != nil {
		return models.TokenPair{}, err
	}

	token := &models.RefreshToken{
		ID:        uuid.NewString(),
		DeviceID:  device.ID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RefreshTokenExpiry),
	}
	if err := tx.SaveRefreshToken(ctx, token); err != nil {
		return models.TokenPair{}, err
	}

	if err := tx.TouchDevice(ctx, device.ID, now); err != nil {
		return models.TokenPair{}, err
	}
	device.LastUsedAt = now

	return m.signPair(user, device, value, now, token.ExpiresAt)
}

func (m *DeviceSessionManager) signPair(user *models.User, device *models.Device, refreshValue string, now, refreshExp time.Time) (models.TokenPair, error) {
	accessExp := now.Add(m.cfg.AccessTokenExpiry)
	access, err := m.signer.SignAccess(user, device.ID, now, accessExp)
	if err != nil {
		return models.TokenPair{}, err
	}
	return models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshValue,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresIn:        int64(m.cfg.AccessTokenExpiry.Seconds()),
		DeviceID:         device.ID,
	}, nil
}

// newRefreshToken returns a base64 value of 32 random bytes and its digest.
func (m *DeviceSessionManager) newRefreshToken() (string, string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(buf)
	return value, hashRefreshToken(value), nil
}

func hashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func tokenExpiredOrInvalid() error {
	return appErrors.Clone(appErrors.ErrTokenExpiredOrInvalid, "")
}

// notFoundAsInvalid keeps infrastructure errors intact and folds lookups
// that found nothing into TokenExpiredOrInvalid.
func notFoundAsInvalid(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return tokenExpiredOrInvalid()
	}
	return err
}
