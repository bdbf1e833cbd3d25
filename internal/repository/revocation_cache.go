package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedDeviceKeyPrefix = "revoked_device:"

// RevocationCache keeps short-lived marks for revoked devices so access
// tokens minted before a revocation can be refused until they expire.
type RevocationCache struct {
	client *redis.Client
}

// NewRevocationCache constructs the cache. A nil client makes every call a no-op.
func NewRevocationCache(client *redis.Client) *RevocationCache {
	return &RevocationCache{client: client}
}

// MarkRevoked records deviceID as revoked at revokedAt (Unix milliseconds) for ttl.
func (r *RevocationCache) MarkRevoked(ctx context.Context, deviceID string, revokedAt time.Time, ttl time.Duration) error {
	if r == nil || r.client == nil {
		return nil
	}
	key := revokedDeviceKeyPrefix + deviceID
	if err := r.client.Set(ctx, key, revokedAt.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// RevokedAt returns when deviceID was revoked, or ok=false if no mark exists.
func (r *RevocationCache) RevokedAt(ctx context.Context, deviceID string) (time.Time, bool, error) {
	if r == nil || r.client == nil {
		return time.Time{}, false, nil
	}
	key := revokedDeviceKeyPrefix + deviceID
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revocation mark %s: %w", key, err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

// Close releases the underlying Redis connection if present.
func (r *RevocationCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
