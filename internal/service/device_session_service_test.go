package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/internal/repository"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

// memoryStore is a serialised in-memory stand-in for DeviceSessionRepository.
// A failed transaction restores the state it started from.
type memoryStore struct {
	mu      sync.Mutex
	users   map[string]models.User
	devices map[string]models.Device
	tokens  map[string]models.RefreshToken // keyed by device id
	txCount int

	beginErr  error
	loseRace  bool
	rotateErr error
}

func newMemoryStore(users ...*models.User) *memoryStore {
	s := &memoryStore{
		users:   make(map[string]models.User),
		devices: make(map[string]models.Device),
		tokens:  make(map[string]models.RefreshToken),
	}
	for _, u := range users {
		s.users[u.ID] = *u
	}
	return s
}

func (s *memoryStore) WithinTx(ctx context.Context, fn func(tx repository.DeviceSessionTx) error) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	devices := make(map[string]models.Device, len(s.devices))
	for k, v := range s.devices {
		devices[k] = v
	}
	tokens := make(map[string]models.RefreshToken, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = v
	}

	if err := fn(&memoryTx{store: s}); err != nil {
		s.devices = devices
		s.tokens = tokens
		return err
	}
	return nil
}

func (s *memoryStore) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *memoryStore) tokenFor(deviceID string) (models.RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[deviceID]
	return t, ok
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) UpsertDevice(ctx context.Context, device *models.Device) error {
	for id, existing := range t.store.devices {
		if existing.UserID == device.UserID && existing.DeviceIdentifier == device.DeviceIdentifier {
			existing.DeviceName = device.DeviceName
			existing.Platform = device.Platform
			existing.DeviceType = device.DeviceType
			if device.PushToken != "" {
				existing.PushToken = device.PushToken
			}
			existing.LastUsedAt = device.LastUsedAt
			existing.UpdatedAt = device.UpdatedAt
			t.store.devices[id] = existing
			device.ID = existing.ID
			device.PushToken = existing.PushToken
			device.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	t.store.devices[device.ID] = *device
	return nil
}

func (t *memoryTx) FindDevice(ctx context.Context, userID, deviceIdentifier string) (*models.Device, error) {
	for _, d := range t.store.devices {
		if d.UserID == userID && d.DeviceIdentifier == deviceIdentifier {
			device := d
			return &device, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *memoryTx) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	d, ok := t.store.devices[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &d, nil
}

func (t *memoryTx) TouchDevice(ctx context.Context, deviceID string, ts time.Time) error {
	d, ok := t.store.devices[deviceID]
	if !ok {
		return nil
	}
	d.LastUsedAt = ts
	d.UpdatedAt = ts
	t.store.devices[deviceID] = d
	return nil
}

func (t *memoryTx) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := t.store.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

func (t *memoryTx) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if existing, ok := t.store.tokens[token.DeviceID]; ok {
		existing.TokenHash = token.TokenHash
		existing.CreatedAt = token.CreatedAt
		existing.ExpiresAt = token.ExpiresAt
		rotated := token.CreatedAt
		existing.RotatedAt = &rotated
		existing.RotationCount++
		t.store.tokens[token.DeviceID] = existing
		token.ID = existing.ID
		token.RotatedAt = existing.RotatedAt
		token.RotationCount = existing.RotationCount
		return nil
	}
	t.store.tokens[token.DeviceID] = *token
	return nil
}

func (t *memoryTx) FindActiveRefreshTokenForUpdate(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	for _, tok := range t.store.tokens {
		if tok.TokenHash == tokenHash && tok.ExpiresAt.After(now) {
			token := tok
			return &token, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *memoryTx) FindRefreshTokenByDeviceForUpdate(ctx context.Context, deviceID string) (*models.RefreshToken, error) {
	tok, ok := t.store.tokens[deviceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &tok, nil
}

func (t *memoryTx) RotateRefreshToken(ctx context.Context, tokenID, previousHash, nextHash string, expiresAt, now time.Time) (bool, error) {
	if t.store.rotateErr != nil {
		return false, t.store.rotateErr
	}
	if t.store.loseRace {
		return false, nil
	}
	for deviceID, tok := range t.store.tokens {
		if tok.ID != tokenID {
			continue
		}
		if tok.TokenHash != previousHash || !tok.ExpiresAt.After(now) {
			return false, nil
		}
		tok.TokenHash = nextHash
		tok.ExpiresAt = expiresAt
		rotated := now
		tok.RotatedAt = &rotated
		tok.RotationCount++
		t.store.tokens[deviceID] = tok
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) ExpireRefreshToken(ctx context.Context, tokenID string, now time.Time) error {
	for deviceID, tok := range t.store.tokens {
		if tok.ID == tokenID && tok.ExpiresAt.After(now) {
			tok.ExpiresAt = now
			t.store.tokens[deviceID] = tok
		}
	}
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func testUser() *models.User {
	return &models.User{
		ID:        "user-1",
		Email:     "a@x.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Roles:     []string{models.RoleCitizen},
		Active:    true,
	}
}

func phoneA() models.DeviceRegistration {
	return models.DeviceRegistration{
		DeviceIdentifier: "phoneA",
		DeviceName:       "Pixel",
		Platform:         "android",
		DeviceType:       "phone",
		PushToken:        "fcm-1",
	}
}

func newTestManager(t *testing.T, store *memoryStore) (*DeviceSessionManager, *testClock) {
	t.Helper()
	clock := newTestClock()
	signer := newTestSigner(t, clock.Now)
	cfg := testJWTConfig()
	manager := NewDeviceSessionManager(store, signer, DeviceSessionConfig{
		AccessTokenExpiry:  cfg.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.RefreshTokenExpiry,
	}, nil)
	manager.now = clock.Now
	return manager, clock
}

func TestRegisterDeviceTwiceKeepsOneRowWithLatestName(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)

	first, err := manager.RegisterDevice(context.Background(), user.ID, phoneA())
	require.NoError(t, err)

	again := phoneA()
	again.DeviceName = "Pixel 9"
	again.PushToken = ""
	second, err := manager.RegisterDevice(context.Background(), user.ID, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Pixel 9", second.DeviceName)
	assert.Equal(t, "fcm-1", second.PushToken)
	assert.Equal(t, 1, store.deviceCount())
}

func TestIssueForDeviceBindsAccessTokenToDevice(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, clock := newTestManager(t, store)

	sessionA, err := manager.IssueForDevice(context.Background(), user, phoneA())
	require.NoError(t, err)

	tablet := phoneA()
	tablet.DeviceIdentifier = "tabletB"
	sessionB, err := manager.IssueForDevice(context.Background(), user, tablet)
	require.NoError(t, err)
	require.NotEqual(t, sessionA.Device.ID, sessionB.Device.ID)

	claimsA, err := manager.signer.ParseAccess(sessionA.Pair.AccessToken)
	require.NoError(t, err)
	claimsB, err := manager.signer.ParseAccess(sessionB.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sessionA.Device.ID, claimsA.DeviceID)
	assert.Equal(t, sessionB.Device.ID, claimsB.DeviceID)

	pair := sessionA.Pair
	assert.Equal(t, sessionA.Device.ID, pair.DeviceID)
	assert.Equal(t, int64(300), pair.ExpiresIn)
	assert.Equal(t, clock.Now().Add(5*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), pair.RefreshExpiresAt)
	assert.Len(t, pair.RefreshToken, 44)

	stored, ok := store.tokenFor(sessionA.Device.ID)
	require.True(t, ok)
	assert.Equal(t, hashRefreshToken(pair.RefreshToken), stored.TokenHash)
	assert.NotEqual(t, pair.RefreshToken, stored.TokenHash)
}

func TestIssuePairReplacesPreviousToken(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)

	session, err := manager.IssueForDevice(context.Background(), user, phoneA())
	require.NoError(t, err)

	pair, err := manager.IssuePair(context.Background(), user, session.Device)
	require.NoError(t, err)
	assert.NotEqual(t, session.Pair.RefreshToken, pair.RefreshToken)

	_, err = manager.Refresh(context.Background(), session.Pair.RefreshToken)
	assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)

	_, err = manager.Refresh(context.Background(), pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRotationScenario(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, clock := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)
	rt1 := issued.Pair.RefreshToken

	clock.Advance(time.Minute)
	rotated, err := manager.Refresh(ctx, rt1)
	require.NoError(t, err)
	rt2 := rotated.Pair.RefreshToken
	assert.NotEqual(t, rt1, rt2)
	assert.Equal(t, issued.Device.ID, rotated.Device.ID)
	assert.Equal(t, clock.Now(), rotated.Device.LastUsedAt)

	stored, ok := store.tokenFor(issued.Device.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.RotationCount)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), stored.ExpiresAt)

	_, err = manager.Refresh(ctx, rt1)
	assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)

	again, err := manager.Refresh(ctx, rt2)
	require.NoError(t, err)
	assert.NotEqual(t, rt2, again.Pair.RefreshToken)
}

func TestRevokeScenario(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)
	rotated, err := manager.Refresh(ctx, issued.Pair.RefreshToken)
	require.NoError(t, err)

	device, revoked, err := manager.RevokeDevice(ctx, user.ID, "phoneA")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, issued.Device.ID, device.ID)

	_, err = manager.Refresh(ctx, rotated.Pair.RefreshToken)
	assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)

	_, revoked, err = manager.RevokeDevice(ctx, user.ID, "phoneA")
	require.NoError(t, err)
	assert.False(t, revoked)

	stored, ok := store.tokenFor(issued.Device.ID)
	require.True(t, ok, "revocation keeps the row")
	assert.False(t, stored.ActiveAt(manager.now()))
}

func TestRevokeWithoutTokenReportsFalse(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	_, revoked, err := manager.RevokeDevice(ctx, user.ID, "unknown")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = manager.RegisterDevice(ctx, user.ID, phoneA())
	require.NoError(t, err)
	device, revoked, err := manager.RevokeDevice(ctx, user.ID, "phoneA")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.NotNil(t, device)
}

func TestRevokeIsScopedToOwner(t *testing.T) {
	user := testUser()
	other := &models.User{ID: "user-2", Active: true}
	store := newMemoryStore(user, other)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)

	_, revoked, err := manager.RevokeDevice(ctx, other.ID, "phoneA")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRevokeLeavesSiblingDeviceSession(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	phone, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)
	tabletReg := phoneA()
	tabletReg.DeviceIdentifier = "tabletB"
	tablet, err := manager.IssueForDevice(ctx, user, tabletReg)
	require.NoError(t, err)

	device, revoked, err := manager.RevokeDevice(ctx, user.ID, "phoneA")
	require.NoError(t, err)
	require.True(t, revoked)
	assert.Equal(t, phone.Device.ID, device.ID)

	_, err = manager.Refresh(ctx, phone.Pair.RefreshToken)
	assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)

	rotated, err := manager.Refresh(ctx, tablet.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, tablet.Device.ID, rotated.Device.ID)
	assert.Equal(t, 2, store.deviceCount())
}

func TestRefreshFailuresAreIndistinguishable(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, clock := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)
	rotated, err := manager.Refresh(ctx, issued.Pair.RefreshToken)
	require.NoError(t, err)

	_, unknownErr := manager.Refresh(ctx, "bm90LWEtcmVhbC10b2tlbg==")
	_, rotatedErr := manager.Refresh(ctx, issued.Pair.RefreshToken)
	_, emptyErr := manager.Refresh(ctx, "   ")

	clock.Advance(8 * 24 * time.Hour)
	_, expiredErr := manager.Refresh(ctx, rotated.Pair.RefreshToken)

	for _, err := range []error{unknownErr, rotatedErr, emptyErr, expiredErr} {
		require.Error(t, err)
		assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)
		assert.Equal(t, unknownErr.Error(), err.Error())
		assert.Equal(t, appErrors.FromError(unknownErr).Status, appErrors.FromError(err).Status)
	}
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)

	store.mu.Lock()
	inactive := store.users[user.ID]
	inactive.Active = false
	store.users[user.ID] = inactive
	store.mu.Unlock()

	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.ErrorIs(t, err, appErrors.ErrInactiveAccount)

	stored, ok := store.tokenFor(issued.Device.ID)
	require.True(t, ok)
	assert.Equal(t, hashRefreshToken(issued.Pair.RefreshToken), stored.TokenHash)
}

func TestRefreshLosingRotationRaceIsInvalid(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)

	store.loseRace = true
	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.ErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)
}

func TestRefreshPropagatesStorageErrors(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)

	storageErr := errors.New("connection reset")
	store.rotateErr = storageErr
	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.ErrorIs(t, err, storageErr)
	assert.NotErrorIs(t, err, appErrors.ErrTokenExpiredOrInvalid)

	store.rotateErr = nil
	store.beginErr = storageErr
	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.ErrorIs(t, err, storageErr)
}

func TestRefreshHonoursCanceledContext(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)

	issued, err := manager.IssueForDevice(context.Background(), user, phoneA())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = manager.Refresh(ctx, issued.Pair.RefreshToken)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = manager.Refresh(context.Background(), issued.Pair.RefreshToken)
	assert.NoError(t, err)
}

func TestIssueForDeviceRollsBackWhenEntropyFails(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	manager.random = failingReader{}

	_, err := manager.IssueForDevice(context.Background(), user, phoneA())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate refresh token")
	assert.Equal(t, 0, store.deviceCount())
}

func TestConcurrentRefreshWithSameTokenSucceedsOnce(t *testing.T) {
	user := testUser()
	store := newMemoryStore(user)
	manager, _ := newTestManager(t, store)
	ctx := context.Background()

	issued, err := manager.IssueForDevice(ctx, user, phoneA())
	require.NoError(t, err)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := manager.Refresh(ctx, issued.Pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if errors.Is(err, appErrors.ErrTokenExpiredOrInvalid) {
				failures++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, failures)

	stored, ok := store.tokenFor(issued.Device.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.RotationCount)
}
