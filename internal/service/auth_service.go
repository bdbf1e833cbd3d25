package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/snapnfix-api/internal/models"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type deviceTokenIssuer interface {
	GenerateTokensForDevice(ctx context.Context, user *models.User, reg models.DeviceRegistration) (*DeviceSession, error)
}

type revocationLookup interface {
	RevokedAt(ctx context.Context, deviceID string) (time.Time, bool, error)
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// dummyPasswordHash is compared against when no user matches, so unknown
// emails cost the same as wrong passwords.
func dummyPasswordHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("snapnfix-unknown-user"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// AuthService provides authentication use cases on top of the token lifecycle.
type AuthService struct {
	repo        authUserRepository
	tokens      deviceTokenIssuer
	signer      *CredentialSigner
	revocations revocationLookup
	audit       auditRecorder
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// AuthServiceOptions carries the optional collaborators of AuthService.
type AuthServiceOptions struct {
	Revocations revocationLookup
	Audit       auditRecorder
	Metrics     *MetricsService
	Validator   *validator.Validate
	Logger      *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, tokens deviceTokenIssuer, signer *CredentialSigner, opts AuthServiceOptions) *AuthService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	return &AuthService{
		repo:        repo,
		tokens:      tokens,
		signer:      signer,
		revocations: opts.Revocations,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		validator:   opts.Validator,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Login authenticates a user and issues a pair for the presented device.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(dummyPasswordHash(), []byte(req.Password))
			s.metrics.RecordLogin(ResultInvalid)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.metrics.RecordLogin(ResultInvalid)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	if !user.Active {
		s.metrics.RecordLogin(ResultInvalid)
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	session, err := s.tokens.GenerateTokensForDevice(ctx, user, req.DeviceRegistration)
	if err != nil {
		s.metrics.RecordLogin(ResultError)
		return nil, err
	}
	s.metrics.RecordLogin(ResultSuccess)

	now := s.now()
	if err := s.repo.UpdateLastLogin(context.WithoutCancel(ctx), user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	if s.audit != nil {
		s.audit.Record(&models.AuditLog{
			UserID:     &user.ID,
			Action:     models.AuditActionLogin,
			Resource:   "auth",
			ResourceID: &session.Device.ID,
			NewValues: auditValues(map[string]interface{}{
				"status":    "success",
				"device_id": session.Device.DeviceIdentifier,
			}),
			IPAddress: req.IP,
			UserAgent: req.UserAgent,
		})
	}

	return &models.LoginResponse{
		TokenPair: session.Pair,
		User:      userInfo(user, session.Device.ID),
		IssuedAt:  now,
	}, nil
}

// ValidateToken verifies an access token and refuses tokens minted for a
// device at or before its most recent revocation.
func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (*models.AccessClaims, error) {
	claims, err := s.signer.ParseAccess(tokenString)
	if err != nil {
		return nil, err
	}
	if s.revocations == nil {
		return claims, nil
	}

	revokedAt, ok, err := s.revocations.RevokedAt(ctx, claims.DeviceID)
	if err != nil {
		s.logger.Warn("device revocation lookup failed", zap.String("device_id", claims.DeviceID), zap.Error(err))
		return claims, nil
	}
	if ok && claims.IssuedAtMillis() <= revokedAt.UnixMilli() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "device session revoked")
	}
	return claims, nil
}

// CurrentUser returns the authenticated user described by claims.
func (s *AuthService) CurrentUser(ctx context.Context, claims *models.AccessClaims) (*models.UserInfo, error) {
	user, err := s.repo.FindByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	info := userInfo(user, claims.DeviceID)
	return &info, nil
}

func userInfo(user *models.User, deviceID string) models.UserInfo {
	return models.UserInfo{
		ID:       user.ID,
		Email:    user.Email,
		Name:     user.DisplayName(),
		Roles:    append([]string(nil), user.Roles...),
		DeviceID: deviceID,
	}
}
