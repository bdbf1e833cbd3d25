package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/snapnfix-api/internal/models"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

// PurposeTokenExpiry is the fixed lifetime of purpose tokens.
const PurposeTokenExpiry = 5 * time.Minute

type sessionManager interface {
	IssueForDevice(ctx context.Context, user *models.User, reg models.DeviceRegistration) (*DeviceSession, error)
	Refresh(ctx context.Context, presented string) (*DeviceSession, error)
	RevokeDevice(ctx context.Context, userID, deviceIdentifier string) (*models.Device, bool, error)
}

type revocationMarker interface {
	MarkRevoked(ctx context.Context, deviceID string, revokedAt time.Time, ttl time.Duration) error
}

type auditRecorder interface {
	Record(log *models.AuditLog)
}

// RequestMeta identifies where a token request came from, for auditing.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// TokenService exposes the four token operations to the transport layer and
// runs the side effects that follow a committed change.
type TokenService struct {
	sessions    sessionManager
	signer      *CredentialSigner
	revocations revocationMarker
	audit       auditRecorder
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	accessTTL   time.Duration
	now         func() time.Time
}

// TokenServiceOptions carries the optional collaborators of TokenService.
type TokenServiceOptions struct {
	Revocations revocationMarker
	Audit       auditRecorder
	Metrics     *MetricsService
	Validator   *validator.Validate
	Logger      *zap.Logger
	AccessTTL   time.Duration
}

// NewTokenService constructs a TokenService.
func NewTokenService(sessions sessionManager, signer *CredentialSigner, opts TokenServiceOptions) *TokenService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	return &TokenService{
		sessions:    sessions,
		signer:      signer,
		revocations: opts.Revocations,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		validator:   opts.Validator,
		logger:      opts.Logger,
		accessTTL:   opts.AccessTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// GenerateTokensForDevice registers the device for user and issues its pair.
func (s *TokenService) GenerateTokensForDevice(ctx context.Context, user *models.User, reg models.DeviceRegistration) (*DeviceSession, error) {
	if user == nil || user.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user is required")
	}
	if err := s.validator.Struct(reg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid device payload")
	}

	session, err := s.sessions.IssueForDevice(ctx, user, reg)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(TokenKindDevicePair)
	return session, nil
}

// RefreshToken rotates req.RefreshToken and returns the new pair.
func (s *TokenService) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*DeviceSession, error) {
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordRefresh(ResultInvalid)
		return nil, tokenExpiredOrInvalid()
	}

	session, err := s.sessions.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, appErrors.ErrTokenExpiredOrInvalid) || errors.Is(err, appErrors.ErrInactiveAccount) {
			s.metrics.RecordRefresh(ResultInvalid)
		} else {
			s.metrics.RecordRefresh(ResultError)
			s.logger.Error("refresh token rotation failed", zap.Error(err))
		}
		return nil, err
	}

	s.metrics.RecordRefresh(ResultSuccess)
	s.metrics.RecordTokenIssued(TokenKindRefresh)
	s.record(session.User.ID, models.AuditActionRefresh, session.Device.ID, map[string]interface{}{
		"device_id": session.Device.DeviceIdentifier,
	}, RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
	return session, nil
}

// RevokeDeviceTokens ends the session of userID's device. The result is false
// when the device had no active refresh token.
func (s *TokenService) RevokeDeviceTokens(ctx context.Context, userID string, req models.RevokeDeviceRequest) (bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid revoke payload")
	}

	device, revoked, err := s.sessions.RevokeDevice(ctx, userID, strings.TrimSpace(req.DeviceIdentifier))
	if err != nil {
		s.metrics.RecordRevocation(ResultError)
		return false, err
	}
	if !revoked {
		s.metrics.RecordRevocation(ResultNoop)
		return false, nil
	}
	s.metrics.RecordRevocation(ResultSuccess)

	if s.revocations != nil {
		// The revocation is committed; a canceled request must not skip the mark.
		detached := context.WithoutCancel(ctx)
		// Tokens stay verifiable for ClockSkew past exp, so the mark must too.
		if err := s.revocations.MarkRevoked(detached, device.ID, s.now(), s.accessTTL+ClockSkew); err != nil {
			s.logger.Warn("failed to record device revocation mark", zap.String("device_id", device.ID), zap.Error(err))
		}
	}
	s.record(userID, models.AuditActionDeviceRevoke, device.ID, map[string]interface{}{
		"device_id": device.DeviceIdentifier,
	}, RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
	return true, nil
}

// IssuePurposeToken signs a token binding contact to purpose for five minutes.
func (s *TokenService) IssuePurposeToken(contact string, purpose models.TokenPurpose) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "contact is required")
	}
	if !purpose.Valid() {
		return "", appErrors.Clone(appErrors.ErrValidation, "unknown token purpose")
	}

	issuedAt := s.now()
	token, err := s.signer.SignPurpose(contact, purpose, issuedAt, issuedAt.Add(PurposeTokenExpiry))
	if err != nil {
		return "", err
	}
	s.metrics.RecordTokenIssued(TokenKindPurpose)
	return token, nil
}

// VerifyPurposeToken checks token and that it was issued for purpose.
func (s *TokenService) VerifyPurposeToken(token string, purpose models.TokenPurpose) (*models.PurposeClaims, error) {
	return s.signer.ParsePurpose(token, purpose)
}

func (s *TokenService) record(userID, action, resourceID string, values interface{}, meta RequestMeta) {
	if s.audit == nil {
		return
	}
	s.audit.Record(&models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "device",
		ResourceID: &resourceID,
		NewValues:  auditValues(values),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
}
