package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/pkg/config"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
)

// ClockSkew is the leeway applied when checking exp/nbf/iat.
const ClockSkew = 30 * time.Second

// CredentialSigner mints and verifies HS256 tokens with the process-wide key.
// The key is copied at construction and never changes afterwards.
type CredentialSigner struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewCredentialSigner validates cfg and builds a signer.
func NewCredentialSigner(cfg config.JWTConfig) (*CredentialSigner, error) {
	if cfg.Key == "" {
		return nil, appErrors.Clone(appErrors.ErrConfiguration, "signing key is missing")
	}
	if len(cfg.Key) < config.MinSigningKeyBytes {
		return nil, appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("signing key must be at least %d bytes", config.MinSigningKeyBytes))
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, appErrors.Clone(appErrors.ErrConfiguration, "issuer and audience are required")
	}
	return &CredentialSigner{
		key:      []byte(cfg.Key),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sign produces a compact JWS for claims.
func (s *CredentialSigner) Sign(claims jwt.Claims) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", appErrors.Clone(appErrors.ErrConfiguration, "signing key is missing")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// SignAccess mints an access token binding user to deviceID.
func (s *CredentialSigner) SignAccess(user *models.User, deviceID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.AccessClaims{
		Email:            user.Email,
		Name:             user.DisplayName(),
		DeviceID:         deviceID,
		Roles:            append([]string(nil), user.Roles...),
		IssuedAtMilli:    issuedAt.UnixMilli(),
		RegisteredClaims: s.registered(user.ID, issuedAt, expiresAt),
	}
	return s.Sign(claims)
}

// SignPurpose mints a purpose token for contact.
func (s *CredentialSigner) SignPurpose(contact string, purpose models.TokenPurpose, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.PurposeClaims{
		Contact:          contact,
		Purpose:          purpose,
		IssuedAt:         issuedAt.UTC().Format(time.RFC3339Nano),
		RegisteredClaims: s.registered("", issuedAt, expiresAt),
	}
	return s.Sign(claims)
}

// ParseAccess verifies signature, algorithm, issuer, audience and expiry.
func (s *CredentialSigner) ParseAccess(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ParsePurpose verifies a purpose token and that it was issued for purpose.
func (s *CredentialSigner) ParsePurpose(tokenString string, purpose models.TokenPurpose) (*models.PurposeClaims, error) {
	claims := &models.PurposeClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, appErrors.ErrPurposeMismatch
	}
	return claims, nil
}

func (s *CredentialSigner) parse(tokenString string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(ClockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "token expired")
		}
		return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}
	return nil
}

func (s *CredentialSigner) registered(subject string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}
