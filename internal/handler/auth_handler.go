package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/internal/service"
	appErrors "github.com/noah-isme/snapnfix-api/pkg/errors"
	"github.com/noah-isme/snapnfix-api/pkg/response"
)

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	CurrentUser(ctx context.Context, claims *models.AccessClaims) (*models.UserInfo, error)
}

type tokenService interface {
	RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*service.DeviceSession, error)
	RevokeDeviceTokens(ctx context.Context, userID string, req models.RevokeDeviceRequest) (bool, error)
}

// AuthHandler wires HTTP endpoints to the auth and token services.
type AuthHandler struct {
	auth   authService
	tokens tokenService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(auth authService, tokens tokenService) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

// Login godoc
// @Summary Authenticate user on a device
// @Description Authenticate by email and password and issue a token pair bound to the presented device
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new access and refresh token pair. The presented token stops working.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshTokenRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	session, err := h.tokens.RefreshToken(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, session.Pair)
}

// RevokeDevice godoc
// @Summary Revoke a device session
// @Description End the session of one of the caller's devices. revoked is false when the device had no active session.
// @Tags Authentication
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.RevokeDeviceRequest true "Device to revoke"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/devices/revoke [post]
func (h *AuthHandler) RevokeDevice(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	h.revokeFor(c, claims.UserID())
}

// RevokeUserDevice godoc
// @Summary Revoke a device session of a user
// @Description End the session of one of the given user's devices. Allowed for admins and for the user themselves.
// @Tags Authentication
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body models.RevokeDeviceRequest true "Device to revoke"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/users/{id}/devices/revoke [post]
func (h *AuthHandler) RevokeUserDevice(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "user id is required"))
		return
	}
	h.revokeFor(c, userID)
}

func (h *AuthHandler) revokeFor(c *gin.Context, userID string) {
	var req models.RevokeDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	revoked, err := h.tokens.RevokeDeviceTokens(c.Request.Context(), userID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, models.RevokeDeviceResponse{Revoked: revoked})
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's info and the device the token is bound to
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info, err := h.auth.CurrentUser(c.Request.Context(), claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info)
}
