package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/snapnfix-api/internal/middleware"
	"github.com/noah-isme/snapnfix-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.AccessClaims {
	return middleware.Claims(c)
}
