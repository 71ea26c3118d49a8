package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"paramsync/backend/internal/authservice"
)

type AuthHandler struct {
	issuer *authservice.Issuer
	logger *slog.Logger
}

func NewAuthHandler(issuer *authservice.Issuer, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{issuer: issuer, logger: logger}
}

type anonymousReq struct {
	Username string `json:"username" binding:"max=64"`
}

// Anonymous POST /auth/anonymous，body 可以为空
func (h *AuthHandler) Anonymous(c *gin.Context) {
	var req anonymousReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.issuer.IssueAnonymous(strings.TrimSpace(req.Username))
	if err != nil {
		h.logger.Error("issue anonymous token", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	h.logger.Info("anonymous user created", "user", id.UserID)
	c.JSON(http.StatusOK, id)
}

type tokenReq struct {
	Token string `json:"token" binding:"required"`
}

// Refresh POST /auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req tokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.issuer.Refresh(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": id.Token, "expiresAt": id.ExpiresAt})
}

// Me GET /auth/me，token 取自 Authorization: Bearer 或 ?token=
func (h *AuthHandler) Me(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := h.issuer.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, authservice.IdentityOf(claims))
}
