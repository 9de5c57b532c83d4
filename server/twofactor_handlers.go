package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/countersign-io/countersign/pkg/totp"
)

const pendingSecretKeyPrefix = "2fa_pending:"

type twoFactorSetupRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// handleTwoFactorSetup issues a fresh pending secret. The secret only
// becomes the user's enrolled secret once a valid code proves the
// authenticator captured it.
func (s *Server) handleTwoFactorSetup(c *gin.Context) {
	var req twoFactorSetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid setup request", s.logger)
		return
	}

	var user User
	if err := s.db.First(&user, "user_id = ?", req.UserID).Error; err != nil {
		respondError(c, http.StatusNotFound, "user not found", s.logger)
		return
	}

	secret, err := totp.GenerateSecret(20)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate secret", s.logger)
		return
	}

	ttl := time.Duration(s.cfg.TwoFactor.PendingTTLSecs) * time.Second
	s.cache.PutTTL(pendingSecretKeyPrefix+req.UserID, secret, ttl)

	c.JSON(http.StatusOK, gin.H{
		"user_id":        req.UserID,
		"secret":         secret,
		"enrollment_uri": s.totp.EnrollmentURI(s.cfg.TwoFactor.Issuer, req.UserID, secret),
		"expires_in_s":   int(ttl.Seconds()),
	})
}

type twoFactorVerifyRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// handleTwoFactorVerify confirms enrollment. The pending secret is
// single-use: a wrong code burns it and setup must restart.
func (s *Server) handleTwoFactorVerify(c *gin.Context) {
	var req twoFactorVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid verify request", s.logger)
		return
	}

	secret, ok := s.cache.Pull(pendingSecretKeyPrefix + req.UserID)
	if !ok {
		respondError(c, http.StatusGone, "no pending enrollment", s.logger)
		return
	}

	if !s.totp.Verify(secret, req.Code, 1, time.Now()) {
		respondError(c, http.StatusUnauthorized, "invalid code", s.logger)
		return
	}

	updates := map[string]any{
		"two_factor_secret":  secret,
		"two_factor_enabled": true,
	}
	if err := s.db.Model(&User{}).Where("user_id = ?", req.UserID).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to enable two-factor", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "two_factor_enabled": true})
}
