package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const submitRateWindow = time.Minute

// handleSubmitCommand is the front door of the control plane: every
// remote action enters here and leaves as either a queued command or a
// refusal with a machine-readable reason.
func (s *Server) handleSubmitCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid command request", s.logger)
		return
	}

	if !s.rateLimiter.Allow(req.DeviceID, s.cfg.RateLimit.SubmitPerMinute, submitRateWindow) {
		respondError(c, http.StatusTooManyRequests, "submission rate exceeded", s.logger)
		return
	}

	outcome := s.Enqueue(req)

	auditEvent := "command_rejected"
	if outcome.Status == OutcomeAccepted {
		auditEvent = "command_accepted"
	}
	auditPayload := map[string]any{
		"client_message_id": req.ClientMessageID,
		"method":            req.Method,
		"status":            outcome.Status,
		"reason":            outcome.Reason,
	}
	if outcome.Command != nil {
		auditPayload["command_id"] = outcome.Command.ID
	}
	if _, err := s.audit.Append("user", req.UserID, req.DeviceID, auditEvent, auditPayload, nil); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to audit command submission")
	}

	switch {
	case outcome.Status == OutcomeAccepted:
		c.JSON(http.StatusAccepted, outcome)
	case outcome.Status == OutcomeRequire2FA:
		c.JSON(http.StatusUnauthorized, outcome)
	case outcome.Reason == "invalid_params":
		c.JSON(http.StatusUnprocessableEntity, outcome)
	default:
		c.JSON(http.StatusForbidden, outcome)
	}
}

func (s *Server) handleGetCommand(c *gin.Context) {
	cmd, err := s.loadCommand(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "command not found", s.logger)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) handleListCommands(c *gin.Context) {
	query := s.db.Order("created_at desc").Limit(200)
	if deviceID := c.Query("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	if state := c.Query("state"); state != "" {
		query = query.Where("state = ?", state)
	}

	var commands []Command
	if err := query.Find(&commands).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list commands", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands, "count": len(commands)})
}

func (s *Server) handleListDevices(c *gin.Context) {
	var devices []Device
	if err := s.db.Order("device_id asc").Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	var device Device
	if err := s.db.First(&device, "device_id = ?", c.Param("id")).Error; err != nil {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	query := s.db.Order("created_at desc").Limit(200)
	if deviceID := c.Query("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	var alerts []Alert
	if err := query.Find(&alerts).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list alerts", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleListVerifications(c *gin.Context) {
	query := s.db.Order("created_at desc").Limit(200)
	if deviceID := c.Query("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var checks []StateVerification
	if err := query.Find(&checks).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list verifications", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verifications": checks, "count": len(checks)})
}
