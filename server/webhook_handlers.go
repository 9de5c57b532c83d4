package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/countersign-io/countersign/pkg/canonical"
	"github.com/countersign-io/countersign/pkg/risk"
	"github.com/countersign-io/countersign/pkg/signing"
)

// Inbound transport signature header, set by the executor over the
// canonical JSON of the request body.
const executorSignatureHeader = "X-Executor-Signature"

// requireSignedWebhook verifies the executor's detached signature
// before any webhook handler runs. When a nonce is present it is also
// checked against the replay window.
func (s *Server) requireSignedWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Signing.RequireWebhookSignature {
			c.Next()
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respondError(c, http.StatusBadRequest, "unreadable body", s.logger)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		sig := c.GetHeader(executorSignatureHeader)
		if sig == "" {
			respondError(c, http.StatusUnauthorized, "missing signature", s.logger)
			return
		}

		// Canonicalize the raw bytes, not a decoded tree: decoding into
		// map[string]any would rewrite numeric literals (5.0 -> 5) and
		// the recomputed bytes would no longer match what was signed.
		msg, err := canonical.Marshal(json.RawMessage(raw))
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid json", s.logger)
			return
		}
		if err := signing.VerifyBytes(s.executorPub, msg, sig); err != nil {
			respondError(c, http.StatusUnauthorized, "signature verification failed", s.logger)
			return
		}

		var body map[string]any
		if err := json.Unmarshal(raw, &body); err == nil {
			if nonce, ok := body["nonce"].(string); ok && nonce != "" {
				source, _ := body["device_id"].(string)
				if source == "" {
					source = "executor"
				}
				if err := s.nonces.CheckAndStore(source, nonce, time.Now().UTC()); err != nil {
					respondError(c, http.StatusConflict, "nonce replay detected", s.logger)
					return
				}
			}
		}

		c.Next()
	}
}

type presenceEvent struct {
	DeviceID string `json:"device_id" binding:"required"`
	Status   string `json:"status" binding:"required"`
	Nonce    string `json:"nonce"`
}

func (s *Server) handlePresenceWebhook(c *gin.Context) {
	var event presenceEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, http.StatusBadRequest, "invalid presence event", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "device_id = ?", event.DeviceID).Error; err != nil {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}

	now := time.Now().UTC()
	updates := map[string]any{"last_seen": now}
	if err := s.db.Model(&device).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record presence", s.logger)
		return
	}

	if _, err := s.audit.Append("executor", "executor", event.DeviceID, "presence_"+event.Status, event, nil); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to audit presence event")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type commandAckEvent struct {
	CommandID string `json:"command_id" binding:"required"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status" binding:"required"`
	Nonce     string `json:"nonce"`
}

func (s *Server) handleCommandAckWebhook(c *gin.Context) {
	var event commandAckEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, http.StatusBadRequest, "invalid ack event", s.logger)
		return
	}

	cmd, err := s.loadCommand(event.CommandID)
	if err != nil {
		respondError(c, http.StatusNotFound, "command not found", s.logger)
		return
	}

	state := CommandFailed
	if event.Status == "received" {
		state = CommandAckReceived
	}

	if err := s.db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(map[string]any{"state": state, "reason": event.Status}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record ack", s.logger)
		return
	}

	if _, err := s.audit.Append("executor", "executor", cmd.DeviceID, "command_ack", event, nil); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to audit command ack")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": state})
}

type commandResultEvent struct {
	CommandID    string         `json:"command_id" binding:"required"`
	DeviceID     string         `json:"device_id"`
	Status       string         `json:"status" binding:"required"`
	Result       map[string]any `json:"result"`
	ErrorCode    *int           `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Nonce        string         `json:"nonce"`
}

func (s *Server) handleCommandResultWebhook(c *gin.Context) {
	var event commandResultEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, http.StatusBadRequest, "invalid result event", s.logger)
		return
	}

	cmd, err := s.loadCommand(event.CommandID)
	if err != nil {
		respondError(c, http.StatusNotFound, "command not found", s.logger)
		return
	}

	state := CommandFailed
	if event.Status == "completed" {
		state = CommandCompleted
	}

	now := time.Now().UTC()
	updates := map[string]any{"state": state, "completed_at": now}
	if event.Result != nil {
		if raw, err := json.Marshal(event.Result); err == nil {
			updates["result"] = string(raw)
		}
	}
	if event.ErrorCode != nil {
		updates["error_code"] = *event.ErrorCode
	}
	if event.ErrorMessage != "" {
		updates["error_message"] = event.ErrorMessage
	}

	if err := s.db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record result", s.logger)
		return
	}

	if _, err := s.audit.Append("executor", "executor", cmd.DeviceID, "command_result", event, nil); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to audit command result")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": state})
}

type auditAppendEvent struct {
	DeviceID  string         `json:"device_id" binding:"required"`
	EventType string         `json:"event_type" binding:"required"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
	PrevHash  *string        `json:"prev_hash"`
	Nonce     string         `json:"nonce"`
}

// handleAuditAppendWebhook lets the executor extend a device's chain
// with events the control plane never saw directly (local enforcement,
// offline actions). The optional prev_hash lets the executor assert the
// tail it observed.
func (s *Server) handleAuditAppendWebhook(c *gin.Context) {
	var event auditAppendEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, http.StatusBadRequest, "invalid audit event", s.logger)
		return
	}

	actorID := event.ActorID
	if actorID == "" {
		actorID = "executor"
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	entry, err := s.audit.Append("executor", actorID, event.DeviceID, event.EventType, payload, event.PrevHash)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to append audit entry", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"audit_id":  entry.AuditID,
		"hash":      entry.Hash,
		"prev_hash": entry.PrevHash,
	})
}

type telemetryEvent struct {
	DeviceID string         `json:"device_id" binding:"required"`
	Rollup   map[string]any `json:"rollup" binding:"required"`
	Nonce    string         `json:"nonce"`
}

// handleTelemetryWebhook ingests a device rollup: snapshot the raw
// payload, refresh the risk score, and let the rollup's policy hash
// settle any due truth-loop checks.
func (s *Server) handleTelemetryWebhook(c *gin.Context) {
	var event telemetryEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, http.StatusBadRequest, "invalid telemetry event", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "device_id = ?", event.DeviceID).Error; err != nil {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}

	metrics, _ := event.Rollup["metrics"].(map[string]any)
	score := risk.Score(metrics)

	rawRollup, err := json.Marshal(event.Rollup)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid rollup", s.logger)
		return
	}

	now := time.Now().UTC()
	snapshot := TelemetrySnapshot{
		DeviceID:  event.DeviceID,
		Rollup:    string(rawRollup),
		RiskScore: score,
		Timestamp: now,
	}
	if err := s.db.Create(&snapshot).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store telemetry", s.logger)
		return
	}

	reportedHash, _ := event.Rollup["policy_hash"].(string)
	updates := map[string]any{
		"risk_score": score,
		"last_seen":  now,
	}
	if reportedHash != "" {
		updates["reported_policy_hash"] = reportedHash
	}
	if err := s.db.Model(&device).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to update device", s.logger)
		return
	}

	s.resolvePending(event.DeviceID, reportedHash)

	c.JSON(http.StatusOK, gin.H{"status": "ok", "risk_score": score})
}
