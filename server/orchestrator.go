package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/countersign-io/countersign/pkg/compliance"
	"github.com/countersign-io/countersign/pkg/policy"
	"github.com/countersign-io/countersign/pkg/registry"
)

// CommandRequest is one inbound command submission.
type CommandRequest struct {
	ClientMessageID string         `json:"client_message_id" binding:"required"`
	DeviceID        string         `json:"device_id" binding:"required"`
	Method          string         `json:"method" binding:"required"`
	Params          map[string]any `json:"params"`
	Sensitive       bool           `json:"sensitive"`
	UserID          string         `json:"user_id"`
	UserRole        string         `json:"user_role"`
	TwoFactorCode   string         `json:"two_factor_code"`
	PolicyHash      string         `json:"policy_hash"`
	Signals         struct {
		AttestationStatus string  `json:"attestation_status"`
		LastUpdateState   string  `json:"last_update_state"`
		RevocationStatus  string  `json:"revocation_status"`
		ClockSkewSeconds  float64 `json:"clock_skew_seconds"`
	} `json:"signals"`
}

// Outcome statuses.
const (
	OutcomeAccepted   = "accepted"
	OutcomeRejected   = "rejected"
	OutcomeRequire2FA = "require_2fa"
)

// Outcome is the synchronous result of a submission. Nothing is
// persisted unless Status is accepted.
type Outcome struct {
	Status     string                `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Errors     []registry.FieldError `json:"errors,omitempty"`
	Policy     *policy.Decision      `json:"policy,omitempty"`
	Compliance *compliance.Result    `json:"compliance,omitempty"`
	Command    *Command              `json:"command,omitempty"`
}

// Enqueue runs the acceptance state machine: resolve device and
// definition, validate params, evaluate compliance and policy (with an
// optional TOTP short-circuit), then persist and schedule dispatch.
//
// The client_message_id is stored but not deduplicated; a network-level
// resubmission creates a second Command.
func (s *Server) Enqueue(req CommandRequest) Outcome {
	var device Device
	if err := s.db.First(&device, "device_id = ?", req.DeviceID).Error; err != nil {
		return Outcome{Status: OutcomeRejected, Reason: "device_not_found"}
	}

	def := s.registry.Lookup(req.Method)
	if def == nil {
		return Outcome{Status: OutcomeRejected, Reason: "unknown_command"}
	}

	if errs := def.Validate(req.Params); len(errs) > 0 {
		return Outcome{Status: OutcomeRejected, Reason: "invalid_params", Errors: errs}
	}

	comp := compliance.Evaluate(compliance.Signals{
		AttestationStatus:  req.Signals.AttestationStatus,
		LastUpdateState:    req.Signals.LastUpdateState,
		PolicyHash:         req.PolicyHash,
		ExpectedPolicyHash: device.PolicyHash,
		RevocationStatus:   req.Signals.RevocationStatus,
		ClockSkewSeconds:   req.Signals.ClockSkewSeconds,
	}, device.RiskScore, time.Now().UTC())

	if !comp.Compliant() && def.RiskLevel != registry.RiskLow {
		return Outcome{Status: OutcomeRejected, Reason: "compliance_failed", Compliance: &comp}
	}

	twoFactorVerified := false
	if req.TwoFactorCode != "" && req.UserID != "" {
		var user User
		if err := s.db.First(&user, "user_id = ?", req.UserID).Error; err == nil {
			if user.TwoFactorEnabled && user.TwoFactorSecret != "" {
				twoFactorVerified = s.totp.Verify(user.TwoFactorSecret, req.TwoFactorCode, 1, time.Now())
			}
		}
	}

	decision := policy.Evaluate(policy.Context{
		UserRole:           req.UserRole,
		LifecycleState:     device.LifecycleState,
		PolicyHash:         req.PolicyHash,
		ExpectedPolicyHash: device.PolicyHash,
		TwoFactorVerified:  twoFactorVerified,
		RiskScore:          device.RiskScore,
	}, def)

	if decision.Decision == policy.DecisionDeny {
		return Outcome{Status: OutcomeRejected, Reason: decision.Reason, Policy: &decision, Compliance: &comp}
	}

	if decision.Decision == policy.DecisionRequire2FA {
		if req.TwoFactorCode == "" {
			return Outcome{Status: OutcomeRequire2FA, Reason: policy.ReasonTwoFactor, Policy: &decision}
		}
		// A code was supplied but did not verify.
		return Outcome{Status: OutcomeRejected, Reason: "invalid_2fa", Policy: &decision}
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return Outcome{Status: OutcomeRejected, Reason: "invalid_params"}
	}

	cmd := Command{
		ID:              uuid.NewString(),
		ClientMessageID: req.ClientMessageID,
		DeviceID:        req.DeviceID,
		UserID:          req.UserID,
		UserRole:        req.UserRole,
		Method:          req.Method,
		Params:          string(rawParams),
		Sensitive:       req.Sensitive,
		State:           CommandQueued,
		TraceID:         uuid.NewString(),
		QueuedAt:        time.Now().UTC(),
	}

	if err := s.db.Create(&cmd).Error; err != nil {
		s.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("failed to persist command")
		return Outcome{Status: OutcomeRejected, Reason: "persistence_failed"}
	}

	// Dispatch runs out of band; a full queue leaves the command queued
	// for a later redelivery cycle rather than failing the accept.
	if !s.dispatcher.Submit(dispatchJob{CommandID: cmd.ID, Policy: decision, Compliance: comp}) {
		s.logger.Warn().Str("command_id", cmd.ID).Msg("dispatch queue full, command retained as queued")
	}

	return Outcome{Status: OutcomeAccepted, Policy: &decision, Compliance: &comp, Command: &cmd}
}

func (s *Server) loadCommand(id string) (*Command, error) {
	var cmd Command
	if err := s.db.First(&cmd, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &cmd, nil
}
