package main

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

// registerStateCheck records a pending truth-loop verification for a
// command that promises policy convergence. Devices with no expected
// policy hash have nothing to converge to, so no check is registered.
func (s *Server) registerStateCheck(cmd *Command, device *Device) {
	if device.PolicyHash == "" {
		return
	}

	check := StateVerification{
		ID:                 xid.New().String(),
		DeviceID:           device.DeviceID,
		CommandID:          cmd.ID,
		Method:             cmd.Method,
		ExpectedPolicyHash: device.PolicyHash,
		NotBefore:          time.Now().UTC().Add(time.Duration(s.cfg.Verify.DelaySeconds) * time.Second),
		Status:             VerificationPending,
	}
	if err := s.db.Create(&check).Error; err != nil {
		s.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to register state check")
		return
	}

	s.logger.Debug().
		Str("command_id", cmd.ID).
		Str("device_id", device.DeviceID).
		Time("not_before", check.NotBefore).
		Msg("state check registered")
}

// resolvePending settles every due verification for a device against
// the policy hash it just reported. Checks whose grace window has not
// elapsed stay pending for a later telemetry report.
func (s *Server) resolvePending(deviceID, reportedHash string) {
	var checks []StateVerification
	err := s.db.
		Where("device_id = ? AND status = ? AND not_before <= ?", deviceID, VerificationPending, time.Now().UTC()).
		Order("created_at asc").
		Find(&checks).Error
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to load pending state checks")
		return
	}

	now := time.Now().UTC()
	for i := range checks {
		check := &checks[i]

		if reportedHash != "" && reportedHash == check.ExpectedPolicyHash {
			check.Status = VerificationOK
			check.Details = "policy_hash_in_sync"
			check.ResolvedAt = &now
			if err := s.db.Save(check).Error; err != nil {
				s.logger.Error().Err(err).Str("check_id", check.ID).Msg("failed to resolve state check")
			}
			continue
		}

		check.Status = VerificationFailed
		check.Details = fmt.Sprintf("expected policy hash %s, device reported %q", check.ExpectedPolicyHash, reportedHash)
		check.ResolvedAt = &now
		if err := s.db.Save(check).Error; err != nil {
			s.logger.Error().Err(err).Str("check_id", check.ID).Msg("failed to resolve state check")
			continue
		}

		alert := Alert{
			AlertID:   xid.New().String(),
			DeviceID:  deviceID,
			Severity:  "high",
			Category:  "state_divergence",
			Message:   fmt.Sprintf("device did not converge after command %s (%s): %s", check.CommandID, check.Method, check.Details),
			Timestamp: now,
		}
		if err := s.db.Create(&alert).Error; err != nil {
			s.logger.Error().Err(err).Str("check_id", check.ID).Msg("failed to raise divergence alert")
			continue
		}

		s.logger.Warn().
			Str("device_id", deviceID).
			Str("command_id", check.CommandID).
			Str("alert_id", alert.AlertID).
			Msg("state divergence detected")
	}
}
