// Package compliance evaluates device health signals into a
// compliant/non-compliant result. Every rule runs independently so all
// violations surface together; the result is advisory input to policy,
// not a gate of its own.
package compliance

import "time"

// Statuses.
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non_compliant"
)

// Failed-rule codes.
const (
	RuleAttestationFailed    = "attestation_failed"
	RuleUpdateFailed         = "update_failed"
	RulePolicyHashMismatch   = "policy_hash_mismatch"
	RuleCertificateRevoked   = "certificate_revoked"
	RuleClockSkew            = "clock_skew"
	RuleRiskExceedsThreshold = "risk_exceeds_threshold"
)

const maxClockSkewSeconds = 5
const riskThreshold = 90

var remediations = map[string]string{
	RuleAttestationFailed:    "re-run device attestation and confirm the boot chain",
	RuleUpdateFailed:         "retry the last update or roll back to the previous build",
	RulePolicyHashMismatch:   "force a policy refresh so the device converges on the expected bundle",
	RuleCertificateRevoked:   "re-enroll the device to obtain a fresh certificate",
	RuleClockSkew:            "resynchronize the device clock against a trusted time source",
	RuleRiskExceedsThreshold: "investigate the device before issuing further commands",
}

// Signals are the self-reported health inputs accompanying a command
// request or telemetry rollup.
type Signals struct {
	AttestationStatus  string  `json:"attestation_status"`
	LastUpdateState    string  `json:"last_update_state"`
	PolicyHash         string  `json:"policy_hash"`
	ExpectedPolicyHash string  `json:"expected_policy_hash"`
	RevocationStatus   string  `json:"revocation_status"`
	ClockSkewSeconds   float64 `json:"clock_skew_seconds"`
}

// Result is the transient outcome of one evaluation.
type Result struct {
	Status      string            `json:"status"`
	FailedRules []string          `json:"failed_rules"`
	Remediation map[string]string `json:"remediation,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// Compliant reports whether no rule failed.
func (r Result) Compliant() bool { return r.Status == StatusCompliant }

// Evaluate runs the full rule set against the signals and the device's
// current risk score. Rules are never short-circuited.
func Evaluate(signals Signals, deviceRiskScore float64, now time.Time) Result {
	var failed []string

	if signals.AttestationStatus != "pass" {
		failed = append(failed, RuleAttestationFailed)
	}
	if signals.LastUpdateState == "failed" {
		failed = append(failed, RuleUpdateFailed)
	}
	if signals.PolicyHash != "" && signals.ExpectedPolicyHash != "" && signals.PolicyHash != signals.ExpectedPolicyHash {
		failed = append(failed, RulePolicyHashMismatch)
	}
	if signals.RevocationStatus == "revoked" {
		failed = append(failed, RuleCertificateRevoked)
	}
	if signals.ClockSkewSeconds > maxClockSkewSeconds {
		failed = append(failed, RuleClockSkew)
	}
	if deviceRiskScore >= riskThreshold {
		failed = append(failed, RuleRiskExceedsThreshold)
	}

	res := Result{
		Status:      StatusCompliant,
		FailedRules: failed,
		EvaluatedAt: now,
	}
	if len(failed) > 0 {
		res.Status = StatusNonCompliant
		res.Remediation = make(map[string]string, len(failed))
		for _, rule := range failed {
			res.Remediation[rule] = remediations[rule]
		}
	}
	return res
}
