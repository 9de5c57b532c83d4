// Package policy decides whether a requested command may run. The
// checks form an explicit ordered list: structural/trust denials come
// first, the softer 2FA gate next, and the continuously-changing risk
// score last so it can veto an otherwise-allowed command.
package policy

import "github.com/countersign-io/countersign/pkg/registry"

// Decisions.
const (
	DecisionAllow      = "allow"
	DecisionDeny       = "deny"
	DecisionRequire2FA = "require_2fa"
)

// Reason codes.
const (
	ReasonOK              = "ok"
	ReasonRoleNotAllowed  = "role_not_allowed"
	ReasonQuarantined     = "device_quarantined"
	ReasonPolicyOutOfSync = "policy_out_of_sync"
	ReasonTwoFactor       = "2fa_required"
	ReasonRiskTooHigh     = "risk_too_high"
)

const riskVetoThreshold = 80

// Context carries the per-request inputs to evaluation. The decision is
// always computed fresh; nothing here is a persisted cache.
type Context struct {
	UserRole           string
	LifecycleState     string
	PolicyHash         string
	ExpectedPolicyHash string
	TwoFactorVerified  bool
	RiskScore          float64
}

// Decision is the transient outcome embedded into the command's audit
// record.
type Decision struct {
	Decision          string `json:"decision"`
	Reason            string `json:"reason"`
	RequiresTwoFactor bool   `json:"requires_2fa"`
}

// Evaluate runs the ordered rule list for one request.
func Evaluate(ctx Context, def *registry.Definition) Decision {
	if !def.IsRoleAllowed(ctx.UserRole) {
		return Decision{Decision: DecisionDeny, Reason: ReasonRoleNotAllowed}
	}

	if ctx.LifecycleState == "quarantine" && !def.AllowedInQuarantine {
		return Decision{Decision: DecisionDeny, Reason: ReasonQuarantined}
	}

	if ctx.PolicyHash != "" && ctx.ExpectedPolicyHash != "" && ctx.PolicyHash != ctx.ExpectedPolicyHash {
		return Decision{Decision: DecisionDeny, Reason: ReasonPolicyOutOfSync}
	}

	// The challenge precedes the risk veto: an unverified caller gets a
	// retryable require_2fa, and the veto below still applies once the
	// caller comes back verified.
	needsTwoFactor := def.RequiresTwoFactor || def.RiskLevel == registry.RiskHigh
	if needsTwoFactor && !ctx.TwoFactorVerified {
		return Decision{Decision: DecisionRequire2FA, Reason: ReasonTwoFactor, RequiresTwoFactor: true}
	}

	// Risk is evaluated last on purpose: the score changes continuously
	// and must be the final word, even after 2FA succeeded.
	if ctx.RiskScore >= riskVetoThreshold && def.RiskLevel != registry.RiskLow {
		return Decision{Decision: DecisionDeny, Reason: ReasonRiskTooHigh, RequiresTwoFactor: needsTwoFactor}
	}

	return Decision{Decision: DecisionAllow, Reason: ReasonOK, RequiresTwoFactor: needsTwoFactor}
}
