package policy

import (
	"testing"

	"github.com/countersign-io/countersign/pkg/registry"
)

func TestEvaluatePrecedence(t *testing.T) {
	reg := registry.New()
	lockScreen := reg.Lookup("lock_screen")
	rotateKeys := reg.Lookup("rotate_keys")
	ping := reg.Lookup("ping")

	tests := []struct {
		name       string
		ctx        Context
		def        *registry.Definition
		wantDec    string
		wantReason string
	}{
		{
			name:       "insufficient role denies even with verified 2fa",
			ctx:        Context{UserRole: "user", LifecycleState: "active", TwoFactorVerified: true},
			def:        rotateKeys,
			wantDec:    DecisionDeny,
			wantReason: ReasonRoleNotAllowed,
		},
		{
			name:       "quarantine blocks non-whitelisted commands",
			ctx:        Context{UserRole: "analyst", LifecycleState: "quarantine"},
			def:        lockScreen,
			wantDec:    DecisionDeny,
			wantReason: ReasonQuarantined,
		},
		{
			name:       "quarantine allows whitelisted commands",
			ctx:        Context{UserRole: "user", LifecycleState: "quarantine"},
			def:        ping,
			wantDec:    DecisionAllow,
			wantReason: ReasonOK,
		},
		{
			name: "stale policy hash denies before the 2fa gate",
			ctx: Context{
				UserRole: "admin", LifecycleState: "active",
				PolicyHash: "sha256:old", ExpectedPolicyHash: "sha256:new",
			},
			def:        rotateKeys,
			wantDec:    DecisionDeny,
			wantReason: ReasonPolicyOutOfSync,
		},
		{
			name:       "high risk command without verified 2fa",
			ctx:        Context{UserRole: "admin", LifecycleState: "active"},
			def:        rotateKeys,
			wantDec:    DecisionRequire2FA,
			wantReason: ReasonTwoFactor,
		},
		{
			name:       "risk score vetoes after 2fa succeeded",
			ctx:        Context{UserRole: "admin", LifecycleState: "active", TwoFactorVerified: true, RiskScore: 85},
			def:        rotateKeys,
			wantDec:    DecisionDeny,
			wantReason: ReasonRiskTooHigh,
		},
		{
			name:       "risk veto spares low-risk commands",
			ctx:        Context{UserRole: "user", LifecycleState: "active", RiskScore: 99},
			def:        ping,
			wantDec:    DecisionAllow,
			wantReason: ReasonOK,
		},
		{
			name:       "clean allow",
			ctx:        Context{UserRole: "admin", LifecycleState: "active", TwoFactorVerified: true, RiskScore: 10},
			def:        rotateKeys,
			wantDec:    DecisionAllow,
			wantReason: ReasonOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.ctx, tt.def)
			if got.Decision != tt.wantDec || got.Reason != tt.wantReason {
				t.Errorf("Evaluate() = %s/%s, want %s/%s", got.Decision, got.Reason, tt.wantDec, tt.wantReason)
			}
		})
	}
}

func TestRequire2FAFlagSurvivesAllow(t *testing.T) {
	def := registry.New().Lookup("reboot")
	got := Evaluate(Context{UserRole: "admin", LifecycleState: "active", TwoFactorVerified: true}, def)
	if got.Decision != DecisionAllow || !got.RequiresTwoFactor {
		t.Errorf("verified 2fa on a high-risk command should allow and keep requires_2fa, got %+v", got)
	}
}
