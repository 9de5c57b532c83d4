package compliance

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		signals    Signals
		riskScore  float64
		wantStatus string
		wantRules  []string
	}{
		{
			name:       "healthy device",
			signals:    Signals{AttestationStatus: "pass"},
			wantStatus: StatusCompliant,
		},
		{
			name:       "attestation missing",
			signals:    Signals{AttestationStatus: "unknown"},
			wantStatus: StatusNonCompliant,
			wantRules:  []string{RuleAttestationFailed},
		},
		{
			name: "all rules reported together",
			signals: Signals{
				AttestationStatus:  "fail",
				LastUpdateState:    "failed",
				PolicyHash:         "sha256:aaa",
				ExpectedPolicyHash: "sha256:bbb",
				RevocationStatus:   "revoked",
				ClockSkewSeconds:   12,
			},
			riskScore:  95,
			wantStatus: StatusNonCompliant,
			wantRules: []string{
				RuleAttestationFailed, RuleUpdateFailed, RulePolicyHashMismatch,
				RuleCertificateRevoked, RuleClockSkew, RuleRiskExceedsThreshold,
			},
		},
		{
			name:       "absent policy hash is not a mismatch",
			signals:    Signals{AttestationStatus: "pass", ExpectedPolicyHash: "sha256:bbb"},
			wantStatus: StatusCompliant,
		},
		{
			name:       "skew at the boundary passes",
			signals:    Signals{AttestationStatus: "pass", ClockSkewSeconds: 5},
			wantStatus: StatusCompliant,
		},
		{
			name:       "risk score at threshold fails",
			signals:    Signals{AttestationStatus: "pass"},
			riskScore:  90,
			wantStatus: StatusNonCompliant,
			wantRules:  []string{RuleRiskExceedsThreshold},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.signals, tt.riskScore, now)
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (rules %v)", res.Status, tt.wantStatus, res.FailedRules)
			}
			if len(res.FailedRules) != len(tt.wantRules) {
				t.Fatalf("failed rules = %v, want %v", res.FailedRules, tt.wantRules)
			}
			for i, rule := range tt.wantRules {
				if res.FailedRules[i] != rule {
					t.Errorf("failed rule[%d] = %s, want %s", i, res.FailedRules[i], rule)
				}
				if res.Remediation[rule] == "" {
					t.Errorf("missing remediation for %s", rule)
				}
			}
		})
	}
}
