package registry

import "testing"

func TestLookup(t *testing.T) {
	r := New()
	if r.Lookup("ping") == nil {
		t.Fatal("ping should be registered")
	}
	if r.Lookup("format_disk") != nil {
		t.Fatal("unknown method must resolve to nil, never defaulted")
	}
}

func TestRoleOrdering(t *testing.T) {
	r := New()
	tests := []struct {
		method string
		role   string
		want   bool
	}{
		{"ping", "user", true},
		{"ping", "admin", true},
		{"lock_screen", "user", false},
		{"lock_screen", "analyst", true},
		{"reboot", "analyst", false},
		{"reboot", "admin", true},
		{"ping", "superuser", false}, // unknown role weights to zero
		{"ping", "", false},
	}
	for _, tt := range tests {
		def := r.Lookup(tt.method)
		if def == nil {
			t.Fatalf("missing definition %s", tt.method)
		}
		if got := def.IsRoleAllowed(tt.role); got != tt.want {
			t.Errorf("%s.IsRoleAllowed(%q) = %v, want %v", tt.method, tt.role, got, tt.want)
		}
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	def := New().Lookup("stage_update")
	errs := def.Validate(map[string]any{"channel": "nightly"})
	if len(errs) != 2 {
		t.Fatalf("want 2 field errors (missing release_id, bad channel), got %v", errs)
	}

	errs = def.Validate(map[string]any{"release_id": "rel-9", "channel": "stable"})
	if len(errs) != 0 {
		t.Fatalf("valid params should pass, got %v", errs)
	}

	errs = def.Validate(map[string]any{"release_id": 42, "channel": "stable"})
	if len(errs) != 1 || errs[0].Field != "release_id" {
		t.Fatalf("type mismatch should be reported, got %v", errs)
	}
}

func TestHighRiskDefinitionsRequireTwoFactor(t *testing.T) {
	r := New()
	for _, name := range []string{"reboot", "shutdown", "rotate_keys", "stage_update"} {
		if def := r.Lookup(name); !def.RequiresTwoFactor {
			t.Errorf("%s should require 2FA", name)
		}
	}
	if New().Lookup("ping").RequiresTwoFactor {
		t.Error("ping should not require 2FA")
	}
}
