// Package registry holds the static catalog of remote command
// definitions. The catalog is immutable after process start: every
// dispatched command must resolve to exactly one definition, and an
// unknown method is a terminal rejection.
package registry

import "fmt"

// Risk levels, ordered.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Roles known to the control plane. Unknown roles weight to zero and
// are never allowed.
var roleWeights = map[string]int{
	"user":    1,
	"analyst": 2,
	"admin":   3,
}

// ParamRule validates a single named parameter.
type ParamRule struct {
	Name     string
	Type     string // "string", "number", "bool"
	Required bool
	MaxLen   int      // strings only, 0 = unlimited
	Enum     []string // strings only, empty = unrestricted
}

// Definition describes one command the fleet may be asked to run.
type Definition struct {
	Name                string
	RiskLevel           string
	MinRole             string
	RequiresTwoFactor   bool
	AllowedInQuarantine bool
	Params              []ParamRule
}

// FieldError reports one invalid parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Registry is the static command catalog.
type Registry struct {
	defs map[string]*Definition
}

// New builds the default catalog.
func New() *Registry {
	defs := []*Definition{
		{Name: "ping", RiskLevel: RiskLow, MinRole: "user", AllowedInQuarantine: true},
		{Name: "collect_system_info", RiskLevel: RiskLow, MinRole: "user", AllowedInQuarantine: true},
		{Name: "tamper_check", RiskLevel: RiskLow, MinRole: "analyst", AllowedInQuarantine: true},
		{Name: "process_list", RiskLevel: RiskLow, MinRole: "analyst"},
		{Name: "lock_screen", RiskLevel: RiskMedium, MinRole: "analyst"},
		{Name: "logout", RiskLevel: RiskMedium, MinRole: "analyst"},
		{
			Name: "self_repair", RiskLevel: RiskMedium, MinRole: "admin", AllowedInQuarantine: true,
			Params: []ParamRule{{Name: "component", Type: "string", Required: true, MaxLen: 64}},
		},
		{Name: "reboot", RiskLevel: RiskHigh, MinRole: "admin", RequiresTwoFactor: true},
		{Name: "shutdown", RiskLevel: RiskHigh, MinRole: "admin", RequiresTwoFactor: true},
		{
			Name: "rotate_keys", RiskLevel: RiskHigh, MinRole: "admin", RequiresTwoFactor: true,
			Params: []ParamRule{{Name: "reason", Type: "string", Required: false, MaxLen: 190}},
		},
		{
			Name: "stage_update", RiskLevel: RiskHigh, MinRole: "admin", RequiresTwoFactor: true,
			Params: []ParamRule{
				{Name: "release_id", Type: "string", Required: true, MaxLen: 190},
				{Name: "channel", Type: "string", Required: true, Enum: []string{"stable", "beta", "canary"}},
			},
		},
	}

	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return &Registry{defs: m}
}

// Lookup returns the definition for a method, or nil when unknown.
func (r *Registry) Lookup(method string) *Definition {
	return r.defs[method]
}

// IsRoleAllowed compares the fixed role ordering against the
// definition's minimum role.
func (d *Definition) IsRoleAllowed(role string) bool {
	return roleWeights[role] >= roleWeights[d.MinRole] && roleWeights[role] > 0
}

// Validate applies the definition's parameter rules. It returns all
// field errors, not just the first.
func (d *Definition) Validate(params map[string]any) []FieldError {
	var errs []FieldError
	for _, rule := range d.Params {
		val, ok := params[rule.Name]
		if !ok || val == nil {
			if rule.Required {
				errs = append(errs, FieldError{Field: rule.Name, Message: "required"})
			}
			continue
		}
		if e := rule.check(val); e != "" {
			errs = append(errs, FieldError{Field: rule.Name, Message: e})
		}
	}
	return errs
}

func (r *ParamRule) check(val any) string {
	switch r.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if r.MaxLen > 0 && len(s) > r.MaxLen {
			return fmt.Sprintf("must be at most %d characters", r.MaxLen)
		}
		if len(r.Enum) > 0 {
			for _, allowed := range r.Enum {
				if s == allowed {
					return ""
				}
			}
			return fmt.Sprintf("must be one of %v", r.Enum)
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			return "must be a number"
		}
	case "bool":
		if _, ok := val.(bool); !ok {
			return "must be a boolean"
		}
	}
	return ""
}
