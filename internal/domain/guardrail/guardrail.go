// Package guardrail defines the declarative rule set every synthesized
// deployment artifact must pass before execution, and the approval rule
// that parks risky plans for a human decision.
//
// Validation is a pure function over (artifact, environment, constraints):
// the same inputs always yield the same result.
package guardrail

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentops/deployops/internal/domain/artifact"
)

// FallbackHourlyRate prices instance types missing from the table so budget
// rules still bind; a warning flags the estimate as inaccurate.
const FallbackHourlyRate = 1.0

// EnvPolicy is the per-environment rule profile.
type EnvPolicy struct {
	// AllowedInstanceTypes restricts instance types; empty allows any.
	AllowedInstanceTypes []string `json:"allowed_instance_types,omitempty" yaml:"allowed_instance_types,omitempty"`
	MaxBudgetUSDPerHour  float64  `json:"max_budget_usd_per_hour" yaml:"max_budget_usd_per_hour"`
	MinInstanceCount     int      `json:"min_instance_count" yaml:"min_instance_count"`
	MaxInstanceCount     int      `json:"max_instance_count" yaml:"max_instance_count"`
	// RequireRollbackAlarms rejects artifacts with no rollback alarms.
	RequireRollbackAlarms bool `json:"require_rollback_alarms" yaml:"require_rollback_alarms"`
	// AlwaysRequireApproval parks every plan for this environment.
	AlwaysRequireApproval bool `json:"always_require_approval" yaml:"always_require_approval"`
	// ApprovalInstanceCount parks plans at or above this fleet size; zero
	// disables the rule.
	ApprovalInstanceCount int `json:"approval_instance_count,omitempty" yaml:"approval_instance_count,omitempty"`
}

// Ruleset bundles environment policies with the price table and the global
// approval cost threshold.
type Ruleset struct {
	Pricing               map[string]float64                 `json:"pricing" yaml:"pricing"`
	Policies              map[artifact.Environment]EnvPolicy `json:"policies" yaml:"policies"`
	ApprovalCostThreshold float64                            `json:"approval_cost_threshold" yaml:"approval_cost_threshold"`
}

// DefaultRuleset returns the built-in policies: dev pinned to ml.m5.large
// under $2/hr, staging limited to m5 types under $15/hr with approval at
// three instances, prod open-typed under $50/hr with HA and rollback alarms
// required and approval always.
func DefaultRuleset() Ruleset {
	pricing := make(map[string]float64, len(artifact.InstancePricing))
	for k, v := range artifact.InstancePricing {
		pricing[k] = v
	}
	return Ruleset{
		Pricing:               pricing,
		ApprovalCostThreshold: 20.0,
		Policies: map[artifact.Environment]EnvPolicy{
			artifact.EnvDev: {
				AllowedInstanceTypes: []string{"ml.m5.large"},
				MaxBudgetUSDPerHour:  2.0,
				MinInstanceCount:     1,
				MaxInstanceCount:     2,
			},
			artifact.EnvStaging: {
				AllowedInstanceTypes:  []string{"ml.m5.large", "ml.m5.xlarge"},
				MaxBudgetUSDPerHour:   15.0,
				MinInstanceCount:      1,
				MaxInstanceCount:      4,
				ApprovalInstanceCount: 3,
			},
			artifact.EnvProd: {
				MaxBudgetUSDPerHour:   50.0,
				MinInstanceCount:      2,
				MaxInstanceCount:      4,
				RequireRollbackAlarms: true,
				AlwaysRequireApproval: true,
			},
		},
	}
}

// Result is the outcome of validating an artifact.
type Result struct {
	OK       bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// EstimateCost returns the fleet's hourly cost from the rule set's price
// table, using the fallback rate for unknown types.
func (r Ruleset) EstimateCost(a artifact.Artifact) float64 {
	rate, ok := r.Pricing[a.InstanceType]
	if !ok {
		rate = FallbackHourlyRate
	}
	return rate * float64(a.InstanceCount)
}

// Validate checks the artifact against the schema rules, the environment
// policy, and every applicable budget bound. The only constraint key read
// is budget_usd_per_hour.
func (r Ruleset) Validate(a artifact.Artifact, env artifact.Environment, constraints map[string]any) Result {
	var errs, warns []string

	errs = append(errs, a.SchemaErrors()...)

	if a.BudgetUSDPerHour <= 0 {
		errs = append(errs, fmt.Sprintf("budget_usd_per_hour must be positive, got %g", a.BudgetUSDPerHour))
	}

	policy, hasPolicy := r.Policies[env]

	if hasPolicy && len(policy.AllowedInstanceTypes) > 0 {
		allowed := false
		for _, t := range policy.AllowedInstanceTypes {
			if a.InstanceType == t {
				allowed = true
				break
			}
		}
		if !allowed {
			errs = append(errs, fmt.Sprintf("environment %s requires instance types [%s], got %s",
				env, strings.Join(policy.AllowedInstanceTypes, ", "), a.InstanceType))
		}
	}

	if hasPolicy {
		if a.InstanceCount < policy.MinInstanceCount {
			errs = append(errs, fmt.Sprintf("environment %s requires minimum %d instances, got %d",
				env, policy.MinInstanceCount, a.InstanceCount))
		}
		if policy.MaxInstanceCount > 0 && a.InstanceCount > policy.MaxInstanceCount {
			errs = append(errs, fmt.Sprintf("environment %s allows maximum %d instances, got %d",
				env, policy.MaxInstanceCount, a.InstanceCount))
		}
	}

	cost := r.EstimateCost(a)

	if hasPolicy && policy.MaxBudgetUSDPerHour > 0 && cost > policy.MaxBudgetUSDPerHour {
		errs = append(errs, fmt.Sprintf("estimated cost $%.2f/hour exceeds environment max budget $%.2f/hour",
			cost, policy.MaxBudgetUSDPerHour))
	}

	if userBudget, ok := budgetConstraint(constraints); ok {
		if cost > userBudget {
			errs = append(errs, fmt.Sprintf("estimated cost $%.2f/hour exceeds user constraint $%.2f/hour",
				cost, userBudget))
		} else if cost > userBudget*0.8 {
			warns = append(warns, fmt.Sprintf("estimated cost $%.2f/hour is close to budget limit $%.2f/hour",
				cost, userBudget))
		}
	}

	if a.BudgetUSDPerHour > 0 && cost > a.BudgetUSDPerHour {
		errs = append(errs, fmt.Sprintf("estimated cost $%.2f/hour exceeds configured budget $%.2f/hour",
			cost, a.BudgetUSDPerHour))
	}

	if _, known := r.Pricing[a.InstanceType]; !known && a.InstanceType != "" {
		warns = append(warns, fmt.Sprintf("unknown instance type %s, cost estimation may be inaccurate", a.InstanceType))
	}

	if env == artifact.EnvProd {
		if a.InstanceCount < 2 {
			errs = append(errs, "production deployments require instance_count >= 2 for HA")
		}
	}
	if hasPolicy && policy.RequireRollbackAlarms && len(a.RollbackAlarms) == 0 {
		errs = append(errs, fmt.Sprintf("environment %s requires rollback_alarms to be configured", env))
	}

	return Result{OK: len(errs) == 0, Errors: errs, Warnings: warns}
}

// RequiresApproval reports whether the plan must park for a human decision:
// environments marked always-approve, fleets at or above the environment's
// approval size, and any deployment whose estimated cost exceeds the global
// threshold.
func (r Ruleset) RequiresApproval(a artifact.Artifact, env artifact.Environment) bool {
	policy, hasPolicy := r.Policies[env]
	if hasPolicy && policy.AlwaysRequireApproval {
		return true
	}
	if r.ApprovalCostThreshold > 0 && r.EstimateCost(a) > r.ApprovalCostThreshold {
		return true
	}
	if hasPolicy && policy.ApprovalInstanceCount > 0 && a.InstanceCount >= policy.ApprovalInstanceCount {
		return true
	}
	return false
}

// ApprovalReasons lists, in human-readable form, every approval rule the
// artifact trips. Empty means no approval is required.
func (r Ruleset) ApprovalReasons(a artifact.Artifact, env artifact.Environment) []string {
	var reasons []string
	policy, hasPolicy := r.Policies[env]
	if hasPolicy && policy.AlwaysRequireApproval {
		reasons = append(reasons, fmt.Sprintf("environment %s always requires approval", env))
	}
	if r.ApprovalCostThreshold > 0 && r.EstimateCost(a) > r.ApprovalCostThreshold {
		reasons = append(reasons, fmt.Sprintf("estimated cost $%.2f/hr exceeds the $%.2f/hr approval threshold",
			r.EstimateCost(a), r.ApprovalCostThreshold))
	}
	if hasPolicy && policy.ApprovalInstanceCount > 0 && a.InstanceCount >= policy.ApprovalInstanceCount {
		reasons = append(reasons, fmt.Sprintf("fleet of %d instances is at or above the approval size of %d",
			a.InstanceCount, policy.ApprovalInstanceCount))
	}
	return reasons
}

// Environments returns the environments the rule set covers, sorted.
func (r Ruleset) Environments() []artifact.Environment {
	envs := make([]artifact.Environment, 0, len(r.Policies))
	for env := range r.Policies {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	return envs
}

func budgetConstraint(constraints map[string]any) (float64, bool) {
	if constraints == nil {
		return 0, false
	}
	switch v := constraints["budget_usd_per_hour"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
