// Package artifact defines the deployment artifact schema synthesized from
// operator intent, along with its structural validators and instance pricing.
package artifact

import (
	"fmt"
	"regexp"
)

// Environment identifies the deployment target tier.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Valid reports whether e is a recognized environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProd:
		return true
	}
	return false
}

// ParseEnvironment normalizes a raw environment string. Unknown or empty
// values fall back to dev.
func ParseEnvironment(raw string) Environment {
	e := Environment(raw)
	if e.Valid() {
		return e
	}
	return EnvDev
}

// Structural bounds enforced regardless of environment policy.
const (
	MinInstanceCount = 1
	MaxInstanceCount = 4
	MinPayloadMB     = 1
	MaxPayloadMB     = 100
	MaxAutoscaling   = 8
)

// nameRE matches DNS-label style resource names: lowercase alphanumeric
// with interior hyphens, at most 63 characters.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidName reports whether s is usable as a model or endpoint name.
func ValidName(s string) bool {
	return nameRE.MatchString(s)
}

// Artifact is the declarative deployment specification produced by the
// planner and checked by the guardrail engine before any execution.
type Artifact struct {
	ModelName        string   `json:"model_name" yaml:"model_name"`
	EndpointName     string   `json:"endpoint_name" yaml:"endpoint_name"`
	InstanceType     string   `json:"instance_type" yaml:"instance_type"`
	InstanceCount    int      `json:"instance_count" yaml:"instance_count"`
	MaxPayloadMB     int      `json:"max_payload_mb" yaml:"max_payload_mb"`
	AutoscalingMin   int      `json:"autoscaling_min" yaml:"autoscaling_min"`
	AutoscalingMax   int      `json:"autoscaling_max" yaml:"autoscaling_max"`
	RollbackAlarms   []string `json:"rollback_alarms" yaml:"rollback_alarms"`
	BudgetUSDPerHour float64  `json:"budget_usd_per_hour,omitempty" yaml:"budget_usd_per_hour,omitempty"`
}

// WithDefaults returns a copy of a with unset numeric fields filled in:
// one instance, 6 MB payload ceiling, autoscaling 1..2, a 10 USD/hour budget.
func (a Artifact) WithDefaults() Artifact {
	if a.InstanceCount == 0 {
		a.InstanceCount = 1
	}
	if a.MaxPayloadMB == 0 {
		a.MaxPayloadMB = 6
	}
	if a.AutoscalingMin == 0 {
		a.AutoscalingMin = 1
	}
	if a.AutoscalingMax == 0 {
		a.AutoscalingMax = 2
	}
	if a.BudgetUSDPerHour == 0 {
		a.BudgetUSDPerHour = 10.0
	}
	return a
}

// SchemaErrors checks the artifact's structural invariants and returns one
// message per violation. Environment policy checks live in the guardrail
// package; this covers only what must hold everywhere.
func (a Artifact) SchemaErrors() []string {
	var errs []string
	if a.ModelName == "" {
		errs = append(errs, "model_name is required")
	} else if !ValidName(a.ModelName) {
		errs = append(errs, fmt.Sprintf("model_name %q must be lowercase alphanumeric with hyphens, max 63 chars", a.ModelName))
	}
	if a.EndpointName == "" {
		errs = append(errs, "endpoint_name is required")
	} else if !ValidName(a.EndpointName) {
		errs = append(errs, fmt.Sprintf("endpoint_name %q must be lowercase alphanumeric with hyphens, max 63 chars", a.EndpointName))
	}
	if a.InstanceType == "" {
		errs = append(errs, "instance_type is required")
	}
	if a.InstanceCount < MinInstanceCount || a.InstanceCount > MaxInstanceCount {
		errs = append(errs, fmt.Sprintf("instance_count must be between %d and %d, got %d", MinInstanceCount, MaxInstanceCount, a.InstanceCount))
	}
	if a.MaxPayloadMB < MinPayloadMB || a.MaxPayloadMB > MaxPayloadMB {
		errs = append(errs, fmt.Sprintf("max_payload_mb must be between %d and %d, got %d", MinPayloadMB, MaxPayloadMB, a.MaxPayloadMB))
	}
	if a.AutoscalingMin > a.AutoscalingMax {
		errs = append(errs, fmt.Sprintf("autoscaling_min (%d) must be <= autoscaling_max (%d)", a.AutoscalingMin, a.AutoscalingMax))
	}
	if a.AutoscalingMax > MaxAutoscaling {
		errs = append(errs, fmt.Sprintf("autoscaling_max must be <= %d", MaxAutoscaling))
	}
	return errs
}

// InstancePricing maps instance types to their on-demand USD hourly rate.
// Types absent from this table are costed at a conservative fallback rate
// by the guardrail engine, which also emits a warning.
var InstancePricing = map[string]float64{
	"ml.m5.large":    0.115,
	"ml.m5.xlarge":   0.230,
	"ml.m5.2xlarge":  0.460,
	"ml.g5.xlarge":   1.408,
	"ml.g5.2xlarge":  2.816,
	"ml.g5.4xlarge":  5.632,
	"ml.g5.12xlarge": 16.896,
	"ml.p5.48xlarge": 71.296,
}

// HourlyCost returns the total hourly cost of the artifact's fleet. The
// second return is false when the instance type has no known price.
func (a Artifact) HourlyCost() (float64, bool) {
	rate, ok := InstancePricing[a.InstanceType]
	if !ok {
		return 0, false
	}
	return rate * float64(a.InstanceCount), true
}
