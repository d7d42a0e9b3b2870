package guardrail

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentops/deployops/internal/domain/artifact"
)

// LoadFile reads a Ruleset from a YAML file. Sections absent from the file
// keep their built-in defaults, so a profile may override just one
// environment or just the price table.
func LoadFile(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("read guardrail profile %s: %w", path, err)
	}
	return Parse(data)
}

// Parse merges YAML profile bytes over the default rule set.
func Parse(data []byte) (Ruleset, error) {
	var overlay struct {
		Pricing               map[string]float64   `yaml:"pricing"`
		Policies              map[string]EnvPolicy `yaml:"policies"`
		ApprovalCostThreshold *float64             `yaml:"approval_cost_threshold"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Ruleset{}, fmt.Errorf("parse guardrail profile: %w", err)
	}

	rs := DefaultRuleset()
	for k, v := range overlay.Pricing {
		rs.Pricing[k] = v
	}
	for env, p := range overlay.Policies {
		e := artifact.Environment(env)
		if !e.Valid() {
			return Ruleset{}, fmt.Errorf("parse guardrail profile: unknown environment %q", env)
		}
		rs.Policies[e] = p
	}
	if overlay.ApprovalCostThreshold != nil {
		rs.ApprovalCostThreshold = *overlay.ApprovalCostThreshold
	}
	return rs, nil
}
