package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh-labs/sidecar/pkg/admission"
	"github.com/agentmesh-labs/sidecar/pkg/policy"
)

// Profile is a deployment-specific policy profile. It carries threshold
// overrides, custom rules, and per-agent rate overrides that supplement the
// built-in scoring and hard-block rules.
type Profile struct {
	Name       string      `yaml:"name"`
	Thresholds *Thresholds `yaml:"thresholds,omitempty"`
	// UseDefaultRules prepends the built-in rule preset before the profile's
	// own rules.
	UseDefaultRules bool                `yaml:"use_default_rules"`
	Rules           []RuleSpec          `yaml:"rules,omitempty"`
	MaxQueueDepth   int                 `yaml:"max_queue_depth,omitempty"`
	Rates           map[string]RateSpec `yaml:"rates,omitempty"`
}

// RateSpec is a per-agent rate override in YAML form.
type RateSpec struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// Thresholds mirror policy.Thresholds in YAML form.
type Thresholds struct {
	Allow float64 `yaml:"allow"`
	Warn  float64 `yaml:"warn"`
}

// RuleSpec declares one custom rule. Exactly one of Conditions or CEL must
// be set.
type RuleSpec struct {
	Name       string              `yaml:"name"`
	Action     string              `yaml:"action"`
	Conditions map[string][]string `yaml:"conditions,omitempty"`
	CEL        string              `yaml:"cel,omitempty"`
}

// LoadProfile reads and validates a policy profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a policy profile from YAML bytes.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	for i, r := range p.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("config: profile rule %d has no name", i)
		}
		if (len(r.Conditions) == 0) == (r.CEL == "") {
			return nil, fmt.Errorf("config: rule %q must set exactly one of conditions or cel", r.Name)
		}
	}
	return &p, nil
}

// Apply registers the profile's thresholds and rules on a policy engine.
// CEL expressions are compiled here, so a bad profile fails at startup
// rather than on the first request.
func (p *Profile) Apply(engine *policy.Engine) error {
	if p.Thresholds != nil {
		engine.WithThresholds(policy.Thresholds{Allow: p.Thresholds.Allow, Warn: p.Thresholds.Warn})
	}
	if p.UseDefaultRules {
		for _, r := range policy.DefaultRules() {
			if err := engine.Rules().Add(r); err != nil {
				return err
			}
		}
	}
	for _, spec := range p.Rules {
		action := policy.Action(spec.Action)
		if spec.CEL != "" {
			if err := engine.Rules().AddCEL(spec.Name, action, spec.CEL); err != nil {
				return err
			}
			continue
		}
		rule := policy.Rule{Name: spec.Name, Action: action, Conditions: spec.Conditions}
		if err := engine.Rules().Add(rule); err != nil {
			return err
		}
	}
	return nil
}

// RateFor returns the profile's rate override for an agent, if any.
func (p *Profile) RateFor(agentID string) (admission.RatePolicy, bool) {
	r, ok := p.Rates[agentID]
	if !ok {
		return admission.RatePolicy{}, false
	}
	return admission.RatePolicy{PerMinute: r.PerMinute, Burst: r.Burst}, true
}
