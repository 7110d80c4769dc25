package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/agentmesh-labs/sidecar/pkg/scanner"
)

// Action is what a matching custom rule does to the verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionDeny  Action = "deny"
)

// Rule is a declarative custom policy rule. It matches when any condition
// field's manifest value is in the allowed value set.
type Rule struct {
	Name       string              `json:"name" yaml:"name"`
	Action     Action              `json:"action" yaml:"action"`
	Conditions map[string][]string `json:"conditions" yaml:"conditions"`
}

func (r Rule) matches(ctx map[string]string) bool {
	for field, values := range r.Conditions {
		got, ok := ctx[field]
		if !ok {
			continue
		}
		for _, v := range values {
			if got == v {
				return true
			}
		}
	}
	return false
}

type compiledRule struct {
	name    string
	action  Action
	decl    *Rule
	program cel.Program
}

// RuleSet is an explicit ordered list of custom rules. Rules are appended
// through public methods; there is no implicit global registry. Evaluation
// order is registration order and the first matching rule decides.
type RuleSet struct {
	mu    sync.RWMutex
	rules []compiledRule
	env   *cel.Env
}

// NewRuleSet creates an empty rule set with a CEL environment exposing the
// manifest context, the computed trust score, and the scan finding kinds.
func NewRuleSet() *RuleSet {
	env, err := cel.NewEnv(
		cel.Variable("manifest", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("findings", cel.ListType(cel.StringType)),
	)
	if err != nil {
		// The environment is built from constants; failure here is a
		// programming error, not an input error.
		panic(fmt.Sprintf("policy: cel environment: %v", err))
	}
	return &RuleSet{env: env}
}

// Add registers a declarative rule at the end of the evaluation order.
func (rs *RuleSet) Add(r Rule) error {
	switch r.Action {
	case ActionAllow, ActionWarn, ActionDeny:
	default:
		return fmt.Errorf("policy: rule %q has invalid action %q", r.Name, r.Action)
	}
	if r.Name == "" {
		return fmt.Errorf("policy: rule name is required")
	}
	rule := r
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, compiledRule{name: r.Name, action: r.Action, decl: &rule})
	return nil
}

// AddCEL registers a CEL-expression rule. The expression must evaluate to a
// boolean; it is compiled once at registration and the compiled program is
// reused for every request.
func (rs *RuleSet) AddCEL(name string, action Action, expression string) error {
	switch action {
	case ActionAllow, ActionWarn, ActionDeny:
	default:
		return fmt.Errorf("policy: rule %q has invalid action %q", name, action)
	}
	ast, issues := rs.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: rule %q compile failed: %w", name, issues.Err())
	}
	prg, err := rs.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: rule %q program failed: %w", name, err)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, compiledRule{name: name, action: action, program: prg})
	return nil
}

// Len returns the number of registered rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Evaluate runs the rules in registration order and returns the first
// matching rule's name and action. With no match it returns ActionAllow and
// an empty name. A CEL rule that fails at runtime is an evaluation error:
// the engine fails closed rather than guessing.
func (rs *RuleSet) Evaluate(ctx map[string]string, score float64, findings []scanner.Finding) (string, Action, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var kinds []string
	for _, f := range findings {
		kinds = append(kinds, string(f.Kind))
	}

	for _, cr := range rs.rules {
		if cr.decl != nil {
			if cr.decl.matches(ctx) {
				return cr.name, cr.action, nil
			}
			continue
		}
		out, _, err := cr.program.Eval(map[string]any{
			"manifest": ctx,
			"score":    score,
			"findings": kinds,
		})
		if err != nil {
			return "", "", fmt.Errorf("policy: rule %q eval failed: %w", cr.name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return "", "", fmt.Errorf("policy: rule %q did not evaluate to bool", cr.name)
		}
		if matched {
			return cr.name, cr.action, nil
		}
	}
	return "", ActionAllow, nil
}

// DefaultRules returns the stock IATP rule preset: deny permanent retention,
// warn on irreversible agents, allow ephemeral retention. Callers opt in by
// registering them; nothing installs them implicitly.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "StrictPrivacyRetention",
			Action:     ActionDeny,
			Conditions: map[string][]string{"retention_policy": {"permanent", "forever"}},
		},
		{
			Name:       "RequireReversibility",
			Action:     ActionWarn,
			Conditions: map[string][]string{"reversibility": {"none"}},
		},
		{
			Name:       "AllowEphemeral",
			Action:     ActionAllow,
			Conditions: map[string][]string{"retention_policy": {"ephemeral"}},
		},
	}
}
