// Package policy implements the trust and policy engine: a pure decision
// function from (capability manifest, request payload) to a policy verdict.
// Evaluation is deterministic: the same manifest and payload always produce
// the same decision, including the decision hash.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agentmesh-labs/sidecar/pkg/canonicalize"
	"github.com/agentmesh-labs/sidecar/pkg/manifest"
	"github.com/agentmesh-labs/sidecar/pkg/scanner"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Built-in rule names surfaced in Decision.TriggeredRules.
const (
	RuleScoreAllow        = "score_allow"
	RuleScoreWarn         = "score_warn"
	RuleScoreWarnLow      = "score_warn_low_trust"
	RuleCardRetention     = "payment_card_permanent_retention"
	RuleNationalIDPersist = "national_id_persistent_retention"
)

// Decision is the immutable result of one policy evaluation.
type Decision struct {
	Verdict          Verdict           `json:"verdict"`
	Score            float64           `json:"score"`
	TriggeredRules   []string          `json:"triggered_rules,omitempty"`
	RequiresOverride bool              `json:"requires_override"`
	// NonRetryable marks hard blocks: resubmitting with an override flag
	// will not change the outcome.
	NonRetryable bool              `json:"non_retryable"`
	Findings     []scanner.Finding `json:"findings,omitempty"`
	DecisionHash string            `json:"decision_hash,omitempty"`
}

// Thresholds are the score bands for verdict selection.
type Thresholds struct {
	Allow float64 // score >= Allow → allow
	Warn  float64 // Warn <= score < Allow → warn; below Warn → warn, override required
}

// DefaultThresholds mirror the published IATP bands.
var DefaultThresholds = Thresholds{Allow: 7, Warn: 3}

// TrustScore computes the [0,10] trust score for a manifest. It is a pure
// function: no state, no randomness, no clock.
func TrustScore(m *manifest.CapabilityManifest) float64 {
	score := m.TrustLevel.BaseScore()

	switch m.Capabilities.Reversibility {
	case manifest.ReversibilityFull:
		// no adjustment
	case manifest.ReversibilityPartial:
		score -= 1
	case manifest.ReversibilityNone:
		score -= 2
	}

	switch m.Privacy.Retention {
	case manifest.RetentionEphemeral:
		// no adjustment
	case manifest.RetentionTemporary:
		score -= 1
	case manifest.RetentionPermanent:
		score -= 2
	}

	if !m.Capabilities.Idempotent {
		score -= 1
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}

// Engine evaluates policy decisions. The built-in scoring and hard-block
// rules always run first; custom rules run afterwards in registration order.
type Engine struct {
	scanner    *scanner.Scanner
	thresholds Thresholds
	rules      *RuleSet
}

// NewEngine creates an Engine with default thresholds and an empty rule set.
func NewEngine() *Engine {
	return &Engine{
		scanner:    scanner.New(),
		thresholds: DefaultThresholds,
		rules:      NewRuleSet(),
	}
}

// WithThresholds overrides the verdict score bands.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t
	return e
}

// Rules exposes the engine's custom rule set for registration.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Decide evaluates the manifest and payload and returns a fresh Decision.
// It has no side effects; acting on RequiresOverride is the caller's job.
func (e *Engine) Decide(m *manifest.CapabilityManifest, payload any) (*Decision, error) {
	if m == nil {
		return nil, fmt.Errorf("policy: nil manifest")
	}

	score := TrustScore(m)
	findings := e.scanner.Scan(payload)

	d := &Decision{Score: score, Findings: findings}

	// Hard-block rules run first and are independent of score.
	for _, f := range findings {
		switch {
		case f.Kind == scanner.FindingPaymentCard && m.Privacy.Retention == manifest.RetentionPermanent:
			d.Verdict = VerdictBlock
			d.NonRetryable = true
			d.TriggeredRules = append(d.TriggeredRules, RuleCardRetention)
		case f.Kind == scanner.FindingNationalID && m.Privacy.Retention != manifest.RetentionEphemeral:
			d.Verdict = VerdictBlock
			d.NonRetryable = true
			d.TriggeredRules = append(d.TriggeredRules, RuleNationalIDPersist)
		}
	}

	if d.Verdict != VerdictBlock {
		switch {
		case score >= e.thresholds.Allow:
			d.Verdict = VerdictAllow
			d.TriggeredRules = append(d.TriggeredRules, RuleScoreAllow)
		case score >= e.thresholds.Warn:
			d.Verdict = VerdictWarn
			d.RequiresOverride = true
			d.TriggeredRules = append(d.TriggeredRules, RuleScoreWarn)
		default:
			// The low band is deliberately treated the same as the warn
			// band; a stricter treatment would be a policy change, not a
			// code change.
			d.Verdict = VerdictWarn
			d.RequiresOverride = true
			d.TriggeredRules = append(d.TriggeredRules, RuleScoreWarnLow)
		}
	}

	// Custom rules never soften a hard block.
	if d.Verdict != VerdictBlock {
		ctx := contextFromManifest(m)
		name, action, err := e.rules.Evaluate(ctx, score, findings)
		if err != nil {
			return nil, err
		}
		switch action {
		case ActionDeny:
			d.Verdict = VerdictBlock
			d.RequiresOverride = false
			d.TriggeredRules = append(d.TriggeredRules, name)
		case ActionWarn:
			if d.Verdict == VerdictAllow {
				d.Verdict = VerdictWarn
				d.RequiresOverride = true
			}
			d.TriggeredRules = append(d.TriggeredRules, name)
		case ActionAllow:
			if name != "" {
				d.TriggeredRules = append(d.TriggeredRules, name)
			}
		}
	}

	hash, err := computeDecisionHash(d)
	if err != nil {
		return nil, err
	}
	d.DecisionHash = hash
	return d, nil
}

// contextFromManifest flattens a manifest into the field set custom rule
// conditions match against.
func contextFromManifest(m *manifest.CapabilityManifest) map[string]string {
	return map[string]string{
		"agent_id":         m.AgentID,
		"trust_level":      string(m.TrustLevel),
		"reversibility":    string(m.Capabilities.Reversibility),
		"retention_policy": string(m.Privacy.Retention),
		"idempotency":      fmt.Sprintf("%t", m.Capabilities.Idempotent),
		"human_in_loop":    fmt.Sprintf("%t", m.Privacy.HumanInLoop),
		"training_consent": fmt.Sprintf("%t", m.Privacy.TrainingConsent),
	}
}

// computeDecisionHash produces a deterministic SHA-256 hash of the decision
// using JCS canonicalization, excluding the hash field itself.
func computeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Verdict          Verdict  `json:"verdict"`
		Score            float64  `json:"score"`
		TriggeredRules   []string `json:"triggered_rules"`
		RequiresOverride bool     `json:"requires_override"`
		NonRetryable     bool     `json:"non_retryable"`
	}{d.Verdict, d.Score, d.TriggeredRules, d.RequiresOverride, d.NonRetryable}

	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash canonicalization failed: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
