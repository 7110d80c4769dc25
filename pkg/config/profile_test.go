package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-labs/sidecar/pkg/policy"
)

const sampleProfile = `
name: strict
thresholds:
  allow: 8
  warn: 4
use_default_rules: true
rules:
  - name: NoFinanceAgents
    action: deny
    conditions:
      agent_id: [finance-bot, trading-bot]
  - name: LowScoreWithFindings
    action: warn
    cel: "score < 9.0 && findings.size() > 0"
max_queue_depth: 8
rates:
  agent-a:
    per_minute: 60
    burst: 10
`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	assert.Equal(t, "strict", p.Name)
	require.NotNil(t, p.Thresholds)
	assert.Equal(t, 8.0, p.Thresholds.Allow)
	assert.Equal(t, 4.0, p.Thresholds.Warn)
	assert.True(t, p.UseDefaultRules)
	assert.Len(t, p.Rules, 2)
	assert.Equal(t, 8, p.MaxQueueDepth)

	rate, ok := p.RateFor("agent-a")
	require.True(t, ok)
	assert.Equal(t, 60, rate.PerMinute)
	assert.Equal(t, 10, rate.Burst)

	_, ok = p.RateFor("agent-b")
	assert.False(t, ok)
}

func TestParseProfileRejectsAmbiguousRule(t *testing.T) {
	_, err := ParseProfile([]byte(`
rules:
  - name: Both
    action: deny
    conditions:
      agent_id: [x]
    cel: "score < 1.0"
`))
	require.Error(t, err)

	_, err = ParseProfile([]byte(`
rules:
  - name: Neither
    action: deny
`))
	require.Error(t, err)

	_, err = ParseProfile([]byte(`
rules:
  - action: deny
    cel: "score < 1.0"
`))
	require.Error(t, err, "rule without a name")
}

func TestProfileApply(t *testing.T) {
	p, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	engine := policy.NewEngine()
	require.NoError(t, p.Apply(engine))
	// Built-in preset plus the profile's two rules.
	assert.Equal(t, len(policy.DefaultRules())+2, engine.Rules().Len())
}

func TestProfileApplyRejectsBadCEL(t *testing.T) {
	p, err := ParseProfile([]byte(`
rules:
  - name: Broken
    action: warn
    cel: "this is not cel ((("
`))
	require.NoError(t, err)

	engine := policy.NewEngine()
	assert.Error(t, p.Apply(engine), "bad expressions must fail at startup")
}

func TestProfileApplyRejectsBadAction(t *testing.T) {
	p, err := ParseProfile([]byte(`
rules:
  - name: BadAction
    action: obliterate
    conditions:
      agent_id: [x]
`))
	require.NoError(t, err)

	engine := policy.NewEngine()
	assert.Error(t, p.Apply(engine))
}
