package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestJSON() []byte {
	return []byte(`{
		"agent_id": "payment-agent",
		"iatp_version": "1.0.0",
		"trust_level": "trusted",
		"capabilities": {
			"reversibility": "full",
			"idempotent": true,
			"concurrency_limit": 4
		},
		"privacy_contract": {
			"retention": "ephemeral"
		}
	}`)
}

func TestParseJSON(t *testing.T) {
	m, err := ParseJSON(validManifestJSON())
	require.NoError(t, err)
	assert.Equal(t, "payment-agent", m.AgentID)
	assert.Equal(t, TrustTrusted, m.TrustLevel)
	assert.Equal(t, ReversibilityFull, m.Capabilities.Reversibility)
	assert.Equal(t, 4, m.Capabilities.ConcurrencyLimit)
	assert.Equal(t, RetentionEphemeral, m.Privacy.Retention)
}

func TestParseJSONRejectsBadTrustLevel(t *testing.T) {
	raw := []byte(`{
		"agent_id": "x",
		"trust_level": "super-trusted",
		"capabilities": {"reversibility": "full", "concurrency_limit": 1},
		"privacy_contract": {"retention": "ephemeral"}
	}`)
	_, err := ParseJSON(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestParseJSONRejectsMissingAgentID(t *testing.T) {
	raw := []byte(`{
		"trust_level": "standard",
		"capabilities": {"reversibility": "none", "concurrency_limit": 1},
		"privacy_contract": {"retention": "temporary"}
	}`)
	_, err := ParseJSON(raw)
	require.Error(t, err)
}

func TestParseJSONRejectsZeroConcurrency(t *testing.T) {
	raw := []byte(`{
		"agent_id": "x",
		"trust_level": "standard",
		"capabilities": {"reversibility": "none", "concurrency_limit": 0},
		"privacy_contract": {"retention": "temporary"}
	}`)
	_, err := ParseJSON(raw)
	require.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	raw := []byte(`
agent_id: shipping-agent
trust_level: standard
capabilities:
  reversibility: partial
  idempotent: false
  concurrency_limit: 2
privacy_contract:
  retention: temporary
  human_in_loop: true
`)
	m, err := ParseYAML(raw)
	require.NoError(t, err)
	assert.Equal(t, "shipping-agent", m.AgentID)
	assert.True(t, m.Privacy.HumanInLoop)
}

func TestBaseScores(t *testing.T) {
	cases := map[TrustLevel]float64{
		TrustVerifiedPartner: 10,
		TrustTrusted:         7,
		TrustStandard:        5,
		TrustUnknown:         2,
		TrustUntrusted:       0,
		TrustLevel("bogus"):  0,
	}
	for level, want := range cases {
		assert.Equal(t, want, level.BaseScore(), "level %s", level)
	}
}

func TestCheckProtocolVersion(t *testing.T) {
	require.NoError(t, CheckProtocolVersion(""))
	require.NoError(t, CheckProtocolVersion("1.2.0"))
	require.Error(t, CheckProtocolVersion("2.1.0"))
	require.Error(t, CheckProtocolVersion("0.1.0"))
	require.Error(t, CheckProtocolVersion("not-a-version"))
}

func TestCheckRequirements(t *testing.T) {
	m := CapabilityManifest{
		AgentID:    "a",
		TrustLevel: TrustStandard,
		Capabilities: CapabilitySet{
			Reversibility:    ReversibilityNone,
			Idempotent:       false,
			ConcurrencyLimit: 1,
		},
		Privacy: PrivacyContract{Retention: RetentionTemporary},
	}
	missing := m.CheckRequirements([]Requirement{RequireReversibility, RequireIdempotency})
	assert.Len(t, missing, 2)

	m.Capabilities.Reversibility = ReversibilityPartial
	m.Capabilities.Idempotent = true
	assert.Empty(t, m.CheckRequirements([]Requirement{RequireReversibility, RequireIdempotency}))
}
