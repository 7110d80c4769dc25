//go:build property
// +build property

package policy_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentmesh-labs/sidecar/pkg/manifest"
	"github.com/agentmesh-labs/sidecar/pkg/policy"
)

func genManifest() gopter.Gen {
	trustLevels := gen.OneConstOf(
		manifest.TrustUntrusted, manifest.TrustUnknown, manifest.TrustStandard,
		manifest.TrustTrusted, manifest.TrustVerifiedPartner,
	)
	reversibilities := gen.OneConstOf(
		manifest.ReversibilityNone, manifest.ReversibilityPartial, manifest.ReversibilityFull,
	)
	retentions := gen.OneConstOf(
		manifest.RetentionEphemeral, manifest.RetentionTemporary, manifest.RetentionPermanent,
	)
	return gopter.CombineGens(trustLevels, reversibilities, retentions, gen.Bool()).Map(
		func(vals []any) *manifest.CapabilityManifest {
			return &manifest.CapabilityManifest{
				AgentID:     "agent-prop",
				IATPVersion: "1.0.0",
				TrustLevel:  vals[0].(manifest.TrustLevel),
				Capabilities: manifest.CapabilitySet{
					Reversibility:    vals[1].(manifest.Reversibility),
					Idempotent:       vals[3].(bool),
					ConcurrencyLimit: 1,
				},
				Privacy: manifest.PrivacyContract{Retention: vals[2].(manifest.Retention)},
			}
		})
}

// TestTrustScorePurity verifies scoring is a pure function.
// Property: TrustScore(m) == TrustScore(m) for any manifest m
func TestTrustScorePurity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same manifest always yields same score", prop.ForAll(
		func(m *manifest.CapabilityManifest) bool {
			first := policy.TrustScore(m)
			for i := 0; i < 10; i++ {
				if policy.TrustScore(m) != first {
					return false
				}
			}
			return first >= 0 && first <= 10
		},
		genManifest(),
	))

	properties.TestingRun(t)
}

// TestCardWithPermanentRetentionAlwaysBlocks verifies the hard-block rule
// holds for every trust level and capability combination.
func TestCardWithPermanentRetentionAlwaysBlocks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	engine := policy.NewEngine()
	payload := map[string]any{"card": "4532015112830366"}

	properties.Property("Luhn-valid card plus permanent retention blocks", prop.ForAll(
		func(m *manifest.CapabilityManifest) bool {
			m.Privacy.Retention = manifest.RetentionPermanent
			d, err := engine.Decide(m, payload)
			if err != nil {
				return false
			}
			return d.Verdict == policy.VerdictBlock && d.NonRetryable
		},
		genManifest(),
	))

	properties.TestingRun(t)
}

// TestDecisionHashDeterminism verifies identical inputs produce identical
// decision hashes.
func TestDecisionHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	engine := policy.NewEngine()

	properties.Property("decision hash is deterministic", prop.ForAll(
		func(m *manifest.CapabilityManifest, key, value string) bool {
			payload := map[string]any{key: value}
			d1, err1 := engine.Decide(m, payload)
			d2, err2 := engine.Decide(m, payload)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return d1.DecisionHash == d2.DecisionHash
		},
		genManifest(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
