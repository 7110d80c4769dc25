// Package manifest defines the capability manifest an agent publishes to
// describe its trust level, capability set, and privacy contract. Manifests
// are immutable once issued: the sidecar reads them, it never writes them.
package manifest

import (
	"fmt"
)

// TrustLevel is the issuer-asserted trust classification of an agent.
type TrustLevel string

const (
	TrustUntrusted       TrustLevel = "untrusted"
	TrustUnknown         TrustLevel = "unknown"
	TrustStandard        TrustLevel = "standard"
	TrustTrusted         TrustLevel = "trusted"
	TrustVerifiedPartner TrustLevel = "verified_partner"
)

// BaseScore returns the fixed base trust score for the level.
func (t TrustLevel) BaseScore() float64 {
	switch t {
	case TrustVerifiedPartner:
		return 10
	case TrustTrusted:
		return 7
	case TrustStandard:
		return 5
	case TrustUnknown:
		return 2
	case TrustUntrusted:
		return 0
	default:
		// Unrecognized levels score as untrusted (fail closed).
		return 0
	}
}

// Valid reports whether the level is one of the defined enumeration values.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustUntrusted, TrustUnknown, TrustStandard, TrustTrusted, TrustVerifiedPartner:
		return true
	}
	return false
}

// Reversibility describes how much of an executed operation can be undone.
type Reversibility string

const (
	ReversibilityNone    Reversibility = "none"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityFull    Reversibility = "full"
)

// Retention describes how long the agent keeps request data.
type Retention string

const (
	RetentionEphemeral Retention = "ephemeral"
	RetentionTemporary Retention = "temporary"
	RetentionPermanent Retention = "permanent"
)

// CapabilitySet declares the operational characteristics of the agent.
type CapabilitySet struct {
	Reversibility    Reversibility `json:"reversibility" yaml:"reversibility"`
	Idempotent       bool          `json:"idempotent" yaml:"idempotent"`
	ConcurrencyLimit int           `json:"concurrency_limit" yaml:"concurrency_limit"`
	SLALatencyMs     int64         `json:"sla_latency_ms,omitempty" yaml:"sla_latency_ms,omitempty"`
	RatePerMinute    int           `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
	Burst            int           `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// PrivacyContract declares what the agent does with request data.
type PrivacyContract struct {
	Retention       Retention `json:"retention" yaml:"retention"`
	HumanInLoop     bool      `json:"human_in_loop" yaml:"human_in_loop"`
	TrainingConsent bool      `json:"training_consent" yaml:"training_consent"`
}

// CapabilityManifest is the declarative trust document for one agent.
type CapabilityManifest struct {
	AgentID      string          `json:"agent_id" yaml:"agent_id"`
	IATPVersion  string          `json:"iatp_version" yaml:"iatp_version"`
	TrustLevel   TrustLevel      `json:"trust_level" yaml:"trust_level"`
	Capabilities CapabilitySet   `json:"capabilities" yaml:"capabilities"`
	Privacy      PrivacyContract `json:"privacy_contract" yaml:"privacy_contract"`
}

// Validate performs structural validation beyond what the JSON schema covers.
func (m *CapabilityManifest) Validate() error {
	if m.AgentID == "" {
		return fmt.Errorf("manifest: agent_id is required")
	}
	if !m.TrustLevel.Valid() {
		return fmt.Errorf("manifest: unknown trust_level %q", m.TrustLevel)
	}
	switch m.Capabilities.Reversibility {
	case ReversibilityNone, ReversibilityPartial, ReversibilityFull:
	default:
		return fmt.Errorf("manifest: unknown reversibility %q", m.Capabilities.Reversibility)
	}
	switch m.Privacy.Retention {
	case RetentionEphemeral, RetentionTemporary, RetentionPermanent:
	default:
		return fmt.Errorf("manifest: unknown retention %q", m.Privacy.Retention)
	}
	if m.Capabilities.ConcurrencyLimit <= 0 {
		return fmt.Errorf("manifest: concurrency_limit must be positive, got %d", m.Capabilities.ConcurrencyLimit)
	}
	return nil
}

// Requirement names a capability a caller can demand during handshake.
type Requirement string

const (
	RequireReversibility Requirement = "reversibility"
	RequireIdempotency   Requirement = "idempotency"
)

// CheckRequirements verifies the manifest satisfies the caller's handshake
// requirements. Returns the list of missing capabilities, empty when
// compatible.
func (m *CapabilityManifest) CheckRequirements(required []Requirement) []string {
	var missing []string
	for _, r := range required {
		switch r {
		case RequireReversibility:
			if m.Capabilities.Reversibility == ReversibilityNone {
				missing = append(missing, "reversibility support")
			}
		case RequireIdempotency:
			if !m.Capabilities.Idempotent {
				missing = append(missing, "idempotency support")
			}
		}
	}
	return missing
}
