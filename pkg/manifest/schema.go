package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// supportedIATP is the protocol range this sidecar can interoperate with.
const supportedIATP = ">= 0.3.0, < 2.0.0"

const manifestSchemaURL = "https://sidecar.schemas.local/capability-manifest.schema.json"

// manifestSchema is the JSON Schema every inbound manifest must satisfy
// before any field of it is trusted.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "trust_level", "capabilities", "privacy_contract"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "iatp_version": {"type": "string"},
    "trust_level": {
      "enum": ["untrusted", "unknown", "standard", "trusted", "verified_partner"]
    },
    "capabilities": {
      "type": "object",
      "required": ["reversibility", "concurrency_limit"],
      "properties": {
        "reversibility": {"enum": ["none", "partial", "full"]},
        "idempotent": {"type": "boolean"},
        "concurrency_limit": {"type": "integer", "minimum": 1},
        "sla_latency_ms": {"type": "integer", "minimum": 0},
        "rate_per_minute": {"type": "integer", "minimum": 0},
        "burst": {"type": "integer", "minimum": 0}
      }
    },
    "privacy_contract": {
      "type": "object",
      "required": ["retention"],
      "properties": {
        "retention": {"enum": ["ephemeral", "temporary", "permanent"]},
        "human_in_loop": {"type": "boolean"},
        "training_consent": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ParseJSON decodes and fully validates a manifest from raw JSON.
func ParseJSON(raw []byte) (*CapabilityManifest, error) {
	schema, err := compiled()
	if err != nil {
		return nil, err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest: schema validation failed: %w", err)
	}

	var m CapabilityManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode failed: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := CheckProtocolVersion(m.IATPVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseYAML decodes and fully validates a manifest from YAML, routing
// through the JSON schema for a single validation path.
func ParseYAML(raw []byte) (*CapabilityManifest, error) {
	var m CapabilityManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid YAML: %w", err)
	}
	asJSON, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("manifest: re-encode failed: %w", err)
	}
	return ParseJSON(asJSON)
}

// CheckProtocolVersion verifies the manifest's declared protocol version is
// one this sidecar supports. An empty version is accepted for backward
// compatibility with pre-versioned manifests.
func CheckProtocolVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("manifest: invalid iatp_version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(supportedIATP)
	if err != nil {
		return fmt.Errorf("manifest: bad version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("manifest: iatp_version %s outside supported range %s", version, supportedIATP)
	}
	return nil
}
