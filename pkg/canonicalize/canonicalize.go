// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests. Every hash the sidecar emits — payload
// digests, policy decision hashes, audit entry hashes — goes through this
// package so that independently computed hashes are byte-identical.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (respecting struct tags),
// then transformed into canonical form.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the prefixed SHA-256 digest of the canonical JSON
// representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PayloadDigest produces the one-way digest stored in audit entries in place
// of raw payload content. Structured payloads are canonicalized first so the
// digest is independent of map iteration order.
func PayloadDigest(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return HashBytes(nil), nil
	case []byte:
		return HashBytes(p), nil
	case string:
		return HashBytes([]byte(p)), nil
	default:
		return CanonicalHash(payload)
	}
}
