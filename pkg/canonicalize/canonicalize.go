// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 helpers for deterministic hashing and logging.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted lexicographically by UTF-8 bytes and HTML escaping
// is disabled, so equal values always produce byte-identical output.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
