// Copyright 2025 James Ross
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flyingrobots/constellation/internal/cvalue"
)

// GenerateKey derives a deterministic cache key from a module name, its
// input map and an optional version. Equal maps produce equal keys
// regardless of insertion order because the serialization sorts keys.
func GenerateKey(moduleName string, inputs map[string]cvalue.Value, version string) (string, error) {
	canonical, err := cvalue.CanonicalMapJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize inputs: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(moduleName))
	h.Write([]byte{0})
	h.Write(canonical)
	if version != "" {
		h.Write([]byte{0})
		h.Write([]byte(version))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateShortKey is a hex prefix of the full key, for display only.
func GenerateShortKey(moduleName string, inputs map[string]cvalue.Value, version string, length int) (string, error) {
	full, err := GenerateKey(moduleName, inputs, version)
	if err != nil {
		return "", err
	}
	if length <= 0 || length > len(full) {
		length = len(full)
	}
	return full[:length], nil
}
