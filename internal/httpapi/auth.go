// Copyright 2025 James Ross
package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Role gates which HTTP methods a key may use.
type Role string

const (
	RoleReadOnly Role = "readonly"
	RoleExecute  Role = "execute"
	RoleAdmin    Role = "admin"
)

// AllowsMethod applies the role policy: readonly is GET only, execute adds
// POST, admin is unrestricted.
func (r Role) AllowsMethod(method string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleExecute:
		return method == "GET" || method == "POST"
	case RoleReadOnly:
		return method == "GET"
	}
	return false
}

// HashedKey is a stored API key: SHA-256 of the plaintext plus its role.
// Plaintext is never retained.
type HashedKey struct {
	Hash [sha256.Size]byte
	Role Role
}

// KeySet verifies presented tokens against the configured key hashes.
type KeySet struct {
	keys []HashedKey
}

// ParseAPIKeys parses "key:role,key:role". Keys must be at least 32 ASCII
// characters from [A-Za-z0-9_-].
func ParseAPIKeys(raw string) (*KeySet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &KeySet{}, nil
	}
	var keys []HashedKey
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("api key entry %d: want key:role", len(keys))
		}
		key, roleStr := pair[:idx], strings.ToLower(pair[idx+1:])
		if err := validateKey(key); err != nil {
			return nil, fmt.Errorf("api key entry %d: %w", len(keys), err)
		}
		var role Role
		switch roleStr {
		case "readonly", "read-only", "ro":
			role = RoleReadOnly
		case "execute", "exec":
			role = RoleExecute
		case "admin":
			role = RoleAdmin
		default:
			return nil, fmt.Errorf("api key entry %d: unknown role %q", len(keys), roleStr)
		}
		keys = append(keys, HashedKey{Hash: sha256.Sum256([]byte(key)), Role: role})
	}
	return &KeySet{keys: keys}, nil
}

func validateKey(key string) error {
	if len(key) < 32 {
		return fmt.Errorf("key must be at least 32 characters")
	}
	for _, c := range key {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("key contains invalid character")
		}
	}
	return nil
}

// Enabled reports whether any keys are configured; auth is inactive with an
// empty set.
func (s *KeySet) Enabled() bool { return len(s.keys) > 0 }

// Verify hashes the presented token and compares against every stored hash
// in constant time. All hashes are always examined so classification time
// does not depend on where a match (or first mismatching byte) occurs.
func (s *KeySet) Verify(token string) (Role, [sha256.Size]byte, bool) {
	presented := sha256.Sum256([]byte(token))
	var (
		matched   bool
		matchRole Role
		matchHash [sha256.Size]byte
	)
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(presented[:], k.Hash[:]) == 1 && !matched {
			matched = true
			matchRole = k.Role
			matchHash = k.Hash
		}
	}
	return matchRole, matchHash, matched
}
