package shadow

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash fingerprints a payload: SHA-256 over the canonical JSON of its
// normalized form. Two payloads that differ only in volatile fields, key
// order, array order, or numeric noise hash identically.
func Hash(payload map[string]any) string {
	sum := sha256.Sum256([]byte(canonicalJSON(Normalize(payload))))
	return hex.EncodeToString(sum[:])
}
