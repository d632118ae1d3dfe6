// Package idgen generates identifiers for user actions, payment nonces and
// dev API resources.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by 24 hex chars of a random UUID
// (e.g. "scn_", "val_", "act_").
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:12])
}

// ActionID identifies one user action through the paid request flow.
func ActionID() string {
	return WithPrefix("act_")
}

// Nonce returns a 0x-prefixed 32-byte random value for payment challenges.
func Nonce() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "0x" + hex.EncodeToString(b)
}

// HasPrefix reports whether id was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+24
}
