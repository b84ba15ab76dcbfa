// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Entity prefixes used across the platform.
const (
	PrefixContract    = "ct_"
	PrefixMilestone   = "ms_"
	PrefixDeliverable = "dl_"
	PrefixHistory     = "hist_"
	PrefixMessage     = "msg_"
	PrefixEvent       = "evt_"
)

// WithPrefix generates a random ID with a prefix (e.g. "ct_", "ms_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
