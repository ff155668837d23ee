// Package idgen generates random identifiers for domain records.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// WithPrefix returns a prefixed random ID (prefix + 24 hex chars), e.g.
// "inv_a3f9...", "sub_01bc...". Prefixes keep log lines and webhook
// payloads self-describing.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Username returns a short opaque account name for the VPN panel:
// 16 random bytes, base64url without padding. The panel requires unique
// usernames but they are never shown to the subscriber.
func Username() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
