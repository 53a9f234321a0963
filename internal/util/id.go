package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewClaimID mints a time-ordered claim id. UUIDv7 embeds a millisecond
// timestamp in its high bits, so lexicographic order matches creation order.
func NewClaimID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails; fall back to v4
		// rather than panicking in the intake path.
		return uuid.NewString()
	}
	return id.String()
}

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewNonce returns a base64url disclosure nonce for selective hash disclosure.
func NewNonce() string {
	bytes := make([]byte, 18)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
