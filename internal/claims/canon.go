package claims

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"vouch/api/internal/jtree"
)

// IsDID reports whether a string is a decentralized identity reference.
func IsDID(s string) bool {
	return strings.HasPrefix(s, "did:")
}

// CanonicalBody renders a claim body as canonical JSON.
func CanonicalBody(body jtree.Value) (string, error) {
	b, err := jtree.Canonical(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashText is the hex sha256 of a string.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashDID is the one-way commitment to an identity under a disclosure
// nonce. Anyone who is later given (nonce, did) can recompute it; nobody
// else can invert it.
func HashDID(nonce, did string) string {
	return HashText(nonce + did)
}

// NoncedHash computes the per-claim commitment the hash chain folds in:
// the claim body with every DID replaced by its nonced hash, canonicalized
// together with the (nonced) issuer and the issue timestamp.
func NoncedHash(body jtree.Value, nonce, issuer string, issuedAt time.Time) (string, error) {
	masked := jtree.Transform(body, func(s string) string {
		if IsDID(s) {
			return HashDID(nonce, s)
		}
		return s
	})
	commitment := map[string]any{
		"claim":    masked,
		"issuedAt": issuedAt.UTC().Format(time.RFC3339),
		"issuerId": HashDID(nonce, issuer),
	}
	b, err := jtree.Canonical(commitment)
	if err != nil {
		return "", err
	}
	return HashText(string(b)), nil
}
