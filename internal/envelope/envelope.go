// Package envelope verifies the signed token envelope carrying a claim
// payload. The core only ever sees the verified issuer DID and the decoded
// payload; token mechanics stay behind the Verifier interface.
package envelope

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrVerifyFailed covers any signature, expiry, or shape failure.
	ErrVerifyFailed = errors.New("envelope verification failed")
	// ErrUnsupportedDIDMethod is returned for issuer DIDs whose method the
	// resolver cannot produce a key for.
	ErrUnsupportedDIDMethod = errors.New("unsupported DID method")
)

// Verified is the result of a successful envelope verification.
type Verified struct {
	Issuer   string
	IssuedAt time.Time
	// Payload is the decoded JWT claims object, including the embedded
	// "claim" body the intake validator extracts.
	Payload map[string]any
}

// Verifier is the abstract envelope collaborator consumed by intake.
type Verifier interface {
	Verify(ctx context.Context, token string) (Verified, error)
}

// KeyResolver maps an issuer DID to its verification key.
type KeyResolver interface {
	Resolve(ctx context.Context, did string) (crypto.PublicKey, error)
}

// JWTVerifier verifies EdDSA/ES256 JWS envelopes, resolving the issuer key
// from the token's iss claim before checking the signature.
type JWTVerifier struct {
	resolver KeyResolver
	leeway   time.Duration
}

func NewJWTVerifier(resolver KeyResolver, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{resolver: resolver, leeway: leeway}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Verified, error) {
	// First pass without verification, only to learn the issuer.
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	issuer, err := unverified.Claims.GetIssuer()
	if err != nil || strings.TrimSpace(issuer) == "" {
		return Verified{}, fmt.Errorf("%w: missing iss claim", ErrVerifyFailed)
	}

	key, err := v.resolver.Resolve(ctx, issuer)
	if err != nil {
		if errors.Is(err, ErrUnsupportedDIDMethod) {
			return Verified{}, fmt.Errorf("%w: %s", ErrUnsupportedDIDMethod, issuer)
		}
		return Verified{}, fmt.Errorf("%w: resolve issuer key: %v", ErrVerifyFailed, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA", "ES256"}),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuedAt(),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return Verified{}, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}

	issuedAt := time.Now()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issuedAt = iat.Time
	}
	return Verified{Issuer: issuer, IssuedAt: issuedAt, Payload: map[string]any(claims)}, nil
}

// DIDResolver resolves self-certifying "did:vouch" identities, whose
// method-specific id is the base64url ed25519 public key itself. Other
// methods can be layered in through the extra map.
type DIDResolver struct {
	extra map[string]crypto.PublicKey
}

func NewDIDResolver() *DIDResolver {
	return &DIDResolver{extra: make(map[string]crypto.PublicKey)}
}

// Register pins a key for a DID the self-certifying scheme cannot derive.
func (r *DIDResolver) Register(did string, key crypto.PublicKey) {
	r.extra[did] = key
}

func (r *DIDResolver) Resolve(_ context.Context, did string) (crypto.PublicKey, error) {
	if key, ok := r.extra[did]; ok {
		return key, nil
	}
	const prefix = "did:vouch:"
	if !strings.HasPrefix(did, prefix) {
		return nil, ErrUnsupportedDIDMethod
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(did, prefix))
	if err != nil {
		return nil, fmt.Errorf("decode did key material: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("did key material is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// DIDForKey derives the did:vouch identity for an ed25519 public key.
func DIDForKey(key ed25519.PublicKey) string {
	return "did:vouch:" + base64.RawURLEncoding.EncodeToString(key)
}
