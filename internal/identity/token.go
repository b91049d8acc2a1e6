// Package identity carries the caller's bearer credential through a turn.
//
// The runtime never issues, refreshes, or verifies tokens; the identity
// provider in front of it does. What the runtime needs is the raw bearer
// string to forward on the wire, the subject it is bound to, and the expiry
// so obviously stale credentials are rejected before a handshake is wasted
// on them. Tokens are never persisted and never logged in plaintext;
// Fingerprint is the only form that may appear in logs.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a caller identity supplied once per call. The zero value is the
// anonymous identity used in development and tests.
type Token struct {
	Bearer    string
	SubjectID string
	ExpiresAt time.Time
}

// FromBearer extracts the subject and expiry claims from a bearer JWT.
// The signature is not checked here: the token was already verified by the
// identity layer upstream, and the runtime does not hold the provider's key.
// Opaque (non-JWT) bearers are accepted with the bearer itself as subject.
func FromBearer(bearer string) (Token, error) {
	bearer = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if bearer == "" {
		return Token{}, fmt.Errorf("identity: empty bearer")
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, &claims); err != nil {
		// Not a JWT. Treat as an opaque credential bound to itself.
		return Token{Bearer: bearer, SubjectID: bearer}, nil
	}

	tok := Token{Bearer: bearer, SubjectID: strings.TrimSpace(claims.Subject)}
	if tok.SubjectID == "" {
		return Token{}, fmt.Errorf("identity: token has no subject claim")
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// IsZero reports whether the token is the anonymous identity.
func (t Token) IsZero() bool {
	return t.Bearer == "" && t.SubjectID == ""
}

// Expired reports whether the token's expiry has passed. Tokens without an
// expiry claim never expire from the runtime's point of view.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Fingerprint returns a short redacted identifier safe for logs: the first
// eight hex characters of the SHA-256 of the subject ID, or "anon" for the
// zero token.
func (t Token) Fingerprint() string {
	if t.IsZero() {
		return "anon"
	}
	sum := sha256.Sum256([]byte(t.SubjectID))
	return hex.EncodeToString(sum[:4])
}

// SubjectHash returns the full SHA-256 hex digest of the subject ID. Cache
// keys use this so a subject identifier never appears verbatim in shared
// state or metrics labels.
func (t Token) SubjectHash() string {
	if t.IsZero() {
		return "anon"
	}
	sum := sha256.Sum256([]byte(t.SubjectID))
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer so accidental formatting of a Token cannot
// leak the bearer.
func (t Token) String() string {
	return "identity.Token(" + t.Fingerprint() + ")"
}
