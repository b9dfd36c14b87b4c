package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kind values carried in the "kind" claim so an access token can never
// be replayed against the refresh endpoint or vice versa.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Default token TTL constants.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Claims are the token claims used across the service. Changes should be
// additive to preserve compatibility with tokens already in the wild.
type Claims struct {
	jwt.RegisteredClaims

	// Kind distinguishes access tokens from refresh tokens.
	Kind string `json:"kind"`

	// Username for the authenticated user.
	Username string `json:"username,omitempty"`

	// Role of the user ("admin", "user").
	Role string `json:"role,omitempty"`

	// TwoFactorVerified is true when this token was issued after a 2FA
	// check (or the account has 2FA disabled). Downstream handlers gate
	// sensitive operations on it.
	TwoFactorVerified bool `json:"twofa_verified"`
}

// NewClaims builds minimally-correct claims for the given token kind.
func NewClaims(
	kind, subject, username, role string,
	twoFactorVerified bool,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Kind:              kind,
		Username:          username,
		Role:              role,
		TwoFactorVerified: twoFactorVerified,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
