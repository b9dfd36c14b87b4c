package domain

import "time"

// PendingTwoFactorSession bridges a password-verified login to the
// subsequent 2FA code submission. Consumed exactly once by a successful
// verify, or discarded on expiry (5 minutes).
type PendingTwoFactorSession struct {
	ID        string // opaque unguessable token
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its deadline at now.
func (s PendingTwoFactorSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RefreshToken models the stored refresh token record. The opaque JWT is
// never stored; only its fingerprint is, so InvalidateAllSessions can revoke
// every outstanding token for a user.
type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string // deterministic fingerprint (base64url SHA-256)
	TwoFactorVerified bool
	ExpiresAt         time.Time
	Revoked           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokenPair is what a successful authentication returns: the short-lived
// access token (JWT) and the refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"` // typically "Bearer"
	ExpiresIn    int64  `json:"expiresIn"` // seconds until access expiry
}
