package domain

import "time"

// Roles assignable to users.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is the auth-relevant view of an account. The 2FA fields at rest are
// always ciphertext: TwoFactorSecret and BackupCodes are non-nil iff
// TwoFactorEnabled is true.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string // bcrypt; legacy SHA-256 hex tolerated on verify
	Role         string

	TwoFactorEnabled bool
	TwoFactorSecret  *string  // encrypted TOTP secret (nullable)
	BackupCodes      *string  // encrypted JSON list of backup codes (nullable)
	UsedBackupCodes  []string // consumed backup codes, unique

	FailedLoginAttempts int
	LockedUntil         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account lockout is still in effect at now.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}
