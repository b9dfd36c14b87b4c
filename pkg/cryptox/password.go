package cryptox

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost is the bcrypt cost factor used for all newly hashed
// passwords.
const DefaultPasswordCost = 12

// ErrPasswordMismatch is returned when a password does not verify against
// its stored hash.
var ErrPasswordMismatch = errors.New("cryptox: password does not match")

// HashPassword hashes a password with bcrypt at DefaultPasswordCost.
// New credentials are always bcrypt; the legacy SHA-256 format is only ever
// accepted on verify (see VerifyPassword).
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultPasswordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against a stored hash.
//
// Two formats are accepted: bcrypt (current) and unsalted SHA-256 hex
// (legacy records predating the bcrypt migration). The legacy path exists
// purely for backward compatibility and should be removed once existing
// records have been re-hashed.
func VerifyPassword(password, storedHash string) error {
	if IsLegacyHash(storedHash) {
		sum := sha256.Sum256([]byte(password))
		computed := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(storedHash))) == 1 {
			return nil
		}
		return ErrPasswordMismatch
	}

	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// IsLegacyHash reports whether a stored hash is in the legacy unsalted
// SHA-256 hex format (64 hex chars, no bcrypt prefix).
func IsLegacyHash(storedHash string) bool {
	if strings.HasPrefix(storedHash, "$2") {
		return false
	}
	if len(storedHash) != 64 {
		return false
	}
	_, err := hex.DecodeString(storedHash)
	return err == nil
}
