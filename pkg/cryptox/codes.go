package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"math/big"
)

const (
	// DefaultBackupCodeCount is the number of backup codes issued per batch.
	DefaultBackupCodeCount = 10
	// DefaultBackupCodeLength is the length of each backup code.
	DefaultBackupCodeLength = 8

	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateTOTPSecret returns a fresh TOTP shared secret: 20 bytes of
// cryptographic entropy encoded as 32 uppercase base32 characters
// (no padding), the form authenticator apps expect.
func GenerateTOTPSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// GenerateBackupCodes issues a batch of single-use recovery codes drawn from
// a 36-character uppercase alphabet. Duplicate codes within a batch are
// discarded and regenerated so every code in the batch is distinct.
func GenerateBackupCodes(count, length int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	if length <= 0 {
		length = DefaultBackupCodeLength
	}

	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := randomCode(length)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func randomCode(length int) (string, error) {
	code := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate backup code: %w", err)
		}
		code[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// ConstantTimeEquals compares two strings without leaking timing information
// proportional to the length of the matching prefix. Required for backup-code
// lookups.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
