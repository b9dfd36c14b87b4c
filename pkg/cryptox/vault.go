package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when ciphertext fails authentication, which covers
// both tampered data and decryption with the wrong key.
var ErrDecrypt = errors.New("cryptox: decryption failed")

// Vault performs authenticated symmetric encryption of secrets at rest
// (TOTP secrets, backup-code batches). The output format is:
// [12-byte nonce][encrypted data][16-byte auth tag]
type Vault struct {
	key []byte // 32 bytes, AES-256
}

// NewVault derives a 32-byte AES-256 key from arbitrary key material using
// SHA-256. The material typically comes from configuration; callers that have
// no configured key should pass freshly generated random bytes and log that
// the vault is ephemeral.
func NewVault(material []byte) (*Vault, error) {
	if len(material) == 0 {
		return nil, errors.New("cryptox: empty key material")
	}
	hash := sha256.Sum256(material)
	return &Vault{key: hash[:]}, nil
}

// NewEphemeralVault creates a vault with a random key that will not survive
// a restart. Acceptable only outside production.
func NewEphemeralVault() (*Vault, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral vault key: %w", err)
	}
	return NewVault(material)
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// gcm.Seal appends the ciphertext and auth tag to nonce
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt. Any authentication failure is
// reported as ErrDecrypt without distinguishing the cause.
func (v *Vault) Decrypt(encrypted []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns base64url for TEXT column
// storage.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	out, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
