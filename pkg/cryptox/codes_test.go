package cryptox

import (
	"encoding/base32"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecret(t *testing.T) {
	t.Parallel()

	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	require.Len(t, secret, 32)
	require.Equal(t, strings.ToUpper(secret), secret)

	// Must decode back to exactly 20 bytes of entropy.
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	require.NoError(t, err)
	require.Len(t, raw, 20)

	other, err := GenerateTOTPSecret()
	require.NoError(t, err)
	require.NotEqual(t, secret, other)
}

func TestGenerateBackupCodes(t *testing.T) {
	t.Parallel()

	codes, err := GenerateBackupCodes(DefaultBackupCodeCount, DefaultBackupCodeLength)
	require.NoError(t, err)
	require.Len(t, codes, DefaultBackupCodeCount)

	seen := make(map[string]struct{})
	for _, code := range codes {
		require.Len(t, code, DefaultBackupCodeLength)
		for _, c := range code {
			require.Contains(t, backupCodeAlphabet, string(c))
		}
		_, dup := seen[code]
		require.False(t, dup, "batch must not contain duplicates")
		seen[code] = struct{}{}
	}
}

func TestGenerateBackupCodesDefaults(t *testing.T) {
	t.Parallel()

	codes, err := GenerateBackupCodes(0, 0)
	require.NoError(t, err)
	require.Len(t, codes, DefaultBackupCodeCount)
	require.Len(t, codes[0], DefaultBackupCodeLength)
}

func TestConstantTimeEquals(t *testing.T) {
	t.Parallel()

	require.True(t, ConstantTimeEquals("A1B2C3D4", "A1B2C3D4"))
	require.False(t, ConstantTimeEquals("A1B2C3D4", "A1B2C3D5"))
	require.False(t, ConstantTimeEquals("A1B2C3D4", "A1B2C3"))
	require.True(t, ConstantTimeEquals("", ""))
}
