package service

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/internal/store/drivers/sqlite"
	"github.com/tubelens/outlierd/pkg/cryptox"
	"github.com/tubelens/outlierd/pkg/idx"
)

// testPassword is hashed once; bcrypt at cost 12 is too slow to repeat per
// test case.
const testPassword = "correct horse battery staple"

var testPasswordHash string

func init() {
	hash, err := cryptox.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	testPasswordHash = hash
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func newTestVault(t *testing.T) *cryptox.Vault {
	t.Helper()

	vault, err := cryptox.NewEphemeralVault()
	require.NoError(t, err)
	return vault
}

func createTestUser(t *testing.T, st store.Store, username string) domain.User {
	t.Helper()

	user := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: testPasswordHash,
		Role:         domain.RoleUser,
	}
	require.NoError(t, st.Users().CreateUser(context.Background(), user))
	return user
}

func newTestTwoFactorService(t *testing.T, st store.Store) *TwoFactorService {
	t.Helper()
	return NewTwoFactorService(st, newTestVault(t), "TubeLens")
}

// enableTwoFactor walks a user through the full setup flow and returns the
// plaintext secret and backup codes.
func enableTwoFactor(t *testing.T, svc *TwoFactorService, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := svc.Setup(ctx, userID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, svc.Enable(ctx, userID, setup.Secret, code, setup.BackupCodes))
	return setup.Secret, setup.BackupCodes
}

func TestTwoFactorSetup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")

	setup, err := svc.Setup(ctx, user.ID)
	require.NoError(t, err)

	t.Run("returns secret, URI and codes", func(t *testing.T) {
		require.Len(t, setup.Secret, 32)
		require.Len(t, setup.BackupCodes, cryptox.DefaultBackupCodeCount)
		require.Contains(t, setup.QRPayload, "otpauth://totp/")
		require.Contains(t, setup.QRPayload, "issuer=TubeLens")
		require.Contains(t, setup.QRPayload, "secret="+setup.Secret)
		require.Equal(t, "alice", setup.Account)
	})

	t.Run("persists nothing until enable", func(t *testing.T) {
		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled)
		require.Nil(t, got.TwoFactorSecret)
		require.Nil(t, got.BackupCodes)
	})

	t.Run("repeat setup issues a fresh secret", func(t *testing.T) {
		again, err := svc.Setup(ctx, user.ID)
		require.NoError(t, err)
		require.NotEqual(t, setup.Secret, again.Secret)
	})
}

func TestTwoFactorEnable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")

	setup, err := svc.Setup(ctx, user.ID)
	require.NoError(t, err)

	t.Run("rejects an invalid code without persisting", func(t *testing.T) {
		err := svc.Enable(ctx, user.ID, setup.Secret, "000000", setup.BackupCodes)
		require.ErrorIs(t, err, ErrInvalidCode)

		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled)
	})

	t.Run("valid code persists ciphertext only", func(t *testing.T) {
		code, err := totp.GenerateCode(setup.Secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, svc.Enable(ctx, user.ID, setup.Secret, code, setup.BackupCodes))

		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.True(t, got.TwoFactorEnabled)
		require.NotNil(t, got.TwoFactorSecret)
		require.NotEqual(t, setup.Secret, *got.TwoFactorSecret)
		require.NotNil(t, got.BackupCodes)
		require.Empty(t, got.UsedBackupCodes)
	})

	t.Run("enabling twice is rejected", func(t *testing.T) {
		code, err := totp.GenerateCode(setup.Secret, time.Now())
		require.NoError(t, err)
		err = svc.Enable(ctx, user.ID, setup.Secret, code, setup.BackupCodes)
		require.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)
	})
}

func TestTwoFactorVerify(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")
	secret, backupCodes := enableTwoFactor(t, svc, user.ID)

	t.Run("accepts a current TOTP code", func(t *testing.T) {
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, svc.Verify(ctx, user.ID, code))
	})

	t.Run("rejects a fixed invalid code", func(t *testing.T) {
		require.ErrorIs(t, svc.Verify(ctx, user.ID, "000000"), ErrInvalidCode)
	})

	t.Run("backup code is single use", func(t *testing.T) {
		code := backupCodes[0]
		require.NoError(t, svc.Verify(ctx, user.ID, code))
		require.ErrorIs(t, svc.Verify(ctx, user.ID, code), ErrInvalidCode)
	})

	t.Run("not enabled for other users", func(t *testing.T) {
		other := createTestUser(t, st, "bob")
		err := svc.Verify(ctx, other.ID, "123456")
		require.ErrorIs(t, err, ErrTwoFactorNotEnabled)
	})

	t.Run("concurrent consumers of one code cannot both win", func(t *testing.T) {
		code := backupCodes[1]

		// Both sides of the race see the code as unused in their snapshot;
		// the guarded write lets only the first one through.
		stale, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)

		require.NoError(t, svc.Verify(ctx, user.ID, code))

		matched, err := svc.matchBackupCode(ctx, stale, code)
		require.NoError(t, err)
		require.False(t, matched)
	})
}

func TestTwoFactorVerifyRateLimit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")
	secret, _ := enableTwoFactor(t, svc, user.ID)

	now := time.Now()
	svc.limiter = newVerifyLimiter(func() time.Time { return now })

	t.Run("five failures trip the limiter", func(t *testing.T) {
		for i := 0; i < verifyAttemptLimit; i++ {
			require.ErrorIs(t, svc.Verify(ctx, user.ID, "000000"), ErrInvalidCode)
		}
		require.ErrorIs(t, svc.Verify(ctx, user.ID, "000000"), ErrRateLimited)

		// Even a valid code is rejected while limited.
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.ErrorIs(t, svc.Verify(ctx, user.ID, code), ErrRateLimited)
	})

	t.Run("window expiry clears the limiter", func(t *testing.T) {
		now = now.Add(verifyAttemptWindow + time.Second)

		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, svc.Verify(ctx, user.ID, code))
	})

	t.Run("success resets the counter", func(t *testing.T) {
		for i := 0; i < verifyAttemptLimit-1; i++ {
			require.ErrorIs(t, svc.Verify(ctx, user.ID, "000000"), ErrInvalidCode)
		}

		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, svc.Verify(ctx, user.ID, code))

		// The streak starts over.
		for i := 0; i < verifyAttemptLimit-1; i++ {
			require.ErrorIs(t, svc.Verify(ctx, user.ID, "000000"), ErrInvalidCode)
		}
		code, err = totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, svc.Verify(ctx, user.ID, code))
	})
}

func TestTwoFactorDisable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")
	enableTwoFactor(t, svc, user.ID)

	t.Run("requires the account password", func(t *testing.T) {
		err := svc.Disable(ctx, user.ID, "wrong password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("clears all 2FA fields", func(t *testing.T) {
		require.NoError(t, svc.Disable(ctx, user.ID, testPassword))

		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled)
		require.Nil(t, got.TwoFactorSecret)
		require.Nil(t, got.BackupCodes)
		require.Empty(t, got.UsedBackupCodes)
	})

	t.Run("disabling again is rejected", func(t *testing.T) {
		err := svc.Disable(ctx, user.ID, testPassword)
		require.ErrorIs(t, err, ErrTwoFactorNotEnabled)
	})
}

func TestTwoFactorBackupCodeStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")
	_, backupCodes := enableTwoFactor(t, svc, user.ID)

	status, err := svc.BackupCodeStatus(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, cryptox.DefaultBackupCodeCount, status.Total)
	require.Equal(t, 0, status.Used)

	require.NoError(t, svc.Verify(ctx, user.ID, backupCodes[0]))
	require.NoError(t, svc.Verify(ctx, user.ID, backupCodes[1]))

	status, err = svc.BackupCodeStatus(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 2, status.Used)
	require.Equal(t, cryptox.DefaultBackupCodeCount-2, status.Remaining)
}

func TestTwoFactorRegenerateBackupCodes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestTwoFactorService(t, st)
	user := createTestUser(t, st, "alice")
	_, oldCodes := enableTwoFactor(t, svc, user.ID)

	require.NoError(t, svc.Verify(ctx, user.ID, oldCodes[0]))

	newCodes, err := svc.RegenerateBackupCodes(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, newCodes, cryptox.DefaultBackupCodeCount)
	require.NotEqual(t, oldCodes, newCodes)

	t.Run("used set is cleared", func(t *testing.T) {
		status, err := svc.BackupCodeStatus(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, 0, status.Used)
	})

	t.Run("old codes stop working", func(t *testing.T) {
		err := svc.Verify(ctx, user.ID, oldCodes[1])
		require.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("new codes work", func(t *testing.T) {
		require.NoError(t, svc.Verify(ctx, user.ID, newCodes[0]))
	})
}
