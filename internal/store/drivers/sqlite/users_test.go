package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/idx"
)

func createUser(t *testing.T, st store.Store, username string) domain.User {
	t.Helper()

	user := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "unused",
		Role:         domain.RoleUser,
	}
	require.NoError(t, st.Users().CreateUser(context.Background(), user))
	return user
}

func TestConsumeBackupCode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	user := createUser(t, st, "alice")

	require.NoError(t, st.Users().ConsumeBackupCode(ctx, user.ID, "CODE-ONE"))

	got, err := st.Users().GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"CODE-ONE"}, got.UsedBackupCodes)

	t.Run("second consume of the same code loses", func(t *testing.T) {
		err := st.Users().ConsumeBackupCode(ctx, user.ID, "CODE-ONE")
		require.ErrorIs(t, err, store.ErrAlreadyExists)

		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"CODE-ONE"}, got.UsedBackupCodes)
	})

	t.Run("different codes accumulate", func(t *testing.T) {
		require.NoError(t, st.Users().ConsumeBackupCode(ctx, user.ID, "CODE-TWO"))

		got, err := st.Users().GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"CODE-ONE", "CODE-TWO"}, got.UsedBackupCodes)
	})

	t.Run("unknown user", func(t *testing.T) {
		err := st.Users().ConsumeBackupCode(ctx, "missing", "CODE-ONE")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
