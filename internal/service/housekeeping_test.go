package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

func newTestHousekeepingService(t *testing.T, st store.Store) *HousekeepingService {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHousekeepingService(st, logger, time.Hour)
}

func createTestExportJob(t *testing.T, st store.Store, createdAt, expiresAt time.Time, filePath string) domain.ExportJob {
	t.Helper()
	ctx := context.Background()

	job := domain.ExportJob{
		ID:         uuid.NewString(),
		UserID:     "user-1",
		AnalysisID: "analysis-1",
		Format:     domain.FormatJSON,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}
	jobs := st.ExportJobs()
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, jobs.MarkStarted(ctx, job.ID, createdAt))
	require.NoError(t, jobs.MarkCompleted(ctx, job.ID, filePath, filepath.Base(filePath),
		"application/json", 7, createdAt))

	completed, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	return completed
}

func touchFile(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	return path
}

func TestCleanupExpiredExports(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestHousekeepingService(t, st)
	dir := t.TempDir()

	now := time.Now().UTC()
	expiredPath := touchFile(t, dir, "expired.json")
	expired := createTestExportJob(t, st, now.Add(-48*time.Hour), now.Add(-time.Hour), expiredPath)
	live := createTestExportJob(t, st, now, now.Add(24*time.Hour), touchFile(t, dir, "live.json"))

	removed, err := svc.CleanupExpiredExports(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = st.ExportJobs().GetByID(ctx, expired.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, errors.Is(checkFileGone(expiredPath), os.ErrNotExist))

	kept, err := st.ExportJobs().GetByID(ctx, live.ID)
	require.NoError(t, err)
	require.FileExists(t, kept.FilePath)

	t.Run("missing file does not block row deletion", func(t *testing.T) {
		orphan := createTestExportJob(t, st, now.Add(-48*time.Hour), now.Add(-time.Hour),
			filepath.Join(dir, "never-written.json"))

		removed, err := svc.CleanupExpiredExports(ctx, true)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, err = st.ExportJobs().GetByID(ctx, orphan.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPruneOldExports(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := newTestHousekeepingService(t, st)
	dir := t.TempDir()

	now := time.Now().UTC()
	oldPath := touchFile(t, dir, "old.json")

	// Unexpired but past retention; expiry alone would never remove it.
	old := createTestExportJob(t, st, now.Add(-svc.Retention-time.Hour), now.Add(24*time.Hour), oldPath)
	recent := createTestExportJob(t, st, now, now.Add(24*time.Hour), touchFile(t, dir, "recent.json"))

	pruned, err := svc.PruneOldExports(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, err = st.ExportJobs().GetByID(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, errors.Is(checkFileGone(oldPath), os.ErrNotExist))

	_, err = st.ExportJobs().GetByID(ctx, recent.ID)
	require.NoError(t, err)
}

func checkFileGone(path string) error {
	_, err := os.Stat(path)
	return err
}
