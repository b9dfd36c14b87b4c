package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func newTestJob(userID string) domain.ExportJob {
	now := time.Now().UTC()
	return domain.ExportJob{
		ID:         uuid.NewString(),
		UserID:     userID,
		AnalysisID: uuid.NewString(),
		Format:     domain.FormatCSV,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

func TestExportJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobs := s.ExportJobs()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job))

	t.Run("starts pending with zero progress", func(t *testing.T) {
		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportPending, got.Status)
		require.Equal(t, 0, got.Progress)
		require.Nil(t, got.StartedAt)
	})

	t.Run("pending moves to processing", func(t *testing.T) {
		require.NoError(t, jobs.MarkStarted(ctx, job.ID, time.Now()))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportProcessing, got.Status)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("starting twice is rejected", func(t *testing.T) {
		err := jobs.MarkStarted(ctx, job.ID, time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("progress updates clamp and log", func(t *testing.T) {
		require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 40, "rendering", time.Now()))
		require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 150, "overshoot", time.Now()))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, 100, got.Progress)
		require.Len(t, got.ProgressLog, 2)
		require.Equal(t, "rendering", got.ProgressLog[0].Message)
		require.Equal(t, 100, got.ProgressLog[1].Progress)
	})

	t.Run("completion records file details", func(t *testing.T) {
		require.NoError(t, jobs.MarkCompleted(ctx, job.ID, "/tmp/out.csv", "out.csv", "text/csv", 2048, time.Now()))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportCompleted, got.Status)
		require.Equal(t, 100, got.Progress)
		require.Equal(t, "out.csv", got.Filename)
		require.Equal(t, int64(2048), got.FileSize)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("completed job rejects further transitions", func(t *testing.T) {
		err := jobs.UpdateProgress(ctx, job.ID, 10, "", time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = jobs.Retry(ctx, job.ID, time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = jobs.Cancel(ctx, job.ID, "", time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestExportJobRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobs := s.ExportJobs()

	job := newTestJob("user-1")
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, jobs.MarkStarted(ctx, job.ID, time.Now()))

	t.Run("retryable failure burns budget and stays open", func(t *testing.T) {
		require.NoError(t, jobs.MarkFailed(ctx, job.ID, "render exploded", true, time.Now()))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportFailed, got.Status)
		require.Equal(t, "render exploded", got.ErrorMessage)
		require.Equal(t, 1, got.RetryCount)
		require.Nil(t, got.CompletedAt)
		require.True(t, got.CanRetry())
	})

	t.Run("retry resets to pending and extends expiry", func(t *testing.T) {
		before, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)

		got, err := jobs.Retry(ctx, job.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, domain.ExportPending, got.Status)
		require.Equal(t, 0, got.Progress)
		require.Empty(t, got.ErrorMessage)
		require.Nil(t, got.StartedAt)
		require.True(t, got.ExpiresAt.After(before.ExpiresAt))
	})

	t.Run("exhausted budget goes terminal", func(t *testing.T) {
		for i := 0; i < domain.DefaultMaxRetries-2; i++ {
			require.NoError(t, jobs.MarkStarted(ctx, job.ID, time.Now()))
			require.NoError(t, jobs.MarkFailed(ctx, job.ID, "still broken", true, time.Now()))
			_, err := jobs.Retry(ctx, job.ID, time.Now())
			require.NoError(t, err)
		}

		require.NoError(t, jobs.MarkStarted(ctx, job.ID, time.Now()))
		require.NoError(t, jobs.MarkFailed(ctx, job.ID, "still broken", true, time.Now()))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportFailed, got.Status)
		require.Equal(t, domain.DefaultMaxRetries, got.RetryCount)
		require.NotNil(t, got.CompletedAt)
		require.False(t, got.CanRetry())

		_, err = jobs.Retry(ctx, job.ID, time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestExportJobCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobs := s.ExportJobs()

	t.Run("cancelled before pickup blocks the worker", func(t *testing.T) {
		job := newTestJob("user-1")
		require.NoError(t, jobs.Create(ctx, job))

		got, err := jobs.Cancel(ctx, job.ID, "user-1", time.Now())
		require.NoError(t, err)
		require.Equal(t, domain.ExportCancelled, got.Status)
		require.Equal(t, 100, got.Progress)

		// The worker's pickup must lose against the cancellation.
		err = jobs.MarkStarted(ctx, job.ID, time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("cancelled mid-flight blocks completion", func(t *testing.T) {
		job := newTestJob("user-1")
		require.NoError(t, jobs.Create(ctx, job))
		require.NoError(t, jobs.MarkStarted(ctx, job.ID, time.Now()))

		_, err := jobs.Cancel(ctx, job.ID, "", time.Now())
		require.NoError(t, err)

		err = jobs.MarkCompleted(ctx, job.ID, "/tmp/out.csv", "out.csv", "text/csv", 1, time.Now())
		require.ErrorIs(t, err, store.ErrInvalidTransition)

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.ExportCancelled, got.Status)
	})

	t.Run("ownership is enforced", func(t *testing.T) {
		job := newTestJob("user-1")
		require.NoError(t, jobs.Create(ctx, job))

		_, err := jobs.Cancel(ctx, job.ID, "user-2", time.Now())
		require.ErrorIs(t, err, store.ErrNotOwner)
	})

	t.Run("missing job reports not found", func(t *testing.T) {
		_, err := jobs.Cancel(ctx, uuid.NewString(), "", time.Now())
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestExportJobListing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jobs := s.ExportJobs()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := newTestJob("user-1")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			job.Format = domain.FormatPDF
		}
		require.NoError(t, jobs.Create(ctx, job))
	}
	other := newTestJob("user-2")
	require.NoError(t, jobs.Create(ctx, other))

	t.Run("by user newest first", func(t *testing.T) {
		got, err := jobs.ListByUser(ctx, "user-1", nil, nil, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.True(t, got[0].CreatedAt.After(got[2].CreatedAt))
	})

	t.Run("format filter", func(t *testing.T) {
		pdf := domain.FormatPDF
		got, err := jobs.ListByUser(ctx, "user-1", nil, &pdf, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("pending oldest first for workers", func(t *testing.T) {
		got, err := jobs.ListPending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
	})

	t.Run("expired jobs surface for cleanup", func(t *testing.T) {
		stale := newTestJob("user-1")
		stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		require.NoError(t, jobs.Create(ctx, stale))

		got, err := jobs.ListExpired(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, stale.ID, got[0].ID)

		require.NoError(t, jobs.Delete(ctx, stale.ID))
		_, err = jobs.GetByID(ctx, stale.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
