package export

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/internal/store/drivers/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func newTestPool(t *testing.T, st store.Store, cfg Config) *Pool {
	t.Helper()

	cfg.Store = st
	if cfg.Renderer == nil {
		cfg.Renderer = &AnalysisRenderer{}
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}

	pool := NewPool(cfg)
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func waitForStatus(t *testing.T, st store.Store, jobID string, status domain.ExportStatus) domain.ExportJob {
	t.Helper()

	var job domain.ExportJob
	require.Eventually(t, func() bool {
		var err error
		job, err = st.ExportJobs().GetByID(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

// flakyRenderer fails the first n renders, then delegates.
type flakyRenderer struct {
	failures int32
	inner    Renderer
}

func (r *flakyRenderer) Render(ctx context.Context, format domain.ExportFormat, analysisID, userID string) ([]byte, error) {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return nil, &RenderError{Format: format, AnalysisID: analysisID, Err: errors.New("transient upstream failure")}
	}
	return r.inner.Render(ctx, format, analysisID, userID)
}

// gatedRenderer blocks every render until released.
type gatedRenderer struct {
	release chan struct{}
	inner   Renderer
}

func (r *gatedRenderer) Render(ctx context.Context, format domain.ExportFormat, analysisID, userID string) ([]byte, error) {
	<-r.release
	return r.inner.Render(ctx, format, analysisID, userID)
}

func TestPoolProcessesJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pool := newTestPool(t, st, Config{Workers: 2})
	require.NoError(t, pool.Start(ctx))

	job, err := pool.CreateJob(ctx, "user-1", "analysis-1", domain.FormatCSV)
	require.NoError(t, err)
	require.Equal(t, domain.ExportPending, job.Status)

	done := waitForStatus(t, st, job.ID, domain.ExportCompleted)
	require.Equal(t, 100, done.Progress)
	require.NotEmpty(t, done.Filename)
	require.Equal(t, "text/csv", done.MIMEType)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	info, err := os.Stat(done.FilePath)
	require.NoError(t, err)
	require.Equal(t, info.Size(), done.FileSize)

	require.NotEmpty(t, done.ProgressLog)
	require.Equal(t, "export started", done.ProgressLog[0].Message)
}

func TestPoolCapturesFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	renderer := &flakyRenderer{failures: 1, inner: &AnalysisRenderer{}}
	pool := newTestPool(t, st, Config{Workers: 1, Renderer: renderer})
	require.NoError(t, pool.Start(ctx))

	job, err := pool.CreateJob(ctx, "user-1", "analysis-1", domain.FormatJSON)
	require.NoError(t, err)

	failed := waitForStatus(t, st, job.ID, domain.ExportFailed)
	require.Equal(t, 100, failed.Progress)
	require.Contains(t, failed.ErrorMessage, "transient upstream failure")
	require.Equal(t, 1, failed.RetryCount)
	require.True(t, failed.CanRetry())

	t.Run("retry succeeds and keeps the count", func(t *testing.T) {
		_, err := pool.RetryJob(ctx, job.ID)
		require.NoError(t, err)

		done := waitForStatus(t, st, job.ID, domain.ExportCompleted)
		require.Equal(t, 1, done.RetryCount)
		require.Empty(t, done.ErrorMessage)
	})

	t.Run("worker survives job failures", func(t *testing.T) {
		next, err := pool.CreateJob(ctx, "user-1", "analysis-2", domain.FormatHTML)
		require.NoError(t, err)
		waitForStatus(t, st, next.ID, domain.ExportCompleted)
	})
}

func TestPoolSkipsCancelledJobs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pool := newTestPool(t, st, Config{Workers: 1})
	require.NoError(t, pool.Start(ctx))

	now := time.Now().UTC()
	job := domain.ExportJob{
		ID:         newJobID(),
		UserID:     "user-1",
		AnalysisID: "analysis-1",
		Format:     domain.FormatCSV,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	require.NoError(t, st.ExportJobs().Create(ctx, job))

	_, err := st.ExportJobs().Cancel(ctx, job.ID, "", now)
	require.NoError(t, err)

	require.NoError(t, pool.Enqueue(job.ID))

	// Give the worker time to pick it up; the terminal state must hold.
	require.Never(t, func() bool {
		got, err := st.ExportJobs().GetByID(ctx, job.ID)
		return err != nil || got.Status != domain.ExportCancelled
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestPoolQueueBackpressure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	renderer := &gatedRenderer{release: make(chan struct{}), inner: &AnalysisRenderer{}}
	pool := newTestPool(t, st, Config{Workers: 1, QueueCapacity: 1, Renderer: renderer})
	require.NoError(t, pool.Start(ctx))

	// First job occupies the worker, second fills the queue.
	first, err := pool.CreateJob(ctx, "user-1", "analysis-1", domain.FormatJSON)
	require.NoError(t, err)
	waitForStatus(t, st, first.ID, domain.ExportProcessing)

	_, err = pool.CreateJob(ctx, "user-1", "analysis-2", domain.FormatJSON)
	require.NoError(t, err)

	t.Run("full queue rejects instead of blocking", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := pool.CreateJob(ctx, "user-1", "analysis-3", domain.FormatJSON)
			done <- err
		}()

		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrQueueFull)
		case <-time.After(time.Second):
			t.Fatal("submission blocked on a full queue")
		}
	})

	close(renderer.release)
	waitForStatus(t, st, first.ID, domain.ExportCompleted)
}

func TestPoolStartRequeuesPending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().UTC()
	job := domain.ExportJob{
		ID:         newJobID(),
		UserID:     "user-1",
		AnalysisID: "analysis-1",
		Format:     domain.FormatJSON,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	require.NoError(t, st.ExportJobs().Create(ctx, job))

	pool := newTestPool(t, st, Config{Workers: 1})
	require.NoError(t, pool.Start(ctx))

	waitForStatus(t, st, job.ID, domain.ExportCompleted)
}

func TestPoolStartRecoversInterrupted(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().UTC()
	job := domain.ExportJob{
		ID:         newJobID(),
		UserID:     "user-1",
		AnalysisID: "analysis-1",
		Format:     domain.FormatJSON,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	require.NoError(t, st.ExportJobs().Create(ctx, job))

	// Simulate a crash mid-render: the job is stuck in processing and no
	// worker holds it.
	require.NoError(t, st.ExportJobs().MarkStarted(ctx, job.ID, now))

	pool := newTestPool(t, st, Config{Workers: 1})
	require.NoError(t, pool.Start(ctx))

	done := waitForStatus(t, st, job.ID, domain.ExportCompleted)
	require.Equal(t, 1, done.RetryCount)
}

func TestPoolShutdown(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pool := newTestPool(t, st, Config{Workers: 3})
	require.NoError(t, pool.Start(ctx))

	job, err := pool.CreateJob(ctx, "user-1", "analysis-1", domain.FormatCSV)
	require.NoError(t, err)
	waitForStatus(t, st, job.ID, domain.ExportCompleted)

	require.NoError(t, pool.Stop())

	t.Run("stopped pool rejects submissions", func(t *testing.T) {
		require.ErrorIs(t, pool.Enqueue("whatever"), ErrNotRunning)
		require.False(t, pool.Stats().Running)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		require.NoError(t, pool.Stop())
	})
}

func TestPoolStats(t *testing.T) {
	st := newTestStore(t)
	pool := newTestPool(t, st, Config{Workers: 2, QueueCapacity: 8})

	stats := pool.Stats()
	require.False(t, stats.Running)
	require.Equal(t, 2, stats.Workers)
	require.Equal(t, 8, stats.Capacity)

	require.NoError(t, pool.Start(context.Background()))
	require.True(t, pool.Stats().Running)
}
