package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tubelens/outlierd/internal/store"
)

// HousekeepingService periodically cleans up expired database records to
// prevent unbounded growth of pending 2FA sessions, refresh tokens, and
// export jobs. Expired export jobs also have their backing files removed.
type HousekeepingService struct {
	Store     store.Store
	Logger    *slog.Logger
	Interval  time.Duration
	Retention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// DefaultExportRetention bounds how long an export job row is kept after
// creation, even when its download window was extended by retries.
const DefaultExportRetention = 30 * 24 * time.Hour

// NewHousekeepingService creates a new housekeeping service with the given
// interval. If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:     st,
		Logger:    logger,
		Interval:  interval,
		Retention: DefaultExportRetention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs cleanup.
// Non-blocking; call Stop() to shut the worker down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts down the background worker, blocking until any in-progress
// cleanup finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup performs the actual deletion of expired records. Each sweep is
// independent - failures in one won't stop the others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	s.Logger.Debug("starting housekeeping cleanup")

	if err := s.Store.PendingSessions().DeleteExpired(ctx); err != nil {
		s.Logger.Error("failed to delete expired pending 2FA sessions", "error", err)
	}

	if err := s.Store.RefreshTokens().DeleteExpired(ctx); err != nil {
		s.Logger.Error("failed to delete expired refresh tokens", "error", err)
	}

	removed, err := s.CleanupExpiredExports(ctx, true)
	if err != nil {
		s.Logger.Error("failed to clean up expired export jobs", "error", err)
	}

	pruned, err := s.PruneOldExports(ctx)
	if err != nil {
		s.Logger.Error("failed to prune old export jobs", "error", err)
	}

	s.Logger.Info("housekeeping cleanup completed",
		"expired_exports_removed", removed, "old_exports_pruned", pruned)
}

// CleanupExpiredExports removes every export job past its expiry, deleting
// the backing file first when deleteFiles is set. File-deletion errors are
// logged and swallowed; the job record is removed regardless. Returns the
// number of jobs removed.
func (s *HousekeepingService) CleanupExpiredExports(ctx context.Context, deleteFiles bool) (int, error) {
	jobs, err := s.Store.ExportJobs().ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired export jobs: %w", err)
	}

	removed := 0
	for _, job := range jobs {
		if deleteFiles && job.FilePath != "" {
			if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
				s.Logger.Warn("failed to delete export file",
					"job_id", job.ID, "path", job.FilePath, "error", err)
			}
		}
		if err := s.Store.ExportJobs().Delete(ctx, job.ID); err != nil {
			s.Logger.Error("failed to delete expired export job", "job_id", job.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// PruneOldExports removes export jobs created before the retention cutoff,
// regardless of expiry. Backing files are deleted the same way as in
// CleanupExpiredExports.
func (s *HousekeepingService) PruneOldExports(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.Retention)

	jobs, err := s.Store.ExportJobs().ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list old export jobs: %w", err)
	}

	pruned := 0
	for _, job := range jobs {
		if job.FilePath != "" {
			if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
				s.Logger.Warn("failed to delete export file",
					"job_id", job.ID, "path", job.FilePath, "error", err)
			}
		}
		if err := s.Store.ExportJobs().Delete(ctx, job.ID); err != nil {
			s.Logger.Error("failed to delete old export job", "job_id", job.ID, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}
