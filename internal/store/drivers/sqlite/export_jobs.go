package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

type exportJobsRepo struct {
	db dbtx
}

const exportJobColumns = `id, user_id, analysis_id, format, status, progress,
	filename, file_path, file_size, mime_type, progress_log, error_message,
	retry_count, max_retries, created_at, started_at, completed_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExportJob(sc rowScanner) (domain.ExportJob, error) {
	var (
		j           domain.ExportJob
		filename    sql.NullString
		filePath    sql.NullString
		fileSize    sql.NullInt64
		mimeType    sql.NullString
		progressLog string
		errMessage  sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := sc.Scan(
		&j.ID, &j.UserID, &j.AnalysisID, &j.Format, &j.Status, &j.Progress,
		&filename, &filePath, &fileSize, &mimeType, &progressLog, &errMessage,
		&j.RetryCount, &j.MaxRetries, &j.CreatedAt, &startedAt, &completedAt, &j.ExpiresAt,
	)
	if err != nil {
		return domain.ExportJob{}, mapNotFound(err)
	}

	j.Filename = mapNullString(filename)
	j.FilePath = mapNullString(filePath)
	j.FileSize = fileSize.Int64
	j.MIMEType = mapNullString(mimeType)
	j.ErrorMessage = mapNullString(errMessage)
	j.StartedAt = mapNullTimePtr(startedAt)
	j.CompletedAt = mapNullTimePtr(completedAt)

	entries, err := decodeJSONList[domain.ProgressEntry](progressLog)
	if err != nil {
		return domain.ExportJob{}, err
	}
	j.ProgressLog = entries
	return j, nil
}

func (r *exportJobsRepo) Create(ctx context.Context, j domain.ExportJob) error {
	progressLog, err := encodeJSONList(j.ProgressLog)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (
			id, user_id, analysis_id, format, status, progress,
			progress_log, retry_count, max_retries, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.AnalysisID, j.Format, j.Status, j.Progress,
		progressLog, j.RetryCount, j.MaxRetries, j.CreatedAt, j.ExpiresAt,
	)
	return err
}

func (r *exportJobsRepo) GetByID(ctx context.Context, id string) (domain.ExportJob, error) {
	return scanExportJob(r.db.QueryRowContext(ctx,
		`SELECT `+exportJobColumns+` FROM export_jobs WHERE id = ?`, id))
}

func (r *exportJobsRepo) ListByUser(ctx context.Context, userID string, status *domain.ExportStatus, format *domain.ExportFormat, limit int) ([]domain.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE user_id = ?`
	args := []any{userID}

	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	if format != nil {
		query += ` AND format = ?`
		args = append(args, *format)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.queryJobs(ctx, query, args...)
}

func (r *exportJobsRepo) ListPending(ctx context.Context, limit int) ([]domain.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs
		WHERE status = 'pending' ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryJobs(ctx, query, args...)
}

func (r *exportJobsRepo) ListProcessing(ctx context.Context) ([]domain.ExportJob, error) {
	return r.queryJobs(ctx, `SELECT `+exportJobColumns+` FROM export_jobs
		WHERE status = 'processing' ORDER BY started_at ASC`)
}

func (r *exportJobsRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.ExportJob, error) {
	return r.queryJobs(ctx, `SELECT `+exportJobColumns+` FROM export_jobs
		WHERE created_at < ? ORDER BY created_at ASC`, cutoff)
}

func (r *exportJobsRepo) ListExpired(ctx context.Context, now time.Time) ([]domain.ExportJob, error) {
	return r.queryJobs(ctx, `SELECT `+exportJobColumns+` FROM export_jobs
		WHERE expires_at < ? ORDER BY expires_at ASC`, now)
}

func (r *exportJobsRepo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.ExportJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ExportJob
	for rows.Next() {
		j, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *exportJobsRepo) MarkStarted(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'pending'`,
		now.UTC(), id,
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *exportJobsRepo) UpdateProgress(ctx context.Context, id string, progress int, message string, now time.Time) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	// Read-modify-write on the JSON log; callers needing atomicity wrap in
	// WithTx. The guarded UPDATE below still protects terminal states.
	var progressLog string
	err := r.db.QueryRowContext(ctx,
		`SELECT progress_log FROM export_jobs WHERE id = ?`, id,
	).Scan(&progressLog)
	if err != nil {
		return mapNotFound(err)
	}

	entries, err := decodeJSONList[domain.ProgressEntry](progressLog)
	if err != nil {
		return err
	}
	if message != "" {
		entries = append(entries, domain.ProgressEntry{
			Timestamp: now.UTC(),
			Progress:  progress,
			Message:   message,
		})
	}
	encoded, err := encodeJSONList(entries)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET progress = ?, progress_log = ?
		WHERE id = ? AND status = 'processing'`,
		progress, encoded, id,
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *exportJobsRepo) MarkCompleted(ctx context.Context, id, filePath, filename, mimeType string, fileSize int64, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'completed', progress = 100,
		    file_path = ?, filename = ?, mime_type = ?, file_size = ?,
		    completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		filePath, filename, mimeType, fileSize, now.UTC(), id,
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *exportJobsRepo) MarkFailed(ctx context.Context, id, errorMessage string, allowRetry bool, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if allowRetry {
		// Burns one unit of the retry budget. While budget remains after the
		// increment, completed_at stays clear and the job is retry-eligible;
		// the exhausting failure falls through and goes terminal below.
		res, err = r.db.ExecContext(ctx, `
			UPDATE export_jobs
			SET status = 'failed', progress = 100, error_message = ?,
			    retry_count = retry_count + 1, completed_at = NULL
			WHERE id = ? AND status IN ('pending', 'processing')
			  AND retry_count + 1 < max_retries`,
			errorMessage, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		res, err = r.db.ExecContext(ctx, `
			UPDATE export_jobs
			SET status = 'failed', progress = 100, error_message = ?,
			    retry_count = retry_count + 1, completed_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')`,
			errorMessage, now.UTC(), id,
		)
		if err != nil {
			return err
		}
		return r.checkTransition(ctx, res, id)
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'failed', progress = 100, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		errorMessage, now.UTC(), id,
	)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *exportJobsRepo) Retry(ctx context.Context, id string, now time.Time) (domain.ExportJob, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'pending', progress = 0, error_message = NULL,
		    started_at = NULL, completed_at = NULL, expires_at = ?
		WHERE id = ? AND status = 'failed' AND retry_count < max_retries`,
		now.UTC().Add(24*time.Hour), id,
	)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := r.checkTransition(ctx, res, id); err != nil {
		return domain.ExportJob{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *exportJobsRepo) Cancel(ctx context.Context, id, requestingUserID string, now time.Time) (domain.ExportJob, error) {
	if requestingUserID != "" {
		j, err := r.GetByID(ctx, id)
		if err != nil {
			return domain.ExportJob{}, err
		}
		if j.UserID != requestingUserID {
			return domain.ExportJob{}, store.ErrNotOwner
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = 'cancelled', progress = 100, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		now.UTC(), id,
	)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := r.checkTransition(ctx, res, id); err != nil {
		return domain.ExportJob{}, err
	}
	return r.GetByID(ctx, id)
}

func (r *exportJobsRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = ?`, id)
	return err
}

// checkTransition distinguishes a missing job from a disallowed status
// change after a guarded UPDATE matched no rows.
func (r *exportJobsRepo) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM export_jobs WHERE id = ?`, id,
	).Scan(&exists)
	if err != nil {
		return mapNotFound(err)
	}
	return store.ErrInvalidTransition
}
