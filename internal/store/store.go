package store

import (
	"context"
	"errors"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInvalidTransition is returned when a job status change is not
	// allowed from the current state (e.g. retrying a completed job, or
	// completing a cancelled one).
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrNotOwner is returned when an ownership check on a job fails.
	ErrNotOwner = errors.New("store: job not owned by requesting user")
)

// Store is the root data access interface. Concrete drivers (sqlite)
// implement this. It exposes sub-repositories to keep concerns tidy and
// testable.
type Store interface {
	Users() Users
	PendingSessions() PendingSessions
	RefreshTokens() RefreshTokens
	ExportJobs() ExportJobs

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing on nil error and
	// rolling back otherwise. Preferred over Tx for multi-step operations
	// that must be atomic (e.g. enabling 2FA).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	GetUserByID(ctx context.Context, id string) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by the app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdateLoginState mutates the lockout fields in one write.
	UpdateLoginState(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error

	// UpdatePasswordHash sets the password_hash and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// EnableTwoFactor persists the encrypted secret and backup-code list,
	// sets two_factor_enabled, and clears the used-codes set.
	EnableTwoFactor(ctx context.Context, userID, encryptedSecret, encryptedCodes string) error

	// DisableTwoFactor clears all 2FA fields.
	DisableTwoFactor(ctx context.Context, userID string) error

	// ReplaceBackupCodes swaps the encrypted backup-code batch and clears
	// the used-codes set.
	ReplaceBackupCodes(ctx context.Context, userID, encryptedCodes string) error

	// ConsumeBackupCode records a backup code as used. The write is guarded
	// against the code already being in the used set, so exactly one of two
	// racing consumers succeeds; the loser gets ErrAlreadyExists.
	ConsumeBackupCode(ctx context.Context, userID, code string) error
}

type PendingSessions interface {
	// Create stores a pending 2FA session minted after a password-valid
	// login.
	Create(ctx context.Context, s domain.PendingTwoFactorSession) error

	// Get returns a session by id regardless of expiry; expiry is checked
	// lazily by the caller so expired sessions can also be deleted.
	Get(ctx context.Context, id string) (domain.PendingTwoFactorSession, error)

	// Delete removes a session. Returns ErrNotFound when no row was
	// deleted, so racing redemptions of one session cannot both claim it.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all expired sessions (housekeeping).
	DeleteExpired(ctx context.Context) error
}

type RefreshTokens interface {
	Create(ctx context.Context, t domain.RefreshToken) error

	// GetByHash returns the token record by its fingerprint.
	GetByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// Revoke flips revoked, sets updated_at.
	Revoke(ctx context.Context, hash string) error

	// DeleteAllForUser removes every refresh token for a user. Called when
	// 2FA is enabled or disabled to force re-authentication everywhere.
	DeleteAllForUser(ctx context.Context, userID string) error

	// DeleteExpired is housekeeping.
	DeleteExpired(ctx context.Context) error
}

// ExportJobs owns the export-job lifecycle. Status transitions are guarded
// in the driver so a cancelled job stays cancelled regardless of write
// order; guarded mutations report ErrInvalidTransition instead of
// overwriting terminal state.
type ExportJobs interface {
	Create(ctx context.Context, j domain.ExportJob) error
	GetByID(ctx context.Context, id string) (domain.ExportJob, error)

	// ListByUser returns a user's jobs newest-first, optionally filtered by
	// status and/or format.
	ListByUser(ctx context.Context, userID string, status *domain.ExportStatus, format *domain.ExportFormat, limit int) ([]domain.ExportJob, error)

	// ListPending returns pending jobs oldest-first for worker pickup.
	ListPending(ctx context.Context, limit int) ([]domain.ExportJob, error)

	ListProcessing(ctx context.Context) ([]domain.ExportJob, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.ExportJob, error)
	ListExpired(ctx context.Context, now time.Time) ([]domain.ExportJob, error)

	// MarkStarted moves pending -> processing. Returns ErrInvalidTransition
	// when the job is no longer pending (e.g. cancelled before pickup) and
	// ErrNotFound when it is gone entirely.
	MarkStarted(ctx context.Context, id string, now time.Time) error

	// UpdateProgress clamps progress to [0,100] and appends an optional
	// message to the ordered progress log.
	UpdateProgress(ctx context.Context, id string, progress int, message string, now time.Time) error

	// MarkCompleted moves processing -> completed with the file details.
	MarkCompleted(ctx context.Context, id, filePath, filename, mimeType string, fileSize int64, now time.Time) error

	// MarkFailed moves the job to failed, storing the error. When allowRetry
	// is true the retry count is incremented; while budget remains after the
	// increment the job stays retry-eligible, otherwise completed_at marks
	// it terminal.
	MarkFailed(ctx context.Context, id, errorMessage string, allowRetry bool, now time.Time) error

	// Retry resets a retry-eligible failed job to pending and extends its
	// expiry 24h from now. The retry count is left as-is.
	Retry(ctx context.Context, id string, now time.Time) (domain.ExportJob, error)

	// Cancel moves a pending or processing job to cancelled. When
	// requestingUserID is non-empty the job must belong to that user.
	Cancel(ctx context.Context, id, requestingUserID string, now time.Time) (domain.ExportJob, error)

	// Delete removes a job record.
	Delete(ctx context.Context, id string) error
}
