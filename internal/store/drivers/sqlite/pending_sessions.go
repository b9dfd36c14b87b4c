package sqlite

import (
	"context"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

type pendingSessionsRepo struct {
	db dbtx
}

func (r *pendingSessionsRepo) Create(ctx context.Context, s domain.PendingTwoFactorSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_2fa_sessions (id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		s.ID, s.UserID, s.CreatedAt, s.ExpiresAt,
	)
	return err
}

func (r *pendingSessionsRepo) Get(ctx context.Context, id string) (domain.PendingTwoFactorSession, error) {
	var s domain.PendingTwoFactorSession
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at
		FROM pending_2fa_sessions
		WHERE id = ?`, id,
	).Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return domain.PendingTwoFactorSession{}, mapNotFound(err)
	}
	return s, nil
}

func (r *pendingSessionsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_2fa_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *pendingSessionsRepo) DeleteExpired(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_2fa_sessions WHERE expires_at < ?`, time.Now().UTC())
	return err
}
