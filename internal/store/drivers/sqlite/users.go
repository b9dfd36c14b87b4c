package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, username, email, password_hash, role,
	two_factor_enabled, two_factor_secret, backup_codes, used_backup_codes,
	failed_login_attempts, locked_until, created_at, updated_at`

func (r *usersRepo) scanUser(row *sql.Row) (domain.User, error) {
	var (
		u          domain.User
		enabled    int
		secret     sql.NullString
		codes      sql.NullString
		usedCodes  string
		lockedNull sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&enabled, &secret, &codes, &usedCodes,
		&u.FailedLoginAttempts, &lockedNull, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}

	u.TwoFactorEnabled = enabled != 0
	u.TwoFactorSecret = mapNullStringPtr(secret)
	u.BackupCodes = mapNullStringPtr(codes)
	u.LockedUntil = mapNullTimePtr(lockedNull)

	used, err := decodeJSONList[string](usedCodes)
	if err != nil {
		return domain.User{}, err
	}
	u.UsedBackupCodes = used
	return u, nil
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role,
	)
	return err
}

func (r *usersRepo) UpdateLoginState(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = ?, locked_until = ?, updated_at = ?
		WHERE id = ?`,
		failedAttempts, mapOptionalTime(lockedUntil), time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID string, newHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		newHash, time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) EnableTwoFactor(ctx context.Context, userID, encryptedSecret, encryptedCodes string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET two_factor_enabled = 1,
		    two_factor_secret = ?,
		    backup_codes = ?,
		    used_backup_codes = '[]',
		    updated_at = ?
		WHERE id = ?`,
		encryptedSecret, encryptedCodes, time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) DisableTwoFactor(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET two_factor_enabled = 0,
		    two_factor_secret = NULL,
		    backup_codes = NULL,
		    used_backup_codes = '[]',
		    updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) ReplaceBackupCodes(ctx context.Context, userID, encryptedCodes string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET backup_codes = ?, used_backup_codes = '[]', updated_at = ?
		WHERE id = ?`,
		encryptedCodes, time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) ConsumeBackupCode(ctx context.Context, userID, code string) error {
	// Single guarded statement: the append only fires while the code is
	// absent from the JSON list, so concurrent consumers of the same code
	// cannot both win.
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET used_backup_codes = json_insert(used_backup_codes, '$[#]', ?),
		    updated_at = ?
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(users.used_backup_codes) WHERE value = ?
		  )`,
		code, time.Now().UTC(), userID, code,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE id = ?`, userID,
	).Scan(&one)
	if err != nil {
		return mapNotFound(err)
	}
	return store.ErrAlreadyExists
}
