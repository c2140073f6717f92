package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

const uniqueViolation = "23505"

const accountColumns = `id, username, email, password_hash, first_name, last_name, bio,
	is_active, is_verified, is_admin, failed_login_attempts, locked_until, last_login_at,
	password_changed_at, email_verified_at, token_version, created_at, updated_at`

// AccountRepo provides data access for the accounts table using sqlx.
// Every state change is a single statement so concurrent requests against the
// same account cannot lose updates.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// Insert creates the row. A unique violation is reported as *entity.DuplicateError.
func (r *AccountRepo) Insert(ctx context.Context, a *entity.Account) (*entity.Account, error) {
	q := `INSERT INTO accounts (id, username, email, password_hash, first_name, last_name, bio,
		is_active, is_verified, is_admin, failed_login_attempts, email_verified_at, token_version,
		created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12,$13,$13)
		RETURNING ` + accountColumns
	var row entity.Account
	err := r.db.GetContext(ctx, &row, q,
		a.ID, a.Username, a.Email, a.PasswordHash, a.FirstName, a.LastName, a.Bio,
		a.IsActive, a.IsVerified, a.IsAdmin, a.EmailVerifiedAt, a.TokenVersion, a.CreatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return &row, nil
}

// FindByLogin matches username or email case-insensitively (citext). A username
// match is preferred over an email match.
func (r *AccountRepo) FindByLogin(ctx context.Context, login string) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts
		WHERE username = $1 OR email = $1
		ORDER BY (username = $1) DESC LIMIT 1`
	return r.getOne(ctx, q, login)
}

func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

func (r *AccountRepo) FindByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// RecordLoginFailure increments the failure counter and, when it reaches
// maxAttempts, sets locked_until = now + lockout, in one statement. A failure
// arriving after an expired lock starts a new count at 1.
func (r *AccountRepo) RecordLoginFailure(ctx context.Context, id int64, maxAttempts int, lockout time.Duration, now time.Time) (*entity.Account, error) {
	q := `UPDATE accounts SET
		failed_login_attempts = CASE
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
			ELSE failed_login_attempts + 1 END,
		locked_until = CASE
			WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
				ELSE failed_login_attempts + 1 END) >= $3
				AND (locked_until IS NULL OR locked_until <= $2) THEN $4::timestamptz
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
			ELSE locked_until END,
		updated_at = $2
		WHERE id = $1
		RETURNING ` + accountColumns
	return r.getOne(ctx, q, id, now, maxAttempts, now.Add(lockout))
}

// RecordLoginSuccess resets failure metrics on successful authentication.
func (r *AccountRepo) RecordLoginSuccess(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE accounts SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2 WHERE id = $1`
	return r.execOne(ctx, q, id, now)
}

// UpdatePassword replaces the hash; bumpVersion also invalidates every token
// carrying the previous version.
func (r *AccountRepo) UpdatePassword(ctx context.Context, id int64, hash string, bumpVersion bool, now time.Time) error {
	if bumpVersion {
		const q = `UPDATE accounts SET password_hash = $2, password_changed_at = $3, token_version = token_version + 1, updated_at = $3 WHERE id = $1`
		return r.execOne(ctx, q, id, hash, now)
	}
	const q = `UPDATE accounts SET password_hash = $2, password_changed_at = $3, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, q, id, hash, now)
}

// ResetPassword replaces the hash, bumps the token version and clears any
// lock in one statement.
func (r *AccountRepo) ResetPassword(ctx context.Context, id int64, hash string, now time.Time) error {
	const q = `UPDATE accounts SET password_hash = $2, password_changed_at = $3,
		token_version = token_version + 1, failed_login_attempts = 0, locked_until = NULL, updated_at = $3
		WHERE id = $1`
	return r.execOne(ctx, q, id, hash, now)
}

// Unlock clears locked_until and the failure counter.
func (r *AccountRepo) Unlock(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE accounts SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2 WHERE id = $1`
	return r.execOne(ctx, q, id, now)
}

func (r *AccountRepo) SetAdmin(ctx context.Context, id int64, isAdmin bool, now time.Time) error {
	const q = `UPDATE accounts SET is_admin = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, q, id, isAdmin, now)
}

// SetActive toggles is_active. Deactivation bumps the token version.
func (r *AccountRepo) SetActive(ctx context.Context, id int64, active bool, now time.Time) error {
	const q = `UPDATE accounts SET is_active = $2,
		token_version = CASE WHEN $2 THEN token_version ELSE token_version + 1 END,
		updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, q, id, active, now)
}

// MarkVerified sets is_verified and stamps email_verified_at once.
func (r *AccountRepo) MarkVerified(ctx context.Context, id int64, now time.Time) error {
	const q = `UPDATE accounts SET is_verified = true, email_verified_at = COALESCE(email_verified_at, $2), updated_at = $2 WHERE id = $1`
	return r.execOne(ctx, q, id, now)
}

func (r *AccountRepo) getOne(ctx context.Context, q string, args ...any) (*entity.Account, error) {
	var row entity.Account
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *AccountRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return mapWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return &entity.DuplicateError{Field: fieldFromConstraint(pqErr.Constraint)}
	}
	return err
}

// fieldFromConstraint turns accounts_email_key into email.
func fieldFromConstraint(c string) string {
	c = strings.TrimPrefix(c, "accounts_")
	c = strings.TrimSuffix(c, "_key")
	return c
}
