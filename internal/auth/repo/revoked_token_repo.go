package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// RevokedTokenRepo stores revoked jtis in Postgres (see migrations/0002).
// Rows past expires_at are dead weight and are removed by PurgeExpired.
type RevokedTokenRepo struct {
	db *sqlx.DB
}

func NewRevokedTokenRepo(db *sqlx.DB) *RevokedTokenRepo {
	return &RevokedTokenRepo{db: db}
}

// Revoke inserts the jti; revoking twice keeps the first row.
func (r *RevokedTokenRepo) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	const q = `INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, jti, expiresAt)
	return err
}

// Consume inserts the jti and reports whether this call inserted the row.
func (r *RevokedTokenRepo) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	const q = `INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`
	res, err := r.db.ExecContext(ctx, q, jti, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RevokedTokenRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`
	var ok bool
	if err := r.db.GetContext(ctx, &ok, q, jti); err != nil {
		return false, err
	}
	return ok, nil
}

// PurgeExpired deletes rows whose token expired before now and returns how many.
func (r *RevokedTokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
