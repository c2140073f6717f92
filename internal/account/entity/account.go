package entity

import "time"

// Account is a row in the `accounts` table: identity plus the security state
// consulted on every authentication.
type Account struct {
	ID                  int64      `db:"id" json:"id"`
	Username            string     `db:"username" json:"username"`
	Email               string     `db:"email" json:"email"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	FirstName           string     `db:"first_name" json:"first_name,omitempty"`
	LastName            string     `db:"last_name" json:"last_name,omitempty"`
	Bio                 string     `db:"bio" json:"bio,omitempty"`
	IsActive            bool       `db:"is_active" json:"is_active"`
	IsVerified          bool       `db:"is_verified" json:"is_verified"`
	IsAdmin             bool       `db:"is_admin" json:"is_admin"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"-"`
	LockedUntil         *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	LastLoginAt         *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	PasswordChangedAt   *time.Time `db:"password_changed_at" json:"-"`
	EmailVerifiedAt     *time.Time `db:"email_verified_at" json:"email_verified_at,omitempty"`
	TokenVersion        int64      `db:"token_version" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Profile holds the optional, non-security fields supplied at registration.
type Profile struct {
	FirstName string
	LastName  string
	Bio       string
}

// PasswordVerifier is the subset of a password hasher the entity needs.
type PasswordVerifier interface {
	Verify(plaintext, hash string) bool
}

// State is the authentication-relevant state of an account.
type State string

const (
	StateUnverified State = "unverified"
	StateActive     State = "active"
	StateLocked     State = "locked"
	StateInactive   State = "inactive"
)

// CheckPassword reports whether plaintext matches the stored hash. It does not
// touch the failure counter.
func (a *Account) CheckPassword(h PasswordVerifier, plaintext string) bool {
	if a.PasswordHash == "" {
		return false
	}
	return h.Verify(plaintext, a.PasswordHash)
}

// IsLocked is true while locked_until lies in the future.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// RecordLoginSuccess resets the failure bookkeeping and stamps last login.
func (a *Account) RecordLoginSuccess(now time.Time) {
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &now
	a.UpdatedAt = now
}

// RecordLoginFailure counts a failed password check and locks the account
// once maxAttempts is reached. A failure after an expired lock starts a new
// count. It returns true when this failure caused the lock.
func (a *Account) RecordLoginFailure(maxAttempts int, lockout time.Duration, now time.Time) bool {
	if a.LockedUntil != nil && !now.Before(*a.LockedUntil) {
		a.FailedLoginAttempts = 0
		a.LockedUntil = nil
	}
	a.FailedLoginAttempts++
	a.UpdatedAt = now
	if maxAttempts > 0 && a.FailedLoginAttempts >= maxAttempts && a.LockedUntil == nil {
		until := now.Add(lockout)
		a.LockedUntil = &until
		return true
	}
	return false
}

// Unlock clears any lock and the failure counter.
func (a *Account) Unlock(now time.Time) {
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.UpdatedAt = now
}

// State derives the account state. Inactive wins over locked, locked over
// unverified.
func (a *Account) State(now time.Time) State {
	switch {
	case !a.IsActive:
		return StateInactive
	case a.IsLocked(now):
		return StateLocked
	case !a.IsVerified:
		return StateUnverified
	default:
		return StateActive
	}
}
