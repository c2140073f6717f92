package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// AccountStore is the persistence the service depends on. Mutations are
// expected to be single atomic statements; RecordLoginFailure must increment
// and lock without a read-modify-write in the caller.
type AccountStore interface {
	FindByLogin(ctx context.Context, login string) (*entity.Account, error)
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindByID(ctx context.Context, id int64) (*entity.Account, error)
	Insert(ctx context.Context, a *entity.Account) (*entity.Account, error)
	RecordLoginFailure(ctx context.Context, id int64, maxAttempts int, lockout time.Duration, now time.Time) (*entity.Account, error)
	RecordLoginSuccess(ctx context.Context, id int64, now time.Time) error
	UpdatePassword(ctx context.Context, id int64, hash string, bumpVersion bool, now time.Time) error
	// ResetPassword sets the hash, bumps the token version and unlocks.
	ResetPassword(ctx context.Context, id int64, hash string, now time.Time) error
	Unlock(ctx context.Context, id int64, now time.Time) error
	SetAdmin(ctx context.Context, id int64, isAdmin bool, now time.Time) error
	SetActive(ctx context.Context, id int64, active bool, now time.Time) error
	MarkVerified(ctx context.Context, id int64, now time.Time) error
}

// IDGenerator assigns account ids.
type IDGenerator interface {
	NextID() int64
}

// Notifier delivers single-purpose tokens to the account owner.
type Notifier interface {
	SendVerification(ctx context.Context, a *entity.Account, token string, validFor time.Duration) error
	SendPasswordReset(ctx context.Context, a *entity.Account, token string, validFor time.Duration) error
}

// event types
const (
	EventRegistered        = "account.registered"
	EventVerified          = "account.verified"
	EventLocked            = "account.locked"
	EventUnlocked          = "account.unlocked"
	EventPasswordChanged   = "account.password_changed"
	EventPasswordReset     = "account.password_reset"
	EventAdminChanged      = "account.admin_changed"
	EventActivationChanged = "account.activation_changed"
)

// Event describes an account state change.
type Event struct {
	Type       string         `json:"type"`
	AccountID  int64          `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EventPublisher is best effort; the service logs and drops publish errors.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

// logNotifier stands in when no mail transport is configured.
type logNotifier struct{ logger *zap.SugaredLogger }

func (n logNotifier) SendVerification(_ context.Context, a *entity.Account, _ string, _ time.Duration) error {
	n.logger.Warnw("no notifier configured, verification token not delivered", "account_id", a.ID)
	return nil
}

func (n logNotifier) SendPasswordReset(_ context.Context, a *entity.Account, _ string, _ time.Duration) error {
	n.logger.Warnw("no notifier configured, reset token not delivered", "account_id", a.ID)
	return nil
}
