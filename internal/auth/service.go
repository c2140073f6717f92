package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// Policy holds the tunable behaviour of the service.
type Policy struct {
	Lockout LockoutPolicy
	// RequireVerification leaves new accounts unverified until the emailed
	// token is redeemed.
	RequireVerification bool
	// RotateRefreshTokens issues a new refresh token on every refresh and
	// revokes the presented one.
	RotateRefreshTokens bool
	// DeliveryTimeout bounds a background notification, retries included.
	DeliveryTimeout time.Duration
}

const defaultDeliveryTimeout = 2 * time.Minute

func DefaultPolicy() Policy {
	return Policy{
		Lockout:             DefaultLockoutPolicy(),
		RequireVerification: true,
		RotateRefreshTokens: true,
		DeliveryTimeout:     defaultDeliveryTimeout,
	}
}

// Deps are the collaborators of Service. Accounts, Tokens and IDs are required.
type Deps struct {
	Accounts  AccountStore
	Tokens    *TokenIssuer
	IDs       IDGenerator
	Hasher    PasswordHasher
	Notifier  Notifier
	Events    EventPublisher
	Validator *Validator
	Clock     clockwork.Clock
	Logger    *zap.SugaredLogger
}

// Service orchestrates registration, authentication and the account
// lifecycle. It holds no mutable state of its own.
type Service struct {
	accounts  AccountStore
	tokens    *TokenIssuer
	ids       IDGenerator
	hasher    PasswordHasher
	notifier  Notifier
	events    EventPublisher
	validator *Validator
	clock     clockwork.Clock
	logger    *zap.SugaredLogger
	policy    Policy

	// notifications in flight, see deliver
	deliveries sync.WaitGroup

	// compared against when the login identifier is unknown
	dummyHash string
}

func NewService(deps Deps, policy Policy) (*Service, error) {
	if deps.Accounts == nil || deps.Tokens == nil || deps.IDs == nil {
		return nil, errors.New("auth: accounts, tokens and ids are required")
	}
	if policy.Lockout.MaxAttempts <= 0 || policy.Lockout.Duration <= 0 {
		return nil, errors.New("auth: lockout policy must be positive")
	}
	s := &Service{
		accounts:  deps.Accounts,
		tokens:    deps.Tokens,
		ids:       deps.IDs,
		hasher:    deps.Hasher,
		notifier:  deps.Notifier,
		events:    deps.Events,
		validator: deps.Validator,
		clock:     deps.Clock,
		logger:    deps.Logger,
		policy:    policy,
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{Cost: 12}
	}
	if s.notifier == nil {
		s.notifier = logNotifier{logger: s.logger}
	}
	if s.events == nil {
		s.events = noopPublisher{}
	}
	if s.validator == nil {
		s.validator = NewValidator()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.policy.DeliveryTimeout <= 0 {
		s.policy.DeliveryTimeout = defaultDeliveryTimeout
	}
	dummy, err := s.hasher.Hash("pitchfork-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// TokenPair is returned by Login and Refresh. RefreshToken is empty when a
// refresh did not rotate.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginResult struct {
	Account *entity.Account `json:"account"`
	TokenPair
}

type RegisterResult struct {
	Account *entity.Account
	// VerificationToken is empty when verification is not required.
	VerificationToken string
}

// Principal is the caller behind a verified access token.
type Principal struct {
	Account *entity.Account
	Claims  *Claims
}

func subjectOf(a *entity.Account) Subject {
	return Subject{AccountID: a.ID, TokenVersion: a.TokenVersion}
}

// Register creates an account and, when verification is required, issues and
// delivers a verification token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.Username = normalizeIdentity(req.Username)
	req.Email = normalizeIdentity(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Bio = strings.TrimSpace(req.Bio)
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	acct := &entity.Account{
		ID:           s.ids.NextID(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Bio:          req.Bio,
		IsActive:     true,
		IsVerified:   !s.policy.RequireVerification,
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if acct.IsVerified {
		acct.EmailVerifiedAt = &now
	}

	created, err := s.accounts.Insert(ctx, acct)
	if err != nil {
		var dup *entity.DuplicateError
		if errors.As(err, &dup) {
			return nil, &Error{Kind: KindConflict, Message: dup.Error(), cause: err}
		}
		if errors.Is(err, entity.ErrDuplicate) {
			return nil, &Error{Kind: KindConflict, Message: "account already exists", cause: err}
		}
		return nil, dependencyError("insert account", err)
	}

	res := &RegisterResult{Account: created}
	if !created.IsVerified {
		token, _, err := s.tokens.IssueVerificationToken(subjectOf(created))
		if err != nil {
			return nil, err
		}
		res.VerificationToken = token
		s.sendVerification(ctx, created, token)
	}
	s.publish(ctx, EventRegistered, created.ID, map[string]any{"username": created.Username, "verified": created.IsVerified})
	s.logger.Infow("account registered", "account_id", created.ID, "username", created.Username)
	return res, nil
}

// VerifyEmail redeems a verification token. Redeeming it for an already
// verified account is not an error.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*entity.Account, error) {
	claims, err := s.tokens.Verify(ctx, token, TokenVerifyEmail)
	if err != nil {
		return nil, err
	}
	acct, err := s.accountForToken(ctx, claims, false)
	if err != nil {
		return nil, err
	}
	if acct.IsVerified {
		return acct, nil
	}
	now := s.clock.Now()
	if err := s.accounts.MarkVerified(ctx, acct.ID, now); err != nil {
		return nil, dependencyError("mark verified", err)
	}
	acct.IsVerified = true
	acct.EmailVerifiedAt = &now
	acct.UpdatedAt = now
	s.publish(ctx, EventVerified, acct.ID, nil)
	s.logger.Infow("email verified", "account_id", acct.ID)
	return acct, nil
}

// ResendVerification issues a fresh verification token. It is silent when the
// email is unknown or already verified.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	req := emailRequest{Email: normalizeIdentity(email)}
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	acct, err := s.accounts.FindByEmail(ctx, req.Email)
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	if err != nil {
		return dependencyError("find account", err)
	}
	if acct.IsVerified || !acct.IsActive {
		return nil
	}
	token, _, err := s.tokens.IssueVerificationToken(subjectOf(acct))
	if err != nil {
		return err
	}
	s.sendVerification(ctx, acct, token)
	return nil
}

// Login authenticates by username or email. Unknown identifiers and wrong
// passwords produce the same error.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	req.Login = normalizeIdentity(req.Login)
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	acct, err := s.accounts.FindByLogin(ctx, req.Login)
	if errors.Is(err, entity.ErrNotFound) {
		s.hasher.Verify(req.Password, s.dummyHash)
		s.logger.Debugw("login failed", "reason", "unknown identifier")
		return nil, errBadCredentials()
	}
	if err != nil {
		return nil, dependencyError("find account", err)
	}

	now := s.clock.Now()
	if !acct.IsActive {
		return nil, newError(KindAccountInactive, "account is deactivated")
	}
	if d := s.policy.Lockout.Evaluate(acct.FailedLoginAttempts, acct.LockedUntil, now); !d.Allow {
		s.logger.Infow("login rejected, account locked", "account_id", acct.ID, "remaining", d.LockedRemaining)
		return nil, lockedError(d.LockedRemaining)
	}

	if !acct.CheckPassword(s.hasher, req.Password) {
		updated, err := s.accounts.RecordLoginFailure(ctx, acct.ID, s.policy.Lockout.MaxAttempts, s.policy.Lockout.Duration, now)
		if err != nil {
			return nil, dependencyError("record login failure", err)
		}
		if updated.IsLocked(now) {
			s.logger.Warnw("account locked after failed logins", "account_id", acct.ID, "attempts", updated.FailedLoginAttempts)
			s.publish(ctx, EventLocked, acct.ID, map[string]any{"locked_until": updated.LockedUntil})
		} else {
			s.logger.Debugw("login failed", "account_id", acct.ID, "attempts", updated.FailedLoginAttempts)
		}
		return nil, errBadCredentials()
	}

	if err := s.accounts.RecordLoginSuccess(ctx, acct.ID, now); err != nil {
		return nil, dependencyError("record login success", err)
	}
	acct.RecordLoginSuccess(now)
	s.rehashIfNeeded(ctx, acct, req.Password)

	pair, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("login succeeded", "account_id", acct.ID)
	return &LoginResult{Account: acct, TokenPair: pair}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Verify(ctx, refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	acct, err := s.accountForToken(ctx, claims, true)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !acct.IsActive {
		return nil, newError(KindAccountInactive, "account is deactivated")
	}
	if acct.IsLocked(now) {
		return nil, lockedError(acct.LockedUntil.Sub(now))
	}

	if !s.policy.RotateRefreshTokens {
		access, _, err := s.tokens.IssueAccessToken(subjectOf(acct), claims.ID, s.extraClaims(acct))
		if err != nil {
			return nil, err
		}
		return &TokenPair{AccessToken: access, TokenType: "Bearer", ExpiresIn: int64(s.tokens.TTL(TokenAccess).Seconds())}, nil
	}

	if err := s.tokens.Consume(ctx, claims); err != nil {
		return nil, err
	}
	pair, err := s.issueSession(acct)
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("refresh token rotated", "account_id", acct.ID)
	return &pair, nil
}

// Logout revokes an access or refresh token. Logging out with an access token
// also ends the refresh session it was issued with. Repeating a logout, or
// presenting a token that already expired, is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}
	if claims.Type != TokenAccess && claims.Type != TokenRefresh {
		return newError(KindTokenType, "expected access or refresh token")
	}
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return err
	}
	if claims.Type == TokenAccess && claims.Session != "" {
		issued := s.clock.Now()
		if claims.IssuedAt != nil {
			issued = claims.IssuedAt.Time
		}
		if err := s.tokens.RevokeID(ctx, claims.Session, issued.Add(s.tokens.TTL(TokenRefresh))); err != nil {
			return err
		}
	}
	s.logger.Debugw("logout", "subject", claims.Subject, "type", claims.Type)
	return nil
}

// RequestPasswordReset emails a reset token. It never reveals whether the
// email belongs to an account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	req := emailRequest{Email: normalizeIdentity(email)}
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	acct, err := s.accounts.FindByEmail(ctx, req.Email)
	if errors.Is(err, entity.ErrNotFound) {
		s.logger.Debugw("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return dependencyError("find account", err)
	}
	if !acct.IsActive {
		return nil
	}
	token, _, err := s.tokens.IssueResetToken(subjectOf(acct))
	if err != nil {
		return err
	}
	validFor := s.tokens.TTL(TokenPasswordReset)
	s.deliver(ctx, "password reset", acct.ID, func(ctx context.Context) error {
		return s.notifier.SendPasswordReset(ctx, acct, token, validFor)
	})
	s.logger.Infow("password reset requested", "account_id", acct.ID)
	return nil
}

// ResetPassword sets a new password from a reset token, unlocks the account
// and invalidates every token issued before.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	claims, err := s.tokens.Verify(ctx, req.Token, TokenPasswordReset)
	if err != nil {
		return err
	}
	acct, err := s.accountForToken(ctx, claims, true)
	if err != nil {
		return err
	}
	if !acct.IsActive {
		return newError(KindAccountInactive, "account is deactivated")
	}
	hash, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.tokens.Consume(ctx, claims); err != nil {
		return err
	}
	if err := s.accounts.ResetPassword(ctx, acct.ID, hash, s.clock.Now()); err != nil {
		return dependencyError("reset password", err)
	}
	s.publish(ctx, EventPasswordReset, acct.ID, nil)
	s.logger.Infow("password reset", "account_id", acct.ID)
	return nil
}

// ChangePassword replaces the password after checking the current one.
// Existing sessions stay valid.
func (s *Service) ChangePassword(ctx context.Context, accountID int64, req ChangePasswordRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	if req.CurrentPassword == req.NewPassword {
		return validationError(map[string]string{"new_password": "new_password must differ from the current password"})
	}
	acct, err := s.findTarget(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.CheckPassword(s.hasher, req.CurrentPassword) {
		return newError(KindAuthentication, "current password is incorrect")
	}
	hash, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, acct.ID, hash, false, s.clock.Now()); err != nil {
		return dependencyError("update password", err)
	}
	s.publish(ctx, EventPasswordChanged, acct.ID, nil)
	s.logger.Infow("password changed", "account_id", acct.ID)
	return nil
}

// Authenticate resolves an access token to its account.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.tokens.Verify(ctx, accessToken, TokenAccess)
	if err != nil {
		return nil, err
	}
	acct, err := s.accountForToken(ctx, claims, true)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive {
		return nil, newError(KindAccountInactive, "account is deactivated")
	}
	return &Principal{Account: acct, Claims: claims}, nil
}

// GetAccount loads an account by id.
func (s *Service) GetAccount(ctx context.Context, id int64) (*entity.Account, error) {
	return s.findTarget(ctx, id)
}

// UnlockAccount clears a lock. Unlocking an unlocked account is a no-op.
func (s *Service) UnlockAccount(ctx context.Context, admin *entity.Account, targetID int64) (*entity.Account, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	target, err := s.findTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.accounts.Unlock(ctx, target.ID, now); err != nil {
		return nil, s.targetWriteError("unlock account", err)
	}
	target.Unlock(now)
	s.publish(ctx, EventUnlocked, target.ID, map[string]any{"by": admin.ID})
	s.logger.Infow("account unlocked", "account_id", target.ID, "admin_id", admin.ID)
	return target, nil
}

// SetAdmin grants or revokes administrator rights. Admins cannot demote
// themselves.
func (s *Service) SetAdmin(ctx context.Context, admin *entity.Account, targetID int64, isAdmin bool) (*entity.Account, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if admin.ID == targetID && !isAdmin {
		return nil, validationError(map[string]string{"is_admin": "cannot remove your own administrator rights"})
	}
	target, err := s.findTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.IsAdmin == isAdmin {
		return target, nil
	}
	now := s.clock.Now()
	if err := s.accounts.SetAdmin(ctx, target.ID, isAdmin, now); err != nil {
		return nil, s.targetWriteError("set admin", err)
	}
	target.IsAdmin = isAdmin
	target.UpdatedAt = now
	s.publish(ctx, EventAdminChanged, target.ID, map[string]any{"is_admin": isAdmin, "by": admin.ID})
	s.logger.Infow("admin flag changed", "account_id", target.ID, "is_admin", isAdmin, "admin_id", admin.ID)
	return target, nil
}

// SetActive deactivates or reactivates an account. Deactivation invalidates
// the account's tokens; admins cannot deactivate themselves.
func (s *Service) SetActive(ctx context.Context, admin *entity.Account, targetID int64, active bool) (*entity.Account, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	if admin.ID == targetID && !active {
		return nil, validationError(map[string]string{"is_active": "cannot deactivate your own account"})
	}
	target, err := s.findTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.IsActive == active {
		return target, nil
	}
	now := s.clock.Now()
	if err := s.accounts.SetActive(ctx, target.ID, active, now); err != nil {
		return nil, s.targetWriteError("set active", err)
	}
	target.IsActive = active
	if !active {
		target.TokenVersion++
	}
	target.UpdatedAt = now
	s.publish(ctx, EventActivationChanged, target.ID, map[string]any{"is_active": active, "by": admin.ID})
	s.logger.Infow("activation changed", "account_id", target.ID, "is_active", active, "admin_id", admin.ID)
	return target, nil
}

func requireAdmin(a *entity.Account) error {
	if a == nil || !a.IsAdmin || !a.IsActive {
		return newError(KindAuthorization, "administrator privileges required")
	}
	return nil
}

func (s *Service) findTarget(ctx context.Context, id int64) (*entity.Account, error) {
	acct, err := s.accounts.FindByID(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, newError(KindNotFound, "account not found")
	}
	if err != nil {
		return nil, dependencyError("find account", err)
	}
	return acct, nil
}

func (s *Service) targetWriteError(op string, err error) error {
	if errors.Is(err, entity.ErrNotFound) {
		return newError(KindNotFound, "account not found")
	}
	return dependencyError(op, err)
}

// accountForToken loads the token's subject. With checkVersion, a token minted
// before the account's last version bump is rejected.
func (s *Service) accountForToken(ctx context.Context, claims *Claims, checkVersion bool) (*entity.Account, error) {
	id, err := claims.AccountID()
	if err != nil {
		return nil, &Error{Kind: KindTokenInvalid, Message: "token is invalid", cause: err}
	}
	acct, err := s.accounts.FindByID(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, newError(KindTokenInvalid, "token is invalid")
	}
	if err != nil {
		return nil, dependencyError("find account", err)
	}
	if checkVersion && claims.Version != acct.TokenVersion {
		return nil, newError(KindTokenInvalid, "token has been invalidated")
	}
	return acct, nil
}

func (s *Service) extraClaims(a *entity.Account) map[string]any {
	return map[string]any{"username": a.Username, "adm": a.IsAdmin}
}

// issueSession issues a refresh token and an access token bound to it.
func (s *Service) issueSession(a *entity.Account) (TokenPair, error) {
	refresh, rc, err := s.tokens.IssueRefreshToken(subjectOf(a))
	if err != nil {
		return TokenPair{}, err
	}
	access, _, err := s.tokens.IssueAccessToken(subjectOf(a), rc.ID, s.extraClaims(a))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.TTL(TokenAccess).Seconds()),
	}, nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", dependencyError("hash password", err)
	}
	return hash, nil
}

func (s *Service) sendVerification(ctx context.Context, a *entity.Account, token string) {
	validFor := s.tokens.TTL(TokenVerifyEmail)
	s.deliver(ctx, "verification", a.ID, func(ctx context.Context) error {
		return s.notifier.SendVerification(ctx, a, token, validFor)
	})
}

// deliver runs send in the background so that the caller's latency does not
// depend on whether, or how slowly, a message goes out. The send outlives the
// request but not DeliveryTimeout.
func (s *Service) deliver(ctx context.Context, what string, accountID int64, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.DeliveryTimeout)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		defer cancel()
		if err := send(ctx); err != nil {
			s.logger.Warnw(what+" delivery failed", "account_id", accountID, "err", err)
		}
	}()
}

// Wait blocks until background deliveries finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) rehashIfNeeded(ctx context.Context, a *entity.Account, password string) {
	if !s.hasher.NeedsRehash(a.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warnw("password rehash failed", "account_id", a.ID, "err", err)
		return
	}
	if err := s.accounts.UpdatePassword(ctx, a.ID, hash, false, s.clock.Now()); err != nil {
		s.logger.Warnw("password rehash failed", "account_id", a.ID, "err", err)
		return
	}
	a.PasswordHash = hash
}

func (s *Service) publish(ctx context.Context, typ string, accountID int64, attrs map[string]any) {
	ev := Event{Type: typ, AccountID: accountID, OccurredAt: s.clock.Now(), Attributes: attrs}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warnw("publish event failed", "event", typ, "account_id", accountID, "err", err)
	}
}

// LockRemaining is a helper for callers that render lock errors.
func LockRemaining(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindAccountLocked {
		return e.RetryAfter, true
	}
	return 0, false
}
