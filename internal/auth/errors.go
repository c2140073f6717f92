package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an auth failure. Callers branch on Kind, never on message text.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindAuthentication
	KindAccountLocked
	KindAccountInactive
	KindTokenExpired
	KindTokenInvalid
	KindTokenType
	KindAuthorization
	KindNotFound
	KindDependency

	// kindToken only appears on the ErrToken sentinel.
	kindToken
)

var kindNames = map[Kind]string{
	KindValidation:      "VALIDATION_ERROR",
	KindConflict:        "CONFLICT",
	KindAuthentication:  "AUTHENTICATION_FAILED",
	KindAccountLocked:   "ACCOUNT_LOCKED",
	KindAccountInactive: "ACCOUNT_INACTIVE",
	KindTokenExpired:    "TOKEN_EXPIRED",
	KindTokenInvalid:    "TOKEN_INVALID",
	KindTokenType:       "TOKEN_TYPE_MISMATCH",
	KindAuthorization:   "FORBIDDEN",
	KindNotFound:        "NOT_FOUND",
	KindDependency:      "SERVICE_UNAVAILABLE",
	kindToken:           "TOKEN_ERROR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND_%d", int(k))
}

// IsToken reports whether k is one of the token failure kinds.
func (k Kind) IsToken() bool {
	return k == KindTokenExpired || k == KindTokenInvalid || k == KindTokenType
}

// Error is the single error type returned by the auth core.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries per-field messages for validation failures.
	Fields map[string]string
	// RetryAfter is set on KindAccountLocked.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind. ErrToken matches every token kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == kindToken {
		return e.Kind.IsToken()
	}
	return t.Kind == e.Kind
}

// sentinels for errors.Is
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrAccountLocked   = &Error{Kind: KindAccountLocked}
	ErrAccountInactive = &Error{Kind: KindAccountInactive}
	ErrToken           = &Error{Kind: kindToken}
	ErrTokenExpired    = &Error{Kind: KindTokenExpired}
	ErrTokenInvalid    = &Error{Kind: KindTokenInvalid}
	ErrTokenType       = &Error{Kind: KindTokenType}
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrDependency      = &Error{Kind: KindDependency}
)

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "invalid request", Fields: fields}
}

func lockedError(remaining time.Duration) *Error {
	remaining = remaining.Round(time.Second)
	if remaining < time.Second {
		remaining = time.Second
	}
	return &Error{
		Kind:       KindAccountLocked,
		Message:    fmt.Sprintf("account is locked, try again in %s", remaining),
		RetryAfter: remaining,
	}
}

// dependencyError hides the collaborator failure behind a generic message.
func dependencyError(op string, cause error) *Error {
	return &Error{
		Kind:    KindDependency,
		Message: "service temporarily unavailable",
		cause:   fmt.Errorf("%s: %w", op, cause),
	}
}

// errBadCredentials is shared by the unknown-user and wrong-password paths.
func errBadCredentials() *Error {
	return newError(KindAuthentication, "invalid username or password")
}
