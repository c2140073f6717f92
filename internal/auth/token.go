package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// TokenType is carried in the `typ` claim.
type TokenType string

const (
	TokenAccess        TokenType = "access"
	TokenRefresh       TokenType = "refresh"
	TokenVerifyEmail   TokenType = "verify_email"
	TokenPasswordReset TokenType = "password_reset"
)

var tokenTypes = []TokenType{TokenAccess, TokenRefresh, TokenVerifyEmail, TokenPasswordReset}

// Claims carried by every token the issuer signs.
type Claims struct {
	Type    TokenType `json:"typ"`
	Version int64     `json:"ver,omitempty"`
	// Session is the jti of the refresh token an access token was issued with.
	Session string         `json:"sid,omitempty"`
	Extra   map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// AccountID parses the subject.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q: %w", c.Subject, err)
	}
	return id, nil
}

// Expiry returns the exp claim or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// Subject identifies whom a token is issued for.
type Subject struct {
	AccountID    int64
	TokenVersion int64
}

// RevocationStore persists revoked token ids until they would have expired anyway.
type RevocationStore interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	// Consume revokes jti atomically and reports whether the caller was the
	// first to do so. Single-use tokens are spent through it.
	Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// MinSecretLength is the shortest signing secret NewTokenIssuer accepts.
const MinSecretLength = 32

// TokenConfig configures the issuer.
type TokenConfig struct {
	Secret          string        `env:"SECRET"`
	Issuer          string        `env:"ISSUER" envDefault:"pitchfork-auth"`
	Audience        string        `env:"AUDIENCE" envDefault:"pitchfork"`
	AccessTTL       time.Duration `env:"ACCESS_TTL" envDefault:"1h"`
	RefreshTTL      time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"48h"`
	ResetTTL        time.Duration `env:"RESET_TTL" envDefault:"1h"`
}

// TTL returns the lifetime configured for t.
func (c TokenConfig) TTL(t TokenType) time.Duration {
	switch t {
	case TokenAccess:
		return c.AccessTTL
	case TokenRefresh:
		return c.RefreshTTL
	case TokenVerifyEmail:
		return c.VerificationTTL
	case TokenPasswordReset:
		return c.ResetTTL
	}
	return 0
}

// TokenIssuer signs and verifies HS256 tokens. Each token type has its own
// key derived from the master secret.
type TokenIssuer struct {
	cfg    TokenConfig
	keys   map[TokenType][]byte
	store  RevocationStore
	clock  clockwork.Clock
	parser *jwt.Parser
}

// NewTokenIssuer validates cfg and derives the per-type keys.
func NewTokenIssuer(cfg TokenConfig, store RevocationStore, clock clockwork.Clock) (*TokenIssuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if store == nil {
		return nil, errors.New("revocation store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	for _, t := range tokenTypes {
		if cfg.TTL(t) <= 0 {
			return nil, fmt.Errorf("%s token ttl must be positive", t)
		}
	}
	keys := make(map[TokenType][]byte, len(tokenTypes))
	for _, t := range tokenTypes {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write([]byte("pitchfork-auth/" + string(t)))
		keys[t] = mac.Sum(nil)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock.Now),
	)
	return &TokenIssuer{cfg: cfg, keys: keys, store: store, clock: clock, parser: parser}, nil
}

// TTL exposes the configured lifetime of t.
func (i *TokenIssuer) TTL(t TokenType) time.Duration { return i.cfg.TTL(t) }

func (i *TokenIssuer) issue(t TokenType, sub Subject, session string, extra map[string]any) (string, *Claims, error) {
	now := i.clock.Now()
	claims := &Claims{
		Type:    t,
		Version: sub.TokenVersion,
		Session: session,
		Extra:   extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   strconv.FormatInt(sub.AccountID, 10),
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL(t))),
			ID:        utilities.NewKSUID(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.keys[t])
	if err != nil {
		return "", nil, dependencyError("sign "+string(t)+" token", err)
	}
	return signed, claims, nil
}

// IssueAccessToken signs a short-lived access token. session links it to the
// refresh token it was issued with and may be empty.
func (i *TokenIssuer) IssueAccessToken(sub Subject, session string, extra map[string]any) (string, *Claims, error) {
	return i.issue(TokenAccess, sub, session, extra)
}

// IssueRefreshToken signs a long-lived refresh token.
func (i *TokenIssuer) IssueRefreshToken(sub Subject) (string, *Claims, error) {
	return i.issue(TokenRefresh, sub, "", nil)
}

// IssueVerificationToken signs a single-purpose email verification token.
func (i *TokenIssuer) IssueVerificationToken(sub Subject) (string, *Claims, error) {
	return i.issue(TokenVerifyEmail, sub, "", nil)
}

// IssueResetToken signs a single-purpose password reset token.
func (i *TokenIssuer) IssueResetToken(sub Subject) (string, *Claims, error) {
	return i.issue(TokenPasswordReset, sub, "", nil)
}

// Parse checks signature, issuer, audience and expiry without consulting the
// revocation store.
func (i *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		key, ok := i.keys[c.Type]
		if !ok {
			return nil, fmt.Errorf("unknown token type %q", c.Type)
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Kind: KindTokenExpired, Message: "token has expired", cause: err}
		}
		return nil, &Error{Kind: KindTokenInvalid, Message: "token is invalid", cause: err}
	}
	return claims, nil
}

// Verify parses token, requires it to be of the expected type and rejects it
// when its jti, or the session it belongs to, has been revoked.
func (i *TokenIssuer) Verify(ctx context.Context, token string, expected TokenType) (*Claims, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != expected {
		return nil, newError(KindTokenType, fmt.Sprintf("expected %s token", expected))
	}
	ids := []string{claims.ID}
	if claims.Session != "" {
		ids = append(ids, claims.Session)
	}
	for _, id := range ids {
		revoked, err := i.store.IsRevoked(ctx, id)
		if err != nil {
			return nil, dependencyError("revocation lookup", err)
		}
		if revoked {
			return nil, newError(KindTokenInvalid, "token has been revoked")
		}
	}
	return claims, nil
}

// Revoke adds the token's jti to the revocation set until it expires.
func (i *TokenIssuer) Revoke(ctx context.Context, claims *Claims) error {
	return i.RevokeID(ctx, claims.ID, claims.Expiry())
}

// Consume spends a single-use token. Only one caller wins; every other
// caller gets a TokenInvalid error.
func (i *TokenIssuer) Consume(ctx context.Context, claims *Claims) error {
	if claims.ID == "" {
		return newError(KindTokenInvalid, "token has no id")
	}
	first, err := i.store.Consume(ctx, claims.ID, claims.Expiry())
	if err != nil {
		return dependencyError("consume token", err)
	}
	if !first {
		return newError(KindTokenInvalid, "token has already been used")
	}
	return nil
}

// RevokeID revokes a jti directly. Revoking an already revoked id is a no-op.
func (i *TokenIssuer) RevokeID(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	if err := i.store.Revoke(ctx, jti, expiresAt); err != nil {
		return dependencyError("revoke token", err)
	}
	return nil
}
