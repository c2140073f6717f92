package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	authrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/auth/repo"
)

const testSecret = "test-secret-0123456789-abcdefghijklmnop"

var epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// memStore is a map-backed AccountStore; every method holds the lock for the
// whole mutation, mirroring the single-statement updates of the SQL repo.
type memStore struct {
	mu      sync.Mutex
	byID    map[int64]*entity.Account
	failErr error
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[int64]*entity.Account)}
}

func cloneAccount(a *entity.Account) *entity.Account {
	c := *a
	return &c
}

func (m *memStore) get(id int64) (*entity.Account, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	a, ok := m.byID[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return a, nil
}

func (m *memStore) FindByLogin(_ context.Context, login string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	for _, a := range m.byID {
		if a.Username == login {
			return cloneAccount(a), nil
		}
	}
	for _, a := range m.byID {
		if a.Email == login {
			return cloneAccount(a), nil
		}
	}
	return nil, entity.ErrNotFound
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	for _, a := range m.byID {
		if a.Email == email {
			return cloneAccount(a), nil
		}
	}
	return nil, entity.ErrNotFound
}

func (m *memStore) FindByID(_ context.Context, id int64) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return cloneAccount(a), nil
}

func (m *memStore) Insert(_ context.Context, a *entity.Account) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	for _, existing := range m.byID {
		if existing.Username == a.Username {
			return nil, &entity.DuplicateError{Field: "username"}
		}
		if existing.Email == a.Email {
			return nil, &entity.DuplicateError{Field: "email"}
		}
	}
	m.byID[a.ID] = cloneAccount(a)
	return cloneAccount(a), nil
}

func (m *memStore) RecordLoginFailure(_ context.Context, id int64, maxAttempts int, lockout time.Duration, now time.Time) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(id)
	if err != nil {
		return nil, err
	}
	a.RecordLoginFailure(maxAttempts, lockout, now)
	return cloneAccount(a), nil
}

func (m *memStore) RecordLoginSuccess(_ context.Context, id int64, now time.Time) error {
	return m.mutate(id, func(a *entity.Account) { a.RecordLoginSuccess(now) })
}

func (m *memStore) UpdatePassword(_ context.Context, id int64, hash string, bumpVersion bool, now time.Time) error {
	return m.mutate(id, func(a *entity.Account) {
		a.PasswordHash = hash
		a.PasswordChangedAt = &now
		if bumpVersion {
			a.TokenVersion++
		}
	})
}

func (m *memStore) ResetPassword(_ context.Context, id int64, hash string, now time.Time) error {
	return m.mutate(id, func(a *entity.Account) {
		a.PasswordHash = hash
		a.PasswordChangedAt = &now
		a.TokenVersion++
		a.Unlock(now)
	})
}

func (m *memStore) Unlock(_ context.Context, id int64, now time.Time) error {
	return m.mutate(id, func(a *entity.Account) { a.Unlock(now) })
}

func (m *memStore) SetAdmin(_ context.Context, id int64, isAdmin bool, _ time.Time) error {
	return m.mutate(id, func(a *entity.Account) { a.IsAdmin = isAdmin })
}

func (m *memStore) SetActive(_ context.Context, id int64, active bool, _ time.Time) error {
	return m.mutate(id, func(a *entity.Account) {
		a.IsActive = active
		if !active {
			a.TokenVersion++
		}
	})
}

func (m *memStore) MarkVerified(_ context.Context, id int64, now time.Time) error {
	return m.mutate(id, func(a *entity.Account) {
		a.IsVerified = true
		a.EmailVerifiedAt = &now
	})
}

func (m *memStore) mutate(id int64, fn func(a *entity.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(id)
	if err != nil {
		return err
	}
	fn(a)
	return nil
}

func (m *memStore) snapshot(t *testing.T, id int64) *entity.Account {
	t.Helper()
	a, err := m.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("account %d: %v", id, err)
	}
	return a
}

type counterIDs struct{ n atomic.Int64 }

func (c *counterIDs) NextID() int64 { return c.n.Add(1) }

type sentMail struct {
	kind    string
	account int64
	token   string
}

// recordingNotifier collects what the service hands off for delivery. Reads
// go through settle first so background sends have landed.
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []sentMail
	err    error
	settle func()
}

func (n *recordingNotifier) SendVerification(_ context.Context, a *entity.Account, token string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind: "verify", account: a.ID, token: token})
	return n.err
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, a *entity.Account, token string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind: "reset", account: a.ID, token: token})
	return n.err
}

func (n *recordingNotifier) wait() {
	if n.settle != nil {
		n.settle()
	}
}

func (n *recordingNotifier) last(t *testing.T, kind string) string {
	t.Helper()
	n.wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind == kind {
			return n.sent[i].token
		}
	}
	t.Fatalf("no %s notification sent", kind)
	return ""
}

func (n *recordingNotifier) count() int {
	n.wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) has(typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Secret:          testSecret,
		Issuer:          "pitchfork-auth",
		Audience:        "pitchfork",
		AccessTTL:       time.Hour,
		RefreshTTL:      30 * 24 * time.Hour,
		VerificationTTL: 48 * time.Hour,
		ResetTTL:        time.Hour,
	}
}

type harness struct {
	svc    *Service
	store  *memStore
	tokens *TokenIssuer
	clock  *clockwork.FakeClock
	ids    *counterIDs
	mail   *recordingNotifier
	events *recordingPublisher
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, tweak ...func(*Policy)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	tokens, err := NewTokenIssuer(testTokenConfig(), authrepo.NewRedisRevocationStore(client, clock), clock)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	policy := DefaultPolicy()
	for _, fn := range tweak {
		fn(&policy)
	}
	h := &harness{
		store:  newMemStore(),
		tokens: tokens,
		clock:  clock,
		ids:    &counterIDs{},
		mail:   &recordingNotifier{},
		events: &recordingPublisher{},
		mr:     mr,
	}
	h.svc, err = NewService(Deps{
		Accounts: h.store,
		Tokens:   tokens,
		IDs:      h.ids,
		Hasher:   BcryptHasher{Cost: bcrypt.MinCost},
		Notifier: h.mail,
		Events:   h.events,
		Clock:    clock,
	}, policy)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.mail.settle = func() { _ = h.svc.Wait(context.Background()) }
	t.Cleanup(h.mail.wait)
	return h
}

// rebuild returns a second service over the harness's store and tokens with
// some dependencies swapped.
func (h *harness) rebuild(t *testing.T, swap func(*Deps), tweak ...func(*Policy)) *Service {
	t.Helper()
	deps := Deps{
		Accounts: h.store,
		Tokens:   h.tokens,
		IDs:      h.ids,
		Hasher:   BcryptHasher{Cost: bcrypt.MinCost},
		Notifier: h.mail,
		Events:   h.events,
		Clock:    h.clock,
	}
	swap(&deps)
	policy := DefaultPolicy()
	for _, fn := range tweak {
		fn(&policy)
	}
	svc, err := NewService(deps, policy)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Wait(context.Background()) })
	return svc
}

func (h *harness) register(t *testing.T, username, email, password string) *entity.Account {
	t.Helper()
	res, err := h.svc.Register(context.Background(), RegisterRequest{Username: username, Email: email, Password: password})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return res.Account
}

func (h *harness) login(t *testing.T, login, password string) *LoginResult {
	t.Helper()
	res, err := h.svc.Login(context.Background(), LoginRequest{Login: login, Password: password})
	if err != nil {
		t.Fatalf("Login(%s): %v", login, err)
	}
	return res
}

// makeAdmin flips the flag directly in the store, the way an operator
// bootstraps the first administrator.
func (h *harness) makeAdmin(t *testing.T, id int64) *entity.Account {
	t.Helper()
	if err := h.store.SetAdmin(context.Background(), id, true, h.clock.Now()); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}
	return h.store.snapshot(t, id)
}

// gatedNotifier holds every send until release is closed.
type gatedNotifier struct {
	release chan struct{}
	sent    chan string
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{release: make(chan struct{}), sent: make(chan string, 4)}
}

func (g *gatedNotifier) SendVerification(ctx context.Context, _ *entity.Account, token string, _ time.Duration) error {
	return g.hold(ctx, token)
}

func (g *gatedNotifier) SendPasswordReset(ctx context.Context, _ *entity.Account, token string, _ time.Duration) error {
	return g.hold(ctx, token)
}

func (g *gatedNotifier) hold(ctx context.Context, token string) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.sent <- token
	return nil
}

// brokenHasher verifies normally but, once broken, cannot produce new hashes.
type brokenHasher struct {
	BcryptHasher
	broken atomic.Bool
}

func (b *brokenHasher) Hash(plaintext string) (string, error) {
	if b.broken.Load() {
		return "", errors.New("argon2: cannot allocate 65536 KiB")
	}
	return b.BcryptHasher.Hash(plaintext)
}

func requireKind(t *testing.T, err error, want *Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want.Kind)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %s error, got %v (kind %s)", want.Kind, err, KindOf(err))
	}
}
