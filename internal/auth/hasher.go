package auth

import (
	"fmt"
	"strings"

	"github.com/matthewhartstonge/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher produces salted hashes and checks plaintext against them.
// Verify never fails loudly: a corrupt or foreign hash simply does not match.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost())
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(h), nil
}

// Verify uses bcrypt's constant-time comparison.
func (b BcryptHasher) Verify(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// NeedsRehash is true when the stored cost differs from the configured one.
func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return c != b.cost()
}

// Argon2Hasher hashes with argon2id in the PHC encoded format.
type Argon2Hasher struct {
	Config argon2.Config
}

// NewArgon2Hasher returns a hasher using the library defaults.
func NewArgon2Hasher() Argon2Hasher {
	return Argon2Hasher{Config: argon2.DefaultConfig()}
}

func (a Argon2Hasher) Hash(plaintext string) (string, error) {
	cfg := a.Config
	encoded, err := cfg.HashEncoded([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("argon2 hash: %w", err)
	}
	return string(encoded), nil
}

func (a Argon2Hasher) Verify(plaintext, hash string) bool {
	if !strings.HasPrefix(hash, "$argon2") {
		return false
	}
	ok, err := argon2.VerifyEncoded([]byte(plaintext), []byte(hash))
	return err == nil && ok
}

// NeedsRehash compares the parameter segment of the encoded hash with the
// configured parameters.
func (a Argon2Hasher) NeedsRehash(hash string) bool {
	parts := strings.Split(hash, "$")
	// "", mode, version, params, salt, hash
	if len(parts) != 6 {
		return false
	}
	want := fmt.Sprintf("m=%d,t=%d,p=%d", a.Config.MemoryCost, a.Config.TimeCost, a.Config.Parallelism)
	return parts[3] != want
}

// Names accepted by NewHasher, case-insensitively.
const (
	HasherBcrypt   = "bcrypt"
	HasherArgon2   = "argon2"
	HasherArgon2id = "argon2id"
)

// KnownHasher reports whether name selects a hasher.
func KnownHasher(name string) bool {
	switch strings.ToLower(name) {
	case HasherBcrypt, HasherArgon2, HasherArgon2id:
		return true
	}
	return false
}

// NewHasher picks a hasher by name; unknown names fall back to bcrypt.
func NewHasher(name string, bcryptCost int) PasswordHasher {
	switch strings.ToLower(name) {
	case HasherArgon2, HasherArgon2id:
		return NewArgon2Hasher()
	default:
		return BcryptHasher{Cost: bcryptCost}
	}
}
