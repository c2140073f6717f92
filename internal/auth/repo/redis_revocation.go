package repo

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

// RedisRevocationStore keeps one key per revoked jti and lets Redis expire it
// together with the token.
type RedisRevocationStore struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedisRevocationStore(client *redis.Client, clock clockwork.Clock) *RedisRevocationStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisRevocationStore{client: client, clock: clock}
}

// Revoke stores jti until expiresAt. Tokens that already expired are skipped.
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err()
}

// Consume revokes jti with SETNX and reports whether this call was the one
// that revoked it.
func (s *RedisRevocationStore) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return false, nil
	}
	return s.client.SetNX(ctx, revokedKeyPrefix+jti, "1", ttl).Result()
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
