package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked_jti:"

// RedisRegistry stores blacklisted JTIs as keys whose TTL equals the time
// remaining until the access token's natural expiry, so the blacklist
// never grows past the live token horizon.
type RedisRegistry struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRegistry constructs a registry over an existing Redis client.
func NewRedisRegistry(client *redis.Client, now func() time.Time) *RedisRegistry {
	if now == nil {
		now = time.Now
	}
	return &RedisRegistry{client: client, now: now}
}

func (r *RedisRegistry) Blacklist(ctx context.Context, jti string, naturalExpiry time.Time) error {
	if jti == "" {
		return ErrInvalidRequest
	}
	ttl := naturalExpiry.Sub(r.now())
	if ttl <= 0 {
		// Already past natural expiry; nothing to blacklist.
		return nil
	}
	if err := r.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist jti: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked jti: %w", err)
	}
	return exists > 0, nil
}

// PurgeExpired is a no-op: Redis expires blacklist keys itself.
func (r *RedisRegistry) PurgeExpired(context.Context) (int64, error) {
	return 0, nil
}
