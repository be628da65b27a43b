// redis.go -- go-redis client for anonymous profile records and rate limiting.
//
// Profiles are small JSON blobs keyed by the anonymous token, with a TTL
// matching the cookie lifetime. If Redis is unavailable at startup the
// gateway falls back to the in-memory store (see memory.go) -- that fallback
// is a deliberate, logged degradation, never a silent one.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// profileTTL matches the anonymous cookie lifetime. A profile nobody has
// touched for a year is orphaned either way.
const profileTTL = 365 * 24 * time.Hour

// NewRedisClient connects to Redis and verifies connectivity with a ping.
// Call once at startup from main.go; the returned client is safe for concurrent
// use and is shared by the profile store and the rate limiter.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// RedisProfileStore persists anonymous profile records in Redis.
type RedisProfileStore struct {
	rdb *redis.Client
}

// NewRedisProfileStore wraps a shared Redis client in a profile store.
func NewRedisProfileStore(rdb *redis.Client) *RedisProfileStore {
	return &RedisProfileStore{rdb}
}

func profileKey(token string) string {
	return fmt.Sprintf("profile:%s", token)
}

// SaveProfile writes the full profile record, refreshing its TTL.
func (s *RedisProfileStore) SaveProfile(ctx context.Context, p Profile) error {
	out, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	if err := s.rdb.Set(ctx, profileKey(p.Token), out, profileTTL).Err(); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}

// GetProfile retrieves the profile record for the given token.
// Returns ErrProfileNotFound if no record exists.
func (s *RedisProfileStore) GetProfile(ctx context.Context, token string) (*Profile, error) {
	raw, err := s.rdb.Get(ctx, profileKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	return &p, nil
}

// TouchProfile updates last_seen and refreshes the TTL. Missing records are
// recreated rather than erroring -- the cookie is the source of truth for the
// token's existence, the record is bookkeeping.
func (s *RedisProfileStore) TouchProfile(ctx context.Context, token string, now time.Time) error {
	p, err := s.GetProfile(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			return err
		}
		p = &Profile{Token: token, CreatedAt: now}
	}
	p.LastSeen = now
	return s.SaveProfile(ctx, *p)
}

// MarkFlushed records the time the profile's links were migrated to an account.
// Returns ErrProfileNotFound if no record exists.
func (s *RedisProfileStore) MarkFlushed(ctx context.Context, token string, at time.Time) error {
	p, err := s.GetProfile(ctx, token)
	if err != nil {
		return err
	}
	p.FlushedAt = &at
	return s.SaveProfile(ctx, *p)
}

// CheckHealth pings Redis.
func (s *RedisProfileStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close shuts down the underlying Redis client.
func (s *RedisProfileStore) Close() error {
	return s.rdb.Close()
}

// RedisRateLimiter enforces attempt-count policies keyed by arbitrary strings
// (the gateway keys create attempts on the anonymous token).
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps a shared Redis client in a rate limiter.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb}
}

// Allow checks whether the action identified by key is within policy and
// records the attempt. Returns ErrRateLimitExceeded when locked out; any other
// non-nil error is a Redis failure.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	lockKey := fmt.Sprintf("ratelimit:lock:%s", key)
	countKey := fmt.Sprintf("ratelimit:count:%s", key)

	// Lockout check first -- a locked key stays locked until the TTL expires,
	// regardless of further attempts.
	locked, err := l.rdb.Exists(ctx, lockKey).Result()
	if err != nil {
		return fmt.Errorf("checking lockout: %w", err)
	}
	if locked > 0 {
		return ErrRateLimitExceeded
	}

	// Count the attempt inside the rolling window. INCR + EXPIRE NX in one
	// pipeline so the window starts on the first attempt.
	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, countKey)
	pipe.ExpireNX(ctx, countKey, policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}

	if int(count.Val()) > policy.MaxAttempts {
		if err := l.rdb.Set(ctx, lockKey, 1, policy.LockoutTTL).Err(); err != nil {
			return fmt.Errorf("setting lockout: %w", err)
		}
		return ErrRateLimitExceeded
	}
	return nil
}
