// memory.go -- In-process fallbacks for when Redis is not configured.
//
// Profiles and rate-limit counters held here survive only for the process
// lifetime. main.go logs the degradation at startup and CheckHealth reports
// it, so the fallback is never mistaken for durable storage.
package store

import (
	"context"
	"sync"
	"time"
)

// MemoryProfileStore is the in-memory stand-in for RedisProfileStore.
// Safe for concurrent use.
type MemoryProfileStore struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

// NewMemoryProfileStore returns an empty in-memory profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]Profile)}
}

// SaveProfile writes the full profile record.
func (s *MemoryProfileStore) SaveProfile(_ context.Context, p Profile) error {
	s.mu.Lock()
	s.profiles[p.Token] = p
	s.mu.Unlock()
	return nil
}

// GetProfile retrieves the profile record for the given token.
// Returns ErrProfileNotFound if no record exists.
func (s *MemoryProfileStore) GetProfile(_ context.Context, token string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[token]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

// TouchProfile updates last_seen, creating the record if it is missing.
func (s *MemoryProfileStore) TouchProfile(_ context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[token]
	if !ok {
		p = Profile{Token: token, CreatedAt: now}
	}
	p.LastSeen = now
	s.profiles[token] = p
	return nil
}

// MarkFlushed records the migration time for the profile.
// Returns ErrProfileNotFound if no record exists.
func (s *MemoryProfileStore) MarkFlushed(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[token]
	if !ok {
		return ErrProfileNotFound
	}
	p.FlushedAt = &at
	s.profiles[token] = p
	return nil
}

// CheckHealth always reports the degraded condition -- the caller decides
// whether that is acceptable (it is at startup, it is worth surfacing on /health).
func (s *MemoryProfileStore) CheckHealth(_ context.Context) error {
	return ErrStoreDegraded
}

// Close is a no-op; present so main.go can treat both stores uniformly.
func (s *MemoryProfileStore) Close() error { return nil }

// memoryWindow tracks attempts for one rate-limit key.
type memoryWindow struct {
	count       int
	windowEnd   time.Time
	lockedUntil time.Time
}

// MemoryRateLimiter is the in-memory stand-in for RedisRateLimiter.
// Safe for concurrent use.
type MemoryRateLimiter struct {
	mu   sync.Mutex
	keys map[string]*memoryWindow
	now  func() time.Time // overridable in tests
}

// NewMemoryRateLimiter returns an empty in-memory rate limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{keys: make(map[string]*memoryWindow), now: time.Now}
}

// Allow checks whether the action identified by key is within policy and
// records the attempt. Returns ErrRateLimitExceeded when locked out.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, policy RateLimit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.keys[key]
	// Lockout check before any window bookkeeping -- a lockout outlives the
	// window it was earned in.
	if ok && now.Before(w.lockedUntil) {
		return ErrRateLimitExceeded
	}
	if !ok || now.After(w.windowEnd) {
		w = &memoryWindow{windowEnd: now.Add(policy.Window)}
		l.keys[key] = w
	}

	w.count++
	if w.count > policy.MaxAttempts {
		w.lockedUntil = now.Add(policy.LockoutTTL)
		return ErrRateLimitExceeded
	}
	return nil
}
