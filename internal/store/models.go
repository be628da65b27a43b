// models.go -- Shared domain types for the store package.
// Used by the Redis profile store, the in-memory fallback, and the
// Postgres audit ledger.
package store

import (
	"errors"
	"time"
)

// ErrProfileNotFound is returned by GetProfile when no record exists for the token.
// Callers use errors.Is to distinguish a true miss from an infrastructure failure.
var ErrProfileNotFound = errors.New("profile not found")

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from store failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrStoreDegraded is returned by MemoryProfileStore.CheckHealth so /health can
// report that anonymous profiles will not survive a process restart.
var ErrStoreDegraded = errors.New("profile store degraded (in-memory)")

// ErrAuditDisabled is returned by NoopAuditStore.CheckHealth when no database is
// configured. Callers use errors.Is to distinguish "not configured" from a real failure.
var ErrAuditDisabled = errors.New("audit disabled")

// Profile is the server-side record of one anonymous browser identity.
// The token itself lives in the client cookie; this record only carries
// bookkeeping around it.
type Profile struct {
	Token     string     `json:"token"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  time.Time  `json:"last_seen"`
	FlushedAt *time.Time `json:"flushed_at,omitempty"` // set once after a successful migration
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// AuditEntry represents a row in the audit_events table.
// Token is nil for events with no anonymous identity attached; Principal is nil
// for pre-auth events. Metadata holds optional event context as a raw JSON blob
// (e.g. migrated count, rejection reason).
type AuditEntry struct {
	Token     *string
	Principal *string
	Action    string
	Metadata  []byte
}
