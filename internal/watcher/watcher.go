// Package watcher performs the exactly-once migration of anonymous links into
// a freshly signed-in account.
//
// One watcher exists per anonymous profile, owning an explicit state machine:
//
//	Unresolved -> ObservedAnonymous -> Synced
//	                     ^      \
//	                     |       -> (failed attempt)
//	                     +--------------/        -> SyncFailed (terminal)
//
// The migration fires only on a true anonymous->authenticated edge, never on
// a level: a profile first observed authenticated has nothing to flush. The
// attempt flag is set under the watcher lock before the flush call starts, so
// two near-simultaneous observations of the same edge cannot both fire. A
// failed attempt re-arms the watcher once; after the second failure the
// watcher parks in SyncFailed for the rest of its lifetime. The links remain
// intact and usable either way, so failure is logged and audited, never
// surfaced to the user as a hard error.
package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/swftly/edge/internal/identity"
	"github.com/swftly/edge/internal/store"
)

// SyncState is the migration state of one anonymous profile.
type SyncState int

const (
	// Unresolved: no definite anonymous reading observed yet.
	Unresolved SyncState = iota

	// ObservedAnonymous: the profile has been seen signed out; the next
	// authenticated reading is the migration edge.
	ObservedAnonymous

	// Synced: migration succeeded. Terminal.
	Synced

	// SyncFailed: both permitted attempts failed. Terminal.
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case ObservedAnonymous:
		return "observed_anonymous"
	case Synced:
		return "synced"
	case SyncFailed:
		return "sync_failed"
	default:
		return "unresolved"
	}
}

// maxAttempts bounds the retry policy: the initial attempt plus the single
// re-entry a failure permits.
const maxAttempts = 2

// Flusher issues the migration call. Satisfied by *backend.Client -- defined
// here (at consumer) per Go convention.
type Flusher interface {
	// FlushAnonymousLinks migrates the caller's anonymous links and returns
	// how many moved. Idempotent on the backend.
	FlushAnonymousLinks(ctx context.Context, bearer string) (int, error)
}

// Auditor records migration outcomes. Satisfied by *store.AuditStore and
// store.NoopAuditStore.
type Auditor interface {
	Record(ctx context.Context, e store.AuditEntry) error
}

// FlushedMarker stamps the profile record after a successful migration.
// Satisfied by both profile stores.
type FlushedMarker interface {
	MarkFlushed(ctx context.Context, token string, at time.Time) error
}

// watcherEntry is one profile's state machine plus registry bookkeeping.
type watcherEntry struct {
	mu         sync.Mutex
	state      SyncState
	attempting bool // set before the flush call starts, cleared only on failure
	attempts   int
	lastSeen   time.Time
}

// Registry owns all live watchers, keyed by anonymous token. Entries are
// evicted after WatcherTTL of inactivity by Sweep -- the in-process analogue
// of a tab session ending.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*watcherEntry

	flusher  Flusher
	audit    Auditor
	profiles FlushedMarker
	timeout  time.Duration
}

// NewRegistry builds a registry. timeout bounds each flush call so a hung
// backend cannot leave a watcher stuck mid-attempt.
func NewRegistry(flusher Flusher, audit Auditor, profiles FlushedMarker, timeout time.Duration) *Registry {
	return &Registry{
		entries:  make(map[string]*watcherEntry),
		flusher:  flusher,
		audit:    audit,
		profiles: profiles,
		timeout:  timeout,
	}
}

// Observe feeds one identity reading for the given anonymous token into its
// watcher, creating the watcher on first sight. Unknown readings are dropped
// before they reach the state machine. Returns true if this observation
// triggered a migration attempt.
func (reg *Registry) Observe(token string, id identity.Identity) bool {
	if token == "" || id.State == identity.StateUnknown {
		return false
	}

	e := reg.entry(token)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Synced, SyncFailed:
		return false

	case Unresolved:
		// Only a definite anonymous reading arms the watcher. A profile that
		// shows up already signed in stays Unresolved -- there is nothing to
		// flush, and firing against a stale token would be a wasted call.
		if id.State == identity.StateAnonymous {
			e.state = ObservedAnonymous
		}
		return false

	case ObservedAnonymous:
		if id.State != identity.StateAuthenticated || e.attempting {
			return false
		}
		// The edge. Mark the attempt before the call starts so a second
		// observation racing in cannot trigger a concurrent flush.
		e.attempting = true
		e.attempts++
		go reg.flush(token, id, e)
		return true
	}
	return false
}

// flush runs one migration attempt. Detached from any request context: a
// caller going away mid-flight abandons nothing that needs compensating,
// since the backend treats flushing an already-flushed set as a no-op.
func (reg *Registry) flush(token string, id identity.Identity, e *watcherEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), reg.timeout)
	defer cancel()

	count, err := reg.flusher.FlushAnonymousLinks(ctx, id.Bearer)

	// Bookkeeping gets its own context -- the flush ctx may already be spent
	// if the attempt timed out.
	bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bcancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.attempting = false
		if e.attempts >= maxAttempts {
			e.state = SyncFailed
			slog.Error("anonymous link migration failed, giving up",
				"anon_token", token, "principal", id.Principal, "attempts", e.attempts, "error", err)
		} else {
			// Re-armed: the next authenticated observation retries.
			slog.Warn("anonymous link migration failed, will retry",
				"anon_token", token, "principal", id.Principal, "error", err)
		}
		reg.recordAudit(bctx, token, id.Principal, "flush_failed", nil)
		return
	}

	e.state = Synced
	slog.Info("anonymous links migrated", "anon_token", token, "principal", id.Principal, "count", count)

	if markErr := reg.profiles.MarkFlushed(bctx, token, time.Now()); markErr != nil {
		slog.Warn("failed to mark profile flushed", "anon_token", token, "error", markErr)
	}
	meta, _ := json.Marshal(map[string]int{"count": count})
	reg.recordAudit(bctx, token, id.Principal, "flush_succeeded", meta)
}

// recordAudit writes one ledger entry, best effort.
func (reg *Registry) recordAudit(ctx context.Context, token, principal, action string, meta []byte) {
	entry := store.AuditEntry{Token: &token, Action: action, Metadata: meta}
	if principal != "" {
		entry.Principal = &principal
	}
	if err := reg.audit.Record(ctx, entry); err != nil {
		slog.Warn("audit write failed", "action", action, "error", err)
	}
}

// entry returns the watcher for token, creating it if needed, and stamps
// lastSeen for eviction.
func (reg *Registry) entry(token string) *watcherEntry {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.entries[token]
	if !ok {
		e = &watcherEntry{}
		reg.entries[token] = e
	}
	e.lastSeen = time.Now()
	return e
}

// State reports the current sync state for a token. Unresolved for tokens the
// registry has never seen.
func (reg *Registry) State(token string) SyncState {
	reg.mu.Lock()
	e, ok := reg.entries[token]
	reg.mu.Unlock()
	if !ok {
		return Unresolved
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Sweep evicts watchers idle for longer than ttl and returns how many were
// removed. In-flight attempts are not interrupted -- the flush goroutine
// holds its own reference to the entry.
func (reg *Registry) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var n int
	for token, e := range reg.entries {
		if e.lastSeen.Before(cutoff) {
			delete(reg.entries, token)
			n++
		}
	}
	return n
}
