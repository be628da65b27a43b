// watcher_test.go

// Unit tests for the migration state machine.
package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swftly/edge/internal/identity"
	"github.com/swftly/edge/internal/store"
)

// fakeFlusher counts flush calls and fails the first failN of them.
// If block is non-nil, each call waits on it before returning.
type fakeFlusher struct {
	mu    sync.Mutex
	calls int
	failN int
	count int // migrated-links count returned on success
	block chan struct{}
}

func (f *fakeFlusher) FlushAnonymousLinks(_ context.Context, bearer string) (int, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if n <= f.failN {
		return 0, errors.New("backend unavailable")
	}
	return f.count, nil
}

func (f *fakeFlusher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingAuditor collects audit actions.
type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Record(_ context.Context, e store.AuditEntry) error {
	a.mu.Lock()
	a.actions = append(a.actions, e.Action)
	a.mu.Unlock()
	return nil
}

func anon() identity.Identity {
	return identity.Identity{State: identity.StateAnonymous}
}

func authed() identity.Identity {
	return identity.Identity{State: identity.StateAuthenticated, Principal: "user-42", Bearer: "jwt"}
}

func unknown() identity.Identity {
	return identity.Identity{State: identity.StateUnknown}
}

func newRegistry(f Flusher, a Auditor) (*Registry, *store.MemoryProfileStore) {
	profiles := store.NewMemoryProfileStore()
	return NewRegistry(f, a, profiles, 5*time.Second), profiles
}

// waitForState polls until the token's watcher reaches want or the deadline hits.
func waitForState(t *testing.T, reg *Registry, token string, want SyncState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.State(token) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: expected %v, got %v", want, reg.State(token))
}

// retryUntilTriggered keeps feeding authenticated readings until one triggers
// a migration attempt -- the analogue of re-renders while signed in. Fails the
// test if the watcher never re-arms.
func retryUntilTriggered(t *testing.T, reg *Registry, token string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Observe(token, authed()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watcher never re-armed for a retry")
}

// --- Observe ---

func TestObserve(t *testing.T) {
	t.Run("anonymous then authenticated fires exactly once", func(t *testing.T) {
		f := &fakeFlusher{count: 3}
		reg, profiles := newRegistry(f, &recordingAuditor{})
		profiles.SaveProfile(context.Background(), store.Profile{Token: "tok"})

		reg.Observe("tok", anon())
		reg.Observe("tok", anon()) // level, not an edge
		if triggered := reg.Observe("tok", authed()); !triggered {
			t.Fatal("expected the edge to trigger a migration")
		}

		waitForState(t, reg, "tok", Synced)
		if got := f.callCount(); got != 1 {
			t.Errorf("flush calls: expected 1, got %d", got)
		}

		// Further authenticated readings after Synced are no-ops.
		reg.Observe("tok", authed())
		reg.Observe("tok", authed())
		time.Sleep(20 * time.Millisecond)
		if got := f.callCount(); got != 1 {
			t.Errorf("flush calls after Synced: expected 1, got %d", got)
		}

		p, err := profiles.GetProfile(context.Background(), "tok")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if p.FlushedAt == nil {
			t.Error("profile should be marked flushed after success")
		}
	})

	t.Run("a profile first observed authenticated never fires", func(t *testing.T) {
		f := &fakeFlusher{}
		reg, _ := newRegistry(f, &recordingAuditor{})

		reg.Observe("tok", authed())
		reg.Observe("tok", authed())
		time.Sleep(20 * time.Millisecond)

		if got := f.callCount(); got != 0 {
			t.Errorf("flush calls: expected 0, got %d", got)
		}
		if got := reg.State("tok"); got != Unresolved {
			t.Errorf("state: expected Unresolved, got %v", got)
		}
	})

	t.Run("unknown readings never drive transitions", func(t *testing.T) {
		f := &fakeFlusher{}
		reg, _ := newRegistry(f, &recordingAuditor{})

		reg.Observe("tok", unknown())
		reg.Observe("tok", anon())
		reg.Observe("tok", unknown())
		if got := reg.State("tok"); got != ObservedAnonymous {
			t.Errorf("state: expected ObservedAnonymous, got %v", got)
		}
		if got := f.callCount(); got != 0 {
			t.Errorf("flush calls: expected 0, got %d", got)
		}
	})

	t.Run("empty token is ignored", func(t *testing.T) {
		f := &fakeFlusher{}
		reg, _ := newRegistry(f, &recordingAuditor{})

		if reg.Observe("", anon()) {
			t.Error("empty token must not trigger anything")
		}
		if got := reg.State(""); got != Unresolved {
			t.Errorf("state: expected Unresolved, got %v", got)
		}
	})

	t.Run("failure re-arms for exactly one retry", func(t *testing.T) {
		f := &fakeFlusher{failN: 1, count: 2}
		audit := &recordingAuditor{}
		reg, profiles := newRegistry(f, audit)
		profiles.SaveProfile(context.Background(), store.Profile{Token: "tok"})

		reg.Observe("tok", anon())
		reg.Observe("tok", authed())

		// First attempt fails; the watcher returns to ObservedAnonymous and
		// the next edge-equivalent re-check triggers the retry.
		retryUntilTriggered(t, reg, "tok")
		waitForState(t, reg, "tok", Synced)
		if got := f.callCount(); got != 2 {
			t.Errorf("flush calls: expected 2, got %d", got)
		}

		// No further calls for the rest of the session.
		reg.Observe("tok", authed())
		time.Sleep(20 * time.Millisecond)
		if got := f.callCount(); got != 2 {
			t.Errorf("flush calls after retry success: expected 2, got %d", got)
		}

		audit.mu.Lock()
		defer audit.mu.Unlock()
		if len(audit.actions) != 2 || audit.actions[0] != "flush_failed" || audit.actions[1] != "flush_succeeded" {
			t.Errorf("audit actions: expected [flush_failed flush_succeeded], got %v", audit.actions)
		}
	})

	t.Run("second failure parks the watcher in SyncFailed", func(t *testing.T) {
		f := &fakeFlusher{failN: 10}
		reg, _ := newRegistry(f, &recordingAuditor{})

		reg.Observe("tok", anon())
		reg.Observe("tok", authed())

		retryUntilTriggered(t, reg, "tok")
		waitForState(t, reg, "tok", SyncFailed)

		// Terminal: no amount of further readings revives it.
		reg.Observe("tok", authed())
		reg.Observe("tok", anon())
		reg.Observe("tok", authed())
		time.Sleep(20 * time.Millisecond)
		if got := f.callCount(); got != 2 {
			t.Errorf("flush calls: expected 2, got %d", got)
		}
	})

	t.Run("concurrent edge observations trigger a single flush", func(t *testing.T) {
		f := &fakeFlusher{count: 1, block: make(chan struct{})}
		reg, profiles := newRegistry(f, &recordingAuditor{})
		profiles.SaveProfile(context.Background(), store.Profile{Token: "tok"})

		reg.Observe("tok", anon())

		first := reg.Observe("tok", authed())
		second := reg.Observe("tok", authed()) // races in while the flush is in flight

		if !first {
			t.Error("first observation should trigger the flush")
		}
		if second {
			t.Error("second observation must see the attempt flag and stand down")
		}

		close(f.block)
		waitForState(t, reg, "tok", Synced)
		if got := f.callCount(); got != 1 {
			t.Errorf("flush calls: expected 1, got %d", got)
		}
	})

	t.Run("profiles are independent", func(t *testing.T) {
		f := &fakeFlusher{count: 1}
		reg, profiles := newRegistry(f, &recordingAuditor{})
		profiles.SaveProfile(context.Background(), store.Profile{Token: "a"})

		reg.Observe("a", anon())
		reg.Observe("b", authed()) // different profile, already signed in

		reg.Observe("a", authed())
		waitForState(t, reg, "a", Synced)
		if got := reg.State("b"); got != Unresolved {
			t.Errorf("profile b state: expected Unresolved, got %v", got)
		}
		if got := f.callCount(); got != 1 {
			t.Errorf("flush calls: expected 1, got %d", got)
		}
	})
}

// --- Sweep ---

func TestSweep(t *testing.T) {
	t.Run("evicts idle watchers and keeps active ones", func(t *testing.T) {
		f := &fakeFlusher{}
		reg, _ := newRegistry(f, &recordingAuditor{})

		reg.Observe("old", anon())
		time.Sleep(30 * time.Millisecond)
		reg.Observe("fresh", anon())

		if n := reg.Sweep(20 * time.Millisecond); n != 1 {
			t.Errorf("evicted: expected 1, got %d", n)
		}
		if got := reg.State("old"); got != Unresolved {
			t.Errorf("evicted watcher should read Unresolved, got %v", got)
		}
		if got := reg.State("fresh"); got != ObservedAnonymous {
			t.Errorf("fresh watcher state: expected ObservedAnonymous, got %v", got)
		}
	})
}
