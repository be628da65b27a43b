// stores.go
//
// Shared mock implementations of the consumer interfaces in links, identity,
// and watcher. Imported by test files across packages to avoid duplicate
// mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/swftly/edge/internal/backend"
	"github.com/swftly/edge/internal/identity"
	"github.com/swftly/edge/internal/store"
)

// CreateCall records one MockBackend.CreateLink invocation.
type CreateCall struct {
	Cred backend.Credential
	URL  string
	Tags []string
}

// DeleteCall records one MockBackend.DeleteLink invocation.
type DeleteCall struct {
	Cred backend.Credential
	Code string
}

// MockBackend implements links.Backend for tests.
//
// Seed AnonLinks/AuthLinks and Result for success paths; set *Err fields to
// inject errors for specific operations. Every call is recorded so tests can
// assert on credentials and arguments.
type MockBackend struct {
	// Error injection...zero value means no error
	CreateErr   error
	ListAnonErr error
	ListAuthErr error
	DeleteErr   error
	FlushErr    error

	Result     *backend.CreateResult
	AnonLinks  []backend.Link
	AuthLinks  []backend.Link
	FlushCount int

	CreateCalls []CreateCall
	DeleteCalls []DeleteCall
	FlushCalls  []string // bearer per call

	mu sync.Mutex
}

func (m *MockBackend) CreateLink(_ context.Context, cred backend.Credential, longURL string, tags []string) (*backend.CreateResult, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, CreateCall{Cred: cred, URL: longURL, Tags: tags})
	m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &backend.CreateResult{ShortURL: "https://sw.ft/abc123"}, nil
}

func (m *MockBackend) ListAnonymousLinks(_ context.Context, anonToken string) ([]backend.Link, error) {
	if m.ListAnonErr != nil {
		return nil, m.ListAnonErr
	}
	return m.AnonLinks, nil
}

func (m *MockBackend) ListAuthenticatedLinks(_ context.Context, bearer string) ([]backend.Link, error) {
	if m.ListAuthErr != nil {
		return nil, m.ListAuthErr
	}
	return m.AuthLinks, nil
}

func (m *MockBackend) DeleteLink(_ context.Context, cred backend.Credential, shortCode string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Cred: cred, Code: shortCode})
	m.mu.Unlock()
	return m.DeleteErr
}

func (m *MockBackend) FlushAnonymousLinks(_ context.Context, bearer string) (int, error) {
	m.mu.Lock()
	m.FlushCalls = append(m.FlushCalls, bearer)
	m.mu.Unlock()
	if m.FlushErr != nil {
		return 0, m.FlushErr
	}
	return m.FlushCount, nil
}

// MockProfileStore implements identity.ProfileStore, links.ProfileStore, and
// watcher.FlushedMarker for tests. Stateful...Profiles is a map, like a real store.
type MockProfileStore struct {
	// Error injection...zero value means no error
	SaveErr   error
	TouchErr  error
	MarkErr   error
	HealthErr error

	Profiles map[string]store.Profile

	mu sync.Mutex
}

// NewMockProfileStore returns an empty MockProfileStore ready for use.
func NewMockProfileStore() *MockProfileStore {
	return &MockProfileStore{Profiles: make(map[string]store.Profile)}
}

func (m *MockProfileStore) SaveProfile(_ context.Context, p store.Profile) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	m.Profiles[p.Token] = p
	m.mu.Unlock()
	return nil
}

func (m *MockProfileStore) GetProfile(_ context.Context, token string) (*store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Profiles[token]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	return &p, nil
}

func (m *MockProfileStore) TouchProfile(_ context.Context, token string, now time.Time) error {
	if m.TouchErr != nil {
		return m.TouchErr
	}
	m.mu.Lock()
	p := m.Profiles[token]
	p.Token = token
	p.LastSeen = now
	m.Profiles[token] = p
	m.mu.Unlock()
	return nil
}

func (m *MockProfileStore) MarkFlushed(_ context.Context, token string, at time.Time) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	p := m.Profiles[token]
	p.Token = token
	p.FlushedAt = &at
	m.Profiles[token] = p
	m.mu.Unlock()
	return nil
}

func (m *MockProfileStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// MockRateLimiter implements links.RateLimiter for tests.
// Records every key checked; AllowErr is returned verbatim.
type MockRateLimiter struct {
	AllowErr error
	Keys     []string

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	m.mu.Lock()
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()
	return m.AllowErr
}

// MockAuditor implements links.Auditor and watcher.Auditor for tests.
type MockAuditor struct {
	RecordErr error
	HealthErr error

	Entries []store.AuditEntry

	mu sync.Mutex
}

func (m *MockAuditor) Record(_ context.Context, e store.AuditEntry) error {
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.mu.Lock()
	m.Entries = append(m.Entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MockAuditor) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// Actions returns the recorded audit actions in order.
func (m *MockAuditor) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Action
	}
	return out
}

// MockVerifier implements identity.Verifier for tests.
// Returns Subject for any token unless Err is set.
type MockVerifier struct {
	Subject string
	Err     error
}

func (m *MockVerifier) Verify(_ context.Context, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Subject, nil
}

// Reading records one MockObserver.Observe invocation.
type Reading struct {
	Token string
	State identity.State
}

// MockObserver implements links.Observer for tests.
// Triggered is returned from every Observe call.
type MockObserver struct {
	Triggered bool
	Readings  []Reading

	mu sync.Mutex
}

func (m *MockObserver) Observe(token string, id identity.Identity) bool {
	m.mu.Lock()
	m.Readings = append(m.Readings, Reading{Token: token, State: id.State})
	m.mu.Unlock()
	return m.Triggered
}
