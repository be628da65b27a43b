// Package store handles profile persistence, rate limiting, and the audit ledger.
//
// postgres.go -- pgxpool-backed audit store.
// The ledger records identity lifecycle events (profile created, flush
// succeeded/failed, quota rejections). It is strictly write-behind: no
// request outcome ever depends on an audit write succeeding.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore records identity lifecycle events in Postgres.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates and returns a verified connection pool wrapped in an
// audit store. Call once at startup from main.go; the returned store is safe
// for concurrent use.
func NewAuditStore(ctx context.Context, databaseURL string) (*AuditStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &AuditStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *AuditStore) Close() {
	s.pool.Close()
}

// Record inserts one audit event.
func (s *AuditStore) Record(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO audit_events (anon_token, principal, action, metadata) VALUES ($1, $2, $3, $4)",
		e.Token, e.Principal, e.Action, e.Metadata)
	return err
}

// CheckHealth pings Postgres.
func (s *AuditStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// NoopAuditStore is used when DATABASE_URL is not configured.
// Record drops events; CheckHealth reports the ledger as disabled.
type NoopAuditStore struct{}

// Record discards the event.
func (NoopAuditStore) Record(context.Context, AuditEntry) error { return nil }

// CheckHealth reports ErrAuditDisabled so /health can show "disabled" rather than "error".
func (NoopAuditStore) CheckHealth(context.Context) error { return ErrAuditDisabled }

// Close is a no-op.
func (NoopAuditStore) Close() {}
