// Package store persists tenants, agents, sessions, messages, attempt logs,
// usage events and idempotency records.
//
// DESIGN: Every read and write of tenant-owned rows carries a tenant id and
// returns rows for that tenant only. The exceptions take no tenant id:
// tenant and credential resolution, TouchSessionActivity (the session was
// already resolved through a tenant-scoped read) and the cross-tenant
// SweepIdempotency. The store is injected as a dependency rather than held in a
// process-wide handle, so tests substitute it freely and nothing can reach
// the data outside the tenant guard. Two implementations exist: sqlite
// (primary) and Postgres, selected by DSN.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrNotFound is returned for a missing row within the caller's tenant.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateRequestID is returned when a usage event reuses a request
	// id. Billing is at-most-once per request; this failing loudly is the
	// storage layer backing that up.
	ErrDuplicateRequestID = errors.New("store: duplicate usage request id")

	// ErrAlreadyCompleted is returned when completing an idempotency record
	// whose response is already set. The response is written exactly once.
	ErrAlreadyCompleted = errors.New("store: idempotency record already completed")
)

// Store is the tenant-scoped persistence contract consumed by the core and
// the management plane.
type Store interface {
	// FindAgent returns the agent or ErrNotFound.
	FindAgent(ctx context.Context, tenantID, agentID string) (*Agent, error)

	// FindSession returns the session or ErrNotFound.
	FindSession(ctx context.Context, tenantID, sessionID string) (*Session, error)

	// ListSessionMessages returns the session's messages in ascending
	// (created_at, id) order.
	ListSessionMessages(ctx context.Context, tenantID, sessionID string) ([]Message, error)

	// AppendMessage appends one message. Creation times are assigned
	// monotonically with respect to the session.
	AppendMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error)

	// TouchSessionActivity updates the session's lastActivityAt.
	TouchSessionActivity(ctx context.Context, sessionID string) error

	// RecordAttempts appends attempt logs, preserving order within the batch.
	RecordAttempts(ctx context.Context, tenantID string, entries []AttemptLog) error

	// ListSessionAttempts returns a session's attempt logs in append order.
	ListSessionAttempts(ctx context.Context, tenantID, sessionID string) ([]AttemptLog, error)

	// RecordUsage appends a usage event. Returns ErrDuplicateRequestID when
	// the request id was already billed.
	RecordUsage(ctx context.Context, tenantID string, u *UsageEvent) error

	// IdempotencyLookup returns the record or ErrNotFound.
	IdempotencyLookup(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error)

	// IdempotencyInsert inserts a placeholder record. If the unique key
	// already exists it returns the existing record with inserted=false;
	// the unique index is the synchronization primitive.
	IdempotencyInsert(ctx context.Context, tenantID, scope, key, sessionID, fingerprint string) (rec *IdempotencyRecord, inserted bool, err error)

	// IdempotencyComplete sets the serialized response exactly once.
	IdempotencyComplete(ctx context.Context, tenantID, scope, key string, response []byte) error

	// IdempotencyRelease deletes the record only while its response is
	// still unset. The owner of a failed send releases the key so a client
	// retry can claim it; completed records are never released.
	IdempotencyRelease(ctx context.Context, tenantID, scope, key string) error

	// SweepIdempotency deletes records older than the cutoff, across all
	// tenants. Retention only; not required for correctness.
	SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error)

	// FindCredentialByHash resolves a credential hash or returns ErrNotFound.
	// Unscoped by design: this is the entry point that establishes the tenant.
	FindCredentialByHash(ctx context.Context, hash string) (*Credential, error)

	// TouchCredentialUsed updates the credential's last-used time.
	TouchCredentialUsed(ctx context.Context, credentialID string) error

	// FindTenant returns the tenant or ErrNotFound.
	FindTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// Management plane.
	CreateTenant(ctx context.Context, name string) (*Tenant, error)
	DeleteTenant(ctx context.Context, tenantID string) error
	CreateCredential(ctx context.Context, tenantID, credentialHash string) (*Credential, error)
	CreateAgent(ctx context.Context, a *Agent) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context, tenantID string) ([]Agent, error)
	DeleteAgent(ctx context.Context, tenantID, agentID string) error
	CreateSession(ctx context.Context, tenantID, agentID, customerID string, metadata map[string]string) (*Session, error)
	CloseSession(ctx context.Context, tenantID, sessionID string) error
	ListSessions(ctx context.Context, tenantID string) ([]Session, error)
	UsageSummary(ctx context.Context, tenantID string, from, to time.Time) ([]UsageRollup, error)

	Close() error
}

// mustTenant guards every tenant-scoped operation. An empty tenant id means
// a caller bypassed the auth gate - a programmer error, not a request error.
func mustTenant(tenantID string) {
	if tenantID == "" {
		panic("store: operation without tenant id")
	}
}
