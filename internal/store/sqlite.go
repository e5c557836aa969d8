package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	credential_hash TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_used_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_credentials_hash ON credentials(credential_hash);

CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	primary_vendor  TEXT NOT NULL,
	fallback_vendor TEXT NOT NULL DEFAULT '',
	system_prompt   TEXT NOT NULL DEFAULT '',
	enabled_tools   TEXT NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	agent_id         TEXT NOT NULL,
	customer_id      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(tenant_id, session_id, created_at, id);

CREATE TABLE IF NOT EXISTS attempt_logs (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id    TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	vendor        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	http_status   INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	retry_index   INTEGER NOT NULL DEFAULT 0,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempt_logs(tenant_id, session_id);

CREATE TABLE IF NOT EXISTS usage_events (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	vendor     TEXT NOT NULL,
	tokens_in  INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_usd   REAL NOT NULL,
	request_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_request ON usage_events(request_id);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_events(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id           TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	scope               TEXT NOT NULL,
	idem_key            TEXT NOT NULL,
	session_id          TEXT NOT NULL DEFAULT '',
	request_fingerprint TEXT NOT NULL DEFAULT '',
	response            BLOB,
	created_at          INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, scope, idem_key)
);
`

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) a sqlite store at the given path.
// ":memory:" works for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite allows one writer; a single pooled connection plus the busy
	// timeout keeps concurrent sends from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("sqlite store opened")
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") && strings.Contains(err.Error(), "2067")
}

func nanosToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// FindAgent returns the agent or ErrNotFound.
func (s *SQLiteStore) FindAgent(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	mustTenant(tenantID)

	var a Agent
	var tools string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at
		FROM agents WHERE tenant_id = ? AND id = ?`,
		tenantID, agentID,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.PrimaryVendor, &a.FallbackVendor, &a.SystemPrompt, &tools, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tools), &a.EnabledTools); err != nil {
		return nil, err
	}
	a.CreatedAt = nanosToTime(createdAt)
	a.UpdatedAt = nanosToTime(updatedAt)
	return &a, nil
}

// FindSession returns the session or ErrNotFound.
func (s *SQLiteStore) FindSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	mustTenant(tenantID)

	var sess Session
	var metadata string
	var createdAt, lastActivity int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at
		FROM sessions WHERE tenant_id = ? AND id = ?`,
		tenantID, sessionID,
	).Scan(&sess.ID, &sess.TenantID, &sess.AgentID, &sess.CustomerID, &sess.Status, &metadata, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, err
	}
	sess.CreatedAt = nanosToTime(createdAt)
	sess.LastActivityAt = nanosToTime(lastActivity)
	return &sess, nil
}

// ListSessionMessages returns messages ascending by (created_at, id).
func (s *SQLiteStore) ListSessionMessages(ctx context.Context, tenantID, sessionID string) ([]Message, error) {
	mustTenant(tenantID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, role, content, created_at
		FROM messages WHERE tenant_id = ? AND session_id = ?
		ORDER BY created_at ASC, id ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = nanosToTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage appends one message with a creation time strictly after the
// session's latest message, so the session ordering is monotonic even when
// the wall clock stalls.
func (s *SQLiteStore) AppendMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error) {
	mustTenant(tenantID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE tenant_id = ? AND id = ?`,
		tenantID, sessionID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID,
	).Scan(&last); err != nil {
		return nil, err
	}

	now := time.Now().UTC().UnixNano()
	if last.Valid && now <= last.Int64 {
		now = last.Int64 + 1
	}

	m := &Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: nanosToTime(now),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.SessionID, m.Role, m.Content, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// TouchSessionActivity updates lastActivityAt. Unscoped: the session id was
// already resolved through a tenant-scoped read.
func (s *SQLiteStore) TouchSessionActivity(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), sessionID,
	)
	return err
}

// RecordAttempts appends attempt logs in batch order.
func (s *SQLiteStore) RecordAttempts(ctx context.Context, tenantID string, entries []AttemptLog) error {
	mustTenant(tenantID)
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attempt_logs
			(tenant_id, session_id, agent_id, vendor, outcome, http_status, latency_ms, retry_index, error_code, error_message, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			tenantID, e.SessionID, e.AgentID, e.Vendor, e.Outcome, e.HTTPStatus,
			e.LatencyMs, e.RetryIndex, e.ErrorCode, e.ErrorMessage, e.RequestID,
			createdAt.UnixNano(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSessionAttempts returns a session's attempt logs in append order.
func (s *SQLiteStore) ListSessionAttempts(ctx context.Context, tenantID, sessionID string) ([]AttemptLog, error) {
	mustTenant(tenantID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, tenant_id, session_id, agent_id, vendor, outcome, http_status, latency_ms, retry_index, error_code, error_message, request_id, created_at
		FROM attempt_logs WHERE tenant_id = ? AND session_id = ?
		ORDER BY seq ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptLog
	for rows.Next() {
		var e AttemptLog
		var createdAt int64
		if err := rows.Scan(&e.Seq, &e.TenantID, &e.SessionID, &e.AgentID, &e.Vendor, &e.Outcome, &e.HTTPStatus, &e.LatencyMs, &e.RetryIndex, &e.ErrorCode, &e.ErrorMessage, &e.RequestID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = nanosToTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordUsage appends a usage event; duplicate request ids fail loudly.
func (s *SQLiteStore) RecordUsage(ctx context.Context, tenantID string, u *UsageEvent) error {
	mustTenant(tenantID)

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.TenantID = tenantID

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, session_id, agent_id, vendor, tokens_in, tokens_out, cost_usd, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.SessionID, u.AgentID, u.Vendor, u.TokensIn, u.TokensOut, u.CostUsd, u.RequestID, u.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRequestID
	}
	return err
}

// IdempotencyLookup returns the record or ErrNotFound.
func (s *SQLiteStore) IdempotencyLookup(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error) {
	mustTenant(tenantID)

	var rec IdempotencyRecord
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, scope, idem_key, session_id, request_fingerprint, response, created_at
		FROM idempotency_records WHERE tenant_id = ? AND scope = ? AND idem_key = ?`,
		tenantID, scope, key,
	).Scan(&rec.TenantID, &rec.Scope, &rec.Key, &rec.SessionID, &rec.RequestFingerprint, &rec.Response, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = nanosToTime(createdAt)
	return &rec, nil
}

// IdempotencyInsert inserts a placeholder; on a unique-key collision it
// returns the record that won the race.
func (s *SQLiteStore) IdempotencyInsert(ctx context.Context, tenantID, scope, key, sessionID, fingerprint string) (*IdempotencyRecord, bool, error) {
	mustTenant(tenantID)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, scope, idem_key, session_id, request_fingerprint, response, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		tenantID, scope, key, sessionID, fingerprint, now.UnixNano(),
	)
	if isUniqueViolation(err) {
		existing, lookupErr := s.IdempotencyLookup(ctx, tenantID, scope, key)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return &IdempotencyRecord{
		TenantID:           tenantID,
		Scope:              scope,
		Key:                key,
		SessionID:          sessionID,
		RequestFingerprint: fingerprint,
		CreatedAt:          now,
	}, true, nil
}

// IdempotencyComplete sets the response exactly once.
func (s *SQLiteStore) IdempotencyComplete(ctx context.Context, tenantID, scope, key string, response []byte) error {
	mustTenant(tenantID)

	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET response = ?
		WHERE tenant_id = ? AND scope = ? AND idem_key = ? AND response IS NULL`,
		response, tenantID, scope, key,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.IdempotencyLookup(ctx, tenantID, scope, key); err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

// IdempotencyRelease deletes an incomplete record; completed records stay.
func (s *SQLiteStore) IdempotencyRelease(ctx context.Context, tenantID, scope, key string) error {
	mustTenant(tenantID)

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE tenant_id = ? AND scope = ? AND idem_key = ? AND response IS NULL`,
		tenantID, scope, key,
	)
	return err
}

// SweepIdempotency deletes records created before the cutoff.
func (s *SQLiteStore) SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < ?`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindCredentialByHash resolves a credential hash to its row.
func (s *SQLiteStore) FindCredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	var c Credential
	var createdAt int64
	var lastUsed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, credential_hash, created_at, last_used_at
		FROM credentials WHERE credential_hash = ?`,
		hash,
	).Scan(&c.ID, &c.TenantID, &c.CredentialHash, &createdAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = nanosToTime(createdAt)
	if lastUsed.Valid {
		t := nanosToTime(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	return &c, nil
}

// TouchCredentialUsed updates last_used_at.
func (s *SQLiteStore) TouchCredentialUsed(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), credentialID,
	)
	return err
}

// FindTenant returns the tenant or ErrNotFound.
func (s *SQLiteStore) FindTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = ?`,
		tenantID,
	).Scan(&t.ID, &t.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = nanosToTime(createdAt)
	return &t, nil
}

// CreateTenant creates a tenant.
func (s *SQLiteStore) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	t := &Tenant{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTenant deletes a tenant; ownership cascades.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, tenantID string) error {
	mustTenant(tenantID)
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, tenantID)
	return err
}

// CreateCredential stores a hashed credential for a tenant.
func (s *SQLiteStore) CreateCredential(ctx context.Context, tenantID, credentialHash string) (*Credential, error) {
	mustTenant(tenantID)

	c := &Credential{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		CredentialHash: credentialHash,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, tenant_id, credential_hash, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.TenantID, c.CredentialHash, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateAgent creates an agent owned by a.TenantID.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	mustTenant(a.TenantID)

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	tools, err := json.Marshal(toolsOrEmpty(a.EnabledTools))
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, a.PrimaryVendor, a.FallbackVendor, a.SystemPrompt, string(tools), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAgent updates an agent within its tenant.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	mustTenant(a.TenantID)

	tools, err := json.Marshal(toolsOrEmpty(a.EnabledTools))
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, primary_vendor = ?, fallback_vendor = ?, system_prompt = ?, enabled_tools = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		a.Name, a.PrimaryVendor, a.FallbackVendor, a.SystemPrompt, string(tools), a.UpdatedAt.UnixNano(),
		a.TenantID, a.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns the tenant's agents, newest first.
func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]Agent, error) {
	mustTenant(tenantID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at
		FROM agents WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		var a Agent
		var tools string
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.PrimaryVendor, &a.FallbackVendor, &a.SystemPrompt, &tools, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tools), &a.EnabledTools); err != nil {
			return nil, err
		}
		a.CreatedAt = nanosToTime(createdAt)
		a.UpdatedAt = nanosToTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent within its tenant.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	mustTenant(tenantID)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE tenant_id = ? AND id = ?`,
		tenantID, agentID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession creates an active session bound to an agent of the same
// tenant.
func (s *SQLiteStore) CreateSession(ctx context.Context, tenantID, agentID, customerID string, metadata map[string]string) (*Session, error) {
	mustTenant(tenantID)

	if _, err := s.FindAgent(ctx, tenantID, agentID); err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		AgentID:        agentID,
		CustomerID:     customerID,
		Status:         SessionActive,
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.AgentID, sess.CustomerID, sess.Status, string(meta), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CloseSession marks a session closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, tenantID, sessionID string) error {
	mustTenant(tenantID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE tenant_id = ? AND id = ?`,
		SessionClosed, tenantID, sessionID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns the tenant's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string) ([]Session, error) {
	mustTenant(tenantID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at
		FROM sessions WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var sess Session
		var metadata string
		var createdAt, lastActivity int64
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.AgentID, &sess.CustomerID, &sess.Status, &metadata, &createdAt, &lastActivity); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, err
		}
		sess.CreatedAt = nanosToTime(createdAt)
		sess.LastActivityAt = nanosToTime(lastActivity)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UsageSummary aggregates usage per calendar day (UTC) and vendor.
func (s *SQLiteStore) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) ([]UsageRollup, error) {
	mustTenant(tenantID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at / 1000000000, 'unixepoch') AS day, vendor,
			COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_usd)
		FROM usage_events
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY day, vendor
		ORDER BY day ASC, vendor ASC`,
		tenantID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UsageRollup
	for rows.Next() {
		var r UsageRollup
		if err := rows.Scan(&r.Day, &r.Vendor, &r.Requests, &r.TokensIn, &r.TokensOut, &r.CostUsd); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func toolsOrEmpty(tools []string) []string {
	if tools == nil {
		return []string{}
	}
	return tools
}

var _ Store = (*SQLiteStore)(nil)
