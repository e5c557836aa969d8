package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	credential_hash TEXT NOT NULL,
	created_at      BIGINT NOT NULL,
	last_used_at    BIGINT
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
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	agent_id         TEXT NOT NULL,
	customer_id      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       BIGINT NOT NULL,
	last_activity_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(tenant_id, session_id, created_at, id);

CREATE TABLE IF NOT EXISTS attempt_logs (
	seq           BIGSERIAL PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id    TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	vendor        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	http_status   INTEGER NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	retry_index   INTEGER NOT NULL DEFAULT 0,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL,
	created_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempt_logs(tenant_id, session_id);

CREATE TABLE IF NOT EXISTS usage_events (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	vendor     TEXT NOT NULL,
	tokens_in  BIGINT NOT NULL,
	tokens_out BIGINT NOT NULL,
	cost_usd   DOUBLE PRECISION NOT NULL,
	request_id TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_request ON usage_events(request_id);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_events(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id           TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	scope               TEXT NOT NULL,
	idem_key            TEXT NOT NULL,
	session_id          TEXT NOT NULL DEFAULT '',
	request_fingerprint TEXT NOT NULL DEFAULT '',
	response            BYTEA,
	created_at          BIGINT NOT NULL,
	PRIMARY KEY (tenant_id, scope, idem_key)
);
`

// PostgresStore implements Store on jackc/pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug().Msg("postgres store opened")
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindAgent returns the agent or ErrNotFound.
func (s *PostgresStore) FindAgent(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	mustTenant(tenantID)

	var a Agent
	var tools string
	var createdAt, updatedAt int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at
		FROM agents WHERE tenant_id = $1 AND id = $2`,
		tenantID, agentID,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.PrimaryVendor, &a.FallbackVendor, &a.SystemPrompt, &tools, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) FindSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	mustTenant(tenantID)

	var sess Session
	var metadata string
	var createdAt, lastActivity int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at
		FROM sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, sessionID,
	).Scan(&sess.ID, &sess.TenantID, &sess.AgentID, &sess.CustomerID, &sess.Status, &metadata, &createdAt, &lastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) ListSessionMessages(ctx context.Context, tenantID, sessionID string) ([]Message, error) {
	mustTenant(tenantID)

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, session_id, role, content, created_at
		FROM messages WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at ASC, id ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// AppendMessage appends one message with a per-session monotonic timestamp.
func (s *PostgresStore) AppendMessage(ctx context.Context, tenantID, sessionID, role, content string) (*Message, error) {
	mustTenant(tenantID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(1) FROM sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, sessionID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var last *int64
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM messages WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID,
	).Scan(&last); err != nil {
		return nil, err
	}

	now := time.Now().UTC().UnixNano()
	if last != nil && now <= *last {
		now = *last + 1
	}

	m := &Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: nanosToTime(now),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TenantID, m.SessionID, m.Role, m.Content, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// TouchSessionActivity updates lastActivityAt.
func (s *PostgresStore) TouchSessionActivity(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $1 WHERE id = $2`,
		time.Now().UTC().UnixNano(), sessionID,
	)
	return err
}

// RecordAttempts appends attempt logs in batch order.
func (s *PostgresStore) RecordAttempts(ctx context.Context, tenantID string, entries []AttemptLog) error {
	mustTenant(tenantID)
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO attempt_logs
				(tenant_id, session_id, agent_id, vendor, outcome, http_status, latency_ms, retry_index, error_code, error_message, request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			tenantID, e.SessionID, e.AgentID, e.Vendor, e.Outcome, e.HTTPStatus,
			e.LatencyMs, e.RetryIndex, e.ErrorCode, e.ErrorMessage, e.RequestID,
			createdAt.UnixNano(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListSessionAttempts returns a session's attempt logs in append order.
func (s *PostgresStore) ListSessionAttempts(ctx context.Context, tenantID, sessionID string) ([]AttemptLog, error) {
	mustTenant(tenantID)

	rows, err := s.pool.Query(ctx, `
		SELECT seq, tenant_id, session_id, agent_id, vendor, outcome, http_status, latency_ms, retry_index, error_code, error_message, request_id, created_at
		FROM attempt_logs WHERE tenant_id = $1 AND session_id = $2
		ORDER BY seq ASC`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
func (s *PostgresStore) RecordUsage(ctx context.Context, tenantID string, u *UsageEvent) error {
	mustTenant(tenantID)

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.TenantID = tenantID

	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_events (id, tenant_id, session_id, agent_id, vendor, tokens_in, tokens_out, cost_usd, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.TenantID, u.SessionID, u.AgentID, u.Vendor, u.TokensIn, u.TokensOut, u.CostUsd, u.RequestID, u.CreatedAt.UnixNano(),
	)
	if isPgUniqueViolation(err) {
		return ErrDuplicateRequestID
	}
	return err
}

// IdempotencyLookup returns the record or ErrNotFound.
func (s *PostgresStore) IdempotencyLookup(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error) {
	mustTenant(tenantID)

	var rec IdempotencyRecord
	var createdAt int64
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, scope, idem_key, session_id, request_fingerprint, response, created_at
		FROM idempotency_records WHERE tenant_id = $1 AND scope = $2 AND idem_key = $3`,
		tenantID, scope, key,
	).Scan(&rec.TenantID, &rec.Scope, &rec.Key, &rec.SessionID, &rec.RequestFingerprint, &rec.Response, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) IdempotencyInsert(ctx context.Context, tenantID, scope, key, sessionID, fingerprint string) (*IdempotencyRecord, bool, error) {
	mustTenant(tenantID)

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, scope, idem_key, session_id, request_fingerprint, response, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
		tenantID, scope, key, sessionID, fingerprint, now.UnixNano(),
	)
	if isPgUniqueViolation(err) {
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
func (s *PostgresStore) IdempotencyComplete(ctx context.Context, tenantID, scope, key string, response []byte) error {
	mustTenant(tenantID)

	res, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records SET response = $1
		WHERE tenant_id = $2 AND scope = $3 AND idem_key = $4 AND response IS NULL`,
		response, tenantID, scope, key,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.IdempotencyLookup(ctx, tenantID, scope, key); err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

// IdempotencyRelease deletes an incomplete record; completed records stay.
func (s *PostgresStore) IdempotencyRelease(ctx context.Context, tenantID, scope, key string) error {
	mustTenant(tenantID)

	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE tenant_id = $1 AND scope = $2 AND idem_key = $3 AND response IS NULL`,
		tenantID, scope, key,
	)
	return err
}

// SweepIdempotency deletes records created before the cutoff.
func (s *PostgresStore) SweepIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// FindCredentialByHash resolves a credential hash to its row.
func (s *PostgresStore) FindCredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	var c Credential
	var createdAt int64
	var lastUsed *int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, credential_hash, created_at, last_used_at
		FROM credentials WHERE credential_hash = $1`,
		hash,
	).Scan(&c.ID, &c.TenantID, &c.CredentialHash, &createdAt, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = nanosToTime(createdAt)
	if lastUsed != nil {
		t := nanosToTime(*lastUsed)
		c.LastUsedAt = &t
	}
	return &c, nil
}

// TouchCredentialUsed updates last_used_at.
func (s *PostgresStore) TouchCredentialUsed(ctx context.Context, credentialID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET last_used_at = $1 WHERE id = $2`,
		time.Now().UTC().UnixNano(), credentialID,
	)
	return err
}

// FindTenant returns the tenant or ErrNotFound.
func (s *PostgresStore) FindTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	var createdAt int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = nanosToTime(createdAt)
	return &t, nil
}

// CreateTenant creates a tenant.
func (s *PostgresStore) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	t := &Tenant{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		t.ID, t.Name, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTenant deletes a tenant; ownership cascades.
func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) error {
	mustTenant(tenantID)
	_, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	return err
}

// CreateCredential stores a hashed credential for a tenant.
func (s *PostgresStore) CreateCredential(ctx context.Context, tenantID, credentialHash string) (*Credential, error) {
	mustTenant(tenantID)

	c := &Credential{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		CredentialHash: credentialHash,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, tenant_id, credential_hash, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.TenantID, c.CredentialHash, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateAgent creates an agent owned by a.TenantID.
func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.TenantID, a.Name, a.PrimaryVendor, a.FallbackVendor, a.SystemPrompt, string(tools), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAgent updates an agent within its tenant.
func (s *PostgresStore) UpdateAgent(ctx context.Context, a *Agent) error {
	mustTenant(a.TenantID)

	tools, err := json.Marshal(toolsOrEmpty(a.EnabledTools))
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()

	res, err := s.pool.Exec(ctx, `
		UPDATE agents SET name = $1, primary_vendor = $2, fallback_vendor = $3, system_prompt = $4, enabled_tools = $5, updated_at = $6
		WHERE tenant_id = $7 AND id = $8`,
		a.Name, a.PrimaryVendor, a.FallbackVendor, a.SystemPrompt, string(tools), a.UpdatedAt.UnixNano(),
		a.TenantID, a.ID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns the tenant's agents, newest first.
func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string) ([]Agent, error) {
	mustTenant(tenantID)

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, primary_vendor, fallback_vendor, system_prompt, enabled_tools, created_at, updated_at
		FROM agents WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
func (s *PostgresStore) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	mustTenant(tenantID)

	res, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE tenant_id = $1 AND id = $2`,
		tenantID, agentID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession creates an active session bound to an agent of the same
// tenant.
func (s *PostgresStore) CreateSession(ctx context.Context, tenantID, agentID, customerID string, metadata map[string]string) (*Session, error) {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.TenantID, sess.AgentID, sess.CustomerID, sess.Status, string(meta), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CloseSession marks a session closed.
func (s *PostgresStore) CloseSession(ctx context.Context, tenantID, sessionID string) error {
	mustTenant(tenantID)

	res, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1 WHERE tenant_id = $2 AND id = $3`,
		SessionClosed, tenantID, sessionID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns the tenant's sessions, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, tenantID string) ([]Session, error) {
	mustTenant(tenantID)

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, agent_id, customer_id, status, metadata, created_at, last_activity_at
		FROM sessions WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
func (s *PostgresStore) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) ([]UsageRollup, error) {
	mustTenant(tenantID)

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(to_timestamp(created_at / 1000000000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, vendor,
			COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_usd)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY day, vendor
		ORDER BY day ASC, vendor ASC`,
		tenantID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

var _ Store = (*PostgresStore)(nil)
