package store

import "time"

// Tenant is an isolated customer namespace; the unit of authentication and
// ownership. Deleting a tenant cascades to everything it owns.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credential maps a hashed secret to a tenant. The plaintext secret is never
// stored; lookups go through the hash only.
type Credential struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	CredentialHash string     `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
}

// Agent is a tenant-owned configuration that parameterizes a session:
// system prompt, tool set, primary vendor and optional fallback.
// FallbackVendor is empty when no fallback is configured.
type Agent struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Name           string    `json:"name"`
	PrimaryVendor  string    `json:"primaryVendor"`
	FallbackVendor string    `json:"fallbackVendor,omitempty"`
	SystemPrompt   string    `json:"systemPrompt"`
	EnabledTools   []string  `json:"enabledTools"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Session statuses.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Session is a conversation thread between one agent and one end-customer
// identifier, owned by a tenant.
type Session struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	AgentID        string            `json:"agentId"`
	CustomerID     string            `json:"customerId"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a session. Messages within a session are totally
// ordered by CreatedAt with a stable tie-break on ID.
type Message struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// AttemptLog records a single vendor invocation on behalf of one send.
// Append-only; Seq is assigned by the store and preserves batch order.
type AttemptLog struct {
	Seq          int64     `json:"seq"`
	TenantID     string    `json:"tenantId"`
	SessionID    string    `json:"sessionId"`
	AgentID      string    `json:"agentId"`
	Vendor       string    `json:"vendor"`
	Outcome      string    `json:"outcome"`
	HTTPStatus   int       `json:"httpStatus,omitempty"`
	LatencyMs    int64     `json:"latencyMs"`
	RetryIndex   int       `json:"retryIndex"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	RequestID    string    `json:"requestId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UsageEvent is the billing row produced once per successful send.
// Immutable once created; RequestID is unique across all usage events.
type UsageEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	Vendor    string    `json:"vendor"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	CostUsd   float64   `json:"costUsd"`
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
}

// IdempotencyRecord guards a send under (tenant, scope, key). Inserted with a
// nil Response at the start of processing; Response is set exactly once on
// successful completion and the record is otherwise never mutated.
type IdempotencyRecord struct {
	TenantID           string    `json:"tenantId"`
	Scope              string    `json:"scope"`
	Key                string    `json:"key"`
	SessionID          string    `json:"sessionId,omitempty"`
	RequestFingerprint string    `json:"requestFingerprint"`
	Response           []byte    `json:"response,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Completed reports whether the response has been materialized.
func (r *IdempotencyRecord) Completed() bool {
	return len(r.Response) > 0
}

// UsageRollup is one row of the management plane's usage report:
// totals per calendar day and vendor.
type UsageRollup struct {
	Day       string  `json:"day"`
	Vendor    string  `json:"vendor"`
	Requests  int64   `json:"requests"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUsd   float64 `json:"costUsd"`
}
