package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedTenant creates a tenant with one agent and one session.
func seedTenant(t *testing.T, st *SQLiteStore, name string) (*Tenant, *Agent, *Session) {
	t.Helper()
	ctx := context.Background()

	tenant, err := st.CreateTenant(ctx, name)
	require.NoError(t, err)

	agent, err := st.CreateAgent(ctx, &Agent{
		TenantID:      tenant.ID,
		Name:          name + "-agent",
		PrimaryVendor: "vendorA",
		SystemPrompt:  "be helpful",
		EnabledTools:  []string{"lookup"},
	})
	require.NoError(t, err)

	sess, err := st.CreateSession(ctx, tenant.ID, agent.ID, "cust-1", map[string]string{"tier": "gold"})
	require.NoError(t, err)

	return tenant, agent, sess
}

func TestFindAgent_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	tenant, agent, _ := seedTenant(t, st, "t1")

	got, err := st.FindAgent(context.Background(), tenant.ID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, "vendorA", got.PrimaryVendor)
	assert.Equal(t, []string{"lookup"}, got.EnabledTools)
}

func TestFindAgent_NotFound(t *testing.T) {
	st := newTestStore(t)
	tenant, _, _ := seedTenant(t, st, "t1")

	_, err := st.FindAgent(context.Background(), tenant.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	t1, a1, s1 := seedTenant(t, st, "t1")
	t2, _, s2 := seedTenant(t, st, "t2")

	// Cross-tenant reads come back empty-handed.
	_, err := st.FindAgent(ctx, t2.ID, a1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.FindSession(ctx, t1.ID, s2.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Interleaved writes stay within their tenant.
	for i := 0; i < 5; i++ {
		_, err = st.AppendMessage(ctx, t1.ID, s1.ID, RoleUser, fmt.Sprintf("t1 msg %d", i))
		require.NoError(t, err)
		_, err = st.AppendMessage(ctx, t2.ID, s2.ID, RoleUser, fmt.Sprintf("t2 msg %d", i))
		require.NoError(t, err)
	}

	msgs1, err := st.ListSessionMessages(ctx, t1.ID, s1.ID)
	require.NoError(t, err)
	msgs2, err := st.ListSessionMessages(ctx, t2.ID, s2.ID)
	require.NoError(t, err)
	assert.Len(t, msgs1, 5)
	assert.Len(t, msgs2, 5)
	for _, m := range msgs1 {
		assert.Equal(t, t1.ID, m.TenantID)
	}

	// Cross-tenant listing of another tenant's session is empty.
	cross, err := st.ListSessionMessages(ctx, t1.ID, s2.ID)
	require.NoError(t, err)
	assert.Empty(t, cross)
}

func TestAppendMessage_MonotonicOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, sess := seedTenant(t, st, "t1")

	// Rapid appends must never produce equal or descending timestamps.
	var ids []string
	for i := 0; i < 50; i++ {
		m, err := st.AppendMessage(ctx, tenant.ID, sess.ID, RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	msgs, err := st.ListSessionMessages(ctx, tenant.ID, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt),
			"message %d not strictly after predecessor", i)
	}
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestAppendMessage_MissingSession(t *testing.T) {
	st := newTestStore(t)
	tenant, _, _ := seedTenant(t, st, "t1")

	_, err := st.AppendMessage(context.Background(), tenant.ID, "missing", RoleUser, "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAttempts_PreservesOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, agent, sess := seedTenant(t, st, "t1")

	batch := []AttemptLog{
		{SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorA", Outcome: "failed", HTTPStatus: 503, RetryIndex: 0, RequestID: "req-1"},
		{SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorA", Outcome: "failed", HTTPStatus: 503, RetryIndex: 1, RequestID: "req-1"},
		{SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorB", Outcome: "success", HTTPStatus: 200, RetryIndex: 0, RequestID: "req-1"},
	}
	require.NoError(t, st.RecordAttempts(ctx, tenant.ID, batch))

	stored, err := st.ListSessionAttempts(ctx, tenant.ID, sess.ID)
	require.NoError(t, err)

	var got []string
	for _, e := range stored {
		got = append(got, fmt.Sprintf("%s/%d", e.Vendor, e.RetryIndex))
	}
	assert.Equal(t, []string{"vendorA/0", "vendorA/1", "vendorB/0"}, got)

	// Another tenant sees nothing.
	other, err := st.CreateTenant(ctx, "t2")
	require.NoError(t, err)
	cross, err := st.ListSessionAttempts(ctx, other.ID, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, cross)
}

func TestRecordUsage_DuplicateRequestID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, agent, sess := seedTenant(t, st, "t1")

	u := &UsageEvent{SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorA", TokensIn: 10, TokensOut: 20, CostUsd: 0.0001, RequestID: "req-dup"}
	require.NoError(t, st.RecordUsage(ctx, tenant.ID, u))

	dup := &UsageEvent{SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorA", TokensIn: 10, TokensOut: 20, CostUsd: 0.0001, RequestID: "req-dup"}
	err := st.RecordUsage(ctx, tenant.ID, dup)
	assert.ErrorIs(t, err, ErrDuplicateRequestID)
}

func TestIdempotency_InsertLookupComplete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, sess := seedTenant(t, st, "t1")

	_, err := st.IdempotencyLookup(ctx, tenant.ID, "send_message", "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, inserted, err := st.IdempotencyInsert(ctx, tenant.ID, "send_message", "k1", sess.ID, "fp")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, rec.Completed())

	// Second insert loses and gets the existing record back.
	rec2, inserted2, err := st.IdempotencyInsert(ctx, tenant.ID, "send_message", "k1", sess.ID, "fp")
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.False(t, rec2.Completed())

	require.NoError(t, st.IdempotencyComplete(ctx, tenant.ID, "send_message", "k1", []byte(`{"ok":true}`)))

	got, err := st.IdempotencyLookup(ctx, tenant.ID, "send_message", "k1")
	require.NoError(t, err)
	assert.True(t, got.Completed())
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))

	// Completion is exactly-once.
	err = st.IdempotencyComplete(ctx, tenant.ID, "send_message", "k1", []byte(`{"ok":false}`))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	got, err = st.IdempotencyLookup(ctx, tenant.ID, "send_message", "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))
}

func TestIdempotency_SameKeyDifferentTenants(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	t1, _, s1 := seedTenant(t, st, "t1")
	t2, _, s2 := seedTenant(t, st, "t2")

	_, inserted1, err := st.IdempotencyInsert(ctx, t1.ID, "send_message", "shared-key", s1.ID, "fp1")
	require.NoError(t, err)
	_, inserted2, err := st.IdempotencyInsert(ctx, t2.ID, "send_message", "shared-key", s2.ID, "fp2")
	require.NoError(t, err)

	// The unique index is per tenant; both inserts win their own row.
	assert.True(t, inserted1)
	assert.True(t, inserted2)
}

func TestIdempotencyInsert_ConcurrentRace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, sess := seedTenant(t, st, "t1")

	var g errgroup.Group
	wins := make([]bool, 8)
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, inserted, err := st.IdempotencyInsert(ctx, tenant.ID, "send_message", "race-key", sess.ID, "fp")
			wins[i] = inserted
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestSweepIdempotency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, sess := seedTenant(t, st, "t1")

	_, _, err := st.IdempotencyInsert(ctx, tenant.ID, "send_message", "old", sess.ID, "fp")
	require.NoError(t, err)

	n, err := st.SweepIdempotency(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.IdempotencyLookup(ctx, tenant.ID, "send_message", "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageSummary_Rollup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, agent, sess := seedTenant(t, st, "t1")

	for i, vendor := range []string{"vendorA", "vendorA", "vendorB"} {
		require.NoError(t, st.RecordUsage(ctx, tenant.ID, &UsageEvent{
			SessionID: sess.ID, AgentID: agent.ID, Vendor: vendor,
			TokensIn: 100, TokensOut: 200, CostUsd: 0.0006,
			RequestID: fmt.Sprintf("req-%d", i),
		}))
	}

	rollups, err := st.UsageSummary(ctx, tenant.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rollups, 2)

	assert.Equal(t, "vendorA", rollups[0].Vendor)
	assert.Equal(t, int64(2), rollups[0].Requests)
	assert.Equal(t, int64(200), rollups[0].TokensIn)
	assert.Equal(t, int64(400), rollups[0].TokensOut)
	assert.InDelta(t, 0.0012, rollups[0].CostUsd, 1e-9)

	assert.Equal(t, "vendorB", rollups[1].Vendor)
	assert.Equal(t, int64(1), rollups[1].Requests)
}

func TestDeleteTenant_Cascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, agent, sess := seedTenant(t, st, "t1")

	_, err := st.AppendMessage(ctx, tenant.ID, sess.ID, RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, st.RecordUsage(ctx, tenant.ID, &UsageEvent{
		SessionID: sess.ID, AgentID: agent.ID, Vendor: "vendorA", RequestID: "req-1",
	}))

	require.NoError(t, st.DeleteTenant(ctx, tenant.ID))

	_, err = st.FindAgent(ctx, tenant.ID, agent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := st.ListSessionMessages(ctx, tenant.ID, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMustTenant_PanicsOnEmpty(t *testing.T) {
	st := newTestStore(t)
	assert.Panics(t, func() {
		_, _ = st.FindAgent(context.Background(), "", "agent")
	})
}

func TestCredentials(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, _ := seedTenant(t, st, "t1")

	cred, err := st.CreateCredential(ctx, tenant.ID, "hash-abc")
	require.NoError(t, err)

	got, err := st.FindCredentialByHash(ctx, "hash-abc")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.TenantID)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, st.TouchCredentialUsed(ctx, cred.ID))
	got, err = st.FindCredentialByHash(ctx, "hash-abc")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	_, err = st.FindCredentialByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// The hash is globally unique.
	_, err = st.CreateCredential(ctx, tenant.ID, "hash-abc")
	assert.Error(t, err)
}

func TestCloseSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _, sess := seedTenant(t, st, "t1")

	require.NoError(t, st.CloseSession(ctx, tenant.ID, sess.ID))
	got, err := st.FindSession(ctx, tenant.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, got.Status)
}
