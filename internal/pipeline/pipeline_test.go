package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/design-smith/vocalbridge/internal/idempotency"
	"github.com/design-smith/vocalbridge/internal/retry"
	"github.com/design-smith/vocalbridge/internal/store"
	"github.com/design-smith/vocalbridge/internal/vendors"
)

// fakeAdapter serves scripted outcomes; nil means success. Safe for
// concurrent sends.
type fakeAdapter struct {
	name     vendors.Vendor
	mu       sync.Mutex
	script   []*vendors.Failure
	response vendors.Response
	calls    int
}

func (a *fakeAdapter) Name() vendors.Vendor {
	return a.name
}

func (a *fakeAdapter) Complete(_ context.Context, _ *vendors.Request) (*vendors.Response, *vendors.Failure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i < len(a.script) && a.script[i] != nil {
		return nil, a.script[i]
	}
	resp := a.response
	if resp.Text == "" {
		resp = vendors.Response{Text: "assistant says hi", TokensIn: 100, TokensOut: 200}
	}
	return &resp, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	store    *store.SQLiteStore
	service  *Service
	tenantID string
	agent    *store.Agent
	session  *store.Session
	primary  *fakeAdapter
	fallback *fakeAdapter
}

// newFixture wires a pipeline against a real sqlite store and fake vendors.
// fallbackVendor may be "" for agents without fallback.
func newFixture(t *testing.T, fallbackVendor string, primaryScript, fallbackScript []*vendors.Failure) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tenant, err := st.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	agent, err := st.CreateAgent(ctx, &store.Agent{
		TenantID:       tenant.ID,
		Name:           "support",
		PrimaryVendor:  "vendorA",
		FallbackVendor: fallbackVendor,
		SystemPrompt:   "be helpful",
		EnabledTools:   []string{"kb_search"},
	})
	require.NoError(t, err)
	sess, err := st.CreateSession(ctx, tenant.ID, agent.ID, "cust-7", nil)
	require.NoError(t, err)

	primary := &fakeAdapter{name: vendors.VendorA, script: primaryScript}
	fallback := &fakeAdapter{name: vendors.VendorB, script: fallbackScript}
	registry := vendors.NewRegistry()
	registry.Register(primary)
	registry.Register(fallback)

	engine := retry.NewEngineWithClock(
		func(_ context.Context, _ time.Duration) error { return nil },
		func() float64 { return 0 },
	)

	svc := NewService(st, registry, engine, retry.DefaultPolicy(), idempotency.New(st, false), nil)

	return &fixture{
		store: st, service: svc, tenantID: tenant.ID,
		agent: agent, session: sess, primary: primary, fallback: fallback,
	}
}

func serverError() *vendors.Failure {
	return &vendors.Failure{StatusCode: 503, ErrorCode: vendors.CodeServerError, Message: "unavailable"}
}

func (f *fixture) send(t *testing.T, key, content, requestID string) []byte {
	t.Helper()
	env, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: key,
		Content:        content,
		RequestID:      requestID,
	})
	require.NoError(t, err)
	return env
}

func (f *fixture) usageCount(t *testing.T) int64 {
	t.Helper()
	rollups, err := f.store.UsageSummary(context.Background(), f.tenantID,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	var total int64
	for _, r := range rollups {
		total += r.Requests
	}
	return total
}

func (f *fixture) messages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := f.store.ListSessionMessages(context.Background(), f.tenantID, f.session.ID)
	require.NoError(t, err)
	return msgs
}

func TestSend_HappyPath(t *testing.T) {
	f := newFixture(t, "", nil, nil)
	f.primary.response = vendors.Response{Text: "hello back", TokensIn: 100, TokensOut: 200}

	env := f.send(t, "K1", "hello", "req-1")

	assert.Equal(t, "assistant", gjson.GetBytes(env, "message.role").String())
	assert.Equal(t, "hello back", gjson.GetBytes(env, "message.content").String())
	assert.Equal(t, f.session.ID, gjson.GetBytes(env, "message.sessionId").String())

	meta := gjson.GetBytes(env, "metadata")
	assert.Equal(t, f.agent.ID, meta.Get("agentId").String())
	assert.Equal(t, "vendorA", meta.Get("providerUsed").String())
	assert.Equal(t, "vendorA", meta.Get("primaryAttempted").String())
	assert.Equal(t, "none", meta.Get("fallbackAttempted").String())
	assert.False(t, meta.Get("fallbackUsed").Bool())
	assert.Equal(t, "req-1", meta.Get("requestId").String())

	attempts := meta.Get("attempts").Array()
	require.Len(t, attempts, 1)
	assert.Equal(t, "vendorA", attempts[0].Get("provider").String())
	assert.Equal(t, "success", attempts[0].Get("status").String())
	assert.Equal(t, int64(200), attempts[0].Get("httpStatus").Int())
	assert.Equal(t, int64(0), attempts[0].Get("retries").Int())

	usage := meta.Get("usage")
	assert.Equal(t, int64(100), usage.Get("tokensIn").Int())
	assert.Equal(t, int64(200), usage.Get("tokensOut").Int())
	assert.Equal(t, 0.000600, usage.Get("costUsd").Float())
	assert.Equal(t, 0.002, usage.Get("pricing.usdPer1kTokens").Float())

	assert.Equal(t, "K1", meta.Get("idempotency.key").String())
	assert.False(t, meta.Get("idempotency.replayed").Bool())

	// Exactly one user and one assistant message.
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)

	assert.Equal(t, int64(1), f.usageCount(t))
}

func TestSend_RetryThenSuccess(t *testing.T) {
	f := newFixture(t, "", []*vendors.Failure{serverError(), serverError(), nil}, nil)

	env := f.send(t, "K1", "hello", "req-1")

	attempts := gjson.GetBytes(env, "metadata.attempts").Array()
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, "vendorA", a.Get("provider").String())
		assert.Equal(t, int64(i), a.Get("retries").Int())
	}
	assert.False(t, gjson.GetBytes(env, "metadata.fallbackUsed").Bool())
	assert.Equal(t, int64(1), f.usageCount(t))
	assert.Equal(t, 3, f.primary.callCount())

	// One stored attempt row per vendor call, persisted as they happened,
	// indices matching invocation order.
	stored, err := f.store.ListSessionAttempts(context.Background(), f.tenantID, f.session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, e := range stored {
		assert.Equal(t, "vendorA", e.Vendor)
		assert.Equal(t, i, e.RetryIndex)
		assert.Equal(t, "req-1", e.RequestID)
	}
	assert.Equal(t, "success", stored[2].Outcome)
}

func TestSend_FallbackWins(t *testing.T) {
	f := newFixture(t, "vendorB",
		[]*vendors.Failure{serverError(), serverError(), serverError()}, nil)

	env := f.send(t, "K1", "hello", "req-1")

	meta := gjson.GetBytes(env, "metadata")
	assert.Equal(t, "vendorB", meta.Get("providerUsed").String())
	assert.True(t, meta.Get("fallbackUsed").Bool())
	assert.Equal(t, "vendorB", meta.Get("fallbackAttempted").String())
	assert.Equal(t, 0.003, meta.Get("usage.pricing.usdPer1kTokens").Float())

	attempts := meta.Get("attempts").Array()
	require.Len(t, attempts, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "vendorA", attempts[i].Get("provider").String())
		assert.Equal(t, "failed", attempts[i].Get("status").String())
	}
	assert.Equal(t, "vendorB", attempts[3].Get("provider").String())
	assert.Equal(t, "success", attempts[3].Get("status").String())

	assert.Equal(t, int64(1), f.usageCount(t))
}

func TestSend_Replay(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	first := f.send(t, "K1", "hello", "req-1")

	// Same key, different content and request id: replayed verbatim, no new
	// side effects.
	second, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: "K1",
		Content:        "world",
		RequestID:      "req-2",
	})
	require.NoError(t, err)

	expected, err := sjson.SetBytes(first, "metadata.idempotency.replayed", true)
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(second))
	assert.True(t, gjson.GetBytes(second, "metadata.idempotency.replayed").Bool())

	assert.Len(t, f.messages(t), 2)
	assert.Equal(t, int64(1), f.usageCount(t))
	assert.Equal(t, 1, f.primary.callCount())
}

func TestSend_ReplayNTimes(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	first := f.send(t, "K1", "hello", "req-1")
	expected, err := sjson.SetBytes(first, "metadata.idempotency.replayed", true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		replay := f.send(t, "K1", "hello", "req-1")
		assert.Equal(t, string(expected), string(replay))
	}
	assert.Equal(t, int64(1), f.usageCount(t))
}

func TestSend_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, "", nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	results := make([]error, 2)
	envs := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			env, err := f.service.Send(ctx, SendInput{
				TenantID:       f.tenantID,
				SessionID:      f.session.ID,
				IdempotencyKey: "K2",
				Content:        "race",
				RequestID:      "req-" + string(rune('a'+i)),
			})
			envs[i], results[i] = env, err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Exactly one send did the work under any schedule.
	assert.Equal(t, int64(1), f.usageCount(t))
	assert.Len(t, f.messages(t), 2)

	for i := range results {
		if results[i] == nil {
			assert.NotEmpty(t, envs[i])
		} else {
			// The loser saw the in-flight placeholder.
			assert.ErrorIs(t, results[i], idempotency.ErrInFlight)
		}
	}
}

func TestSend_MissingKey(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:  f.tenantID,
		SessionID: f.session.ID,
		Content:   "hello",
	})
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	// No rows written.
	assert.Empty(t, f.messages(t))
	assert.Equal(t, int64(0), f.usageCount(t))
}

func TestSend_OverlongKey(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: strings.Repeat("k", MaxIdempotencyKeyLen+1),
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
}

func TestSend_EmptyContent(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: "K1",
	})
	assert.ErrorIs(t, err, ErrContentRequired)
}

func TestSend_SessionNotFound(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      "missing",
		IdempotencyKey: "K1",
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, int64(0), f.usageCount(t))

	// The same key works against the real session afterwards.
	env := f.send(t, "K1", "hello", "req-2")
	assert.False(t, gjson.GetBytes(env, "metadata.idempotency.replayed").Bool())
}

func TestSend_AgentNotFound(t *testing.T) {
	f := newFixture(t, "", nil, nil)
	require.NoError(t, f.store.DeleteAgent(context.Background(), f.tenantID, f.agent.ID))

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: "K1",
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSend_AllProvidersFailed(t *testing.T) {
	f := newFixture(t, "vendorB",
		[]*vendors.Failure{serverError(), serverError(), serverError()},
		[]*vendors.Failure{serverError(), serverError(), serverError()})

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: "K1",
		Content:        "hello",
		RequestID:      "req-1",
	})

	var pf *ProvidersFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "vendorA", pf.PrimaryVendor)
	assert.Equal(t, "vendorB", pf.FallbackVendor)
	assert.Len(t, pf.Attempts, 6)

	// The user turn is kept, no assistant message, no usage event.
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, int64(0), f.usageCount(t))

	// The key was released, not completed: no stale placeholder blocks the
	// retry.
	_, lookupErr := f.store.IdempotencyLookup(context.Background(), f.tenantID, idempotency.ScopeSendMessage, "K1")
	assert.ErrorIs(t, lookupErr, store.ErrNotFound)

	// A retry with the same key succeeds once the vendors recover.
	f.primary.mu.Lock()
	f.primary.script = nil
	f.primary.calls = 0
	f.primary.mu.Unlock()

	env := f.send(t, "K1", "hello", "req-2")
	assert.False(t, gjson.GetBytes(env, "metadata.idempotency.replayed").Bool())
	assert.Equal(t, int64(1), f.usageCount(t))
}

func TestSend_FailureWithNoFallbackReportsNone(t *testing.T) {
	f := newFixture(t, "",
		[]*vendors.Failure{serverError(), serverError(), serverError()}, nil)

	_, err := f.service.Send(context.Background(), SendInput{
		TenantID:       f.tenantID,
		SessionID:      f.session.ID,
		IdempotencyKey: "K1",
		Content:        "hello",
	})

	var pf *ProvidersFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "none", pf.FallbackVendor)
	assert.Len(t, pf.Attempts, 3)
	assert.Equal(t, 0, f.fallback.callCount())
}

func TestSend_ZeroTokenResponse(t *testing.T) {
	f := newFixture(t, "", nil, nil)
	f.primary.response = vendors.Response{Text: "ok", TokensIn: 0, TokensOut: 0}

	env := f.send(t, "K1", "hello", "req-1")

	assert.Equal(t, 0.0, gjson.GetBytes(env, "metadata.usage.costUsd").Float())
	assert.Equal(t, int64(1), f.usageCount(t))
}
