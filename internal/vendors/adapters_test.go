package vendors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	return &Request{
		SystemPrompt: "be helpful",
		Messages: []Message{
			{Role: RoleUser, Content: "hello"},
		},
		EnabledTools: []string{"kb_search"},
	}
}

func TestVendorA_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "hi there"}},
			},
			"usage": map[string]int{"prompt_tokens": 42, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	adapter := NewVendorAAdapter(srv.URL, "secret", "model-a", srv.Client())
	resp, failure := adapter.Complete(context.Background(), testRequest())

	require.Nil(t, failure)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 42, resp.TokensIn)
	assert.Equal(t, 7, resp.TokensOut)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))

	// System prompt travels as the leading system message.
	msgs := gotBody["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be helpful", first["content"])
}

func TestVendorA_EstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "a reply with several words in it"}},
			},
		})
	}))
	defer srv.Close()

	adapter := NewVendorAAdapter(srv.URL, "", "model-a", srv.Client())
	resp, failure := adapter.Complete(context.Background(), testRequest())

	require.Nil(t, failure)
	assert.Greater(t, resp.TokensIn, 0)
	assert.Greater(t, resp.TokensOut, 0)
}

func TestVendorA_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewVendorAAdapter(srv.URL, "", "model-a", srv.Client())
	resp, failure := adapter.Complete(context.Background(), testRequest())

	assert.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, 500, failure.StatusCode)
	assert.Equal(t, CodeServerError, failure.ErrorCode)
	assert.True(t, failure.Retryable())
}

func TestVendorA_ClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	adapter := NewVendorAAdapter(srv.URL, "", "model-a", srv.Client())
	_, failure := adapter.Complete(context.Background(), testRequest())

	require.NotNil(t, failure)
	assert.Equal(t, 400, failure.StatusCode)
	assert.False(t, failure.Retryable())
}

func TestVendorA_TimeoutSynthesizes504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	adapter := NewVendorAAdapter(srv.URL, "", "model-a", srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, failure := adapter.Complete(ctx, testRequest())

	require.NotNil(t, failure)
	assert.Equal(t, 504, failure.StatusCode)
	assert.Equal(t, CodeTimeout, failure.ErrorCode)
	assert.True(t, failure.Retryable())
}

func TestVendorB_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "secret-b", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "reply"}},
			"usage":   map[string]int{"input_tokens": 11, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	adapter := NewVendorBAdapter(srv.URL, "secret-b", "model-b", srv.Client())
	resp, failure := adapter.Complete(context.Background(), testRequest())

	require.Nil(t, failure)
	assert.Equal(t, "reply", resp.Text)
	assert.Equal(t, 11, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)

	// System prompt travels as the top-level system field.
	assert.Equal(t, "be helpful", gotBody["system"])
}

func TestVendorB_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		http.Error(w, `{"error":{"type":"rate_limit_error"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter := NewVendorBAdapter(srv.URL, "", "model-b", srv.Client())
	_, failure := adapter.Complete(context.Background(), testRequest())

	require.NotNil(t, failure)
	assert.Equal(t, 429, failure.StatusCode)
	assert.Equal(t, CodeRateLimited, failure.ErrorCode)
	assert.Equal(t, int64(2000), failure.RetryAfterMs)
	assert.True(t, failure.Retryable())
}

func TestParseRetryAfterMs(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"2", 2000},
		{"0.75", 750},
		{"-1", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfterMs(tt.in), "input %q", tt.in)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewVendorAAdapter("http://localhost", "", "m", nil)
	r.Register(a)

	assert.Equal(t, a, r.Get(VendorA))
	assert.Nil(t, r.Get(VendorB))
	assert.Panics(t, func() { r.MustGet(VendorB) })
	assert.Equal(t, []Vendor{VendorA}, r.Vendors())
}

func TestVendorFromString(t *testing.T) {
	assert.Equal(t, VendorA, VendorFromString("vendorA"))
	assert.Equal(t, VendorB, VendorFromString("vendorB"))
	assert.Equal(t, VendorNone, VendorFromString("none"))
	assert.Equal(t, VendorNone, VendorFromString(""))
}

func TestFailure_Retryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{503, true},
		{504, true},
		{429, true},
		{400, false},
		{404, false},
		{422, false},
	}
	for _, tt := range tests {
		f := &Failure{StatusCode: tt.status}
		assert.Equal(t, tt.want, f.Retryable(), "status %d", tt.status)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Greater(t, estimateTokens("the quick brown fox jumps over the lazy dog"), 5)
}
