package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// VendorBAdapter speaks vendorB's messages wire shape:
// {system, messages[{role,content}], tools} in,
// {content[0].text, usage{input_tokens, output_tokens}} out.
// vendorB rate-limits with 429 and a Retry-After header, which is surfaced
// as RetryAfterMs so the retry engine can honor the hold time.
type VendorBAdapter struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewVendorBAdapter creates the vendorB adapter.
func NewVendorBAdapter(endpoint, apiKey, model string, client *http.Client) *VendorBAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &VendorBAdapter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: client,
	}
}

// Name returns the vendor label.
func (b *VendorBAdapter) Name() Vendor {
	return VendorB
}

type vendorBMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vendorBRequest struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []vendorBMessage `json:"messages"`
	Tools    []string         `json:"tools,omitempty"`
}

type vendorBResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one completion call against vendorB.
func (b *VendorBAdapter) Complete(ctx context.Context, req *Request) (*Response, *Failure) {
	wire := vendorBRequest{
		Model:  b.model,
		System: req.SystemPrompt,
		Tools:  req.EnabledTools,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, vendorBMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("x-api-key", b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, FailureFromTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FailureFromTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPFailure(resp, respBody)
	}

	var parsed vendorBResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: "malformed vendorB response: " + err.Error()}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "" || block.Type == "text" {
			text = block.Text
			break
		}
	}

	tokensIn := parsed.Usage.InputTokens
	tokensOut := parsed.Usage.OutputTokens
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = estimateRequestTokens(req)
		tokensOut = estimateTokens(text)
		log.Debug().Str("vendor", VendorB.String()).Msg("usage missing from response, estimated")
	}

	return &Response{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// classifyHTTPFailure maps an upstream error response into the failure
// taxonomy: >=500 server error, 429 rate limit (Retry-After honored),
// other 4xx non-retryable client error.
func classifyHTTPFailure(resp *http.Response, body []byte) *Failure {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}

	f := &Failure{
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f.ErrorCode = CodeRateLimited
		f.RetryAfterMs = parseRetryAfterMs(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		f.ErrorCode = CodeServerError
	default:
		f.ErrorCode = "CLIENT_ERROR"
	}
	return f
}

// parseRetryAfterMs parses a Retry-After header value in seconds.
// Returns 0 when absent or unparseable, which means "use normal backoff".
func parseRetryAfterMs(v string) int64 {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second)).Milliseconds()
}

var _ Adapter = (*VendorBAdapter)(nil)
