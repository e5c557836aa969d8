package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// VendorAAdapter speaks vendorA's chat-completions wire shape:
// {model, messages[{role,content}], tools} in,
// {choices[0].message.content, usage{prompt_tokens, completion_tokens}} out.
type VendorAAdapter struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewVendorAAdapter creates the vendorA adapter.
func NewVendorAAdapter(endpoint, apiKey, model string, client *http.Client) *VendorAAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &VendorAAdapter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: client,
	}
}

// Name returns the vendor label.
func (a *VendorAAdapter) Name() Vendor {
	return VendorA
}

type vendorAMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vendorARequest struct {
	Model    string           `json:"model"`
	Messages []vendorAMessage `json:"messages"`
	Tools    []string         `json:"tools,omitempty"`
}

type vendorAResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one completion call against vendorA.
func (a *VendorAAdapter) Complete(ctx context.Context, req *Request) (*Response, *Failure) {
	wire := vendorARequest{
		Model: a.model,
		Tools: req.EnabledTools,
	}
	if req.SystemPrompt != "" {
		wire.Messages = append(wire.Messages, vendorAMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, vendorAMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
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

	var parsed vendorAResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: "malformed vendorA response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Failure{StatusCode: 500, ErrorCode: CodeUnknownError, Message: "vendorA response has no choices"}
	}

	text := parsed.Choices[0].Message.Content
	tokensIn := parsed.Usage.PromptTokens
	tokensOut := parsed.Usage.CompletionTokens
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = estimateRequestTokens(req)
		tokensOut = estimateTokens(text)
		log.Debug().Str("vendor", VendorA.String()).Msg("usage missing from response, estimated")
	}

	return &Response{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMs: latency.Milliseconds(),
	}, nil
}

var _ Adapter = (*VendorAAdapter)(nil)
