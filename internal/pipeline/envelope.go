package pipeline

import (
	"time"

	"github.com/tidwall/sjson"

	"github.com/design-smith/vocalbridge/internal/pricing"
	"github.com/design-smith/vocalbridge/internal/retry"
	"github.com/design-smith/vocalbridge/internal/store"
	"github.com/design-smith/vocalbridge/internal/vendors"
)

// The envelope is serialized exactly once, at completion time, and those
// bytes are what the idempotency record stores. Replays return the stored
// bytes with only the replayed flag patched - the stored form is the source
// of truth, never re-marshaled.

// EnvelopeMessage is the assistant turn in the response envelope.
type EnvelopeMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnvelopeAttempt is one vendor invocation as surfaced to the client.
type EnvelopeAttempt struct {
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"httpStatus"`
	LatencyMs  int64  `json:"latencyMs"`
	Retries    int    `json:"retries"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// EnvelopePricing echoes the rate applied to this send.
type EnvelopePricing struct {
	UsdPer1kTokens float64 `json:"usdPer1kTokens"`
}

// EnvelopeUsage is the billing summary of the send.
type EnvelopeUsage struct {
	TokensIn  int             `json:"tokensIn"`
	TokensOut int             `json:"tokensOut"`
	CostUsd   float64         `json:"costUsd"`
	Pricing   EnvelopePricing `json:"pricing"`
}

// EnvelopeIdempotency reports the key and whether this response is a replay.
type EnvelopeIdempotency struct {
	Key      string `json:"key"`
	Replayed bool   `json:"replayed"`
}

// EnvelopeMetadata carries everything about how the send was served.
type EnvelopeMetadata struct {
	AgentID           string              `json:"agentId"`
	ProviderUsed      string              `json:"providerUsed"`
	PrimaryAttempted  string              `json:"primaryAttempted"`
	FallbackAttempted string              `json:"fallbackAttempted"`
	FallbackUsed      bool                `json:"fallbackUsed"`
	Attempts          []EnvelopeAttempt   `json:"attempts"`
	Usage             EnvelopeUsage       `json:"usage"`
	Idempotency       EnvelopeIdempotency `json:"idempotency"`
	RequestID         string              `json:"requestId"`
}

// Envelope is the send_message success response.
type Envelope struct {
	Message  EnvelopeMessage  `json:"message"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

// replayedPath is the single field patched when returning a cached response.
const replayedPath = "metadata.idempotency.replayed"

// markReplayed flips the replayed flag on stored envelope bytes.
func markReplayed(stored []byte) ([]byte, error) {
	return sjson.SetBytes(stored, replayedPath, true)
}

func buildEnvelope(assistant *store.Message, agent *store.Agent, result *retry.FailoverResult, key, requestID string) *Envelope {
	fallbackAttempted := "none"
	if result.FallbackUsed {
		fallbackAttempted = result.WinningVendor.String()
	}

	resp := result.Response
	return &Envelope{
		Message: EnvelopeMessage{
			ID:        assistant.ID,
			SessionID: assistant.SessionID,
			Role:      store.RoleAssistant,
			Content:   assistant.Content,
			CreatedAt: assistant.CreatedAt,
		},
		Metadata: EnvelopeMetadata{
			AgentID:           agent.ID,
			ProviderUsed:      result.WinningVendor.String(),
			PrimaryAttempted:  agent.PrimaryVendor,
			FallbackAttempted: fallbackAttempted,
			FallbackUsed:      result.FallbackUsed,
			Attempts:          toEnvelopeAttempts(result.Attempts),
			Usage: EnvelopeUsage{
				TokensIn:  resp.TokensIn,
				TokensOut: resp.TokensOut,
				CostUsd:   pricing.Cost(result.WinningVendor, resp.TokensIn, resp.TokensOut),
				Pricing:   EnvelopePricing{UsdPer1kTokens: pricing.RatePer1K(result.WinningVendor)},
			},
			Idempotency: EnvelopeIdempotency{Key: key, Replayed: false},
			RequestID:   requestID,
		},
	}
}

func toEnvelopeAttempts(attempts []retry.Attempt) []EnvelopeAttempt {
	out := make([]EnvelopeAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, EnvelopeAttempt{
			Provider:   a.Vendor.String(),
			Status:     a.Outcome,
			HTTPStatus: a.HTTPStatus,
			LatencyMs:  a.LatencyMs,
			Retries:    a.RetryIndex,
			ErrorCode:  a.ErrorCode,
		})
	}
	return out
}

// toVendorMessages converts stored history to the normalized request shape.
func toVendorMessages(history []store.Message) []vendors.Message {
	out := make([]vendors.Message, 0, len(history))
	for _, m := range history {
		out = append(out, vendors.Message{Role: vendors.Role(m.Role), Content: m.Content})
	}
	return out
}
