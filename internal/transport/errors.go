package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/idempotency"
	"github.com/design-smith/vocalbridge/internal/pipeline"
)

// Wire error codes.
const (
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeValidationError        = "VALIDATION_ERROR"
	CodeSessionNotFound        = "SESSION_NOT_FOUND"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeAllProvidersFailed     = "ALL_PROVIDERS_FAILED"
	CodeInvalidAPIKey          = "INVALID_API_KEY"
	CodeIdempotencyInFlight    = "IDEMPOTENCY_IN_FLIGHT"
	CodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId"`
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, details any, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}

// writeCoreError maps core errors onto wire codes and HTTP statuses.
func writeCoreError(w http.ResponseWriter, err error, requestID string) {
	var pf *pipeline.ProvidersFailedError

	switch {
	case errors.Is(err, pipeline.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, CodeIdempotencyKeyRequired,
			"an Idempotency-Key header of at most 256 characters is required", nil, requestID)

	case errors.Is(err, pipeline.ErrContentRequired):
		writeError(w, http.StatusBadRequest, CodeValidationError,
			"content must be a non-empty string", nil, requestID)

	case errors.Is(err, pipeline.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found", nil, requestID)

	case errors.Is(err, pipeline.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, CodeAgentNotFound, "agent not found", nil, requestID)

	case errors.Is(err, idempotency.ErrInFlight):
		// Retryable by the client: the competing request either completes
		// (future sends replay) or abandons the key.
		writeError(w, http.StatusConflict, CodeIdempotencyInFlight,
			"a request with this idempotency key is currently in flight", nil, requestID)

	case errors.Is(err, idempotency.ErrKeyReused):
		writeError(w, http.StatusUnprocessableEntity, CodeIdempotencyKeyReused,
			"idempotency key reused with a different payload", nil, requestID)

	case errors.Is(err, auth.ErrInvalidAPIKey):
		writeError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid api key", nil, requestID)

	case errors.As(err, &pf):
		writeError(w, http.StatusBadGateway, CodeAllProvidersFailed,
			"all providers failed", providersFailedDetails(pf), requestID)

	default:
		log.Error().Err(err).Str("request_id", requestID).Msg("internal error")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error", nil, requestID)
	}
}

func providersFailedDetails(pf *pipeline.ProvidersFailedError) map[string]any {
	attempts := make([]map[string]any, 0, len(pf.Attempts))
	for _, a := range pf.Attempts {
		attempts = append(attempts, map[string]any{
			"provider":   a.Vendor.String(),
			"status":     a.Outcome,
			"httpStatus": a.HTTPStatus,
			"latencyMs":  a.LatencyMs,
			"retries":    a.RetryIndex,
			"errorCode":  a.ErrorCode,
		})
	}
	return map[string]any{
		"primaryVendor":  pf.PrimaryVendor,
		"fallbackVendor": pf.FallbackVendor,
		"attempts":       attempts,
	}
}
