package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/pipeline"
)

// MaxRequestBodySize caps message and audio payloads (4MB).
const MaxRequestBodySize = 4 * 1024 * 1024

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage is POST /v1/sessions/{sessionId}/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	requestID := auth.RequestIDFromContext(r.Context())
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeCoreError(w, auth.ErrInvalidAPIKey, requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON body", nil, requestID)
		return
	}

	env, err := s.pipeline.Send(r.Context(), pipeline.SendInput{
		TenantID:       tenant.ID,
		SessionID:      mux.Vars(r)["sessionId"],
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Content:        req.Content,
		RequestID:      requestID,
	})
	if err != nil {
		writeCoreError(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(env)
}

// handleSendVoice is POST /v1/sessions/{sessionId}/voice. The body is raw
// audio; the reply carries the synthesized audio alongside the envelope.
func (s *Server) handleSendVoice(w http.ResponseWriter, r *http.Request) {
	requestID := auth.RequestIDFromContext(r.Context())
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeCoreError(w, auth.ErrInvalidAPIKey, requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	audio, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "failed to read audio body", nil, requestID)
		return
	}

	result, err := s.voice.Send(r.Context(), tenant.ID, mux.Vars(r)["sessionId"],
		r.Header.Get("Idempotency-Key"), requestID, audio)
	if err != nil {
		writeCoreError(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"transcript": result.Transcript,
		"audio":      result.Audio, // base64 on the wire
		"envelope":   json.RawMessage(result.Envelope),
	})
}

// handleHealth is GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
