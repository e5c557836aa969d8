package transport

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/utils"
)

// HeaderRequestID lets clients propagate their own correlation id.
const HeaderRequestID = "X-Request-ID"

// extractAPIKey reads the credential from X-API-Key or a bearer token.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requestIDMiddleware assigns the correlation id: the client's X-Request-ID
// when the header is present, otherwise a newly generated uuid. The id is
// echoed in the response header either way.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(auth.WithRequestID(r.Context(), requestID)))
	})
}

// authMiddleware resolves the credential to a tenant and injects it into the
// request context. Requests the gate rejects never reach the core.
func authMiddleware(gate *auth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := auth.RequestIDFromContext(r.Context())

			apiKey := extractAPIKey(r)
			tenant, err := gate.Resolve(r.Context(), apiKey)
			if err != nil {
				log.Debug().
					Str("request_id", requestID).
					Str("api_key", utils.MaskKey(apiKey)).
					Msg("auth rejected")
				writeCoreError(w, err, requestID)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithTenant(r.Context(), tenant)))
		})
	}
}
