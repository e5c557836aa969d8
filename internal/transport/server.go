// Package transport is the HTTP surface in front of the core. It validates
// requests, runs the auth gate, and maps core error values onto wire codes;
// the core itself never sees HTTP.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/mgmt"
	"github.com/design-smith/vocalbridge/internal/pipeline"
	"github.com/design-smith/vocalbridge/internal/voice"
)

// Server hosts the gateway's HTTP endpoints.
type Server struct {
	pipeline *pipeline.Service
	voice    *voice.Service
	httpSrv  *http.Server
}

// NewServer builds the router and wires middleware.
func NewServer(addr string, gate *auth.Gate, p *pipeline.Service, v *voice.Service, m *mgmt.Handlers, readTimeout, writeTimeout time.Duration) *Server {
	s := &Server{pipeline: p, voice: v}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authMiddleware(gate))
	api.HandleFunc("/sessions/{sessionId}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/voice", s.handleSendVoice).Methods(http.MethodPost)
	if m != nil {
		m.Mount(api)
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("gateway listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
