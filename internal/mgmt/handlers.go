// Package mgmt is the management plane: agent CRUD, session lifecycle,
// usage reporting and the wire-visible pricing table. It shares the auth
// gate and store with the core but contains no send logic.
package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/auth"
	"github.com/design-smith/vocalbridge/internal/pricing"
	"github.com/design-smith/vocalbridge/internal/store"
	"github.com/design-smith/vocalbridge/internal/vendors"
)

// Handlers serves the management endpoints.
type Handlers struct {
	store store.Store
}

// New creates the management handlers.
func New(st store.Store) *Handlers {
	return &Handlers{store: st}
}

// Mount registers routes on an authenticated subrouter.
func (h *Handlers) Mount(r *mux.Router) {
	r.HandleFunc("/agents", h.handleCreateAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents", h.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{agentId}", h.handleUpdateAgent).Methods(http.MethodPut)
	r.HandleFunc("/agents/{agentId}", h.handleDeleteAgent).Methods(http.MethodDelete)

	r.HandleFunc("/sessions", h.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{sessionId}/close", h.handleCloseSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/messages", h.handleListMessages).Methods(http.MethodGet)

	r.HandleFunc("/usage", h.handleUsage).Methods(http.MethodGet)
	r.HandleFunc("/pricing", h.handlePricing).Methods(http.MethodGet)
}

func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (*store.Tenant, bool) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		h.writeError(w, r, http.StatusUnauthorized, "INVALID_API_KEY", "invalid api key")
		return nil, false
	}
	return tenant, true
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":      code,
		"message":   message,
		"requestId": auth.RequestIDFromContext(r.Context()),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	log.Error().Err(err).Msg("management plane store error")
	h.writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

type agentRequest struct {
	Name           string   `json:"name"`
	PrimaryVendor  string   `json:"primaryVendor"`
	FallbackVendor string   `json:"fallbackVendor"`
	SystemPrompt   string   `json:"systemPrompt"`
	EnabledTools   []string `json:"enabledTools"`
}

// validate enforces the agent invariants: a known primary vendor, and a
// fallback that is none or a different known vendor.
func (req *agentRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if vendors.VendorFromString(req.PrimaryVendor) == vendors.VendorNone {
		return "primaryVendor must be one of vendorA, vendorB"
	}
	switch req.FallbackVendor {
	case "", "none":
		return ""
	}
	if vendors.VendorFromString(req.FallbackVendor) == vendors.VendorNone {
		return "fallbackVendor must be vendorA, vendorB or none"
	}
	if req.FallbackVendor == req.PrimaryVendor {
		return "fallbackVendor must differ from primaryVendor"
	}
	return ""
}

func (req *agentRequest) fallback() string {
	if req.FallbackVendor == "none" {
		return ""
	}
	return req.FallbackVendor
}

func (h *Handlers) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}

	agent, err := h.store.CreateAgent(r.Context(), &store.Agent{
		TenantID:       tenant.ID,
		Name:           req.Name,
		PrimaryVendor:  req.PrimaryVendor,
		FallbackVendor: req.fallback(),
		SystemPrompt:   req.SystemPrompt,
		EnabledTools:   req.EnabledTools,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, agent)
}

func (h *Handlers) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	agents, err := h.store.ListAgents(r.Context(), tenant.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	h.writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}

	agent := &store.Agent{
		ID:             mux.Vars(r)["agentId"],
		TenantID:       tenant.ID,
		Name:           req.Name,
		PrimaryVendor:  req.PrimaryVendor,
		FallbackVendor: req.fallback(),
		SystemPrompt:   req.SystemPrompt,
		EnabledTools:   req.EnabledTools,
	}
	if err := h.store.UpdateAgent(r.Context(), agent); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agent)
}

func (h *Handlers) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteAgent(r.Context(), tenant.ID, mux.Vars(r)["agentId"]); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	AgentID    string            `json:"agentId"`
	CustomerID string            `json:"customerId"`
	Metadata   map[string]string `json:"metadata"`
}

func (h *Handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "agentId is required")
		return
	}

	sess, err := h.store.CreateSession(r.Context(), tenant.ID, req.AgentID, req.CustomerID, req.Metadata)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), tenant.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	if err := h.store.CloseSession(r.Context(), tenant.ID, mux.Vars(r)["sessionId"]); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListSessionMessages(r.Context(), tenant.ID, mux.Vars(r)["sessionId"])
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	h.writeJSON(w, http.StatusOK, messages)
}

// handleUsage returns per-day, per-vendor rollups. Defaults to the last 30
// days when no range is given; from/to are RFC3339.
func (h *Handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "from must be RFC3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "to must be RFC3339")
			return
		}
		to = t
	}

	rollups, err := h.store.UsageSummary(r.Context(), tenant.ID, from, to)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if rollups == nil {
		rollups = []store.UsageRollup{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"from":    from.Format(time.RFC3339),
		"to":      to.Format(time.RFC3339),
		"rollups": rollups,
	})
}

// handlePricing surfaces the immutable rate table verbatim.
func (h *Handlers) handlePricing(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"usdPer1kTokens": pricing.Table(),
	})
}
