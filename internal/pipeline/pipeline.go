// Package pipeline orchestrates a send: idempotency, validation, persistence
// of the user turn, the retry/fallback vendor call, persistence of the
// assistant turn, usage recording, and idempotency completion.
//
// DESIGN: Writes are audit-honest. The user message lands before the vendor
// is called, and attempts are persisted as they happen, so a crash or a total
// vendor failure leaves a truthful partial record. Only a fully successful
// send completes the idempotency record - that completion is the single
// visibility point for replays.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/idempotency"
	"github.com/design-smith/vocalbridge/internal/monitoring"
	"github.com/design-smith/vocalbridge/internal/retry"
	"github.com/design-smith/vocalbridge/internal/store"
	"github.com/design-smith/vocalbridge/internal/utils"
	"github.com/design-smith/vocalbridge/internal/vendors"
)

// MaxIdempotencyKeyLen bounds client-supplied keys.
const MaxIdempotencyKeyLen = 256

var (
	// ErrIdempotencyKeyRequired is returned when the key is absent or too
	// long. Sends are only replay-safe with a key, so this is a client bug.
	ErrIdempotencyKeyRequired = errors.New("pipeline: idempotency key required")

	// ErrContentRequired is returned for an empty message body.
	ErrContentRequired = errors.New("pipeline: content required")

	// ErrSessionNotFound is returned when the session does not exist within
	// the caller's tenant.
	ErrSessionNotFound = errors.New("pipeline: session not found")

	// ErrAgentNotFound is returned when the session's agent is gone.
	ErrAgentNotFound = errors.New("pipeline: agent not found")
)

// ProvidersFailedError reports that retries and fallback were exhausted.
// The attempt audit is included so the client sees exactly what was tried;
// the idempotency key is released so a retry with the same key can still
// succeed.
type ProvidersFailedError struct {
	PrimaryVendor  string
	FallbackVendor string // "none" when no fallback was configured
	Attempts       []retry.Attempt
	Last           *vendors.Failure
}

// Error implements the error interface.
func (e *ProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempts (primary %s, fallback %s): %v",
		len(e.Attempts), e.PrimaryVendor, e.FallbackVendor, e.Last)
}

// SendInput is the public operation's input. RequestID is server-generated
// when empty. Fingerprint overrides the default content fingerprint; the
// voice channel uses it to fingerprint audio bytes instead of the transcript.
type SendInput struct {
	TenantID       string
	SessionID      string
	IdempotencyKey string
	Content        string
	RequestID      string
	Fingerprint    string
}

// Service is the conversation pipeline.
type Service struct {
	store    store.Store
	registry *vendors.Registry
	engine   *retry.Engine
	policy   retry.Policy
	idem     *idempotency.Protocol
	tracker  *monitoring.Tracker
}

// NewService wires the pipeline. tracker may be nil.
func NewService(st store.Store, registry *vendors.Registry, engine *retry.Engine, policy retry.Policy, idem *idempotency.Protocol, tracker *monitoring.Tracker) *Service {
	return &Service{
		store:    st,
		registry: registry,
		engine:   engine,
		policy:   policy,
		idem:     idem,
		tracker:  tracker,
	}
}

// Send runs the full pipeline and returns the serialized response envelope.
// On a replay the stored bytes come back with only the replayed flag flipped.
func (s *Service) Send(ctx context.Context, in SendInput) ([]byte, error) {
	start := time.Now()

	if in.IdempotencyKey == "" || len(in.IdempotencyKey) > MaxIdempotencyKeyLen {
		return nil, ErrIdempotencyKeyRequired
	}
	if in.Content == "" {
		return nil, ErrContentRequired
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	fingerprint := in.Fingerprint
	if fingerprint == "" {
		fingerprint = idempotency.Fingerprint(in.TenantID, in.SessionID, in.Content)
	}

	begun, err := s.idem.Begin(ctx, in.TenantID, in.SessionID, in.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, err
	}
	if begun.Replay != nil {
		env, err := markReplayed(begun.Replay)
		if err != nil {
			return nil, err
		}
		s.record(&monitoring.SendEvent{
			Timestamp: start, RequestID: in.RequestID, TenantID: in.TenantID,
			SessionID: in.SessionID, Replayed: true, Success: true,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return env, nil
	}

	// This request owns the placeholder from here on. If the send does not
	// reach completion the key is released, so a client retry with the same
	// key can claim it instead of conflicting forever.
	completed := false
	defer func() {
		if completed {
			return
		}
		// The send's context may already be cancelled; release on its own.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.idem.Release(releaseCtx, in.TenantID, in.IdempotencyKey)
	}()

	sess, err := s.store.FindSession(ctx, in.TenantID, in.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	agent, err := s.store.FindAgent(ctx, in.TenantID, sess.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}

	// The user turn is persisted before the vendor call: a total vendor
	// failure still leaves what the user said in the audit trail.
	if _, err := s.store.AppendMessage(ctx, in.TenantID, in.SessionID, store.RoleUser, in.Content); err != nil {
		return nil, err
	}
	if err := s.store.TouchSessionActivity(ctx, in.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", in.SessionID).Msg("failed to touch session activity")
	}

	history, err := s.store.ListSessionMessages(ctx, in.TenantID, in.SessionID)
	if err != nil {
		return nil, err
	}

	req := &vendors.Request{
		SystemPrompt: agent.SystemPrompt,
		Messages:     toVendorMessages(history),
		EnabledTools: agent.EnabledTools,
	}

	primary := s.registry.MustGet(vendors.VendorFromString(agent.PrimaryVendor))
	var fallback vendors.Adapter
	if v := vendors.VendorFromString(agent.FallbackVendor); v != vendors.VendorNone {
		fallback = s.registry.MustGet(v)
	}

	observer := func(a retry.Attempt) {
		entry := store.AttemptLog{
			SessionID:    in.SessionID,
			AgentID:      agent.ID,
			Vendor:       a.Vendor.String(),
			Outcome:      a.Outcome,
			HTTPStatus:   a.HTTPStatus,
			LatencyMs:    a.LatencyMs,
			RetryIndex:   a.RetryIndex,
			ErrorCode:    a.ErrorCode,
			ErrorMessage: a.ErrorMessage,
			RequestID:    in.RequestID,
		}
		if err := s.store.RecordAttempts(ctx, in.TenantID, []store.AttemptLog{entry}); err != nil {
			log.Error().Err(err).Str("request_id", in.RequestID).Msg("failed to record attempt")
		}
	}

	result, failure := s.engine.DoWithFallback(ctx, primary, fallback, req, s.policy, observer)
	if failure != nil {
		// Cancellation is not an error class; the send just ends without
		// completing the idempotency record.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fallbackName := "none"
		if fallback != nil {
			fallbackName = fallback.Name().String()
		}
		s.record(&monitoring.SendEvent{
			Timestamp: start, RequestID: in.RequestID, TenantID: in.TenantID,
			SessionID: in.SessionID, AgentID: agent.ID,
			Attempts: len(result.Attempts), Success: false, ErrorCode: failure.ErrorCode,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return nil, &ProvidersFailedError{
			PrimaryVendor:  agent.PrimaryVendor,
			FallbackVendor: fallbackName,
			Attempts:       result.Attempts,
			Last:           failure,
		}
	}

	assistant, err := s.store.AppendMessage(ctx, in.TenantID, in.SessionID, store.RoleAssistant, result.Response.Text)
	if err != nil {
		return nil, err
	}

	usage := &store.UsageEvent{
		SessionID: in.SessionID,
		AgentID:   agent.ID,
		Vendor:    result.WinningVendor.String(),
		TokensIn:  result.Response.TokensIn,
		TokensOut: result.Response.TokensOut,
		RequestID: in.RequestID,
	}
	env := buildEnvelope(assistant, agent, result, in.IdempotencyKey, in.RequestID)
	usage.CostUsd = env.Metadata.Usage.CostUsd

	if err := s.store.RecordUsage(ctx, in.TenantID, usage); err != nil {
		return nil, err
	}

	envBytes, err := utils.MarshalNoEscape(env)
	if err != nil {
		return nil, err
	}
	if err := s.idem.Complete(ctx, in.TenantID, in.IdempotencyKey, envBytes); err != nil {
		return nil, err
	}
	completed = true

	s.record(&monitoring.SendEvent{
		Timestamp: start, RequestID: in.RequestID, TenantID: in.TenantID,
		SessionID: in.SessionID, AgentID: agent.ID,
		VendorUsed: result.WinningVendor.String(), FallbackUsed: result.FallbackUsed,
		Attempts: len(result.Attempts), TokensIn: result.Response.TokensIn,
		TokensOut: result.Response.TokensOut, CostUsd: usage.CostUsd,
		LatencyMs: time.Since(start).Milliseconds(), Success: true,
	})

	return envBytes, nil
}

func (s *Service) record(ev *monitoring.SendEvent) {
	if s.tracker != nil {
		s.tracker.RecordSend(ev)
	}
}
