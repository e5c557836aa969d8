// Package idempotency implements the unique-key guarded send protocol.
//
// DESIGN: The store's unique index on (tenant, scope, key) is the only
// synchronization primitive. A send first looks the key up, then races an
// insert; whoever inserts owns the work. Completion of the record is the
// single visibility point - until the response is set, replays of the key
// see an in-flight placeholder and surface a conflict, never a wait.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/store"
)

// ScopeSendMessage covers both text and voice sends; the fingerprint differs.
const ScopeSendMessage = "send_message"

var (
	// ErrInFlight means another request holds the key and has not completed.
	// The caller does not wait or retry; the transport maps this to a
	// retryable conflict for the client.
	ErrInFlight = errors.New("idempotency: request with this key is in flight")

	// ErrKeyReused means the key was reused with a different payload while
	// strict fingerprint checking is enabled.
	ErrKeyReused = errors.New("idempotency: key reused with different payload")
)

// Fingerprint hashes the normalized request payload. The NUL separators keep
// field boundaries unambiguous.
func Fingerprint(tenantID, sessionID, content string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintBytes hashes a raw payload (the voice channel fingerprints the
// audio bytes rather than the transcript).
func FingerprintBytes(tenantID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Protocol runs the idempotency steps of a send against the store.
type Protocol struct {
	store store.Store

	// strict makes key reuse with a different fingerprint fail instead of
	// replaying. Disabled by default; the stored fingerprint makes the
	// tightening possible without a schema change.
	strict bool
}

// New creates the protocol.
func New(st store.Store, strictFingerprint bool) *Protocol {
	return &Protocol{store: st, strict: strictFingerprint}
}

// Begun is the outcome of Begin.
type Begun struct {
	// Replay holds the previously completed response bytes; nil unless the
	// key already completed.
	Replay []byte

	// Ours is true when this request inserted the placeholder and owns
	// the send.
	Ours bool
}

// Begin performs steps 1-3 of the protocol: lookup, then guarded insert with
// exactly one re-lookup on a lost race. Returns a Begun with Replay set, a
// Begun with Ours set, or ErrInFlight / ErrKeyReused.
func (p *Protocol) Begin(ctx context.Context, tenantID, sessionID, key, fingerprint string) (*Begun, error) {
	existing, err := p.store.IdempotencyLookup(ctx, tenantID, ScopeSendMessage, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return p.resolveExisting(existing, fingerprint)
	}

	rec, inserted, err := p.store.IdempotencyInsert(ctx, tenantID, ScopeSendMessage, key, sessionID, fingerprint)
	if err != nil {
		return nil, err
	}
	if inserted {
		return &Begun{Ours: true}, nil
	}

	// Lost the insert race: exactly one re-resolution against the winner.
	log.Debug().Str("key", key).Msg("idempotency insert lost race, re-resolving")
	return p.resolveExisting(rec, fingerprint)
}

func (p *Protocol) resolveExisting(rec *store.IdempotencyRecord, fingerprint string) (*Begun, error) {
	if p.strict && rec.RequestFingerprint != "" && rec.RequestFingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	if rec.Completed() {
		return &Begun{Replay: rec.Response}, nil
	}
	return nil, ErrInFlight
}

// Complete materializes the response on the record. Called exactly once by
// the request that owns the send.
func (p *Protocol) Complete(ctx context.Context, tenantID, key string, response []byte) error {
	return p.store.IdempotencyComplete(ctx, tenantID, ScopeSendMessage, key, response)
}

// Release gives the key back when the owning send fails before completion,
// so a client retry with the same key can claim it instead of seeing an
// in-flight conflict forever. Completed records are untouched.
func (p *Protocol) Release(ctx context.Context, tenantID, key string) {
	if err := p.store.IdempotencyRelease(ctx, tenantID, ScopeSendMessage, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to release idempotency key")
	}
}
