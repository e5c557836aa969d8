// Package auth resolves opaque API credentials to tenants.
//
// Credentials are never compared or stored in plaintext; only the SHA-256
// hash is looked up. The gate runs before the core, which therefore never
// sees an unauthenticated request.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/store"
)

// ErrInvalidAPIKey is returned for unknown or missing credentials.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// HashCredential returns the hex SHA-256 of a credential secret.
// Deterministic so the store can look credentials up by hash.
func HashCredential(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Gate authenticates requests against stored credential hashes.
type Gate struct {
	store store.Store
}

// NewGate creates the gate.
func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// Resolve maps an opaque credential to its tenant, or fails with
// ErrInvalidAPIKey. The credential's last-used time is updated best-effort
// in the background; that bookkeeping never blocks or fails the request.
func (g *Gate) Resolve(ctx context.Context, apiKey string) (*store.Tenant, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	cred, err := g.store.FindCredentialByHash(ctx, HashCredential(apiKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	tenant, err := g.store.FindTenant(ctx, cred.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	go func(credID string) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.TouchCredentialUsed(touchCtx, credID); err != nil {
			log.Debug().Err(err).Msg("failed to touch credential last-used")
		}
	}(cred.ID)

	return tenant, nil
}
