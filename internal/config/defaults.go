// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultListenAddr is the gateway's bind address.
const DefaultListenAddr = ":8080"

// DefaultServerReadTimeout bounds slow request bodies.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout must cover a full retry+fallback budget.
const DefaultServerWriteTimeout = 2 * time.Minute

// DefaultShutdownTimeout is the drain window on SIGTERM.
const DefaultShutdownTimeout = 15 * time.Second

// =============================================================================
// STORE
// =============================================================================

// DefaultStoreDSN is the sqlite database path used when none is configured.
const DefaultStoreDSN = "vocalbridge.db"

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// DefaultIdempotencyRetention is how long completed records are kept before
// the janitor sweeps them. Retention only; correctness never depends on it.
const DefaultIdempotencyRetention = 7 * 24 * time.Hour

// DefaultJanitorInterval is the sweep frequency.
const DefaultJanitorInterval = 1 * time.Hour

// =============================================================================
// VENDOR ENDPOINTS
// =============================================================================

// DefaultVendorAEndpoint and DefaultVendorBEndpoint point at the local mock
// vendors used in development.
const (
	DefaultVendorAEndpoint = "http://localhost:9001/v1/chat/completions"
	DefaultVendorBEndpoint = "http://localhost:9002/v1/messages"
)
