// Package retry executes vendor calls under a timeout with bounded retries
// and exponential backoff, and runs the primary-then-fallback orchestration.
package retry

import "time"

// Policy controls how the engine retries one adapter.
type Policy struct {
	// MaxAttempts is the total number of tries against one adapter.
	MaxAttempts int

	// PerAttemptTimeout is the hard upper bound on a single vendor call.
	PerAttemptTimeout time.Duration

	// BaseBackoff is the starting wait between attempts.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// JitterFraction is the multiplicative jitter window around the backoff.
	JitterFraction float64
}

// Defaults: 1 initial try + 2 retries, 2s per call, 200ms base doubling to
// a 10s cap, +/-10% jitter.
const (
	DefaultMaxAttempts       = 3
	DefaultPerAttemptTimeout = 2 * time.Second
	DefaultBaseBackoff       = 200 * time.Millisecond
	DefaultMaxBackoff        = 10 * time.Second
	DefaultJitterFraction    = 0.10
)

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		PerAttemptTimeout: DefaultPerAttemptTimeout,
		BaseBackoff:       DefaultBaseBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		JitterFraction:    DefaultJitterFraction,
	}
}

// withDefaults fills zero-valued fields so a partially configured policy
// behaves like the default one.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = DefaultPerAttemptTimeout
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.JitterFraction <= 0 {
		p.JitterFraction = DefaultJitterFraction
	}
	return p
}

// backoffFor computes the wait before attempt i+1.
// A vendor-supplied retry-after wins and carries no jitter; otherwise the
// wait is min(MaxBackoff, BaseBackoff*2^i) widened by the jitter window.
func (p Policy) backoffFor(retryIndex int, retryAfterMs int64, jitterUnit float64) time.Duration {
	if retryAfterMs > 0 {
		return time.Duration(retryAfterMs) * time.Millisecond
	}

	backoff := p.BaseBackoff
	for i := 0; i < retryIndex; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}

	scale := 1 + p.JitterFraction*jitterUnit
	return time.Duration(float64(backoff) * scale)
}
