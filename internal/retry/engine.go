package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/vendors"
)

// Outcome labels for attempt records.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Attempt is the audit record of one vendor invocation.
// Retry indices are dense and start at 0 within a vendor.
type Attempt struct {
	Vendor       vendors.Vendor
	Outcome      string
	HTTPStatus   int
	LatencyMs    int64
	RetryIndex   int
	ErrorCode    string
	ErrorMessage string
}

// Observer receives each attempt in invocation order, as it happens.
// The pipeline uses this to persist the audit trail so a crash mid-send
// still leaves a truthful partial record.
type Observer func(Attempt)

// Engine runs adapters under a retry policy. The sleeper and jitter source
// are injectable so tests control time and randomness.
type Engine struct {
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64 // uniform in [-1, 1]
}

// NewEngine creates an engine with a cancel-aware sleeper and random jitter.
func NewEngine() *Engine {
	return &Engine{
		sleep:  sleepContext,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// NewEngineWithClock creates an engine with injected sleep and jitter,
// for tests.
func NewEngineWithClock(sleep func(ctx context.Context, d time.Duration) error, jitter func() float64) *Engine {
	return &Engine{sleep: sleep, jitter: jitter}
}

// sleepContext waits for d or until the context is done, whichever is first.
// Client hang-ups must free the goroutine promptly, so a bare time.Sleep
// is not acceptable here.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs the adapter under the policy until success, a non-retryable
// failure, attempt exhaustion, or upstream cancellation. It returns the
// first success or the last failure, plus every attempt it generated.
//
// Cancellation aborts the in-flight call and any pending sleep. The
// in-flight attempt record (failed as a timeout) is kept; no synthetic
// record is added for the cancellation itself.
func (e *Engine) Do(ctx context.Context, adapter vendors.Adapter, req *vendors.Request, policy Policy, observe Observer) (*vendors.Response, []Attempt, *vendors.Failure) {
	policy = policy.withDefaults()
	vendor := adapter.Name()

	var attempts []Attempt
	var lastFailure *vendors.Failure

	for i := 0; i < policy.MaxAttempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, policy.PerAttemptTimeout)
		start := time.Now()
		resp, failure := adapter.Complete(callCtx, req)
		latency := time.Since(start)
		cancel()

		if failure == nil {
			attempt := Attempt{
				Vendor:     vendor,
				Outcome:    OutcomeSuccess,
				HTTPStatus: 200,
				LatencyMs:  latency.Milliseconds(),
				RetryIndex: i,
			}
			attempts = append(attempts, attempt)
			if observe != nil {
				observe(attempt)
			}
			resp.LatencyMs = latency.Milliseconds()
			return resp, attempts, nil
		}

		lastFailure = failure
		attempt := Attempt{
			Vendor:       vendor,
			Outcome:      OutcomeFailed,
			HTTPStatus:   failure.StatusCode,
			LatencyMs:    latency.Milliseconds(),
			RetryIndex:   i,
			ErrorCode:    failure.ErrorCode,
			ErrorMessage: failure.Message,
		}
		attempts = append(attempts, attempt)
		if observe != nil {
			observe(attempt)
		}

		if i == policy.MaxAttempts-1 || !failure.Retryable() {
			return nil, attempts, failure
		}

		wait := policy.backoffFor(i, failure.RetryAfterMs, e.jitter())
		log.Debug().
			Str("vendor", vendor.String()).
			Int("retry_index", i).
			Dur("wait", wait).
			Int("status", failure.StatusCode).
			Msg("retrying vendor call")

		if err := e.sleep(ctx, wait); err != nil {
			// Upstream cancellation: stop without a synthetic attempt.
			return nil, attempts, failure
		}
	}

	return nil, attempts, lastFailure
}
