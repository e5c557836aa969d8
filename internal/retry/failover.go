package retry

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/design-smith/vocalbridge/internal/vendors"
)

// FailoverResult is the outcome of running the retry engine against the
// primary vendor and, on total primary failure, the fallback.
type FailoverResult struct {
	WinningVendor vendors.Vendor
	Response      *vendors.Response
	FallbackUsed  bool

	// Attempts is the full audit in invocation order: primary attempts
	// followed by fallback attempts when the fallback ran.
	Attempts []Attempt
}

// DoWithFallback tries primary first; there is no tie to break. If the
// primary exhausts its attempts and a fallback adapter is configured, the
// fallback gets its own full retry budget. On total failure the returned
// result still carries every attempt collected, and the failure is the
// last one observed.
func (e *Engine) DoWithFallback(ctx context.Context, primary, fallback vendors.Adapter, req *vendors.Request, policy Policy, observe Observer) (*FailoverResult, *vendors.Failure) {
	resp, attempts, failure := e.Do(ctx, primary, req, policy, observe)
	if failure == nil {
		return &FailoverResult{
			WinningVendor: primary.Name(),
			Response:      resp,
			FallbackUsed:  false,
			Attempts:      attempts,
		}, nil
	}

	// A cancelled send must not burn the fallback's budget.
	if fallback == nil || ctx.Err() != nil {
		return &FailoverResult{Attempts: attempts}, failure
	}

	log.Info().
		Str("primary", primary.Name().String()).
		Str("fallback", fallback.Name().String()).
		Int("primary_attempts", len(attempts)).
		Msg("primary vendor exhausted, trying fallback")

	fbResp, fbAttempts, fbFailure := e.Do(ctx, fallback, req, policy, observe)
	attempts = append(attempts, fbAttempts...)
	if fbFailure != nil {
		return &FailoverResult{Attempts: attempts}, fbFailure
	}

	return &FailoverResult{
		WinningVendor: fallback.Name(),
		Response:      fbResp,
		FallbackUsed:  true,
		Attempts:      attempts,
	}, nil
}
