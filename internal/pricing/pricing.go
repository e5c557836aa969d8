// Package pricing computes the USD cost of a completed send.
//
// The rate table is part of the billing contract: it is immutable at runtime
// and surfaced to clients verbatim through the management plane. Unknown
// vendors are a programmer error, not something to price conservatively.
package pricing

import (
	"fmt"
	"math"

	"github.com/design-smith/vocalbridge/internal/vendors"
)

// ratePer1K holds USD per 1000 tokens (input and output priced equally).
var ratePer1K = map[vendors.Vendor]float64{
	vendors.VendorA: 0.002,
	vendors.VendorB: 0.003,
}

// RatePer1K returns the USD rate per 1000 tokens for a vendor.
// Panics on an unknown vendor.
func RatePer1K(v vendors.Vendor) float64 {
	rate, ok := ratePer1K[v]
	if !ok {
		panic(fmt.Sprintf("pricing: no rate for vendor %q", v))
	}
	return rate
}

// Cost computes round6((tokensIn + tokensOut) / 1000 * rate[vendor]).
func Cost(v vendors.Vendor, tokensIn, tokensOut int) float64 {
	rate := RatePer1K(v)
	return round6(float64(tokensIn+tokensOut) / 1000 * rate)
}

// Table returns a copy of the wire-visible rate table keyed by vendor name.
func Table() map[string]float64 {
	out := make(map[string]float64, len(ratePer1K))
	for v, rate := range ratePer1K {
		out[v.String()] = rate
	}
	return out
}

// round6 rounds half-to-even at 6 decimal places.
func round6(x float64) float64 {
	return math.RoundToEven(x*1e6) / 1e6
}
