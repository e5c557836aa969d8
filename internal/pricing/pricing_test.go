package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/design-smith/vocalbridge/internal/vendors"
)

func TestCost_KnownVendors(t *testing.T) {
	tests := []struct {
		name      string
		vendor    vendors.Vendor
		tokensIn  int
		tokensOut int
		want      float64
	}{
		{"vendorA 100+200", vendors.VendorA, 100, 200, 0.000600},
		{"vendorB 100+200", vendors.VendorB, 100, 200, 0.000900},
		{"vendorA large", vendors.VendorA, 500000, 500000, 2.0},
		{"vendorB single token", vendors.VendorB, 1, 0, 0.000003},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cost(tt.vendor, tt.tokensIn, tt.tokensOut))
		})
	}
}

func TestCost_ZeroTokens(t *testing.T) {
	assert.Equal(t, 0.0, Cost(vendors.VendorA, 0, 0))
}

func TestCost_UnknownVendorPanics(t *testing.T) {
	assert.Panics(t, func() {
		Cost(vendors.Vendor("vendorC"), 10, 10)
	})
}

func TestRound6(t *testing.T) {
	assert.Equal(t, 0.000001, round6(0.0000014))
	assert.Equal(t, 0.000002, round6(0.0000016))
	assert.Equal(t, 0.000123, round6(0.000123449))
	assert.Equal(t, 0.000600, round6(0.0006))
}

func TestTable_Verbatim(t *testing.T) {
	table := Table()
	assert.Equal(t, map[string]float64{
		"vendorA": 0.002,
		"vendorB": 0.003,
	}, table)

	// Mutating the copy must not touch the real table.
	table["vendorA"] = 99
	assert.Equal(t, 0.002, RatePer1K(vendors.VendorA))
}
