package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteOut_Basic(t *testing.T) {
	// eff = 997, out = 997·1e6 / (1e6 + 997)
	assert.Equal(t, uint64(996), QuoteOut(1_000, 1_000_000, 1_000_000, 30))
}

func TestQuoteOut_ZeroFee(t *testing.T) {
	assert.Equal(t, uint64(500_000), QuoteOut(1_000_000, 1_000_000, 1_000_000, 0))
}

func TestQuoteOut_Degenerate(t *testing.T) {
	assert.Zero(t, QuoteOut(0, 1_000, 1_000, 30))
	assert.Zero(t, QuoteOut(1_000, 1_000, 0, 30))
	assert.Zero(t, QuoteOut(1_000, 1_000, 1_000, FeeDenominator))
	assert.Zero(t, QuoteOut(1, 1_000, 1_000, 30), "fee rounds a 1 unit input to nothing")
}

func TestQuoteIn_IsSmallestInput(t *testing.T) {
	cases := []struct {
		out, rin, rout uint64
		fee            uint16
	}{
		{996, 1_000_000, 1_000_000, 30},
		{12_345, 3_000_000, 700_000, 30},
		{1, 1_000_000, 1_000_000, 100},
		{499_999, 1_000_000, 1_000_000, 0},
		{250_000, 500_000, 1_500_000, 9_000},
	}
	for _, tc := range cases {
		in, ok := QuoteIn(tc.out, tc.rin, tc.rout, tc.fee)
		require.True(t, ok)
		assert.GreaterOrEqual(t, QuoteOut(in, tc.rin, tc.rout, tc.fee), tc.out, "in=%d", in)
		assert.Less(t, QuoteOut(in-1, tc.rin, tc.rout, tc.fee), tc.out, "in-1=%d", in-1)
	}
}

func TestQuoteIn_Unreachable(t *testing.T) {
	_, ok := QuoteIn(1_000, 1_000, 1_000, 30)
	assert.False(t, ok, "cannot drain the whole reserve")
	_, ok = QuoteIn(10, 1_000, 1_000, FeeDenominator)
	assert.False(t, ok)
	_, ok = QuoteIn(math.MaxUint64-1, math.MaxUint64, math.MaxUint64, 30)
	assert.False(t, ok, "input would overflow uint64")

	in, ok := QuoteIn(0, 1_000, 1_000, 30)
	assert.True(t, ok)
	assert.Zero(t, in)
}

func TestSpotPrice(t *testing.T) {
	assert.Equal(t, uint64(PriceScale), SpotPrice(1_000_000, 1_000_000))
	assert.Equal(t, uint64(3*PriceScale), SpotPrice(500_000, 1_500_000))
	assert.Zero(t, SpotPrice(0, 1_000))
	assert.Equal(t, uint64(math.MaxUint64), SpotPrice(1, math.MaxUint64))
}

func TestMulDiv(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64/2), MulDiv(math.MaxUint64, 1, 2))
	assert.Equal(t, uint64(math.MaxUint64), MulDiv(math.MaxUint64, 3, 2), "saturates")
	assert.Zero(t, MulDiv(5, 5, 0))
}

func TestValidateFee(t *testing.T) {
	assert.NoError(t, ValidateFee(0))
	assert.NoError(t, ValidateFee(FeeDenominator))
	assert.ErrorIs(t, ValidateFee(FeeDenominator+1), ErrInvalidFee)
}

func TestSide(t *testing.T) {
	assert.Equal(t, SideStable, SideAsset.Other())
	assert.Equal(t, SideAsset, SideStable.Other())
	assert.Equal(t, "asset", SideAsset.String())
	assert.Equal(t, "unknown", Side(7).String())
}
