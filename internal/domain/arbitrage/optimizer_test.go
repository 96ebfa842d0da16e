package arbitrage

import (
	"math"
	"testing"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(asset, stable uint64) domain.PoolSnapshot {
	return domain.PoolSnapshot{AssetReserve: asset, StableReserve: stable, FeeBps: 30}
}

func assertConsistent(t *testing.T, r Result) {
	t.Helper()
	assert.Equal(t, r.Amount, r.Input+r.Profit)
}

// --- Optimize ---

func TestOptimize_SpotCheapScenario(t *testing.T) {
	spot := snap(1_500_000, 500_000)
	conds := []domain.PoolSnapshot{snap(500_000, 1_500_000), snap(500_000, 1_500_000)}

	r, err := Optimize(spot, conds, 0)
	require.NoError(t, err)
	assert.Equal(t, RouteSpotConditional, r.Route)
	assert.True(t, r.SpotToConditional)
	assert.Positive(t, r.Amount)
	assert.Positive(t, r.Profit)
	assertConsistent(t, r)
	// closed form optimum: b* = u(1−√r) ≈ 748k, profit = b*(1−√r) ≈ 498k
	assert.InEpsilon(t, 748_300, float64(r.Amount), 0.01)
	assert.InEpsilon(t, 498_100, float64(r.Profit), 0.01)
}

func TestOptimize_SpotExpensiveScenario(t *testing.T) {
	spot := snap(500_000, 1_500_000)
	conds := []domain.PoolSnapshot{snap(1_000_000, 1_000_000), snap(1_000_000, 1_000_000)}

	r, err := Optimize(spot, conds, 0)
	require.NoError(t, err)
	assert.Equal(t, RouteSpotConditional, r.Route)
	assert.False(t, r.SpotToConditional)
	assert.Positive(t, r.Profit)
	assertConsistent(t, r)
}

func TestOptimize_Equilibrium(t *testing.T) {
	pool := snap(1_000_000, 1_000_000)

	r, err := Optimize(pool, []domain.PoolSnapshot{pool, pool}, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{}, r)

	noFee := domain.PoolSnapshot{AssetReserve: 1_000_000, StableReserve: 1_000_000}
	r, err = Optimize(noFee, []domain.PoolSnapshot{noFee, noFee}, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{}, r, "equal prices without fees are still balanced")
}

func TestOptimize_InsideFeeBand(t *testing.T) {
	// 0.1% apart, well inside two 0.3% fees
	r, err := Optimize(snap(1_000_000, 1_000_000), []domain.PoolSnapshot{snap(1_000_000, 1_001_000)}, 0)
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestOptimize_MixedBandIsClosed(t *testing.T) {
	// one outcome above spot, one below: no single direction pays in every pool
	spot := snap(1_000_000, 1_000_000)
	conds := []domain.PoolSnapshot{snap(500_000, 1_500_000), snap(1_500_000, 500_000)}

	r, err := Optimize(spot, conds, 0)
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestOptimize_Degenerate(t *testing.T) {
	good := snap(500_000, 1_500_000)
	cases := []struct {
		name  string
		spot  domain.PoolSnapshot
		conds []domain.PoolSnapshot
	}{
		{"no pools", snap(1_500_000, 500_000), nil},
		{"empty spot", snap(0, 0), []domain.PoolSnapshot{good}},
		{"empty conditional", snap(1_500_000, 500_000), []domain.PoolSnapshot{good, snap(10, 0)}},
		{"full fee", domain.PoolSnapshot{AssetReserve: 1_500_000, StableReserve: 500_000, FeeBps: domain.FeeDenominator}, []domain.PoolSnapshot{good}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Optimize(tc.spot, tc.conds, 0)
			require.NoError(t, err)
			assert.Equal(t, Result{}, r)
		})
	}
}

func TestOptimize_TooManyPools(t *testing.T) {
	pool := snap(1_000_000, 1_000_000)
	conds := make([]domain.PoolSnapshot, MaxConditionalPools+1)
	for i := range conds {
		conds[i] = pool
	}

	_, err := Optimize(pool, conds, 0)
	assert.ErrorIs(t, err, domain.ErrTooManyOutcomes)

	_, err = Optimize(pool, conds[:MaxConditionalPools], 0)
	assert.NoError(t, err)
}

func TestOptimize_MinProfitFilter(t *testing.T) {
	spot := snap(1_500_000, 500_000)
	conds := []domain.PoolSnapshot{snap(500_000, 1_500_000)}

	full, err := Optimize(spot, conds, 0)
	require.NoError(t, err)
	require.Positive(t, full.Profit)

	same, err := Optimize(spot, conds, full.Profit)
	require.NoError(t, err)
	assert.Equal(t, full, same)

	none, err := Optimize(spot, conds, full.Profit+1)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestOptimize_DominatedPoolChangesNothing(t *testing.T) {
	spot := snap(1_500_000, 500_000)
	a := snap(500_000, 1_500_000)
	b := snap(600_000, 1_500_000) // binding: lowest price
	c := snap(400_000, 4_000_000) // cheaper to sell into than b at every size

	base, err := Optimize(spot, []domain.PoolSnapshot{a, b}, 0)
	require.NoError(t, err)
	require.Positive(t, base.Profit)

	with, err := Optimize(spot, []domain.PoolSnapshot{a, b, c}, 0)
	require.NoError(t, err)
	assert.Equal(t, base, with)

	reordered, err := Optimize(spot, []domain.PoolSnapshot{c, b, a}, 0)
	require.NoError(t, err)
	assert.Equal(t, base, reordered)
}

func TestOptimize_LargerSpreadMoreProfit(t *testing.T) {
	conds := []domain.PoolSnapshot{snap(1_000_000, 1_000_000), snap(1_000_000, 1_000_000)}

	narrow, err := Optimize(snap(1_100_000, 900_000), conds, 0)
	require.NoError(t, err)
	wide, err := Optimize(snap(1_300_000, 700_000), conds, 0)
	require.NoError(t, err)

	require.Positive(t, narrow.Profit)
	assert.Greater(t, wide.Profit, narrow.Profit)
}

func TestOptimize_SaturatesOnHugeReserves(t *testing.T) {
	spot := snap(math.MaxUint64, math.MaxUint64/4)
	conds := []domain.PoolSnapshot{snap(math.MaxUint64/4, math.MaxUint64), snap(1_000_000, math.MaxUint64)}

	var (
		r   Result
		err error
	)
	require.NotPanics(t, func() { r, err = Optimize(spot, conds, 0) })
	require.NoError(t, err)
	if !r.IsZero() {
		assertConsistent(t, r)
	}
}

// --- curve vs pool math ---

func TestCurve_MatchesChainedQuotes(t *testing.T) {
	spot := snap(1_300_000, 770_000)
	cond := snap(501_000, 501_000)
	c := poolCurve(spot, cond)

	for _, b := range []uint64{1_000, 50_000, 82_000, 200_000} {
		x, ok := cond.QuoteIn(b, domain.SideAsset)
		require.True(t, ok)
		y, ok := spot.QuoteIn(x, domain.SideStable)
		require.True(t, ok)

		cost := c.cost(b)
		require.NotNil(t, cost)
		// the closed form is exact up to one ceil; chained quotes round twice per leg
		assert.GreaterOrEqual(t, y, cost.Uint64(), "b=%d", b)
		assert.LessOrEqual(t, y-cost.Uint64(), uint64(6), "b=%d", b)
	}
}

func TestCurve_UpperBound(t *testing.T) {
	c := poolCurve(snap(1_000_000, 1_000_000), snap(1_000_000, 1_000_000))
	u := c.upper()
	assert.NotNil(t, c.cost(u))
	assert.Nil(t, c.cost(u+1))

	assert.Zero(t, curve{a: word(1), t: word(1), b: word(1)}.upper())
	assert.Zero(t, curve{a: word(1), t: word(100), b: word(0)}.upper())
}

func TestBetter_NoNegatives(t *testing.T) {
	loss := point{b: 10, cost: word(50)}
	smallLoss := point{b: 10, cost: word(20)}
	gain := point{b: 10, cost: word(5)}
	infeasible := point{b: 10}

	assert.True(t, better(smallLoss, loss))
	assert.True(t, better(gain, smallLoss))
	assert.False(t, better(loss, gain))
	assert.True(t, better(loss, infeasible))
	assert.False(t, better(infeasible, loss))
	assert.Zero(t, loss.profit())
	assert.Equal(t, uint64(5), gain.profit())
}
