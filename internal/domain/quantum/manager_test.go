package quantum

import (
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMarket(t *testing.T, outcomes int, asset, stable uint64) (*domain.SpotPool, *domain.Escrow) {
	t.Helper()
	spot, err := domain.NewSpotPool(30)
	require.NoError(t, err)
	_, err = spot.AddLiquidity(asset, stable)
	require.NoError(t, err)
	escrow, err := domain.NewEscrow(uuid.New(), spot.ID(), outcomes, 30, 0)
	require.NoError(t, err)
	return spot, escrow
}

// --- Split ---

func TestSplit_MovesRatioAndConserves(t *testing.T) {
	spot, escrow := newMarket(t, 3, 1_000_000, 2_000_000)
	m := NewManager(0)

	res, err := m.Split(spot, escrow, 40, t0)
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), res.Asset)
	assert.Equal(t, uint64(800_000), res.Stable)
	assert.Equal(t, escrow.MarketID(), res.MarketID)

	a, s := spot.Reserves()
	backA, backS := escrow.Backing()
	assert.Equal(t, uint64(1_000_000), a+backA)
	assert.Equal(t, uint64(2_000_000), s+backS)

	// backing equals Σ(reserve − bootstrap)
	var sumA, sumS uint64
	for i := 0; i < 3; i++ {
		p, err := escrow.Pool(i)
		require.NoError(t, err)
		pa, ps := p.Reserves()
		sumA += pa - p.Bootstrap()
		sumS += ps - p.Bootstrap()
	}
	assert.Equal(t, backA, sumA)
	assert.Equal(t, backS, sumS)

	active, ok := spot.ActiveEscrow()
	assert.True(t, ok)
	assert.Equal(t, escrow.MarketID(), active)
	assert.Equal(t, t0, escrow.SplitAt())
}

func TestSplit_RemainderGoesToFirstPool(t *testing.T) {
	spot, escrow := newMarket(t, 3, 1_000_000, 1_000_000)
	_, err := NewManager(0).Split(spot, escrow, 10, t0) // 100_000 / 3
	require.NoError(t, err)

	p0, _ := escrow.Pool(0)
	p2, _ := escrow.Pool(2)
	a0, _ := p0.Reserves()
	a2, _ := p2.Reserves()
	assert.Equal(t, uint64(domain.DefaultBootstrap+33_334), a0)
	assert.Equal(t, uint64(domain.DefaultBootstrap+33_333), a2)
}

func TestSplit_Errors(t *testing.T) {
	m := NewManager(0)

	spot, escrow := newMarket(t, 2, 1_000_000, 1_000_000)
	_, err := m.Split(spot, escrow, 101, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidRatio)

	otherSpot, _ := newMarket(t, 2, 1_000_000, 1_000_000)
	_, err = m.Split(otherSpot, escrow, 50, t0)
	assert.ErrorIs(t, err, domain.ErrMarketMismatch)

	_, err = m.Split(spot, escrow, 50, t0)
	require.NoError(t, err)

	second, err := domain.NewEscrow(uuid.New(), spot.ID(), 2, 30, 0)
	require.NoError(t, err)
	a, s := spot.Reserves()
	_, err = m.Split(spot, second, 50, t0)
	assert.ErrorIs(t, err, domain.ErrEscrowActive)
	a2, s2 := spot.Reserves()
	assert.Equal(t, a, a2)
	assert.Equal(t, s, s2)
	assert.False(t, second.Funded())
}

func TestSplit_ZeroAndFullRatio(t *testing.T) {
	spot, escrow := newMarket(t, 2, 1_000_000, 1_000_000)
	res, err := NewManager(0).Split(spot, escrow, 0, t0)
	require.NoError(t, err)
	assert.Zero(t, res.Asset+res.Stable)

	spot, escrow = newMarket(t, 2, 1_000_000, 1_000_000)
	_, err = NewManager(0).Split(spot, escrow, 100, t0)
	require.NoError(t, err)
	a, s := spot.Reserves()
	assert.Zero(t, a+s)
}

// --- Recombine ---

func TestRecombine_Cooldown(t *testing.T) {
	spot, escrow := newMarket(t, 2, 1_000_000, 1_000_000)
	m := NewManager(0)
	_, err := m.Split(spot, escrow, 50, t0)
	require.NoError(t, err)

	_, err = m.Recombine(spot, escrow, 0, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, domain.ErrCooldownActive)
	var cd *domain.CooldownError
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, 4*time.Hour, cd.Remaining)
	assert.False(t, escrow.Finalized())

	assert.Equal(t, time.Duration(0), m.Remaining(escrow, t0.Add(DefaultCooldown)))
	_, err = m.Recombine(spot, escrow, 0, t0.Add(DefaultCooldown))
	assert.NoError(t, err)
}

func TestRecombine_ReturnsWinnerWithFees(t *testing.T) {
	spot, escrow := newMarket(t, 2, 2_000_000, 2_000_000)
	m := NewManager(time.Hour)
	_, err := m.Split(spot, escrow, 50, t0)
	require.NoError(t, err)

	// trading on the winner accrues protocol fees
	trader := escrow.NewBalance()
	require.NoError(t, escrow.MintCompleteSet(domain.SideStable, 20_000, trader))
	_, err = escrow.SwapConditional(1, domain.SideStable, 20_000, 0, trader)
	require.NoError(t, err)

	p1, _ := escrow.Pool(1)
	resA, resS := p1.Reserves()
	feeA, feeS := p1.ProtocolFees()
	require.Positive(t, feeS)
	spotA, spotS := spot.Reserves()

	res, err := m.Recombine(spot, escrow, 1, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Winner)
	assert.Equal(t, feeS, res.FeesStable)

	a, s := spot.Reserves()
	assert.Equal(t, spotA+resA-domain.DefaultBootstrap+feeA, a)
	assert.Equal(t, spotS+resS-domain.DefaultBootstrap+feeS, s)

	_, active := spot.ActiveEscrow()
	assert.False(t, active)
	assert.True(t, escrow.Finalized())
	require.NoError(t, escrow.CheckSolvency())

	// the trader's winning asset claims stay redeemable
	claim := trader.Get(1, domain.SideAsset)
	got, err := escrow.RedeemWinning(trader, domain.SideAsset, claim)
	require.NoError(t, err)
	assert.Equal(t, claim, got)

	// value: spot gained exactly the released backing, the rest is stranded or redeemed
	backA, backS := escrow.Backing()
	strA, strS := escrow.Stranded()
	assert.Equal(t, uint64(2_000_000), a+backA+strA+claim)
	assert.Equal(t, uint64(2_020_000), s+backS+strS)
}

func TestRecombine_Errors(t *testing.T) {
	m := NewManager(time.Minute)
	spot, escrow := newMarket(t, 2, 1_000_000, 1_000_000)

	_, err := m.Recombine(spot, escrow, 0, t0)
	assert.ErrorIs(t, err, domain.ErrNoActiveEscrow)

	_, err = m.Split(spot, escrow, 50, t0)
	require.NoError(t, err)

	_, err = m.Recombine(spot, escrow, 2, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)

	stranger, err := domain.NewEscrow(uuid.New(), spot.ID(), 2, 30, 0)
	require.NoError(t, err)
	_, err = m.Recombine(spot, stranger, 0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrMarketMismatch)

	_, err = m.Recombine(spot, escrow, 0, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = m.Recombine(spot, escrow, 0, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrNoActiveEscrow)
}

func TestRecombine_NewTradingPeriod(t *testing.T) {
	spot, first := newMarket(t, 2, 1_000_000, 1_000_000)
	m := NewManager(time.Minute)
	_, err := m.Split(spot, first, 50, t0)
	require.NoError(t, err)
	_, err = m.Recombine(spot, first, 0, t0.Add(time.Hour))
	require.NoError(t, err)

	next, err := domain.NewEscrow(uuid.New(), spot.ID(), 3, 30, 0)
	require.NoError(t, err)
	_, err = m.Split(spot, next, 50, t0.Add(2*time.Hour))
	assert.NoError(t, err, "a released spot pool can open the next period")
}
