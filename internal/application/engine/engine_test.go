package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alejandrodnm/quantamm/internal/application/crank"
	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStorage struct {
	events     []domain.LifecycleEvent
	views      []domain.MarketView
	rebalances []domain.RebalanceRecord
}

func (m *mockStorage) SaveRebalance(_ context.Context, rec domain.RebalanceRecord) error {
	m.rebalances = append(m.rebalances, rec)
	return nil
}

func (m *mockStorage) SaveLifecycleEvent(_ context.Context, ev domain.LifecycleEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStorage) SaveMarket(_ context.Context, v domain.MarketView) error {
	m.views = append(m.views, v)
	return nil
}

func (m *mockStorage) GetRebalances(context.Context, uuid.UUID, time.Time, time.Time) ([]domain.RebalanceRecord, error) {
	return m.rebalances, nil
}

func (m *mockStorage) GetLifecycleEvents(context.Context, uuid.UUID) ([]domain.LifecycleEvent, error) {
	return m.events, nil
}

func (m *mockStorage) GetMarkets(context.Context) ([]domain.MarketView, error) { return m.views, nil }

func (m *mockStorage) Close() error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// --- helpers ---

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, ccfg crank.Config, cfg Config) (*Engine, *mockStorage, *fakeClock) {
	t.Helper()
	store := &mockStorage{}
	clock := &fakeClock{t: t0}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 30
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}
	return New(cfg, crank.New(ccfg, store, clock), store, clock), store, clock
}

func openMarket(t *testing.T, e *Engine) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id, err := e.CreateMarket(ctx, "cup final", 2, 2_000_000, 2_000_000)
	require.NoError(t, err)
	_, err = e.OpenTrading(ctx, id, 50)
	require.NoError(t, err)
	return id
}

// --- lifecycle ---

func TestEngine_FullLifecycle(t *testing.T) {
	e, store, clock := newEngine(t, crank.Config{}, Config{})
	ctx := context.Background()

	id, err := e.CreateMarket(ctx, "cup final", 2, 2_000_000, 2_000_000)
	require.NoError(t, err)
	v, err := e.View(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketPending, v.Status)
	assert.Empty(t, v.Conditionals)

	split, err := e.OpenTrading(ctx, id, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), split.Asset)

	v, err = e.View(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketTrading, v.Status)
	require.Len(t, v.Conditionals, 2)
	assert.Equal(t, uint64(1_000_000), v.BackingAsset)
	assert.Equal(t, t0, v.SplitAt)

	// a trader dumps asset on spot; the crank brings it back towards the outcomes
	res, err := e.SwapSpot(ctx, id, 300_000, domain.SideAsset, 0)
	require.NoError(t, err)
	assert.Positive(t, res.Out)
	require.NoError(t, res.CrankErr)
	require.NotNil(t, res.Rebalance)
	assert.Equal(t, "spot-conditional", res.Rebalance.Route)
	require.NoError(t, e.Audit(id))

	_, err = e.CloseTrading(ctx, id, 0)
	var cd *domain.CooldownError
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, time.Hour, cd.Remaining)

	clock.advance(30 * time.Minute)
	left, err := e.CooldownRemaining(id)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, left)

	clock.advance(30 * time.Minute)
	before, err := e.View(id)
	require.NoError(t, err)
	closed, err := e.CloseTrading(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, closed.Winner)

	after, err := e.View(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketSettled, after.Status)
	assert.Equal(t, 0, after.Winner)
	assert.Empty(t, after.Conditionals)
	assert.Equal(t, before.Spot.AssetReserve+closed.Asset+closed.DustAsset, after.Spot.AssetReserve)
	assert.Equal(t, before.Spot.StableReserve+closed.Stable+closed.DustStable, after.Spot.StableReserve)
	require.NoError(t, e.Audit(id))

	require.Len(t, store.events, 3)
	assert.Equal(t, domain.LifecycleCreated, store.events[0].Kind)
	assert.Equal(t, domain.LifecycleSplit, store.events[1].Kind)
	assert.Equal(t, uint8(50), store.events[1].Ratio)
	assert.Equal(t, domain.LifecycleRecombine, store.events[2].Kind)
	assert.Equal(t, closed.StrandedAsset, store.events[2].StrandedAsset)
	for _, ev := range store.events {
		assert.Equal(t, id, ev.MarketID)
		assert.NotEqual(t, uuid.Nil, ev.ID)
	}
	require.Len(t, store.rebalances, 1)
	assert.Equal(t, domain.MarketSettled, store.views[len(store.views)-1].Status)
}

func TestEngine_NextTradingPeriod(t *testing.T) {
	e, _, clock := newEngine(t, crank.Config{}, Config{})
	ctx := context.Background()
	id := openMarket(t, e)

	old, err := e.NewTraderBalance(id)
	require.NoError(t, err)

	clock.advance(time.Hour)
	_, err = e.CloseTrading(ctx, id, 1)
	require.NoError(t, err)

	_, err = e.OpenTrading(ctx, id, 20)
	require.NoError(t, err)
	v, err := e.View(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketTrading, v.Status)
	assert.Equal(t, -1, v.Winner)

	// balances from the previous period belong to another escrow
	err = e.MintCompleteSet(ctx, id, domain.SideStable, 1_000, old)
	assert.ErrorIs(t, err, domain.ErrMarketMismatch)
}

// --- trader operations ---

func TestEngine_TraderConditionalFlow(t *testing.T) {
	e, _, _ := newEngine(t, crank.Config{}, Config{})
	ctx := context.Background()
	id := openMarket(t, e)

	bal, err := e.NewTraderBalance(id)
	require.NoError(t, err)
	require.NoError(t, e.MintCompleteSet(ctx, id, domain.SideStable, 20_000, bal))
	require.NoError(t, e.RedeemCompleteSet(ctx, id, domain.SideStable, 5_000, bal))
	assert.Equal(t, uint64(15_000), bal.CompleteSets(domain.SideStable))

	res, err := e.SwapConditional(ctx, id, 1, domain.SideStable, 10_000, 0, bal)
	require.NoError(t, err)
	assert.Positive(t, res.Out)
	assert.Equal(t, res.Out, bal.Get(1, domain.SideAsset))
	assert.Equal(t, uint64(5_000), bal.Get(1, domain.SideStable))
	require.NoError(t, e.Audit(id))

	err = e.RedeemCompleteSet(ctx, id, domain.SideStable, 10_000, bal)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestEngine_RedeemWinningAfterClose(t *testing.T) {
	e, _, clock := newEngine(t, crank.Config{MinProfit: 1_000_000_000}, Config{})
	ctx := context.Background()
	id := openMarket(t, e)

	bal, err := e.NewTraderBalance(id)
	require.NoError(t, err)
	require.NoError(t, e.MintCompleteSet(ctx, id, domain.SideStable, 10_000, bal))

	_, err = e.RedeemWinning(ctx, id, bal, domain.SideStable, 10_000)
	assert.ErrorIs(t, err, domain.ErrNotFinalized)

	clock.advance(time.Hour)
	_, err = e.CloseTrading(ctx, id, 1)
	require.NoError(t, err)

	out, err := e.RedeemWinning(ctx, id, bal, domain.SideStable, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), out)
	assert.Zero(t, bal.Get(1, domain.SideStable))
	assert.Equal(t, uint64(10_000), bal.Get(0, domain.SideStable), "losing claims stay, worthless")
}

func TestEngine_Errors(t *testing.T) {
	e, _, _ := newEngine(t, crank.Config{}, Config{})
	ctx := context.Background()

	_, err := e.CreateMarket(ctx, "x", 0, 1_000_000, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcomeCount)
	_, err = e.CreateMarket(ctx, "x", domain.MaxOutcomes+1, 1_000_000, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrTooManyOutcomes)
	_, err = e.CreateMarket(ctx, "x", 2, 10, 10)
	assert.ErrorIs(t, err, domain.ErrInitialLiquidity)

	_, err = e.OpenTrading(ctx, uuid.New(), 50)
	assert.ErrorIs(t, err, ErrMarketNotFound)

	id, err := e.CreateMarket(ctx, "x", 2, 1_000_000, 1_000_000)
	require.NoError(t, err)

	_, err = e.NewTraderBalance(id)
	assert.ErrorIs(t, err, ErrNotTrading)
	_, err = e.CloseTrading(ctx, id, 0)
	assert.ErrorIs(t, err, ErrNotTrading)
	_, err = e.SwapConditional(ctx, id, 0, domain.SideStable, 10, 0, nil)
	assert.ErrorIs(t, err, ErrNotTrading)
	_, err = e.CooldownRemaining(id)
	assert.ErrorIs(t, err, ErrNotTrading)

	_, err = e.OpenTrading(ctx, id, 101)
	assert.ErrorIs(t, err, domain.ErrInvalidRatio)
	_, err = e.OpenTrading(ctx, id, 50)
	require.NoError(t, err)
	_, err = e.OpenTrading(ctx, id, 50)
	assert.ErrorIs(t, err, domain.ErrEscrowActive)

	_, err = e.CloseTrading(ctx, id, 5)
	assert.ErrorIs(t, err, domain.ErrOutcomeOutOfRange)

	_, err = e.SwapSpot(ctx, id, 0, domain.SideAsset, 0)
	assert.ErrorIs(t, err, domain.ErrZeroAmount)
}

// --- crank ---

func TestEngine_CrankAll(t *testing.T) {
	e, _, clock := newEngine(t, crank.Config{RatePerSecond: 1, Burst: 1}, Config{})
	ctx := context.Background()
	a := openMarket(t, e)
	b := openMarket(t, e)

	// spend the only token on a balanced market so the trade below is not cranked
	rec, err := e.Crank(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := e.SwapSpot(ctx, a, 300_000, domain.SideAsset, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, res.CrankErr, crank.ErrThrottled)
	assert.Nil(t, res.Rebalance)

	clock.advance(time.Second)
	recs := e.CrankAll(ctx)
	require.Len(t, recs, 1)
	assert.Equal(t, a, recs[0].MarketID)
	assert.Positive(t, recs[0].Profit)

	views := e.Views()
	require.Len(t, views, 2)
	assert.Equal(t, a, views[0].ID)
	assert.Equal(t, b, views[1].ID)
}

func TestEngine_ProtectiveBidWithoutTrading(t *testing.T) {
	e, _, _ := newEngine(t, crank.Config{}, Config{
		Bid: BidConfig{NAVPrice: domain.PriceScale * 3 / 2, Capacity: 100_000},
	})
	ctx := context.Background()

	id, err := e.CreateMarket(ctx, "fund", 2, 1_000_000, 1_000_000)
	require.NoError(t, err)

	rec, err := e.Crank(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "spot-bid", rec.Route)
	assert.Positive(t, rec.AssetToBid)
	assert.Greater(t, rec.SpotPriceAfter, rec.SpotPriceBefore)
}

func TestEngine_DryRunWithoutStorage(t *testing.T) {
	clock := &fakeClock{t: t0}
	e := New(Config{FeeBps: 30, Cooldown: time.Minute}, crank.New(crank.Config{}, nil, clock), nil, clock)
	ctx := context.Background()
	id := openMarket(t, e)

	res, err := e.SwapSpot(ctx, id, 300_000, domain.SideAsset, 0)
	require.NoError(t, err)
	assert.NotNil(t, res.Rebalance)

	clock.advance(time.Minute)
	_, err = e.CloseTrading(ctx, id, 1)
	assert.NoError(t, err)
}

// --- redeemDust ---

func TestRedeemDust_KeepsClaimsWhenSpotCannotAbsorb(t *testing.T) {
	spot, err := domain.NewSpotPool(30)
	require.NoError(t, err)
	_, err = spot.AddLiquidity(math.MaxUint64-100, 1_000_000)
	require.NoError(t, err)

	escrow, err := domain.NewEscrow(uuid.New(), spot.ID(), 2, 30, 0)
	require.NoError(t, err)
	require.NoError(t, escrow.Fund(1_000, 1_000, t0))
	dust := escrow.NewBalance()
	require.NoError(t, escrow.MintCompleteSet(domain.SideAsset, 500, dust))
	_, err = escrow.Finalize(0)
	require.NoError(t, err)

	m := &market{id: uuid.New(), spot: spot, escrow: escrow, dust: dust}
	asset, stable, err := (&Engine{}).redeemDust(m)
	assert.ErrorIs(t, err, domain.ErrReserveOverflow)
	assert.Zero(t, asset)
	assert.Zero(t, stable)
	assert.Equal(t, uint64(500), dust.Get(0, domain.SideAsset), "claims not burned")
	backA, _ := escrow.Backing()
	assert.GreaterOrEqual(t, backA, uint64(500))
}

func TestRedeemDust_FoldsWinningClaims(t *testing.T) {
	spot, err := domain.NewSpotPool(30)
	require.NoError(t, err)
	_, err = spot.AddLiquidity(1_000_000, 1_000_000)
	require.NoError(t, err)

	escrow, err := domain.NewEscrow(uuid.New(), spot.ID(), 2, 30, 0)
	require.NoError(t, err)
	require.NoError(t, escrow.Fund(1_000, 1_000, t0))
	dust := escrow.NewBalance()
	require.NoError(t, escrow.MintCompleteSet(domain.SideStable, 300, dust))
	_, err = escrow.Finalize(1)
	require.NoError(t, err)

	before := spot.Snapshot()
	m := &market{id: uuid.New(), spot: spot, escrow: escrow, dust: dust}
	asset, stable, err := (&Engine{}).redeemDust(m)
	require.NoError(t, err)
	assert.Zero(t, asset)
	assert.Equal(t, uint64(300), stable)
	assert.Zero(t, dust.Get(1, domain.SideStable))
	assert.Equal(t, before.StableReserve+300, spot.Snapshot().StableReserve)
}
