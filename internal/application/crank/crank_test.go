package crank

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/domain/arbitrage"
	"github.com/alejandrodnm/quantamm/internal/domain/quantum"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockStorage struct {
	rebalances []domain.RebalanceRecord
	err        error
}

func (m *mockStorage) SaveRebalance(_ context.Context, rec domain.RebalanceRecord) error {
	if m.err != nil {
		return m.err
	}
	m.rebalances = append(m.rebalances, rec)
	return nil
}

func (m *mockStorage) SaveLifecycleEvent(context.Context, domain.LifecycleEvent) error { return nil }
func (m *mockStorage) SaveMarket(context.Context, domain.MarketView) error { return nil }
func (m *mockStorage) GetRebalances(context.Context, uuid.UUID, time.Time, time.Time) ([]domain.RebalanceRecord, error) {
	return m.rebalances, nil
}
func (m *mockStorage) GetLifecycleEvents(context.Context, uuid.UUID) ([]domain.LifecycleEvent, error) {
	return nil, nil
}
func (m *mockStorage) GetMarkets(context.Context) ([]domain.MarketView, error) { return nil, nil }
func (m *mockStorage) Close() error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// --- helpers ---

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// openMarket: spot 1M/1M and two conditional pools of 500k + bootstrap.
func openMarket(t *testing.T) arbitrage.Venues {
	t.Helper()
	spot, err := domain.NewSpotPool(30)
	require.NoError(t, err)
	_, err = spot.AddLiquidity(2_000_000, 2_000_000)
	require.NoError(t, err)
	escrow, err := domain.NewEscrow(uuid.New(), spot.ID(), 2, 30, 0)
	require.NoError(t, err)
	_, err = quantum.NewManager(0).Split(spot, escrow, 50, t0)
	require.NoError(t, err)
	return arbitrage.Venues{Spot: spot, Escrow: escrow}
}

func dumpAsset(t *testing.T, v arbitrage.Venues, amount uint64) {
	t.Helper()
	_, err := v.Spot.Swap(amount, domain.SideAsset, 0)
	require.NoError(t, err)
}

// --- Rebalance ---

func TestRebalance_ExecutesAndStores(t *testing.T) {
	store := &mockStorage{}
	clock := &fakeClock{t: t0}
	c := New(Config{}, store, clock)
	v := openMarket(t)
	dumpAsset(t, v, 300_000)
	before := v.Spot.Price()

	rec, err := c.Rebalance(context.Background(), v.Escrow.MarketID(), v, v.Escrow.NewBalance())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "spot-conditional", rec.Route)
	assert.True(t, rec.SpotToConditional)
	assert.Equal(t, rec.Output-rec.Input, rec.Profit)
	assert.Positive(t, rec.Profit)
	assert.Equal(t, before, rec.SpotPriceBefore)
	assert.Greater(t, rec.SpotPriceAfter, rec.SpotPriceBefore, "buying asset on spot lifts its price")
	assert.Equal(t, t0, rec.ExecutedAt)

	require.Len(t, store.rebalances, 1)
	assert.Equal(t, *rec, store.rebalances[0])

	cb := c.Breaker(v.Escrow.MarketID())
	assert.Equal(t, rec.Profit, cb.TotalProfit)
}

func TestRebalance_NothingToDo(t *testing.T) {
	store := &mockStorage{}
	c := New(Config{}, store, &fakeClock{t: t0})
	v := openMarket(t)

	rec, err := c.Rebalance(context.Background(), v.Escrow.MarketID(), v, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, store.rebalances)
}

func TestRebalance_MinProfitFilter(t *testing.T) {
	store := &mockStorage{}
	c := New(Config{MinProfit: 1_000_000_000}, store, &fakeClock{t: t0})
	v := openMarket(t)
	dumpAsset(t, v, 300_000)
	spotBefore := v.Spot.Snapshot()

	rec, err := c.Rebalance(context.Background(), v.Escrow.MarketID(), v, nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, spotBefore, v.Spot.Snapshot())
}

func TestRebalance_Throttled(t *testing.T) {
	clock := &fakeClock{t: t0}
	c := New(Config{RatePerSecond: 1, Burst: 1}, nil, clock)
	v := openMarket(t)
	id := v.Escrow.MarketID()

	_, err := c.Rebalance(context.Background(), id, v, nil)
	require.NoError(t, err)

	_, err = c.Rebalance(context.Background(), id, v, nil)
	assert.ErrorIs(t, err, ErrThrottled)

	clock.advance(time.Second)
	_, err = c.Rebalance(context.Background(), id, v, nil)
	assert.NoError(t, err)
}

func TestRebalance_BreakerPausesAfterFailures(t *testing.T) {
	clock := &fakeClock{t: t0}
	c := New(Config{MaxFailures: 2, FailureCooldown: time.Minute}, nil, clock)
	v := openMarket(t)
	id := v.Escrow.MarketID()
	dumpAsset(t, v, 300_000)

	// dust from another market makes every execution fail
	foreign, err := domain.NewCompactBalance(uuid.New(), 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Rebalance(context.Background(), id, v, foreign)
		require.ErrorIs(t, err, domain.ErrMarketMismatch)
	}
	_, err = c.Rebalance(context.Background(), id, v, foreign)
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, 1, c.Breaker(id).Trips)

	clock.advance(time.Minute)
	rec, err := c.Rebalance(context.Background(), id, v, nil)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRebalance_StorageErrorKeepsTrade(t *testing.T) {
	store := &mockStorage{err: errors.New("disk full")}
	c := New(Config{}, store, &fakeClock{t: t0})
	v := openMarket(t)
	dumpAsset(t, v, 300_000)

	rec, err := c.Rebalance(context.Background(), v.Escrow.MarketID(), v, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Positive(t, rec.Profit)
}

func TestRebalance_SpotOnlyWithBid(t *testing.T) {
	spot, err := domain.NewSpotPool(30)
	require.NoError(t, err)
	_, err = spot.AddLiquidity(1_000_000, 1_000_000)
	require.NoError(t, err)
	bid, err := domain.NewProtectiveBid(domain.PriceScale*3/2, 100_000, 0)
	require.NoError(t, err)

	c := New(Config{}, nil, &fakeClock{t: t0})
	rec, err := c.Rebalance(context.Background(), uuid.New(), arbitrage.Venues{Spot: spot, Bid: bid}, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "spot-bid", rec.Route)
	assert.Positive(t, rec.AssetToBid)
}

// --- ScanMarkets ---

func TestScanMarkets_SortedAndFiltered(t *testing.T) {
	c := New(Config{MinProfit: 1, ScanWorkers: 3}, nil, nil)

	mk := func(dump uint64) MarketSnapshot {
		v := openMarket(t)
		if dump > 0 {
			dumpAsset(t, v, dump)
		}
		spot, conds, bid := v.Snapshots()
		return MarketSnapshot{MarketID: v.Escrow.MarketID(), Spot: spot, Conditionals: conds, Bid: bid}
	}
	small, big, flat := mk(100_000), mk(300_000), mk(0)
	tooMany := MarketSnapshot{MarketID: uuid.New(), Spot: big.Spot,
		Conditionals: make([]domain.PoolSnapshot, arbitrage.MaxConditionalPools+1)}

	opps := c.ScanMarkets(context.Background(), []MarketSnapshot{small, flat, tooMany, big})
	require.Len(t, opps, 2)
	assert.Equal(t, big.MarketID, opps[0].MarketID)
	assert.Equal(t, small.MarketID, opps[1].MarketID)
	assert.Greater(t, opps[0].Plan.Profit, opps[1].Plan.Profit)
}

func TestScanMarkets_Empty(t *testing.T) {
	c := New(Config{}, nil, nil)
	assert.Empty(t, c.ScanMarkets(context.Background(), nil))
}
