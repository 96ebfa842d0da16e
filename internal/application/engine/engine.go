package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/quantamm/internal/application/crank"
	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/domain/quantum"
	"github.com/alejandrodnm/quantamm/internal/ports"
	"github.com/google/uuid"
)

var (
	ErrMarketNotFound = errors.New("engine: market not found")
	ErrNotTrading     = errors.New("engine: market not trading")
)

// BidConfig configura la protective bid de cada mercado. NAVPrice 0 la desactiva.
type BidConfig struct {
	NAVPrice uint64 // punto fijo domain.PriceScale
	Capacity uint64
	FeeBps   uint16
}

// Config contiene los parámetros de los pools que crea el engine.
type Config struct {
	FeeBps    uint16
	Bootstrap uint64 // 0 = domain.DefaultBootstrap
	Cooldown  time.Duration
	Bid       BidConfig
}

// TradeResult es el resultado de un swap de trader seguido de su crank.
type TradeResult struct {
	Out       uint64
	Rebalance *domain.RebalanceRecord
	// CrankErr is the crank failure, if any; the trade itself stands.
	CrankErr error
}

// CloseResult es el resultado de cerrar un periodo de trading.
type CloseResult struct {
	quantum.RecombineResult
	// DustAsset and DustStable are the engine's winning claims redeemed and
	// folded back into the spot pool.
	DustAsset  uint64
	DustStable uint64
}

// Engine owns the markets and runs the split → trade/crank → recombine cycle.
// Each market is guarded by its own mutex; different markets run in parallel.
type Engine struct {
	cfg     Config
	crank   *crank.Crank
	quantum *quantum.Manager
	storage ports.Storage // nil en dry-run
	clock   ports.Clock

	mu      sync.RWMutex
	markets map[uuid.UUID]*market
	order   []uuid.UUID
}

// New crea un Engine con todas las dependencias inyectadas.
func New(cfg Config, ck *crank.Crank, storage ports.Storage, clock ports.Clock) *Engine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Engine{
		cfg:     cfg,
		crank:   ck,
		quantum: quantum.NewManager(cfg.Cooldown),
		storage: storage,
		clock:   clock,
		markets: make(map[uuid.UUID]*market),
	}
}

// CreateMarket seeds a spot pool with asset and stable and registers a market
// with the given number of outcomes. Trading starts with OpenTrading.
func (e *Engine) CreateMarket(ctx context.Context, name string, outcomes int, asset, stable uint64) (uuid.UUID, error) {
	if outcomes < 1 {
		return uuid.Nil, domain.ErrInvalidOutcomeCount
	}
	if outcomes > domain.MaxOutcomes {
		return uuid.Nil, fmt.Errorf("engine.CreateMarket: %w: %d", domain.ErrTooManyOutcomes, outcomes)
	}
	spot, err := domain.NewSpotPool(e.cfg.FeeBps)
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine.CreateMarket: %w", err)
	}
	if _, err := spot.AddLiquidity(asset, stable); err != nil {
		return uuid.Nil, fmt.Errorf("engine.CreateMarket: seed %q: %w", name, err)
	}
	var bid *domain.ProtectiveBid
	if b := e.cfg.Bid; b.NAVPrice > 0 {
		if bid, err = domain.NewProtectiveBid(b.NAVPrice, b.Capacity, b.FeeBps); err != nil {
			return uuid.Nil, fmt.Errorf("engine.CreateMarket: bid: %w", err)
		}
	}

	now := e.clock.Now()
	m := &market{
		id:        uuid.New(),
		name:      name,
		outcomes:  outcomes,
		status:    domain.MarketPending,
		spot:      spot,
		bid:       bid,
		updatedAt: now,
	}

	e.mu.Lock()
	e.markets[m.id] = m
	e.order = append(e.order, m.id)
	e.mu.Unlock()

	slog.Info("market created", "market", m.id, "name", name, "outcomes", outcomes, "asset", asset, "stable", stable)
	e.saveEvent(ctx, domain.LifecycleEvent{
		MarketID: m.id, Kind: domain.LifecycleCreated, Winner: -1, Asset: asset, Stable: stable, At: now,
	})
	e.saveView(ctx, m.view())
	return m.id, nil
}

// OpenTrading splits ratio% of the spot liquidity into a fresh escrow and
// starts a trading period.
func (e *Engine) OpenTrading(ctx context.Context, id uuid.UUID, ratio uint8) (quantum.SplitResult, error) {
	m, err := e.lookup(id)
	if err != nil {
		return quantum.SplitResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == domain.MarketTrading {
		return quantum.SplitResult{}, fmt.Errorf("engine.OpenTrading %s: %w", id, domain.ErrEscrowActive)
	}
	escrow, err := domain.NewEscrow(uuid.New(), m.spot.ID(), m.outcomes, e.cfg.FeeBps, e.cfg.Bootstrap)
	if err != nil {
		return quantum.SplitResult{}, fmt.Errorf("engine.OpenTrading %s: %w", id, err)
	}
	now := e.clock.Now()
	res, err := e.quantum.Split(m.spot, escrow, ratio, now)
	if err != nil {
		return quantum.SplitResult{}, fmt.Errorf("engine.OpenTrading %s: %w", id, err)
	}
	m.escrow = escrow
	m.dust = escrow.NewBalance()
	m.status = domain.MarketTrading
	m.winner = -1
	m.updatedAt = now

	slog.Info("trading opened", "market", id, "ratio", ratio, "asset", res.Asset, "stable", res.Stable)
	e.saveEvent(ctx, domain.LifecycleEvent{
		MarketID: id, Kind: domain.LifecycleSplit, Ratio: ratio, Winner: -1,
		Asset: res.Asset, Stable: res.Stable, At: now,
	})
	e.saveView(ctx, m.view())
	return res, nil
}

// SwapSpot trades on the spot pool and cranks the market.
func (e *Engine) SwapSpot(ctx context.Context, id uuid.UUID, amountIn uint64, in domain.Side, minOut uint64) (TradeResult, error) {
	m, err := e.lookup(id)
	if err != nil {
		return TradeResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.spot.Swap(amountIn, in, minOut)
	if err != nil {
		return TradeResult{}, fmt.Errorf("engine.SwapSpot %s: %w", id, err)
	}
	res := TradeResult{Out: out}
	res.Rebalance, res.CrankErr = e.crankLocked(ctx, m)
	return res, nil
}

// NewTraderBalance returns an empty balance for the market's current trading period.
func (e *Engine) NewTraderBalance(id uuid.UUID) (*domain.CompactBalance, error) {
	m, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escrow == nil {
		return nil, fmt.Errorf("engine.NewTraderBalance %s: %w", id, ErrNotTrading)
	}
	return m.escrow.NewBalance(), nil
}

// MintCompleteSet deposits amount real tokens of side and credits one claim
// per outcome to bal.
func (e *Engine) MintCompleteSet(ctx context.Context, id uuid.UUID, side domain.Side, amount uint64, bal *domain.CompactBalance) error {
	return e.withTrading(id, "MintCompleteSet", func(m *market) error {
		return m.escrow.MintCompleteSet(side, amount, bal)
	})
}

// RedeemCompleteSet burns one claim per outcome from bal and returns amount
// real tokens.
func (e *Engine) RedeemCompleteSet(ctx context.Context, id uuid.UUID, side domain.Side, amount uint64, bal *domain.CompactBalance) error {
	return e.withTrading(id, "RedeemCompleteSet", func(m *market) error {
		return m.escrow.BurnCompleteSet(side, amount, bal)
	})
}

// SwapConditional trades bal's claims on one outcome's pool and cranks the market.
func (e *Engine) SwapConditional(ctx context.Context, id uuid.UUID, outcome int, in domain.Side, amountIn, minOut uint64, bal *domain.CompactBalance) (TradeResult, error) {
	var res TradeResult
	err := e.withTrading(id, "SwapConditional", func(m *market) error {
		out, err := m.escrow.SwapConditional(outcome, in, amountIn, minOut, bal)
		if err != nil {
			return err
		}
		res.Out = out
		res.Rebalance, res.CrankErr = e.crankLocked(ctx, m)
		return nil
	})
	return res, err
}

// RedeemWinning pays out bal's winning claims after the period closed.
func (e *Engine) RedeemWinning(ctx context.Context, id uuid.UUID, bal *domain.CompactBalance, side domain.Side, amount uint64) (uint64, error) {
	m, err := e.lookup(id)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escrow == nil {
		return 0, fmt.Errorf("engine.RedeemWinning %s: %w", id, domain.ErrNotFinalized)
	}
	out, err := m.escrow.RedeemWinning(bal, side, amount)
	if err != nil {
		return 0, fmt.Errorf("engine.RedeemWinning %s: %w", id, err)
	}
	return out, nil
}

// Crank runs one rebalance on the market.
func (e *Engine) Crank(ctx context.Context, id uuid.UUID) (*domain.RebalanceRecord, error) {
	m, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.crankLocked(ctx, m)
}

// CrankAll plans every market concurrently and rebalances the profitable
// ones, most profitable first.
func (e *Engine) CrankAll(ctx context.Context) []domain.RebalanceRecord {
	markets := e.all()
	snaps := make([]crank.MarketSnapshot, 0, len(markets))
	for _, m := range markets {
		m.mu.Lock()
		spot, conds, bid := m.venues().Snapshots()
		m.mu.Unlock()
		snaps = append(snaps, crank.MarketSnapshot{MarketID: m.id, Spot: spot, Conditionals: conds, Bid: bid})
	}

	var recs []domain.RebalanceRecord
	for _, opp := range e.crank.ScanMarkets(ctx, snaps) {
		rec, err := e.Crank(ctx, opp.MarketID)
		if err != nil {
			slog.Debug("crank skipped", "market", opp.MarketID, "err", err)
			continue
		}
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	return recs
}

// CloseTrading recombines the trading period on winner. It fails with a
// *domain.CooldownError until the cooldown since OpenTrading has elapsed.
// A dust redemption error is returned together with the result: the market
// is settled and the claims that could not be folded stay with the engine.
func (e *Engine) CloseTrading(ctx context.Context, id uuid.UUID, winner int) (CloseResult, error) {
	m, err := e.lookup(id)
	if err != nil {
		return CloseResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.MarketTrading {
		return CloseResult{}, fmt.Errorf("engine.CloseTrading %s: %w", id, ErrNotTrading)
	}
	now := e.clock.Now()
	rec, err := e.quantum.Recombine(m.spot, m.escrow, winner, now)
	if err != nil {
		return CloseResult{}, fmt.Errorf("engine.CloseTrading %s: %w", id, err)
	}
	res := CloseResult{RecombineResult: rec}
	var dustErr error
	res.DustAsset, res.DustStable, dustErr = e.redeemDust(m)

	// the escrow is finalized either way
	m.status = domain.MarketSettled
	m.winner = winner
	m.updatedAt = now

	slog.Info("trading closed",
		"market", id,
		"winner", winner,
		"asset", rec.Asset,
		"stable", rec.Stable,
		"stranded_asset", rec.StrandedAsset,
		"stranded_stable", rec.StrandedStable,
	)
	e.saveEvent(ctx, domain.LifecycleEvent{
		MarketID: id, Kind: domain.LifecycleRecombine, Winner: winner,
		Asset: rec.Asset, Stable: rec.Stable, FeesAsset: rec.FeesAsset, FeesStable: rec.FeesStable,
		StrandedAsset: rec.StrandedAsset, StrandedStable: rec.StrandedStable, At: now,
	})
	e.saveView(ctx, m.view())
	if dustErr != nil {
		return res, fmt.Errorf("engine.CloseTrading %s: dust: %w", id, dustErr)
	}
	return res, nil
}

// CooldownRemaining returns how long until CloseTrading is allowed.
func (e *Engine) CooldownRemaining(id uuid.UUID) (time.Duration, error) {
	m, err := e.lookup(id)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != domain.MarketTrading {
		return 0, ErrNotTrading
	}
	return e.quantum.Remaining(m.escrow, e.clock.Now()), nil
}

// View returns the current summary of one market.
func (e *Engine) View(id uuid.UUID) (domain.MarketView, error) {
	m, err := e.lookup(id)
	if err != nil {
		return domain.MarketView{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view(), nil
}

// Views returns every market in creation order.
func (e *Engine) Views() []domain.MarketView {
	markets := e.all()
	views := make([]domain.MarketView, 0, len(markets))
	for _, m := range markets {
		m.mu.Lock()
		views = append(views, m.view())
		m.mu.Unlock()
	}
	return views
}

// Breaker returns the crank circuit breaker of a market.
func (e *Engine) Breaker(id uuid.UUID) domain.CircuitBreaker {
	return e.crank.Breaker(id)
}

// --- helpers internos ---

func (e *Engine) lookup(id uuid.UUID) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, nil
}

func (e *Engine) all() []*market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*market, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.markets[id])
	}
	return out
}

func (e *Engine) withTrading(id uuid.UUID, op string, fn func(m *market) error) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != domain.MarketTrading {
		return fmt.Errorf("engine.%s %s: %w", op, id, ErrNotTrading)
	}
	if err := fn(m); err != nil {
		return fmt.Errorf("engine.%s %s: %w", op, id, err)
	}
	return nil
}

// crankLocked must be called with m.mu held.
func (e *Engine) crankLocked(ctx context.Context, m *market) (*domain.RebalanceRecord, error) {
	rec, err := e.crank.Rebalance(ctx, m.id, m.venues(), m.dust)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		m.updatedAt = rec.ExecutedAt
		e.saveView(ctx, m.view())
	}
	return rec, nil
}

// redeemDust turns the engine's winning claims into real tokens for the spot
// pool. Claims are only burned once the spot pool is known to absorb them; on
// error the unredeemed claims stay in m.dust.
func (e *Engine) redeemDust(m *market) (asset, stable uint64, err error) {
	if m.dust == nil {
		return 0, 0, nil
	}
	winner, ok := m.escrow.Winner()
	if !ok {
		return 0, 0, domain.ErrNotFinalized
	}
	wantA, wantS := m.dust.Get(winner, domain.SideAsset), m.dust.Get(winner, domain.SideStable)
	if wantA == 0 && wantS == 0 {
		return 0, 0, nil
	}
	if !m.spot.CanAbsorb(wantA, wantS) {
		return 0, 0, fmt.Errorf("fold %d/%d: %w", wantA, wantS, domain.ErrReserveOverflow)
	}

	if wantA > 0 {
		if asset, err = m.escrow.RedeemWinning(m.dust, domain.SideAsset, wantA); err != nil {
			return 0, 0, fmt.Errorf("redeem asset: %w", err)
		}
	}
	if wantS > 0 {
		if stable, err = m.escrow.RedeemWinning(m.dust, domain.SideStable, wantS); err != nil {
			err = fmt.Errorf("redeem stable: %w", err)
		}
	}
	// absorbable: checked for both sides above
	if ferr := m.spot.TransferFromEscrow(asset, stable); ferr != nil {
		return 0, 0, errors.Join(err, fmt.Errorf("fold: %w", ferr))
	}
	return asset, stable, err
}

func (e *Engine) saveEvent(ctx context.Context, ev domain.LifecycleEvent) {
	if e.storage == nil {
		return
	}
	ev.ID = uuid.New()
	if err := e.storage.SaveLifecycleEvent(ctx, ev); err != nil {
		slog.Warn("save lifecycle event failed", "market", ev.MarketID, "kind", ev.Kind, "err", err)
	}
}

func (e *Engine) saveView(ctx context.Context, v domain.MarketView) {
	if e.storage == nil {
		return
	}
	if err := e.storage.SaveMarket(ctx, v); err != nil {
		slog.Warn("save market failed", "market", v.ID, "err", err)
	}
}

// Audit checks that the market's escrow still backs every outstanding claim.
func (e *Engine) Audit(id uuid.UUID) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escrow == nil {
		return nil
	}
	if err := m.escrow.CheckSolvency(); err != nil {
		return fmt.Errorf("engine.Audit %s: %w", id, err)
	}
	return nil
}
