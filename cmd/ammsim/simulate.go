package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alejandrodnm/quantamm/config"
	"github.com/alejandrodnm/quantamm/internal/adapters/notify"
	"github.com/alejandrodnm/quantamm/internal/application/crank"
	"github.com/alejandrodnm/quantamm/internal/application/engine"
	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/ports"
	"github.com/google/uuid"
)

// crankEvery fuerza un CrankAll cada N pasos para recoger mercados throttled.
const crankEvery = 25

// simClock es un reloj manual: la simulación decide cuándo avanza el tiempo.
type simClock struct {
	mu sync.Mutex
	t  time.Time
}

func newSimClock() *simClock {
	return &simClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// simMarket es el estado de la simulación para un mercado.
type simMarket struct {
	id         uuid.UUID
	trader     *domain.CompactBalance
	rebalances []domain.RebalanceRecord
	swaps      int
	failed     int
	throttled  int
}

type simulation struct {
	cfg      *config.Config
	engine   *engine.Engine
	clock    *simClock
	store    ports.Storage // nil en dry-run
	notifier ports.Notifier
	console  *notify.Console
	rng      *rand.Rand

	markets []*simMarket
	byID    map[uuid.UUID]*simMarket
	start   time.Time
}

func newSimulation(cfg *config.Config, eng *engine.Engine, clock *simClock, store ports.Storage, console *notify.Console) *simulation {
	seed := uint64(cfg.Simulation.Seed)
	return &simulation{
		cfg:      cfg,
		engine:   eng,
		clock:    clock,
		store:    store,
		notifier: console,
		console:  console,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		byID:     make(map[uuid.UUID]*simMarket),
	}
}

// Run crea los mercados, abre trading, simula swaps de traders con crank tras
// cada uno, avanza el reloj hasta pasar el cooldown y cierra.
func (s *simulation) Run(ctx context.Context) error {
	s.start = s.clock.Now()
	if err := s.open(ctx); err != nil {
		return err
	}

	for step := 0; step < s.cfg.Simulation.Steps; step++ {
		if ctx.Err() != nil {
			slog.Info("simulation interrupted", "step", step)
			break
		}
		m := s.markets[s.rng.IntN(len(s.markets))]
		s.trade(ctx, m)
		s.clock.Advance(s.cfg.StepInterval())

		if (step+1)%crankEvery == 0 {
			s.collect(s.engine.CrankAll(ctx))
		}
	}

	if err := s.notifier.NotifyMarkets(ctx, s.engine.Views()); err != nil {
		slog.Warn("notifier error", "err", err)
	}

	if err := s.close(ctx); err != nil {
		return err
	}
	s.report(ctx)
	return nil
}

func (s *simulation) open(ctx context.Context) error {
	mc := s.cfg.Market
	for i := 0; i < s.cfg.Simulation.Markets; i++ {
		name := mc.Name
		if s.cfg.Simulation.Markets > 1 {
			name = fmt.Sprintf("%s #%d", mc.Name, i+1)
		}
		id, err := s.engine.CreateMarket(ctx, name, mc.Outcomes, mc.InitialAsset, mc.InitialStable)
		if err != nil {
			return fmt.Errorf("simulation: create %q: %w", name, err)
		}
		if _, err := s.engine.OpenTrading(ctx, id, mc.SplitRatio); err != nil {
			return fmt.Errorf("simulation: open %q: %w", name, err)
		}

		trader, err := s.engine.NewTraderBalance(id)
		if err != nil {
			return fmt.Errorf("simulation: trader %q: %w", name, err)
		}
		// el trader entra en los condicionales con un 5% de cada reserva inicial
		for _, mint := range []struct {
			side   domain.Side
			amount uint64
		}{
			{domain.SideAsset, mc.InitialAsset / 20},
			{domain.SideStable, mc.InitialStable / 20},
		} {
			if mint.amount == 0 {
				continue
			}
			if err := s.engine.MintCompleteSet(ctx, id, mint.side, mint.amount, trader); err != nil {
				return fmt.Errorf("simulation: mint %q: %w", name, err)
			}
		}

		m := &simMarket{id: id, trader: trader}
		s.markets = append(s.markets, m)
		s.byID[id] = m
	}
	return nil
}

// trade ejecuta un swap aleatorio: 60% spot, 40% condicional con el saldo del trader.
func (s *simulation) trade(ctx context.Context, m *simMarket) {
	view, err := s.engine.View(m.id)
	if err != nil {
		slog.Warn("view failed", "market", m.id, "err", err)
		return
	}
	side := domain.SideAsset
	if s.rng.IntN(2) == 1 {
		side = domain.SideStable
	}

	var res engine.TradeResult
	if len(view.Conditionals) > 0 && s.rng.IntN(10) >= 6 {
		outcome := s.rng.IntN(len(view.Conditionals))
		amount := min(s.size(view.Conditionals[outcome], side), m.trader.Get(outcome, side))
		if amount == 0 {
			return
		}
		res, err = s.engine.SwapConditional(ctx, m.id, outcome, side, amount, 0, m.trader)
	} else {
		amount := s.size(view.Spot, side)
		if amount == 0 {
			return
		}
		res, err = s.engine.SwapSpot(ctx, m.id, amount, side, 0)
	}
	if err != nil {
		slog.Debug("trader swap rejected", "market", m.id, "err", err)
		return
	}
	m.swaps++

	switch {
	case errors.Is(res.CrankErr, crank.ErrThrottled):
		m.throttled++
	case res.CrankErr != nil:
		m.failed++
	case res.Rebalance != nil:
		m.rebalances = append(m.rebalances, *res.Rebalance)
	}
}

// size devuelve un tamaño aleatorio de hasta MaxTradeBps de la reserva de side.
func (s *simulation) size(pool domain.PoolSnapshot, side domain.Side) uint64 {
	reserve := pool.AssetReserve
	if side == domain.SideStable {
		reserve = pool.StableReserve
	}
	bps := uint64(s.rng.IntN(int(s.cfg.Simulation.MaxTradeBps))) + 1
	return domain.MulDiv(reserve, bps, domain.FeeDenominator)
}

func (s *simulation) collect(recs []domain.RebalanceRecord) {
	for _, r := range recs {
		if m, ok := s.byID[r.MarketID]; ok {
			m.rebalances = append(m.rebalances, r)
		}
	}
}

// close avanza el reloj hasta el final del cooldown y resuelve cada mercado
// en un outcome aleatorio. El trader cobra sus claims ganadores.
func (s *simulation) close(ctx context.Context) error {
	var wait time.Duration
	for _, m := range s.markets {
		left, err := s.engine.CooldownRemaining(m.id)
		if err != nil {
			return fmt.Errorf("simulation: cooldown %s: %w", m.id, err)
		}
		wait = max(wait, left)
	}
	if wait > 0 {
		slog.Info("fast-forwarding past cooldown", "wait", wait)
		s.clock.Advance(wait)
	}

	for _, m := range s.markets {
		if err := s.engine.Audit(m.id); err != nil {
			return fmt.Errorf("simulation: %w", err)
		}
		winner := s.rng.IntN(s.cfg.Market.Outcomes)
		res, err := s.engine.CloseTrading(ctx, m.id, winner)
		if err != nil {
			return fmt.Errorf("simulation: close %s: %w", m.id, err)
		}
		slog.Info("market settled",
			"market", m.id,
			"winner", winner,
			"returned_asset", res.Asset+res.DustAsset,
			"returned_stable", res.Stable+res.DustStable,
		)

		for _, side := range []domain.Side{domain.SideAsset, domain.SideStable} {
			amount := m.trader.Get(winner, side)
			if amount == 0 {
				continue
			}
			if _, err := s.engine.RedeemWinning(ctx, m.id, m.trader, side, amount); err != nil {
				return fmt.Errorf("simulation: redeem %s: %w", m.id, err)
			}
		}
	}
	return nil
}

func (s *simulation) report(ctx context.Context) {
	views := s.engine.Views()
	if err := s.notifier.NotifyMarkets(ctx, views); err != nil {
		slog.Warn("notifier error", "err", err)
	}

	var all []domain.RebalanceRecord
	for _, v := range views {
		m := s.byID[v.ID]
		in := notify.SummaryInput{
			Market:     v,
			Rebalances: m.rebalances,
			Swaps:      m.swaps,
			Failed:     m.failed,
			Throttled:  m.throttled,
			Breaker:    s.engine.Breaker(v.ID),
		}
		if s.store != nil {
			if recs, err := s.store.GetRebalances(ctx, v.ID, s.start, s.clock.Now()); err == nil {
				in.Rebalances = recs
			} else {
				slog.Warn("load rebalances failed", "market", v.ID, "err", err)
			}
			if events, err := s.store.GetLifecycleEvents(ctx, v.ID); err == nil {
				in.Events = events
			} else {
				slog.Warn("load lifecycle failed", "market", v.ID, "err", err)
			}
		}
		all = append(all, in.Rebalances...)
		s.console.PrintSummary(in)
	}

	if err := s.notifier.NotifyRebalances(ctx, all); err != nil {
		slog.Warn("notifier error", "err", err)
	}
}
