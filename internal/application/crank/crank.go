package crank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/domain/arbitrage"
	"github.com/alejandrodnm/quantamm/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrThrottled is returned when the crank rate limit has no token left.
	ErrThrottled = errors.New("crank: throttled")
	// ErrPaused is returned while a market's circuit breaker is cooling down.
	ErrPaused = errors.New("crank: market paused")
)

// Config contiene la configuración del crank.
type Config struct {
	MinProfit       uint64        // beneficio mínimo en stable para ejecutar
	RatePerSecond   float64       // rebalanceos por segundo (<= 0 sin límite)
	Burst           int           // ráfaga del limitador
	MaxFailures     int           // fallos seguidos antes de pausar un mercado (0 = nunca)
	FailureCooldown time.Duration // pausa tras MaxFailures
	ScanWorkers     int           // goroutines para ScanMarkets (0 = NumCPU*2)
}

// Crank runs the optimizer and executor on a market after every trade.
// Callers serialize access to each market's venues.
type Crank struct {
	cfg      Config
	storage  ports.Storage // nil en dry-run
	clock    ports.Clock
	limiter  *rate.Limiter
	mu       sync.Mutex
	breakers map[uuid.UUID]*domain.CircuitBreaker
}

// New crea un Crank con las dependencias inyectadas. storage puede ser nil.
func New(cfg Config, storage ports.Storage, clock ports.Clock) *Crank {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Crank{
		cfg:      cfg,
		storage:  storage,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: make(map[uuid.UUID]*domain.CircuitBreaker),
	}
}

// Rebalance plans and executes one arbitrage on the market. It returns a nil
// record when nothing clears MinProfit. Remainders from the complete-set legs
// are merged into dust.
func (c *Crank) Rebalance(ctx context.Context, marketID uuid.UUID, v arbitrage.Venues, dust *domain.CompactBalance) (*domain.RebalanceRecord, error) {
	now := c.clock.Now()
	if !c.breakerOpen(marketID, now) {
		return nil, ErrPaused
	}
	if !c.limiter.AllowN(now, 1) {
		return nil, ErrThrottled
	}

	plan, err := c.plan(v)
	if err != nil {
		c.recordFailure(marketID, now, err)
		return nil, fmt.Errorf("crank.Rebalance: plan %s: %w", marketID, err)
	}
	if plan.IsZero() || plan.Profit < c.cfg.MinProfit {
		return nil, nil
	}

	priceBefore := v.Spot.Price()
	exec, err := arbitrage.Execute(v, plan, dust)
	if err != nil {
		c.recordFailure(marketID, now, err)
		slog.Warn("rebalance failed",
			"market", marketID,
			"route", plan.Route,
			"planned_profit", plan.Profit,
			"err", err,
		)
		return nil, fmt.Errorf("crank.Rebalance: execute %s: %w", marketID, err)
	}
	c.recordSuccess(marketID, exec.Profit)

	rec := domain.RebalanceRecord{
		ID:                uuid.New(),
		MarketID:          marketID,
		Route:             exec.Route.String(),
		SpotToConditional: exec.SpotToConditional,
		Amount:            plan.Amount,
		Input:             exec.Input,
		Output:            exec.Output,
		Profit:            exec.Profit,
		PlannedProfit:     plan.Profit,
		AssetToBid:        exec.AssetToBid,
		ResidualAsset:     exec.ResidualAsset,
		SpotPriceBefore:   priceBefore,
		SpotPriceAfter:    v.Spot.Price(),
		ExecutedAt:        now,
	}
	slog.Debug("rebalanced",
		"market", marketID,
		"route", rec.Route,
		"profit", rec.Profit,
		"planned", rec.PlannedProfit,
	)

	if c.storage != nil {
		if err := c.storage.SaveRebalance(ctx, rec); err != nil {
			// el trade ya está aplicado; sólo se pierde el histórico
			slog.Warn("save rebalance failed", "market", marketID, "err", err)
		}
	}
	return &rec, nil
}

// Breaker returns a copy of the market's circuit breaker state.
func (c *Crank) Breaker(marketID uuid.UUID) domain.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[marketID]; ok {
		return *cb
	}
	return c.newBreaker()
}

// Forget drops a market's breaker state.
func (c *Crank) Forget(marketID uuid.UUID) {
	c.mu.Lock()
	delete(c.breakers, marketID)
	c.mu.Unlock()
}

func (c *Crank) plan(v arbitrage.Venues) (arbitrage.Result, error) {
	spot, conds, bid := v.Snapshots()
	return c.planSnapshot(MarketSnapshot{Spot: spot, Conditionals: conds, Bid: bid})
}

func (c *Crank) newBreaker() domain.CircuitBreaker {
	return domain.CircuitBreaker{
		MaxFailures:      c.cfg.MaxFailures,
		CooldownDuration: c.cfg.FailureCooldown,
	}
}

// breaker must be called with c.mu held.
func (c *Crank) breaker(marketID uuid.UUID) *domain.CircuitBreaker {
	cb, ok := c.breakers[marketID]
	if !ok {
		b := c.newBreaker()
		cb = &b
		c.breakers[marketID] = cb
	}
	return cb
}

func (c *Crank) breakerOpen(marketID uuid.UUID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker(marketID).IsOpen(now)
}

func (c *Crank) recordFailure(marketID uuid.UUID, now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb := c.breaker(marketID)
	before := cb.Trips
	cb.RecordFailure(now, err.Error())
	if cb.Trips > before {
		slog.Warn("crank paused",
			"market", marketID,
			"until", cb.CooldownUntil,
			"reason", cb.TrippedReason,
		)
	}
}

func (c *Crank) recordSuccess(marketID uuid.UUID, profit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaker(marketID).RecordSuccess(profit)
}
