package crank

// concurrent.go: worker pool para planificar muchos mercados en paralelo.
//
// Sólo lee snapshots: los planes son orientativos y Rebalance vuelve a
// optimizar sobre el estado real antes de ejecutar.

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/domain/arbitrage"
	"github.com/google/uuid"
)

// MarketSnapshot es el estado inmutable de un mercado para planificar.
type MarketSnapshot struct {
	MarketID     uuid.UUID
	Spot         domain.PoolSnapshot
	Conditionals []domain.PoolSnapshot
	Bid          domain.BidSnapshot
}

// Opportunity es un plan rentable encontrado por ScanMarkets.
type Opportunity struct {
	MarketID uuid.UUID
	Plan     arbitrage.Result
}

// ScanMarkets runs the optimizer over every snapshot with a worker pool and
// returns the plans that clear MinProfit, most profitable first.
func (c *Crank) ScanMarkets(ctx context.Context, markets []MarketSnapshot) []Opportunity {
	workers := c.cfg.ScanWorkers
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	workCh := make(chan MarketSnapshot, len(markets))
	resultCh := make(chan Opportunity, len(markets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range workCh {
				if ctx.Err() != nil {
					continue
				}
				plan, err := c.planSnapshot(m)
				if err != nil {
					slog.Debug("plan failed", "market", m.MarketID, "err", err)
					continue
				}
				if plan.IsZero() || plan.Profit < c.cfg.MinProfit {
					continue
				}
				resultCh <- Opportunity{MarketID: m.MarketID, Plan: plan}
			}
		}()
	}

	for _, m := range markets {
		workCh <- m
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	opps := make([]Opportunity, 0, len(markets))
	for opp := range resultCh {
		opps = append(opps, opp)
	}
	sort.Slice(opps, func(i, j int) bool {
		if opps[i].Plan.Profit != opps[j].Plan.Profit {
			return opps[i].Plan.Profit > opps[j].Plan.Profit
		}
		return opps[i].MarketID.String() < opps[j].MarketID.String()
	})

	slog.Debug("concurrent scan complete",
		"markets", len(markets),
		"opportunities", len(opps),
		"workers", workers,
	)
	return opps
}

func (c *Crank) planSnapshot(m MarketSnapshot) (arbitrage.Result, error) {
	if m.Bid.Active() {
		return arbitrage.OptimizeTriRoute(m.Spot, m.Conditionals, m.Bid, c.cfg.MinProfit)
	}
	return arbitrage.Optimize(m.Spot, m.Conditionals, c.cfg.MinProfit)
}
