// Package arbitrage computes and executes the trades that keep the spot pool,
// the conditional pools of a market and the optional protective bid on a
// single no-arbitrage price.
package arbitrage

import (
	"fmt"

	"github.com/alejandrodnm/quantamm/internal/domain"
)

// MaxConditionalPools is the most pools the optimizer accepts in one call.
const MaxConditionalPools = domain.MaxOutcomes

// Result is an optimal trade. All amounts are in stable units:
// Amount is what the output leg delivers (b), Input what the input leg costs,
// Profit = Amount − Input. Profit never exceeds what Execute realizes on the
// state the plan was computed from.
type Result struct {
	Route             Route
	SpotToConditional bool
	Amount            uint64
	Input             uint64
	Profit            uint64
}

// IsZero reports whether there is nothing to trade.
func (r Result) IsZero() bool {
	return r.Route == RouteNone || r.Profit == 0
}

func resultFrom(route Route, p point) Result {
	profit := p.profit()
	if profit == 0 {
		return Result{}
	}
	return Result{Route: route, Amount: p.b, Input: p.cost.Uint64(), Profit: profit}
}

func checkCapacity(conds []domain.PoolSnapshot) error {
	if len(conds) > MaxConditionalPools {
		return fmt.Errorf("%w: %d > %d", domain.ErrTooManyOutcomes, len(conds), MaxConditionalPools)
	}
	return nil
}

func liquid(conds []domain.PoolSnapshot) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !c.HasLiquidity() {
			return false
		}
	}
	return true
}

// Optimize finds the most profitable trade between the spot pool and the
// conditional pools of a market, in either direction.
//
// Spot→conditional buys asset on spot, mints it as a complete set and sells
// every outcome's claim; conditional→spot mints stable, buys asset claims in
// every pool, burns the complete set and sells the asset on spot. Degenerate
// input (no pools, an empty pool, prices inside the fee band, profit below
// minProfit) returns a zero Result. Only more than MaxConditionalPools pools
// is an error.
func Optimize(spot domain.PoolSnapshot, conds []domain.PoolSnapshot, minProfit uint64) (Result, error) {
	if err := checkCapacity(conds); err != nil {
		return Result{}, err
	}
	if !spot.HasLiquidity() || !liquid(conds) {
		return Result{}, nil
	}
	tol := tolerance(spot)
	s2c := resultFrom(RouteSpotConditional, solve(spotToConditional(spot, conds), tol, 0))
	s2c.SpotToConditional = !s2c.IsZero()
	s2c = conservative(s2c, spot, conds, domain.BidSnapshot{})
	c2s := resultFrom(RouteSpotConditional, solve(conditionalToSpot(spot, conds), tol, 0))
	c2s = conservative(c2s, spot, conds, domain.BidSnapshot{})

	best := s2c
	if c2s.Profit > s2c.Profit {
		best = c2s
	}
	if best.IsZero() || best.Profit < minProfit {
		return Result{}, nil
	}
	return best, nil
}

// P = spot, Q = each conditional pool.
func spotToConditional(spot domain.PoolSnapshot, conds []domain.PoolSnapshot) chain {
	ch := make(chain, len(conds))
	for i, c := range conds {
		ch[i] = poolCurve(spot, c)
	}
	return ch
}

// P = each conditional pool, Q = spot.
func conditionalToSpot(spot domain.PoolSnapshot, conds []domain.PoolSnapshot) chain {
	ch := make(chain, len(conds))
	for i, c := range conds {
		ch[i] = poolCurve(c, spot)
	}
	return ch
}
