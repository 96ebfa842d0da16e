package arbitrage

import (
	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/holiman/uint256"
)

const (
	coarseSteps         = 32
	maxRefineIterations = 128
	// refinement stops once the bracket is within 1/toleranceDivisor of the
	// spot pool's largest reserve.
	toleranceDivisor = 10_000
	minTolerance     = 2
)

// point is a candidate output size with its required input.
// cost nil marks an infeasible size.
type point struct {
	b    uint64
	cost *uint256.Int
}

// better reports profit(x) > profit(y) without ever forming a negative:
// x.b − x.cost > y.b − y.cost  ⇔  x.b + y.cost > y.b + x.cost.
func better(x, y point) bool {
	if x.cost == nil {
		return false
	}
	if y.cost == nil {
		return true
	}
	lhs := addSat(word(x.b), y.cost)
	rhs := addSat(word(y.b), x.cost)
	return lhs.Gt(rhs)
}

func (p point) profit() uint64 {
	if p.cost == nil || !p.cost.Lt(word(p.b)) {
		return 0
	}
	return p.b - p.cost.Uint64()
}

func (ch chain) eval(b uint64) point {
	return point{b: b, cost: ch.required(b)}
}

// tolerance is ~0.01% of the spot pool's largest reserve. It depends on the
// spot pool only so that adding a dominated conditional pool cannot change
// the search path.
func tolerance(spot domain.PoolSnapshot) uint64 {
	return max(max(spot.AssetReserve, spot.StableReserve)/toleranceDivisor, minTolerance)
}

// maximize finds the b in [0, upper] with the largest profit. profit(b) is
// concave, so a coarse grid brackets the optimum and a bounded ternary search
// narrows it down to tol.
func maximize(ch chain, upper, tol uint64) point {
	grid := make([]point, coarseSteps+1)
	bestK := 0
	for k := range grid {
		grid[k] = ch.eval(domain.MulDiv(upper, uint64(k), coarseSteps))
		if better(grid[k], grid[bestK]) {
			bestK = k
		}
	}
	best := grid[bestK]
	lo := grid[max(bestK-1, 0)].b
	hi := grid[min(bestK+1, coarseSteps)].b

	for i := 0; i < maxRefineIterations && hi-lo > tol; i++ {
		third := (hi - lo) / 3
		m1, m2 := ch.eval(lo+third), ch.eval(hi-third)
		if better(m1, best) {
			best = m1
		}
		if better(m2, best) {
			best = m2
		}
		if better(m2, m1) {
			lo = m1.b
		} else {
			hi = m2.b
		}
	}
	for _, b := range []uint64{lo, lo + (hi-lo)/2, hi} {
		if p := ch.eval(b); better(p, best) {
			best = p
		}
	}
	return best
}

// solve returns the most profitable point of ch, capped at bCap (0 = no cap),
// or the zero point when the chain is closed.
func solve(ch chain, tol, bCap uint64) point {
	zero := point{cost: new(uint256.Int)}
	if !ch.opensAtMargin() {
		return zero
	}
	upper := ch.upper()
	if bCap > 0 {
		upper = min(upper, bCap)
	}
	if upper == 0 {
		return zero
	}
	best := maximize(ch, upper, tol)
	if best.profit() == 0 {
		return zero
	}
	return best
}
