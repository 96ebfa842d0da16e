package arbitrage

import "github.com/alejandrodnm/quantamm/internal/domain"

// Route identifies the venues a trade goes through.
type Route uint8

const (
	RouteNone Route = iota
	RouteSpotConditional
	RouteSpotBid
	RouteConditionalBid
)

func (r Route) String() string {
	switch r {
	case RouteNone:
		return "none"
	case RouteSpotConditional:
		return "spot-conditional"
	case RouteSpotBid:
		return "spot-bid"
	case RouteConditionalBid:
		return "conditional-bid"
	default:
		return "unknown"
	}
}

// OptimizeTriRoute compares the spot↔conditional trade with selling to the
// protective bid, either asset bought on spot or asset assembled from a
// complete set of conditional claims. The strictly most profitable route
// wins; a tie at the top selects RouteNone.
func OptimizeTriRoute(spot domain.PoolSnapshot, conds []domain.PoolSnapshot, bid domain.BidSnapshot, minProfit uint64) (Result, error) {
	if err := checkCapacity(conds); err != nil {
		return Result{}, err
	}
	twoVenue, err := Optimize(spot, conds, 0)
	if err != nil {
		return Result{}, err
	}
	candidates := []Result{
		twoVenue,
		spotToBid(spot, bid),
		conditionalToBid(spot, conds, bid),
	}

	best, tie := Result{}, false
	for _, c := range candidates {
		switch {
		case c.IsZero():
		case c.Profit > best.Profit:
			best, tie = c, false
		case c.Profit == best.Profit:
			tie = true
		}
	}
	if tie || best.IsZero() || best.Profit < minProfit {
		return Result{}, nil
	}
	return best, nil
}

func spotToBid(spot domain.PoolSnapshot, bid domain.BidSnapshot) Result {
	capB := bid.MaxProceeds()
	if capB == 0 || !spot.HasLiquidity() {
		return Result{}
	}
	ch := chain{bidCurve(spot, bid)}
	r := resultFrom(RouteSpotBid, solve(ch, tolerance(spot), capB))
	return conservative(r, spot, nil, bid)
}

// Every conditional pool must deliver the asset claim of its outcome, so the
// chain takes the worst cost across pools.
func conditionalToBid(spot domain.PoolSnapshot, conds []domain.PoolSnapshot, bid domain.BidSnapshot) Result {
	capB := bid.MaxProceeds()
	if capB == 0 || !spot.HasLiquidity() || !liquid(conds) {
		return Result{}
	}
	ch := make(chain, len(conds))
	for i, c := range conds {
		ch[i] = bidCurve(c, bid)
	}
	r := resultFrom(RouteConditionalBid, solve(ch, tolerance(spot), capB))
	return conservative(r, spot, conds, bid)
}
