package arbitrage

import "github.com/alejandrodnm/quantamm/internal/domain"

// conservative caps r.Profit at what Execute realizes on the same state. The
// closed-form curve rounds once while execution rounds on every leg, so near
// equilibrium the curve can report a profit the trade never makes; such plans
// become zero.
func conservative(r Result, spot domain.PoolSnapshot, conds []domain.PoolSnapshot, bid domain.BidSnapshot) Result {
	if r.IsZero() {
		return r
	}
	out, in, ok := replay(r, spot, conds, bid)
	if !ok || out <= in {
		return Result{}
	}
	if p := out - in; p < r.Profit {
		r.Profit = p
		r.Input = r.Amount - p
	}
	return r
}

// replay runs the legs of Execute on snapshots and returns the stable
// received and paid. The venues are independent, so each leg sees the
// pre-trade state exactly as it does during execution.
func replay(r Result, spot domain.PoolSnapshot, conds []domain.PoolSnapshot, bid domain.BidSnapshot) (out, in uint64, ok bool) {
	switch r.Route {
	case RouteSpotConditional:
		if r.SpotToConditional {
			return replaySpotToConditional(spot, conds, r.Amount)
		}
		return replayConditionalToSpot(spot, conds, r.Amount)
	case RouteSpotBid:
		return replaySpotToBid(spot, bid, r.Amount)
	case RouteConditionalBid:
		return replayConditionalToBid(conds, bid, r.Amount)
	}
	return 0, 0, false
}

// replayLegs mirrors legInputs followed by swapAll: the input each pool needs
// to deliver out, the largest of them, and the smallest amount actually
// received across pools.
func replayLegs(conds []domain.PoolSnapshot, out uint64, in domain.Side) (most, least uint64, ok bool) {
	if len(conds) == 0 {
		return 0, 0, false
	}
	xs := make([]uint64, len(conds))
	for i, c := range conds {
		x, ok := c.QuoteIn(out, in)
		if !ok {
			return 0, 0, false
		}
		xs[i] = x
		most = max(most, x)
	}
	for i, c := range conds {
		got := c.QuoteOut(xs[i], in)
		if got < out {
			return 0, 0, false
		}
		if i == 0 || got < least {
			least = got
		}
	}
	return most, least, true
}

func replaySpotToConditional(spot domain.PoolSnapshot, conds []domain.PoolSnapshot, b uint64) (uint64, uint64, bool) {
	need, least, ok := replayLegs(conds, b, domain.SideAsset)
	if !ok {
		return 0, 0, false
	}
	y, ok := spot.QuoteIn(need, domain.SideStable)
	if !ok || spot.QuoteOut(y, domain.SideStable) < need {
		return 0, 0, false
	}
	return least, y, true
}

func replayConditionalToSpot(spot domain.PoolSnapshot, conds []domain.PoolSnapshot, b uint64) (uint64, uint64, bool) {
	z, ok := spot.QuoteIn(b, domain.SideAsset)
	if !ok {
		return 0, 0, false
	}
	paid, assembled, ok := replayLegs(conds, z, domain.SideStable)
	if !ok {
		return 0, 0, false
	}
	out := spot.QuoteOut(assembled, domain.SideAsset)
	if out < b {
		return 0, 0, false
	}
	return out, paid, true
}

func replaySpotToBid(spot domain.PoolSnapshot, bid domain.BidSnapshot, b uint64) (uint64, uint64, bool) {
	z, ok := bid.QuoteIn(b)
	if !ok {
		return 0, 0, false
	}
	y, ok := spot.QuoteIn(z, domain.SideStable)
	if !ok {
		return 0, 0, false
	}
	bought := spot.QuoteOut(y, domain.SideStable)
	if bought < z {
		return 0, 0, false
	}
	out := bid.Quote(min(bought, bid.Capacity))
	if out < b {
		return 0, 0, false
	}
	return out, y, true
}

func replayConditionalToBid(conds []domain.PoolSnapshot, bid domain.BidSnapshot, b uint64) (uint64, uint64, bool) {
	z, ok := bid.QuoteIn(b)
	if !ok {
		return 0, 0, false
	}
	paid, assembled, ok := replayLegs(conds, z, domain.SideStable)
	if !ok {
		return 0, 0, false
	}
	out := bid.Quote(min(assembled, bid.Capacity))
	if out < b {
		return 0, 0, false
	}
	return out, paid, true
}
