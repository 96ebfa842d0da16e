package domain

// PoolSnapshot is a read-only copy of a pool's reserves and fee, used by the
// optimizer. Safe to share between goroutines.
type PoolSnapshot struct {
	AssetReserve  uint64
	StableReserve uint64
	FeeBps        uint16
}

// HasLiquidity is false when either side is empty.
func (s PoolSnapshot) HasLiquidity() bool {
	return s.AssetReserve > 0 && s.StableReserve > 0
}

func (s PoolSnapshot) Price() uint64 {
	return SpotPrice(s.AssetReserve, s.StableReserve)
}

// QuoteOut simulates swapping amountIn of side `in`.
func (s PoolSnapshot) QuoteOut(amountIn uint64, in Side) uint64 {
	if in == SideAsset {
		return QuoteOut(amountIn, s.AssetReserve, s.StableReserve, s.FeeBps)
	}
	return QuoteOut(amountIn, s.StableReserve, s.AssetReserve, s.FeeBps)
}

// QuoteIn returns the smallest input of side `in` that yields amountOut.
func (s PoolSnapshot) QuoteIn(amountOut uint64, in Side) (uint64, bool) {
	if in == SideAsset {
		return QuoteIn(amountOut, s.AssetReserve, s.StableReserve, s.FeeBps)
	}
	return QuoteIn(amountOut, s.StableReserve, s.AssetReserve, s.FeeBps)
}

// BidSnapshot describes the protective bid: it buys asset at a fixed NAV price
// (PriceScale fixed point) up to Capacity asset units, charging FeeBps.
type BidSnapshot struct {
	NAVPrice uint64
	Capacity uint64
	FeeBps   uint16
}

// Active reports whether the bid can absorb any flow at all.
func (b BidSnapshot) Active() bool {
	return b.NAVPrice > 0 && b.Capacity > 0 && b.FeeBps < FeeDenominator
}

// Quote returns the stable paid for assetIn: assetIn·NAV·(10000−fee)/(S·10000).
func (b BidSnapshot) Quote(assetIn uint64) uint64 {
	if !b.Active() || assetIn == 0 {
		return 0
	}
	return bidProceeds(assetIn, b.NAVPrice, b.FeeBps)
}

// QuoteIn returns the smallest asset amount paid at least stableOut.
func (b BidSnapshot) QuoteIn(stableOut uint64) (uint64, bool) {
	if stableOut == 0 {
		return 0, true
	}
	if !b.Active() {
		return 0, false
	}
	return bidInput(stableOut, b.NAVPrice, b.FeeBps)
}

// MaxProceeds is the stable paid for the whole remaining capacity.
func (b BidSnapshot) MaxProceeds() uint64 {
	return b.Quote(b.Capacity)
}
