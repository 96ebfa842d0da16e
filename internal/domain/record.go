package domain

import (
	"time"

	"github.com/google/uuid"
)

// RebalanceRecord is the persisted trace of one executed rebalance.
type RebalanceRecord struct {
	ID                uuid.UUID
	MarketID          uuid.UUID
	Route             string
	SpotToConditional bool
	Amount            uint64 // planned output size
	Input             uint64
	Output            uint64
	Profit            uint64
	PlannedProfit     uint64
	AssetToBid        uint64
	ResidualAsset     uint64
	SpotPriceBefore   uint64
	SpotPriceAfter    uint64
	ExecutedAt        time.Time
}

// LifecycleKind names a transition of a market.
type LifecycleKind string

const (
	LifecycleCreated   LifecycleKind = "created"
	LifecycleSplit     LifecycleKind = "split"
	LifecycleRecombine LifecycleKind = "recombine"
)

// LifecycleEvent records a market transition and the liquidity it moved.
type LifecycleEvent struct {
	ID             uuid.UUID
	MarketID       uuid.UUID
	Kind           LifecycleKind
	Ratio          uint8
	Winner         int // -1 unless Kind is recombine
	Asset          uint64
	Stable         uint64
	FeesAsset      uint64
	FeesStable     uint64
	StrandedAsset  uint64
	StrandedStable uint64
	At             time.Time
}

// MarketStatus is the trading phase of a market.
type MarketStatus string

const (
	MarketPending MarketStatus = "pending"
	MarketTrading MarketStatus = "trading"
	MarketSettled MarketStatus = "settled"
)

// MarketView is a read-only summary of a market for reporting and storage.
type MarketView struct {
	ID            uuid.UUID
	Name          string
	Status        MarketStatus
	Outcomes      int
	Spot          PoolSnapshot
	Conditionals  []PoolSnapshot
	BackingAsset  uint64
	BackingStable uint64
	Winner        int // -1 until settled
	SplitAt       time.Time
	UpdatedAt     time.Time
}

// SpotPrice returns the spot price in PriceScale fixed point.
func (v MarketView) SpotPrice() uint64 {
	return v.Spot.Price()
}

// PriceBand returns the lowest and highest conditional price, or (0, 0) when
// the market has no conditional pools.
func (v MarketView) PriceBand() (lo, hi uint64) {
	for i, c := range v.Conditionals {
		p := c.Price()
		if i == 0 || p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return lo, hi
}
