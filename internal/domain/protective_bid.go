package domain

import (
	"math"

	"github.com/holiman/uint256"
)

// ProtectiveBid is a standing order that buys asset at a fixed NAV price until
// its capacity is used up. It is the third venue of the tri-route optimizer.
type ProtectiveBid struct {
	navPrice uint64
	capacity uint64
	feeBps   uint16
	filled   uint64
	paid     uint64
}

func NewProtectiveBid(navPrice, capacity uint64, feeBps uint16) (*ProtectiveBid, error) {
	if navPrice == 0 {
		return nil, ErrInvalidNAVPrice
	}
	if err := ValidateFee(feeBps); err != nil {
		return nil, err
	}
	return &ProtectiveBid{navPrice: navPrice, capacity: capacity, feeBps: feeBps}, nil
}

func (b *ProtectiveBid) Snapshot() BidSnapshot {
	return BidSnapshot{NAVPrice: b.navPrice, Capacity: b.capacity, FeeBps: b.feeBps}
}

// Filled returns the asset bought and stable paid so far.
func (b *ProtectiveBid) Filled() (asset, stable uint64) {
	return b.filled, b.paid
}

// Fill sells assetIn to the bid. Errors leave the bid untouched.
func (b *ProtectiveBid) Fill(assetIn, minOut uint64) (uint64, error) {
	if assetIn == 0 {
		return 0, ErrZeroAmount
	}
	if !b.Snapshot().Active() {
		return 0, ErrBidInactive
	}
	if assetIn > b.capacity {
		return 0, ErrBidCapacity
	}
	out := bidProceeds(assetIn, b.navPrice, b.feeBps)
	if out == 0 {
		return 0, ErrInsufficientLiquidity
	}
	if out < minOut {
		return 0, ErrSlippageExceeded
	}
	b.capacity -= assetIn
	b.filled = satAdd(b.filled, assetIn)
	b.paid = satAdd(b.paid, out)
	return out, nil
}

// BidCheckpoint is an opaque copy of the bid state.
type BidCheckpoint struct {
	state ProtectiveBid
}

func (b *ProtectiveBid) Checkpoint() BidCheckpoint { return BidCheckpoint{state: *b} }

func (b *ProtectiveBid) Rollback(cp BidCheckpoint) { *b = cp.state }

// bidProceeds = assetIn·nav·(10000−fee) / (PriceScale·10000), floored.
func bidProceeds(assetIn, nav uint64, feeBps uint16) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(assetIn), uint256.NewInt(nav))
	v.Mul(v, uint256.NewInt(uint64(FeeDenominator-feeBps)))
	v.Div(v, new(uint256.Int).Mul(uint256.NewInt(PriceScale), uint256.NewInt(FeeDenominator)))
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// bidInput is the smallest z with bidProceeds(z) ≥ out.
func bidInput(out, nav uint64, feeBps uint16) (uint64, bool) {
	num := new(uint256.Int).Mul(uint256.NewInt(out), uint256.NewInt(PriceScale))
	num.Mul(num, uint256.NewInt(FeeDenominator))
	den := new(uint256.Int).Mul(uint256.NewInt(nav), uint256.NewInt(uint64(FeeDenominator-feeBps)))
	z := divCeil(num, den)
	if !z.IsUint64() {
		return 0, false
	}
	return z.Uint64(), true
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
