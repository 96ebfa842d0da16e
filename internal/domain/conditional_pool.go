package domain

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ConditionalPool trades the claims of one outcome. Unlike the spot pool the
// swap fee is not folded into the reserves: it accrues to the protocol fee
// balances and is returned to the spot pool on recombine if the outcome wins.
type ConditionalPool struct {
	marketID          uuid.UUID
	outcome           int
	assetReserve      uint64
	stableReserve     uint64
	feeBps            uint16
	bootstrap         uint64
	protocolFeeAsset  uint64
	protocolFeeStable uint64
}

func newConditionalPool(marketID uuid.UUID, outcome int, feeBps uint16, bootstrap uint64) ConditionalPool {
	return ConditionalPool{
		marketID:      marketID,
		outcome:       outcome,
		assetReserve:  bootstrap,
		stableReserve: bootstrap,
		feeBps:        feeBps,
		bootstrap:     bootstrap,
	}
}

func (p *ConditionalPool) MarketID() uuid.UUID { return p.marketID }

func (p *ConditionalPool) Outcome() int { return p.outcome }

func (p *ConditionalPool) FeeBps() uint16 { return p.feeBps }

func (p *ConditionalPool) Bootstrap() uint64 { return p.bootstrap }

func (p *ConditionalPool) Reserves() (uint64, uint64) {
	return p.assetReserve, p.stableReserve
}

// ProtocolFees returns the accrued (asset, stable) swap fees.
func (p *ConditionalPool) ProtocolFees() (uint64, uint64) {
	return p.protocolFeeAsset, p.protocolFeeStable
}

func (p *ConditionalPool) Price() uint64 {
	return SpotPrice(p.assetReserve, p.stableReserve)
}

func (p *ConditionalPool) K() *uint256.Int {
	return ConstantProduct(p.assetReserve, p.stableReserve)
}

func (p *ConditionalPool) Snapshot() PoolSnapshot {
	return PoolSnapshot{AssetReserve: p.assetReserve, StableReserve: p.stableReserve, FeeBps: p.feeBps}
}

func (p *ConditionalPool) Quote(amountIn uint64, in Side) uint64 {
	return p.Snapshot().QuoteOut(amountIn, in)
}

func (p *ConditionalPool) QuoteIn(amountOut uint64, in Side) (uint64, bool) {
	return p.Snapshot().QuoteIn(amountOut, in)
}

// Swap trades claims of this outcome. Only the fee-adjusted input enters the
// reserves; the fee part goes to the protocol balance of the input side.
func (p *ConditionalPool) Swap(amountIn uint64, in Side, minOut uint64) (uint64, error) {
	if !in.valid() {
		return 0, ErrInvalidSide
	}
	rin, rout, fee := p.sides(in)
	out, err := applySwap(amountIn, *rin, *rout, minOut, p.feeBps)
	if err != nil {
		return 0, fmt.Errorf("conditional swap outcome %d %s in: %w", p.outcome, in, err)
	}
	// the bootstrap is never paid out
	if out > satSub(*rout, p.bootstrap) {
		return 0, fmt.Errorf("conditional swap outcome %d %s in: %w", p.outcome, in, ErrInsufficientLiquidity)
	}
	eff := EffectiveInput(amountIn, p.feeBps)
	if *fee > math.MaxUint64-(amountIn-eff) {
		return 0, ErrReserveOverflow
	}
	*rin += eff
	*fee += amountIn - eff
	*rout -= out
	return out, nil
}

func (p *ConditionalPool) sides(in Side) (rin, rout, fee *uint64) {
	if in == SideAsset {
		return &p.assetReserve, &p.stableReserve, &p.protocolFeeAsset
	}
	return &p.stableReserve, &p.assetReserve, &p.protocolFeeStable
}

// deposit adds split liquidity on top of the bootstrap.
func (p *ConditionalPool) deposit(asset, stable uint64) error {
	if p.assetReserve > math.MaxUint64-asset || p.stableReserve > math.MaxUint64-stable {
		return ErrReserveOverflow
	}
	p.assetReserve += asset
	p.stableReserve += stable
	return nil
}

// drain empties the pool down to the bootstrap and clears fees, returning what
// was above the bootstrap plus the fees.
func (p *ConditionalPool) drain() (asset, stable, feeAsset, feeStable uint64) {
	asset = satSub(p.assetReserve, p.bootstrap)
	stable = satSub(p.stableReserve, p.bootstrap)
	feeAsset, feeStable = p.protocolFeeAsset, p.protocolFeeStable
	p.assetReserve -= asset
	p.stableReserve -= stable
	p.protocolFeeAsset, p.protocolFeeStable = 0, 0
	return asset, stable, feeAsset, feeStable
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
