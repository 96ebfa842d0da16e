package domain

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SpotPool is the continuously traded constant-product pool of a market.
// Swap fees stay in the reserves, so K grows with volume.
type SpotPool struct {
	id            uuid.UUID
	assetReserve  uint64
	stableReserve uint64
	feeBps        uint16
	lpSupply      uint64
	activeEscrow  uuid.UUID // uuid.Nil when no escrow is registered
}

// NewSpotPool creates an empty pool. Liquidity is added with AddLiquidity.
func NewSpotPool(feeBps uint16) (*SpotPool, error) {
	if err := ValidateFee(feeBps); err != nil {
		return nil, err
	}
	return &SpotPool{id: uuid.New(), feeBps: feeBps}, nil
}

func (p *SpotPool) ID() uuid.UUID { return p.id }

func (p *SpotPool) FeeBps() uint16 { return p.feeBps }

func (p *SpotPool) LPSupply() uint64 { return p.lpSupply }

// Reserves returns (asset, stable).
func (p *SpotPool) Reserves() (uint64, uint64) {
	return p.assetReserve, p.stableReserve
}

// Price returns stable per asset in PriceScale fixed point.
func (p *SpotPool) Price() uint64 {
	return SpotPrice(p.assetReserve, p.stableReserve)
}

// K returns asset·stable in 256 bits.
func (p *SpotPool) K() *uint256.Int {
	return ConstantProduct(p.assetReserve, p.stableReserve)
}

// ActiveEscrow returns the market id of the registered escrow, if any.
func (p *SpotPool) ActiveEscrow() (uuid.UUID, bool) {
	return p.activeEscrow, p.activeEscrow != uuid.Nil
}

func (p *SpotPool) Snapshot() PoolSnapshot {
	return PoolSnapshot{AssetReserve: p.assetReserve, StableReserve: p.stableReserve, FeeBps: p.feeBps}
}

// Quote simulates a swap of amountIn of side `in` without mutating the pool.
func (p *SpotPool) Quote(amountIn uint64, in Side) uint64 {
	return p.Snapshot().QuoteOut(amountIn, in)
}

// QuoteIn returns the input of side `in` needed to receive amountOut of the other side.
func (p *SpotPool) QuoteIn(amountOut uint64, in Side) (uint64, bool) {
	return p.Snapshot().QuoteIn(amountOut, in)
}

// Swap trades amountIn of side `in` for the other side.
// The pool is left untouched on error.
func (p *SpotPool) Swap(amountIn uint64, in Side, minOut uint64) (uint64, error) {
	if !in.valid() {
		return 0, ErrInvalidSide
	}
	rin, rout := p.sides(in)
	out, err := applySwap(amountIn, *rin, *rout, minOut, p.feeBps)
	if err != nil {
		return 0, fmt.Errorf("spot swap %s in: %w", in, err)
	}
	*rin += amountIn
	*rout -= out
	return out, nil
}

func (p *SpotPool) sides(in Side) (rin, rout *uint64) {
	if in == SideAsset {
		return &p.assetReserve, &p.stableReserve
	}
	return &p.stableReserve, &p.assetReserve
}

// AddLiquidity deposits both sides and mints LP units to the caller.
// The first deposit mints √(asset·stable) and locks MinimumLiquidity of it.
// Later deposits mint the smaller of the two proportional amounts; the excess
// of the other side stays in the pool.
func (p *SpotPool) AddLiquidity(asset, stable uint64) (uint64, error) {
	if asset == 0 || stable == 0 {
		return 0, ErrZeroAmount
	}
	if p.assetReserve > math.MaxUint64-asset || p.stableReserve > math.MaxUint64-stable {
		return 0, ErrReserveOverflow
	}

	var minted uint64
	if p.lpSupply == 0 {
		root := new(uint256.Int).Sqrt(ConstantProduct(asset, stable)).Uint64()
		if root <= MinimumLiquidity {
			return 0, ErrInitialLiquidity
		}
		p.lpSupply = root
		minted = root - MinimumLiquidity
	} else {
		byAsset := MulDiv(asset, p.lpSupply, p.assetReserve)
		byStable := MulDiv(stable, p.lpSupply, p.stableReserve)
		minted = min(byAsset, byStable)
		if minted == 0 {
			return 0, ErrInsufficientLiquidity
		}
		if p.lpSupply > math.MaxUint64-minted {
			return 0, ErrReserveOverflow
		}
		p.lpSupply += minted
	}
	p.assetReserve += asset
	p.stableReserve += stable
	return minted, nil
}

// RemoveLiquidity burns lp units and returns the proportional reserves.
// Blocked while an escrow holds part of the liquidity.
func (p *SpotPool) RemoveLiquidity(lp uint64) (asset, stable uint64, err error) {
	if lp == 0 {
		return 0, 0, ErrZeroAmount
	}
	if p.activeEscrow != uuid.Nil {
		return 0, 0, ErrLiquidityLocked
	}
	if p.lpSupply < MinimumLiquidity || lp > p.lpSupply-MinimumLiquidity {
		return 0, 0, ErrInsufficientLP
	}
	asset = MulDiv(lp, p.assetReserve, p.lpSupply)
	stable = MulDiv(lp, p.stableReserve, p.lpSupply)
	if asset >= p.assetReserve || stable >= p.stableReserve {
		return 0, 0, ErrInsufficientLiquidity
	}
	p.lpSupply -= lp
	p.assetReserve -= asset
	p.stableReserve -= stable
	return asset, stable, nil
}

// RegisterEscrow links the escrow of marketID to the pool. Only one escrow may
// be active at a time.
func (p *SpotPool) RegisterEscrow(marketID uuid.UUID) error {
	if p.activeEscrow != uuid.Nil {
		return ErrEscrowActive
	}
	p.activeEscrow = marketID
	return nil
}

// ReleaseEscrow clears the registration of marketID.
func (p *SpotPool) ReleaseEscrow(marketID uuid.UUID) error {
	if p.activeEscrow == uuid.Nil {
		return ErrNoActiveEscrow
	}
	if p.activeEscrow != marketID {
		return ErrMarketMismatch
	}
	p.activeEscrow = uuid.Nil
	return nil
}

// TransferToEscrow moves reserves out of the pool for a quantum split.
// K drops; only the quantum manager calls it.
func (p *SpotPool) TransferToEscrow(asset, stable uint64) error {
	if asset > p.assetReserve || stable > p.stableReserve {
		return ErrInsufficientLiquidity
	}
	p.assetReserve -= asset
	p.stableReserve -= stable
	return nil
}

// CanAbsorb reports whether TransferFromEscrow would succeed.
func (p *SpotPool) CanAbsorb(asset, stable uint64) bool {
	return p.assetReserve <= math.MaxUint64-asset && p.stableReserve <= math.MaxUint64-stable
}

// TransferFromEscrow folds recombined liquidity back into the reserves.
func (p *SpotPool) TransferFromEscrow(asset, stable uint64) error {
	if !p.CanAbsorb(asset, stable) {
		return ErrReserveOverflow
	}
	p.assetReserve += asset
	p.stableReserve += stable
	return nil
}

// SpotCheckpoint is an opaque copy of the pool state.
type SpotCheckpoint struct {
	state SpotPool
}

func (p *SpotPool) Checkpoint() SpotCheckpoint {
	return SpotCheckpoint{state: *p}
}

// Rollback restores the state captured by cp in place.
func (p *SpotPool) Rollback(cp SpotCheckpoint) {
	*p = cp.state
}
