package domain

import (
	"math"

	"github.com/holiman/uint256"
)

const (
	// FeeDenominator is the basis-point scale of every fee in the system.
	FeeDenominator = 10_000
	// PriceScale is the fixed-point scale of prices (stable per asset).
	PriceScale = 1_000_000_000_000
	// MaxOutcomes caps the conditional pools of a single market.
	MaxOutcomes = 50
	// DefaultBootstrap is seeded into every conditional pool side at creation.
	DefaultBootstrap = 1_000
	// MinimumLiquidity LP units are locked forever on the first deposit.
	MinimumLiquidity = 1_000
)

// Side selects one of the two assets of a pool.
type Side uint8

const (
	SideAsset Side = iota
	SideStable
)

func (s Side) String() string {
	switch s {
	case SideAsset:
		return "asset"
	case SideStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Other devuelve el lado contrario.
func (s Side) Other() Side {
	if s == SideAsset {
		return SideStable
	}
	return SideAsset
}

func (s Side) valid() bool {
	return s == SideAsset || s == SideStable
}

// ValidateFee checks that feeBps is within [0, FeeDenominator].
func ValidateFee(feeBps uint16) error {
	if feeBps > FeeDenominator {
		return ErrInvalidFee
	}
	return nil
}

// EffectiveInput applies the swap fee: amountIn·(10000−fee)/10000, floored.
func EffectiveInput(amountIn uint64, feeBps uint16) uint64 {
	if feeBps >= FeeDenominator {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(amountIn), uint256.NewInt(uint64(FeeDenominator-feeBps)))
	return v.Div(v, uint256.NewInt(FeeDenominator)).Uint64()
}

// QuoteOut is the fee-adjusted constant-product output for amountIn.
//
//	out = eff·reserveOut / (reserveIn + eff)
//
// which equals reserveOut − reserveIn·reserveOut/(reserveIn+eff) rounded in
// the pool's favour, so K never decreases.
func QuoteOut(amountIn, reserveIn, reserveOut uint64, feeBps uint16) uint64 {
	if amountIn == 0 || reserveOut == 0 {
		return 0
	}
	eff := EffectiveInput(amountIn, feeBps)
	if eff == 0 {
		return 0
	}
	num := new(uint256.Int).Mul(uint256.NewInt(eff), uint256.NewInt(reserveOut))
	den := new(uint256.Int).Add(uint256.NewInt(reserveIn), uint256.NewInt(eff))
	return num.Div(num, den).Uint64()
}

// QuoteIn returns the smallest input for which QuoteOut yields at least
// amountOut. ok is false when amountOut cannot be extracted (it would drain
// the pool, the fee eats the whole input, or the input overflows uint64).
func QuoteIn(amountOut, reserveIn, reserveOut uint64, feeBps uint16) (uint64, bool) {
	if amountOut == 0 {
		return 0, true
	}
	if amountOut >= reserveOut || feeBps >= FeeDenominator {
		return 0, false
	}
	// eff ≥ ceil(out·reserveIn / (reserveOut − out))
	need := divCeil(
		new(uint256.Int).Mul(uint256.NewInt(amountOut), uint256.NewInt(reserveIn)),
		uint256.NewInt(reserveOut-amountOut),
	)
	// amountIn ≥ ceil(eff·10000 / (10000 − fee))
	in := divCeil(
		new(uint256.Int).Mul(need, uint256.NewInt(FeeDenominator)),
		uint256.NewInt(uint64(FeeDenominator-feeBps)),
	)
	if in.IsZero() {
		in.SetOne()
	}
	if !in.IsUint64() {
		return 0, false
	}
	return in.Uint64(), true
}

// ConstantProduct returns asset·stable without overflow.
func ConstantProduct(asset, stable uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(asset), uint256.NewInt(stable))
}

// SpotPrice returns stable/asset scaled by PriceScale, saturating at MaxUint64.
// Returns 0 for an empty asset side.
func SpotPrice(asset, stable uint64) uint64 {
	if asset == 0 {
		return 0
	}
	p := new(uint256.Int).Mul(uint256.NewInt(stable), uint256.NewInt(PriceScale))
	p.Div(p, uint256.NewInt(asset))
	if !p.IsUint64() {
		return math.MaxUint64
	}
	return p.Uint64()
}

// MulDiv computes a·b/c floored, saturating at MaxUint64. c == 0 yields 0.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	v.Div(v, uint256.NewInt(c))
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func divCeil(num, den *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(num, den, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// applySwap validates and computes a swap without mutating anything.
func applySwap(amountIn, reserveIn, reserveOut, minOut uint64, feeBps uint16) (out uint64, err error) {
	if amountIn == 0 {
		return 0, ErrZeroAmount
	}
	if reserveIn > math.MaxUint64-amountIn {
		return 0, ErrReserveOverflow
	}
	out = QuoteOut(amountIn, reserveIn, reserveOut, feeBps)
	if out == 0 || out >= reserveOut {
		return 0, ErrInsufficientLiquidity
	}
	if out < minOut {
		return 0, ErrSlippageExceeded
	}
	return out, nil
}
