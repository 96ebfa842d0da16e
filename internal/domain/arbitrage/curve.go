package arbitrage

import (
	"math"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/holiman/uint256"
)

var (
	maxWord   = new(uint256.Int).SetAllOne()
	feeScale  = uint256.NewInt(domain.FeeDenominator)
	feeScale2 = uint256.NewInt(domain.FeeDenominator * domain.FeeDenominator)
	priceUnit = uint256.NewInt(domain.PriceScale)
)

func word(x uint64) *uint256.Int { return uint256.NewInt(x) }

func mulSat(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxWord)
	}
	return z
}

func addSat(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Set(maxWord)
	}
	return z
}

func ceilDiv(num, den *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(num, den, r)
	if !r.IsZero() {
		return addSat(q, word(1))
	}
	return q
}

func complement(feeBps uint16) *uint256.Int {
	if feeBps >= domain.FeeDenominator {
		return new(uint256.Int)
	}
	return word(uint64(domain.FeeDenominator - feeBps))
}

// curve is the stable cost of receiving b stable from a two-leg chain: pay
// stable into P, carry the asset bought there, sell it into Q.
//
//	cost(b) = ceil(b·A / (T − b·B))   defined while b·B < T
//
// The 10⁴ fee scale is folded into the constants, so A carries 10⁸.
type curve struct {
	a, t, b *uint256.Int
}

// poolCurve builds the chain P (constant product) → Q (constant product).
//
//	A = P.stable·Q.asset·10⁸
//	T = g_P·g_Q·P.asset·Q.stable
//	B = g_P·(g_Q·P.asset + 10⁴·Q.asset)
func poolCurve(p, q domain.PoolSnapshot) curve {
	gp, gq := complement(p.FeeBps), complement(q.FeeBps)
	return curve{
		a: mulSat(mulSat(word(p.StableReserve), word(q.AssetReserve)), feeScale2),
		t: mulSat(mulSat(gp, gq), mulSat(word(p.AssetReserve), word(q.StableReserve))),
		b: mulSat(gp, addSat(mulSat(gq, word(p.AssetReserve)), mulSat(feeScale, word(q.AssetReserve)))),
	}
}

// bidCurve builds the chain P (constant product) → protective bid, the bid
// being a linear leg paying NAV·g_bid/10⁴ per asset.
//
//	A = P.stable·S·10⁸
//	T = g_P·g_bid·NAV·P.asset
//	B = g_P·S·10⁴
func bidCurve(p domain.PoolSnapshot, bid domain.BidSnapshot) curve {
	gp, gb := complement(p.FeeBps), complement(bid.FeeBps)
	return curve{
		a: mulSat(mulSat(word(p.StableReserve), priceUnit), feeScale2),
		t: mulSat(mulSat(gp, gb), mulSat(word(bid.NAVPrice), word(p.AssetReserve))),
		b: mulSat(mulSat(gp, priceUnit), feeScale),
	}
}

// opensAtMargin reports whether the first unit is profitable: cost'(0) = A/T < 1,
// i.e. P's fee-adjusted ask is below Q's fee-adjusted bid.
func (c curve) opensAtMargin() bool {
	return c.a.Lt(c.t)
}

// upper is the largest b for which cost(b) is defined: floor((T−1)/B).
func (c curve) upper() uint64 {
	if c.t.CmpUint64(1) <= 0 || c.b.IsZero() {
		return 0
	}
	u := new(uint256.Int).SubUint64(c.t, 1)
	u.Div(u, c.b)
	if !u.IsUint64() {
		return math.MaxUint64
	}
	return u.Uint64()
}

// cost returns nil when b is past the asymptote.
func (c curve) cost(b uint64) *uint256.Int {
	bb := mulSat(word(b), c.b)
	if !bb.Lt(c.t) {
		return nil
	}
	den := new(uint256.Int).Sub(c.t, bb)
	return ceilDiv(mulSat(word(b), c.a), den)
}

// chain is a set of curves that must all deliver b: the stable input is
// minted once as a complete set, so the required input is the maximum cost.
type chain []curve

func (ch chain) opensAtMargin() bool {
	if len(ch) == 0 {
		return false
	}
	for _, c := range ch {
		if !c.opensAtMargin() {
			return false
		}
	}
	return true
}

func (ch chain) upper() uint64 {
	u := uint64(math.MaxUint64)
	for _, c := range ch {
		u = min(u, c.upper())
	}
	return u
}

// required is max_i cost_i(b); nil when any leg is undefined.
func (ch chain) required(b uint64) *uint256.Int {
	worst := new(uint256.Int)
	for _, c := range ch {
		v := c.cost(b)
		if v == nil {
			return nil
		}
		if v.Gt(worst) {
			worst = v
		}
	}
	return worst
}
