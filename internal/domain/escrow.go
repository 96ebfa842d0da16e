package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Escrow owns the conditional pools of one market and the real tokens backing
// their claims. Claims are minted in complete sets: depositing X real tokens of
// a side credits X claims of that side in every outcome, so every outcome's
// outstanding claims never exceed the backing.
type Escrow struct {
	marketID   uuid.UUID
	spotPoolID uuid.UUID
	pools      []ConditionalPool

	backingAsset  uint64
	backingStable uint64
	// supply uses the CompactBalance layout: outcome·2 + side.
	supply []uint64

	funded  bool
	splitAt time.Time

	finalized      bool
	winner         int
	strandedAsset  uint64
	strandedStable uint64
}

// Settlement is what recombine moves back to the spot pool.
type Settlement struct {
	Winner         int
	Asset          uint64 // winner reserves above bootstrap plus fees
	Stable         uint64
	FeesAsset      uint64
	FeesStable     uint64
	StrandedAsset  uint64
	StrandedStable uint64
}

// OutcomeToken is a claim taken out of a CompactBalance, e.g. to hand it to an
// external holder. It can only be deposited back into an escrow of the same
// market.
type OutcomeToken struct {
	MarketID uuid.UUID
	Outcome  int
	Side     Side
	Amount   uint64
}

// NewEscrow creates the escrow of a market with one bootstrapped pool per outcome.
// bootstrap 0 means DefaultBootstrap.
func NewEscrow(marketID, spotPoolID uuid.UUID, outcomes int, feeBps uint16, bootstrap uint64) (*Escrow, error) {
	if outcomes < 1 {
		return nil, ErrInvalidOutcomeCount
	}
	if outcomes > MaxOutcomes {
		return nil, fmt.Errorf("%w: %d outcomes", ErrTooManyOutcomes, outcomes)
	}
	if err := ValidateFee(feeBps); err != nil {
		return nil, err
	}
	if bootstrap == 0 {
		bootstrap = DefaultBootstrap
	}
	pools := make([]ConditionalPool, outcomes)
	for i := range pools {
		pools[i] = newConditionalPool(marketID, i, feeBps, bootstrap)
	}
	return &Escrow{
		marketID:   marketID,
		spotPoolID: spotPoolID,
		pools:      pools,
		supply:     make([]uint64, outcomes*2),
	}, nil
}

func (e *Escrow) MarketID() uuid.UUID { return e.marketID }

func (e *Escrow) SpotPoolID() uuid.UUID { return e.spotPoolID }

func (e *Escrow) Outcomes() int { return len(e.pools) }

func (e *Escrow) Funded() bool { return e.funded }

func (e *Escrow) SplitAt() time.Time { return e.splitAt }

func (e *Escrow) Finalized() bool { return e.finalized }

// Winner returns the selected outcome once finalized.
func (e *Escrow) Winner() (int, bool) {
	return e.winner, e.finalized
}

// Backing returns the real (asset, stable) held by the escrow.
func (e *Escrow) Backing() (uint64, uint64) {
	return e.backingAsset, e.backingStable
}

// Stranded returns the backing left behind by losing outcomes.
func (e *Escrow) Stranded() (uint64, uint64) {
	return e.strandedAsset, e.strandedStable
}

// Supply returns the outstanding claims of an outcome side.
func (e *Escrow) Supply(outcome int, side Side) uint64 {
	if outcome < 0 || outcome >= len(e.pools) || !side.valid() {
		return 0
	}
	return e.supply[outcome*2+int(side)]
}

// Pool gives read access to a conditional pool.
func (e *Escrow) Pool(outcome int) (*ConditionalPool, error) {
	if err := e.checkOutcome(outcome); err != nil {
		return nil, err
	}
	return &e.pools[outcome], nil
}

// Snapshots returns the reserves of every conditional pool, in outcome order.
func (e *Escrow) Snapshots() []PoolSnapshot {
	out := make([]PoolSnapshot, len(e.pools))
	for i := range e.pools {
		out[i] = e.pools[i].Snapshot()
	}
	return out
}

// NewBalance returns an empty CompactBalance for this market.
func (e *Escrow) NewBalance() *CompactBalance {
	return &CompactBalance{marketID: e.marketID, slots: make([]uint64, len(e.pools)*2)}
}

func (e *Escrow) checkOutcome(outcome int) error {
	if outcome < 0 || outcome >= len(e.pools) {
		return fmt.Errorf("%w: %d of %d", ErrOutcomeOutOfRange, outcome, len(e.pools))
	}
	return nil
}

func (e *Escrow) checkBalance(b *CompactBalance) error {
	if b == nil || b.marketID != e.marketID || len(b.slots) != len(e.supply) {
		return ErrMarketMismatch
	}
	return nil
}

func (e *Escrow) checkTrading() error {
	if e.finalized {
		return ErrMarketFinalized
	}
	return nil
}

func (e *Escrow) backing(side Side) *uint64 {
	if side == SideAsset {
		return &e.backingAsset
	}
	return &e.backingStable
}

// Fund receives the split liquidity: asset and stable are spread evenly across
// the pools on top of their bootstrap, the remainder going to outcome 0. Every
// deposited unit becomes a claim held by its pool.
func (e *Escrow) Fund(asset, stable uint64, at time.Time) error {
	if e.funded {
		return ErrAlreadySplit
	}
	if err := e.checkTrading(); err != nil {
		return err
	}
	if e.backingAsset > math.MaxUint64-asset || e.backingStable > math.MaxUint64-stable {
		return ErrReserveOverflow
	}
	n := uint64(len(e.pools))
	shareA, remA := asset/n, asset%n
	shareS, remS := stable/n, stable%n

	next := make([]ConditionalPool, len(e.pools))
	copy(next, e.pools)
	nextSupply := make([]uint64, len(e.supply))
	copy(nextSupply, e.supply)
	for i := range next {
		a, s := shareA, shareS
		if i == 0 {
			a += remA
			s += remS
		}
		if err := next[i].deposit(a, s); err != nil {
			return fmt.Errorf("fund outcome %d: %w", i, err)
		}
		if nextSupply[i*2] > math.MaxUint64-a || nextSupply[i*2+1] > math.MaxUint64-s {
			return ErrReserveOverflow
		}
		nextSupply[i*2] += a
		nextSupply[i*2+1] += s
	}

	e.pools = next
	e.supply = nextSupply
	e.backingAsset += asset
	e.backingStable += stable
	e.funded = true
	e.splitAt = at
	return nil
}

// MintCompleteSet deposits amount real tokens of side and credits amount
// claims of that side for every outcome into `into`.
func (e *Escrow) MintCompleteSet(side Side, amount uint64, into *CompactBalance) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if !side.valid() {
		return ErrInvalidSide
	}
	if err := e.checkTrading(); err != nil {
		return err
	}
	if err := e.checkBalance(into); err != nil {
		return err
	}
	back := e.backing(side)
	if *back > math.MaxUint64-amount {
		return ErrReserveOverflow
	}
	for o := range e.pools {
		i := o*2 + int(side)
		if e.supply[i] > math.MaxUint64-amount || into.slots[i] > math.MaxUint64-amount {
			return ErrBalanceOverflow
		}
	}
	for o := range e.pools {
		i := o*2 + int(side)
		e.supply[i] += amount
		into.slots[i] += amount
	}
	*back += amount
	return nil
}

// BurnCompleteSet takes amount claims of side from every outcome of `from` and
// releases amount real tokens.
func (e *Escrow) BurnCompleteSet(side Side, amount uint64, from *CompactBalance) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if !side.valid() {
		return ErrInvalidSide
	}
	if err := e.checkTrading(); err != nil {
		return err
	}
	if err := e.checkBalance(from); err != nil {
		return err
	}
	if from.CompleteSets(side) < amount {
		return fmt.Errorf("%w: %d complete %s sets available, need %d", ErrInsufficientBalance, from.CompleteSets(side), side, amount)
	}
	back := e.backing(side)
	if *back < amount {
		return ErrInsufficientBacking
	}
	for o := range e.pools {
		if e.supply[o*2+int(side)] < amount {
			return ErrInsufficientBacking
		}
	}
	for o := range e.pools {
		i := o*2 + int(side)
		e.supply[i] -= amount
		from.slots[i] -= amount
	}
	*back -= amount
	return nil
}

// SwapConditional swaps claims held in bal through the pool of outcome.
func (e *Escrow) SwapConditional(outcome int, in Side, amountIn, minOut uint64, bal *CompactBalance) (uint64, error) {
	if err := e.checkTrading(); err != nil {
		return 0, err
	}
	if err := e.checkOutcome(outcome); err != nil {
		return 0, err
	}
	if err := e.checkBalance(bal); err != nil {
		return 0, err
	}
	if !in.valid() {
		return 0, ErrInvalidSide
	}
	if bal.Get(outcome, in) < amountIn {
		return 0, fmt.Errorf("%w: outcome %d %s", ErrInsufficientBalance, outcome, in)
	}
	quote := e.pools[outcome].Quote(amountIn, in)
	if bal.Get(outcome, in.Other()) > math.MaxUint64-quote {
		return 0, ErrBalanceOverflow
	}
	out, err := e.pools[outcome].Swap(amountIn, in, minOut)
	if err != nil {
		return 0, err
	}
	bal.slots[outcome*2+int(in)] -= amountIn
	bal.slots[outcome*2+int(in.Other())] += out
	return out, nil
}

// WithdrawOutcome takes a claim out of bal as a standalone token.
func (e *Escrow) WithdrawOutcome(bal *CompactBalance, outcome int, side Side, amount uint64) (OutcomeToken, error) {
	if amount == 0 {
		return OutcomeToken{}, ErrZeroAmount
	}
	if err := e.checkOutcome(outcome); err != nil {
		return OutcomeToken{}, err
	}
	if err := e.checkBalance(bal); err != nil {
		return OutcomeToken{}, err
	}
	if err := bal.Sub(outcome, side, amount); err != nil {
		return OutcomeToken{}, err
	}
	return OutcomeToken{MarketID: e.marketID, Outcome: outcome, Side: side, Amount: amount}, nil
}

// DepositOutcome puts a standalone token back into bal.
func (e *Escrow) DepositOutcome(bal *CompactBalance, tok OutcomeToken) error {
	if tok.MarketID != e.marketID {
		return ErrMarketMismatch
	}
	if err := e.checkOutcome(tok.Outcome); err != nil {
		return err
	}
	if err := e.checkBalance(bal); err != nil {
		return err
	}
	return bal.Add(tok.Outcome, tok.Side, tok.Amount)
}

// CheckSolvency verifies that every outcome's claims are backed and that each
// pool holds no more claims than were issued. After finalization only the
// winning outcome is checked.
func (e *Escrow) CheckSolvency() error {
	for o := range e.pools {
		if e.finalized && o != e.winner {
			continue
		}
		p := &e.pools[o]
		for _, side := range []Side{SideAsset, SideStable} {
			supply := e.supply[o*2+int(side)]
			if supply > *e.backing(side) {
				return fmt.Errorf("%w: outcome %d %s supply %d > backing %d", ErrInsolvent, o, side, supply, *e.backing(side))
			}
			if e.finalized {
				continue
			}
			rin, _, fee := p.sides(side)
			held := satAdd(satSub(*rin, p.bootstrap), *fee)
			if held > supply {
				return fmt.Errorf("%w: outcome %d %s pool holds %d > supply %d", ErrInsolvent, o, side, held, supply)
			}
		}
	}
	return nil
}

// Finalize settles the market on winner. The winning pool is drained down to
// its bootstrap; its reserves and fees are released from the backing and
// returned for the spot pool. The claims still held by traders stay backed
// and redeemable through RedeemWinning; the rest of the backing belongs to the
// losing outcomes and is stranded.
func (e *Escrow) Finalize(winner int) (Settlement, error) {
	if e.finalized {
		return Settlement{}, ErrMarketFinalized
	}
	if !e.funded {
		return Settlement{}, ErrNotSplit
	}
	if err := e.checkOutcome(winner); err != nil {
		return Settlement{}, err
	}
	p := e.pools[winner]
	resA, resS, feeA, feeS := p.drain()
	outA, outS := satAdd(resA, feeA), satAdd(resS, feeS)
	if outA > e.backingAsset || outS > e.backingStable {
		return Settlement{}, ErrInsufficientBacking
	}
	supA, supS := e.supply[winner*2], e.supply[winner*2+1]
	if outA > supA || outS > supS {
		return Settlement{}, ErrInsufficientBacking
	}
	leftA, leftS := supA-outA, supS-outS

	s := Settlement{
		Winner:         winner,
		Asset:          outA,
		Stable:         outS,
		FeesAsset:      feeA,
		FeesStable:     feeS,
		StrandedAsset:  e.backingAsset - outA - leftA,
		StrandedStable: e.backingStable - outS - leftS,
	}

	e.pools[winner] = p
	e.supply[winner*2], e.supply[winner*2+1] = leftA, leftS
	e.backingAsset, e.backingStable = leftA, leftS
	e.strandedAsset, e.strandedStable = s.StrandedAsset, s.StrandedStable
	e.finalized = true
	e.winner = winner
	return s, nil
}

// RedeemWinning burns winning claims from bal and releases the real tokens.
func (e *Escrow) RedeemWinning(bal *CompactBalance, side Side, amount uint64) (uint64, error) {
	if !e.finalized {
		return 0, ErrNotFinalized
	}
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	if err := e.checkBalance(bal); err != nil {
		return 0, err
	}
	if !side.valid() {
		return 0, ErrInvalidSide
	}
	i := e.winner*2 + int(side)
	back := e.backing(side)
	if e.supply[i] < amount || *back < amount {
		return 0, ErrInsufficientBacking
	}
	if err := bal.Sub(e.winner, side, amount); err != nil {
		return 0, err
	}
	e.supply[i] -= amount
	*back -= amount
	return amount, nil
}

// EscrowCheckpoint is an opaque deep copy of the escrow state.
type EscrowCheckpoint struct {
	state  Escrow
	pools  []ConditionalPool
	supply []uint64
}

func (e *Escrow) Checkpoint() EscrowCheckpoint {
	cp := EscrowCheckpoint{
		state:  *e,
		pools:  make([]ConditionalPool, len(e.pools)),
		supply: make([]uint64, len(e.supply)),
	}
	copy(cp.pools, e.pools)
	copy(cp.supply, e.supply)
	return cp
}

// Rollback restores the state captured by cp in place.
func (e *Escrow) Rollback(cp EscrowCheckpoint) {
	*e = cp.state
	e.pools = make([]ConditionalPool, len(cp.pools))
	copy(e.pools, cp.pools)
	e.supply = make([]uint64, len(cp.supply))
	copy(e.supply, cp.supply)
}
