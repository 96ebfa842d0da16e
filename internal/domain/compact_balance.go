package domain

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// CompactBalance holds per-outcome claims of one market in a single dense
// record: slot outcome·2 holds the asset claim, outcome·2+1 the stable claim.
type CompactBalance struct {
	marketID uuid.UUID
	slots    []uint64
}

func NewCompactBalance(marketID uuid.UUID, outcomes int) (*CompactBalance, error) {
	if outcomes < 1 {
		return nil, ErrInvalidOutcomeCount
	}
	if outcomes > MaxOutcomes {
		return nil, fmt.Errorf("%w: %d outcomes", ErrTooManyOutcomes, outcomes)
	}
	return &CompactBalance{marketID: marketID, slots: make([]uint64, outcomes*2)}, nil
}

func (b *CompactBalance) MarketID() uuid.UUID { return b.marketID }

func (b *CompactBalance) Outcomes() int { return len(b.slots) / 2 }

// Slots returns a copy of the dense record.
func (b *CompactBalance) Slots() []uint64 {
	out := make([]uint64, len(b.slots))
	copy(out, b.slots)
	return out
}

func (b *CompactBalance) index(outcome int, side Side) (int, error) {
	if outcome < 0 || outcome >= b.Outcomes() {
		return 0, fmt.Errorf("%w: %d of %d", ErrOutcomeOutOfRange, outcome, b.Outcomes())
	}
	if !side.valid() {
		return 0, ErrInvalidSide
	}
	return outcome*2 + int(side), nil
}

// Get returns 0 for invalid coordinates.
func (b *CompactBalance) Get(outcome int, side Side) uint64 {
	i, err := b.index(outcome, side)
	if err != nil {
		return 0
	}
	return b.slots[i]
}

func (b *CompactBalance) Add(outcome int, side Side, amount uint64) error {
	i, err := b.index(outcome, side)
	if err != nil {
		return err
	}
	if b.slots[i] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	b.slots[i] += amount
	return nil
}

func (b *CompactBalance) Sub(outcome int, side Side, amount uint64) error {
	i, err := b.index(outcome, side)
	if err != nil {
		return err
	}
	if b.slots[i] < amount {
		return fmt.Errorf("%w: outcome %d %s has %d, need %d", ErrInsufficientBalance, outcome, side, b.slots[i], amount)
	}
	b.slots[i] -= amount
	return nil
}

// CompleteSets returns how many complete sets of side could be burned: the
// minimum claim across outcomes.
func (b *CompactBalance) CompleteSets(side Side) uint64 {
	if !side.valid() {
		return 0
	}
	m := uint64(math.MaxUint64)
	for o := 0; o < b.Outcomes(); o++ {
		m = min(m, b.slots[o*2+int(side)])
	}
	return m
}

// Merge moves every claim of other into b and leaves other empty.
// Both must belong to the same market with the same outcome count.
func (b *CompactBalance) Merge(other *CompactBalance) error {
	if other == nil {
		return nil
	}
	if other.marketID != b.marketID || len(other.slots) != len(b.slots) {
		return ErrMarketMismatch
	}
	for i, v := range other.slots {
		if b.slots[i] > math.MaxUint64-v {
			return ErrBalanceOverflow
		}
	}
	for i, v := range other.slots {
		b.slots[i] += v
		other.slots[i] = 0
	}
	return nil
}

func (b *CompactBalance) IsEmpty() bool {
	for _, v := range b.slots {
		if v != 0 {
			return false
		}
	}
	return true
}

// DestroyEmpty consumes an empty balance. A non-empty one is rejected so claims
// are never silently dropped.
func (b *CompactBalance) DestroyEmpty() error {
	if !b.IsEmpty() {
		return ErrBalanceNotEmpty
	}
	b.slots = nil
	return nil
}

// Clone returns an independent copy.
func (b *CompactBalance) Clone() *CompactBalance {
	return &CompactBalance{marketID: b.marketID, slots: b.Slots()}
}
