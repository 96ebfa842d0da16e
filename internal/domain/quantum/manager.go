// Package quantum moves liquidity between a spot pool and the conditional
// pools of its market: split when trading opens, recombine when it closes.
package quantum

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DefaultCooldown is the minimum time between split and recombine.
const DefaultCooldown = 6 * time.Hour

// MaxRatio is the largest split ratio, in percent.
const MaxRatio = 100

// Manager applies split and recombine. It holds no market state.
type Manager struct {
	cooldown time.Duration
}

// NewManager returns a manager; cooldown <= 0 means DefaultCooldown.
func NewManager(cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Manager{cooldown: cooldown}
}

func (m *Manager) Cooldown() time.Duration { return m.cooldown }

// SplitResult describes a completed split.
type SplitResult struct {
	MarketID uuid.UUID
	Ratio    uint8
	Asset    uint64
	Stable   uint64
	At       time.Time
}

// RecombineResult describes a completed recombine.
type RecombineResult struct {
	MarketID uuid.UUID
	domain.Settlement
	At time.Time
}

// Split moves ratio% of the spot reserves into the escrow, which spreads them
// over its conditional pools. The spot pool is linked to the escrow until
// Recombine. Nothing changes on error.
func (m *Manager) Split(spot *domain.SpotPool, escrow *domain.Escrow, ratio uint8, now time.Time) (SplitResult, error) {
	if ratio > MaxRatio {
		return SplitResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidRatio, ratio)
	}
	if escrow.SpotPoolID() != spot.ID() {
		return SplitResult{}, domain.ErrMarketMismatch
	}
	if _, active := spot.ActiveEscrow(); active {
		return SplitResult{}, domain.ErrEscrowActive
	}
	asset, stable := spot.Reserves()
	asset, stable = percentOf(asset, ratio), percentOf(stable, ratio)

	if err := escrow.Fund(asset, stable, now); err != nil {
		return SplitResult{}, fmt.Errorf("quantum.Split: %w", err)
	}
	if err := spot.TransferToEscrow(asset, stable); err != nil {
		// unreachable: amounts are a fraction of the reserves
		return SplitResult{}, fmt.Errorf("quantum.Split: %w", err)
	}
	if err := spot.RegisterEscrow(escrow.MarketID()); err != nil {
		return SplitResult{}, fmt.Errorf("quantum.Split: %w", err)
	}
	return SplitResult{MarketID: escrow.MarketID(), Ratio: ratio, Asset: asset, Stable: stable, At: now}, nil
}

// Remaining returns how long until Recombine is allowed.
func (m *Manager) Remaining(escrow *domain.Escrow, now time.Time) time.Duration {
	elapsed := now.Sub(escrow.SplitAt())
	if elapsed >= m.cooldown {
		return 0
	}
	return m.cooldown - elapsed
}

// Recombine settles the market on winner and returns the winning pool's
// liquidity plus its accrued fees to the spot pool. Losing pools stay frozen.
// Before the cooldown elapses it returns a *domain.CooldownError.
func (m *Manager) Recombine(spot *domain.SpotPool, escrow *domain.Escrow, winner int, now time.Time) (RecombineResult, error) {
	active, ok := spot.ActiveEscrow()
	if !ok {
		return RecombineResult{}, domain.ErrNoActiveEscrow
	}
	if active != escrow.MarketID() || escrow.SpotPoolID() != spot.ID() {
		return RecombineResult{}, domain.ErrMarketMismatch
	}
	if winner < 0 || winner >= escrow.Outcomes() {
		return RecombineResult{}, fmt.Errorf("%w: %d of %d", domain.ErrOutcomeOutOfRange, winner, escrow.Outcomes())
	}
	if !escrow.Funded() {
		return RecombineResult{}, domain.ErrNotSplit
	}
	if wait := m.Remaining(escrow, now); wait > 0 {
		return RecombineResult{}, &domain.CooldownError{Remaining: wait}
	}

	cp := escrow.Checkpoint()
	settlement, err := escrow.Finalize(winner)
	if err != nil {
		return RecombineResult{}, fmt.Errorf("quantum.Recombine: %w", err)
	}
	if err := spot.TransferFromEscrow(settlement.Asset, settlement.Stable); err != nil {
		escrow.Rollback(cp)
		return RecombineResult{}, fmt.Errorf("quantum.Recombine: %w", err)
	}
	if err := spot.ReleaseEscrow(escrow.MarketID()); err != nil {
		// unreachable: checked above
		return RecombineResult{}, fmt.Errorf("quantum.Recombine: %w", err)
	}
	return RecombineResult{MarketID: escrow.MarketID(), Settlement: settlement, At: now}, nil
}

func percentOf(x uint64, ratio uint8) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(uint64(ratio)))
	return v.Div(v, uint256.NewInt(MaxRatio)).Uint64()
}
