package domain

import (
	"errors"
	"fmt"
	"time"
)

// Swap / liquidity errors. Recoverable: the caller may retry with other parameters.
var (
	ErrZeroAmount            = errors.New("amount must be greater than zero")
	ErrSlippageExceeded      = errors.New("output below requested minimum")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrReserveOverflow       = errors.New("reserve would overflow")
	ErrInvalidFee            = errors.New("fee bps out of range")
	ErrInvalidSide           = errors.New("invalid side")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrBalanceOverflow       = errors.New("balance would overflow")
	ErrBalanceNotEmpty       = errors.New("balance is not empty")
	ErrUnprofitable          = errors.New("arbitrage no longer profitable")
)

// Capacity / backing errors. Hard: the call must not be retried as is.
var (
	ErrTooManyOutcomes     = errors.New("too many conditional pools")
	ErrInvalidOutcomeCount = errors.New("outcome count must be at least 1")
	ErrOutcomeOutOfRange   = errors.New("outcome index out of range")
	ErrMarketMismatch      = errors.New("escrow does not belong to this market")
	ErrInsufficientBacking = errors.New("escrow backing insufficient")
	ErrInsolvent           = errors.New("escrow claims exceed backing")
)

// Lifecycle errors.
var (
	ErrEscrowActive     = errors.New("spot pool already has an active escrow")
	ErrNoActiveEscrow   = errors.New("spot pool has no active escrow")
	ErrAlreadySplit     = errors.New("escrow already funded")
	ErrNotSplit         = errors.New("escrow not funded yet")
	ErrMarketFinalized  = errors.New("market already finalized")
	ErrNotFinalized     = errors.New("market not finalized")
	ErrInvalidRatio     = errors.New("split ratio must be within [0, 100]")
	ErrCooldownActive   = errors.New("recombine cooldown not elapsed")
	ErrBidInactive      = errors.New("protective bid inactive")
	ErrBidCapacity      = errors.New("protective bid capacity exceeded")
	ErrInvalidNAVPrice  = errors.New("nav price must be greater than zero")
	ErrLiquidityLocked  = errors.New("liquidity locked while an escrow is active")
	ErrInsufficientLP   = errors.New("insufficient lp supply")
	ErrInitialLiquidity = errors.New("initial liquidity below minimum")
)

// CooldownError is returned by recombine when the minimum delay since the split
// has not elapsed yet. Remaining tells the caller how long to wait.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrCooldownActive, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}
