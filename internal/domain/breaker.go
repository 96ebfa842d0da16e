package domain

import "time"

// CircuitBreaker pauses a market's crank after consecutive failed rebalances.
// Times are passed in so the breaker follows the caller's clock.
type CircuitBreaker struct {
	ConsecutiveFailures int
	MaxFailures         int
	CooldownUntil       time.Time
	CooldownDuration    time.Duration
	TotalProfit         uint64
	Trips               int
	TrippedReason       string
}

// IsOpen returns true if rebalancing is allowed at now.
func (cb *CircuitBreaker) IsOpen(now time.Time) bool {
	return !now.Before(cb.CooldownUntil)
}

// RecordFailure counts a failed rebalance and may start a cooldown.
func (cb *CircuitBreaker) RecordFailure(now time.Time, reason string) {
	cb.ConsecutiveFailures++
	if cb.MaxFailures > 0 && cb.ConsecutiveFailures >= cb.MaxFailures {
		cb.CooldownUntil = now.Add(cb.CooldownDuration)
		cb.ConsecutiveFailures = 0
		cb.Trips++
		cb.TrippedReason = reason
	}
}

// RecordSuccess resets the failure counter.
func (cb *CircuitBreaker) RecordSuccess(profit uint64) {
	cb.ConsecutiveFailures = 0
	cb.TotalProfit = satAdd(cb.TotalProfit, profit)
}
