package arbitrage

import (
	"errors"
	"fmt"

	"github.com/alejandrodnm/quantamm/internal/domain"
)

// Venues is the mutable state a rebalance may touch. Escrow is nil outside a
// trading period and Bid is optional.
type Venues struct {
	Spot   *domain.SpotPool
	Escrow *domain.Escrow
	Bid    *domain.ProtectiveBid
}

func (v Venues) conditionalsOpen() bool {
	return v.Escrow != nil && v.Escrow.Funded() && !v.Escrow.Finalized()
}

// Snapshots returns the optimizer inputs for the current state.
func (v Venues) Snapshots() (spot domain.PoolSnapshot, conds []domain.PoolSnapshot, bid domain.BidSnapshot) {
	spot = v.Spot.Snapshot()
	if v.conditionalsOpen() {
		conds = v.Escrow.Snapshots()
	}
	if v.Bid != nil {
		bid = v.Bid.Snapshot()
	}
	return spot, conds, bid
}

// Execution is the realized outcome of a trade.
type Execution struct {
	Route             Route
	SpotToConditional bool
	Planned           Result
	// Output and Input are the stable received and paid.
	Output uint64
	Input  uint64
	Profit uint64
	// AssetToBid is the real asset sold to the protective bid; ResidualAsset
	// is asset bought but not taken by the bid, returned to the caller.
	AssetToBid    uint64
	ResidualAsset uint64
	// Dust holds per-outcome claims left over by the complete-set legs.
	Dust *domain.CompactBalance
}

// Rebalance optimizes on the current state and executes the result.
// A zero plan returns an empty Execution carrying dust unchanged.
func Rebalance(v Venues, minProfit uint64, dust *domain.CompactBalance) (Execution, error) {
	spot, conds, bid := v.Snapshots()
	var (
		plan Result
		err  error
	)
	if bid.Active() {
		plan, err = OptimizeTriRoute(spot, conds, bid, minProfit)
	} else {
		plan, err = Optimize(spot, conds, minProfit)
	}
	if err != nil {
		return Execution{Dust: dust}, err
	}
	return Execute(v, plan, dust)
}

// Execute applies plan to the venues. Every touched pool keeps K
// non-decreasing; on any error all venues are restored and dust is untouched.
// Per-outcome remainders are merged into dust, or returned in a fresh balance
// when dust is nil.
func Execute(v Venues, plan Result, dust *domain.CompactBalance) (exec Execution, err error) {
	if plan.IsZero() || plan.Amount == 0 {
		return Execution{Dust: dust}, nil
	}
	if v.Spot == nil {
		return Execution{Dust: dust}, errors.New("arbitrage.Execute: spot pool required")
	}
	switch plan.Route {
	case RouteSpotConditional, RouteConditionalBid:
		if !v.conditionalsOpen() {
			return Execution{Dust: dust}, fmt.Errorf("arbitrage.Execute %s: %w", plan.Route, domain.ErrNotSplit)
		}
		if v.Escrow.SpotPoolID() != v.Spot.ID() {
			return Execution{Dust: dust}, fmt.Errorf("arbitrage.Execute: %w", domain.ErrMarketMismatch)
		}
		if active, ok := v.Spot.ActiveEscrow(); !ok || active != v.Escrow.MarketID() {
			return Execution{Dust: dust}, fmt.Errorf("arbitrage.Execute: escrow not registered: %w", domain.ErrMarketMismatch)
		}
		if dust != nil && dust.MarketID() != v.Escrow.MarketID() {
			return Execution{Dust: dust}, fmt.Errorf("arbitrage.Execute: dust %w", domain.ErrMarketMismatch)
		}
	}
	switch plan.Route {
	case RouteSpotBid, RouteConditionalBid:
		if v.Bid == nil {
			return Execution{Dust: dust}, fmt.Errorf("arbitrage.Execute %s: %w", plan.Route, domain.ErrBidInactive)
		}
	}

	spotCP := v.Spot.Checkpoint()
	var (
		escrowCP domain.EscrowCheckpoint
		bidCP    domain.BidCheckpoint
	)
	if v.Escrow != nil {
		escrowCP = v.Escrow.Checkpoint()
	}
	if v.Bid != nil {
		bidCP = v.Bid.Checkpoint()
	}
	defer func() {
		if err == nil {
			return
		}
		v.Spot.Rollback(spotCP)
		if v.Escrow != nil {
			v.Escrow.Rollback(escrowCP)
		}
		if v.Bid != nil {
			v.Bid.Rollback(bidCP)
		}
		exec = Execution{Dust: dust}
	}()

	switch plan.Route {
	case RouteSpotConditional:
		if plan.SpotToConditional {
			exec, err = executeSpotToConditional(v, plan.Amount)
		} else {
			exec, err = executeConditionalToSpot(v, plan.Amount)
		}
	case RouteSpotBid:
		exec, err = executeSpotToBid(v, plan.Amount)
	case RouteConditionalBid:
		exec, err = executeConditionalToBid(v, plan.Amount)
	default:
		err = fmt.Errorf("unknown route %d", plan.Route)
	}
	if err != nil {
		return exec, fmt.Errorf("arbitrage.Execute %s: %w", plan.Route, err)
	}
	if exec.Output <= exec.Input {
		err = fmt.Errorf("arbitrage.Execute %s: %w: out %d, in %d", plan.Route, domain.ErrUnprofitable, exec.Output, exec.Input)
		return exec, err
	}
	exec.Route = plan.Route
	exec.SpotToConditional = plan.SpotToConditional
	exec.Planned = plan
	exec.Profit = exec.Output - exec.Input

	switch {
	case exec.Dust == nil:
		exec.Dust = dust
	case dust != nil:
		if err = dust.Merge(exec.Dust); err != nil {
			return exec, fmt.Errorf("arbitrage.Execute: merge dust: %w", err)
		}
		exec.Dust = dust
	}
	return exec, nil
}

// legInputs returns, for every conditional pool, the input of side `in` that
// delivers at least out of the other side, and their maximum.
func legInputs(e *domain.Escrow, out uint64, in domain.Side) ([]uint64, uint64, error) {
	snaps := e.Snapshots()
	xs := make([]uint64, len(snaps))
	var most uint64
	for i, s := range snaps {
		x, ok := s.QuoteIn(out, in)
		if !ok {
			return nil, 0, fmt.Errorf("outcome %d cannot deliver %d: %w", i, out, domain.ErrInsufficientLiquidity)
		}
		xs[i] = x
		most = max(most, x)
	}
	return xs, most, nil
}

// swapAll sells xs[i] of side `in` into pool i, each for at least minOut.
func swapAll(e *domain.Escrow, work *domain.CompactBalance, xs []uint64, in domain.Side, minOut uint64) error {
	for i, x := range xs {
		if _, err := e.SwapConditional(i, in, x, minOut, work); err != nil {
			return err
		}
	}
	return nil
}

// spot stable → asset → every conditional pool → stable complete set.
func executeSpotToConditional(v Venues, b uint64) (Execution, error) {
	xs, need, err := legInputs(v.Escrow, b, domain.SideAsset)
	if err != nil {
		return Execution{}, err
	}
	y, ok := v.Spot.QuoteIn(need, domain.SideStable)
	if !ok {
		return Execution{}, fmt.Errorf("spot cannot deliver %d asset: %w", need, domain.ErrInsufficientLiquidity)
	}
	bought, err := v.Spot.Swap(y, domain.SideStable, need)
	if err != nil {
		return Execution{}, err
	}
	work := v.Escrow.NewBalance()
	if err := v.Escrow.MintCompleteSet(domain.SideAsset, bought, work); err != nil {
		return Execution{}, err
	}
	if err := swapAll(v.Escrow, work, xs, domain.SideAsset, b); err != nil {
		return Execution{}, err
	}
	out := work.CompleteSets(domain.SideStable)
	if err := v.Escrow.BurnCompleteSet(domain.SideStable, out, work); err != nil {
		return Execution{}, err
	}
	return Execution{Output: out, Input: y, Dust: work}, nil
}

// stable complete set → asset claims in every pool → asset → spot stable.
func executeConditionalToSpot(v Venues, b uint64) (Execution, error) {
	z, ok := v.Spot.QuoteIn(b, domain.SideAsset)
	if !ok {
		return Execution{}, fmt.Errorf("spot cannot deliver %d stable: %w", b, domain.ErrInsufficientLiquidity)
	}
	work, assembled, paid, err := assembleAsset(v.Escrow, z)
	if err != nil {
		return Execution{}, err
	}
	out, err := v.Spot.Swap(assembled, domain.SideAsset, b)
	if err != nil {
		return Execution{}, err
	}
	return Execution{Output: out, Input: paid, Dust: work}, nil
}

// spot stable → asset → protective bid.
func executeSpotToBid(v Venues, b uint64) (Execution, error) {
	z, ok := v.Bid.Snapshot().QuoteIn(b)
	if !ok {
		return Execution{}, fmt.Errorf("bid cannot pay %d: %w", b, domain.ErrBidCapacity)
	}
	y, ok := v.Spot.QuoteIn(z, domain.SideStable)
	if !ok {
		return Execution{}, fmt.Errorf("spot cannot deliver %d asset: %w", z, domain.ErrInsufficientLiquidity)
	}
	bought, err := v.Spot.Swap(y, domain.SideStable, z)
	if err != nil {
		return Execution{}, err
	}
	exec, err := sellToBid(v.Bid, bought, b)
	if err != nil {
		return Execution{}, err
	}
	exec.Input = y
	return exec, nil
}

// stable complete set → asset claims in every pool → asset → protective bid.
func executeConditionalToBid(v Venues, b uint64) (Execution, error) {
	z, ok := v.Bid.Snapshot().QuoteIn(b)
	if !ok {
		return Execution{}, fmt.Errorf("bid cannot pay %d: %w", b, domain.ErrBidCapacity)
	}
	work, assembled, paid, err := assembleAsset(v.Escrow, z)
	if err != nil {
		return Execution{}, err
	}
	exec, err := sellToBid(v.Bid, assembled, b)
	if err != nil {
		return Execution{}, err
	}
	exec.Input = paid
	exec.Dust = work
	return exec, nil
}

// assembleAsset mints a stable complete set, buys at least z asset claims in
// every pool and burns the asset complete set into real asset.
func assembleAsset(e *domain.Escrow, z uint64) (work *domain.CompactBalance, asset, paid uint64, err error) {
	xs, paid, err := legInputs(e, z, domain.SideStable)
	if err != nil {
		return nil, 0, 0, err
	}
	work = e.NewBalance()
	if err := e.MintCompleteSet(domain.SideStable, paid, work); err != nil {
		return nil, 0, 0, err
	}
	if err := swapAll(e, work, xs, domain.SideStable, z); err != nil {
		return nil, 0, 0, err
	}
	asset = work.CompleteSets(domain.SideAsset)
	if err := e.BurnCompleteSet(domain.SideAsset, asset, work); err != nil {
		return nil, 0, 0, err
	}
	return work, asset, paid, nil
}

// sellToBid fills as much of asset as the bid still takes.
func sellToBid(bid *domain.ProtectiveBid, asset, minOut uint64) (Execution, error) {
	fill := min(asset, bid.Snapshot().Capacity)
	out, err := bid.Fill(fill, minOut)
	if err != nil {
		return Execution{}, err
	}
	return Execution{Output: out, AssetToBid: fill, ResidualAsset: asset - fill}, nil
}
