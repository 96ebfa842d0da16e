package notify

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table, now: time.Now}
}

// NotifyMarkets imprime los mercados en el modo configurado.
func (c *Console) NotifyMarkets(_ context.Context, markets []domain.MarketView) error {
	if len(markets) == 0 {
		fmt.Fprintf(c.out, "[%s] no markets\n", c.stamp())
		return nil
	}
	if c.table {
		c.printMarketTable(markets)
	} else {
		c.printMarketsCompact(markets)
	}
	return nil
}

// NotifyRebalances imprime los rebalanceos ejecutados.
func (c *Console) NotifyRebalances(_ context.Context, recs []domain.RebalanceRecord) error {
	if len(recs) == 0 {
		fmt.Fprintf(c.out, "[%s] no rebalances\n", c.stamp())
		return nil
	}
	if !c.table {
		var total uint64
		for _, r := range recs {
			total += r.Profit
		}
		fmt.Fprintf(c.out, "[%s] %d rebalances → profit %d\n", c.stamp(), len(recs), total)
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Route", "Dir", "In", "Out", "Profit", "Plan", "Price before", "Price after")
	for i, r := range recs {
		table.Append(
			strconv.Itoa(i+1),
			shortID(r.MarketID.String()),
			r.Route,
			direction(r),
			amount(r.Input),
			amount(r.Output),
			amount(r.Profit),
			amount(r.PlannedProfit),
			Price(r.SpotPriceBefore),
			Price(r.SpotPriceAfter),
		)
	}
	table.Render()
	fmt.Fprintln(c.out, "  Dir: s→c = spot a condicionales | c→s = condicionales a spot | →bid = venta a la protective bid")
	return nil
}

// SummaryInput agrupa lo necesario para el resumen final de una simulación.
type SummaryInput struct {
	Market     domain.MarketView
	Events     []domain.LifecycleEvent
	Rebalances []domain.RebalanceRecord
	Swaps      int
	Failed     int
	Throttled  int
	Breaker    domain.CircuitBreaker
}

// PrintSummary imprime el resumen de una simulación.
func (c *Console) PrintSummary(in SummaryInput) {
	fmt.Fprintf(c.out, "\n=== SIMULATION: %s (%s) ===\n", in.Market.Name, shortID(in.Market.ID.String()))

	byRoute := map[string]int{}
	var profit, planned uint64
	for _, r := range in.Rebalances {
		byRoute[r.Route]++
		profit += r.Profit
		planned += r.PlannedProfit
	}

	fmt.Fprintf(c.out, "  Trader swaps:   %d\n", in.Swaps)
	fmt.Fprintf(c.out, "  Rebalances:     %d (failed %d, throttled %d)\n", len(in.Rebalances), in.Failed, in.Throttled)
	for _, route := range []string{"spot-conditional", "spot-bid", "conditional-bid"} {
		if n := byRoute[route]; n > 0 {
			fmt.Fprintf(c.out, "    %-16s %d\n", route, n)
		}
	}
	fmt.Fprintf(c.out, "  Profit:         %d (planned %d)\n", profit, planned)
	if in.Breaker.Trips > 0 {
		fmt.Fprintf(c.out, "  Breaker trips:  %d (last: %s)\n", in.Breaker.Trips, in.Breaker.TrippedReason)
	}

	if len(in.Events) > 0 {
		fmt.Fprintf(c.out, "\n  --- LIFECYCLE ---\n")
		for _, ev := range in.Events {
			fmt.Fprintf(c.out, "  %s %-9s asset=%d stable=%d", ev.At.Format("2006-01-02 15:04"), ev.Kind, ev.Asset, ev.Stable)
			switch ev.Kind {
			case domain.LifecycleSplit:
				fmt.Fprintf(c.out, " ratio=%d%%", ev.Ratio)
			case domain.LifecycleRecombine:
				fmt.Fprintf(c.out, " winner=#%d fees=%d/%d stranded=%d/%d",
					ev.Winner, ev.FeesAsset, ev.FeesStable, ev.StrandedAsset, ev.StrandedStable)
			}
			fmt.Fprintln(c.out)
		}
	}

	m := in.Market
	fmt.Fprintf(c.out, "\n  Final spot:     %d / %d @ %s [%s]\n",
		m.Spot.AssetReserve, m.Spot.StableReserve, Price(m.SpotPrice()), m.Status)
	fmt.Fprintln(c.out)
}

// printMarketsCompact imprime una línea por mercado.
func (c *Console) printMarketsCompact(markets []domain.MarketView) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d mkts", c.stamp(), len(markets))
	for _, m := range markets {
		fmt.Fprintf(&sb, " | %s %s spot=%s", truncate(m.Name, 20), m.Status, Price(m.SpotPrice()))
		if len(m.Conditionals) > 0 {
			lo, hi := m.PriceBand()
			fmt.Fprintf(&sb, " band=[%s,%s]", Price(lo), Price(hi))
		}
	}
	fmt.Fprintln(c.out, sb.String())
}

// printMarketTable imprime una fila por mercado y otra por pool condicional.
func (c *Console) printMarketTable(markets []domain.MarketView) {
	fmt.Fprintf(c.out, "\n[%s] %d markets\n", c.stamp(), len(markets))

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Status", "Pool", "Asset", "Stable", "Price", "Backing A/S")
	for _, m := range markets {
		table.Append(
			truncate(m.Name, 24),
			string(m.Status),
			"spot",
			amount(m.Spot.AssetReserve),
			amount(m.Spot.StableReserve),
			Price(m.SpotPrice()),
			fmt.Sprintf("%d/%d", m.BackingAsset, m.BackingStable),
		)
		for i, p := range m.Conditionals {
			label := fmt.Sprintf("#%d", i)
			if i == m.Winner {
				label += " (win)"
			}
			table.Append("", "", label, amount(p.AssetReserve), amount(p.StableReserve), Price(p.Price()), "")
		}
	}
	table.Render()
}

func (c *Console) stamp() string {
	return c.now().Format("15:04:05")
}

// --- helpers ---

// Price formatea un precio en punto fijo PriceScale como decimal con 6 cifras.
func Price(p uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(p), -12).StringFixed(6)
}

func amount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func direction(r domain.RebalanceRecord) string {
	switch {
	case r.AssetToBid > 0:
		return "→bid"
	case r.SpotToConditional:
		return "s→c"
	default:
		return "c→s"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
