package ports

import (
	"context"

	"github.com/alejandrodnm/quantamm/internal/domain"
)

// Notifier presenta el estado de los mercados y los rebalanceos al usuario.
type Notifier interface {
	// NotifyMarkets muestra precios spot, banda condicional y respaldo de cada mercado.
	// En la implementación de consola, imprime una tabla formateada.
	NotifyMarkets(ctx context.Context, markets []domain.MarketView) error

	// NotifyRebalances muestra los rebalanceos ejecutados.
	NotifyRebalances(ctx context.Context, recs []domain.RebalanceRecord) error
}
