package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/google/uuid"
)

// Storage persiste el historial de rebalanceos, los eventos de ciclo de vida
// y la última vista de cada mercado.
type Storage interface {
	// SaveRebalance persiste un rebalanceo ejecutado.
	SaveRebalance(ctx context.Context, rec domain.RebalanceRecord) error

	// SaveLifecycleEvent persiste una transición de mercado (alta, split, recombine).
	SaveLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error

	// SaveMarket hace upsert de la vista actual de un mercado.
	// Las vistas sin cambios respecto a la última guardada se ignoran.
	SaveMarket(ctx context.Context, view domain.MarketView) error

	// GetRebalances devuelve los rebalanceos de un mercado en el rango dado.
	// uuid.Nil devuelve los de todos los mercados.
	GetRebalances(ctx context.Context, marketID uuid.UUID, from, to time.Time) ([]domain.RebalanceRecord, error)

	// GetLifecycleEvents devuelve los eventos de un mercado en orden cronológico.
	GetLifecycleEvents(ctx context.Context, marketID uuid.UUID) ([]domain.LifecycleEvent, error)

	// GetMarkets devuelve la última vista guardada de cada mercado.
	GetMarkets(ctx context.Context) ([]domain.MarketView, error)

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
