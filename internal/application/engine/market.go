package engine

import (
	"sync"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/alejandrodnm/quantamm/internal/domain/arbitrage"
	"github.com/google/uuid"
)

// market agrupa el estado mutable de un mercado. Todo acceso pasa por mu.
type market struct {
	mu sync.Mutex

	id       uuid.UUID
	name     string
	outcomes int
	status   domain.MarketStatus
	winner   int

	spot   *domain.SpotPool
	escrow *domain.Escrow // nil hasta el primer OpenTrading; finalizado tras CloseTrading
	bid    *domain.ProtectiveBid
	dust   *domain.CompactBalance // restos del crank en el periodo actual

	updatedAt time.Time
}

func (m *market) venues() arbitrage.Venues {
	return arbitrage.Venues{Spot: m.spot, Escrow: m.escrow, Bid: m.bid}
}

func (m *market) view() domain.MarketView {
	v := domain.MarketView{
		ID:        m.id,
		Name:      m.name,
		Status:    m.status,
		Outcomes:  m.outcomes,
		Spot:      m.spot.Snapshot(),
		Winner:    -1,
		UpdatedAt: m.updatedAt,
	}
	if m.status == domain.MarketSettled {
		v.Winner = m.winner
	}
	if m.escrow != nil {
		v.BackingAsset, v.BackingStable = m.escrow.Backing()
		v.SplitAt = m.escrow.SplitAt()
		if m.status == domain.MarketTrading {
			v.Conditionals = m.escrow.Snapshots()
		}
	}
	return v
}
