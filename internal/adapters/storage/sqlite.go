package storage

// sqlite.go: historial de rebalanceos y ciclo de vida de mercados.
//
// Estrategia:
//   - `rebalances`: una fila por rebalanceo ejecutado (append-only).
//   - `lifecycle_events`: una fila por alta / split / recombine.
//   - `markets`: UNA fila por mercado (UPSERT) con la última vista.
//   - Cache en memoria: evita writes si la vista no cambió (estado, respaldo
//     o precio spot > 0.1%). Durante una simulación casi todas las vistas
//     se repiten entre cranks.
//   - Cantidades uint64 como TEXT: INTEGER de SQLite es int64 con signo.
//   - Tiempos como INTEGER (unix nanos, UTC) para comparar por rango.
//   - Prune automático al arrancar: rebalances > 30d, mercados liquidados
//     sin actualizar en 14d.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rebalances (
    id                  TEXT PRIMARY KEY,
    market_id           TEXT    NOT NULL,
    route               TEXT    NOT NULL,
    spot_to_conditional INTEGER NOT NULL DEFAULT 0,
    amount              TEXT    NOT NULL,
    input               TEXT    NOT NULL,
    output              TEXT    NOT NULL,
    profit              TEXT    NOT NULL,
    planned_profit      TEXT    NOT NULL,
    asset_to_bid        TEXT    NOT NULL DEFAULT '0',
    residual_asset      TEXT    NOT NULL DEFAULT '0',
    price_before        TEXT    NOT NULL,
    price_after         TEXT    NOT NULL,
    executed_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
    id              TEXT PRIMARY KEY,
    market_id       TEXT    NOT NULL,
    kind            TEXT    NOT NULL,
    ratio           INTEGER NOT NULL DEFAULT 0,
    winner          INTEGER NOT NULL DEFAULT -1,
    asset           TEXT    NOT NULL DEFAULT '0',
    stable          TEXT    NOT NULL DEFAULT '0',
    fees_asset      TEXT    NOT NULL DEFAULT '0',
    fees_stable     TEXT    NOT NULL DEFAULT '0',
    stranded_asset  TEXT    NOT NULL DEFAULT '0',
    stranded_stable TEXT    NOT NULL DEFAULT '0',
    at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id             TEXT PRIMARY KEY,
    name           TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    outcomes       INTEGER NOT NULL,
    spot           TEXT    NOT NULL,
    conditionals   TEXT    NOT NULL DEFAULT '[]',
    backing_asset  TEXT    NOT NULL DEFAULT '0',
    backing_stable TEXT    NOT NULL DEFAULT '0',
    winner         INTEGER NOT NULL DEFAULT -1,
    split_at       INTEGER NOT NULL DEFAULT 0,
    first_seen     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rebal_market ON rebalances(market_id, executed_at);
CREATE INDEX IF NOT EXISTS idx_rebal_at     ON rebalances(executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_life_market  ON lifecycle_events(market_id, at);
`

const (
	retentionRebalances = 30 * 24 * time.Hour // rebalanceos: 30 días
	retentionSettled    = 14 * 24 * time.Hour // mercados liquidados: 14 días
	priceChangePct      = 0.001               // 0.1% de cambio en precio spot → reescribir
)

// cachedView es el snapshot de la última vista guardada de un mercado.
type cachedView struct {
	status        domain.MarketStatus
	spotPrice     uint64
	backingAsset  uint64
	backingStable uint64
}

// SQLiteStorage implementa ports.Storage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db    *sql.DB
	cache map[uuid.UUID]cachedView // marketID → vista guardada
	mu    sync.Mutex
	now   func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema, limpia datos antiguos y precarga la cache.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{
		db:    db,
		cache: make(map[uuid.UUID]cachedView),
		now:   time.Now,
	}
	s.pruneOld(context.Background())
	s.warmCache(context.Background())
	return s, nil
}

// SaveRebalance inserta un rebalanceo ejecutado.
func (s *SQLiteStorage) SaveRebalance(ctx context.Context, rec domain.RebalanceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rebalances
			(id, market_id, route, spot_to_conditional, amount, input, output,
			 profit, planned_profit, asset_to_bid, residual_asset,
			 price_before, price_after, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.MarketID.String(),
		rec.Route,
		boolInt(rec.SpotToConditional),
		u64(rec.Amount),
		u64(rec.Input),
		u64(rec.Output),
		u64(rec.Profit),
		u64(rec.PlannedProfit),
		u64(rec.AssetToBid),
		u64(rec.ResidualAsset),
		u64(rec.SpotPriceBefore),
		u64(rec.SpotPriceAfter),
		unixNano(rec.ExecutedAt),
	); err != nil {
		return fmt.Errorf("storage.SaveRebalance: insert %s: %w", rec.ID, err)
	}
	return nil
}

// SaveLifecycleEvent inserta una transición de mercado.
func (s *SQLiteStorage) SaveLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events
			(id, market_id, kind, ratio, winner, asset, stable, fees_asset,
			 fees_stable, stranded_asset, stranded_stable, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(),
		ev.MarketID.String(),
		string(ev.Kind),
		int(ev.Ratio),
		ev.Winner,
		u64(ev.Asset),
		u64(ev.Stable),
		u64(ev.FeesAsset),
		u64(ev.FeesStable),
		u64(ev.StrandedAsset),
		u64(ev.StrandedStable),
		unixNano(ev.At),
	); err != nil {
		return fmt.Errorf("storage.SaveLifecycleEvent: insert %s %s: %w", ev.Kind, ev.MarketID, err)
	}
	return nil
}

// SaveMarket hace upsert de la vista de un mercado si cambió respecto a la
// última guardada (usando caché en memoria).
func (s *SQLiteStorage) SaveMarket(ctx context.Context, view domain.MarketView) error {
	if !s.changed(view) {
		return nil // nada nuevo, la mayoría de cranks terminan aquí
	}

	conds, err := json.Marshal(view.Conditionals)
	if err != nil {
		return fmt.Errorf("storage.SaveMarket: encode conditionals: %w", err)
	}
	spot, err := json.Marshal(view.Spot)
	if err != nil {
		return fmt.Errorf("storage.SaveMarket: encode spot: %w", err)
	}
	updated := view.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	var splitAt int64
	if !view.SplitAt.IsZero() {
		splitAt = unixNano(view.SplitAt)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(id, name, status, outcomes, spot, conditionals, backing_asset,
			 backing_stable, winner, split_at, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = excluded.name,
			status         = excluded.status,
			outcomes       = excluded.outcomes,
			spot           = excluded.spot,
			conditionals   = excluded.conditionals,
			backing_asset  = excluded.backing_asset,
			backing_stable = excluded.backing_stable,
			winner         = excluded.winner,
			split_at       = excluded.split_at,
			updated_at     = excluded.updated_at`,
		view.ID.String(),
		view.Name,
		string(view.Status),
		view.Outcomes,
		string(spot),
		string(conds),
		u64(view.BackingAsset),
		u64(view.BackingStable),
		view.Winner,
		splitAt,
		unixNano(updated), // first_seen: ignorado en ON CONFLICT
		unixNano(updated),
	); err != nil {
		s.forget(view.ID)
		return fmt.Errorf("storage.SaveMarket: upsert %s: %w", view.ID, err)
	}
	return nil
}

// GetRebalances devuelve los rebalanceos con executed_at en [from, to],
// en orden cronológico. uuid.Nil no filtra por mercado.
func (s *SQLiteStorage) GetRebalances(ctx context.Context, marketID uuid.UUID, from, to time.Time) ([]domain.RebalanceRecord, error) {
	query := `
		SELECT id, market_id, route, spot_to_conditional, amount, input, output,
		       profit, planned_profit, asset_to_bid, residual_asset,
		       price_before, price_after, executed_at
		FROM rebalances
		WHERE executed_at BETWEEN ? AND ?`
	args := []any{unixNano(from), unixNano(to)}
	if marketID != uuid.Nil {
		query += ` AND market_id = ?`
		args = append(args, marketID.String())
	}
	query += ` ORDER BY executed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.GetRebalances: query: %w", err)
	}
	defer rows.Close()

	var recs []domain.RebalanceRecord
	for rows.Next() {
		var (
			id, market, route                        string
			s2c                                      int
			amount, input, output, profit, planned   string
			toBid, residual, priceBefore, priceAfter string
			executedAt                               int64
		)
		if err := rows.Scan(&id, &market, &route, &s2c, &amount, &input, &output,
			&profit, &planned, &toBid, &residual, &priceBefore, &priceAfter, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.GetRebalances: scan row: %w", err)
		}

		rec := domain.RebalanceRecord{
			Route:             route,
			SpotToConditional: s2c == 1,
			ExecutedAt:        time.Unix(0, executedAt).UTC(),
		}
		var p parser
		rec.ID = p.uuid(id)
		rec.MarketID = p.uuid(market)
		rec.Amount = p.u64(amount)
		rec.Input = p.u64(input)
		rec.Output = p.u64(output)
		rec.Profit = p.u64(profit)
		rec.PlannedProfit = p.u64(planned)
		rec.AssetToBid = p.u64(toBid)
		rec.ResidualAsset = p.u64(residual)
		rec.SpotPriceBefore = p.u64(priceBefore)
		rec.SpotPriceAfter = p.u64(priceAfter)
		if p.err != nil {
			return nil, fmt.Errorf("storage.GetRebalances: decode %s: %w", id, p.err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetLifecycleEvents devuelve los eventos de un mercado en orden cronológico.
func (s *SQLiteStorage) GetLifecycleEvents(ctx context.Context, marketID uuid.UUID) ([]domain.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, ratio, winner, asset, stable, fees_asset, fees_stable,
		       stranded_asset, stranded_stable, at
		FROM lifecycle_events
		WHERE market_id = ?
		ORDER BY at ASC, rowid ASC`, marketID.String())
	if err != nil {
		return nil, fmt.Errorf("storage.GetLifecycleEvents: query: %w", err)
	}
	defer rows.Close()

	var events []domain.LifecycleEvent
	for rows.Next() {
		var (
			id, kind                    string
			ratio, winner               int
			asset, stable, feesA, feesS string
			strandedA, strandedS        string
			at                          int64
		)
		if err := rows.Scan(&id, &kind, &ratio, &winner, &asset, &stable, &feesA, &feesS,
			&strandedA, &strandedS, &at,
		); err != nil {
			return nil, fmt.Errorf("storage.GetLifecycleEvents: scan row: %w", err)
		}

		ev := domain.LifecycleEvent{
			MarketID: marketID,
			Kind:     domain.LifecycleKind(kind),
			Ratio:    uint8(ratio),
			Winner:   winner,
			At:       time.Unix(0, at).UTC(),
		}
		var p parser
		ev.ID = p.uuid(id)
		ev.Asset = p.u64(asset)
		ev.Stable = p.u64(stable)
		ev.FeesAsset = p.u64(feesA)
		ev.FeesStable = p.u64(feesS)
		ev.StrandedAsset = p.u64(strandedA)
		ev.StrandedStable = p.u64(strandedS)
		if p.err != nil {
			return nil, fmt.Errorf("storage.GetLifecycleEvents: decode %s: %w", id, p.err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetMarkets devuelve la última vista guardada de cada mercado, por fecha de alta.
func (s *SQLiteStorage) GetMarkets(ctx context.Context) ([]domain.MarketView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, outcomes, spot, conditionals, backing_asset,
		       backing_stable, winner, split_at, updated_at
		FROM markets
		ORDER BY first_seen ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetMarkets: query: %w", err)
	}
	defer rows.Close()

	var views []domain.MarketView
	for rows.Next() {
		var (
			id, name, status, spot, conds string
			backingA, backingS            string
			outcomes, winner              int
			splitAt, updatedAt            int64
		)
		if err := rows.Scan(&id, &name, &status, &outcomes, &spot, &conds,
			&backingA, &backingS, &winner, &splitAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.GetMarkets: scan row: %w", err)
		}

		v := domain.MarketView{
			Name:      name,
			Status:    domain.MarketStatus(status),
			Outcomes:  outcomes,
			Winner:    winner,
			UpdatedAt: time.Unix(0, updatedAt).UTC(),
		}
		if splitAt != 0 {
			v.SplitAt = time.Unix(0, splitAt).UTC()
		}
		var p parser
		v.ID = p.uuid(id)
		v.BackingAsset = p.u64(backingA)
		v.BackingStable = p.u64(backingS)
		if p.err == nil {
			p.err = json.Unmarshal([]byte(spot), &v.Spot)
		}
		if p.err == nil {
			p.err = json.Unmarshal([]byte(conds), &v.Conditionals)
		}
		if p.err != nil {
			return nil, fmt.Errorf("storage.GetMarkets: decode %s: %w", id, p.err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// changed indica si la vista difiere de la última guardada y actualiza la caché.
func (s *SQLiteStorage) changed(v domain.MarketView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cachedView{
		status:        v.Status,
		spotPrice:     v.SpotPrice(),
		backingAsset:  v.BackingAsset,
		backingStable: v.BackingStable,
	}
	if prev, ok := s.cache[v.ID]; ok {
		unchanged := prev.status == next.status &&
			prev.backingAsset == next.backingAsset &&
			prev.backingStable == next.backingStable &&
			relChange(prev.spotPrice, next.spotPrice) < priceChangePct
		if unchanged {
			return false
		}
	}
	s.cache[v.ID] = next
	return true
}

func (s *SQLiteStorage) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// pruneOld elimina datos antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	now := s.now().UTC()
	s.db.ExecContext(ctx, `DELETE FROM rebalances WHERE executed_at < ?`,
		unixNano(now.Add(-retentionRebalances)))
	s.db.ExecContext(ctx, `DELETE FROM markets WHERE status = ? AND updated_at < ?`,
		string(domain.MarketSettled), unixNano(now.Add(-retentionSettled)))
}

// warmCache precarga la caché desde la DB al arrancar, evitando escrituras
// redundantes en el primer crank tras un reinicio.
func (s *SQLiteStorage) warmCache(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, spot, backing_asset, backing_stable FROM markets`,
	)
	if err != nil {
		return
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id, status, spot, backingA, backingS string
		if rows.Scan(&id, &status, &spot, &backingA, &backingS) != nil {
			continue
		}
		var snap domain.PoolSnapshot
		var p parser
		mid := p.uuid(id)
		c := cachedView{
			status:        domain.MarketStatus(status),
			backingAsset:  p.u64(backingA),
			backingStable: p.u64(backingS),
		}
		if p.err != nil || json.Unmarshal([]byte(spot), &snap) != nil {
			continue
		}
		c.spotPrice = snap.Price()
		s.cache[mid] = c
	}
}

// parser acumula el primer error de decodificación de una fila.
type parser struct {
	err error
}

func (p *parser) u64(s string) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *parser) uuid(s string) uuid.UUID {
	if p.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.err = err
	}
	return id
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// relChange devuelve el cambio relativo entre dos precios (0.0 – ∞).
func relChange(old, new uint64) float64 {
	if old == 0 {
		return 1.0 // forzar escritura si antes era 0
	}
	return math.Abs(float64(new)-float64(old)) / float64(old)
}
