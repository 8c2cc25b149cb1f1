package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeloop/intrabot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. It manages
// two tables: open_positions (the reconciliation snapshot, replaced wholesale
// on each broker refresh) and live_positions (the continuity cache the ledger
// restores from on startup).
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `symbol, side, quantity, entry_price, mark_price, sector, strategy, updated_at`

// UpsertLive writes one position into the continuity cache.
func (s *PositionStore) UpsertLive(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO live_positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO UPDATE SET
			side        = EXCLUDED.side,
			quantity    = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			mark_price  = EXCLUDED.mark_price,
			sector      = EXCLUDED.sector,
			strategy    = EXCLUDED.strategy,
			updated_at  = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		pos.Symbol, string(pos.Side), pos.Quantity, pos.EntryPrice,
		pos.MarkPrice, pos.Sector, pos.Strategy, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert live position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeleteLive removes one position from the continuity cache.
func (s *PositionStore) DeleteLive(ctx context.Context, symbol string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM live_positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("postgres: delete live position %s: %w", symbol, err)
	}
	return nil
}

// ReplaceLive overwrites the continuity cache with the given set.
func (s *PositionStore) ReplaceLive(ctx context.Context, positions []domain.Position) error {
	return s.replaceTable(ctx, "live_positions", positions)
}

// ReplaceSnapshot overwrites the reconciliation snapshot with the given set.
func (s *PositionStore) ReplaceSnapshot(ctx context.Context, positions []domain.Position) error {
	return s.replaceTable(ctx, "open_positions", positions)
}

func (s *PositionStore) replaceTable(ctx context.Context, table string, positions []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("postgres: clear %s: %w", table, err)
	}

	for _, pos := range positions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+table+` (`+positionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pos.Symbol, string(pos.Side), pos.Quantity, pos.EntryPrice,
			pos.MarkPrice, pos.Sector, pos.Strategy, pos.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert into %s %s: %w", table, pos.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit replace %s: %w", table, err)
	}
	return nil
}

// ListLive returns the continuity cache.
func (s *PositionStore) ListLive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM live_positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list live positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var side string
		if err := rows.Scan(
			&p.Symbol, &side, &p.Quantity, &p.EntryPrice,
			&p.MarkPrice, &p.Sector, &p.Strategy, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Side = domain.Side(side)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
