package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeloop/intrabot/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// UpsertActive writes the signal keyed by its stable id. Idempotent by
// design: replaying the same write after a transient failure is safe.
func (s *SignalStore) UpsertActive(ctx context.Context, sig domain.ActiveSignal) error {
	const query = `
		INSERT INTO active_signals (
			signal_id, symbol, direction, confidence, strategy,
			status, expires_at, sink_state, sink_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (signal_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			status     = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			sink_state = EXCLUDED.sink_state,
			sink_error = EXCLUDED.sink_error,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		sig.SignalID, sig.Symbol, string(sig.Direction), sig.Confidence, sig.Strategy,
		string(sig.State), sig.ExpiresAt, string(sig.SinkState), sig.SinkError,
		sig.CreatedAt, sig.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert active signal %s: %w", sig.SignalID, err)
	}
	return nil
}

// MarkState transitions the persisted record to the given state.
func (s *SignalStore) MarkState(ctx context.Context, signalID string, state domain.SignalState) error {
	const query = `
		UPDATE active_signals SET
			status     = $2,
			updated_at = NOW()
		WHERE signal_id = $1`

	tag, err := s.pool.Exec(ctx, query, signalID, string(state))
	if err != nil {
		return fmt.Errorf("postgres: mark signal %s %s: %w", signalID, state, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActive returns every persisted signal still in the active state.
func (s *SignalStore) ListActive(ctx context.Context) ([]domain.ActiveSignal, error) {
	const query = `
		SELECT signal_id, symbol, direction, confidence, strategy,
		       status, expires_at, sink_state, sink_error, created_at, updated_at
		FROM active_signals
		WHERE status = 'active'
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.ActiveSignal
	for rows.Next() {
		var sig domain.ActiveSignal
		var direction, status, sinkState string
		if err := rows.Scan(
			&sig.SignalID, &sig.Symbol, &direction, &sig.Confidence, &sig.Strategy,
			&status, &sig.ExpiresAt, &sinkState, &sig.SinkError,
			&sig.CreatedAt, &sig.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan active signal: %w", err)
		}
		sig.Direction = domain.Direction(direction)
		sig.State = domain.SignalState(status)
		sig.SinkState = domain.SinkState(sinkState)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// AppendLog inserts one immutable row into the signals log.
func (s *SignalStore) AppendLog(ctx context.Context, entry domain.SignalLogEntry) error {
	const query = `
		INSERT INTO signals (
			signal_id, symbol, direction, entry, stop_loss, target, quantity,
			atr, confidence, strategy, sector, liquidity, spread, volume,
			volume_ratio, expires_at, generated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17
		)`

	c := entry.Candidate
	_, err := s.pool.Exec(ctx, query,
		entry.SignalID, c.Symbol, string(c.Direction), c.Entry, c.StopLoss, c.Target, c.Quantity,
		c.ATR, c.Confidence, c.Strategy, c.Sector, c.Liquidity, c.Spread, c.Volume,
		c.VolumeRatio, c.ExpiresAt, entry.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append signal log %s: %w", entry.SignalID, err)
	}
	return nil
}

// ListLoggedBefore returns signal-log rows generated strictly before the
// cutoff, used by the cold-storage archiver.
func (s *SignalStore) ListLoggedBefore(ctx context.Context, before time.Time) ([]domain.SignalLogEntry, error) {
	const query = `
		SELECT id, signal_id, symbol, direction, entry, stop_loss, target, quantity,
		       atr, confidence, strategy, sector, liquidity, spread, volume,
		       volume_ratio, expires_at, generated_at
		FROM signals
		WHERE generated_at < $1
		ORDER BY generated_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list logged signals: %w", err)
	}
	defer rows.Close()

	var entries []domain.SignalLogEntry
	for rows.Next() {
		var e domain.SignalLogEntry
		var direction string
		if err := rows.Scan(
			&e.ID, &e.SignalID, &e.Candidate.Symbol, &direction,
			&e.Candidate.Entry, &e.Candidate.StopLoss, &e.Candidate.Target, &e.Candidate.Quantity,
			&e.Candidate.ATR, &e.Candidate.Confidence, &e.Candidate.Strategy, &e.Candidate.Sector,
			&e.Candidate.Liquidity, &e.Candidate.Spread, &e.Candidate.Volume,
			&e.Candidate.VolumeRatio, &e.Candidate.ExpiresAt, &e.GeneratedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan logged signal: %w", err)
		}
		e.Candidate.SignalID = e.SignalID
		e.Candidate.Direction = domain.Direction(direction)
		e.Candidate.GeneratedAt = e.GeneratedAt
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
