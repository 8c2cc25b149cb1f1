package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeloop/intrabot/internal/domain"
)

// AuditTrail implements domain.AuditHook with an append-only audit_log table.
// Hooks are fire-and-forget: write failures are logged here and never reach
// the admission path.
type AuditTrail struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// NewAuditTrail creates an AuditTrail. timeout bounds each write; zero means
// 3 seconds.
func NewAuditTrail(pool *pgxpool.Pool, timeout time.Duration, logger *slog.Logger) *AuditTrail {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &AuditTrail{
		pool:    pool,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "audit_trail")),
	}
}

func (a *AuditTrail) record(ctx context.Context, event, signalID string, detail map[string]any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		a.logger.WarnContext(ctx, "audit detail marshal failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		raw = []byte("{}")
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	_, err = a.pool.Exec(wctx,
		`INSERT INTO audit_log (event, signal_id, detail, created_at) VALUES ($1, $2, $3, NOW())`,
		event, signalID, raw,
	)
	if err != nil {
		a.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("signal_id", signalID),
			slog.String("error", err.Error()),
		)
	}
}

// OnSignalCreated records a committed signal with its market context.
func (a *AuditTrail) OnSignalCreated(ctx context.Context, sig domain.ActiveSignal, detail map[string]any) {
	merged := map[string]any{
		"symbol":     sig.Symbol,
		"direction":  string(sig.Direction),
		"confidence": sig.Confidence,
		"strategy":   sig.Strategy,
		"expires_at": sig.ExpiresAt,
	}
	for k, v := range detail {
		merged[k] = v
	}
	a.record(ctx, "signal_created", sig.SignalID, merged)
}

// OnSignalMutated records a field change on a committed signal.
func (a *AuditTrail) OnSignalMutated(ctx context.Context, signalID string, change domain.FieldChange) {
	a.record(ctx, "signal_mutated", signalID, map[string]any{
		"field":  change.Field,
		"old":    change.Old,
		"new":    change.New,
		"reason": change.Reason,
	})
}

// OnSignalExpired records an expiry sweep transition.
func (a *AuditTrail) OnSignalExpired(ctx context.Context, signalID, reason string) {
	a.record(ctx, "signal_expired", signalID, map[string]any{"reason": reason})
}

// OnSignalRejected records an admission rejection with its reason code.
func (a *AuditTrail) OnSignalRejected(ctx context.Context, signalID, reasonCode string, detail map[string]any) {
	merged := map[string]any{"reason": reasonCode}
	for k, v := range detail {
		merged[k] = v
	}
	a.record(ctx, "signal_rejected", signalID, merged)
}

// ListBefore returns audit rows created strictly before the cutoff, used by
// the cold-storage archiver.
func (a *AuditTrail) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditRecord, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, event, signal_id, detail, created_at
		 FROM audit_log WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var raw []byte
		if err := rows.Scan(&r.ID, &r.Event, &r.SignalID, &raw, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &r.Detail)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
