package domain

import (
	"context"
	"time"
)

// SignalLogEntry is one row of the append-only signals log. The log carries
// the full candidate as detected, stamped with the id it was committed under.
type SignalLogEntry struct {
	ID          int64
	SignalID    string
	Candidate   CandidateSignal
	GeneratedAt time.Time
}

// SignalStore persists committed signals. Writes are idempotent: active
// signals are upserted by their stable signal id, so a repeated or
// out-of-order retry after a transient failure is safe.
type SignalStore interface {
	// UpsertActive writes the signal's current state keyed by signal id.
	UpsertActive(ctx context.Context, sig ActiveSignal) error
	// MarkState transitions the persisted record to a terminal state.
	MarkState(ctx context.Context, signalID string, state SignalState) error
	// ListActive returns all persisted signals still in the active state.
	ListActive(ctx context.Context) ([]ActiveSignal, error)
	// AppendLog inserts one immutable row into the signals log.
	AppendLog(ctx context.Context, entry SignalLogEntry) error
}

// PositionStore persists the ledger's two position collections: the
// reconciliation snapshot (replaced wholesale on broker refresh) and the
// continuity cache (updated incrementally so the ledger survives restarts).
type PositionStore interface {
	UpsertLive(ctx context.Context, pos Position) error
	DeleteLive(ctx context.Context, symbol string) error
	ReplaceLive(ctx context.Context, positions []Position) error
	ListLive(ctx context.Context) ([]Position, error)
	ReplaceSnapshot(ctx context.Context, positions []Position) error
}

// AuditRecord is one persisted audit event, read back for archival.
type AuditRecord struct {
	ID        int64
	Event     string
	SignalID  string
	Detail    map[string]any
	CreatedAt time.Time
}

// FieldChange describes a single mutation applied to a committed signal.
type FieldChange struct {
	Field  string
	Old    any
	New    any
	Reason string
}

// AuditHook receives admission and lifecycle events. Implementations are
// fire-and-forget: they never block or fail the decision that triggered them.
type AuditHook interface {
	OnSignalCreated(ctx context.Context, sig ActiveSignal, detail map[string]any)
	OnSignalMutated(ctx context.Context, signalID string, change FieldChange)
	OnSignalExpired(ctx context.Context, signalID, reason string)
	OnSignalRejected(ctx context.Context, signalID, reasonCode string, detail map[string]any)
}

// EventBus publishes lifecycle events for operators and downstream consumers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Notifier delivers operator-facing alert text. Failures are reported back so
// the caller can record the sink status, but never gate a commit.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CapitalLedger applies realized trade outcomes to the account's capital.
type CapitalLedger interface {
	ApplyRealizedPnL(ctx context.Context, amount float64) error
}

// BrokerFeed is the pull-based broker position feed consumed by the ledger's
// wholesale refresh.
type BrokerFeed interface {
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}
