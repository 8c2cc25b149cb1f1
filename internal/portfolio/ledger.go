// Package portfolio implements the authoritative ledger of open exposure.
// The in-memory position map is the source of truth for the running process;
// the persisted snapshot and continuity cache follow it fire-and-forget.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeloop/intrabot/internal/domain"
)

// Reason enumerates admission rejection causes reported on audit records.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonTradeValue         Reason = "trade_value_bounds"
	ReasonGrossExposure      Reason = "gross_exposure_cap"
	ReasonCapitalReserve     Reason = "capital_reserve"
	ReasonMargin             Reason = "margin_cap"
	ReasonInstrumentExposure Reason = "instrument_exposure_cap"
	ReasonSectorExposure     Reason = "sector_exposure_cap"
	ReasonReEntryCooldown    Reason = "reentry_cooldown"
	ReasonConflict           Reason = "conflicting_position"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Config holds the ledger's exposure limits. Caps are fractions of capital;
// a zero value leaves the corresponding limit unconstrained.
type Config struct {
	ExposureCap      float64 // gross exposure as a fraction of capital
	ReservePct       float64 // capital fraction kept uncommitted
	MaxMarginPct     float64
	InstrumentCap    float64 // per-symbol fraction of capital
	SectorCap        float64 // default 0.25
	SectorCaps       map[string]float64
	MinTradeValue    float64
	MaxTradeValue    float64
	MaxTradeValuePct float64 // single trade as a fraction of capital
	ReEntryWindow    time.Duration // default 15m
	MarkToMarket     bool
	PersistTimeout   time.Duration // default 3s
}

const (
	defaultSectorCap      = 0.25
	defaultReEntryWindow  = 15 * time.Minute
	defaultPersistTimeout = 3 * time.Second
)

// TradeOutcomeFunc receives every realized trade result so the risk gate can
// maintain its daily counters.
type TradeOutcomeFunc func(pnl, riskAmount float64)

// Ledger owns the set of open positions and enforces capital, sector and
// instrument exposure caps. CheckAdmission followed by RecordEntry for the
// same symbol must happen under Admit so two candidates cannot both pass
// against a stale exposure snapshot.
type Ledger struct {
	cfg      Config
	store    domain.PositionStore
	capital  domain.CapitalLedger
	notifier domain.Notifier
	bus      domain.EventBus
	outcome  TradeOutcomeFunc
	logger   *slog.Logger

	mu        sync.Mutex
	positions map[string]domain.Position
	lastExit  map[string]time.Time
}

// NewLedger creates a Ledger. outcome may be nil when no trade-result
// consumer is wired.
func NewLedger(
	cfg Config,
	store domain.PositionStore,
	capital domain.CapitalLedger,
	notifier domain.Notifier,
	bus domain.EventBus,
	outcome TradeOutcomeFunc,
	logger *slog.Logger,
) *Ledger {
	if cfg.SectorCap == 0 {
		cfg.SectorCap = defaultSectorCap
	}
	if cfg.ReEntryWindow == 0 {
		cfg.ReEntryWindow = defaultReEntryWindow
	}
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Ledger{
		cfg:       cfg,
		store:     store,
		capital:   capital,
		notifier:  notifier,
		bus:       bus,
		outcome:   outcome,
		logger:    logger.With(slog.String("component", "portfolio_ledger")),
		positions: make(map[string]domain.Position),
		lastExit:  make(map[string]time.Time),
	}
}

// Restore loads the continuity cache into memory. Called once at startup so
// the ledger picks up where the previous process left off.
func (l *Ledger) Restore(ctx context.Context) error {
	positions, err := l.store.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("portfolio: restore live positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range positions {
		l.positions[pos.Symbol] = pos
	}
	l.logger.Info("ledger restored", slog.Int("positions", len(positions)))
	return nil
}

// AdmissionRequest carries everything CheckAdmission needs to project the
// trade onto current exposure.
type AdmissionRequest struct {
	Symbol     string
	TradeValue float64
	Sector     string
	Capital    float64
	Priority   bool // bypasses all checks
}

// CheckAdmission decides whether the proposed trade fits within the
// configured exposure caps.
func (l *Ledger) CheckAdmission(ctx context.Context, req AdmissionRequest) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkAdmissionLocked(ctx, req)
}

func (l *Ledger) checkAdmissionLocked(ctx context.Context, req AdmissionRequest) Decision {
	if req.Priority {
		return Decision{Allowed: true}
	}

	if l.cfg.MinTradeValue > 0 && req.TradeValue < l.cfg.MinTradeValue {
		return Decision{Reason: ReasonTradeValue}
	}
	if l.cfg.MaxTradeValue > 0 && req.TradeValue > l.cfg.MaxTradeValue {
		return Decision{Reason: ReasonTradeValue}
	}
	if l.cfg.MaxTradeValuePct > 0 && req.Capital > 0 && req.TradeValue > l.cfg.MaxTradeValuePct*req.Capital {
		return Decision{Reason: ReasonTradeValue}
	}

	// A zero-value trade moves no exposure, so the projections below cannot
	// change and must not reject it even when a cap is already breached.
	if req.TradeValue == 0 {
		return Decision{Allowed: true}
	}

	var gross, instrument, sector float64
	for _, pos := range l.positions {
		value := pos.Value()
		if l.cfg.MarkToMarket {
			value = pos.MarkValue()
		}
		gross += value
		if pos.Symbol == req.Symbol {
			instrument += value
		}
		if req.Sector != "" && pos.Sector == req.Sector {
			sector += value
		}
	}

	projected := gross + req.TradeValue
	if l.cfg.ExposureCap > 0 && projected > l.cfg.ExposureCap*req.Capital {
		return Decision{Reason: ReasonGrossExposure}
	}
	if l.cfg.ReservePct > 0 && projected > (1-l.cfg.ReservePct)*req.Capital {
		return Decision{Reason: ReasonCapitalReserve}
	}
	if l.cfg.MaxMarginPct > 0 && projected > l.cfg.MaxMarginPct*req.Capital {
		return Decision{Reason: ReasonMargin}
	}
	if l.cfg.InstrumentCap > 0 && instrument+req.TradeValue > l.cfg.InstrumentCap*req.Capital {
		return Decision{Reason: ReasonInstrumentExposure}
	}
	if req.Sector != "" {
		limit := l.cfg.SectorCap
		if override, ok := l.cfg.SectorCaps[req.Sector]; ok {
			limit = override
		}
		if limit > 0 && sector+req.TradeValue > limit*req.Capital {
			return Decision{Reason: ReasonSectorExposure}
		}
	}

	return Decision{Allowed: true}
}

// PreventReEntry reports whether an entry for symbol must be blocked: either
// a position is already open, or the last exit is still inside the cooldown
// window. An exit exactly at the window boundary still blocks.
func (l *Ledger) PreventReEntry(symbol string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.preventReEntryLocked(symbol, now)
}

func (l *Ledger) preventReEntryLocked(symbol string, now time.Time) bool {
	if _, open := l.positions[symbol]; open {
		return true
	}
	exit, ok := l.lastExit[symbol]
	return ok && now.Sub(exit) <= l.cfg.ReEntryWindow
}

// ResolveConflict arbitrates a candidate against an existing opposite-side
// position. The candidate wins only when its strategy strictly outranks the
// incumbent's; ties keep the incumbent.
func (l *Ledger) ResolveConflict(sig domain.CandidateSignal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.resolveConflictLocked(sig)
}

func (l *Ledger) resolveConflictLocked(sig domain.CandidateSignal) bool {
	pos, ok := l.positions[sig.Symbol]
	if !ok {
		return true
	}
	if pos.Side == domain.SideForDirection(sig.Direction) {
		return true
	}
	return strategyRank(sig.Strategy) > strategyRank(pos.Strategy)
}

// Admit runs the full admission sequence for one candidate atomically:
// re-entry cooldown, conflict arbitration, then exposure projection. Used by
// the pipeline so concurrent candidates cannot interleave between the check
// and the subsequent entry.
func (l *Ledger) Admit(ctx context.Context, sig domain.CandidateSignal, capital float64, priority bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, open := l.positions[sig.Symbol]; open {
		if !l.resolveConflictLocked(sig) {
			return Decision{Reason: ReasonConflict}
		}
	} else if l.preventReEntryLocked(sig.Symbol, time.Now().UTC()) {
		return Decision{Reason: ReasonReEntryCooldown}
	}
	return l.checkAdmissionLocked(ctx, AdmissionRequest{
		Symbol:     sig.Symbol,
		TradeValue: sig.TradeValue(),
		Sector:     sig.Sector,
		Capital:    capital,
		Priority:   priority,
	})
}

// RecordEntry upserts the position into the ledger and persists it to the
// continuity cache for restart continuity.
func (l *Ledger) RecordEntry(ctx context.Context, pos domain.Position) {
	pos.Side = domain.NormalizeSide(string(pos.Side))
	pos.UpdatedAt = time.Now().UTC()

	l.mu.Lock()
	l.positions[pos.Symbol] = pos
	l.mu.Unlock()

	l.persist(ctx, "upsert live position", func(ctx context.Context) error {
		return l.store.UpsertLive(ctx, pos)
	})
	l.publish(ctx, "positions", map[string]any{
		"event":       "position_opened",
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"strategy":    pos.Strategy,
	})

	l.logger.InfoContext(ctx, "entry recorded",
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("entry_price", pos.EntryPrice),
	)
}

// ExitParams describes a recorded exit. Nil ExitPrice means the fill price is
// unknown (e.g. a broker-side liquidation notice): the position is still
// removed and the cooldown timestamp stamped, but no P&L is realized. Nil
// Quantity means a full close.
type ExitParams struct {
	ExitPrice  *float64
	Quantity   *float64
	Fees       float64
	RiskAmount float64
	Reason     string
}

// RecordExit applies a partial or full exit for symbol. The exit timestamp is
// always recorded for the re-entry cooldown, even when the position is
// unknown or no price was supplied.
func (l *Ledger) RecordExit(ctx context.Context, symbol string, params ExitParams) error {
	now := time.Now().UTC()

	l.mu.Lock()
	l.lastExit[symbol] = now

	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("portfolio: record exit %s: %w", symbol, domain.ErrNotFound)
	}

	exitQty := pos.Quantity
	if params.Quantity != nil && *params.Quantity < pos.Quantity {
		exitQty = *params.Quantity
	}
	partial := exitQty < pos.Quantity

	if partial {
		pos.Quantity -= exitQty
		pos.UpdatedAt = now
		l.positions[symbol] = pos
	} else {
		delete(l.positions, symbol)
	}
	l.mu.Unlock()

	if partial {
		l.persist(ctx, "persist partial exit", func(ctx context.Context) error {
			return l.store.UpsertLive(ctx, pos)
		})
		l.logger.InfoContext(ctx, "partial exit recorded",
			slog.String("symbol", symbol),
			slog.Float64("exit_quantity", exitQty),
			slog.Float64("remaining", pos.Quantity),
		)
		return nil
	}

	l.persist(ctx, "delete live position", func(ctx context.Context) error {
		return l.store.DeleteLive(ctx, symbol)
	})

	// Realize P&L only when an exit price is known.
	if params.ExitPrice != nil {
		pnl := realizedPnL(pos, *params.ExitPrice, exitQty, params.Fees)
		if l.capital != nil {
			if err := l.capital.ApplyRealizedPnL(ctx, pnl); err != nil {
				l.logger.WarnContext(ctx, "apply realized pnl failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		if l.outcome != nil {
			l.outcome(pnl, params.RiskAmount)
		}
		l.notify(ctx, "position_closed", fmt.Sprintf("Closed %s", symbol),
			fmt.Sprintf("%s closed at %.2f, realized P&L %.2f (%s)", symbol, *params.ExitPrice, pnl, params.Reason))
		l.publish(ctx, "positions", map[string]any{
			"event":        "position_closed",
			"symbol":       symbol,
			"exit_price":   *params.ExitPrice,
			"quantity":     exitQty,
			"realized_pnl": pnl,
			"reason":       params.Reason,
		})
		l.logger.InfoContext(ctx, "exit recorded",
			slog.String("symbol", symbol),
			slog.Float64("exit_price", *params.ExitPrice),
			slog.Float64("realized_pnl", pnl),
		)
		return nil
	}

	l.logger.InfoContext(ctx, "exit recorded without price",
		slog.String("symbol", symbol),
		slog.String("reason", params.Reason),
	)
	return nil
}

// realizedPnL computes the realized profit for a closed quantity.
func realizedPnL(pos domain.Position, exitPrice, qty, fees float64) float64 {
	var pnl float64
	switch pos.Side {
	case domain.SideBuy:
		pnl = (exitPrice - pos.EntryPrice) * qty
	case domain.SideSell:
		pnl = (pos.EntryPrice - exitPrice) * qty
	}
	return pnl - fees
}

// TrackOpenPositions replaces the ledger wholesale from a broker position
// feed. From the ledger's point of view the swap is atomic; the persisted
// snapshot and continuity cache are overwritten afterwards fire-and-forget.
func (l *Ledger) TrackOpenPositions(ctx context.Context, feed []domain.BrokerPosition) {
	now := time.Now().UTC()
	fresh := make(map[string]domain.Position, len(feed))
	for _, bp := range feed {
		fresh[bp.Symbol] = domain.Position{
			Symbol:     bp.Symbol,
			Side:       domain.NormalizeSide(bp.Side),
			Quantity:   bp.Quantity,
			EntryPrice: bp.EntryPrice,
			MarkPrice:  bp.MarkPrice,
			Sector:     bp.Sector,
			Strategy:   bp.Strategy,
			UpdatedAt:  now,
		}
	}

	l.mu.Lock()
	l.positions = fresh
	snapshot := make([]domain.Position, 0, len(fresh))
	for _, pos := range fresh {
		snapshot = append(snapshot, pos)
	}
	l.mu.Unlock()

	l.persist(ctx, "replace position snapshot", func(ctx context.Context) error {
		return l.store.ReplaceSnapshot(ctx, snapshot)
	})
	l.persist(ctx, "replace continuity cache", func(ctx context.Context) error {
		return l.store.ReplaceLive(ctx, snapshot)
	})

	l.logger.InfoContext(ctx, "positions refreshed from broker",
		slog.Int("count", len(snapshot)),
	)
}

// Snapshot returns a consistent copy of the open positions for reporting.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

// Holds reports whether a position for symbol is currently open.
func (l *Ledger) Holds(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[symbol]
	return ok
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// persist runs a store write under a short timeout. Failures are logged and
// dropped: the in-memory ledger remains authoritative for this process and
// the store catches up on the next successful write.
func (l *Ledger) persist(ctx context.Context, op string, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PersistTimeout)
	defer cancel()

	if err := fn(pctx); err != nil {
		l.logger.WarnContext(ctx, op+" failed", slog.String("error", err.Error()))
	}
}

func (l *Ledger) notify(ctx context.Context, event, title, message string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, event, title, message); err != nil {
		l.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) publish(ctx context.Context, channel string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := l.bus.Publish(ctx, channel, raw); err != nil {
		l.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
