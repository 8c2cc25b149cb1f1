// Package registry owns the lifecycle of active signals: creation on
// admission, conflict resolution between opposing directions, and the
// periodic expiry sweep. Mutation is serialized per symbol so concurrent
// candidates for the same symbol cannot race a cancellation, while distinct
// symbols commit fully in parallel.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeloop/intrabot/internal/domain"
)

// Result is the outcome of a commit attempt.
type Result struct {
	OK       bool
	SignalID string
}

// Config holds registry tunables.
type Config struct {
	DefaultExpiry  time.Duration // default 5m
	SweepInterval  time.Duration // default 60s
	PersistTimeout time.Duration // default 3s
}

const (
	defaultExpiry         = 5 * time.Minute
	defaultSweepInterval  = 60 * time.Second
	defaultPersistTimeout = 3 * time.Second
)

// symbolSignals is the per-symbol active set. Its mutex serializes every
// mutation for that symbol. Lock ordering: the registry mutex is never
// acquired while a symbol mutex is held.
type symbolSignals struct {
	mu      sync.Mutex
	signals map[string]*domain.ActiveSignal
}

// Registry is constructed once per process; background work is owned by Run
// and stops when the given context is cancelled.
type Registry struct {
	cfg      Config
	store    domain.SignalStore
	audit    domain.AuditHook
	notifier domain.Notifier
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	bySymbol map[string]*symbolSignals
}

// New creates a Registry.
func New(
	cfg Config,
	store domain.SignalStore,
	audit domain.AuditHook,
	notifier domain.Notifier,
	bus domain.EventBus,
	logger *slog.Logger,
) *Registry {
	if cfg.DefaultExpiry == 0 {
		cfg.DefaultExpiry = defaultExpiry
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		audit:    audit,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "signal_registry")),
		bySymbol: make(map[string]*symbolSignals),
	}
}

// Restore loads persisted active signals into memory at startup.
func (r *Registry) Restore(ctx context.Context) error {
	signals, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("registry: restore active signals: %w", err)
	}
	for i := range signals {
		sig := signals[i]
		entry := r.symbolEntry(sig.Symbol)
		entry.mu.Lock()
		entry.signals[sig.SignalID] = &sig
		entry.mu.Unlock()
	}
	r.logger.Info("registry restored", slog.Int("signals", len(signals)))
	return nil
}

// symbolEntry returns the per-symbol state, creating it on first use.
func (r *Registry) symbolEntry(symbol string) *symbolSignals {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bySymbol[symbol]
	if !ok {
		entry = &symbolSignals{signals: make(map[string]*domain.ActiveSignal)}
		r.bySymbol[symbol] = entry
	}
	return entry
}

// Commit registers a gate-approved candidate as an active signal. Existing
// opposite-direction signals on the same symbol are arbitrated by confidence:
// an incumbent with confidence greater than or equal to the candidate's
// blocks the commit; weaker incumbents are cancelled and replaced. All
// persistence and notification happens after the in-memory decision and is
// best-effort.
func (r *Registry) Commit(ctx context.Context, cand domain.CandidateSignal) Result {
	now := time.Now().UTC()

	signalID := cand.SignalID
	if signalID == "" {
		signalID = fmt.Sprintf("%s-%s", cand.Symbol, uuid.NewString())
	}
	expiresAt := now.Add(r.cfg.DefaultExpiry)
	if cand.ExpiresAt != nil {
		expiresAt = *cand.ExpiresAt
	}

	entry := r.symbolEntry(cand.Symbol)
	entry.mu.Lock()

	// First pass decides, second pass mutates: a blocking incumbent must
	// reject the candidate with every other incumbent left untouched.
	for _, existing := range entry.signals {
		if existing.State != domain.SignalStateActive || existing.Direction != cand.Direction.Opposite() {
			continue
		}
		if existing.Confidence >= cand.Confidence {
			entry.mu.Unlock()
			r.logger.InfoContext(ctx, "commit blocked by stronger active signal",
				slog.String("symbol", cand.Symbol),
				slog.String("incumbent", existing.SignalID),
				slog.Float64("incumbent_confidence", existing.Confidence),
				slog.Float64("candidate_confidence", cand.Confidence),
			)
			if r.audit != nil {
				r.audit.OnSignalRejected(ctx, signalID, "outranked_by_active", map[string]any{
					"symbol":     cand.Symbol,
					"incumbent":  existing.SignalID,
					"confidence": cand.Confidence,
				})
			}
			return Result{SignalID: signalID}
		}
	}

	var cancelled []*domain.ActiveSignal
	for id, existing := range entry.signals {
		if existing.State != domain.SignalStateActive || existing.Direction != cand.Direction.Opposite() {
			continue
		}
		existing.State = domain.SignalStateCancelled
		existing.UpdatedAt = now
		cancelled = append(cancelled, existing)
		delete(entry.signals, id)
	}

	sig := &domain.ActiveSignal{
		SignalID:   signalID,
		Symbol:     cand.Symbol,
		Direction:  cand.Direction,
		Confidence: cand.Confidence,
		Strategy:   cand.Strategy,
		State:      domain.SignalStateActive,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
		SinkState:  domain.SinkStatePending,
	}
	entry.signals[signalID] = sig
	entry.mu.Unlock()

	for _, c := range cancelled {
		r.finalizeCancellation(ctx, c, signalID)
	}

	// Notify first so the persisted record carries the sink outcome.
	r.notifySink(ctx, sig, "signal_committed",
		fmt.Sprintf("Signal %s %s", cand.Symbol, cand.Direction),
		fmt.Sprintf("%s %s @ %.2f (confidence %.2f, %s)", cand.Symbol, cand.Direction, cand.Entry, cand.Confidence, cand.Strategy))

	r.persist(ctx, "upsert active signal", func(ctx context.Context) error {
		return r.store.UpsertActive(ctx, *sig)
	})
	r.persist(ctx, "append signal log", func(ctx context.Context) error {
		return r.store.AppendLog(ctx, domain.SignalLogEntry{
			SignalID:    signalID,
			Candidate:   cand,
			GeneratedAt: now,
		})
	})
	if r.audit != nil {
		r.audit.OnSignalCreated(ctx, *sig, map[string]any{
			"entry":     cand.Entry,
			"stop_loss": cand.StopLoss,
			"target":    cand.Target,
			"sector":    cand.Sector,
		})
	}
	r.publish(ctx, map[string]any{
		"event":      "signal_committed",
		"signal_id":  signalID,
		"symbol":     cand.Symbol,
		"direction":  string(cand.Direction),
		"confidence": cand.Confidence,
		"expires_at": expiresAt,
	})

	r.logger.InfoContext(ctx, "signal committed",
		slog.String("signal_id", signalID),
		slog.String("symbol", cand.Symbol),
		slog.String("direction", string(cand.Direction)),
		slog.Int("cancelled", len(cancelled)),
	)
	return Result{OK: true, SignalID: signalID}
}

// finalizeCancellation emits the audit record, notification and best-effort
// persistence for a signal cancelled by a stronger challenger.
func (r *Registry) finalizeCancellation(ctx context.Context, sig *domain.ActiveSignal, replacedBy string) {
	if r.audit != nil {
		r.audit.OnSignalMutated(ctx, sig.SignalID, domain.FieldChange{
			Field:  "state",
			Old:    string(domain.SignalStateActive),
			New:    string(domain.SignalStateCancelled),
			Reason: "replaced by " + replacedBy,
		})
	}
	r.notify(ctx, "signal_cancelled",
		fmt.Sprintf("Signal cancelled: %s", sig.Symbol),
		fmt.Sprintf("%s %s cancelled in favor of %s", sig.Symbol, sig.Direction, replacedBy))
	r.persist(ctx, "persist cancellation", func(ctx context.Context) error {
		return r.store.MarkState(ctx, sig.SignalID, domain.SignalStateCancelled)
	})
	r.publish(ctx, map[string]any{
		"event":       "signal_cancelled",
		"signal_id":   sig.SignalID,
		"symbol":      sig.Symbol,
		"replaced_by": replacedBy,
	})
}

// Sweep transitions every active signal whose expiry has passed to expired
// and drops it from the live map. Invoking it twice with no new expirations
// is a no-op.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.bySymbol))
	for symbol := range r.bySymbol {
		symbols = append(symbols, symbol)
	}
	r.mu.Unlock()

	ctx := context.Background()
	expired := 0
	for _, symbol := range symbols {
		entry := r.symbolEntry(symbol)

		entry.mu.Lock()
		var swept []*domain.ActiveSignal
		for id, sig := range entry.signals {
			if sig.State == domain.SignalStateActive && !sig.ExpiresAt.After(now) {
				sig.State = domain.SignalStateExpired
				sig.UpdatedAt = now
				swept = append(swept, sig)
				delete(entry.signals, id)
			}
		}
		empty := len(entry.signals) == 0
		entry.mu.Unlock()

		for _, sig := range swept {
			expired++
			if r.audit != nil {
				r.audit.OnSignalExpired(ctx, sig.SignalID, "expiry elapsed")
			}
			r.notify(ctx, "signal_expired",
				fmt.Sprintf("Signal expired: %s", sig.Symbol),
				fmt.Sprintf("%s %s expired at %s", sig.Symbol, sig.Direction, sig.ExpiresAt.Format(time.RFC3339)))
			r.persist(ctx, "persist expiry", func(ctx context.Context) error {
				return r.store.MarkState(ctx, sig.SignalID, domain.SignalStateExpired)
			})
			r.publish(ctx, map[string]any{
				"event":     "signal_expired",
				"signal_id": sig.SignalID,
				"symbol":    sig.Symbol,
			})
		}

		if empty {
			r.dropIfEmpty(symbol)
		}
	}

	if expired > 0 {
		r.logger.Info("sweep expired signals", slog.Int("count", expired))
	}
	return expired
}

// dropIfEmpty removes the per-symbol map when it holds no signals. Re-checked
// under both locks because a commit may have landed since the sweep observed
// it empty.
func (r *Registry) dropIfEmpty(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bySymbol[symbol]
	if !ok {
		return
	}
	entry.mu.Lock()
	empty := len(entry.signals) == 0
	entry.mu.Unlock()
	if empty {
		delete(r.bySymbol, symbol)
	}
}

// Run drives the periodic sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("sweep loop started", slog.Duration("interval", r.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweep loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			r.Sweep(now.UTC())
		}
	}
}

// ActiveFor returns a copy of the active signals for symbol.
func (r *Registry) ActiveFor(symbol string) []domain.ActiveSignal {
	r.mu.Lock()
	entry, ok := r.bySymbol[symbol]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]domain.ActiveSignal, 0, len(entry.signals))
	for _, sig := range entry.signals {
		out = append(out, *sig)
	}
	return out
}

// ActiveCount returns the total number of live signals.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	entries := make([]*symbolSignals, 0, len(r.bySymbol))
	for _, entry := range r.bySymbol {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	total := 0
	for _, entry := range entries {
		entry.mu.Lock()
		total += len(entry.signals)
		entry.mu.Unlock()
	}
	return total
}

// notifySink delivers a notification and records the outcome on the signal's
// sink-status fields.
func (r *Registry) notifySink(ctx context.Context, sig *domain.ActiveSignal, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		sig.SinkState = domain.SinkStateFail
		sig.SinkError = err.Error()
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("signal_id", sig.SignalID),
			slog.String("error", err.Error()),
		)
		return
	}
	sig.SinkState = domain.SinkStateOK
}

func (r *Registry) notify(ctx context.Context, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// persist runs a store write under a short timeout; failures are logged and
// dropped, keeping the in-memory registry authoritative for this process.
func (r *Registry) persist(ctx context.Context, op string, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	if err := fn(pctx); err != nil {
		r.logger.WarnContext(ctx, op+" failed", slog.String("error", err.Error()))
	}
}

func (r *Registry) publish(ctx context.Context, payload map[string]any) {
	if r.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := r.bus.Publish(ctx, "signals", raw); err != nil {
		r.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
	}
}
