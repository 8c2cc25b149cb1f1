// Package pipeline runs the admission flow: candidates submitted by the
// detection engine travel gate -> ledger -> registry, while background loops
// sweep expired signals, refresh positions from the broker feed, and evict
// stale suppression entries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeloop/intrabot/internal/domain"
	"github.com/tradeloop/intrabot/internal/portfolio"
	"github.com/tradeloop/intrabot/internal/registry"
	"github.com/tradeloop/intrabot/internal/risk"
)

// Config holds pipeline tunables.
type Config struct {
	Workers            int           // default 4
	QueueSize          int           // default 256
	Capital            float64       // account capital used for exposure caps
	BrokerSyncInterval time.Duration // default 30s
	CleanupInterval    time.Duration // default 1m
}

const (
	defaultWorkers            = 4
	defaultQueueSize          = 256
	defaultBrokerSyncInterval = 30 * time.Second
	defaultCleanupInterval    = time.Minute
)

// CapitalSource reports the account's current capital, used as the
// denominator for the ledger's exposure caps.
type CapitalSource interface {
	Balance() float64
}

// Pipeline wires the three admission components together and owns the
// candidate queue.
type Pipeline struct {
	cfg      Config
	gate     *risk.Gate
	ledger   *portfolio.Ledger
	registry *registry.Registry
	capital  CapitalSource
	feed     domain.BrokerFeed
	audit    domain.AuditHook
	notifier domain.Notifier
	logger   *slog.Logger

	candidates chan domain.CandidateSignal
}

// New creates a Pipeline. capital may be nil, in which case the static
// Config.Capital is used for every admission. feed may be nil when no broker
// feed is configured; the position sync loop is then skipped.
func New(
	cfg Config,
	gate *risk.Gate,
	ledger *portfolio.Ledger,
	reg *registry.Registry,
	capital CapitalSource,
	feed domain.BrokerFeed,
	audit domain.AuditHook,
	notifier domain.Notifier,
	logger *slog.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BrokerSyncInterval == 0 {
		cfg.BrokerSyncInterval = defaultBrokerSyncInterval
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &Pipeline{
		cfg:        cfg,
		gate:       gate,
		ledger:     ledger,
		registry:   reg,
		capital:    capital,
		feed:       feed,
		audit:      audit,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "pipeline")),
		candidates: make(chan domain.CandidateSignal, cfg.QueueSize),
	}
}

// Submit enqueues a candidate for evaluation. It never blocks the caller: a
// full queue returns ErrQueueFull and the candidate is dropped.
func (p *Pipeline) Submit(cand domain.CandidateSignal) error {
	select {
	case p.candidates <- cand:
		return nil
	default:
		return fmt.Errorf("pipeline: submit %s: %w", cand.Symbol, domain.ErrQueueFull)
	}
}

// worker consumes candidates until ctx is cancelled.
func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand := <-p.candidates:
			p.process(ctx, cand)
		}
	}
}

// process runs one candidate through the full admission sequence. Rejections
// are silent to the submitter; operators observe them through the audit and
// notification collaborators.
func (p *Pipeline) process(ctx context.Context, cand domain.CandidateSignal) {
	if err := cand.Validate(); err != nil {
		p.logger.WarnContext(ctx, "malformed candidate dropped", slog.String("error", err.Error()))
		return
	}

	acct := risk.AccountContext{
		OpenPositions: p.ledger.OpenCount(),
		HoldsSymbol:   p.ledger.Holds(cand.Symbol),
	}
	if dec := p.gate.Evaluate(ctx, cand, acct); !dec.Allowed {
		return // the gate already audited the rejection
	}

	capital := p.cfg.Capital
	if p.capital != nil {
		capital = p.capital.Balance()
	}
	if dec := p.ledger.Admit(ctx, cand, capital, false); !dec.Allowed {
		p.logger.InfoContext(ctx, "candidate rejected by ledger",
			slog.String("symbol", cand.Symbol),
			slog.String("reason", string(dec.Reason)),
		)
		if p.audit != nil {
			p.audit.OnSignalRejected(ctx, cand.SignalID, string(dec.Reason), map[string]any{
				"symbol":      cand.Symbol,
				"trade_value": cand.TradeValue(),
				"sector":      cand.Sector,
			})
		}
		if p.notifier != nil {
			if err := p.notifier.Notify(ctx, "admission_rejected",
				fmt.Sprintf("Rejected %s", cand.Symbol),
				fmt.Sprintf("%s %s rejected: %s", cand.Symbol, cand.Direction, dec.Reason),
			); err != nil {
				p.logger.WarnContext(ctx, "rejection notification failed", slog.String("error", err.Error()))
			}
		}
		return
	}

	res := p.registry.Commit(ctx, cand)
	if !res.OK {
		return
	}
	p.logger.DebugContext(ctx, "candidate admitted",
		slog.String("signal_id", res.SignalID),
		slog.String("symbol", cand.Symbol),
	)
}
