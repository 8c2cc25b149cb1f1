// Package risk implements the account-wide admission gate. Every candidate
// signal passes through Gate.Evaluate before it may reach the portfolio
// ledger; the gate owns the per-day risk counters and the duplicate and
// correlation suppression windows.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeloop/intrabot/internal/domain"
)

// Reason is the enumerated rejection reason reported on audit records. The
// rule order in Evaluate defines which reason wins when several rules would
// fail.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDailyLoss       Reason = "daily_loss_limit"
	ReasonDailyRisk       Reason = "daily_risk_limit"
	ReasonTradeCount      Reason = "daily_trade_limit"
	ReasonLossStreak      Reason = "consecutive_losses"
	ReasonOpenPositions   Reason = "max_open_positions"
	ReasonTradeValue      Reason = "trade_value_bounds"
	ReasonVolatility      Reason = "volatility_ceiling"
	ReasonPyramiding      Reason = "pyramiding_blocked"
	ReasonExpired         Reason = "signal_expired"
	ReasonRiskReward      Reason = "risk_reward"
	ReasonStopDistance    Reason = "stop_distance"
	ReasonLevelPlacement  Reason = "level_placement"
	ReasonVolumeConfirm   Reason = "volume_confirmation"
	ReasonLiquidity       Reason = "liquidity_floor"
	ReasonVolumeRatio     Reason = "volume_ratio_floor"
	ReasonATRBand         Reason = "atr_band"
	ReasonSpreadRatio     Reason = "spread_ratio"
	ReasonMarketCondition Reason = "market_condition"
	ReasonDuplicate       Reason = "duplicate_signal"
	ReasonRegime          Reason = "regime_filter"
	ReasonCorrelation     Reason = "correlated_signal"
)

// Decision is the outcome of a gate evaluation. Rejections are expected and
// frequent; they are return values, never errors.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision          { return Decision{Allowed: true} }
func reject(r Reason) Decision { return Decision{Reason: r} }

// Config holds the gate's limits. A zero value means the limit is
// unconstrained: deployments are expected to set the ceilings they care
// about, and the gate never tightens an unset limit on its own.
type Config struct {
	MaxDailyLoss         float64
	MaxDailyRisk         float64
	MaxTradesPerDay      int
	MaxConsecutiveLosses int

	MaxOpenPositions int
	MinTradeValue    float64
	MaxTradeValue    float64
	MaxVolatilityATR float64
	AllowPyramiding  bool

	MinRiskReward  float64
	MinLiquidity   float64
	MinVolumeRatio float64
	MinATR         float64
	MaxATR         float64
	MaxSpreadRatio float64 // spread / stop distance, default 0.3

	DuplicateWindow   time.Duration // default 5m
	CorrelationWindow time.Duration // default 5m
}

const (
	defaultMaxSpreadRatio    = 0.3
	defaultSuppressionWindow = 5 * time.Minute
)

// AccountContext is the slice of portfolio state the gate needs to evaluate
// position-count and pyramiding rules. The pipeline builds it from a ledger
// snapshot so the gate stays a leaf component.
type AccountContext struct {
	OpenPositions int
	HoldsSymbol   bool
}

// Collaborators bundles the gate's pluggable validators. Any nil collaborator
// passes its rule, mirroring the permissive default for unset limits.
type Collaborators struct {
	RiskReward      RiskRewardEvaluator
	StopDistance    StopDistanceValidator
	LevelPlacement  LevelPlacementValidator
	VolumeConfirm   VolumeConfirmer
	MarketCondition MarketConditionChecker
	Regime          RegimeSource
}

// Gate evaluates candidates against account-wide daily limits and
// signal-quality rules. It is safe for concurrent use.
type Gate struct {
	cfg    Config
	collab Collaborators
	audit  domain.AuditHook
	loc    *time.Location
	logger *slog.Logger

	mu    sync.Mutex
	state dayState

	duplicates  *suppressionWindow
	correlation *suppressionWindow
}

// NewGate creates a Gate. loc is the account's local time zone used for the
// daily counter reset; nil means UTC.
func NewGate(cfg Config, collab Collaborators, audit domain.AuditHook, loc *time.Location, logger *slog.Logger) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	if cfg.MaxSpreadRatio == 0 {
		cfg.MaxSpreadRatio = defaultMaxSpreadRatio
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = defaultSuppressionWindow
	}
	if cfg.CorrelationWindow == 0 {
		cfg.CorrelationWindow = defaultSuppressionWindow
	}
	return &Gate{
		cfg:         cfg,
		collab:      collab,
		audit:       audit,
		loc:         loc,
		logger:      logger.With(slog.String("component", "risk_gate")),
		duplicates:  newSuppressionWindow(cfg.DuplicateWindow),
		correlation: newSuppressionWindow(cfg.CorrelationWindow),
	}
}

// duplicateKey identifies a near-duplicate signal.
func duplicateKey(sig domain.CandidateSignal) string {
	return fmt.Sprintf("%s|%s|%s", sig.Symbol, sig.Direction, sig.Strategy)
}

// Evaluate runs the ordered rule chain against sig and returns the first
// failing rule's reason, or an allow. The only side effects are the gate's
// own counter and suppression state plus a fire-and-forget audit record on
// rejection.
func (g *Gate) Evaluate(ctx context.Context, sig domain.CandidateSignal, acct AccountContext) Decision {
	now := time.Now().UTC()
	dec := g.evaluate(sig, acct, now)
	if !dec.Allowed {
		g.mu.Lock()
		g.state.rejections++
		g.mu.Unlock()

		g.logger.DebugContext(ctx, "candidate rejected",
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
			slog.String("reason", string(dec.Reason)),
		)
		if g.audit != nil {
			g.audit.OnSignalRejected(ctx, sig.SignalID, string(dec.Reason), map[string]any{
				"symbol":     sig.Symbol,
				"direction":  string(sig.Direction),
				"strategy":   sig.Strategy,
				"confidence": sig.Confidence,
			})
		}
	}
	return dec
}

func (g *Gate) evaluate(sig domain.CandidateSignal, acct AccountContext, now time.Time) Decision {
	// 1. Lazy daily reset before reading any counter.
	g.mu.Lock()
	if g.state.maybeReset(now, g.loc) {
		g.logger.Info("daily risk counters reset", slog.String("day", g.state.lastResetDay))
	}
	state := g.state
	g.mu.Unlock()

	// 2. Account-wide daily ceilings.
	if g.cfg.MaxDailyLoss > 0 && state.dailyLoss >= g.cfg.MaxDailyLoss {
		return reject(ReasonDailyLoss)
	}
	riskAmount := sig.Quantity * sig.StopDistance()
	if g.cfg.MaxDailyRisk > 0 && state.dailyRisk+riskAmount > g.cfg.MaxDailyRisk {
		return reject(ReasonDailyRisk)
	}
	if g.cfg.MaxTradesPerDay > 0 && state.tradeCount >= g.cfg.MaxTradesPerDay {
		return reject(ReasonTradeCount)
	}
	if g.cfg.MaxConsecutiveLosses > 0 && state.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return reject(ReasonLossStreak)
	}

	// 3. Position-count, trade-value, volatility and pyramiding policy.
	if g.cfg.MaxOpenPositions > 0 && acct.OpenPositions >= g.cfg.MaxOpenPositions {
		return reject(ReasonOpenPositions)
	}
	value := sig.TradeValue()
	if g.cfg.MinTradeValue > 0 && value < g.cfg.MinTradeValue {
		return reject(ReasonTradeValue)
	}
	if g.cfg.MaxTradeValue > 0 && value > g.cfg.MaxTradeValue {
		return reject(ReasonTradeValue)
	}
	if g.cfg.MaxVolatilityATR > 0 && sig.ATR > g.cfg.MaxVolatilityATR {
		return reject(ReasonVolatility)
	}
	if !g.cfg.AllowPyramiding && acct.HoldsSymbol {
		return reject(ReasonPyramiding)
	}

	// 4. Explicit expiry.
	if sig.ExpiresAt != nil && !sig.ExpiresAt.After(now) {
		return reject(ReasonExpired)
	}

	// 5. Risk:reward via collaborator.
	if g.collab.RiskReward != nil {
		ratio, ok := g.collab.RiskReward.Evaluate(sig)
		if !ok || (g.cfg.MinRiskReward > 0 && ratio < g.cfg.MinRiskReward) {
			return reject(ReasonRiskReward)
		}
	}

	// 6. Pluggable structural validators.
	if g.collab.StopDistance != nil && !g.collab.StopDistance.ValidStopDistance(sig) {
		return reject(ReasonStopDistance)
	}
	if g.collab.LevelPlacement != nil && !g.collab.LevelPlacement.ValidPlacement(sig) {
		return reject(ReasonLevelPlacement)
	}
	if g.collab.VolumeConfirm != nil && !g.collab.VolumeConfirm.Confirm(sig) {
		return reject(ReasonVolumeConfirm)
	}

	// 7. Liquidity, volume ratio, ATR band, spread-to-stop ratio.
	if g.cfg.MinLiquidity > 0 && sig.Liquidity < g.cfg.MinLiquidity {
		return reject(ReasonLiquidity)
	}
	if g.cfg.MinVolumeRatio > 0 && sig.VolumeRatio < g.cfg.MinVolumeRatio {
		return reject(ReasonVolumeRatio)
	}
	if g.cfg.MinATR > 0 && sig.ATR < g.cfg.MinATR {
		return reject(ReasonATRBand)
	}
	if g.cfg.MaxATR > 0 && sig.ATR > g.cfg.MaxATR {
		return reject(ReasonATRBand)
	}
	if stop := sig.StopDistance(); stop > 0 && sig.Spread/stop > g.cfg.MaxSpreadRatio {
		return reject(ReasonSpreadRatio)
	}

	// 8. Aggregate market-condition check.
	if g.collab.MarketCondition != nil && !g.collab.MarketCondition.Check(sig) {
		return reject(ReasonMarketCondition)
	}

	// 9. Duplicate suppression: recorded only when the signal passes this
	// rule, so a rejected duplicate does not extend the window.
	dupKey := duplicateKey(sig)
	if g.duplicates.Seen(dupKey, now) {
		return reject(ReasonDuplicate)
	}
	g.duplicates.Record(dupKey, now)

	// 10. Regime directional filter.
	if g.collab.Regime != nil {
		switch g.collab.Regime.Regime() {
		case RegimeBullish:
			if sig.Direction == domain.DirectionShort {
				return reject(ReasonRegime)
			}
		case RegimeBearish:
			if sig.Direction == domain.DirectionLong {
				return reject(ReasonRegime)
			}
		}
	}

	// 11. Correlation-group suppression. The group is recorded
	// unconditionally, direction-agnostic, before the window is consulted:
	// a signal arms the lock even when the lock then rejects it.
	if sig.Sector != "" {
		seen := g.correlation.Seen(sig.Sector, now)
		g.correlation.Record(sig.Sector, now)
		if seen {
			return reject(ReasonCorrelation)
		}
	}

	return allow()
}

// RecordTradeResult applies a realized trade outcome reported by the ledger.
// riskAmount is the capital that was at risk on the trade.
func (g *Gate) RecordTradeResult(pnl, riskAmount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.maybeReset(time.Now().UTC(), g.loc)
	g.state.recordOutcome(pnl, riskAmount)
}

// Cleanup evicts expired suppression entries. Invoked from the pipeline's
// maintenance tick.
func (g *Gate) Cleanup(now time.Time) {
	removed := g.duplicates.Cleanup(now) + g.correlation.Cleanup(now)
	if removed > 0 {
		g.logger.Debug("suppression entries evicted", slog.Int("count", removed))
	}
}

// Stats is a point-in-time snapshot of the day's counters, used for
// reporting and tests.
type Stats struct {
	DailyLoss         float64
	DailyRisk         float64
	TradeCount        int
	ConsecutiveLosses int
	Rejections        int
	Day               string
}

// Snapshot returns the current day counters.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		DailyLoss:         g.state.dailyLoss,
		DailyRisk:         g.state.dailyRisk,
		TradeCount:        g.state.tradeCount,
		ConsecutiveLosses: g.state.consecutiveLosses,
		Rejections:        g.state.rejections,
		Day:               g.state.lastResetDay,
	}
}
