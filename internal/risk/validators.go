package risk

import "github.com/tradeloop/intrabot/internal/domain"

// Regime is the global market regime reported by an external detector.
type Regime string

const (
	RegimeNeutral Regime = "neutral"
	RegimeBullish Regime = "bullish"
	RegimeBearish Regime = "bearish"
)

// RiskRewardEvaluator computes the risk:reward ratio for a candidate from its
// entry/stop/target levels and the strategy's historical win rate. ok=false
// marks the ratio as invalid regardless of its value.
type RiskRewardEvaluator interface {
	Evaluate(sig domain.CandidateSignal) (ratio float64, ok bool)
}

// StopDistanceValidator sanity-checks the stop-loss distance against the
// symbol's ATR.
type StopDistanceValidator interface {
	ValidStopDistance(sig domain.CandidateSignal) bool
}

// LevelPlacementValidator checks that the stop and target sit sensibly
// relative to nearby support/resistance levels.
type LevelPlacementValidator interface {
	ValidPlacement(sig domain.CandidateSignal) bool
}

// VolumeConfirmer confirms the candidate with a volume-spike check.
type VolumeConfirmer interface {
	Confirm(sig domain.CandidateSignal) bool
}

// MarketConditionChecker is the aggregate trend-alignment and news/event
// suppression check.
type MarketConditionChecker interface {
	Check(sig domain.CandidateSignal) bool
}

// RegimeSource reports the current global market regime.
type RegimeSource interface {
	Regime() Regime
}
