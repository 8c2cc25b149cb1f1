package risk

import "github.com/tradeloop/intrabot/internal/domain"

// LevelRiskReward is the standard RiskRewardEvaluator: reward is the
// direction-aware distance from entry to target, risk is the stop distance.
type LevelRiskReward struct{}

// Evaluate returns reward/risk for the candidate's levels. ok is false when
// either distance is not positive, which marks the levels as inconsistent.
func (LevelRiskReward) Evaluate(sig domain.CandidateSignal) (float64, bool) {
	risk := sig.StopDistance()

	var reward float64
	switch sig.Direction {
	case domain.DirectionShort:
		reward = sig.Entry - sig.Target
	default:
		reward = sig.Target - sig.Entry
	}

	if risk <= 0 || reward <= 0 {
		return 0, false
	}
	return reward / risk, true
}

// ATRStopValidator bounds the stop distance to a multiple band of the
// symbol's ATR. A candidate without an ATR reading passes.
type ATRStopValidator struct {
	MinMult float64
	MaxMult float64
}

// ValidStopDistance reports whether the stop sits within the ATR band.
func (v ATRStopValidator) ValidStopDistance(sig domain.CandidateSignal) bool {
	if sig.ATR <= 0 {
		return true
	}
	stop := sig.StopDistance()
	if stop <= 0 {
		return false
	}
	if v.MinMult > 0 && stop < v.MinMult*sig.ATR {
		return false
	}
	if v.MaxMult > 0 && stop > v.MaxMult*sig.ATR {
		return false
	}
	return true
}
