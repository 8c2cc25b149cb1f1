package risk

import "time"

// dayState holds the per-trading-day account risk counters. All counters are
// reset lazily whenever the account-local calendar day advances; the gate
// checks this at the top of every evaluation rather than running a midnight
// timer.
type dayState struct {
	dailyLoss         float64
	dailyRisk         float64
	tradeCount        int
	consecutiveLosses int
	rejections        int
	lastResetDay      string // YYYY-MM-DD in the account's location
}

// dayKey formats t as a calendar day in the given location.
func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// maybeReset clears all counters when now falls on a later calendar day than
// the last reset. Returns true when a reset happened.
func (s *dayState) maybeReset(now time.Time, loc *time.Location) bool {
	day := dayKey(now, loc)
	if day == s.lastResetDay {
		return false
	}
	*s = dayState{lastResetDay: day}
	return true
}

// recordOutcome applies a realized trade result to the counters. Any
// non-losing outcome resets the consecutive-loss streak.
func (s *dayState) recordOutcome(pnl, riskAmount float64) {
	s.tradeCount++
	s.dailyRisk += riskAmount
	if pnl < 0 {
		s.dailyLoss += -pnl
		s.consecutiveLosses++
		return
	}
	s.consecutiveLosses = 0
}
