package portfolio

import "strings"

// strategyClass is the explicit precedence used when a candidate conflicts
// with an existing opposite-side position. Higher outranks lower; unranked
// strategies sit at the bottom.
type strategyClass int

const (
	classUnranked strategyClass = iota
	classMeanReversion
	classReversal
	classTrend
)

// strategyRank maps a strategy name onto its precedence class.
func strategyRank(name string) strategyClass {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trend-following", "trend":
		return classTrend
	case "reversal":
		return classReversal
	case "mean-reversion":
		return classMeanReversion
	default:
		return classUnranked
	}
}
