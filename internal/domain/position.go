package domain

import (
	"strings"
	"time"
)

// Side is the canonical side of a held position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NormalizeSide canonicalizes the side strings reported by broker feeds
// ("BUY", "Long", "sell", "SHORT", ...) into SideBuy or SideSell. Unknown
// values default to SideBuy.
func NormalizeSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sell", "short", "s":
		return SideSell
	default:
		return SideBuy
	}
}

// SideForDirection maps a signal direction onto a position side.
func SideForDirection(d Direction) Side {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// Position is the currently held market exposure for one symbol. Quantity is
// decremented by partial exits and the position is removed on full exit; it
// is never negative.
type Position struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	MarkPrice  *float64
	Sector     string
	Strategy   string
	UpdatedAt  time.Time
}

// Value returns the position's notional at entry price.
func (p Position) Value() float64 {
	return p.Quantity * p.EntryPrice
}

// MarkValue returns the notional marked to the latest known price, falling
// back to the entry price when no mark is available.
func (p Position) MarkValue() float64 {
	if p.MarkPrice != nil && *p.MarkPrice > 0 {
		return p.Quantity * *p.MarkPrice
	}
	return p.Value()
}

// BrokerPosition is one row of a broker position feed, consumed by the
// ledger's wholesale refresh.
type BrokerPosition struct {
	Symbol     string
	Side       string // raw, canonicalized by the ledger
	Quantity   float64
	EntryPrice float64
	MarkPrice  *float64
	Sector     string
	Strategy   string
}
