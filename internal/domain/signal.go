package domain

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the trade direction of a signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// SignalState tracks an active signal through its lifecycle. A signal moves
// from active to exactly one terminal state and is never reactivated.
type SignalState string

const (
	SignalStateActive    SignalState = "active"
	SignalStateCancelled SignalState = "cancelled"
	SignalStateExpired   SignalState = "expired"
)

// SinkState reports the delivery outcome of a committed signal's notification.
type SinkState string

const (
	SinkStatePending SinkState = "pending"
	SinkStateOK      SinkState = "ok"
	SinkStateFail    SinkState = "fail"
)

// CandidateSignal is a freshly detected trading opportunity proposed by the
// detection engine. It has not yet passed admission and is never persisted in
// this form; a committed candidate becomes an ActiveSignal.
type CandidateSignal struct {
	SignalID    string // optional; generated on commit when empty
	Symbol      string
	Direction   Direction
	Entry       float64
	StopLoss    float64
	Target      float64
	Quantity    float64 // precomputed by the sizing engine
	ATR         float64
	Confidence  float64
	Strategy    string // pattern / strategy name, e.g. "trend-following"
	Sector      string // doubles as the correlation group
	Liquidity   float64
	Spread      float64
	Volume      float64
	VolumeRatio float64
	ExpiresAt   *time.Time
	GeneratedAt time.Time
}

// TradeValue returns the notional value of the proposed trade.
func (s CandidateSignal) TradeValue() float64 {
	return s.Entry * s.Quantity
}

// StopDistance returns the absolute distance between entry and stop-loss.
func (s CandidateSignal) StopDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// Validate checks the candidate at the pipeline boundary. Candidates built by
// external detection collaborators are not trusted to be well-formed.
func (s CandidateSignal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("candidate: %w: empty symbol", ErrInvalidSignal)
	}
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("candidate %s: %w: direction %q", s.Symbol, ErrInvalidSignal, s.Direction)
	}
	if s.Entry <= 0 {
		return fmt.Errorf("candidate %s: %w: entry %.4f", s.Symbol, ErrInvalidSignal, s.Entry)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("candidate %s: %w: stop loss %.4f", s.Symbol, ErrInvalidSignal, s.StopLoss)
	}
	if s.Quantity < 0 {
		return fmt.Errorf("candidate %s: %w: quantity %.4f", s.Symbol, ErrInvalidSignal, s.Quantity)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("candidate %s: %w: confidence %.4f", s.Symbol, ErrInvalidSignal, s.Confidence)
	}
	return nil
}

// ActiveSignal is a committed, live trading intent owned by the signal
// registry. The persisted record outlives the in-memory entry: once the
// signal reaches a terminal state it is dropped from the registry but kept
// in the store.
type ActiveSignal struct {
	SignalID   string
	Symbol     string
	Direction  Direction
	Confidence float64
	Strategy   string
	State      SignalState
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Notification sink status for this signal. Sink failures never fail
	// the commit itself.
	SinkState SinkState
	SinkError string
}
