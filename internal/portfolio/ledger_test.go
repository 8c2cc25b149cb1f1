package portfolio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloop/intrabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositionStore records writes and serves a canned live set.
type fakePositionStore struct {
	mu        sync.Mutex
	live      []domain.Position
	upserts   []domain.Position
	deletes   []string
	snapshots [][]domain.Position
	replaced  [][]domain.Position
}

func (f *fakePositionStore) UpsertLive(_ context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, pos)
	return nil
}

func (f *fakePositionStore) DeleteLive(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, symbol)
	return nil
}

func (f *fakePositionStore) ReplaceLive(_ context.Context, positions []domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, positions)
	return nil
}

func (f *fakePositionStore) ListLive(_ context.Context) ([]domain.Position, error) {
	return f.live, nil
}

func (f *fakePositionStore) ReplaceSnapshot(_ context.Context, positions []domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, positions)
	return nil
}

// fakeCapital captures realized amounts.
type fakeCapital struct {
	mu      sync.Mutex
	applied []float64
}

func (f *fakeCapital) ApplyRealizedPnL(_ context.Context, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, amount)
	return nil
}

func newTestLedger(cfg Config, store *fakePositionStore, capital *fakeCapital, outcome TradeOutcomeFunc) *Ledger {
	if store == nil {
		store = &fakePositionStore{}
	}
	var ledger domain.CapitalLedger
	if capital != nil {
		ledger = capital
	}
	return NewLedger(cfg, store, ledger, nil, nil, outcome, testLogger())
}

func openPosition(l *Ledger, symbol, sector, strategy string, side domain.Side, qty, price float64) {
	l.RecordEntry(context.Background(), domain.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: price,
		Sector:     sector,
		Strategy:   strategy,
	})
}

func TestCheckAdmissionGrossExposureBoundary(t *testing.T) {
	l := newTestLedger(Config{ExposureCap: 0.5}, nil, nil, nil)
	openPosition(l, "AAPL", "", "", domain.SideBuy, 400, 100) // 40k

	// 40k held + 10k proposed lands exactly on the 50k cap: accepted.
	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 10_000, Capital: 100_000,
	})
	assert.True(t, dec.Allowed)

	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 10_001, Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonGrossExposure, dec.Reason)
}

func TestCheckAdmissionCapitalReserve(t *testing.T) {
	l := newTestLedger(Config{ReservePct: 0.2}, nil, nil, nil)
	openPosition(l, "AAPL", "", "", domain.SideBuy, 700, 100) // 70k

	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 10_000, Capital: 100_000,
	})
	assert.True(t, dec.Allowed)

	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 15_000, Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonCapitalReserve, dec.Reason)
}

func TestCheckAdmissionInstrumentCap(t *testing.T) {
	l := newTestLedger(Config{InstrumentCap: 0.1}, nil, nil, nil)
	openPosition(l, "AAPL", "", "", domain.SideBuy, 80, 100) // 8k in AAPL

	// Same instrument: 8k + 3k breaches the 10k per-symbol budget.
	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "AAPL", TradeValue: 3_000, Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonInstrumentExposure, dec.Reason)

	// A different symbol only counts its own exposure.
	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 3_000, Capital: 100_000,
	})
	assert.True(t, dec.Allowed)
}

func TestCheckAdmissionSectorCap(t *testing.T) {
	l := newTestLedger(Config{}, nil, nil, nil) // default sector cap 0.25
	openPosition(l, "AAPL", "technology", "", domain.SideBuy, 300, 100) // 30k
	openPosition(l, "MSFT", "technology", "", domain.SideBuy, 400, 100) // 40k

	// 70k held + 30k proposed is exactly the 100k sector budget: accepted.
	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "NVDA", TradeValue: 30_000, Sector: "technology", Capital: 400_000,
	})
	assert.True(t, dec.Allowed)

	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "NVDA", TradeValue: 30_001, Sector: "technology", Capital: 400_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonSectorExposure, dec.Reason)

	// A zero-value candidate never moves exposure and passes.
	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "NVDA", TradeValue: 0, Sector: "technology", Capital: 400_000,
	})
	assert.True(t, dec.Allowed)

	// Other sectors are unaffected.
	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "XOM", TradeValue: 90_000, Sector: "energy", Capital: 400_000,
	})
	assert.True(t, dec.Allowed)
}

func TestCheckAdmissionZeroValuePassesOverCapSector(t *testing.T) {
	l := newTestLedger(Config{}, nil, nil, nil) // default sector cap 0.25
	// 30k held in technology against a 25k cap: the sector is already over.
	openPosition(l, "AAPL", "technology", "", domain.SideBuy, 300, 100)

	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "NVDA", TradeValue: 10_000, Sector: "technology", Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonSectorExposure, dec.Reason)

	// A zero-value trade moves no exposure and passes even over cap.
	dec = l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "NVDA", TradeValue: 0, Sector: "technology", Capital: 100_000,
	})
	assert.True(t, dec.Allowed)

	// Same for the gross and instrument projections.
	over := newTestLedger(Config{ExposureCap: 0.2, InstrumentCap: 0.1}, nil, nil, nil)
	openPosition(over, "AAPL", "", "", domain.SideBuy, 300, 100) // 30k vs 20k gross cap
	dec = over.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "AAPL", TradeValue: 0, Capital: 100_000,
	})
	assert.True(t, dec.Allowed)
}

func TestCheckAdmissionSectorOverride(t *testing.T) {
	l := newTestLedger(Config{
		SectorCaps: map[string]float64{"energy": 0.05},
	}, nil, nil, nil)

	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "XOM", TradeValue: 6_000, Sector: "energy", Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonSectorExposure, dec.Reason)
}

func TestCheckAdmissionTradeValuePct(t *testing.T) {
	l := newTestLedger(Config{MaxTradeValuePct: 0.1}, nil, nil, nil)

	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "AAPL", TradeValue: 12_000, Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonTradeValue, dec.Reason)
}

func TestCheckAdmissionPriorityBypass(t *testing.T) {
	l := newTestLedger(Config{MaxTradeValue: 1}, nil, nil, nil)

	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "AAPL", TradeValue: 1_000_000, Capital: 100, Priority: true,
	})
	assert.True(t, dec.Allowed)
}

func TestPreventReEntry(t *testing.T) {
	l := newTestLedger(Config{ReEntryWindow: 15 * time.Minute}, nil, nil, nil)
	now := time.Now().UTC()

	assert.False(t, l.PreventReEntry("AAPL", now))

	openPosition(l, "AAPL", "", "", domain.SideBuy, 10, 100)
	assert.True(t, l.PreventReEntry("AAPL", now), "open position blocks entry")

	require.NoError(t, l.RecordExit(context.Background(), "AAPL", ExitParams{}))

	l.mu.Lock()
	exitAt := l.lastExit["AAPL"]
	l.mu.Unlock()

	assert.True(t, l.PreventReEntry("AAPL", exitAt.Add(10*time.Minute)))
	// The boundary blocks: elapsed equal to the window is still inside it.
	assert.True(t, l.PreventReEntry("AAPL", exitAt.Add(15*time.Minute)))
	assert.False(t, l.PreventReEntry("AAPL", exitAt.Add(16*time.Minute)))
}

func TestResolveConflict(t *testing.T) {
	l := newTestLedger(Config{}, nil, nil, nil)

	long := domain.CandidateSignal{Symbol: "AAPL", Direction: domain.DirectionLong, Strategy: "trend-following"}
	assert.True(t, l.ResolveConflict(long), "no position means no conflict")

	openPosition(l, "AAPL", "", "mean-reversion", domain.SideBuy, 10, 100)
	assert.True(t, l.ResolveConflict(long), "same side never conflicts")

	// Opposite side: trend outranks mean-reversion.
	short := domain.CandidateSignal{Symbol: "AAPL", Direction: domain.DirectionShort, Strategy: "trend-following"}
	assert.True(t, l.ResolveConflict(short))

	// Equal rank keeps the incumbent.
	shortMR := domain.CandidateSignal{Symbol: "AAPL", Direction: domain.DirectionShort, Strategy: "mean-reversion"}
	assert.False(t, l.ResolveConflict(shortMR))

	// Reversal outranks mean-reversion but not trend.
	shortRev := domain.CandidateSignal{Symbol: "AAPL", Direction: domain.DirectionShort, Strategy: "reversal"}
	assert.True(t, l.ResolveConflict(shortRev))

	l2 := newTestLedger(Config{}, nil, nil, nil)
	openPosition(l2, "AAPL", "", "trend-following", domain.SideBuy, 10, 100)
	assert.False(t, l2.ResolveConflict(shortRev))

	// Unranked strategies never win a conflict.
	shortCustom := domain.CandidateSignal{Symbol: "AAPL", Direction: domain.DirectionShort, Strategy: "breakout-v2"}
	assert.False(t, l2.ResolveConflict(shortCustom))
}

func TestAdmitConflictAndCooldown(t *testing.T) {
	l := newTestLedger(Config{ReEntryWindow: 15 * time.Minute}, nil, nil, nil)
	openPosition(l, "AAPL", "", "trend-following", domain.SideBuy, 10, 100)

	weaker := domain.CandidateSignal{
		Symbol: "AAPL", Direction: domain.DirectionShort, Strategy: "mean-reversion",
		Entry: 100, Quantity: 1,
	}
	dec := l.Admit(context.Background(), weaker, 100_000, false)
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonConflict, dec.Reason)

	require.NoError(t, l.RecordExit(context.Background(), "AAPL", ExitParams{}))

	fresh := domain.CandidateSignal{
		Symbol: "AAPL", Direction: domain.DirectionLong, Strategy: "trend-following",
		Entry: 100, Quantity: 1,
	}
	dec = l.Admit(context.Background(), fresh, 100_000, false)
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonReEntryCooldown, dec.Reason)
}

func TestRecordExitRealizesPnL(t *testing.T) {
	store := &fakePositionStore{}
	capital := &fakeCapital{}
	var gotPnL, gotRisk float64
	l := newTestLedger(Config{}, store, capital, func(pnl, riskAmount float64) {
		gotPnL, gotRisk = pnl, riskAmount
	})

	openPosition(l, "AAPL", "technology", "trend-following", domain.SideBuy, 10, 100)

	exitPrice := 105.0
	err := l.RecordExit(context.Background(), "AAPL", ExitParams{
		ExitPrice:  &exitPrice,
		Fees:       5,
		RiskAmount: 20,
		Reason:     "target_hit",
	})
	require.NoError(t, err)

	// (105-100)*10 - 5 fees.
	assert.InDelta(t, 45.0, gotPnL, 1e-9)
	assert.InDelta(t, 20.0, gotRisk, 1e-9)
	require.Len(t, capital.applied, 1)
	assert.InDelta(t, 45.0, capital.applied[0], 1e-9)

	assert.False(t, l.Holds("AAPL"))
	assert.Contains(t, store.deletes, "AAPL")
}

func TestRecordExitShortSide(t *testing.T) {
	capital := &fakeCapital{}
	l := newTestLedger(Config{}, nil, capital, nil)

	openPosition(l, "TSLA", "", "", domain.SideSell, 10, 200)

	exitPrice := 190.0
	require.NoError(t, l.RecordExit(context.Background(), "TSLA", ExitParams{ExitPrice: &exitPrice}))

	require.Len(t, capital.applied, 1)
	assert.InDelta(t, 100.0, capital.applied[0], 1e-9)
}

func TestRecordExitPartial(t *testing.T) {
	store := &fakePositionStore{}
	capital := &fakeCapital{}
	l := newTestLedger(Config{}, store, capital, nil)

	openPosition(l, "AAPL", "", "", domain.SideBuy, 10, 100)

	exitQty := 4.0
	exitPrice := 110.0
	require.NoError(t, l.RecordExit(context.Background(), "AAPL", ExitParams{
		ExitPrice: &exitPrice,
		Quantity:  &exitQty,
	}))

	// Partial exits decrement quantity but realize nothing.
	require.True(t, l.Holds("AAPL"))
	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 6.0, snap[0].Quantity, 1e-9)
	assert.Empty(t, capital.applied)
	assert.Empty(t, store.deletes)
}

func TestRecordExitUnknownSymbolStampsCooldown(t *testing.T) {
	l := newTestLedger(Config{ReEntryWindow: 15 * time.Minute}, nil, nil, nil)

	err := l.RecordExit(context.Background(), "GHOST", ExitParams{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	// The cooldown stamp lands even for an unknown symbol.
	assert.True(t, l.PreventReEntry("GHOST", time.Now().UTC()))
}

func TestTrackOpenPositionsReplacesWholesale(t *testing.T) {
	store := &fakePositionStore{}
	l := newTestLedger(Config{}, store, nil, nil)
	openPosition(l, "OLD", "", "", domain.SideBuy, 1, 1)

	l.TrackOpenPositions(context.Background(), []domain.BrokerPosition{
		{Symbol: "AAPL", Side: "BUY", Quantity: 10, EntryPrice: 100, Sector: "technology"},
		{Symbol: "TSLA", Side: "SHORT", Quantity: 5, EntryPrice: 200},
	})

	assert.False(t, l.Holds("OLD"))
	assert.True(t, l.Holds("AAPL"))
	assert.True(t, l.Holds("TSLA"))
	assert.Equal(t, 2, l.OpenCount())

	snap := l.Snapshot()
	bySymbol := make(map[string]domain.Position, len(snap))
	for _, p := range snap {
		bySymbol[p.Symbol] = p
	}
	assert.Equal(t, domain.SideBuy, bySymbol["AAPL"].Side)
	assert.Equal(t, domain.SideSell, bySymbol["TSLA"].Side)

	require.Len(t, store.snapshots, 1)
	require.Len(t, store.replaced, 1)
	assert.Len(t, store.snapshots[0], 2)
}

func TestRestore(t *testing.T) {
	store := &fakePositionStore{live: []domain.Position{
		{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, EntryPrice: 100},
	}}
	l := newTestLedger(Config{}, store, nil, nil)

	require.NoError(t, l.Restore(context.Background()))
	assert.True(t, l.Holds("AAPL"))
}

func TestStrategyRank(t *testing.T) {
	assert.Greater(t, strategyRank("trend-following"), strategyRank("reversal"))
	assert.Greater(t, strategyRank("reversal"), strategyRank("mean-reversion"))
	assert.Greater(t, strategyRank("mean-reversion"), strategyRank("anything-else"))
	assert.Equal(t, strategyRank("Trend"), strategyRank("trend-following"))
	assert.Equal(t, strategyRank(""), strategyRank("custom"))
}

func TestMarkToMarketExposure(t *testing.T) {
	l := newTestLedger(Config{ExposureCap: 0.5, MarkToMarket: true}, nil, nil, nil)

	mark := 120.0
	l.RecordEntry(context.Background(), domain.Position{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 400, EntryPrice: 100, MarkPrice: &mark,
	})

	// Marked value is 48k, entry value would have been 40k.
	dec := l.CheckAdmission(context.Background(), AdmissionRequest{
		Symbol: "MSFT", TradeValue: 3_000, Capital: 100_000,
	})
	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonGrossExposure, dec.Reason)
}
