package pipeline

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
	"github.com/tradeloop/intrabot/internal/portfolio"
	"github.com/tradeloop/intrabot/internal/registry"
	"github.com/tradeloop/intrabot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSignalStore struct {
	mu      sync.Mutex
	upserts int
}

func (f *fakeSignalStore) UpsertActive(context.Context, domain.ActiveSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeSignalStore) MarkState(context.Context, string, domain.SignalState) error { return nil }

func (f *fakeSignalStore) ListActive(context.Context) ([]domain.ActiveSignal, error) {
	return nil, nil
}

func (f *fakeSignalStore) AppendLog(context.Context, domain.SignalLogEntry) error { return nil }

type fakePositionStore struct{}

func (fakePositionStore) UpsertLive(context.Context, domain.Position) error      { return nil }
func (fakePositionStore) DeleteLive(context.Context, string) error               { return nil }
func (fakePositionStore) ReplaceLive(context.Context, []domain.Position) error   { return nil }
func (fakePositionStore) ListLive(context.Context) ([]domain.Position, error)    { return nil, nil }
func (fakePositionStore) ReplaceSnapshot(context.Context, []domain.Position) error {
	return nil
}

type fakeAudit struct {
	mu       sync.Mutex
	rejected []string
}

func (f *fakeAudit) OnSignalCreated(context.Context, domain.ActiveSignal, map[string]any) {}
func (f *fakeAudit) OnSignalMutated(context.Context, string, domain.FieldChange)          {}
func (f *fakeAudit) OnSignalExpired(context.Context, string, string)                      {}

func (f *fakeAudit) OnSignalRejected(_ context.Context, _, reasonCode string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, reasonCode)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type testHarness struct {
	pipeline *Pipeline
	ledger   *portfolio.Ledger
	registry *registry.Registry
	audit    *fakeAudit
	notifier *fakeNotifier
}

func newTestHarness(t *testing.T, gateCfg risk.Config, ledgerCfg portfolio.Config) *testHarness {
	t.Helper()
	logger := testLogger()
	audit := &fakeAudit{}
	notifier := &fakeNotifier{}

	gate := risk.NewGate(gateCfg, risk.Collaborators{}, audit, time.UTC, logger)
	ledger := portfolio.NewLedger(ledgerCfg, fakePositionStore{}, nil, nil, nil, nil, logger)
	reg := registry.New(registry.Config{}, &fakeSignalStore{}, audit, nil, nil, logger)

	p := New(Config{Capital: 100_000, QueueSize: 1}, gate, ledger, reg, nil, nil, audit, notifier, logger)
	return &testHarness{pipeline: p, ledger: ledger, registry: reg, audit: audit, notifier: notifier}
}

// staticBalance is a CapitalSource with a fixed balance.
type staticBalance float64

func (b staticBalance) Balance() float64 { return float64(b) }

func candidate(symbol string) domain.CandidateSignal {
	return domain.CandidateSignal{
		Symbol:     symbol,
		Direction:  domain.DirectionLong,
		Entry:      100,
		StopLoss:   98,
		Target:     106,
		Quantity:   10,
		ATR:        1.5,
		Confidence: 0.8,
		Strategy:   "trend-following",
		Sector:     "technology",
	}
}

func TestSubmitQueueFull(t *testing.T) {
	h := newTestHarness(t, risk.Config{}, portfolio.Config{})

	require.NoError(t, h.pipeline.Submit(candidate("AAPL")))

	err := h.pipeline.Submit(candidate("MSFT"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestProcessAdmitsCleanCandidate(t *testing.T) {
	h := newTestHarness(t, risk.Config{}, portfolio.Config{})

	h.pipeline.process(context.Background(), candidate("AAPL"))

	assert.Equal(t, 1, h.registry.ActiveCount())
	assert.Empty(t, h.audit.rejected)
	assert.Empty(t, h.notifier.events)
}

func TestProcessDropsMalformedCandidate(t *testing.T) {
	h := newTestHarness(t, risk.Config{}, portfolio.Config{})

	cand := candidate("AAPL")
	cand.Symbol = ""
	h.pipeline.process(context.Background(), cand)

	assert.Zero(t, h.registry.ActiveCount())
	assert.Empty(t, h.audit.rejected, "malformed candidates are dropped without an audit record")
}

func TestProcessGateRejectionIsSilent(t *testing.T) {
	h := newTestHarness(t, risk.Config{MaxTradeValue: 500}, portfolio.Config{})

	h.pipeline.process(context.Background(), candidate("AAPL"))

	assert.Zero(t, h.registry.ActiveCount())
	require.Equal(t, []string{"trade_value_bounds"}, h.audit.rejected)
	// Gate rejections are audited but not pushed to the notification sink.
	assert.Empty(t, h.notifier.events)
}

func TestProcessLedgerRejectionNotifies(t *testing.T) {
	h := newTestHarness(t, risk.Config{}, portfolio.Config{ExposureCap: 0.005})

	h.pipeline.process(context.Background(), candidate("AAPL"))

	assert.Zero(t, h.registry.ActiveCount())
	require.Equal(t, []string{"gross_exposure_cap"}, h.audit.rejected)
	assert.Equal(t, []string{"admission_rejected"}, h.notifier.events)
}

func TestProcessUsesLiveCapitalBalance(t *testing.T) {
	logger := testLogger()
	audit := &fakeAudit{}
	gate := risk.NewGate(risk.Config{}, risk.Collaborators{}, audit, time.UTC, logger)
	ledger := portfolio.NewLedger(portfolio.Config{ExposureCap: 0.5}, fakePositionStore{}, nil, nil, nil, nil, logger)
	reg := registry.New(registry.Config{}, &fakeSignalStore{}, audit, nil, nil, logger)

	// The static config capital would admit the 1k trade, but the live
	// balance has drawn down to 1k so the 500 gross cap rejects it.
	p := New(Config{Capital: 100_000}, gate, ledger, reg, staticBalance(1_000), nil, audit, nil, logger)
	p.process(context.Background(), candidate("AAPL"))

	assert.Zero(t, reg.ActiveCount())
	assert.Equal(t, []string{"gross_exposure_cap"}, audit.rejected)
}

func TestProcessPyramidingBlockedWhenHoldingSymbol(t *testing.T) {
	h := newTestHarness(t, risk.Config{}, portfolio.Config{})

	h.ledger.RecordEntry(context.Background(), domain.Position{
		Symbol:     "AAPL",
		Side:       domain.SideBuy,
		Quantity:   10,
		EntryPrice: 95,
		Sector:     "technology",
	})

	h.pipeline.process(context.Background(), candidate("AAPL"))

	assert.Zero(t, h.registry.ActiveCount())
	assert.Equal(t, []string{"pyramiding_blocked"}, h.audit.rejected)
}
