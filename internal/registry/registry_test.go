package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
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

// fakeSignalStore records every persistence call.
type fakeSignalStore struct {
	mu      sync.Mutex
	active  []domain.ActiveSignal
	upserts []domain.ActiveSignal
	marks   map[string]domain.SignalState
	logs    []domain.SignalLogEntry
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{marks: make(map[string]domain.SignalState)}
}

func (f *fakeSignalStore) UpsertActive(_ context.Context, sig domain.ActiveSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, sig)
	return nil
}

func (f *fakeSignalStore) MarkState(_ context.Context, signalID string, state domain.SignalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[signalID] = state
	return nil
}

func (f *fakeSignalStore) ListActive(_ context.Context) ([]domain.ActiveSignal, error) {
	return f.active, nil
}

func (f *fakeSignalStore) AppendLog(_ context.Context, entry domain.SignalLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeSignalStore) lastUpsert() domain.ActiveSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[len(f.upserts)-1]
}

// fakeNotifier fails on demand.
type fakeNotifier struct {
	fail   bool
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	if f.fail {
		return errors.New("sink unreachable")
	}
	return nil
}

// fakeAudit records rejection reason codes.
type fakeAudit struct {
	mu        sync.Mutex
	rejected  map[string]string
	mutations []domain.FieldChange
	expired   []string
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{rejected: make(map[string]string)}
}

func (f *fakeAudit) OnSignalCreated(context.Context, domain.ActiveSignal, map[string]any) {}

func (f *fakeAudit) OnSignalMutated(_ context.Context, _ string, change domain.FieldChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, change)
}

func (f *fakeAudit) OnSignalExpired(_ context.Context, signalID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, signalID)
}

func (f *fakeAudit) OnSignalRejected(_ context.Context, signalID, reasonCode string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[signalID] = reasonCode
}

func newTestRegistry(store *fakeSignalStore, audit *fakeAudit, notifier domain.Notifier) *Registry {
	var hook domain.AuditHook
	if audit != nil {
		hook = audit
	}
	return New(Config{}, store, hook, notifier, nil, testLogger())
}

func longCandidate(symbol string, confidence float64) domain.CandidateSignal {
	return domain.CandidateSignal{
		Symbol:     symbol,
		Direction:  domain.DirectionLong,
		Entry:      100,
		StopLoss:   98,
		Target:     106,
		Quantity:   10,
		Confidence: confidence,
		Strategy:   "trend-following",
	}
}

func TestCommitAssignsIDAndDefaultExpiry(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, nil)

	before := time.Now().UTC()
	res := r.Commit(context.Background(), longCandidate("AAPL", 0.8))
	require.True(t, res.OK)
	assert.True(t, strings.HasPrefix(res.SignalID, "AAPL-"))

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.Equal(t, domain.SignalStateActive, active[0].State)
	assert.Equal(t, domain.SinkStatePending, active[0].SinkState)

	// Default expiry is five minutes out.
	assert.WithinDuration(t, before.Add(5*time.Minute), active[0].ExpiresAt, 5*time.Second)

	require.Len(t, store.upserts, 1)
	require.Len(t, store.logs, 1)
	assert.Equal(t, res.SignalID, store.logs[0].SignalID)
}

func TestCommitKeepsExplicitIDAndExpiry(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, nil)

	expires := time.Now().UTC().Add(90 * time.Second)
	cand := longCandidate("AAPL", 0.8)
	cand.SignalID = "sig-42"
	cand.ExpiresAt = &expires

	res := r.Commit(context.Background(), cand)
	require.True(t, res.OK)
	assert.Equal(t, "sig-42", res.SignalID)

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.True(t, active[0].ExpiresAt.Equal(expires))
}

func TestCommitWeakerOppositeIncumbentCancelled(t *testing.T) {
	store := newFakeSignalStore()
	audit := newFakeAudit()
	r := newTestRegistry(store, audit, nil)

	first := r.Commit(context.Background(), longCandidate("AAPL", 0.7))
	require.True(t, first.OK)

	short := longCandidate("AAPL", 0.8)
	short.Direction = domain.DirectionShort
	second := r.Commit(context.Background(), short)
	require.True(t, second.OK)

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.Equal(t, domain.DirectionShort, active[0].Direction)
	assert.Equal(t, second.SignalID, active[0].SignalID)

	// The incumbent reached the cancelled terminal state in the store and the
	// mutation was audited.
	assert.Equal(t, domain.SignalStateCancelled, store.marks[first.SignalID])
	require.Len(t, audit.mutations, 1)
	assert.Equal(t, "state", audit.mutations[0].Field)
}

func TestCommitTieKeepsIncumbent(t *testing.T) {
	store := newFakeSignalStore()
	audit := newFakeAudit()
	r := newTestRegistry(store, audit, nil)

	first := r.Commit(context.Background(), longCandidate("AAPL", 0.8))
	require.True(t, first.OK)

	short := longCandidate("AAPL", 0.8)
	short.Direction = domain.DirectionShort
	second := r.Commit(context.Background(), short)
	require.False(t, second.OK)
	assert.NotEmpty(t, second.SignalID)

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.Equal(t, first.SignalID, active[0].SignalID)

	assert.Equal(t, "outranked_by_active", audit.rejected[second.SignalID])
	// Nothing was persisted for the rejected challenger.
	assert.Len(t, store.upserts, 1)
}

func TestRejectedChallengerLeavesIncumbentsUntouched(t *testing.T) {
	// Two incumbents straddle the challenger's confidence. The stronger one
	// must reject the challenger with the weaker one left fully active, in
	// every map iteration order.
	for i := 0; i < 20; i++ {
		store := newFakeSignalStore()
		r := newTestRegistry(store, nil, nil)

		weak := longCandidate("AAPL", 0.5)
		weak.SignalID = "weak"
		require.True(t, r.Commit(context.Background(), weak).OK)

		strong := longCandidate("AAPL", 0.9)
		strong.SignalID = "strong"
		require.True(t, r.Commit(context.Background(), strong).OK)

		short := longCandidate("AAPL", 0.7)
		short.Direction = domain.DirectionShort
		require.False(t, r.Commit(context.Background(), short).OK)

		active := r.ActiveFor("AAPL")
		require.Len(t, active, 2)
		for _, sig := range active {
			assert.Equal(t, domain.SignalStateActive, sig.State, "signal %s", sig.SignalID)
		}
		assert.Empty(t, store.marks, "a rejected challenger must not transition any incumbent")
	}
}

func TestCommitSameDirectionCoexists(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, nil)

	require.True(t, r.Commit(context.Background(), longCandidate("AAPL", 0.6)).OK)
	require.True(t, r.Commit(context.Background(), longCandidate("AAPL", 0.9)).OK)

	assert.Equal(t, 2, r.ActiveCount())
}

func TestSweepExpiresAndIsIdempotent(t *testing.T) {
	store := newFakeSignalStore()
	audit := newFakeAudit()
	r := newTestRegistry(store, audit, nil)

	past := time.Now().UTC().Add(-time.Minute)
	cand := longCandidate("AAPL", 0.8)
	cand.ExpiresAt = &past
	res := r.Commit(context.Background(), cand)
	require.True(t, res.OK)

	live := longCandidate("MSFT", 0.8)
	require.True(t, r.Commit(context.Background(), live).OK)

	now := time.Now().UTC()
	assert.Equal(t, 1, r.Sweep(now))
	assert.Equal(t, 0, r.Sweep(now), "second sweep with no new expirations is a no-op")

	assert.Empty(t, r.ActiveFor("AAPL"))
	assert.Len(t, r.ActiveFor("MSFT"), 1)
	assert.Equal(t, domain.SignalStateExpired, store.marks[res.SignalID])
	assert.Equal(t, []string{res.SignalID}, audit.expired)
}

func TestSweepBoundaryIsInclusive(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, nil)

	expires := time.Now().UTC().Add(time.Minute)
	cand := longCandidate("AAPL", 0.8)
	cand.ExpiresAt = &expires
	require.True(t, r.Commit(context.Background(), cand).OK)

	// A signal expiring exactly now is expired.
	assert.Equal(t, 1, r.Sweep(expires))
}

func TestSinkStatusRecordedOnCommit(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, &fakeNotifier{})

	require.True(t, r.Commit(context.Background(), longCandidate("AAPL", 0.8)).OK)

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.Equal(t, domain.SinkStateOK, active[0].SinkState)
	assert.Equal(t, domain.SinkStateOK, store.lastUpsert().SinkState)
}

func TestSinkFailureDoesNotFailCommit(t *testing.T) {
	store := newFakeSignalStore()
	r := newTestRegistry(store, nil, &fakeNotifier{fail: true})

	res := r.Commit(context.Background(), longCandidate("AAPL", 0.8))
	require.True(t, res.OK, "a sink failure never fails the commit")

	active := r.ActiveFor("AAPL")
	require.Len(t, active, 1)
	assert.Equal(t, domain.SinkStateFail, active[0].SinkState)
	assert.Contains(t, active[0].SinkError, "sink unreachable")

	// The persisted record carries the failed sink status.
	assert.Equal(t, domain.SinkStateFail, store.lastUpsert().SinkState)
}

func TestRestore(t *testing.T) {
	store := newFakeSignalStore()
	store.active = []domain.ActiveSignal{
		{SignalID: "a-1", Symbol: "AAPL", Direction: domain.DirectionLong, State: domain.SignalStateActive},
		{SignalID: "m-1", Symbol: "MSFT", Direction: domain.DirectionShort, State: domain.SignalStateActive},
	}
	r := newTestRegistry(store, nil, nil)

	require.NoError(t, r.Restore(context.Background()))
	assert.Equal(t, 2, r.ActiveCount())
	assert.Len(t, r.ActiveFor("AAPL"), 1)
}
