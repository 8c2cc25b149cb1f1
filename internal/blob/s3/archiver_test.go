package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloop/intrabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSignalArchive struct {
	entries []domain.SignalLogEntry
}

func (f *fakeSignalArchive) ListLoggedBefore(context.Context, time.Time) ([]domain.SignalLogEntry, error) {
	return f.entries, nil
}

type fakeAuditArchive struct {
	records []domain.AuditRecord
}

func (f *fakeAuditArchive) ListBefore(context.Context, time.Time) ([]domain.AuditRecord, error) {
	return f.records, nil
}

type fakeWriter struct {
	puts map[string][]byte
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	f.puts[path] = buf.Bytes()
	return nil
}

func TestArchiveSignalsUploadsJSONL(t *testing.T) {
	writer := &fakeWriter{}
	signals := &fakeSignalArchive{entries: []domain.SignalLogEntry{
		{ID: 1, SignalID: "AAPL-1"},
		{ID: 2, SignalID: "MSFT-2"},
	}}
	a := NewArchiver(writer, signals, &fakeAuditArchive{}, ArchiverConfig{}, testLogger())

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	count, err := a.ArchiveSignals(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	body, ok := writer.puts["archive/signals/2026-08.jsonl"]
	require.True(t, ok)
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "AAPL-1")
}

func TestArchiveSignalsSkipsEmpty(t *testing.T) {
	writer := &fakeWriter{}
	a := NewArchiver(writer, &fakeSignalArchive{}, &fakeAuditArchive{}, ArchiverConfig{}, testLogger())

	count, err := a.ArchiveSignals(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.puts, "no object is written when nothing is eligible")
}

func TestArchiveAuditUploadsJSONL(t *testing.T) {
	writer := &fakeWriter{}
	audit := &fakeAuditArchive{records: []domain.AuditRecord{
		{ID: 7, Event: "signal_rejected", SignalID: "AAPL-1"},
	}}
	a := NewArchiver(writer, &fakeSignalArchive{}, audit, ArchiverConfig{}, testLogger())

	cutoff := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	count, err := a.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, ok := writer.puts["archive/audit/2026-07.jsonl"]
	assert.True(t, ok)
}

func TestArchiverRunStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeWriter{}, &fakeSignalArchive{}, &fakeAuditArchive{}, ArchiverConfig{Interval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))
}
