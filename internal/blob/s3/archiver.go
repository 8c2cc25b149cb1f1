package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tradeloop/intrabot/internal/domain"
)

// SignalArchiveStore provides read access to the signals log for archival.
type SignalArchiveStore interface {
	// ListLoggedBefore returns all signal-log rows generated strictly before
	// the given cutoff time.
	ListLoggedBefore(ctx context.Context, before time.Time) ([]domain.SignalLogEntry, error)
}

// AuditArchiveStore provides read access to the audit log for archival.
type AuditArchiveStore interface {
	// ListBefore returns all audit records created strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditRecord, error)
}

// BlobWriter uploads a finished archive object.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ArchiverConfig controls the archival cycle.
type ArchiverConfig struct {
	// Interval is how often the archiver runs. Zero defaults to 6 hours.
	Interval time.Duration
	// Retention is how far back hot storage is kept; rows older than
	// now-Retention are eligible for archival. Zero defaults to 7 days.
	Retention time.Duration
}

// Archiver periodically queries the hot stores for old records, serializes
// them to JSONL, and uploads the result to the object store.
//
// Deletion of the archived rows from the primary store is intentionally not
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type Archiver struct {
	writer    BlobWriter
	signals   SignalArchiveStore
	audit     AuditArchiveStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, signals SignalArchiveStore, audit AuditArchiveStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Archiver{
		writer:    writer,
		signals:   signals,
		audit:     audit,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archival cycles until ctx is cancelled. Cycle failures are
// logged and do not stop the loop.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-a.retention)
			if err := a.runOnce(ctx, cutoff); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.ErrorContext(ctx, "archive cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (a *Archiver) runOnce(ctx context.Context, before time.Time) error {
	signalCount, err := a.ArchiveSignals(ctx, before)
	if err != nil {
		return err
	}
	auditCount, err := a.ArchiveAudit(ctx, before)
	if err != nil {
		return err
	}
	if signalCount > 0 || auditCount > 0 {
		a.logger.InfoContext(ctx, "archive cycle complete",
			slog.Int64("signals", signalCount),
			slog.Int64("audit_records", auditCount),
			slog.Time("before", before),
		)
	}
	return nil
}

// ArchiveSignals queries all signal-log rows before the cutoff, serializes
// them to JSONL, and uploads the file at archive/signals/YYYY-MM.jsonl.
// Returns the count of archived records.
func (a *Archiver) ArchiveSignals(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.signals.ListLoggedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive signals query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive signals marshal: %w", err)
	}

	path := archivePath("signals", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive signals upload: %w", err)
	}

	return int64(len(entries)), nil
}

// ArchiveAudit queries all audit records before the cutoff, serializes them
// to JSONL, and uploads the file at archive/audit/YYYY-MM.jsonl. Returns the
// count of archived records.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return int64(len(records)), nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/signals/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
