package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/events"
)

// archiveBatchSize caps how many trade logs one export object holds. Runs
// with more aged rows than this produce multiple part objects.
const archiveBatchSize = 5000

// LedgerArchiveStore is the ledger subset the archiver drives: read the
// aged rows, then prune them once the export is verified.
type LedgerArchiveStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.DetailedTradeLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditLogger records the archive run.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ExistsChecker verifies an uploaded object landed before any rows are
// pruned. Satisfied by Reader.
type ExistsChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves aged trade logs from Postgres to object storage. Each run
// exports the rows older than the cutoff as JSONL, verifies the upload, and
// only then deletes the exported rows.
type Archiver struct {
	writer  domain.BlobWriter
	checker ExistsChecker
	ledger  LedgerArchiveStore
	audit   AuditLogger
	logger  *slog.Logger
}

// NewArchiver creates an Archiver over the given writer and ledger.
func NewArchiver(writer domain.BlobWriter, checker ExistsChecker, ledger LedgerArchiveStore, audit AuditLogger, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		checker: checker,
		ledger:  ledger,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*Archiver)(nil)

// ArchiveTradeLogs exports every trade log executed strictly before the
// cutoff and prunes the exported rows. It returns the number of archived
// records. Rows are never deleted ahead of a verified upload, so a failed
// run leaves the ledger intact and the next run picks the rows up again.
func (a *Archiver) ArchiveTradeLogs(ctx context.Context, before time.Time) (int64, error) {
	var archived, deleted int64
	var paths []string

	for part := 1; ; part++ {
		logs, err := a.ledger.ListBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return archived, fmt.Errorf("s3blob: archive trade logs query: %w", err)
		}
		if len(logs) == 0 {
			break
		}

		payloads := make([]events.TradeLogPayload, 0, len(logs))
		for _, l := range logs {
			payloads = append(payloads, events.NewTradeLogPayload(l))
		}
		buf, err := marshalJSONL(payloads)
		if err != nil {
			return archived, fmt.Errorf("s3blob: archive trade logs marshal: %w", err)
		}

		path := archivePath(before, part)
		if err := a.upload(ctx, path, buf); err != nil {
			return archived, err
		}

		exists, err := a.checker.Exists(ctx, path)
		if err != nil {
			return archived, fmt.Errorf("s3blob: archive verify %s: %w", path, err)
		}
		if !exists {
			return archived, fmt.Errorf("s3blob: archive verify %s: object missing after upload", path)
		}

		// A full batch means older rows remain. Prune only rows strictly
		// older than the newest exported row; rows sharing its timestamp
		// are re-exported on the next pass rather than lost.
		cutoff := before
		if len(logs) == archiveBatchSize {
			cutoff = logs[len(logs)-1].Timestamp
		}
		n, err := a.ledger.DeleteBefore(ctx, cutoff)
		if err != nil {
			return archived, fmt.Errorf("s3blob: prune archived trade logs: %w", err)
		}

		archived += int64(len(logs))
		deleted += n
		paths = append(paths, path)
		a.logger.Info("trade logs archived",
			slog.String("path", path),
			slog.Int("count", len(logs)),
			slog.Int64("pruned", n),
		)

		if len(logs) < archiveBatchSize {
			break
		}
		if n == 0 {
			// Every remaining row shares one timestamp; stop rather than
			// re-export the same batch forever.
			a.logger.Warn("archive made no progress, deferring remaining rows",
				slog.Time("cutoff", cutoff),
			)
			break
		}
	}

	if archived == 0 {
		return 0, nil
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trade_logs", map[string]any{
			"paths":    paths,
			"archived": archived,
			"pruned":   deleted,
			"before":   before.UTC().Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("archive audit write failed", slog.String("error", err.Error()))
		}
	}

	return archived, nil
}

// upload picks single-shot or multipart based on the export size.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= minPartSize {
		if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize); err != nil {
			return fmt.Errorf("s3blob: archive trade logs upload: %w", err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive trade logs upload: %w", err)
	}
	return nil
}

// archivePath builds the object key for one export, partitioned by the
// cutoff month and keyed by the full cutoff so consecutive runs within a
// month never overwrite earlier exports.
//
//	archive/trades/2026-03/20260314T060000Z.jsonl
//	archive/trades/2026-03/20260314T060000Z-part2.jsonl
func archivePath(before time.Time, part int) string {
	ts := before.UTC()
	key := fmt.Sprintf("archive/trades/%s/%s", ts.Format("2006-01"), ts.Format("20060102T150405Z"))
	if part > 1 {
		key = fmt.Sprintf("%s-part%d", key, part)
	}
	return key + ".jsonl"
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
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
