package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vantagebot/tradesync/internal/domain"
)

const (
	// defaultArchiveInterval is how often the archiver sweeps for terminal
	// records.
	defaultArchiveInterval = 24 * time.Hour

	// defaultRetention is how long terminal records stay in the primary
	// store before they are eligible for archival.
	defaultRetention = 7 * 24 * time.Hour
)

// Archiver periodically rolls up terminal order records into JSONL objects
// on blob storage. Deletion from the primary store is intentionally NOT
// performed here; that is a separate, explicit step executed after the
// archive has been verified.
type Archiver struct {
	writer    domain.BlobWriter
	store     domain.OrderRecordStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver with default interval and retention.
func NewArchiver(writer domain.BlobWriter, store domain.OrderRecordStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		store:     store,
		interval:  defaultArchiveInterval,
		retention: defaultRetention,
		logger:    logger.With(slog.String("component", "order_archiver")),
	}
}

// SetInterval overrides the sweep interval.
func (a *Archiver) SetInterval(d time.Duration) { a.interval = d }

// SetRetention overrides how long terminal records must age before archival.
func (a *Archiver) SetRetention(d time.Duration) { a.retention = d }

// Run sweeps on the configured interval until ctx is cancelled. Failures are
// logged and retried on the next tick; the primary store keeps the records
// either way.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.Info("order archiver started", slog.Duration("interval", a.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-a.retention)
			count, err := a.ArchiveTerminalOrders(ctx, cutoff)
			if err != nil {
				a.logger.Warn("archive sweep failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				a.logger.Info("terminal orders archived", slog.Int64("count", count))
			}
		}
	}
}

// ArchiveTerminalOrders serializes every terminal record created before the
// cutoff to JSONL and uploads it to archive/orders/YYYY-MM.jsonl. It returns
// the number of archived records.
func (a *Archiver) ArchiveTerminalOrders(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.store.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}
	return int64(len(records)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
