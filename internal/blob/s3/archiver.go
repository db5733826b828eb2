package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"perpbot/internal/domain"
)

const archivePageSize = 500

// BlobWriter is the subset of the blob client the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, body io.Reader, contentType string) error
}

// closedPositionLister reads and prunes closed positions.
type closedPositionLister interface {
	ListClosedBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// monitoringLogLister reads and prunes reconciliation audit rows.
type monitoringLogLister interface {
	ListBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.MonitoringLog, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves closed positions and monitoring logs older than the
// retention window out of Postgres into monthly JSONL objects. Rows are only
// deleted after the upload succeeds.
type Archiver struct {
	blob      BlobWriter
	positions closedPositionLister
	mlogs     monitoringLogLister
	retention time.Duration
	log       *slog.Logger
}

// NewArchiver wires an archiver over the given stores. retention is how long
// rows stay in Postgres before being shipped out.
func NewArchiver(blob BlobWriter, positions closedPositionLister, mlogs monitoringLogLister, retention time.Duration, log *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		positions: positions,
		mlogs:     mlogs,
		retention: retention,
		log:       log.With(slog.String("component", "archiver")),
	}
}

// Run performs one archive pass. Failures on one stream do not stop the
// other; the first error is returned.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	var firstErr error
	if err := a.archivePositions(ctx, cutoff); err != nil {
		a.log.Error("position archive failed", slog.Any("error", err))
		firstErr = err
	}
	if err := a.archiveMonitoringLogs(ctx, cutoff); err != nil {
		a.log.Error("monitoring log archive failed", slog.Any("error", err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) error {
	var rows []domain.Position
	for offset := 0; ; offset += archivePageSize {
		page, err := a.positions.ListClosedBefore(ctx, cutoff, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("s3blob: list closed positions: %w", err)
		}
		rows = append(rows, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return fmt.Errorf("s3blob: encode positions: %w", err)
	}
	path := archivePath("positions", cutoff)
	if err := a.blob.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return err
	}

	deleted, err := a.positions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: prune closed positions: %w", err)
	}
	a.log.Info("archived closed positions",
		slog.Int("rows", len(rows)),
		slog.Int64("deleted", deleted),
		slog.String("path", path))
	return nil
}

func (a *Archiver) archiveMonitoringLogs(ctx context.Context, cutoff time.Time) error {
	var rows []domain.MonitoringLog
	for offset := 0; ; offset += archivePageSize {
		page, err := a.mlogs.ListBefore(ctx, cutoff, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("s3blob: list monitoring logs: %w", err)
		}
		rows = append(rows, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return fmt.Errorf("s3blob: encode monitoring logs: %w", err)
	}
	path := archivePath("monitoring_logs", cutoff)
	if err := a.blob.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return err
	}

	deleted, err := a.mlogs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: prune monitoring logs: %w", err)
	}
	a.log.Info("archived monitoring logs",
		slog.Int("rows", len(rows)),
		slog.Int64("deleted", deleted),
		slog.String("path", path))
	return nil
}

// archivePath buckets archived rows by the month of the cutoff, e.g.
// archive/positions/2026-08.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
