package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

type fakeBlob struct {
	puts map[string][]byte
	err  error
}

func (f *fakeBlob) Put(_ context.Context, path string, body io.Reader, _ string) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[path] = data
	return nil
}

type fakePositions struct {
	rows    []domain.Position
	deleted bool
}

func (f *fakePositions) ListClosedBefore(_ context.Context, before time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.rows {
		if p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, p)
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakePositions) DeleteClosedBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.Position
	var n int64
	for _, p := range f.rows {
		if p.ClosedAt != nil && p.ClosedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	f.rows = kept
	f.deleted = true
	return n, nil
}

type fakeMLogs struct {
	rows    []domain.MonitoringLog
	deleted bool
}

func (f *fakeMLogs) ListBefore(_ context.Context, before time.Time, opts domain.ListOpts) ([]domain.MonitoringLog, error) {
	var out []domain.MonitoringLog
	for _, l := range f.rows {
		if l.CreatedAt.Before(before) {
			out = append(out, l)
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeMLogs) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.MonitoringLog
	var n int64
	for _, l := range f.rows {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	f.rows = kept
	f.deleted = true
	return n, nil
}

func closedPosition(id string, closedAt time.Time) domain.Position {
	return domain.Position{
		ID:          id,
		UserID:      "u1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideBuy,
		EntryPrice:  100,
		Quantity:    1,
		Status:      domain.PositionClosed,
		CloseReason: domain.CloseSLHit,
		ClosedAt:    &closedAt,
	}
}

func TestArchiverShipsOldRowsAndPrunes(t *testing.T) {
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	blob := &fakeBlob{}
	positions := &fakePositions{rows: []domain.Position{
		closedPosition("p-old", old),
		closedPosition("p-recent", recent),
	}}
	mlogs := &fakeMLogs{rows: []domain.MonitoringLog{
		{ID: 1, UserID: "u1", CheckType: "full_verification", CreatedAt: old},
		{ID: 2, UserID: "u1", CheckType: "full_verification", CreatedAt: recent},
	}}

	arch := NewArchiver(blob, positions, mlogs, 30*24*time.Hour, slog.New(slog.DiscardHandler))
	require.NoError(t, arch.Run(context.Background()))

	require.Len(t, blob.puts, 2)
	var posKey string
	for k := range blob.puts {
		if strings.HasPrefix(k, "archive/positions/") {
			posKey = k
		}
	}
	require.NotEmpty(t, posKey)
	require.True(t, strings.HasSuffix(posKey, ".jsonl"))

	lines := bytes.Split(bytes.TrimSpace(blob.puts[posKey]), []byte("\n"))
	require.Len(t, lines, 1)
	require.Contains(t, string(lines[0]), `"p-old"`)

	// Only rows past the retention window leave the database.
	require.Len(t, positions.rows, 1)
	require.Equal(t, "p-recent", positions.rows[0].ID)
	require.Len(t, mlogs.rows, 1)
	require.Equal(t, int64(2), mlogs.rows[0].ID)
}

func TestArchiverNoRowsNoUpload(t *testing.T) {
	blob := &fakeBlob{}
	positions := &fakePositions{}
	mlogs := &fakeMLogs{}

	arch := NewArchiver(blob, positions, mlogs, 30*24*time.Hour, slog.New(slog.DiscardHandler))
	require.NoError(t, arch.Run(context.Background()))

	require.Empty(t, blob.puts)
	require.False(t, positions.deleted)
	require.False(t, mlogs.deleted)
}

func TestArchiverKeepsRowsWhenUploadFails(t *testing.T) {
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	blob := &fakeBlob{err: io.ErrUnexpectedEOF}
	positions := &fakePositions{rows: []domain.Position{closedPosition("p-old", old)}}
	mlogs := &fakeMLogs{}

	arch := NewArchiver(blob, positions, mlogs, 30*24*time.Hour, slog.New(slog.DiscardHandler))
	require.Error(t, arch.Run(context.Background()))

	require.False(t, positions.deleted)
	require.Len(t, positions.rows, 1)
}
