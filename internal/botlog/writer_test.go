package botlog

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

type memBotLogs struct {
	mu   sync.Mutex
	rows []domain.BotLog
}

func (s *memBotLogs) Insert(_ context.Context, l domain.BotLog) error {
	return s.InsertBatch(context.Background(), []domain.BotLog{l})
}

func (s *memBotLogs) InsertBatch(_ context.Context, ls []domain.BotLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, ls...)
	return nil
}

func (s *memBotLogs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func TestWriterFlushesOnClose(t *testing.T) {
	store := &memBotLogs{}
	w := NewWriter(store, slog.New(slog.DiscardHandler))

	for i := 0; i < 10; i++ {
		w.Info("u1", "trade", "order placed", map[string]any{"n": i})
	}
	w.Close()

	require.Equal(t, 10, store.count())
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, "u1", store.rows[0].UserID)
	require.Equal(t, "info", store.rows[0].Level)
	require.Equal(t, "trade", store.rows[0].Category)
	require.False(t, store.rows[0].CreatedAt.IsZero())
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	store := &memBotLogs{}
	w := NewWriter(store, slog.New(slog.DiscardHandler))
	defer w.Close()

	for i := 0; i < defaultFlushSize*2; i++ {
		w.Error("u2", "exchange", "call failed", nil)
	}
	w.Close()
	require.Equal(t, defaultFlushSize*2, store.count())
}

func TestWriterAfterCloseDoesNotBlock(t *testing.T) {
	store := &memBotLogs{}
	w := NewWriter(store, slog.New(slog.DiscardHandler))
	w.Close()

	// Enqueue after shutdown is a silent no-op.
	w.Info("u1", "trade", "late entry", nil)
	require.Zero(t, store.count())
}
