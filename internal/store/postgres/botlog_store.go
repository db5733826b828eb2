package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// BotLogStore implements domain.BotLogStore using PostgreSQL. InsertBatch is
// the hot path; the async writer in botlog flushes through it.
type BotLogStore struct {
	pool *pgxpool.Pool
}

// NewBotLogStore creates a new BotLogStore backed by the given pool.
func NewBotLogStore(pool *pgxpool.Pool) *BotLogStore {
	return &BotLogStore{pool: pool}
}

// Insert appends a single operational log row.
func (s *BotLogStore) Insert(ctx context.Context, l domain.BotLog) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_logs (user_id, level, category, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.UserID, l.Level, l.Category, l.Message, marshalOrEmpty(l.Detail, "{}"), createdAt)
	if err != nil {
		return fmt.Errorf("postgres: insert bot log: %w", err)
	}
	return nil
}

// InsertBatch appends many rows in one round trip.
func (s *BotLogStore) InsertBatch(ctx context.Context, ls []domain.BotLog) error {
	if len(ls) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range ls {
		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO bot_logs (user_id, level, category, message, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			l.UserID, l.Level, l.Category, l.Message, marshalOrEmpty(l.Detail, "{}"), createdAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ls {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert bot log batch: %w", err)
		}
	}
	return nil
}

var _ domain.BotLogStore = (*BotLogStore)(nil)
