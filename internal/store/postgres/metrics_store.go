package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// MetricsStore implements domain.MetricsStore using PostgreSQL. One row per
// (user, UTC day) accumulates realized PnL.
type MetricsStore struct {
	pool *pgxpool.Pool
}

// NewMetricsStore creates a new MetricsStore backed by the given pool.
func NewMetricsStore(pool *pgxpool.Pool) *MetricsStore {
	return &MetricsStore{pool: pool}
}

// AddRealized accumulates pnl into the user's daily row.
func (s *MetricsStore) AddRealized(ctx context.Context, userID string, day time.Time, pnl float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO performance_metrics (user_id, day, realized_pnl, trade_count, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (user_id, day) DO UPDATE SET
			realized_pnl = performance_metrics.realized_pnl + EXCLUDED.realized_pnl,
			trade_count  = performance_metrics.trade_count + 1,
			updated_at   = NOW()`,
		userID, day.UTC().Truncate(24*time.Hour), pnl)
	if err != nil {
		return fmt.Errorf("postgres: add realized pnl for %s: %w", userID, err)
	}
	return nil
}

// DailyRealized returns the accumulated realized PnL for the user's UTC day;
// zero when no trade has closed yet.
func (s *MetricsStore) DailyRealized(ctx context.Context, userID string, day time.Time) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(realized_pnl, 0) FROM performance_metrics
		WHERE user_id = $1 AND day = $2`,
		userID, day.UTC().Truncate(24*time.Hour)).Scan(&pnl)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: daily realized pnl for %s: %w", userID, err)
	}
	return pnl, nil
}

var _ domain.MetricsStore = (*MetricsStore)(nil)
