package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// MonitoringLogStore implements domain.MonitoringLogStore using PostgreSQL.
type MonitoringLogStore struct {
	pool *pgxpool.Pool
}

// NewMonitoringLogStore creates a new MonitoringLogStore backed by the pool.
func NewMonitoringLogStore(pool *pgxpool.Pool) *MonitoringLogStore {
	return &MonitoringLogStore{pool: pool}
}

func marshalOrEmpty(v any, empty string) []byte {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return []byte(empty)
	}
	return b
}

// Insert appends one audit entry.
func (s *MonitoringLogStore) Insert(ctx context.Context, l domain.MonitoringLog) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitoring_logs (
			user_id, position_id, symbol, check_type, status,
			issues, expected_data, actual_data, actions_taken, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.UserID, l.PositionID, l.Symbol, l.CheckType, l.Status,
		marshalOrEmpty(l.Issues, "[]"),
		marshalOrEmpty(l.ExpectedData, "{}"),
		marshalOrEmpty(l.ActualData, "{}"),
		marshalOrEmpty(l.ActionsTaken, "[]"),
		createdAt)
	if err != nil {
		return fmt.Errorf("postgres: insert monitoring log: %w", err)
	}
	return nil
}

// ListBefore returns audit entries older than before, oldest first.
func (s *MonitoringLogStore) ListBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.MonitoringLog, error) {
	query := `
		SELECT id, user_id, position_id, symbol, check_type, status,
		       issues, expected_data, actual_data, actions_taken, created_at
		FROM monitoring_logs WHERE created_at < $1 ORDER BY created_at`
	args := []any{before}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list monitoring logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.MonitoringLog
	for rows.Next() {
		var l domain.MonitoringLog
		var issues, expected, actual, actions []byte
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.PositionID, &l.Symbol, &l.CheckType, &l.Status,
			&issues, &expected, &actual, &actions, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan monitoring log: %w", err)
		}
		if err := json.Unmarshal(issues, &l.Issues); err != nil {
			return nil, fmt.Errorf("postgres: decode monitoring log issues: %w", err)
		}
		if err := json.Unmarshal(expected, &l.ExpectedData); err != nil {
			return nil, fmt.Errorf("postgres: decode monitoring log expected: %w", err)
		}
		if err := json.Unmarshal(actual, &l.ActualData); err != nil {
			return nil, fmt.Errorf("postgres: decode monitoring log actual: %w", err)
		}
		if err := json.Unmarshal(actions, &l.ActionsTaken); err != nil {
			return nil, fmt.Errorf("postgres: decode monitoring log actions: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteBefore removes audit entries older than before.
func (s *MonitoringLogStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM monitoring_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete monitoring logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.MonitoringLogStore = (*MonitoringLogStore)(nil)
