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

// AlertStore implements domain.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates a new AlertStore backed by the given connection pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const alertSelectCols = `id, user_id, symbol, side, entry_price, sl, tp1, tp2, tp3,
	main_tp, atr, leverage, strength, tier, mode, indicator_version, session,
	raw, tv_time, received_at, executed_at,
	webhook_latency_ms, execution_latency_ms, total_latency_ms,
	status, error, is_test`

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var a domain.Alert
	var side, status string
	var tvTime *time.Time

	err := row.Scan(
		&a.ID, &a.UserID, &a.Symbol, &side,
		&a.EntryPrice, &a.SL, &a.TP1, &a.TP2, &a.TP3,
		&a.MainTP, &a.ATR, &a.Leverage, &a.Strength,
		&a.Tier, &a.Mode, &a.IndicatorVersion, &a.Session,
		&a.Raw, &tvTime, &a.ReceivedAt, &a.ExecutedAt,
		&a.WebhookLatencyMs, &a.ExecutionLatencyMs, &a.TotalLatencyMs,
		&status, &a.Error, &a.IsTest,
	)
	if err != nil {
		return domain.Alert{}, err
	}
	a.Side = domain.Side(side)
	a.Status = domain.AlertStatus(status)
	if tvTime != nil {
		a.TVTime = *tvTime
	}
	return a, nil
}

// Create inserts a new alert.
func (s *AlertStore) Create(ctx context.Context, a domain.Alert) error {
	const query = `
		INSERT INTO alerts (
			id, user_id, symbol, side, entry_price, sl, tp1, tp2, tp3,
			main_tp, atr, leverage, strength, tier, mode, indicator_version, session,
			raw, tv_time, received_at, executed_at,
			webhook_latency_ms, execution_latency_ms, total_latency_ms,
			status, error, is_test
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24,
			$25, $26, $27
		)`

	var tvTime *time.Time
	if !a.TVTime.IsZero() {
		tvTime = &a.TVTime
	}
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.UserID, a.Symbol, string(a.Side),
		a.EntryPrice, a.SL, a.TP1, a.TP2, a.TP3,
		a.MainTP, a.ATR, a.Leverage, a.Strength,
		a.Tier, a.Mode, a.IndicatorVersion, a.Session,
		a.Raw, tvTime, a.ReceivedAt, a.ExecutedAt,
		a.WebhookLatencyMs, a.ExecutionLatencyMs, a.TotalLatencyMs,
		string(a.Status), a.Error, a.IsTest,
	)
	if err != nil {
		return fmt.Errorf("postgres: create alert %s: %w", a.ID, err)
	}
	return nil
}

// SetStatus updates the mutable fields of an alert. The latency columns are
// rewritten alongside because they only become final once ExecutedAt lands.
func (s *AlertStore) SetStatus(ctx context.Context, id string, status domain.AlertStatus, errMsg string, executedAt *time.Time) error {
	const query = `
		UPDATE alerts SET
			status      = $2,
			error       = $3,
			executed_at = $4,
			execution_latency_ms = CASE
				WHEN $4::timestamptz IS NULL THEN execution_latency_ms
				ELSE (EXTRACT(EPOCH FROM ($4::timestamptz - received_at)) * 1000)::bigint
			END,
			total_latency_ms = CASE
				WHEN $4::timestamptz IS NULL THEN total_latency_ms
				ELSE webhook_latency_ms + (EXTRACT(EPOCH FROM ($4::timestamptz - received_at)) * 1000)::bigint
			END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), errMsg, executedAt)
	if err != nil {
		return fmt.Errorf("postgres: set alert %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single alert by its ID.
func (s *AlertStore) GetByID(ctx context.Context, id string) (domain.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertSelectCols+` FROM alerts WHERE id = $1`, id)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Alert{}, domain.ErrNotFound
		}
		return domain.Alert{}, fmt.Errorf("postgres: get alert %s: %w", id, err)
	}
	return a, nil
}

// ListRecent returns alerts for one user, newest first. userID empty lists
// across all users.
func (s *AlertStore) ListRecent(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Alert, error) {
	query := `SELECT ` + alertSelectCols + ` FROM alerts`
	args := []any{}
	argIdx := 1

	if userID != "" {
		query += fmt.Sprintf(" WHERE user_id = $%d", argIdx)
		args = append(args, userID)
		argIdx++
	}
	query += " ORDER BY received_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

var _ domain.AlertStore = (*AlertStore)(nil)
