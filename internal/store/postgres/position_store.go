package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The
// partial unique index on open (user_id, symbol, side) rows turns concurrent
// duplicate opens into a constraint violation here.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, alert_id, symbol, side,
	entry_price, quantity, leverage, sl_price, sl_order_id, tps, tp_levels,
	status, close_reason, close_price, realized_pnl,
	current_price, unrealized_pnl, last_check_at, check_errors, last_error,
	meta, created_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status, closeReason string
	var tpsJSON, metaJSON []byte

	err := row.Scan(
		&p.ID, &p.UserID, &p.AlertID, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.Leverage,
		&p.SLPrice, &p.SLOrderID, &tpsJSON, &p.TPLevels,
		&status, &closeReason, &p.ClosePrice, &p.RealizedPnL,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.LastCheckAt, &p.CheckErrors, &p.LastError,
		&metaJSON, &p.CreatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	if len(tpsJSON) > 0 {
		if err := json.Unmarshal(tpsJSON, &p.TPs); err != nil {
			return domain.Position{}, fmt.Errorf("decode tps: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &p.Meta); err != nil {
			return domain.Position{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return p, nil
}

func encodePosition(p domain.Position) (tpsJSON, metaJSON []byte, err error) {
	tpsJSON, err = json.Marshal(p.TPs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tps: %w", err)
	}
	metaJSON, err = json.Marshal(p.Meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode meta: %w", err)
	}
	return tpsJSON, metaJSON, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new position. A unique-index conflict on the open rows
// surfaces as ErrDuplicatePosition.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	tpsJSON, metaJSON, err := encodePosition(p)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, user_id, alert_id, symbol, side,
			entry_price, quantity, leverage, sl_price, sl_order_id, tps, tp_levels,
			status, close_reason, close_price, realized_pnl,
			current_price, unrealized_pnl, last_check_at, check_errors, last_error,
			meta, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.AlertID, p.Symbol, string(p.Side),
		p.EntryPrice, p.Quantity, p.Leverage, p.SLPrice, p.SLOrderID, tpsJSON, p.TPLevels,
		string(p.Status), string(p.CloseReason), p.ClosePrice, p.RealizedPnL,
		p.CurrentPrice, p.UnrealizedPnL, p.LastCheckAt, p.CheckErrors, p.LastError,
		metaJSON, p.CreatedAt, p.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicatePosition
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tpsJSON, metaJSON, err := encodePosition(p)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			quantity       = $2,
			leverage       = $3,
			sl_price       = $4,
			sl_order_id    = $5,
			tps            = $6,
			tp_levels      = $7,
			status         = $8,
			close_reason   = $9,
			close_price    = $10,
			realized_pnl   = $11,
			current_price  = $12,
			unrealized_pnl = $13,
			last_check_at  = $14,
			check_errors   = $15,
			last_error     = $16,
			meta           = $17,
			closed_at      = $18,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Quantity, p.Leverage, p.SLPrice, p.SLOrderID, tpsJSON, p.TPLevels,
		string(p.Status), string(p.CloseReason), p.ClosePrice, p.RealizedPnL,
		p.CurrentPrice, p.UnrealizedPnL, p.LastCheckAt, p.CheckErrors, p.LastError,
		metaJSON, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns the open position for (user, symbol, side).
func (s *PositionStore) GetOpen(ctx context.Context, userID, symbol string, side domain.Side) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND side = $3 AND status = 'open'`,
		userID, symbol, string(side))

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position: %w", err)
	}
	return p, nil
}

// ListOpenByUser returns all open positions for one user.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND status = 'open'
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CountOpenByUser returns how many positions the user currently holds open.
func (s *PositionStore) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = 'open'`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}

// MarkClosed finalizes a position exactly once: the status guard makes a
// repeated close a no-op that reports ErrPositionClosed.
func (s *PositionStore) MarkClosed(ctx context.Context, id string, reason domain.CloseReason, closePrice, realizedPnL float64, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			close_reason = $2,
			close_price  = $3,
			realized_pnl = $4,
			closed_at    = $5,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, string(reason), closePrice, realizedPnL, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: close position %s: %w", id, err)
		}
		if exists {
			return domain.ErrPositionClosed
		}
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions whose closed_at predates before,
// oldest first; the archiver drains them in pages.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at`
	args := []any{before}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeleteClosedBefore removes archived rows and reports how many went.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status = 'closed' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
