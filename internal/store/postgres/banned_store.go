package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perpbot/internal/domain"
)

// BannedSymbolStore implements domain.BannedSymbolStore using PostgreSQL.
type BannedSymbolStore struct {
	pool *pgxpool.Pool
}

// NewBannedSymbolStore creates a new BannedSymbolStore backed by the pool.
func NewBannedSymbolStore(pool *pgxpool.Pool) *BannedSymbolStore {
	return &BannedSymbolStore{pool: pool}
}

// Ban records or refreshes a per-user symbol ban.
func (s *BannedSymbolStore) Ban(ctx context.Context, b domain.BannedSymbol) error {
	bannedAt := b.BannedAt
	if bannedAt.IsZero() {
		bannedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO banned_symbols (user_id, symbol, reason, banned_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			reason     = EXCLUDED.reason,
			banned_at  = EXCLUDED.banned_at,
			expires_at = EXCLUDED.expires_at`,
		b.UserID, b.Symbol, b.Reason, bannedAt, b.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: ban %s for %s: %w", b.Symbol, b.UserID, err)
	}
	return nil
}

// IsBanned reports whether a still-effective ban exists.
func (s *BannedSymbolStore) IsBanned(ctx context.Context, userID, symbol string, now time.Time) (bool, error) {
	var banned bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM banned_symbols
			WHERE user_id = $1 AND symbol = $2
			  AND (expires_at IS NULL OR expires_at > $3)
		)`, userID, symbol, now).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("postgres: check ban %s for %s: %w", symbol, userID, err)
	}
	return banned, nil
}

// Unban lifts a ban; lifting a ban that does not exist is a no-op.
func (s *BannedSymbolStore) Unban(ctx context.Context, userID, symbol string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM banned_symbols WHERE user_id = $1 AND symbol = $2`,
		userID, symbol)
	if err != nil {
		return fmt.Errorf("postgres: unban %s for %s: %w", symbol, userID, err)
	}
	return nil
}

var _ domain.BannedSymbolStore = (*BannedSymbolStore)(nil)
