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

// LockStore implements domain.LockStore using PostgreSQL. The lock_type
// primary key makes TryInsert the atomic acquire step across instances.
type LockStore struct {
	pool *pgxpool.Pool
}

// NewLockStore creates a new LockStore backed by the given pool.
func NewLockStore(pool *pgxpool.Pool) *LockStore {
	return &LockStore{pool: pool}
}

// DeleteExpired removes the lease row when its expiry predates now.
func (s *LockStore) DeleteExpired(ctx context.Context, lockType string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM monitor_locks WHERE lock_type = $1 AND expires_at < $2`,
		lockType, now)
	if err != nil {
		return fmt.Errorf("postgres: delete expired lock %s: %w", lockType, err)
	}
	return nil
}

// TryInsert inserts the lease, silently losing to an existing holder.
func (s *LockStore) TryInsert(ctx context.Context, lock domain.MonitorLock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitor_locks (lock_type, instance_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_type) DO NOTHING`,
		lock.LockType, lock.InstanceID, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: insert lock %s: %w", lock.LockType, err)
	}
	return nil
}

// Holder returns the current lease row.
func (s *LockStore) Holder(ctx context.Context, lockType string) (domain.MonitorLock, error) {
	var l domain.MonitorLock
	err := s.pool.QueryRow(ctx,
		`SELECT lock_type, instance_id, acquired_at, expires_at
		 FROM monitor_locks WHERE lock_type = $1`, lockType).
		Scan(&l.LockType, &l.InstanceID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MonitorLock{}, domain.ErrNotFound
		}
		return domain.MonitorLock{}, fmt.Errorf("postgres: get lock %s: %w", lockType, err)
	}
	return l, nil
}

// Release deletes the lease only when instanceID still holds it.
func (s *LockStore) Release(ctx context.Context, lockType, instanceID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM monitor_locks WHERE lock_type = $1 AND instance_id = $2`,
		lockType, instanceID)
	if err != nil {
		return fmt.Errorf("postgres: release lock %s: %w", lockType, err)
	}
	return nil
}

var _ domain.LockStore = (*LockStore)(nil)
