package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"perpbot/internal/domain"
)

// LockTypeMonitor is the lease row key serializing reconciliation across
// instances.
const LockTypeMonitor = "position_monitor"

// acquireLease takes the cluster-wide reconciler lease: garbage-collect
// expired rows, insert ours with ignore-duplicates semantics, then read back
// and check ownership. Returns false when another instance holds it.
func (m *Monitor) acquireLease(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	if err := m.locks.DeleteExpired(ctx, LockTypeMonitor, now); err != nil {
		return false, fmt.Errorf("monitor: gc expired leases: %w", err)
	}
	if err := m.locks.TryInsert(ctx, domain.MonitorLock{
		LockType:   LockTypeMonitor,
		InstanceID: m.instanceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.leaseTTL),
	}); err != nil {
		return false, fmt.Errorf("monitor: insert lease: %w", err)
	}
	holder, err := m.locks.Holder(ctx, LockTypeMonitor)
	if err != nil {
		return false, fmt.Errorf("monitor: read lease: %w", err)
	}
	if holder.InstanceID != m.instanceID {
		m.log.Debug("lease held elsewhere",
			slog.String("holder", holder.InstanceID),
			slog.Time("expires_at", holder.ExpiresAt))
		return false, nil
	}
	return true, nil
}

// releaseLease drops our lease row; a row owned by someone else is left
// alone.
func (m *Monitor) releaseLease(ctx context.Context) {
	if err := m.locks.Release(ctx, LockTypeMonitor, m.instanceID); err != nil {
		m.log.Warn("lease release failed", slog.String("error", err.Error()))
	}
}
