// Package monitor is the reconciliation engine: a singleton, lease-guarded
// pass that compares every tracked position against the exchange and repairs
// drift. The database holds our intent, the exchange holds the truth; each
// cycle moves the two back together without ever acting on ambiguous reads.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/trader"
)

// Tolerances and pacing for verification and resync.
const (
	positionFetchRetries = 3
	positionFetchBackoff = time.Second
	tpListRecheckDelay   = 500 * time.Millisecond
	partialCloseFactor   = 0.99 // exchange qty below db qty times this means a partial fill
	tpDeltaTolerance     = 0.10 // TP matched to a quantity delta within 10%
	priceTolerance       = 0.005
	sizeTolerance        = 0.05
	breakevenTolerance   = 1e-4
	snapshotSizeSlack    = 1e-4
	resyncCooldown       = 5 * time.Minute
	resyncReviewCount    = 3
	fillLookback         = 5 * time.Minute
)

// PolicyResolver builds a user's effective policy; orphan recovery needs it
// because a recovered position has no snapshot to price from.
type PolicyResolver interface {
	Resolve(ctx context.Context, userID string) (domain.Policy, error)
}

// Monitor runs reconciliation cycles.
type Monitor struct {
	instanceID string
	leaseTTL   time.Duration

	locks     domain.LockStore
	settings  domain.SettingsStore
	positions domain.PositionStore
	mlogs     domain.MonitoringLogStore
	metrics   domain.MetricsStore
	factory   domain.ExchangeFactory
	resolver  PolicyResolver
	contracts domain.ContractCache
	closer    *trader.Closer
	notifier  trader.Notifier
	log       *slog.Logger

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

// Config wires a Monitor.
type Config struct {
	InstanceID string
	LeaseTTL   time.Duration

	Locks     domain.LockStore
	Settings  domain.SettingsStore
	Positions domain.PositionStore
	Logs      domain.MonitoringLogStore
	Metrics   domain.MetricsStore
	Factory   domain.ExchangeFactory
	Resolver  PolicyResolver
	Contracts domain.ContractCache
	Closer    *trader.Closer
	Notifier  trader.Notifier
	Logger    *slog.Logger
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 120 * time.Second
	}
	return &Monitor{
		instanceID: cfg.InstanceID,
		leaseTTL:   cfg.LeaseTTL,
		locks:      cfg.Locks,
		settings:   cfg.Settings,
		positions:  cfg.Positions,
		mlogs:      cfg.Logs,
		metrics:    cfg.Metrics,
		factory:    cfg.Factory,
		resolver:   cfg.Resolver,
		contracts:  cfg.Contracts,
		closer:     cfg.Closer,
		notifier:   cfg.Notifier,
		log:        cfg.Logger.With(slog.String("component", "monitor")),
		sleep:      time.Sleep,
	}
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	Users    int    `json:"users"`
	Checked  int    `json:"checked"`
	Resynced int    `json:"resynced"`
	Closed   int    `json:"closed"`
	Orphans  int    `json:"orphans"`
	Errors   int    `json:"errors"`
}

// RunCycle executes one reconciliation pass under the lease. A pass that
// cannot take the lease is not an error; it reports skipped.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	ok, err := m.acquireLease(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	if !ok {
		return CycleReport{Skipped: true, Reason: "Another instance holds the lock"}, nil
	}
	defer m.releaseLease(context.WithoutCancel(ctx))

	userIDs, err := m.settings.ActiveUserIDs(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("monitor: list active users: %w", err)
	}

	report := CycleReport{Users: len(userIDs)}
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		m.reconcileUser(ctx, userID, &report)
	}

	m.log.Info("reconciliation cycle complete",
		slog.Int("users", report.Users),
		slog.Int("checked", report.Checked),
		slog.Int("resynced", report.Resynced),
		slog.Int("closed", report.Closed),
		slog.Int("orphans", report.Orphans),
		slog.Int("errors", report.Errors))
	return report, nil
}

// reconcileUser runs the per-user match loop. A failed position listing
// skips the whole user: DB positions are never closed off a failed read.
func (m *Monitor) reconcileUser(ctx context.Context, userID string, report *CycleReport) {
	ex, err := m.factory.ForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) || errors.Is(err, domain.ErrInactive) {
			return
		}
		m.log.Warn("exchange unavailable for user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}

	live, err := ex.Positions(ctx)
	if err != nil {
		m.log.Warn("position listing failed, skipping user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}
	dbOpen, err := m.positions.ListOpenByUser(ctx, userID)
	if err != nil {
		m.log.Error("db position listing failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}

	type key struct {
		symbol string
		hold   domain.HoldSide
	}
	liveByKey := make(map[key]domain.ExchangePosition, len(live))
	for _, lp := range live {
		liveByKey[key{lp.Symbol, lp.HoldSide}] = lp
	}
	dbKeys := make(map[key]bool, len(dbOpen))

	for i := range dbOpen {
		pos := &dbOpen[i]
		k := key{pos.Symbol, pos.Side.HoldSide()}
		dbKeys[k] = true
		if lp, ok := liveByKey[k]; ok {
			m.fullVerify(ctx, ex, pos, lp, report)
		} else {
			// In DB only. The absence from the listing is not proof; the
			// verification path re-confirms with direct reads before any
			// finalize.
			m.fullVerify(ctx, ex, pos, domain.ExchangePosition{}, report)
		}
	}

	for k, lp := range liveByKey {
		if !dbKeys[k] {
			m.recoverOrphan(ctx, ex, userID, lp, report)
		}
	}

	// Re-read open positions so cleanup sees order IDs written during this
	// pass: recovered orphans and resynced brackets are owned, not strays.
	dbOpen, err = m.positions.ListOpenByUser(ctx, userID)
	if err != nil {
		m.log.Error("db position re-listing failed, skipping order cleanup",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return
	}
	m.cleanupOrphanOrders(ctx, ex, userID, dbOpen, live)
}

// cleanupOrphanOrders cancels live plan orders that no open position claims.
// An order referenced by a closed position is just as orphaned as one never
// recorded.
func (m *Monitor) cleanupOrphanOrders(ctx context.Context, ex domain.Exchange, userID string, dbOpen []domain.Position, live []domain.ExchangePosition) {
	owned := make(map[string]bool)
	symbols := make(map[string]bool)
	for i := range dbOpen {
		p := &dbOpen[i]
		symbols[p.Symbol] = true
		if p.SLOrderID != "" {
			owned[p.SLOrderID] = true
		}
		for _, tp := range p.TPs {
			if tp.OrderID != "" {
				owned[tp.OrderID] = true
			}
		}
	}
	for _, lp := range live {
		symbols[lp.Symbol] = true
	}

	for symbol := range symbols {
		for _, planType := range []domain.PlanType{domain.PlanProfitLoss, domain.PlanNormal} {
			orders, err := ex.ListPlanOrders(ctx, symbol, planType)
			if err != nil {
				m.log.Debug("plan order listing failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()))
				continue
			}
			for _, o := range orders {
				// Only close-side orders belong to this engine. An open-side
				// trigger is a user's own entry order; never touch it.
				if o.TradeSide != "close" {
					continue
				}
				if owned[o.OrderID] {
					continue
				}
				if err := ex.CancelPlan(ctx, symbol, o.OrderID, o.PlanType); err != nil {
					m.log.Debug("orphan order cancel failed",
						slog.String("symbol", symbol),
						slog.String("order_id", o.OrderID),
						slog.String("error", err.Error()))
					continue
				}
				m.log.Info("orphan order cancelled",
					slog.String("user_id", userID),
					slog.String("symbol", symbol),
					slog.String("order_id", o.OrderID))
			}
		}
	}
}

// audit writes one monitoring log row; failures are logged, never propagated.
func (m *Monitor) audit(ctx context.Context, l domain.MonitoringLog) {
	l.CreatedAt = time.Now().UTC()
	if err := m.mlogs.Insert(ctx, l); err != nil {
		m.log.Warn("monitoring log insert failed", slog.String("error", err.Error()))
	}
}
