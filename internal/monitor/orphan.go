package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/domain"
	"perpbot/internal/pricing"
)

// recoverOrphan adopts a position that exists on the exchange with no DB
// row. Recovery has no snapshot, so the bracket is priced from the user's
// current policy; brackets are only placed when none are already live for
// the symbol.
func (m *Monitor) recoverOrphan(ctx context.Context, ex domain.Exchange, userID string, lp domain.ExchangePosition, report *CycleReport) {
	m.log.Warn("orphan position on exchange",
		slog.String("user_id", userID),
		slog.String("symbol", lp.Symbol),
		slog.String("hold_side", string(lp.HoldSide)),
		slog.Float64("quantity", lp.Total))

	pol, err := m.resolver.Resolve(ctx, userID)
	if err != nil {
		m.log.Error("policy resolve failed for orphan",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}
	meta, err := m.contractMeta(ctx, ex, lp.Symbol)
	if err != nil {
		m.log.Error("contract meta failed for orphan",
			slog.String("symbol", lp.Symbol),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}

	side := domain.SideBuy
	if lp.HoldSide == domain.HoldShort {
		side = domain.SideSell
	}
	now := time.Now().UTC()
	snapshot := pol.Snapshot(0, 0)
	// No alert context: ATR-driven methods would degenerate to zero
	// distance, so fall back to the percent family.
	if snapshot.SLMethod == domain.SLATRBased {
		snapshot.SLMethod = domain.SLPercentEntry
	}
	if snapshot.CalculatorType == domain.CalcATRBased {
		snapshot.CalculatorType = domain.CalcSimplePercent
	}
	pos := &domain.Position{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     lp.Symbol,
		Side:       side,
		EntryPrice: lp.AvgEntry,
		Quantity:   lp.Total,
		Leverage:   lp.Leverage,
		TPLevels:   snapshot.TPLevels,
		Status:     domain.PositionOpen,
		Meta: domain.PositionMeta{
			Snapshot:    snapshot,
			Recovered:   true,
			RecoveredAt: &now,
		},
		CreatedAt: now,
	}

	plan, err := pricing.Compute(pricing.Input{
		Side:     side,
		Entry:    lp.AvgEntry,
		Quantity: lp.Total,
		Leverage: lp.Leverage,
		Snapshot: snapshot,
		Meta:     meta,
	})
	if err != nil {
		m.log.Error("orphan bracket pricing failed",
			slog.String("symbol", lp.Symbol),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}
	pos.SLPrice = plan.SLPrice
	for _, tp := range plan.TPs {
		pos.TPs[tp.Level-1] = domain.TPLeg{Price: tp.Price, Quantity: tp.Size}
	}

	slOrders, _ := ex.ListPlanOrders(ctx, lp.Symbol, domain.PlanProfitLoss)
	tpOrders, _ := ex.ListPlanOrders(ctx, lp.Symbol, domain.PlanNormal)
	if len(slOrders)+len(tpOrders) == 0 {
		ops := []domain.BatchOp{{
			ID: "sl",
			Bracket: domain.BracketReq{
				Symbol:       lp.Symbol,
				PlanType:     domain.PlanPosLoss,
				HoldSide:     lp.HoldSide,
				TriggerPrice: plan.SLPrice,
				Size:         lp.Total,
			},
		}}
		for _, tp := range plan.TPs {
			ops = append(ops, domain.BatchOp{
				ID: "tp" + strconv.Itoa(tp.Level),
				Bracket: domain.BracketReq{
					Symbol:       lp.Symbol,
					PlanType:     domain.PlanNormal,
					HoldSide:     lp.HoldSide,
					TriggerPrice: tp.Price,
					Size:         tp.Size,
				},
			})
		}
		results := ex.Batch(ctx, ops)
		for _, op := range ops {
			res := results[op.ID]
			if res.Err != nil {
				m.log.Warn("orphan bracket placement failed",
					slog.String("symbol", lp.Symbol),
					slog.String("leg", op.ID),
					slog.String("error", res.Err.Error()))
				continue
			}
			if op.ID == "sl" {
				pos.SLOrderID = res.OrderID
			} else {
				level := int(op.ID[2] - '0')
				pos.TPs[level-1].OrderID = res.OrderID
			}
		}
	} else {
		m.log.Info("orphan already has live brackets, adopting as-is",
			slog.String("symbol", lp.Symbol),
			slog.Int("sl_orders", len(slOrders)),
			slog.Int("tp_orders", len(tpOrders)))
	}

	if err := m.positions.Create(ctx, *pos); err != nil {
		if errors.Is(err, domain.ErrDuplicatePosition) {
			// A concurrent reconciler won the insert; its row stands.
			m.log.Debug("orphan already recovered elsewhere",
				slog.String("symbol", lp.Symbol))
			return
		}
		m.log.Error("orphan persist failed",
			slog.String("symbol", lp.Symbol),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}
	report.Orphans++

	m.audit(ctx, domain.MonitoringLog{
		UserID:     userID,
		PositionID: pos.ID,
		Symbol:     lp.Symbol,
		CheckType:  "orphan_recovered",
		Status:     "ok",
		ActualData: map[string]any{
			"quantity": lp.Total,
			"entry":    lp.AvgEntry,
			"leverage": lp.Leverage,
		},
		ActionsTaken: []string{"position adopted"},
	})
	if m.notifier != nil {
		m.notifier.Notify(ctx, "error",
			userID+" "+lp.Symbol+": orphan position recovered from exchange")
	}
}
