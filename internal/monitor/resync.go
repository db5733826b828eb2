package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/pricing"
	"perpbot/internal/trader"
)

// resync repairs the legs that failed verification. A leg whose trigger the
// market already passed is closed at market instead of re-armed; for the
// stop loss that means closing the whole position as a delayed stop-out.
func (m *Monitor) resync(ctx context.Context, ex domain.Exchange, pos *domain.Position, exp expectedBracket, issues []legIssue, ticker domain.Ticker, report *CycleReport) {
	holdSide := pos.Side.HoldSide()
	var actions []string
	var issueTexts []string
	for _, iss := range issues {
		issueTexts = append(issueTexts, iss.reason)
	}

	var tpOps []domain.BatchOp
	tpByOp := map[string]pricing.TPTarget{}

	for _, iss := range issues {
		if iss.orderID != "" {
			planType := domain.PlanNormal
			if iss.level == 0 {
				planType = domain.PlanPosLoss
			}
			if err := ex.CancelPlan(ctx, pos.Symbol, iss.orderID, planType); err != nil {
				m.log.Debug("stale order cancel failed",
					slog.String("symbol", pos.Symbol),
					slog.String("order_id", iss.orderID),
					slog.String("error", err.Error()))
			}
		}

		if iss.level == 0 {
			if exp.sl > 0 && pricing.LevelPassed(pos.Side, ticker.Last, exp.sl, true) {
				// Price is already beyond the stop level: a trigger there is
				// unreachable, the position must go now.
				m.log.Warn("price beyond stop level, closing position",
					slog.String("position_id", pos.ID),
					slog.String("symbol", pos.Symbol),
					slog.Float64("price", ticker.Last),
					slog.Float64("sl", exp.sl))
				if _, err := m.closer.Close(ctx, ex, pos.Symbol, holdSide, 0); err != nil {
					m.log.Error("delayed stop close failed",
						slog.String("symbol", pos.Symbol),
						slog.String("error", err.Error()))
					m.recordCheckError(ctx, pos, "delayed stop close failed")
					report.Errors++
					return
				}
				m.finalize(ctx, ex, pos, domain.CloseSLHitDelayed, report)
				return
			}
			orderID, err := ex.PlaceBracket(ctx, domain.BracketReq{
				Symbol:       pos.Symbol,
				PlanType:     domain.PlanPosLoss,
				HoldSide:     holdSide,
				TriggerPrice: exp.sl,
				Size:         pos.Quantity,
			})
			if err != nil {
				m.log.Error("stop replacement failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()))
				m.recordCheckError(ctx, pos, "stop replacement failed")
				report.Errors++
				return
			}
			pos.SLPrice = exp.sl
			pos.SLOrderID = orderID
			actions = append(actions, "stop loss replaced")
			continue
		}

		target, ok := expTarget(exp, iss.level)
		if !ok {
			continue
		}
		if pricing.LevelPassed(pos.Side, ticker.Last, target.Price, false) {
			// The TP level already traded through: take the leg's size off
			// at market and record the level as filled.
			if _, err := m.closer.Close(ctx, ex, pos.Symbol, holdSide, target.Size); err != nil {
				m.log.Error("tp leg market close failed",
					slog.String("symbol", pos.Symbol),
					slog.Int("tp_level", iss.level),
					slog.String("error", err.Error()))
				continue
			}
			pos.TPs[iss.level-1].Filled = true
			pos.Quantity -= target.Size
			actions = append(actions, "tp"+strconv.Itoa(iss.level)+" closed at market")
			continue
		}
		opID := "tp" + strconv.Itoa(iss.level)
		tpOps = append(tpOps, domain.BatchOp{
			ID: opID,
			Bracket: domain.BracketReq{
				Symbol:       pos.Symbol,
				PlanType:     domain.PlanNormal,
				HoldSide:     holdSide,
				TriggerPrice: target.Price,
				Size:         target.Size,
			},
		})
		tpByOp[opID] = target
	}

	if len(tpOps) > 0 {
		results := ex.Batch(ctx, tpOps)
		for _, op := range tpOps {
			res := results[op.ID]
			target := tpByOp[op.ID]
			if res.Err != nil {
				m.log.Error("tp replacement failed",
					slog.String("symbol", pos.Symbol),
					slog.Int("tp_level", target.Level),
					slog.String("error", res.Err.Error()))
				continue
			}
			leg := &pos.TPs[target.Level-1]
			leg.OrderID = res.OrderID
			leg.Price = target.Price
			leg.Quantity = target.Size
			actions = append(actions, "tp"+strconv.Itoa(target.Level)+" replaced")
		}
	}

	now := time.Now().UTC()
	pos.Meta.LastResyncAt = &now
	pos.Meta.ResyncCount++
	m.updatePosition(ctx, pos)
	report.Resynced++

	m.log.Info("selective resync complete",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Int("resync_count", pos.Meta.ResyncCount),
		slog.Int("repaired", len(actions)))
	m.audit(ctx, domain.MonitoringLog{
		UserID:       pos.UserID,
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		CheckType:    "selective_resync",
		Status:       "ok",
		Issues:       issueTexts,
		ExpectedData: map[string]any{"sl": exp.sl, "tp_count": len(exp.tps)},
		ActionsTaken: actions,
	})
}

func expTarget(exp expectedBracket, level int) (pricing.TPTarget, bool) {
	for _, t := range exp.tps {
		if t.Level == level {
			return t, true
		}
	}
	return pricing.TPTarget{}, false
}

// finalize closes the DB side of a position that left the exchange. reason
// overrides the derived close reason when the engine itself initiated the
// closure.
func (m *Monitor) finalize(ctx context.Context, ex domain.Exchange, pos *domain.Position, reason domain.CloseReason, report *CycleReport) {
	// Guard one: racing an in-flight TP fill shows up as live close-side
	// orders; abort and let the next cycle decide.
	if reason == "" {
		slOrders, _ := ex.ListPlanOrders(ctx, pos.Symbol, domain.PlanProfitLoss)
		tpOrders, _ := ex.ListPlanOrders(ctx, pos.Symbol, domain.PlanNormal)
		for _, o := range append(slOrders, tpOrders...) {
			if o.TradeSide == "close" && pos.OwnsOrder(o.OrderID) {
				m.log.Debug("finalize aborted, close orders still live",
					slog.String("position_id", pos.ID))
				return
			}
		}

		// Guard two: the direct read must confirm the book is flat.
		meta, err := m.contractMeta(ctx, ex, pos.Symbol)
		if err != nil {
			m.recordCheckError(ctx, pos, "finalize: contract meta unavailable")
			report.Errors++
			return
		}
		lp, err := ex.Position(ctx, pos.Symbol)
		if err != nil {
			m.recordCheckError(ctx, pos, "finalize: position re-read failed")
			report.Errors++
			return
		}
		if lp != nil && lp.Total >= meta.MinQty {
			m.log.Debug("finalize aborted, position still live",
				slog.String("position_id", pos.ID),
				slog.Float64("quantity", lp.Total))
			return
		}
	}

	closePrice, err := trader.ClosePriceFromFills(ctx, ex, pos.Symbol, pos.CreatedAt)
	if err != nil {
		m.recordCheckError(ctx, pos, "finalize: no close price available")
		report.Errors++
		return
	}
	if reason == "" {
		reason = trader.CloseReasonFor(pos, closePrice)
	}
	pnl := pos.PnL(closePrice, pos.Quantity)

	trader.CancelBrackets(ctx, ex, pos, m.log)
	m.sweepCloseOrders(ctx, ex, pos)

	now := time.Now().UTC()
	if err := m.positions.MarkClosed(ctx, pos.ID, reason, closePrice, pnl, now); err != nil {
		if errors.Is(err, domain.ErrPositionClosed) {
			return
		}
		m.log.Error("finalize write failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		report.Errors++
		return
	}
	if err := m.metrics.AddRealized(ctx, pos.UserID, now, pnl); err != nil {
		m.log.Warn("metrics update failed", slog.String("error", err.Error()))
	}
	report.Closed++

	m.log.Info("position finalized",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("close_price", closePrice),
		slog.Float64("pnl", pnl))
	m.audit(ctx, domain.MonitoringLog{
		UserID:     pos.UserID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		CheckType:  "full_verification",
		Status:     "closed",
		ActualData: map[string]any{"close_price": closePrice, "reason": string(reason), "pnl": pnl},
	})
	if m.notifier != nil {
		m.notifier.Notify(ctx, "position_closed",
			pos.UserID+" "+pos.Symbol+" closed ("+string(reason)+")")
	}
}

// sweepCloseOrders cancels every remaining live close-side plan order on the
// position's symbol and hold side, recorded or not. A finalized symbol drops
// out of the regular cleanup scope, so unrecorded strays die here.
func (m *Monitor) sweepCloseOrders(ctx context.Context, ex domain.Exchange, pos *domain.Position) {
	hold := pos.Side.HoldSide()
	for _, planType := range []domain.PlanType{domain.PlanProfitLoss, domain.PlanNormal} {
		orders, err := ex.ListPlanOrders(ctx, pos.Symbol, planType)
		if err != nil {
			m.log.Debug("plan order listing failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
			continue
		}
		for _, o := range orders {
			if o.TradeSide != "close" || o.HoldSide != hold {
				continue
			}
			if err := ex.CancelPlan(ctx, pos.Symbol, o.OrderID, o.PlanType); err != nil {
				m.log.Debug("leftover order cancel failed",
					slog.String("symbol", pos.Symbol),
					slog.String("order_id", o.OrderID),
					slog.String("error", err.Error()))
				continue
			}
			m.log.Info("leftover close order cancelled",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("order_id", o.OrderID))
		}
	}
}
