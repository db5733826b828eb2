package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/pricing"
)

// expectedBracket is what the exchange should be showing for a position,
// derived from the stored legs or recomputed from the settings snapshot.
type expectedBracket struct {
	sl            float64
	breakevenOwed bool
	tps           []pricing.TPTarget
}

// legIssue marks one bracket leg that failed verification. level 0 is the
// stop loss.
type legIssue struct {
	level   int
	orderID string // known old order, empty when the leg is missing
	reason  string
}

// fullVerify reconciles one DB position against the exchange. hint is the
// listing row when the position matched; a usable hint stands in for the
// direct read. Absence is still only ever confirmed by the full re-read
// ladder, so no destructive decision rests on the listing alone.
func (m *Monitor) fullVerify(ctx context.Context, ex domain.Exchange, pos *domain.Position, hint domain.ExchangePosition, report *CycleReport) {
	report.Checked++

	lp, confirmed := m.fetchPosition(ctx, ex, pos, hint)
	if lp == nil {
		if confirmed {
			m.finalize(ctx, ex, pos, "", report)
		} else {
			m.recordCheckError(ctx, pos, "position absent but closure unconfirmed")
			report.Errors++
		}
		return
	}

	ticker, err := ex.Ticker(ctx, pos.Symbol)
	if err != nil {
		m.recordCheckError(ctx, pos, fmt.Sprintf("ticker: %v", err))
		report.Errors++
		return
	}

	meta, err := m.contractMeta(ctx, ex, pos.Symbol)
	if err != nil {
		m.recordCheckError(ctx, pos, fmt.Sprintf("contract meta: %v", err))
		report.Errors++
		return
	}

	// Partial close must be detected before computing the expected bracket
	// so the fill flags and quantity feeding the recompute are current.
	m.detectPartialClose(ctx, ex, pos, lp.Total, ticker.Last)

	slOrders, tpOrders := m.listBrackets(ctx, ex, pos)

	exp := m.expectedFor(pos, lp.Total, meta)
	issues := checkBracket(pos, exp, slOrders, tpOrders)

	now := time.Now().UTC()
	pos.LastCheckAt = &now
	pos.CurrentPrice = ticker.Last
	pos.UnrealizedPnL = pos.PnL(ticker.Last, lp.Total)

	if len(issues) == 0 {
		pos.CheckErrors = 0
		pos.LastError = ""
		m.updatePosition(ctx, pos)
		return
	}

	// All recorded order ids still live means the book matches our intent;
	// price nits alone never trigger a resync.
	if allOrdersLive(pos, slOrders, tpOrders) {
		m.updatePosition(ctx, pos)
		return
	}

	issues = m.preResyncSafety(ctx, ex, pos, issues, tpOrders, report)
	if issues == nil {
		// Safety pass either finalized or declared the drift noise.
		return
	}
	if len(issues) == 0 {
		m.updatePosition(ctx, pos)
		return
	}

	if pos.Meta.LastResyncAt != nil && now.Sub(*pos.Meta.LastResyncAt) < resyncCooldown {
		m.log.Debug("resync on cooldown",
			slog.String("position_id", pos.ID),
			slog.Time("last_resync_at", *pos.Meta.LastResyncAt))
		m.updatePosition(ctx, pos)
		return
	}
	if pos.Meta.ResyncCount >= resyncReviewCount {
		m.log.Warn("position needs manual review, resyncing anyway",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Int("resync_count", pos.Meta.ResyncCount))
	}

	m.resync(ctx, ex, pos, exp, issues, ticker, report)
}

// fetchPosition reads the live position with retries; a hint row from this
// cycle's listing satisfies the read without another call. The second return
// is true only when absence is confirmed by the direct read, the full
// listing, and a successful recent fill-history read; anything ambiguous
// returns (nil, false).
func (m *Monitor) fetchPosition(ctx context.Context, ex domain.Exchange, pos *domain.Position, hint domain.ExchangePosition) (*domain.ExchangePosition, bool) {
	if hint.Symbol == pos.Symbol && hint.HoldSide == pos.Side.HoldSide() && hint.Total > 0 {
		return &hint, false
	}
	for attempt := 0; attempt < positionFetchRetries; attempt++ {
		lp, err := ex.Position(ctx, pos.Symbol)
		if err == nil && lp != nil && lp.HoldSide == pos.Side.HoldSide() {
			return lp, false
		}
		if err != nil {
			m.log.Debug("position fetch failed",
				slog.String("symbol", pos.Symbol),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		}
		if attempt < positionFetchRetries-1 {
			m.sleep(positionFetchBackoff)
		}
	}

	all, err := ex.Positions(ctx)
	if err != nil {
		return nil, false
	}
	for _, lp := range all {
		if lp.Symbol == pos.Symbol && lp.HoldSide == pos.Side.HoldSide() {
			return &lp, false
		}
	}

	// Third witness: the fill stream must be readable before closure can be
	// trusted.
	if _, err := ex.FillHistory(ctx, pos.Symbol, time.Now().UTC().Add(-fillLookback), time.Time{}, 100); err != nil {
		return nil, false
	}
	return nil, true
}

// listBrackets fetches both plan-order buckets for the position's symbol,
// rechecking once after a short pause when TPs are expected but the list
// came back empty.
func (m *Monitor) listBrackets(ctx context.Context, ex domain.Exchange, pos *domain.Position) (slOrders, tpOrders []domain.PlanOrder) {
	slOrders, _ = ex.ListPlanOrders(ctx, pos.Symbol, domain.PlanProfitLoss)
	tpOrders, _ = ex.ListPlanOrders(ctx, pos.Symbol, domain.PlanNormal)
	if len(tpOrders) == 0 && pos.UnfilledTPCount() > 0 {
		m.sleep(tpListRecheckDelay)
		tpOrders, _ = ex.ListPlanOrders(ctx, pos.Symbol, domain.PlanNormal)
	}
	return slOrders, tpOrders
}

// detectPartialClose compares the live quantity against the DB quantity and
// flips the TP whose size explains the difference. When two legs both match
// the delta, the leg whose trigger sits closest to the current mark is the
// one that fired. A freshly triggered breakeven level also rewrites the
// stop.
func (m *Monitor) detectPartialClose(ctx context.Context, ex domain.Exchange, pos *domain.Position, liveQty, mark float64) {
	if liveQty >= pos.Quantity*partialCloseFactor {
		return
	}
	delta := pos.Quantity - liveQty

	matched := -1
	for i := 0; i < pos.TPLevels && i < 3; i++ {
		leg := pos.TPs[i]
		if leg.Filled || leg.Quantity == 0 {
			continue
		}
		if math.Abs(leg.Quantity-delta) > leg.Quantity*tpDeltaTolerance {
			continue
		}
		if matched < 0 || math.Abs(leg.Price-mark) < math.Abs(pos.TPs[matched].Price-mark) {
			matched = i
		}
	}

	prevHighest := pos.HighestFilledTP()
	if matched >= 0 {
		pos.TPs[matched].Filled = true
		m.log.Info("partial close detected",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Int("tp_level", matched+1),
			slog.Float64("delta", delta))
	} else {
		m.log.Warn("quantity dropped without a matching TP",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Float64("delta", delta))
	}
	pos.Quantity = liveQty

	snap := pos.Meta.Snapshot
	if matched >= 0 && snap.SLToBreakeven && prevHighest < snap.BreakevenTriggerTP && pos.HighestFilledTP() >= snap.BreakevenTriggerTP {
		m.rewriteSLToBreakeven(ctx, ex, pos)
	}
	m.updatePosition(ctx, pos)
}

// rewriteSLToBreakeven moves the stop to the breakeven price; it never
// regresses an already safer stop.
func (m *Monitor) rewriteSLToBreakeven(ctx context.Context, ex domain.Exchange, pos *domain.Position) {
	snap := pos.Meta.Snapshot
	target := pricing.BreakevenSL(pos.Side, pos.EntryPrice, snap.FeeAwareBreakeven)
	if pos.SLPrice > 0 && pricing.SaferSL(pos.Side, pos.SLPrice, target) {
		return
	}

	if pos.SLOrderID != "" {
		if err := ex.CancelPlan(ctx, pos.Symbol, pos.SLOrderID, domain.PlanPosLoss); err != nil {
			m.log.Debug("old sl cancel failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
		}
	}
	orderID, err := ex.PlaceBracket(ctx, domain.BracketReq{
		Symbol:       pos.Symbol,
		PlanType:     domain.PlanPosLoss,
		HoldSide:     pos.Side.HoldSide(),
		TriggerPrice: target,
		Size:         pos.Quantity,
	})
	if err != nil {
		m.log.Error("breakeven sl placement failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()))
		return
	}
	old := pos.SLPrice
	pos.SLPrice = target
	pos.SLOrderID = orderID
	m.log.Info("sl moved to breakeven",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("sl", target))
	m.audit(ctx, domain.MonitoringLog{
		UserID:       pos.UserID,
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		CheckType:    "sl_repair",
		Status:       "ok",
		ExpectedData: map[string]any{"sl": target},
		ActualData:   map[string]any{"sl": old},
		ActionsTaken: []string{"sl moved to breakeven"},
	})
}

// expectedFor builds the bracket the exchange should mirror. Stored legs
// win as long as their sizes still account for the live quantity; otherwise
// the snapshot parameters recompute sizes for the current quantity.
func (m *Monitor) expectedFor(pos *domain.Position, liveQty float64, meta domain.ContractMeta) expectedBracket {
	snap := pos.Meta.Snapshot
	exp := expectedBracket{
		sl:            pos.SLPrice,
		breakevenOwed: snap.SLToBreakeven && pos.HighestFilledTP() >= snap.BreakevenTriggerTP && snap.BreakevenTriggerTP > 0,
	}
	if exp.breakevenOwed {
		exp.sl = pricing.RoundPrice(pricing.BreakevenSL(pos.Side, pos.EntryPrice, snap.FeeAwareBreakeven), meta.PricePlaces)
	}

	if pos.TPQuantitiesMatch(liveQty, snapshotSizeSlack) {
		for i := 0; i < pos.TPLevels && i < 3; i++ {
			leg := pos.TPs[i]
			if leg.Filled || leg.Quantity == 0 {
				continue
			}
			exp.tps = append(exp.tps, pricing.TPTarget{Level: i + 1, Price: leg.Price, Size: leg.Quantity})
		}
		return exp
	}

	var filled [3]bool
	for i := 0; i < 3; i++ {
		filled[i] = pos.TPs[i].Filled
	}
	plan, err := pricing.Compute(pricing.Input{
		Side:     pos.Side,
		Entry:    pos.EntryPrice,
		Quantity: liveQty,
		Leverage: pos.Leverage,
		Snapshot: snap,
		Meta:     meta,
		Filled:   filled,
	})
	if err != nil {
		m.log.Error("expected bracket recompute failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
		return exp
	}
	if !exp.breakevenOwed {
		exp.sl = plan.SLPrice
	}
	exp.tps = plan.TPs
	return exp
}

// checkBracket compares the live orders against the expected bracket and
// returns one issue per failed leg.
func checkBracket(pos *domain.Position, exp expectedBracket, slOrders, tpOrders []domain.PlanOrder) []legIssue {
	var issues []legIssue

	switch {
	case len(slOrders) == 0:
		issues = append(issues, legIssue{level: 0, reason: "stop loss missing"})
	case len(slOrders) > 1:
		issues = append(issues, legIssue{level: 0, orderID: slOrders[0].OrderID,
			reason: fmt.Sprintf("%d stop orders live, expected 1", len(slOrders))})
	default:
		sl := slOrders[0]
		if exp.breakevenOwed {
			// Owed breakeven means the live stop must sit at entry or safer.
			limit := pos.EntryPrice
			safe := pricing.SaferSL(pos.Side, sl.TriggerPrice, limit) ||
				math.Abs(sl.TriggerPrice-limit) <= breakevenTolerance*limit
			if !safe {
				issues = append(issues, legIssue{level: 0, orderID: sl.OrderID,
					reason: fmt.Sprintf("stop at %v regresses owed breakeven %v", sl.TriggerPrice, exp.sl)})
			}
		} else if exp.sl > 0 && math.Abs(sl.TriggerPrice-exp.sl) > exp.sl*priceTolerance {
			issues = append(issues, legIssue{level: 0, orderID: sl.OrderID,
				reason: fmt.Sprintf("stop at %v drifted from expected %v", sl.TriggerPrice, exp.sl)})
		}
	}

	// Every expected TP leg must be mirrored by a live order within price
	// and size tolerance; each live order matches at most one leg.
	used := make([]bool, len(tpOrders))
	for _, want := range exp.tps {
		found := false
		for i, o := range tpOrders {
			if used[i] {
				continue
			}
			if math.Abs(o.TriggerPrice-want.Price) <= want.Price*priceTolerance &&
				(want.Size == 0 || math.Abs(o.Size-want.Size) <= want.Size*sizeTolerance) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, legIssue{
				level:   want.Level,
				orderID: pos.TPs[want.Level-1].OrderID,
				reason:  fmt.Sprintf("tp%d missing or drifted (want %v x %v)", want.Level, want.Price, want.Size),
			})
		}
	}
	// Surplus TP orders with every expected leg matched are left to orphan
	// order cleanup, not resync.
	return issues
}

// allOrdersLive reports whether every order id recorded on the position is
// still present among the live plan orders.
func allOrdersLive(pos *domain.Position, slOrders, tpOrders []domain.PlanOrder) bool {
	live := make(map[string]bool, len(slOrders)+len(tpOrders))
	for _, o := range slOrders {
		live[o.OrderID] = true
	}
	for _, o := range tpOrders {
		live[o.OrderID] = true
	}

	if pos.SLOrderID == "" || !live[pos.SLOrderID] {
		return false
	}
	for i := 0; i < pos.TPLevels && i < 3; i++ {
		leg := pos.TPs[i]
		if leg.Filled || leg.Quantity == 0 {
			continue
		}
		if leg.OrderID == "" || !live[leg.OrderID] {
			return false
		}
	}
	return true
}

// preResyncSafety re-examines every flagged leg before anything is
// cancelled. It returns nil when the position was finalized or the drift was
// declared noise, otherwise the surviving issues.
func (m *Monitor) preResyncSafety(ctx context.Context, ex domain.Exchange, pos *domain.Position, issues []legIssue, tpOrders []domain.PlanOrder, report *CycleReport) []legIssue {
	// A flagged-missing TP that actually filled is recorded, not replaced.
	fills, ferr := ex.FillHistory(ctx, pos.Symbol, pos.CreatedAt, time.Time{}, 100)
	survivors := issues[:0]
	for _, iss := range issues {
		if iss.level > 0 && ferr == nil {
			leg := pos.TPs[iss.level-1]
			if fillMatchesLeg(fills, pos, leg) {
				pos.TPs[iss.level-1].Filled = true
				m.log.Info("missing tp was actually filled",
					slog.String("position_id", pos.ID),
					slog.Int("tp_level", iss.level))
				continue
			}
		}
		survivors = append(survivors, iss)
	}

	lp, err := ex.Position(ctx, pos.Symbol)
	if err != nil {
		m.recordCheckError(ctx, pos, fmt.Sprintf("pre-resync re-read: %v", err))
		report.Errors++
		return nil
	}
	if lp == nil || lp.Total == 0 {
		m.finalize(ctx, ex, pos, "", report)
		return nil
	}

	// Live close-side TPs present while we flagged them missing points at
	// listing noise; let the next cycle look again.
	tpMissing := false
	for _, iss := range survivors {
		if iss.level > 0 && iss.orderID == "" {
			tpMissing = true
		}
	}
	if tpMissing && len(tpOrders) > 0 {
		m.log.Debug("tp flagged missing but close orders live, skipping as noise",
			slog.String("position_id", pos.ID))
		m.updatePosition(ctx, pos)
		return nil
	}
	return survivors
}

// fillMatchesLeg reports whether a close-side fill accounts for the leg's
// size within tolerance.
func fillMatchesLeg(fills []domain.Fill, pos *domain.Position, leg domain.TPLeg) bool {
	for _, f := range fills {
		if !f.TradeSide.IsClose() || f.Time.Before(pos.CreatedAt) {
			continue
		}
		if leg.Quantity > 0 && math.Abs(f.Size-leg.Quantity) <= leg.Quantity*tpDeltaTolerance {
			return true
		}
	}
	return false
}

func (m *Monitor) recordCheckError(ctx context.Context, pos *domain.Position, msg string) {
	now := time.Now().UTC()
	pos.CheckErrors++
	pos.LastError = msg
	pos.LastCheckAt = &now
	m.updatePosition(ctx, pos)
	m.log.Warn("verification inconclusive",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Int("check_errors", pos.CheckErrors),
		slog.String("error", msg))
}

func (m *Monitor) updatePosition(ctx context.Context, pos *domain.Position) {
	if err := m.positions.Update(ctx, *pos); err != nil {
		m.log.Error("position update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Monitor) contractMeta(ctx context.Context, ex domain.Exchange, symbol string) (domain.ContractMeta, error) {
	if meta, err := m.contracts.Get(ctx, symbol); err == nil {
		return meta, nil
	}
	meta, err := ex.ContractMeta(ctx, symbol)
	if err != nil {
		return domain.ContractMeta{}, err
	}
	if err := m.contracts.Set(ctx, meta); err != nil {
		m.log.Debug("contract cache set failed", slog.String("error", err.Error()))
	}
	return meta, nil
}
