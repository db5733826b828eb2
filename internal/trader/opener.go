// Package trader opens and closes positions against the exchange. The
// opener turns an accepted alert into a live position with its full bracket;
// the closer and emergency controller take positions off the book with
// verification at every step.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/domain"
	"perpbot/internal/policy"
	"perpbot/internal/pricing"
)

const bracketRetries = 2

// Notifier publishes position lifecycle events to the configured channels.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// Opener executes accepted alerts.
type Opener struct {
	factory   domain.ExchangeFactory
	positions domain.PositionStore
	banned    domain.BannedSymbolStore
	contracts domain.ContractCache
	tickers   domain.TickerCache
	closer    *Closer
	notifier  Notifier
	log       *slog.Logger
}

// NewOpener builds an Opener.
func NewOpener(
	factory domain.ExchangeFactory,
	positions domain.PositionStore,
	banned domain.BannedSymbolStore,
	contracts domain.ContractCache,
	tickers domain.TickerCache,
	closer *Closer,
	notifier Notifier,
	log *slog.Logger,
) *Opener {
	return &Opener{
		factory:   factory,
		positions: positions,
		banned:    banned,
		contracts: contracts,
		tickers:   tickers,
		closer:    closer,
		notifier:  notifier,
		log:       log.With(slog.String("component", "opener")),
	}
}

// Open turns alert into a live position under pol. It returns
// ErrDuplicatePosition when an existing open position blocks the entry.
func (o *Opener) Open(ctx context.Context, alert domain.Alert, pol domain.Policy) (*domain.Position, error) {
	if !policy.CategoryEnabled(pol, alert.Symbol) {
		return nil, fmt.Errorf("trader: category %s disabled: %w", domain.CategoryOf(alert.Symbol), domain.ErrSymbolBanned)
	}

	ex, err := o.factory.ForUser(ctx, alert.UserID)
	if err != nil {
		return nil, fmt.Errorf("trader: build exchange: %w", err)
	}

	if err := o.resolveDuplicate(ctx, ex, alert, pol); err != nil {
		return nil, err
	}

	meta, err := o.contractMeta(ctx, ex, alert.Symbol)
	if err != nil {
		return nil, err
	}

	leverage := policy.EffectiveLeverage(pol, alert.Symbol, alert.Leverage, meta)
	for _, hs := range []domain.HoldSide{domain.HoldLong, domain.HoldShort} {
		if err := ex.SetLeverage(ctx, alert.Symbol, hs, leverage); err != nil {
			// Leverage calls fail while a position exists; proceed with
			// whatever the account already has.
			o.log.Warn("set leverage failed",
				slog.String("symbol", alert.Symbol),
				slog.String("hold_side", string(hs)),
				slog.String("error", err.Error()))
		}
	}

	entry := alert.EntryPrice
	if entry <= 0 {
		ticker, err := o.ticker(ctx, ex, alert.Symbol)
		if err != nil {
			return nil, err
		}
		entry = ticker.Last
	}

	qty, err := o.positionSize(ctx, ex, alert, pol, entry, leverage, meta)
	if err != nil {
		return nil, err
	}

	snapshot := pol.Snapshot(alert.ATR, alert.SL)
	plan, err := pricing.Compute(pricing.Input{
		Side:     alert.Side,
		Entry:    entry,
		Quantity: qty,
		Leverage: leverage,
		Snapshot: snapshot,
		Meta:     meta,
	})
	if err != nil {
		return nil, err
	}

	holdSide := alert.Side.HoldSide()
	entryOrderID, err := ex.PlaceMarket(ctx, alert.Symbol, domain.OpenSideFor(holdSide), qty, false)
	if err != nil {
		return nil, fmt.Errorf("trader: entry order: %w", err)
	}
	executedAt := time.Now().UTC()

	pos := &domain.Position{
		ID:         uuid.New().String(),
		UserID:     alert.UserID,
		AlertID:    alert.ID,
		Symbol:     alert.Symbol,
		Side:       alert.Side,
		EntryPrice: entry,
		Quantity:   qty,
		Leverage:   leverage,
		SLPrice:    plan.SLPrice,
		TPLevels:   snapshot.TPLevels,
		Status:     domain.PositionOpen,
		Meta:       domain.PositionMeta{Snapshot: snapshot, EntryOrderID: entryOrderID},
		CreatedAt:  executedAt,
	}
	for _, tp := range plan.TPs {
		pos.TPs[tp.Level-1] = domain.TPLeg{Price: tp.Price, Quantity: tp.Size}
	}
	if pos.TPLevels < 1 || pos.TPLevels > 3 {
		pos.TPLevels = len(plan.TPs)
	}

	if err := o.placeBrackets(ctx, ex, pos, plan, holdSide); err != nil {
		return nil, err
	}

	if err := o.positions.Create(ctx, *pos); err != nil {
		if errors.Is(err, domain.ErrDuplicatePosition) {
			// Lost the race to a parallel dispatch: unwind the entry we just
			// made so the book matches the surviving row.
			o.log.Warn("duplicate position on persist, unwinding entry",
				slog.String("symbol", alert.Symbol),
				slog.String("user_id", alert.UserID))
			CancelBrackets(ctx, ex, pos, o.log)
			if _, cerr := o.closer.Close(ctx, ex, alert.Symbol, holdSide, qty); cerr != nil {
				o.log.Error("unwind close failed",
					slog.String("symbol", alert.Symbol),
					slog.String("error", cerr.Error()))
			}
			return nil, err
		}
		return nil, fmt.Errorf("trader: persist position: %w", err)
	}

	o.log.Info("position opened",
		slog.String("user_id", pos.UserID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry", entry),
		slog.Float64("quantity", qty),
		slog.Int("leverage", leverage),
		slog.Float64("sl", plan.SLPrice),
		slog.Int("tp_count", len(plan.TPs)))
	if o.notifier != nil {
		o.notifier.Notify(ctx, "position_opened", fmt.Sprintf(
			"%s %s %s qty %s @ %s (SL %s, %d TPs)",
			pos.UserID, pos.Side, pos.Symbol,
			strconv.FormatFloat(qty, 'f', -1, 64),
			strconv.FormatFloat(entry, 'f', -1, 64),
			strconv.FormatFloat(plan.SLPrice, 'f', -1, 64),
			len(plan.TPs)))
	}
	return pos, nil
}

// resolveDuplicate applies the duplicate-alert policy against an existing
// open position on the alert's symbol.
func (o *Opener) resolveDuplicate(ctx context.Context, ex domain.Exchange, alert domain.Alert, pol domain.Policy) error {
	existing, err := o.positions.GetOpen(ctx, alert.UserID, alert.Symbol, alert.Side)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trader: check open position: %w", err)
	}

	if pol.DuplicateAlertHandling != "replace" {
		return fmt.Errorf("trader: open %s position exists for %s: %w",
			existing.Side, alert.Symbol, domain.ErrDuplicatePosition)
	}

	if pol.RequireProfitForSameDirection {
		ticker, terr := o.ticker(ctx, ex, alert.Symbol)
		if terr != nil {
			return terr
		}
		if pct := unrealizedPct(&existing, ticker.Last); pct < pol.PnLThresholdPercent {
			return fmt.Errorf("trader: replace blocked, pnl %.2f%% below threshold %.2f%%: %w",
				pct, pol.PnLThresholdPercent, domain.ErrDuplicatePosition)
		}
	}

	// Replace: take the old position off the book before the new entry.
	CancelBrackets(ctx, ex, &existing, o.log)
	res, err := o.closer.Close(ctx, ex, existing.Symbol, existing.Side.HoldSide(), 0)
	if err != nil {
		return fmt.Errorf("trader: replace close: %w", err)
	}
	closePrice, err := ClosePriceFromFills(ctx, ex, existing.Symbol, existing.CreatedAt)
	if err != nil {
		return err
	}
	reason := domain.CloseManualProfit
	if existing.PnL(closePrice, res.ClosedQty) < 0 {
		reason = domain.CloseManualLoss
	}
	pnl := existing.PnL(closePrice, res.ClosedQty)
	if merr := o.positions.MarkClosed(ctx, existing.ID, reason, closePrice, pnl, time.Now().UTC()); merr != nil && !errors.Is(merr, domain.ErrPositionClosed) {
		return fmt.Errorf("trader: finalize replaced position: %w", merr)
	}
	return nil
}

// positionSize derives the entry quantity per the policy's sizing type,
// floor-rounded to contract precision.
func (o *Opener) positionSize(ctx context.Context, ex domain.Exchange, alert domain.Alert, pol domain.Policy, entry float64, leverage int, meta domain.ContractMeta) (float64, error) {
	var qty float64
	switch pol.PositionSizingType {
	case domain.SizingFixedUSDT:
		qty = pol.PositionSizeValue / entry
	case domain.SizingPercent:
		acct, err := ex.Account(ctx)
		if err != nil {
			return 0, fmt.Errorf("trader: account for percent sizing: %w", err)
		}
		qty = acct.Available * pol.PositionSizeValue / 100 * float64(leverage) / entry
	case domain.SizingScalping:
		slDist := math.Abs(entry - alert.SL)
		if alert.SL <= 0 || slDist == 0 {
			return 0, fmt.Errorf("trader: scalping sizing needs an alert stop loss")
		}
		qty = pol.MaxLossPerTrade / slDist
		if maxQty := pol.MaxMarginPerTrade * float64(leverage) / entry; qty > maxQty {
			qty = maxQty
		}
	default:
		return 0, fmt.Errorf("trader: unknown sizing type %q", pol.PositionSizingType)
	}

	qty = pricing.FloorSize(qty, meta.VolumePlaces)
	if qty < meta.MinQty {
		return 0, fmt.Errorf("trader: size %v below contract minimum %v for %s", qty, meta.MinQty, alert.Symbol)
	}
	return qty, nil
}

// placeBrackets fires the SL and every TP leg through the batch facility,
// retrying failed legs. A stop loss that cannot be placed forces an
// emergency close and a symbol ban; the position is never left naked.
func (o *Opener) placeBrackets(ctx context.Context, ex domain.Exchange, pos *domain.Position, plan pricing.Plan, holdSide domain.HoldSide) error {
	ops := []domain.BatchOp{{
		ID: "sl",
		Bracket: domain.BracketReq{
			Symbol:       pos.Symbol,
			PlanType:     domain.PlanPosLoss,
			HoldSide:     holdSide,
			TriggerPrice: plan.SLPrice,
			Size:         pos.Quantity,
		},
	}}
	for _, tp := range plan.TPs {
		ops = append(ops, domain.BatchOp{
			ID: "tp" + strconv.Itoa(tp.Level),
			Bracket: domain.BracketReq{
				Symbol:       pos.Symbol,
				PlanType:     domain.PlanNormal,
				HoldSide:     holdSide,
				TriggerPrice: tp.Price,
				Size:         tp.Size,
			},
		})
	}

	pending := ops
	for attempt := 0; attempt <= bracketRetries && len(pending) > 0; attempt++ {
		results := ex.Batch(ctx, pending)
		var failed []domain.BatchOp
		for _, op := range pending {
			res := results[op.ID]
			if res.Err != nil {
				o.log.Warn("bracket placement failed",
					slog.String("symbol", pos.Symbol),
					slog.String("leg", op.ID),
					slog.Int("attempt", attempt+1),
					slog.String("error", res.Err.Error()))
				failed = append(failed, op)
				continue
			}
			if op.ID == "sl" {
				pos.SLOrderID = res.OrderID
			} else {
				level := int(op.ID[2] - '0')
				pos.TPs[level-1].OrderID = res.OrderID
			}
		}
		pending = failed
	}

	for _, op := range pending {
		if op.ID != "sl" {
			continue
		}
		// No stop loss after all retries: flatten immediately and ban the
		// symbol so the next signal does not walk into the same failure.
		o.log.Error("stop loss unplaceable, emergency closing",
			slog.String("symbol", pos.Symbol),
			slog.String("user_id", pos.UserID))
		CancelBrackets(ctx, ex, pos, o.log)
		if _, cerr := o.closer.Close(ctx, ex, pos.Symbol, holdSide, pos.Quantity); cerr != nil {
			o.log.Error("emergency close after sl failure also failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", cerr.Error()))
		}
		if berr := o.banned.Ban(ctx, domain.BannedSymbol{
			UserID:   pos.UserID,
			Symbol:   pos.Symbol,
			Reason:   "stop loss placement failed",
			BannedAt: time.Now().UTC(),
		}); berr != nil {
			o.log.Error("symbol ban failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", berr.Error()))
		}
		if o.notifier != nil {
			o.notifier.Notify(ctx, "error", fmt.Sprintf(
				"%s %s: stop loss unplaceable, position emergency-closed and symbol banned",
				pos.UserID, pos.Symbol))
		}
		return fmt.Errorf("trader: stop loss placement failed for %s after %d retries", pos.Symbol, bracketRetries)
	}
	if len(pending) > 0 {
		// Only TP legs failed; the stop protects the position, so keep it
		// and let reconciliation recover the missing TPs from the snapshot.
		o.log.Warn("some take profits unplaced, reconciler will recover",
			slog.String("symbol", pos.Symbol),
			slog.Int("missing", len(pending)))
	}
	return nil
}

func (o *Opener) contractMeta(ctx context.Context, ex domain.Exchange, symbol string) (domain.ContractMeta, error) {
	if meta, err := o.contracts.Get(ctx, symbol); err == nil {
		return meta, nil
	}
	meta, err := ex.ContractMeta(ctx, symbol)
	if err != nil {
		return domain.ContractMeta{}, fmt.Errorf("trader: contract meta: %w", err)
	}
	if err := o.contracts.Set(ctx, meta); err != nil {
		o.log.Debug("contract cache set failed", slog.String("error", err.Error()))
	}
	return meta, nil
}

func (o *Opener) ticker(ctx context.Context, ex domain.Exchange, symbol string) (domain.Ticker, error) {
	if t, err := o.tickers.Get(ctx, symbol); err == nil {
		return t, nil
	}
	t, err := ex.Ticker(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("trader: ticker: %w", err)
	}
	if err := o.tickers.Set(ctx, t); err != nil {
		o.log.Debug("ticker cache set failed", slog.String("error", err.Error()))
	}
	return t, nil
}
