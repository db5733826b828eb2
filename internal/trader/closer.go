package trader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/pricing"
)

// Retry and verification parameters for the close ladder.
const (
	closeAttempts      = 3
	closeSettleDelay   = 500 * time.Millisecond
	closeMinDropFactor = 0.99 // post-close quantity must drop by at least 1%
	limitThroughBook   = 0.001
)

// Closer executes verified closes: every closure the engine initiates is
// confirmed against the exchange-reported quantity before it counts.
type Closer struct {
	log *slog.Logger
}

// NewCloser returns a Closer.
func NewCloser(log *slog.Logger) *Closer {
	return &Closer{log: log.With(slog.String("component", "closer"))}
}

// CloseResult reports what a verified close achieved.
type CloseResult struct {
	ClosedQty float64 // quantity actually removed
	Remaining float64 // exchange-reported quantity after the ladder
}

// Close removes qty (or the whole position when qty <= 0) from the live
// position on symbol. The ladder runs market closes, then flash close, then
// a reduce-only limit priced through the book. Success at each rung means
// the re-read quantity dropped by at least 1 percent.
func (c *Closer) Close(ctx context.Context, ex domain.Exchange, symbol string, holdSide domain.HoldSide, qty float64) (CloseResult, error) {
	before, err := c.liveQty(ctx, ex, symbol)
	if err != nil {
		return CloseResult{}, fmt.Errorf("trader: read quantity before close: %w", err)
	}
	if before == 0 {
		return CloseResult{}, nil
	}
	if qty <= 0 || qty > before {
		qty = before
	}

	side := domain.CloseSideFor(holdSide)

	for attempt := 1; attempt <= closeAttempts; attempt++ {
		if _, err := ex.PlaceMarket(ctx, symbol, side, qty, true); err != nil {
			c.log.Warn("market close attempt failed",
				slog.String("symbol", symbol),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		time.Sleep(closeSettleDelay)
		after, err := c.liveQty(ctx, ex, symbol)
		if err == nil && after <= before*closeMinDropFactor {
			return CloseResult{ClosedQty: before - after, Remaining: after}, nil
		}
	}

	if executed, err := ex.FlashClose(ctx, symbol, holdSide, qty); err != nil {
		c.log.Warn("flash close failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
	} else if executed {
		time.Sleep(closeSettleDelay)
		if after, err := c.liveQty(ctx, ex, symbol); err == nil && after <= before*closeMinDropFactor {
			return CloseResult{ClosedQty: before - after, Remaining: after}, nil
		}
	}

	// Last resort: a reduce-only limit priced 0.1% through the book so it
	// fills immediately without the market-order path.
	ticker, err := ex.Ticker(ctx, symbol)
	if err != nil {
		return CloseResult{Remaining: before}, fmt.Errorf("trader: close ladder exhausted, ticker unavailable: %w", err)
	}
	price := ticker.Bid * (1 - limitThroughBook)
	if holdSide == domain.HoldShort {
		price = ticker.Ask * (1 + limitThroughBook)
	}
	if _, err := ex.PlaceMarketLimit(ctx, symbol, side, qty, price, true); err != nil {
		return CloseResult{Remaining: before}, fmt.Errorf("trader: limit close: %w", err)
	}
	time.Sleep(closeSettleDelay)
	after, err := c.liveQty(ctx, ex, symbol)
	if err == nil && after <= before*closeMinDropFactor {
		return CloseResult{ClosedQty: before - after, Remaining: after}, nil
	}
	return CloseResult{Remaining: before}, fmt.Errorf("trader: close unverified for %s, quantity did not drop", symbol)
}

func (c *Closer) liveQty(ctx context.Context, ex domain.Exchange, symbol string) (float64, error) {
	pos, err := ex.Position(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if pos == nil {
		return 0, nil
	}
	return pos.Total, nil
}

// ClosePriceFromFills returns the volume-weighted close price from the
// close-side fills after since, falling back to the ticker when no fill is
// retrievable.
func ClosePriceFromFills(ctx context.Context, ex domain.Exchange, symbol string, since time.Time) (float64, error) {
	fills, err := ex.FillHistory(ctx, symbol, since, time.Time{}, 100)
	if err == nil {
		var notional, volume float64
		for _, f := range fills {
			if !f.TradeSide.IsClose() || f.Time.Before(since) {
				continue
			}
			notional += f.Price * f.Size
			volume += f.Size
		}
		if volume > 0 {
			return notional / volume, nil
		}
	}
	ticker, terr := ex.Ticker(ctx, symbol)
	if terr != nil {
		return 0, fmt.Errorf("trader: close price unavailable: %w", terr)
	}
	return ticker.Last, nil
}

// CancelBrackets cancels every live plan order attached to pos, ignoring
// orders that already left the book.
func CancelBrackets(ctx context.Context, ex domain.Exchange, pos *domain.Position, log *slog.Logger) {
	cancel := func(orderID string, planType domain.PlanType) {
		if orderID == "" {
			return
		}
		if err := ex.CancelPlan(ctx, pos.Symbol, orderID, planType); err != nil {
			log.Debug("bracket cancel failed",
				slog.String("symbol", pos.Symbol),
				slog.String("order_id", orderID),
				slog.String("error", err.Error()))
		}
	}
	cancel(pos.SLOrderID, domain.PlanPosLoss)
	for i := 0; i < pos.TPLevels && i < 3; i++ {
		if !pos.TPs[i].Filled {
			cancel(pos.TPs[i].OrderID, domain.PlanNormal)
		}
	}
}

// unrealizedPct returns the open PnL of pos at price as a percent of entry.
func unrealizedPct(pos *domain.Position, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	pct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == domain.SideSell {
		pct = -pct
	}
	return pct
}

// CloseReasonFor derives the close reason when the engine did not itself
// trigger the closure: the highest filled TP wins, then price comparison
// against the bracket levels with 0.5% tolerance, then a manual catch-all
// signed by PnL.
func CloseReasonFor(pos *domain.Position, closePrice float64) domain.CloseReason {
	if h := pos.HighestFilledTP(); h > 0 {
		return tpReason(h)
	}

	const tol = 0.005
	near := func(level float64) bool {
		return level > 0 && closePrice >= level*(1-tol) && closePrice <= level*(1+tol)
	}
	if pos.SLPrice > 0 && (near(pos.SLPrice) || pricing.LevelPassed(pos.Side, closePrice, pos.SLPrice, true)) {
		return domain.CloseSLHit
	}
	for i := min(pos.TPLevels, 3) - 1; i >= 0; i-- {
		level := pos.TPs[i].Price
		if level > 0 && (near(level) || pricing.LevelPassed(pos.Side, closePrice, level, false)) {
			return tpReason(i + 1)
		}
	}
	if pos.PnL(closePrice, 1) >= 0 {
		return domain.CloseManualProfit
	}
	return domain.CloseManualLoss
}

func tpReason(level int) domain.CloseReason {
	switch level {
	case 1:
		return domain.CloseTP1
	case 2:
		return domain.CloseTP2
	default:
		return domain.CloseTP3
	}
}
