package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perpbot/internal/domain"
)

// Emergency flattens a user's whole book on demand. The bot flag drops
// first so no new entry races the shutdown.
type Emergency struct {
	factory   domain.ExchangeFactory
	positions domain.PositionStore
	settings  domain.SettingsStore
	metrics   domain.MetricsStore
	closer    *Closer
	notifier  Notifier
	log       *slog.Logger
}

// NewEmergency builds an Emergency controller.
func NewEmergency(
	factory domain.ExchangeFactory,
	positions domain.PositionStore,
	settings domain.SettingsStore,
	metrics domain.MetricsStore,
	closer *Closer,
	notifier Notifier,
	log *slog.Logger,
) *Emergency {
	return &Emergency{
		factory:   factory,
		positions: positions,
		settings:  settings,
		metrics:   metrics,
		closer:    closer,
		notifier:  notifier,
		log:       log.With(slog.String("component", "emergency")),
	}
}

// ShutdownReport tallies the per-symbol outcome of a shutdown.
type ShutdownReport struct {
	Closed []string          `json:"closed"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Shutdown disables the user's bot and closes every open position with the
// verified-close ladder. Safe to call repeatedly: already-closed rows are
// skipped.
func (e *Emergency) Shutdown(ctx context.Context, userID string) (ShutdownReport, error) {
	report := ShutdownReport{Failed: map[string]string{}}

	if err := e.settings.SetBotActive(ctx, userID, false); err != nil {
		return report, fmt.Errorf("emergency: disable bot: %w", err)
	}

	open, err := e.positions.ListOpenByUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("emergency: list open positions: %w", err)
	}
	if len(open) == 0 {
		e.log.Info("emergency shutdown with empty book", slog.String("user_id", userID))
		return report, nil
	}

	ex, err := e.factory.ForUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("emergency: build exchange: %w", err)
	}

	for i := range open {
		pos := &open[i]
		if err := e.closeOne(ctx, ex, pos); err != nil {
			report.Failed[pos.Symbol] = err.Error()
			e.log.Error("emergency close failed",
				slog.String("user_id", userID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
			continue
		}
		report.Closed = append(report.Closed, pos.Symbol)
	}

	e.log.Info("emergency shutdown complete",
		slog.String("user_id", userID),
		slog.Int("closed", len(report.Closed)),
		slog.Int("failed", len(report.Failed)))
	if e.notifier != nil {
		e.notifier.Notify(ctx, "emergency_shutdown", fmt.Sprintf(
			"%s: emergency shutdown, %d closed, %d failed",
			userID, len(report.Closed), len(report.Failed)))
	}
	return report, nil
}

func (e *Emergency) closeOne(ctx context.Context, ex domain.Exchange, pos *domain.Position) error {
	CancelBrackets(ctx, ex, pos, e.log)

	res, err := e.closer.Close(ctx, ex, pos.Symbol, pos.Side.HoldSide(), 0)
	if err != nil {
		return err
	}

	closePrice, err := ClosePriceFromFills(ctx, ex, pos.Symbol, pos.CreatedAt)
	if err != nil {
		return err
	}
	qty := res.ClosedQty
	if qty == 0 {
		qty = pos.Quantity
	}
	pnl := pos.PnL(closePrice, qty)

	now := time.Now().UTC()
	if err := e.positions.MarkClosed(ctx, pos.ID, domain.CloseEmergency, closePrice, pnl, now); err != nil {
		if errors.Is(err, domain.ErrPositionClosed) {
			return nil
		}
		return fmt.Errorf("finalize: %w", err)
	}
	if err := e.metrics.AddRealized(ctx, pos.UserID, now, pnl); err != nil {
		e.log.Warn("metrics update failed",
			slog.String("user_id", pos.UserID),
			slog.String("error", err.Error()))
	}
	return nil
}
