// Package dispatch fans one external signal out to every active user,
// applies each user's signal filters, and hands survivors to the position
// opener. Users run in parallel under a hard cap; within one user the
// pipeline is strictly sequential.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"perpbot/internal/domain"
)

// Opener executes one accepted alert for one user. Implemented by the
// trader package.
type Opener interface {
	Open(ctx context.Context, alert domain.Alert, pol domain.Policy) (*domain.Position, error)
}

// PolicyResolver builds the effective policy for a user.
type PolicyResolver interface {
	Resolve(ctx context.Context, userID string) (domain.Policy, error)
}

// EquitySource reports a user's current account equity; the percent variant
// of the daily loss gate measures realized losses against it.
type EquitySource interface {
	Equity(ctx context.Context, userID string) (float64, error)
}

// ExchangeEquity adapts an ExchangeFactory into an EquitySource.
type ExchangeEquity struct {
	Factory domain.ExchangeFactory
}

func (e ExchangeEquity) Equity(ctx context.Context, userID string) (float64, error) {
	ex, err := e.Factory.ForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	acct, err := ex.Account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.Equity, nil
}

// Signal is the normalized webhook payload before per-user fan-out.
type Signal struct {
	Symbol           string
	Side             domain.Side
	EntryPrice       float64
	SL               float64
	TP1              float64
	TP2              float64
	TP3              float64
	MainTP           float64
	ATR              float64
	Leverage         int
	Strength         float64
	Tier             string
	Mode             string
	IndicatorVersion string
	Session          string
	TVTime           time.Time
	Raw              []byte
	IsTest           bool
}

// Summary is the per-dispatch outcome tally.
type Summary struct {
	Executed int `json:"executed"`
	Ignored  int `json:"ignored"`
	Errors   int `json:"errors"`
}

// Dispatcher routes signals to users.
type Dispatcher struct {
	settings    domain.SettingsStore
	alerts      domain.AlertStore
	positions   domain.PositionStore
	banned      domain.BannedSymbolStore
	metrics     domain.MetricsStore
	resolver    PolicyResolver
	opener      Opener
	equity      EquitySource
	maxInFlight int
	log         *slog.Logger
}

// New builds a Dispatcher. maxInFlight caps the cross-user fan-out.
func New(
	settings domain.SettingsStore,
	alerts domain.AlertStore,
	positions domain.PositionStore,
	banned domain.BannedSymbolStore,
	metrics domain.MetricsStore,
	resolver PolicyResolver,
	opener Opener,
	equity EquitySource,
	maxInFlight int,
	log *slog.Logger,
) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	return &Dispatcher{
		settings:    settings,
		alerts:      alerts,
		positions:   positions,
		banned:      banned,
		metrics:     metrics,
		resolver:    resolver,
		opener:      opener,
		equity:      equity,
		maxInFlight: maxInFlight,
		log:         log.With(slog.String("component", "dispatch")),
	}
}

// Dispatch fans sig out across the active user set and returns the outcome
// tally. Per-user failures never abort the rest of the fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, sig Signal) (Summary, error) {
	sig.Symbol = NormalizeSymbol(sig.Symbol)
	received := time.Now().UTC()

	userIDs, err := d.settings.ActiveUserIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("dispatch: list active users: %w", err)
	}

	d.log.Info("dispatching signal",
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
		slog.Int("users", len(userIDs)))

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxInFlight)
	for _, userID := range userIDs {
		g.Go(func() error {
			outcome := d.dispatchOne(gctx, userID, sig, received)
			mu.Lock()
			switch outcome {
			case domain.AlertExecuted:
				sum.Executed++
			case domain.AlertError:
				sum.Errors++
			default:
				sum.Ignored++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers report outcomes, never errors

	d.log.Info("dispatch complete",
		slog.String("symbol", sig.Symbol),
		slog.Int("executed", sum.Executed),
		slog.Int("ignored", sum.Ignored),
		slog.Int("errors", sum.Errors))
	return sum, nil
}

// dispatchOne runs the full per-user pipeline and returns the alert's final
// status.
func (d *Dispatcher) dispatchOne(ctx context.Context, userID string, sig Signal, received time.Time) domain.AlertStatus {
	alert := domain.Alert{
		ID:               uuid.New().String(),
		UserID:           userID,
		Symbol:           sig.Symbol,
		Side:             sig.Side,
		EntryPrice:       sig.EntryPrice,
		SL:               sig.SL,
		TP1:              sig.TP1,
		TP2:              sig.TP2,
		TP3:              sig.TP3,
		MainTP:           sig.MainTP,
		ATR:              sig.ATR,
		Leverage:         sig.Leverage,
		Strength:         sig.Strength,
		Tier:             sig.Tier,
		Mode:             sig.Mode,
		IndicatorVersion: sig.IndicatorVersion,
		Session:          sig.Session,
		Raw:              sig.Raw,
		TVTime:           sig.TVTime,
		ReceivedAt:       received,
		Status:           domain.AlertPending,
		IsTest:           sig.IsTest,
	}
	alert.ComputeLatencies()

	if err := d.alerts.Create(ctx, alert); err != nil {
		d.log.Error("alert insert failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return domain.AlertError
	}

	pol, err := d.resolver.Resolve(ctx, userID)
	if err != nil {
		return d.fail(ctx, alert, fmt.Errorf("resolve policy: %w", err))
	}
	if !pol.BotActive {
		return d.ignore(ctx, alert, "bot disabled")
	}

	if reason := checkFilters(alert, pol, received); reason != "" {
		return d.ignore(ctx, alert, reason)
	}
	if reason, err := d.checkLimits(ctx, alert, pol); err != nil {
		return d.fail(ctx, alert, err)
	} else if reason != "" {
		return d.ignore(ctx, alert, reason)
	}

	pos, err := d.opener.Open(ctx, alert, pol)
	if errors.Is(err, domain.ErrDuplicatePosition) || errors.Is(err, domain.ErrSymbolBanned) {
		return d.ignore(ctx, alert, err.Error())
	}
	if err != nil {
		return d.fail(ctx, alert, err)
	}

	now := time.Now().UTC()
	alert.ExecutedAt = &now
	if err := d.alerts.SetStatus(ctx, alert.ID, domain.AlertExecuted, "", &now); err != nil {
		d.log.Error("alert status update failed",
			slog.String("alert_id", alert.ID),
			slog.String("error", err.Error()))
	}
	d.log.Info("signal executed",
		slog.String("user_id", userID),
		slog.String("symbol", alert.Symbol),
		slog.String("position_id", pos.ID),
		slog.Float64("quantity", pos.Quantity))
	return domain.AlertExecuted
}

// checkLimits applies the account-level gates that sit between the signal
// filters and the opener: symbol bans, the open-position cap, and the daily
// loss limit.
func (d *Dispatcher) checkLimits(ctx context.Context, a domain.Alert, p domain.Policy) (string, error) {
	now := time.Now().UTC()

	bannedNow, err := d.banned.IsBanned(ctx, a.UserID, a.Symbol, now)
	if err != nil {
		return "", fmt.Errorf("dispatch: check symbol ban: %w", err)
	}
	if bannedNow {
		return fmt.Sprintf("symbol %s is banned", a.Symbol), nil
	}

	if p.MaxOpenPositions > 0 {
		n, err := d.positions.CountOpenByUser(ctx, a.UserID)
		if err != nil {
			return "", fmt.Errorf("dispatch: count open positions: %w", err)
		}
		if n >= p.MaxOpenPositions {
			return fmt.Sprintf("open position cap reached (%d)", p.MaxOpenPositions), nil
		}
	}

	if p.LossLimitType == "percent" {
		if p.DailyLossPercent > 0 && d.equity != nil {
			realized, err := d.metrics.DailyRealized(ctx, a.UserID, now)
			if err != nil {
				return "", fmt.Errorf("dispatch: daily pnl: %w", err)
			}
			if realized < 0 {
				eq, err := d.equity.Equity(ctx, a.UserID)
				if err != nil {
					return "", fmt.Errorf("dispatch: account equity: %w", err)
				}
				if eq > 0 && -realized >= eq*p.DailyLossPercent/100 {
					return fmt.Sprintf("daily loss exceeds %.1f%% of equity", p.DailyLossPercent), nil
				}
			}
		}
	} else if p.DailyLossLimit > 0 {
		realized, err := d.metrics.DailyRealized(ctx, a.UserID, now)
		if err != nil {
			return "", fmt.Errorf("dispatch: daily pnl: %w", err)
		}
		if realized <= -p.DailyLossLimit {
			return fmt.Sprintf("daily loss limit hit (%.2f)", realized), nil
		}
	}
	return "", nil
}

func (d *Dispatcher) ignore(ctx context.Context, a domain.Alert, reason string) domain.AlertStatus {
	if err := d.alerts.SetStatus(ctx, a.ID, domain.AlertIgnored, reason, nil); err != nil {
		d.log.Error("alert status update failed",
			slog.String("alert_id", a.ID),
			slog.String("error", err.Error()))
	}
	d.log.Debug("signal ignored",
		slog.String("user_id", a.UserID),
		slog.String("symbol", a.Symbol),
		slog.String("reason", reason))
	return domain.AlertIgnored
}

func (d *Dispatcher) fail(ctx context.Context, a domain.Alert, err error) domain.AlertStatus {
	if serr := d.alerts.SetStatus(ctx, a.ID, domain.AlertError, err.Error(), nil); serr != nil {
		d.log.Error("alert status update failed",
			slog.String("alert_id", a.ID),
			slog.String("error", serr.Error()))
	}
	d.log.Error("signal failed",
		slog.String("user_id", a.UserID),
		slog.String("symbol", a.Symbol),
		slog.String("error", err.Error()))
	return domain.AlertError
}
