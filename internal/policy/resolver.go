// Package policy resolves the effective trading configuration for a user by
// layering the stored user record over the admin record and filling gaps
// with fixed defaults. Resolution happens once per signal; everything
// downstream works off the resolved Policy and never looks at the raw rows.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"perpbot/internal/domain"
)

// Resolver loads and merges user and admin settings rows.
type Resolver struct {
	settings domain.SettingsStore
	log      *slog.Logger
}

// NewResolver returns a Resolver reading from settings.
func NewResolver(settings domain.SettingsStore, log *slog.Logger) *Resolver {
	return &Resolver{settings: settings, log: log.With(slog.String("component", "policy"))}
}

// Resolve builds the effective policy for userID. Each of the three settings
// groups follows the admin record when the user's mode for that group is
// copy_admin, otherwise the user's own values apply. Fields that remain zero
// after the merge are filled from Defaults.
func (r *Resolver) Resolve(ctx context.Context, userID string) (domain.Policy, error) {
	user, err := r.settings.User(ctx, userID)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy: load user settings: %w", err)
	}

	needAdmin := user.MoneyMode == domain.ModeCopyAdmin ||
		user.SLTPMode == domain.ModeCopyAdmin ||
		user.TierMode == domain.ModeCopyAdmin

	var admin domain.UserSettings
	if needAdmin {
		admin, err = r.settings.Admin(ctx)
		if err != nil {
			return domain.Policy{}, fmt.Errorf("policy: load admin settings: %w", err)
		}
	}

	fields := user.PolicyFields
	if user.MoneyMode == domain.ModeCopyAdmin {
		copyMoneyGroup(&fields, admin.PolicyFields)
	}
	if user.SLTPMode == domain.ModeCopyAdmin {
		copySLTPGroup(&fields, admin.PolicyFields)
	}
	if user.TierMode == domain.ModeCopyAdmin {
		copyTierGroup(&fields, admin.PolicyFields)
	}
	applyDefaults(&fields)

	r.log.Debug("policy resolved",
		slog.String("user_id", userID),
		slog.String("money_mode", user.MoneyMode),
		slog.String("sl_tp_mode", user.SLTPMode),
		slog.String("tier_mode", user.TierMode))

	return domain.Policy{UserID: userID, PolicyFields: fields}, nil
}

// copyMoneyGroup overwrites the money-management fields of dst with the
// admin's. Leverage and fee handling travel with this group. BotActive stays
// the user's own regardless of mode.
func copyMoneyGroup(dst *domain.PolicyFields, admin domain.PolicyFields) {
	dst.PositionSizingType = admin.PositionSizingType
	dst.PositionSizeValue = admin.PositionSizeValue
	dst.MaxMarginPerTrade = admin.MaxMarginPerTrade
	dst.MaxLossPerTrade = admin.MaxLossPerTrade
	dst.SLPercentMin = admin.SLPercentMin
	dst.SLPercentMax = admin.SLPercentMax

	dst.MaxOpenPositions = admin.MaxOpenPositions
	dst.DailyLossLimit = admin.DailyLossLimit
	dst.DailyLossPercent = admin.DailyLossPercent
	dst.LossLimitType = admin.LossLimitType

	dst.DefaultLeverage = admin.DefaultLeverage
	dst.UseAlertLeverage = admin.UseAlertLeverage
	dst.UseMaxLeverageGlobal = admin.UseMaxLeverageGlobal
	dst.SymbolLeverageOverrides = admin.SymbolLeverageOverrides
	dst.CategorySettings = admin.CategorySettings

	dst.TakerFeeRate = admin.TakerFeeRate
	dst.IncludeFeesInCalculations = admin.IncludeFeesInCalculations
}

// copySLTPGroup overwrites the SL/TP shaping fields of dst with the admin's.
func copySLTPGroup(dst *domain.PolicyFields, admin domain.PolicyFields) {
	dst.CalculatorType = admin.CalculatorType
	dst.SLMethod = admin.SLMethod
	dst.SimpleSLPercent = admin.SimpleSLPercent
	dst.SimpleTPPercent = admin.SimpleTPPercent
	dst.SimpleTP2Percent = admin.SimpleTP2Percent
	dst.SimpleTP3Percent = admin.SimpleTP3Percent
	dst.RRRatio = admin.RRRatio
	dst.RRSLPercentMargin = admin.RRSLPercentMargin
	dst.TP1RRRatio = admin.TP1RRRatio
	dst.TP2RRRatio = admin.TP2RRRatio
	dst.TP3RRRatio = admin.TP3RRRatio
	dst.ATRSLMultiplier = admin.ATRSLMultiplier
	dst.ATRTPMultiplier = admin.ATRTPMultiplier
	dst.ATRTP2Multiplier = admin.ATRTP2Multiplier
	dst.ATRTP3Multiplier = admin.ATRTP3Multiplier

	dst.TPStrategy = admin.TPStrategy
	dst.TPLevels = admin.TPLevels
	dst.TP1ClosePercent = admin.TP1ClosePercent
	dst.TP2ClosePercent = admin.TP2ClosePercent
	dst.TP3ClosePercent = admin.TP3ClosePercent

	dst.SLToBreakeven = admin.SLToBreakeven
	dst.BreakevenTriggerTP = admin.BreakevenTriggerTP
	dst.TrailingStop = admin.TrailingStop
	dst.TrailingStopTriggerTP = admin.TrailingStopTriggerTP
	dst.TrailingStopDistance = admin.TrailingStopDistance

	dst.MinProfitableTPPercent = admin.MinProfitableTPPercent
	dst.FeeAwareBreakeven = admin.FeeAwareBreakeven
}

// copyTierGroup overwrites the signal-filter fields of dst with the admin's.
// The user's timezone stays their own so time windows keep local meaning.
func copyTierGroup(dst *domain.PolicyFields, admin domain.PolicyFields) {
	dst.FilterByTier = admin.FilterByTier
	dst.AllowedTiers = admin.AllowedTiers
	dst.ExcludedTiers = admin.ExcludedTiers
	dst.AlertStrengthThreshold = admin.AlertStrengthThreshold
	dst.MinSignalStrengthEnabled = admin.MinSignalStrengthEnabled
	dst.MinSignalStrengthThreshold = admin.MinSignalStrengthThreshold

	dst.DuplicateAlertHandling = admin.DuplicateAlertHandling
	dst.RequireProfitForSameDirection = admin.RequireProfitForSameDirection
	dst.PnLThresholdPercent = admin.PnLThresholdPercent

	dst.IndicatorVersionFilter = admin.IndicatorVersionFilter
	dst.SessionFilteringEnabled = admin.SessionFilteringEnabled
	dst.AllowedSessions = admin.AllowedSessions
	dst.ExcludedSessions = admin.ExcludedSessions
	dst.TimeFilteringEnabled = admin.TimeFilteringEnabled
	dst.ActiveTimeRanges = admin.ActiveTimeRanges
}

// applyDefaults fills any field still at its zero value after the merge.
func applyDefaults(f *domain.PolicyFields) {
	if f.PositionSizingType == "" {
		f.PositionSizingType = domain.SizingFixedUSDT
	}
	if f.PositionSizeValue <= 0 {
		f.PositionSizeValue = 100
	}
	if f.MaxMarginPerTrade <= 0 {
		f.MaxMarginPerTrade = 100
	}
	if f.MaxLossPerTrade <= 0 {
		f.MaxLossPerTrade = 50
	}
	if f.SLPercentMin <= 0 {
		f.SLPercentMin = 0.5
	}
	if f.SLPercentMax <= 0 {
		f.SLPercentMax = 15
	}

	if f.CalculatorType == "" {
		f.CalculatorType = domain.CalcSimplePercent
	}
	if f.SLMethod == "" {
		f.SLMethod = domain.SLPercentEntry
	}
	if f.SimpleSLPercent <= 0 {
		f.SimpleSLPercent = 2
	}
	if f.SimpleTPPercent <= 0 {
		f.SimpleTPPercent = 2
	}
	if f.SimpleTP2Percent <= 0 {
		f.SimpleTP2Percent = 4
	}
	if f.SimpleTP3Percent <= 0 {
		f.SimpleTP3Percent = 6
	}
	if f.RRRatio <= 0 {
		f.RRRatio = 2
	}
	if f.RRSLPercentMargin <= 0 {
		f.RRSLPercentMargin = 2
	}
	if f.TP1RRRatio <= 0 {
		f.TP1RRRatio = 1
	}
	if f.TP2RRRatio <= 0 {
		f.TP2RRRatio = 2
	}
	if f.TP3RRRatio <= 0 {
		f.TP3RRRatio = 3
	}
	if f.ATRSLMultiplier <= 0 {
		f.ATRSLMultiplier = 1.5
	}
	if f.ATRTPMultiplier <= 0 {
		f.ATRTPMultiplier = 2
	}
	if f.ATRTP2Multiplier <= 0 {
		f.ATRTP2Multiplier = 3.5
	}
	if f.ATRTP3Multiplier <= 0 {
		f.ATRTP3Multiplier = 5
	}

	if f.TPStrategy == "" {
		f.TPStrategy = domain.TPPartialClose
	}
	if f.TPLevels <= 0 || f.TPLevels > 3 {
		f.TPLevels = 3
	}
	if f.TP1ClosePercent <= 0 {
		f.TP1ClosePercent = 50
	}
	if f.TP2ClosePercent <= 0 {
		f.TP2ClosePercent = 30
	}
	if f.TP3ClosePercent <= 0 {
		f.TP3ClosePercent = 20
	}
	if f.BreakevenTriggerTP <= 0 {
		f.BreakevenTriggerTP = 1
	}

	if f.MaxOpenPositions <= 0 {
		f.MaxOpenPositions = 5
	}
	if f.LossLimitType == "" {
		f.LossLimitType = "fixed"
	}

	if f.DefaultLeverage <= 0 {
		f.DefaultLeverage = 10
	}
	if f.TakerFeeRate <= 0 {
		f.TakerFeeRate = 0.0006
	}
	if f.DuplicateAlertHandling == "" {
		f.DuplicateAlertHandling = "ignore"
	}
	if f.UserTimezone == "" {
		f.UserTimezone = "UTC"
	}
}

// EffectiveLeverage computes the leverage for one trade. Precedence: the
// per-symbol override beats everything; otherwise the alert's leverage (when
// the policy accepts it) beats the default; use_max_leverage_global lifts the
// base to the contract maximum. Category caps and the contract maximum then
// clamp the result, whatever produced it. A disabled category row never
// caps; it blocks new entries instead (see CategoryEnabled).
func EffectiveLeverage(p domain.Policy, symbol string, alertLeverage int, meta domain.ContractMeta) int {
	lev := p.DefaultLeverage
	if p.UseMaxLeverageGlobal && meta.MaxLeverage > 0 {
		lev = meta.MaxLeverage
	}
	if p.UseAlertLeverage && alertLeverage > 0 {
		lev = alertLeverage
	}
	if o, ok := p.SymbolLeverageOverrides[symbol]; ok && o > 0 {
		lev = o
	}

	if cs, ok := p.CategorySettings[domain.CategoryOf(symbol)]; ok && cs.Enabled && cs.MaxLeverage > 0 && lev > cs.MaxLeverage {
		lev = cs.MaxLeverage
	}
	if meta.MaxLeverage > 0 && lev > meta.MaxLeverage {
		lev = meta.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// CategoryEnabled reports whether trading the symbol's category is allowed.
// A category with an explicit disabled override blocks new entries.
func CategoryEnabled(p domain.Policy, symbol string) bool {
	cs, ok := p.CategorySettings[domain.CategoryOf(symbol)]
	if !ok {
		return true
	}
	return cs.Enabled
}
