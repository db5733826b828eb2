package domain

import "strings"

// Position sizing strategies.
const (
	SizingFixedUSDT = "fixed_usdt"
	SizingPercent   = "percent"
	SizingScalping  = "scalping_mode"
)

// TP price calculators.
const (
	CalcSimplePercent = "simple_percent"
	CalcRiskReward    = "risk_reward"
	CalcATRBased      = "atr_based"
)

// SL placement methods.
const (
	SLPercentMargin = "percent_margin"
	SLPercentEntry  = "percent_entry"
	SLFixedUSDT     = "fixed_usdt"
	SLATRBased      = "atr_based"
)

// TP strategies.
const (
	TPPartialClose = "partial_close"
	TPMainOnly     = "main_tp_only"
	TPTrailing     = "trailing_stop"
)

// Settings-group modes on the user record.
const (
	ModeCustom    = "custom"
	ModeCopyAdmin = "copy_admin"
)

// SymbolCategory buckets symbols for per-category overrides.
type SymbolCategory string

const (
	CategoryBTCETH  SymbolCategory = "BTC_ETH"
	CategoryMajor   SymbolCategory = "MAJOR"
	CategoryAltcoin SymbolCategory = "ALTCOIN"
)

// majorBases are the non-BTC/ETH symbols treated as majors.
var majorBases = map[string]bool{
	"SOL": true, "BNB": true, "XRP": true, "ADA": true, "DOGE": true,
	"AVAX": true, "DOT": true, "LINK": true, "LTC": true, "MATIC": true,
}

// CategoryOf classifies a normalized symbol like "BTCUSDT".
func CategoryOf(symbol string) SymbolCategory {
	base := strings.TrimSuffix(strings.ToUpper(symbol), "USDT")
	switch base {
	case "BTC", "ETH":
		return CategoryBTCETH
	}
	if majorBases[base] {
		return CategoryMajor
	}
	return CategoryAltcoin
}

// TimeRange is a wall-clock window in the user's timezone. Ranges where End
// is before Start span midnight.
type TimeRange struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

// CategorySettings narrows policy per symbol category. Enabled gates new
// entries for the category; MaxLeverage caps leverage when positive.
type CategorySettings struct {
	Enabled     bool `json:"enabled"`
	MaxLeverage int  `json:"max_leverage"`
}

// PolicyFields is the flat set of trading options shared by the stored user
// and admin records and by the resolved effective policy.
type PolicyFields struct {
	BotActive bool `json:"bot_active"`

	// Money management.
	PositionSizingType string  `json:"position_sizing_type"`
	PositionSizeValue  float64 `json:"position_size_value"`
	MaxMarginPerTrade  float64 `json:"max_margin_per_trade"`
	MaxLossPerTrade    float64 `json:"max_loss_per_trade"`
	SLPercentMin       float64 `json:"sl_percent_min"`
	SLPercentMax       float64 `json:"sl_percent_max"`

	// SL / TP shaping.
	CalculatorType    string  `json:"calculator_type"`
	SLMethod          string  `json:"sl_method"`
	SimpleSLPercent   float64 `json:"simple_sl_percent"`
	SimpleTPPercent   float64 `json:"simple_tp_percent"`
	SimpleTP2Percent  float64 `json:"simple_tp2_percent"`
	SimpleTP3Percent  float64 `json:"simple_tp3_percent"`
	RRRatio           float64 `json:"rr_ratio"`
	RRSLPercentMargin float64 `json:"rr_sl_percent_margin"`
	TP1RRRatio        float64 `json:"tp1_rr_ratio"`
	TP2RRRatio        float64 `json:"tp2_rr_ratio"`
	TP3RRRatio        float64 `json:"tp3_rr_ratio"`
	ATRSLMultiplier   float64 `json:"atr_sl_multiplier"`
	ATRTPMultiplier   float64 `json:"atr_tp_multiplier"`
	ATRTP2Multiplier  float64 `json:"atr_tp2_multiplier"`
	ATRTP3Multiplier  float64 `json:"atr_tp3_multiplier"`

	TPStrategy      string  `json:"tp_strategy"`
	TPLevels        int     `json:"tp_levels"`
	TP1ClosePercent float64 `json:"tp1_close_percent"`
	TP2ClosePercent float64 `json:"tp2_close_percent"`
	TP3ClosePercent float64 `json:"tp3_close_percent"`

	SLToBreakeven      bool `json:"sl_to_breakeven"`
	BreakevenTriggerTP int  `json:"breakeven_trigger_tp"`

	TrailingStop          bool    `json:"trailing_stop"`
	TrailingStopTriggerTP int     `json:"trailing_stop_trigger_tp"`
	TrailingStopDistance  float64 `json:"trailing_stop_distance"`

	// Exposure limits.
	MaxOpenPositions int     `json:"max_open_positions"`
	DailyLossLimit   float64 `json:"daily_loss_limit"`
	DailyLossPercent float64 `json:"daily_loss_percent"`
	LossLimitType    string  `json:"loss_limit_type"`

	// Leverage.
	DefaultLeverage         int            `json:"default_leverage"`
	UseAlertLeverage        bool           `json:"use_alert_leverage"`
	UseMaxLeverageGlobal    bool           `json:"use_max_leverage_global"`
	SymbolLeverageOverrides map[string]int `json:"symbol_leverage_overrides"`

	// Signal filters.
	FilterByTier               bool     `json:"filter_by_tier"`
	AllowedTiers               []string `json:"allowed_tiers"`
	ExcludedTiers              []string `json:"excluded_tiers"`
	AlertStrengthThreshold     float64  `json:"alert_strength_threshold"`
	MinSignalStrengthEnabled   bool     `json:"min_signal_strength_enabled"`
	MinSignalStrengthThreshold float64  `json:"min_signal_strength_threshold"`

	DuplicateAlertHandling        string  `json:"duplicate_alert_handling"`
	RequireProfitForSameDirection bool    `json:"require_profit_for_same_direction"`
	PnLThresholdPercent           float64 `json:"pnl_threshold_percent"`

	// Fees.
	TakerFeeRate              float64 `json:"taker_fee_rate"`
	IncludeFeesInCalculations bool    `json:"include_fees_in_calculations"`
	MinProfitableTPPercent    float64 `json:"min_profitable_tp_percent"`
	FeeAwareBreakeven         bool    `json:"fee_aware_breakeven"`

	// Session / time filters.
	IndicatorVersionFilter  []string    `json:"indicator_version_filter"`
	SessionFilteringEnabled bool        `json:"session_filtering_enabled"`
	AllowedSessions         []string    `json:"allowed_sessions"`
	ExcludedSessions        []string    `json:"excluded_sessions"`
	TimeFilteringEnabled    bool        `json:"time_filtering_enabled"`
	ActiveTimeRanges        []TimeRange `json:"active_time_ranges"`
	UserTimezone            string      `json:"user_timezone"`

	CategorySettings map[SymbolCategory]CategorySettings `json:"category_settings"`
}

// UserSettings is the stored per-user record. The three mode fields select,
// per settings group, whether the user's own values or the admin's apply.
type UserSettings struct {
	UserID   string
	MoneyMode string
	SLTPMode  string
	TierMode  string
	PolicyFields
}

// Policy is the effective, fully resolved configuration one user trades
// under. Downstream components never see where a field came from.
type Policy struct {
	UserID string
	PolicyFields
}

// SettingsSnapshot freezes every pricing-relevant policy field into a
// position at open time. Reconciliation recomputes expected brackets from
// this, never from the live policy.
type SettingsSnapshot struct {
	PositionSizingType string  `json:"position_sizing_type"`
	MaxMarginPerTrade  float64 `json:"max_margin_per_trade"`
	MaxLossPerTrade    float64 `json:"max_loss_per_trade"`
	SLPercentMin       float64 `json:"sl_percent_min"`
	SLPercentMax       float64 `json:"sl_percent_max"`

	CalculatorType    string  `json:"calculator_type"`
	SLMethod          string  `json:"sl_method"`
	SimpleSLPercent   float64 `json:"simple_sl_percent"`
	SimpleTPPercent   float64 `json:"simple_tp_percent"`
	SimpleTP2Percent  float64 `json:"simple_tp2_percent"`
	SimpleTP3Percent  float64 `json:"simple_tp3_percent"`
	RRSLPercentMargin float64 `json:"rr_sl_percent_margin"`
	TP1RRRatio        float64 `json:"tp1_rr_ratio"`
	TP2RRRatio        float64 `json:"tp2_rr_ratio"`
	TP3RRRatio        float64 `json:"tp3_rr_ratio"`
	ATRSLMultiplier   float64 `json:"atr_sl_multiplier"`
	ATRTPMultiplier   float64 `json:"atr_tp_multiplier"`
	ATRTP2Multiplier  float64 `json:"atr_tp2_multiplier"`
	ATRTP3Multiplier  float64 `json:"atr_tp3_multiplier"`

	TPStrategy      string  `json:"tp_strategy"`
	TPLevels        int     `json:"tp_levels"`
	TP1ClosePercent float64 `json:"tp1_close_percent"`
	TP2ClosePercent float64 `json:"tp2_close_percent"`
	TP3ClosePercent float64 `json:"tp3_close_percent"`

	SLToBreakeven      bool `json:"sl_to_breakeven"`
	BreakevenTriggerTP int  `json:"breakeven_trigger_tp"`

	TakerFeeRate      float64 `json:"taker_fee_rate"`
	FeeAwareBreakeven bool    `json:"fee_aware_breakeven"`

	// ATR and the alert SL are snapshotted too so atr_based and risk_reward
	// recomputes stay deterministic after the signal is gone.
	ATR     float64 `json:"atr"`
	AlertSL float64 `json:"alert_sl"`
}

// Snapshot copies the pricing-relevant fields of p, together with the alert
// context the pricing engine needs to reproduce its output later.
func (p *Policy) Snapshot(atr, alertSL float64) SettingsSnapshot {
	return SettingsSnapshot{
		PositionSizingType: p.PositionSizingType,
		MaxMarginPerTrade:  p.MaxMarginPerTrade,
		MaxLossPerTrade:    p.MaxLossPerTrade,
		SLPercentMin:       p.SLPercentMin,
		SLPercentMax:       p.SLPercentMax,
		CalculatorType:     p.CalculatorType,
		SLMethod:           p.SLMethod,
		SimpleSLPercent:    p.SimpleSLPercent,
		SimpleTPPercent:    p.SimpleTPPercent,
		SimpleTP2Percent:   p.SimpleTP2Percent,
		SimpleTP3Percent:   p.SimpleTP3Percent,
		RRSLPercentMargin:  p.RRSLPercentMargin,
		TP1RRRatio:         p.TP1RRRatio,
		TP2RRRatio:         p.TP2RRRatio,
		TP3RRRatio:         p.TP3RRRatio,
		ATRSLMultiplier:    p.ATRSLMultiplier,
		ATRTPMultiplier:    p.ATRTPMultiplier,
		ATRTP2Multiplier:   p.ATRTP2Multiplier,
		ATRTP3Multiplier:   p.ATRTP3Multiplier,
		TPStrategy:         p.TPStrategy,
		TPLevels:           p.TPLevels,
		TP1ClosePercent:    p.TP1ClosePercent,
		TP2ClosePercent:    p.TP2ClosePercent,
		TP3ClosePercent:    p.TP3ClosePercent,
		SLToBreakeven:      p.SLToBreakeven,
		BreakevenTriggerTP: p.BreakevenTriggerTP,
		TakerFeeRate:       p.TakerFeeRate,
		FeeAwareBreakeven:  p.FeeAwareBreakeven,
		ATR:                atr,
		AlertSL:            alertSL,
	}
}
