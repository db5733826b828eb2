package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func meta(pricePlaces, volPlaces int, minQty float64) domain.ContractMeta {
	return domain.ContractMeta{
		Symbol:       "BTCUSDT",
		PricePlaces:  pricePlaces,
		VolumePlaces: volPlaces,
		MinQty:       minQty,
	}
}

func TestComputeRiskRewardTwoLevels(t *testing.T) {
	in := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 1,
		Leverage: 10,
		Meta:     meta(2, 1, 0.1),
		Snapshot: domain.SettingsSnapshot{
			CalculatorType:  domain.CalcRiskReward,
			TPLevels:        2,
			TP1RRRatio:      1.5,
			TP2RRRatio:      2.5,
			TP1ClosePercent: 60,
			TP2ClosePercent: 40,
			AlertSL:         98,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)

	require.Equal(t, 98.0, plan.SLPrice)
	require.Len(t, plan.TPs, 2)
	require.Equal(t, TPTarget{Level: 1, Price: 103.0, Size: 0.6}, plan.TPs[0])
	require.Equal(t, TPTarget{Level: 2, Price: 105.0, Size: 0.4}, plan.TPs[1])
}

func TestComputeRedistributionCollapses(t *testing.T) {
	in := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 0.3,
		Leverage: 10,
		Meta:     meta(2, 1, 0.2),
		Snapshot: domain.SettingsSnapshot{
			CalculatorType:  domain.CalcRiskReward,
			TPLevels:        3,
			TP1RRRatio:      1.5,
			TP2RRRatio:      2.5,
			TP3RRRatio:      3.5,
			TP1ClosePercent: 50,
			TP2ClosePercent: 30,
			TP3ClosePercent: 20,
			AlertSL:         98,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)

	// 3-way and 2-way splits both fall under min_qty, so the whole size
	// rides on TP1.
	require.Len(t, plan.TPs, 1)
	require.Equal(t, 1, plan.TPs[0].Level)
	require.Equal(t, 103.0, plan.TPs[0].Price)
	require.Equal(t, 0.3, plan.TPs[0].Size)
}

func TestComputeRedistributionThreeToTwo(t *testing.T) {
	in := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 1.0,
		Leverage: 10,
		Meta:     meta(2, 1, 0.3),
		Snapshot: domain.SettingsSnapshot{
			CalculatorType:   domain.CalcSimplePercent,
			SLMethod:         domain.SLPercentEntry,
			SimpleSLPercent:  2,
			SimpleTPPercent:  2,
			SimpleTP2Percent: 4,
			SimpleTP3Percent: 6,
			TPLevels:         3,
			TP1ClosePercent:  50,
			TP2ClosePercent:  30,
			TP3ClosePercent:  20,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)

	// TP3's slice (0.2) is below min 0.3; its share folds equally into TP1
	// and TP2 giving {0.6, 0.4}, both feasible.
	require.Len(t, plan.TPs, 2)
	require.Equal(t, TPTarget{Level: 1, Price: 102.0, Size: 0.6}, plan.TPs[0])
	require.Equal(t, TPTarget{Level: 2, Price: 104.0, Size: 0.4}, plan.TPs[1])
}

func TestComputeFilledLevelsExcluded(t *testing.T) {
	in := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 0.4, // reduced after TP1 fill
		Leverage: 10,
		Meta:     meta(2, 2, 0.05),
		Filled:   [3]bool{true, false, false},
		Snapshot: domain.SettingsSnapshot{
			CalculatorType:   domain.CalcSimplePercent,
			SLMethod:         domain.SLPercentEntry,
			SimpleSLPercent:  2,
			SimpleTPPercent:  2,
			SimpleTP2Percent: 4,
			SimpleTP3Percent: 6,
			TPLevels:         3,
			TP1ClosePercent:  60,
			TP2ClosePercent:  25,
			TP3ClosePercent:  15,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)

	// TP1 filled, so the live 0.4 splits across TP2 and TP3 by their
	// percents (25:15).
	require.Len(t, plan.TPs, 2)
	require.Equal(t, 2, plan.TPs[0].Level)
	require.Equal(t, 3, plan.TPs[1].Level)
	require.Equal(t, 0.25, plan.TPs[0].Size)
	require.Equal(t, 0.15, plan.TPs[1].Size)
}

func TestSLMethods(t *testing.T) {
	base := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 2,
		Leverage: 10,
		Meta:     meta(2, 1, 0.1),
	}

	tests := []struct {
		name string
		snap domain.SettingsSnapshot
		want float64
	}{
		{
			name: "percent entry",
			snap: domain.SettingsSnapshot{SLMethod: domain.SLPercentEntry, SimpleSLPercent: 2, CalculatorType: domain.CalcSimplePercent, TPLevels: 1, SimpleTPPercent: 2, TP1ClosePercent: 100},
			want: 98.0,
		},
		{
			name: "percent margin",
			snap: domain.SettingsSnapshot{SLMethod: domain.SLPercentMargin, RRSLPercentMargin: 20, CalculatorType: domain.CalcSimplePercent, TPLevels: 1, SimpleTPPercent: 2, TP1ClosePercent: 100},
			want: 98.0, // 20% of margin at 10x is a 2% move of notional
		},
		{
			name: "atr based",
			snap: domain.SettingsSnapshot{SLMethod: domain.SLATRBased, ATR: 1.5, ATRSLMultiplier: 2, CalculatorType: domain.CalcSimplePercent, TPLevels: 1, SimpleTPPercent: 2, TP1ClosePercent: 100},
			want: 97.0,
		},
		{
			name: "fixed usdt",
			snap: domain.SettingsSnapshot{SLMethod: domain.SLFixedUSDT, MaxLossPerTrade: 10, CalculatorType: domain.CalcSimplePercent, TPLevels: 1, SimpleTPPercent: 2, TP1ClosePercent: 100},
			want: 95.0, // distance 10/2
		},
		{
			name: "alert sl wins",
			snap: domain.SettingsSnapshot{SLMethod: domain.SLPercentEntry, SimpleSLPercent: 2, AlertSL: 97.25, CalculatorType: domain.CalcSimplePercent, TPLevels: 1, SimpleTPPercent: 2, TP1ClosePercent: 100},
			want: 97.25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			in.Snapshot = tt.snap
			plan, err := Compute(in)
			require.NoError(t, err)
			require.InDelta(t, tt.want, plan.SLPrice, 1e-9)
		})
	}
}

func TestScalpingDistanceClamped(t *testing.T) {
	in := Input{
		Side:     domain.SideBuy,
		Entry:    100,
		Quantity: 1,
		Leverage: 10,
		Meta:     meta(2, 1, 0.1),
		Snapshot: domain.SettingsSnapshot{
			PositionSizingType: domain.SizingScalping,
			MaxLossPerTrade:    50,
			MaxMarginPerTrade:  100,
			SLPercentMin:       0.5,
			SLPercentMax:       3,
			CalculatorType:     domain.CalcSimplePercent,
			TPLevels:           1,
			SimpleTPPercent:    2,
			TP1ClosePercent:    100,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)
	// Raw pct 50/(100*10)=5% clamps to max 3%.
	require.InDelta(t, 97.0, plan.SLPrice, 1e-9)
}

func TestSellSideMirrors(t *testing.T) {
	in := Input{
		Side:     domain.SideSell,
		Entry:    100,
		Quantity: 1,
		Leverage: 10,
		Meta:     meta(2, 1, 0.1),
		Snapshot: domain.SettingsSnapshot{
			SLMethod:         domain.SLPercentEntry,
			SimpleSLPercent:  2,
			CalculatorType:   domain.CalcSimplePercent,
			TPLevels:         2,
			SimpleTPPercent:  2,
			SimpleTP2Percent: 4,
			TP1ClosePercent:  60,
			TP2ClosePercent:  40,
		},
	}

	plan, err := Compute(in)
	require.NoError(t, err)
	require.Equal(t, 102.0, plan.SLPrice)
	require.Equal(t, 98.0, plan.TPs[0].Price)
	require.Equal(t, 96.0, plan.TPs[1].Price)
}

func TestBreakevenSL(t *testing.T) {
	require.InDelta(t, 100.12, BreakevenSL(domain.SideBuy, 100, true), 1e-9)
	require.InDelta(t, 100.01, BreakevenSL(domain.SideBuy, 100, false), 1e-9)
	require.InDelta(t, 99.88, BreakevenSL(domain.SideSell, 100, true), 1e-9)
	require.InDelta(t, 99.99, BreakevenSL(domain.SideSell, 100, false), 1e-9)
}

func TestSaferSL(t *testing.T) {
	require.True(t, SaferSL(domain.SideBuy, 99, 98))
	require.False(t, SaferSL(domain.SideBuy, 97, 98))
	require.True(t, SaferSL(domain.SideSell, 101, 102))
	require.False(t, SaferSL(domain.SideSell, 103, 102))
}

func TestLevelPassed(t *testing.T) {
	// BUY stop below entry triggers when price falls through it.
	require.True(t, LevelPassed(domain.SideBuy, 97.8, 98, true))
	require.False(t, LevelPassed(domain.SideBuy, 98.2, 98, true))
	// BUY take profit triggers when price rises through it.
	require.True(t, LevelPassed(domain.SideBuy, 103.5, 103, false))
	require.False(t, LevelPassed(domain.SideBuy, 102.9, 103, false))
	// SELL mirrors.
	require.True(t, LevelPassed(domain.SideSell, 102.1, 102, true))
	require.True(t, LevelPassed(domain.SideSell, 97.9, 98, false))
}

func TestRounding(t *testing.T) {
	require.Equal(t, 103.46, RoundPrice(103.4567, 2))
	require.Equal(t, 0.61, FloorSize(0.619, 2))
	require.Equal(t, 0.6, FloorSize(0.6, 1))
}
