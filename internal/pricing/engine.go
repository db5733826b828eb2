// Package pricing turns an entry, a settings snapshot, and contract metadata
// into concrete SL/TP targets. Everything here is pure and deterministic so
// the reconciler can reproduce the opener's output from the snapshot alone.
package pricing

import (
	"fmt"
	"math"

	"perpbot/internal/domain"
)

// Input is everything a price computation depends on. Filled marks TP levels
// already executed; a filled level contributes nothing to the recompute and
// Quantity is expected to be the live (already reduced) size.
type Input struct {
	Side     domain.Side
	Entry    float64
	Quantity float64
	Leverage int
	Snapshot domain.SettingsSnapshot
	Meta     domain.ContractMeta
	Filled   [3]bool
}

// TPTarget is one take-profit leg: the original 1-based level it represents
// and its rounded price and size.
type TPTarget struct {
	Level int
	Price float64
	Size  float64
}

// Plan is the computed bracket. TPs holds only the effective legs after
// redistribution, in level order. Prices are rounded to the contract's price
// precision and sizes floor-rounded to its volume precision.
type Plan struct {
	SLPrice float64
	TPs     []TPTarget
}

// Compute derives the full bracket for the input.
func Compute(in Input) (Plan, error) {
	if in.Entry <= 0 {
		return Plan{}, fmt.Errorf("pricing: entry price must be positive, got %v", in.Entry)
	}
	if in.Quantity <= 0 {
		return Plan{}, fmt.Errorf("pricing: quantity must be positive, got %v", in.Quantity)
	}

	sl, err := slPrice(in)
	if err != nil {
		return Plan{}, err
	}
	sl = RoundPrice(sl, in.Meta.PricePlaces)

	prices, err := tpPrices(in, sl)
	if err != nil {
		return Plan{}, err
	}
	for i := range prices {
		prices[i] = RoundPrice(prices[i], in.Meta.PricePlaces)
	}

	targets := tpSizes(in, prices)

	return Plan{SLPrice: sl, TPs: targets}, nil
}

// slPrice picks the stop level. An alert-supplied SL always wins; otherwise
// the snapshot's sl_method decides the distance from entry.
func slPrice(in Input) (float64, error) {
	s := in.Snapshot
	if s.AlertSL > 0 {
		return s.AlertSL, nil
	}

	var dist float64
	switch {
	case s.PositionSizingType == domain.SizingScalping:
		dist = scalpingDistance(in)
	case s.SLMethod == domain.SLPercentEntry:
		dist = in.Entry * s.SimpleSLPercent / 100
	case s.SLMethod == domain.SLPercentMargin:
		lev := float64(in.Leverage)
		if lev <= 0 {
			lev = 1
		}
		// margin = qty*entry/leverage; distance moves the margin by p percent.
		dist = in.Entry * s.RRSLPercentMargin / 100 / lev
	case s.SLMethod == domain.SLATRBased:
		dist = s.ATR * s.ATRSLMultiplier
	case s.SLMethod == domain.SLFixedUSDT:
		dist = s.MaxLossPerTrade / in.Quantity
	default:
		return 0, fmt.Errorf("pricing: unknown sl method %q", s.SLMethod)
	}

	if in.Side == domain.SideBuy {
		return in.Entry - dist, nil
	}
	return in.Entry + dist, nil
}

// scalpingDistance sizes the stop so that a stop-out loses about
// max_loss_per_trade, clamped to the configured percent band.
func scalpingDistance(in Input) float64 {
	s := in.Snapshot
	lev := float64(in.Leverage)
	if lev <= 0 {
		lev = 1
	}
	pct := 0.0
	if s.MaxMarginPerTrade > 0 {
		pct = s.MaxLossPerTrade / (s.MaxMarginPerTrade * lev)
	}
	lo, hi := s.SLPercentMin/100, s.SLPercentMax/100
	if lo > 0 && pct < lo {
		pct = lo
	}
	if hi > 0 && pct > hi {
		pct = hi
	}
	return in.Entry * pct
}

// tpPrices computes the raw price for every configured level, regardless of
// fill state; size distribution decides which levels actually get an order.
func tpPrices(in Input, sl float64) ([]float64, error) {
	s := in.Snapshot
	levels := s.TPLevels
	if levels < 1 || levels > 3 {
		levels = 3
	}

	dir := 1.0
	if in.Side == domain.SideSell {
		dir = -1
	}

	out := make([]float64, levels)
	switch s.CalculatorType {
	case domain.CalcSimplePercent:
		pcts := []float64{s.SimpleTPPercent, s.SimpleTP2Percent, s.SimpleTP3Percent}
		for i := 0; i < levels; i++ {
			out[i] = in.Entry * (1 + dir*pcts[i]/100)
		}
	case domain.CalcRiskReward:
		risk := math.Abs(in.Entry - sl)
		rrs := []float64{s.TP1RRRatio, s.TP2RRRatio, s.TP3RRRatio}
		for i := 0; i < levels; i++ {
			out[i] = in.Entry + dir*risk*rrs[i]
		}
	case domain.CalcATRBased:
		ks := []float64{s.ATRTPMultiplier, s.ATRTP2Multiplier, s.ATRTP3Multiplier}
		for i := 0; i < levels; i++ {
			out[i] = in.Entry + dir*s.ATR*ks[i]
		}
	default:
		return nil, fmt.Errorf("pricing: unknown calculator type %q", s.CalculatorType)
	}
	return out, nil
}

// tpSizes splits the live quantity across the unfilled levels. The split
// follows the configured close percents, then degrades until every slice
// clears the contract minimum: a 3-way split folds TP3's share into TP1 and
// TP2, a 2-way split forces the short slice up to the minimum, and when
// nothing two-way fits the whole quantity rides on the first unfilled level.
func tpSizes(in Input, prices []float64) []TPTarget {
	s := in.Snapshot
	minQty := in.Meta.MinQty
	places := in.Meta.VolumePlaces

	pcts := []float64{s.TP1ClosePercent, s.TP2ClosePercent, s.TP3ClosePercent}
	type leg struct {
		level int
		pct   float64
	}
	var legs []leg
	for i := 0; i < len(prices); i++ {
		if !in.Filled[i] {
			legs = append(legs, leg{level: i + 1, pct: pcts[i]})
		}
	}
	if len(legs) == 0 {
		return nil
	}

	split := func(ls []leg) []float64 {
		total := 0.0
		for _, l := range ls {
			total += l.pct
		}
		if total <= 0 {
			total = float64(len(ls)) // degenerate config: equal split
			for i := range ls {
				ls[i].pct = 1
			}
		}
		out := make([]float64, len(ls))
		for i, l := range ls {
			out[i] = FloorSize(in.Quantity*l.pct/total, places)
		}
		return out
	}
	allAbove := func(sizes []float64) bool {
		for _, sz := range sizes {
			if sz < minQty {
				return false
			}
		}
		return true
	}
	buildTargets := func(ls []leg, sizes []float64) []TPTarget {
		out := make([]TPTarget, len(ls))
		for i, l := range ls {
			out[i] = TPTarget{Level: l.level, Price: prices[l.level-1], Size: sizes[i]}
		}
		return out
	}

	sizes := split(legs)
	if allAbove(sizes) {
		return buildTargets(legs, sizes)
	}

	// Fold the last leg's share into the survivors and retry as a two-leg
	// (or fewer) split.
	if len(legs) == 3 {
		share := legs[2].pct / 2
		legs = []leg{
			{level: legs[0].level, pct: legs[0].pct + share},
			{level: legs[1].level, pct: legs[1].pct + share},
		}
		sizes = split(legs)
		if allAbove(sizes) {
			return buildTargets(legs, sizes)
		}
	}

	if len(legs) == 2 {
		// Force the short slice to the minimum; the split stays feasible
		// only when the remainder also clears the minimum.
		lo, hi := 0, 1
		if sizes[0] > sizes[1] {
			lo, hi = 1, 0
		}
		sizes[lo] = minQty
		sizes[hi] = FloorSize(in.Quantity-minQty, places)
		if allAbove(sizes) {
			return buildTargets(legs, sizes)
		}
	}

	// Collapse: the whole live size on the first unfilled level.
	whole := FloorSize(in.Quantity, places)
	first := legs[0]
	return []TPTarget{{Level: first.level, Price: prices[first.level-1], Size: whole}}
}

// Breakeven buffers. The fee-aware one covers a round trip of taker fees so
// a stop-out at breakeven nets zero.
const (
	breakevenBufferFixed    = 0.0001 // 0.01 %
	breakevenBufferFeeAware = 0.0012 // 0.12 %
)

// BreakevenSL returns the stop level that locks in entry for the side.
func BreakevenSL(side domain.Side, entry float64, feeAware bool) float64 {
	buf := breakevenBufferFixed
	if feeAware {
		buf = breakevenBufferFeeAware
	}
	if side == domain.SideBuy {
		return entry * (1 + buf)
	}
	return entry * (1 - buf)
}

// SaferSL reports whether candidate is at least as protective as current for
// the side. Breakeven rewrites never regress the stop.
func SaferSL(side domain.Side, candidate, current float64) bool {
	if side == domain.SideBuy {
		return candidate >= current
	}
	return candidate <= current
}

// LevelPassed reports whether price has moved through level in the direction
// that would have triggered it. isSL flips the direction: a BUY stop sits
// below entry, its TPs above.
func LevelPassed(side domain.Side, price, level float64, isSL bool) bool {
	below := side == domain.SideBuy
	if !isSL {
		below = !below
	}
	if below {
		return price <= level
	}
	return price >= level
}

// RoundPrice rounds p half-up to the given number of decimal places.
func RoundPrice(p float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(p*scale) / scale
}

// FloorSize rounds s down to the given number of decimal places. Flooring
// keeps the sum of slices from ever exceeding the position.
func FloorSize(s float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Floor(s*scale+1e-9) / scale
}
