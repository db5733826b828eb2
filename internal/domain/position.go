package domain

import (
	"math"
	"time"
)

// PositionStatus tracks whether a position is open or closed. The transition
// open -> closed is terminal.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// CloseReason explains why a position left the book.
type CloseReason string

const (
	CloseSLHit        CloseReason = "sl_hit"
	CloseSLHitDelayed CloseReason = "sl_hit_delayed"
	CloseTP1          CloseReason = "tp1"
	CloseTP2          CloseReason = "tp2"
	CloseTP3          CloseReason = "tp3"
	CloseManualProfit CloseReason = "manual_profit"
	CloseManualLoss   CloseReason = "manual_loss"
	CloseEmergency    CloseReason = "emergency_shutdown"
)

// TPLeg is one take-profit level of a position's bracket.
type TPLeg struct {
	Price    float64
	Quantity float64
	OrderID  string
	Filled   bool
}

// PositionMeta carries reconciliation bookkeeping and the open-time settings
// snapshot. Persisted as JSON alongside the position row.
type PositionMeta struct {
	Snapshot     SettingsSnapshot `json:"settings_snapshot"`
	EntryOrderID string           `json:"entry_order_id,omitempty"`
	ResyncCount  int              `json:"resync_count"`
	LastResyncAt *time.Time       `json:"last_resync_at,omitempty"`
	Recovered    bool             `json:"recovered,omitempty"`
	RecoveredAt  *time.Time       `json:"recovered_at,omitempty"`
}

// Position is one exchange position instance tracked end to end.
type Position struct {
	ID         string
	UserID     string
	AlertID    string // empty for imported or orphan-recovered positions
	Symbol     string
	Side       Side
	EntryPrice float64
	Quantity   float64
	Leverage   int

	SLPrice   float64
	SLOrderID string
	TPs       [3]TPLeg
	TPLevels  int

	Status      PositionStatus
	CloseReason CloseReason
	ClosePrice  float64
	RealizedPnL float64

	CurrentPrice  float64
	UnrealizedPnL float64

	LastCheckAt *time.Time
	CheckErrors int
	LastError   string

	Meta PositionMeta

	CreatedAt time.Time
	ClosedAt  *time.Time
}

// UnfilledTPCount returns how many configured TP levels have not yet filled.
func (p *Position) UnfilledTPCount() int {
	n := 0
	for i := 0; i < p.TPLevels && i < 3; i++ {
		if !p.TPs[i].Filled {
			n++
		}
	}
	return n
}

// HighestFilledTP returns the 1-based index of the highest filled TP level,
// or 0 when none has filled.
func (p *Position) HighestFilledTP() int {
	h := 0
	for i := 0; i < p.TPLevels && i < 3; i++ {
		if p.TPs[i].Filled {
			h = i + 1
		}
	}
	return h
}

// UnfilledTPQuantity sums the sizes of the TP legs that are still live.
func (p *Position) UnfilledTPQuantity() float64 {
	var sum float64
	for i := 0; i < p.TPLevels && i < 3; i++ {
		if !p.TPs[i].Filled {
			sum += p.TPs[i].Quantity
		}
	}
	return sum
}

// PnL computes the realized profit for closing qty at closePrice, signed by
// the position's direction.
func (p *Position) PnL(closePrice, qty float64) float64 {
	diff := closePrice - p.EntryPrice
	if p.Side == SideSell {
		diff = -diff
	}
	return diff * qty
}

// OwnsOrder reports whether orderID belongs to this position's bracket.
func (p *Position) OwnsOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	if p.SLOrderID == orderID {
		return true
	}
	for i := range p.TPs {
		if p.TPs[i].OrderID == orderID {
			return true
		}
	}
	return false
}

// TPQuantitiesMatch reports whether the unfilled TP sizes still account for
// the live quantity within tolerance. When they do not (for example after a
// manual partial close), callers should recompute sizes from the snapshot.
func (p *Position) TPQuantitiesMatch(liveQty, tol float64) bool {
	return math.Abs(p.UnfilledTPQuantity()-liveQty) <= tol
}
