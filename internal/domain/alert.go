package domain

import "time"

// Side is the signal direction as sent by the indicator.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other trading direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// HoldSide maps a signal direction onto the exchange's position side.
func (s Side) HoldSide() HoldSide {
	if s == SideBuy {
		return HoldLong
	}
	return HoldShort
}

// AlertStatus tracks the lifecycle of a persisted alert.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertIgnored  AlertStatus = "ignored"
	AlertExecuted AlertStatus = "executed"
	AlertError    AlertStatus = "error"
)

// Alert is a single external signal snapshot for one user. Rows are immutable
// after insert except Status, Error, and ExecutedAt.
type Alert struct {
	ID               string
	UserID           string
	Symbol           string
	Side             Side
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

	// Raw is the verbatim webhook body, kept for audit and for fields the
	// indicator may add later.
	Raw []byte

	TVTime     time.Time
	ReceivedAt time.Time
	ExecutedAt *time.Time

	WebhookLatencyMs   int64
	ExecutionLatencyMs int64
	TotalLatencyMs     int64

	Status AlertStatus
	Error  string
	IsTest bool
}

// ComputeLatencies derives the three latency fields from the alert's
// timestamps. Execution and total latency stay zero until ExecutedAt is set.
func (a *Alert) ComputeLatencies() {
	if !a.TVTime.IsZero() {
		a.WebhookLatencyMs = a.ReceivedAt.Sub(a.TVTime).Milliseconds()
	}
	if a.ExecutedAt != nil {
		a.ExecutionLatencyMs = a.ExecutedAt.Sub(a.ReceivedAt).Milliseconds()
		a.TotalLatencyMs = a.WebhookLatencyMs + a.ExecutionLatencyMs
	}
}
