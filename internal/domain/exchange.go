package domain

import (
	"context"
	"time"
)

// HoldSide is the exchange's position side for a two-way (hedged) account.
type HoldSide string

const (
	HoldLong  HoldSide = "long"
	HoldShort HoldSide = "short"
)

// TradeSide is the order direction for a market order.
type TradeSide string

const (
	TradeOpenLong   TradeSide = "open_long"
	TradeOpenShort  TradeSide = "open_short"
	TradeCloseLong  TradeSide = "close_long"
	TradeCloseShort TradeSide = "close_short"
)

// IsClose reports whether the trade side reduces an existing position.
func (t TradeSide) IsClose() bool {
	return t == TradeCloseLong || t == TradeCloseShort
}

// CloseSideFor returns the market trade side that reduces a position held on
// the given hold side.
func CloseSideFor(h HoldSide) TradeSide {
	if h == HoldLong {
		return TradeCloseLong
	}
	return TradeCloseShort
}

// OpenSideFor returns the market trade side that opens a position on the
// given hold side.
func OpenSideFor(h HoldSide) TradeSide {
	if h == HoldLong {
		return TradeOpenLong
	}
	return TradeOpenShort
}

// PlanType identifies a conditional order class on the exchange.
type PlanType string

const (
	PlanPosLoss    PlanType = "pos_loss"    // position-level stop loss
	PlanPosProfit  PlanType = "pos_profit"  // position-level take profit
	PlanProfitLoss PlanType = "profit_loss" // listing bucket for SL/TP plans
	PlanNormal     PlanType = "normal_plan" // trigger orders with a size
)

// PlanOrderStatus is the exchange-reported state of a plan order.
type PlanOrderStatus string

const (
	PlanLive      PlanOrderStatus = "live"
	PlanCancelled PlanOrderStatus = "cancelled"
	PlanFilled    PlanOrderStatus = "filled"
)

// ContractMeta is the per-symbol precision and minimum-lot contract data.
type ContractMeta struct {
	Symbol       string  `json:"symbol"`
	PricePlaces  int     `json:"price_places"`
	VolumePlaces int     `json:"volume_places"`
	MinQty       float64 `json:"min_qty"`
	MaxLeverage  int     `json:"max_leverage"`
}

// Ticker is a point-in-time market snapshot for one symbol.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// AccountInfo is the account margin summary.
type AccountInfo struct {
	Available float64
	Equity    float64
}

// ExchangePosition is a live position as the exchange reports it.
type ExchangePosition struct {
	Symbol   string
	HoldSide HoldSide
	Total    float64 // contracts held
	AvgEntry float64
	Leverage int
}

// PlanOrder is a conditional order as the exchange reports it.
type PlanOrder struct {
	OrderID      string
	Symbol       string
	PlanType     PlanType
	TriggerPrice float64
	Size         float64
	TradeSide    string // "open" or "close"
	HoldSide     HoldSide
	Status       PlanOrderStatus
}

// Fill is one execution from the account fill history.
type Fill struct {
	Symbol    string
	TradeSide TradeSide
	Price     float64
	Size      float64
	Fee       float64
	Time      time.Time
}

// HistoricalPosition is a row from the exchange's closed-position history.
type HistoricalPosition struct {
	Symbol     string
	HoldSide   HoldSide
	OpenAvg    float64
	CloseAvg   float64
	Size       float64
	NetProfit  float64
	CreatedAt  time.Time
	FinishedAt time.Time
}

// BracketReq describes one conditional SL/TP order to place. ExecutePrice 0
// means execute at market when triggered. Size 0 on a pos_loss plan covers
// the whole position.
type BracketReq struct {
	Symbol       string
	PlanType     PlanType
	HoldSide     HoldSide
	TriggerPrice float64
	Size         float64
	ExecutePrice float64
}

// BatchOp is one bracket placement inside a Batch call, keyed by a
// caller-supplied ID.
type BatchOp struct {
	ID      string
	Bracket BracketReq
}

// BatchResult is the per-op outcome of a Batch call.
type BatchResult struct {
	OrderID string
	Err     error
}

// Exchange is the typed gateway over the exchange REST operations the engine
// uses. Implementations do signing and time sync; they never retry. Every
// method honors the context deadline.
type Exchange interface {
	Account(ctx context.Context) (AccountInfo, error)
	Positions(ctx context.Context) ([]ExchangePosition, error)
	// Position returns nil when the exchange reports no position for symbol.
	Position(ctx context.Context, symbol string) (*ExchangePosition, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	ContractMeta(ctx context.Context, symbol string) (ContractMeta, error)

	PlaceMarket(ctx context.Context, symbol string, side TradeSide, size float64, reduceOnly bool) (string, error)
	// PlaceMarketLimit places a limit order priced through the book, used as
	// the last-resort close path.
	PlaceMarketLimit(ctx context.Context, symbol string, side TradeSide, size, price float64, reduceOnly bool) (string, error)
	PlaceBracket(ctx context.Context, req BracketReq) (string, error)
	CancelPlan(ctx context.Context, symbol, orderID string, planType PlanType) error
	ModifyPlan(ctx context.Context, symbol, orderID string, planType PlanType, triggerPrice float64) error
	FlashClose(ctx context.Context, symbol string, holdSide HoldSide, size float64) (bool, error)

	ListPlanOrders(ctx context.Context, symbol string, planType PlanType) ([]PlanOrder, error)
	FillHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]Fill, error)
	PositionHistory(ctx context.Context, symbol string, from, to time.Time, cursor string) ([]HistoricalPosition, string, error)

	SetLeverage(ctx context.Context, symbol string, holdSide HoldSide, leverage int) error

	// Batch executes ops sequentially and returns one result per op, keyed
	// by the caller-supplied ID. A failed op never aborts the rest.
	Batch(ctx context.Context, ops []BatchOp) map[string]BatchResult
}

// Credentials are one user's decrypted exchange API credentials.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// CredentialSource resolves per-user exchange credentials. Implementations
// must not cache plaintext beyond a single request.
type CredentialSource interface {
	// Credentials returns ErrNotConfigured when the user has no key on file
	// and ErrInactive when the key is disabled.
	Credentials(ctx context.Context, userID string) (Credentials, error)
}

// ExchangeFactory builds a per-user exchange gateway from vault credentials.
type ExchangeFactory interface {
	ForUser(ctx context.Context, userID string) (Exchange, error)
}
