package bitget

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// codeOK is the Bitget success code.
const codeOK = "00000"

// apiEnvelope is the common response wrapper for every v2 endpoint.
type apiEnvelope struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	RequestTime int64  `json:"requestTime"`
}

// APIError is a non-success business response from the exchange, or a
// non-2xx HTTP status.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget: api error http=%d code=%s msg=%s", e.HTTPStatus, e.Code, e.Message)
}

// rate-limit business codes returned by the exchange.
var rateLimitCodes = map[string]bool{
	"429":   true,
	"30007": true, // request over limit
	"40018": true, // too many requests
}

// IsRateLimited reports whether err is an exchange rate-limit rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatus == 429 || rateLimitCodes[apiErr.Code]
}

// IsTransient reports whether err is worth an in-place retry: server-side
// HTTP failures, rate limits, timeouts, and network errors. Business
// rejections (bad params, insufficient margin) are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == 429 || rateLimitCodes[apiErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Wire DTOs. Bitget serializes numbers as strings; parseF tolerates both.
// ---------------------------------------------------------------------------

type accountData struct {
	Available        string `json:"available"`
	AccountEquity    string `json:"accountEquity"`
	CrossedMaxAvail  string `json:"crossedMaxAvailable"`
	UnrealizedPL     string `json:"unrealizedPL"`
	MarginCoin       string `json:"marginCoin"`
	UsdtEquity       string `json:"usdtEquity"`
	IsolatedMaxAvail string `json:"isolatedMaxAvailable"`
}

type positionData struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	Available    string `json:"available"`
	OpenPriceAvg string `json:"openPriceAvg"`
	Leverage     string `json:"leverage"`
	MarginCoin   string `json:"marginCoin"`
	UnrealizedPL string `json:"unrealizedPL"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPr    string `json:"lastPr"`
	BidPr     string `json:"bidPr"`
	AskPr     string `json:"askPr"`
	Timestamp string `json:"ts"`
}

type contractData struct {
	Symbol        string `json:"symbol"`
	PricePlace    string `json:"pricePlace"`
	VolumePlace   string `json:"volumePlace"`
	MinTradeNum   string `json:"minTradeNum"`
	MaxLever      string `json:"maxLever"`
	SymbolStatus  string `json:"symbolStatus"`
	DeliveryMode  string `json:"deliveryMode"`
	SupportMargin string `json:"supportMarginCoins"`
}

type orderIDData struct {
	OrderID   string `json:"orderId"`
	ClientOID string `json:"clientOid"`
}

type planOrderData struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	PlanType     string `json:"planType"`
	TriggerPrice string `json:"triggerPrice"`
	Size         string `json:"size"`
	Side         string `json:"side"`
	TradeSide    string `json:"tradeSide"`
	HoldSide     string `json:"holdSide"`
	Status       string `json:"status"`
}

type planListData struct {
	EntrustedList []planOrderData `json:"entrustedList"`
	EndID         string          `json:"endId"`
}

type fillData struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	TradeSide string `json:"tradeSide"`
	Price     string `json:"price"`
	BaseVolume string `json:"baseVolume"`
	FeeDetail []struct {
		TotalFee string `json:"totalFee"`
	} `json:"feeDetail"`
	CTime string `json:"cTime"`
}

type fillListData struct {
	FillList []fillData `json:"fillList"`
	EndID    string     `json:"endId"`
}

type histPositionData struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	OpenAvgPrice string `json:"openAvgPrice"`
	CloseAvgPrice string `json:"closeAvgPrice"`
	OpenTotalPos string `json:"openTotalPos"`
	NetProfit    string `json:"netProfit"`
	CTime        string `json:"ctime"`
	UTime        string `json:"utime"`
}

type histPositionListData struct {
	List  []histPositionData `json:"list"`
	EndID string             `json:"endId"`
}

type flashCloseData struct {
	SuccessList []struct {
		OrderID string `json:"orderId"`
		Symbol  string `json:"symbol"`
	} `json:"successList"`
	FailureList []struct {
		Symbol   string `json:"symbol"`
		ErrorMsg string `json:"errorMsg"`
		ErrorCode string `json:"errorCode"`
	} `json:"failureList"`
}

// parseF parses a Bitget string-encoded decimal, returning 0 for "".
func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseI parses a Bitget string-encoded integer, returning 0 for "".
func parseI(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Leverage sometimes arrives as "20.0".
		return int(parseF(s))
	}
	return n
}
