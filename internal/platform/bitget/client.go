// Package bitget is the typed REST gateway over the Bitget USDT-M futures
// v2 API. It exposes the operation set the engine needs, does signing and
// server-time sync, and surfaces every failure as a typed error. Retry
// policy lives in callers, never here.
package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/domain"
)

// Config carries the per-deployment gateway parameters.
type Config struct {
	BaseURL     string
	ProductType string // e.g. "USDT-FUTURES"
	MarginCoin  string // e.g. "USDT"
	Demo        bool
	Timeout     time.Duration
}

// Client is a per-user REST client for the Bitget mix (futures) API.
type Client struct {
	cfg        Config
	sign       signer
	httpClient *http.Client

	timeMu     sync.Mutex
	timeOffset time.Duration // serverTime - localTime
	timeSynced bool
}

// NewClient creates a Client signing with the given credentials.
func NewClient(cfg Config, creds domain.Credentials) *Client {
	if cfg.ProductType == "" {
		cfg.ProductType = "USDT-FUTURES"
	}
	if cfg.MarginCoin == "" {
		cfg.MarginCoin = "USDT"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		sign: signer{
			key:        creds.APIKey,
			secret:     creds.Secret,
			passphrase: creds.Passphrase,
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// timestamp returns the current time adjusted by the cached server offset,
// in milliseconds. The offset is fetched once per client.
func (c *Client) timestamp(ctx context.Context) int64 {
	c.timeMu.Lock()
	defer c.timeMu.Unlock()

	if !c.timeSynced {
		if server, err := c.serverTime(ctx); err == nil {
			c.timeOffset = time.Until(server) * -1
			// Offsets below a second are noise; keep them anyway, they are
			// harmless and save a branch.
			c.timeSynced = true
		}
	}
	return time.Now().Add(-c.timeOffset).UnixMilli()
}

// serverTime fetches the exchange clock (unauthenticated).
func (c *Client) serverTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v2/public/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	var out struct {
		apiEnvelope
		Data struct {
			ServerTime string `json:"serverTime"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(out.Data.ServerTime, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// doSignedRequest performs one authenticated call and returns the raw data
// payload. HTTP non-2xx, non-"00000" business codes, and decode failures
// all surface as errors.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, query url.Values, reqBody any) (json.RawMessage, error) {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyStr string
	var bodyReader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("bitget: encode request body: %w", err)
		}
		bodyStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("bitget: build request: %w", err)
	}

	for k, v := range c.sign.headers(method, requestPath, bodyStr, c.timestamp(ctx)) {
		req.Header.Set(k, v)
	}
	if c.cfg.Demo {
		req.Header.Set("paptrading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitget: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("bitget: read response: %w", err)
	}

	var envelope struct {
		apiEnvelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{HTTPStatus: resp.StatusCode, Message: string(raw)}
		}
		return nil, fmt.Errorf("bitget: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || envelope.Code != codeOK {
		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       envelope.Code,
			Message:    envelope.Msg,
		}
	}
	return envelope.Data, nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("productType", c.cfg.ProductType)
	return q
}

// ---------------------------------------------------------------------------
// Account / market reads
// ---------------------------------------------------------------------------

// Account returns the margin account summary.
func (c *Client) Account(ctx context.Context) (domain.AccountInfo, error) {
	q := c.baseQuery()
	q.Set("marginCoin", c.cfg.MarginCoin)
	// The single-account endpoint requires a symbol; the accounts listing
	// does not, and the USDT-M margin coin identifies the right row.
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/account/accounts", q, nil)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("bitget: get account: %w", err)
	}

	var accounts []accountData
	if err := json.Unmarshal(data, &accounts); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("bitget: decode account: %w", err)
	}
	for _, a := range accounts {
		if a.MarginCoin == c.cfg.MarginCoin {
			return domain.AccountInfo{
				Available: parseF(a.Available),
				Equity:    parseF(a.AccountEquity),
			}, nil
		}
	}
	return domain.AccountInfo{}, fmt.Errorf("bitget: no %s account in response", c.cfg.MarginCoin)
}

// Positions returns every live position on the account.
func (c *Client) Positions(ctx context.Context) ([]domain.ExchangePosition, error) {
	q := c.baseQuery()
	q.Set("marginCoin", c.cfg.MarginCoin)
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/position/all-position", q, nil)
	if err != nil {
		return nil, fmt.Errorf("bitget: get positions: %w", err)
	}

	var rows []positionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("bitget: decode positions: %w", err)
	}

	out := make([]domain.ExchangePosition, 0, len(rows))
	for _, r := range rows {
		if parseF(r.Total) == 0 {
			continue
		}
		out = append(out, domain.ExchangePosition{
			Symbol:   r.Symbol,
			HoldSide: domain.HoldSide(r.HoldSide),
			Total:    parseF(r.Total),
			AvgEntry: parseF(r.OpenPriceAvg),
			Leverage: parseI(r.Leverage),
		})
	}
	return out, nil
}

// Position returns the live position for one symbol, nil when absent.
// Two-way mode reports one row per hold side; the first non-empty wins since
// the engine never holds both sides of a symbol for one user.
func (c *Client) Position(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	q := c.baseQuery()
	q.Set("marginCoin", c.cfg.MarginCoin)
	q.Set("symbol", symbol)
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/position/single-position", q, nil)
	if err != nil {
		return nil, fmt.Errorf("bitget: get position %s: %w", symbol, err)
	}

	var rows []positionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("bitget: decode position %s: %w", symbol, err)
	}
	for _, r := range rows {
		if total := parseF(r.Total); total > 0 {
			return &domain.ExchangePosition{
				Symbol:   r.Symbol,
				HoldSide: domain.HoldSide(r.HoldSide),
				Total:    total,
				AvgEntry: parseF(r.OpenPriceAvg),
				Leverage: parseI(r.Leverage),
			}, nil
		}
	}
	return nil, nil
}

// Ticker returns the current market snapshot for symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	q := c.baseQuery()
	q.Set("symbol", symbol)
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", q, nil)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("bitget: get ticker %s: %w", symbol, err)
	}

	var rows []tickerData
	if err := json.Unmarshal(data, &rows); err != nil {
		return domain.Ticker{}, fmt.Errorf("bitget: decode ticker %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return domain.Ticker{}, fmt.Errorf("bitget: empty ticker for %s", symbol)
	}
	r := rows[0]
	ms, _ := strconv.ParseInt(r.Timestamp, 10, 64)
	return domain.Ticker{
		Symbol: r.Symbol,
		Last:   parseF(r.LastPr),
		Bid:    parseF(r.BidPr),
		Ask:    parseF(r.AskPr),
		Time:   time.UnixMilli(ms),
	}, nil
}

// ContractMeta returns precision and minimum-lot data for symbol.
func (c *Client) ContractMeta(ctx context.Context, symbol string) (domain.ContractMeta, error) {
	q := c.baseQuery()
	q.Set("symbol", symbol)
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", q, nil)
	if err != nil {
		return domain.ContractMeta{}, fmt.Errorf("bitget: get contract %s: %w", symbol, err)
	}

	var rows []contractData
	if err := json.Unmarshal(data, &rows); err != nil {
		return domain.ContractMeta{}, fmt.Errorf("bitget: decode contract %s: %w", symbol, err)
	}
	for _, r := range rows {
		if strings.EqualFold(r.Symbol, symbol) {
			return domain.ContractMeta{
				Symbol:       r.Symbol,
				PricePlaces:  parseI(r.PricePlace),
				VolumePlaces: parseI(r.VolumePlace),
				MinQty:       parseF(r.MinTradeNum),
				MaxLeverage:  parseI(r.MaxLever),
			}, nil
		}
	}
	return domain.ContractMeta{}, fmt.Errorf("bitget: contract %s: %w", symbol, domain.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Order placement
// ---------------------------------------------------------------------------

// tradeSideParams maps the engine's trade side onto Bitget's side/tradeSide
// pair for a hedged account (side names the position direction).
func tradeSideParams(side domain.TradeSide) (string, string) {
	switch side {
	case domain.TradeOpenLong:
		return "buy", "open"
	case domain.TradeOpenShort:
		return "sell", "open"
	case domain.TradeCloseLong:
		return "buy", "close"
	default: // TradeCloseShort
		return "sell", "close"
	}
}

func fmtSize(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PlaceMarket submits a market order. Close-side orders use IOC and set
// reduce-only.
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side domain.TradeSide, size float64, reduceOnly bool) (string, error) {
	sideStr, tradeSide := tradeSideParams(side)
	force := "gtc"
	if side.IsClose() {
		force = "ioc"
		reduceOnly = true
	}
	body := map[string]any{
		"symbol":      symbol,
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"marginMode":  "crossed",
		"size":        fmtSize(size),
		"side":        sideStr,
		"tradeSide":   tradeSide,
		"orderType":   "market",
		"force":       force,
		"clientOid":   uuid.New().String(),
	}
	if reduceOnly {
		body["reduceOnly"] = "YES"
	}

	data, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body)
	if err != nil {
		return "", fmt.Errorf("bitget: place market %s %s: %w", symbol, side, err)
	}
	var out orderIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("bitget: decode order id: %w", err)
	}
	return out.OrderID, nil
}

// PlaceMarketLimit submits a reduce-capable limit order, used as the
// last-resort close path priced through the book.
func (c *Client) PlaceMarketLimit(ctx context.Context, symbol string, side domain.TradeSide, size, price float64, reduceOnly bool) (string, error) {
	sideStr, tradeSide := tradeSideParams(side)
	body := map[string]any{
		"symbol":      symbol,
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"marginMode":  "crossed",
		"size":        fmtSize(size),
		"price":       fmtSize(price),
		"side":        sideStr,
		"tradeSide":   tradeSide,
		"orderType":   "limit",
		"force":       "ioc",
		"clientOid":   uuid.New().String(),
	}
	if reduceOnly {
		body["reduceOnly"] = "YES"
	}

	data, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body)
	if err != nil {
		return "", fmt.Errorf("bitget: place limit %s %s: %w", symbol, side, err)
	}
	var out orderIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("bitget: decode order id: %w", err)
	}
	return out.OrderID, nil
}

// PlaceBracket places one conditional SL/TP order. Position-level plans
// (pos_loss / pos_profit) go to the TPSL endpoint; normal_plan triggers go
// to the plan-order endpoint with trade side close.
func (c *Client) PlaceBracket(ctx context.Context, req domain.BracketReq) (string, error) {
	var path string
	body := map[string]any{
		"symbol":      req.Symbol,
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"clientOid":   uuid.New().String(),
	}

	switch req.PlanType {
	case domain.PlanPosLoss, domain.PlanPosProfit:
		path = "/api/v2/mix/order/place-tpsl-order"
		body["planType"] = string(req.PlanType)
		body["holdSide"] = string(req.HoldSide)
		body["triggerPrice"] = fmtSize(req.TriggerPrice)
		body["triggerType"] = "mark_price"
		// executePrice 0 means market execution at trigger.
		body["executePrice"] = fmtSize(req.ExecutePrice)
		if req.Size > 0 {
			body["size"] = fmtSize(req.Size)
		}
	case domain.PlanNormal:
		path = "/api/v2/mix/order/place-plan-order"
		side := "sell"
		if req.HoldSide == domain.HoldShort {
			side = "buy"
		}
		body["planType"] = "normal_plan"
		body["marginMode"] = "crossed"
		body["triggerPrice"] = fmtSize(req.TriggerPrice)
		body["triggerType"] = "mark_price"
		body["side"] = side
		body["tradeSide"] = "close"
		body["orderType"] = "market"
		body["size"] = fmtSize(req.Size)
		body["reduceOnly"] = "YES"
	default:
		return "", fmt.Errorf("bitget: unsupported plan type %q", req.PlanType)
	}

	data, err := c.doSignedRequest(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return "", fmt.Errorf("bitget: place %s %s: %w", req.PlanType, req.Symbol, err)
	}
	var out orderIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("bitget: decode plan order id: %w", err)
	}
	return out.OrderID, nil
}

// CancelPlan cancels one conditional order.
func (c *Client) CancelPlan(ctx context.Context, symbol, orderID string, planType domain.PlanType) error {
	body := map[string]any{
		"symbol":      symbol,
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"orderIdList": []map[string]string{{"orderId": orderID}},
		"planType":    string(planType),
	}
	if _, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, body); err != nil {
		return fmt.Errorf("bitget: cancel plan %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// ModifyPlan rewrites the trigger price of a live conditional order.
func (c *Client) ModifyPlan(ctx context.Context, symbol, orderID string, planType domain.PlanType, triggerPrice float64) error {
	var path string
	body := map[string]any{
		"orderId":      orderID,
		"symbol":       symbol,
		"productType":  c.cfg.ProductType,
		"marginCoin":   c.cfg.MarginCoin,
		"triggerPrice": fmtSize(triggerPrice),
	}
	switch planType {
	case domain.PlanPosLoss, domain.PlanPosProfit:
		path = "/api/v2/mix/order/modify-tpsl-order"
		body["triggerType"] = "mark_price"
	default:
		path = "/api/v2/mix/order/modify-plan-order"
	}
	if _, err := c.doSignedRequest(ctx, http.MethodPost, path, nil, body); err != nil {
		return fmt.Errorf("bitget: modify plan %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// FlashClose market-closes a position (or part of it). It reports true only
// when the exchange confirmed a reduction.
func (c *Client) FlashClose(ctx context.Context, symbol string, holdSide domain.HoldSide, size float64) (bool, error) {
	body := map[string]any{
		"symbol":      symbol,
		"productType": c.cfg.ProductType,
		"holdSide":    string(holdSide),
	}
	if size > 0 {
		body["size"] = fmtSize(size)
	}

	data, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v2/mix/order/close-positions", nil, body)
	if err != nil {
		return false, fmt.Errorf("bitget: flash close %s: %w", symbol, err)
	}
	var out flashCloseData
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("bitget: decode flash close: %w", err)
	}
	return len(out.SuccessList) > 0, nil
}

// ---------------------------------------------------------------------------
// Listings / history
// ---------------------------------------------------------------------------

// ListPlanOrders lists live conditional orders of one plan type bucket for a
// symbol. Only status=live rows are returned.
func (c *Client) ListPlanOrders(ctx context.Context, symbol string, planType domain.PlanType) ([]domain.PlanOrder, error) {
	q := c.baseQuery()
	q.Set("planType", string(planType))
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", q, nil)
	if err != nil {
		return nil, fmt.Errorf("bitget: list plan orders %s/%s: %w", symbol, planType, err)
	}

	var out planListData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bitget: decode plan orders: %w", err)
	}

	orders := make([]domain.PlanOrder, 0, len(out.EntrustedList))
	for _, r := range out.EntrustedList {
		if r.Status != string(domain.PlanLive) {
			continue
		}
		if symbol != "" && !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		tradeSide := r.TradeSide
		if tradeSide == "" {
			// Position-level TPSL plans are implicitly close-side.
			tradeSide = "close"
		}
		orders = append(orders, domain.PlanOrder{
			OrderID:      r.OrderID,
			Symbol:       r.Symbol,
			PlanType:     domain.PlanType(r.PlanType),
			TriggerPrice: parseF(r.TriggerPrice),
			Size:         parseF(r.Size),
			TradeSide:    tradeSide,
			HoldSide:     domain.HoldSide(r.HoldSide),
			Status:       domain.PlanOrderStatus(r.Status),
		})
	}
	return orders, nil
}

// FillHistory returns account fills for symbol within [from, to].
func (c *Client) FillHistory(ctx context.Context, symbol string, from, to time.Time, limit int) ([]domain.Fill, error) {
	q := c.baseQuery()
	q.Set("symbol", symbol)
	if !from.IsZero() {
		q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/order/fills", q, nil)
	if err != nil {
		return nil, fmt.Errorf("bitget: fill history %s: %w", symbol, err)
	}

	var out fillListData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bitget: decode fills: %w", err)
	}

	fills := make([]domain.Fill, 0, len(out.FillList))
	for _, r := range out.FillList {
		ms, _ := strconv.ParseInt(r.CTime, 10, 64)
		var fee float64
		for _, fd := range r.FeeDetail {
			fee += parseF(fd.TotalFee)
		}
		// In hedge mode side names the position direction (buy=long even on
		// a closing fill) and tradeSide carries open/close.
		var side domain.TradeSide
		switch {
		case r.TradeSide == "close" && r.Side == "buy":
			side = domain.TradeCloseLong
		case r.TradeSide == "close":
			side = domain.TradeCloseShort
		case r.Side == "buy":
			side = domain.TradeOpenLong
		default:
			side = domain.TradeOpenShort
		}
		fills = append(fills, domain.Fill{
			Symbol:    r.Symbol,
			TradeSide: side,
			Price:     parseF(r.Price),
			Size:      parseF(r.BaseVolume),
			Fee:       fee,
			Time:      time.UnixMilli(ms),
		})
	}
	return fills, nil
}

// PositionHistory returns closed-position rows with cursor pagination.
func (c *Client) PositionHistory(ctx context.Context, symbol string, from, to time.Time, cursor string) ([]domain.HistoricalPosition, string, error) {
	q := c.baseQuery()
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if !from.IsZero() {
		q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	}
	if cursor != "" {
		q.Set("idLessThan", cursor)
	}

	data, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v2/mix/position/history-position", q, nil)
	if err != nil {
		return nil, "", fmt.Errorf("bitget: position history: %w", err)
	}

	var out histPositionListData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fmt.Errorf("bitget: decode position history: %w", err)
	}

	rows := make([]domain.HistoricalPosition, 0, len(out.List))
	for _, r := range out.List {
		created, _ := strconv.ParseInt(r.CTime, 10, 64)
		finished, _ := strconv.ParseInt(r.UTime, 10, 64)
		rows = append(rows, domain.HistoricalPosition{
			Symbol:     r.Symbol,
			HoldSide:   domain.HoldSide(r.HoldSide),
			OpenAvg:    parseF(r.OpenAvgPrice),
			CloseAvg:   parseF(r.CloseAvgPrice),
			Size:       parseF(r.OpenTotalPos),
			NetProfit:  parseF(r.NetProfit),
			CreatedAt:  time.UnixMilli(created),
			FinishedAt: time.UnixMilli(finished),
		})
	}
	return rows, out.EndID, nil
}

// SetLeverage sets the leverage for one hold side of a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, holdSide domain.HoldSide, leverage int) error {
	body := map[string]any{
		"symbol":      symbol,
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"leverage":    strconv.Itoa(leverage),
		"holdSide":    string(holdSide),
	}
	if _, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, body); err != nil {
		return fmt.Errorf("bitget: set leverage %s/%s: %w", symbol, holdSide, err)
	}
	return nil
}

// Batch executes ops sequentially and returns one result per op keyed by the
// caller ID. Failures never abort the remaining ops; callers inspect each
// result. Kept sequential on purpose: the exchange rate-limits bursts and
// bracket setup is a handful of calls.
func (c *Client) Batch(ctx context.Context, ops []domain.BatchOp) map[string]domain.BatchResult {
	results := make(map[string]domain.BatchResult, len(ops))
	for _, op := range ops {
		if ctx.Err() != nil {
			results[op.ID] = domain.BatchResult{Err: ctx.Err()}
			continue
		}
		orderID, err := c.PlaceBracket(ctx, op.Bracket)
		results[op.ID] = domain.BatchResult{OrderID: orderID, Err: err}
	}
	return results
}

// Compile-time interface check.
var _ domain.Exchange = (*Client)(nil)
