// Package exchange implements the spot venue's REST and WebSocket clients.
//
// The REST client (Client) covers the endpoints the engine needs:
//   - ServerTime:      GET    /api/v3/time
//   - GetExchangeInfo: GET    /api/v3/exchangeInfo — cached, pushes rate quotas
//   - GetOrderBook:    GET    /api/v3/depth
//   - GetKlines:       GET    /api/v3/klines
//   - GetTicker:       GET    /api/v3/ticker/24hr
//   - GetAccount:      GET    /api/v3/account      (signed)
//   - PlaceOrder:      POST   /api/v3/order        (signed)
//   - CancelOrder:     DELETE /api/v3/order        (signed)
//   - GetOrder:        GET    /api/v3/order        (signed)
//   - GetOpenOrders:   GET    /api/v3/openOrders   (signed)
//
// Every request first acquires its documented weight from the RateLimiter.
// 5xx and transport errors retry with exponential backoff inside resty;
// 429/418 honors Retry-After once and then surfaces ErrRateLimited; other
// 4xx map to APIError without retry.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

const (
	totalRequestBudget = 30 * time.Second
	exchangeInfoTTL    = time.Hour
)

// endpoint weights from the venue's API documentation.
const (
	weightTime         = 1
	weightExchangeInfo = 10
	weightDepth        = 1
	weightKlines       = 1
	weightTicker       = 1
	weightAccount      = 10
	weightPlaceOrder   = 1
	weightCancelOrder  = 1
	weightGetOrder     = 2
	weightOpenOrders   = 3
)

// Client is the spot REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and request signing.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	dryRun bool // when true, trading endpoints run against a local table without HTTP calls
	logger *slog.Logger

	infoMu sync.RWMutex
	info   *types.ExchangeInfo

	dryMu     sync.Mutex
	dryNextID int64
	dryOrders map[string]*types.Order // client order id → local copy (dry run only)
}

// NewClient creates a REST client with rate limiting and retry. dryRun
// serves the trading endpoints (place, cancel, query) from a local order
// table so the rest of the engine behaves normally; market data and account
// reads always go out.
func NewClient(cfg config.ExchangeConfig, dryRun bool, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		signer:    NewSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindowMs),
		rl:        NewRateLimiter(types.DefaultRateQuota()),
		dryRun:    dryRun,
		logger:    logger,
		dryNextID: 1,
		dryOrders: make(map[string]*types.Order),
	}
}

// Limiter exposes the rate limiter for status reporting.
func (c *Client) Limiter() *RateLimiter { return c.rl }

// do runs one rate-limited request and maps failures onto the error kinds.
// A 429/418 is retried exactly once after honoring Retry-After.
func (c *Client) do(ctx context.Context, method, path string, weight int, signed bool, params Params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, totalRequestBudget)
	defer cancel()

	rateLimitRetried := false
	for {
		if err := c.rl.Acquire(ctx, weight); err != nil {
			return err
		}

		url := path
		if signed {
			url += "?" + c.signer.SignQuery(params)
		} else if len(params) > 0 {
			url += "?" + params.Encode()
		}

		req := c.http.R().SetContext(ctx)
		if signed {
			req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
		}
		if result != nil {
			req.SetResult(result)
		}

		resp, err := req.Execute(method, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransientNetwork)
		}

		status := resp.StatusCode()
		switch {
		case status < 300:
			return nil
		case status == http.StatusTooManyRequests || status == 418:
			if rateLimitRetried {
				return fmt.Errorf("%s %s: %w", method, path, errs.ErrRateLimited)
			}
			rateLimitRetried = true
			wait := retryAfter(resp.Header().Get("Retry-After"))
			c.logger.Warn("rate limited by venue, backing off",
				"path", path, "status", status, "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		case status >= 500:
			return fmt.Errorf("%s %s: status %d: %w", method, path, status, errs.ErrTransientNetwork)
		default:
			return fmt.Errorf("%s %s: %w", method, path, parseAPIError(status, resp.Body()))
		}
	}
}

// retryAfter parses a Retry-After header in seconds, defaulting to 1s.
func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

// parseAPIError decodes the venue's {"code":-NNNN,"msg":"..."} error body.
func parseAPIError(status int, body []byte) *errs.APIError {
	apiErr := &errs.APIError{HTTPStatus: status}
	var wire struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &wire); err == nil {
		apiErr.Code = wire.Code
		apiErr.Message = wire.Msg
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}

// ServerTime fetches the venue clock, useful as a connectivity probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/time", weightTime, false, nil, &result); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(result.ServerTime).UTC(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange info
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResp struct {
	RateLimits []struct {
		RateLimitType string `json:"rateLimitType"`
		Interval      string `json:"interval"`
		IntervalNum   int    `json:"intervalNum"`
		Limit         int    `json:"limit"`
	} `json:"rateLimits"`
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetExchangeInfo returns venue metadata, refreshing at most once per hour.
// A successful fetch replaces the rate limiter's quota with the venue's
// reported limits.
func (c *Client) GetExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	c.infoMu.RLock()
	cached := c.info
	c.infoMu.RUnlock()
	if cached != nil && time.Since(cached.FetchedAt) < exchangeInfoTTL {
		return cached, nil
	}

	var wire exchangeInfoResp
	if err := c.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", weightExchangeInfo, false, nil, &wire); err != nil {
		// Serve a stale cache over failing hard; callers needing freshness
		// watch the error log.
		if cached != nil {
			c.logger.Warn("exchangeInfo refresh failed, serving stale cache", "error", err)
			return cached, nil
		}
		return nil, err
	}

	info := parseExchangeInfo(&wire, time.Now().UTC())
	c.rl.UpdateQuota(info.Quota)

	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()

	c.logger.Info("exchange info refreshed",
		"symbols", len(info.Symbols),
		"weight_per_min", info.Quota.WeightPerMin,
		"requests_per_min", info.Quota.RequestsPerMin)
	return info, nil
}

func parseExchangeInfo(wire *exchangeInfoResp, now time.Time) *types.ExchangeInfo {
	info := &types.ExchangeInfo{
		Symbols:   make(map[string]types.SymbolInfo, len(wire.Symbols)),
		Quota:     types.DefaultRateQuota(),
		FetchedAt: now,
	}

	for _, rl := range wire.RateLimits {
		// Only unit-interval entries map cleanly onto the fixed windows.
		if rl.IntervalNum != 1 {
			continue
		}
		switch {
		case rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "SECOND":
			info.Quota.WeightPerSec = rl.Limit
		case rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE":
			info.Quota.WeightPerMin = rl.Limit
		case rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "DAY":
			info.Quota.WeightPerDay = rl.Limit
		case rl.RateLimitType == "RAW_REQUESTS" && rl.Interval == "SECOND":
			info.Quota.RequestsPerSec = rl.Limit
		case rl.RateLimitType == "RAW_REQUESTS" && rl.Interval == "MINUTE":
			info.Quota.RequestsPerMin = rl.Limit
		case rl.RateLimitType == "RAW_REQUESTS" && rl.Interval == "DAY":
			info.Quota.RequestsPerDay = rl.Limit
		}
	}

	for _, s := range wire.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		si := types.SymbolInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				si.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				si.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				si.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		info.Symbols[s.Symbol] = si
	}
	return info
}

// SymbolFilters returns the cached filters for a symbol. ok is false until
// GetExchangeInfo has succeeded at least once or the symbol is unlisted.
func (c *Client) SymbolFilters(symbol string) (types.SymbolInfo, bool) {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.info == nil {
		return types.SymbolInfo{}, false
	}
	return c.info.Symbol(symbol)
}

// RoundToFilters quantizes price to the symbol's tick size and qty to its
// step size, both rounding down. Inputs pass through unchanged when no
// filters are cached.
func (c *Client) RoundToFilters(symbol string, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	si, ok := c.SymbolFilters(symbol)
	if !ok {
		return price, qty
	}
	return roundToStep(price, si.TickSize), roundToStep(qty, si.StepSize)
}

// roundToStep truncates v down to a multiple of step.
func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || v.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type depthResp struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// GetOrderBook fetches a depth snapshot. limit is clamped to [5, 1000].
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit < 5 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	params := Params{}.
		With("symbol", symbol).
		With("limit", strconv.Itoa(limit))

	var wire depthResp
	if err := c.do(ctx, http.MethodGet, "/api/v3/depth", weightDepth, false, params, &wire); err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Symbol:       symbol,
		LastUpdateID: wire.LastUpdateID,
		Timestamp:    time.Now().UTC(),
		Bids:         make([]types.PriceLevel, 0, len(wire.Bids)),
		Asks:         make([]types.PriceLevel, 0, len(wire.Asks)),
	}
	for _, lv := range wire.Bids {
		level, err := parseLevel(lv)
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", symbol, err)
		}
		book.Bids = append(book.Bids, level)
	}
	for _, lv := range wire.Asks {
		level, err := parseLevel(lv)
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", symbol, err)
		}
		book.Asks = append(book.Asks, level)
	}
	return book, nil
}

func parseLevel(lv [2]string) (types.PriceLevel, error) {
	price, err := decimal.NewFromString(lv[0])
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("bad level price %q", lv[0])
	}
	qty, err := decimal.NewFromString(lv[1])
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("bad level qty %q", lv[1])
	}
	return types.PriceLevel{Price: price, Qty: qty}, nil
}

// GetKlines fetches up to limit bars. start/end and limit are optional
// (zero values are omitted); the venue caps limit at 1000.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Kline, error) {
	params := Params{}.
		With("symbol", symbol).
		With("interval", string(interval))
	if !start.IsZero() {
		params = params.With("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params = params.With("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		params = params.With("limit", strconv.Itoa(limit))
	}

	var wire [][]any
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", weightKlines, false, params, &wire); err != nil {
		return nil, err
	}

	klines := make([]types.Kline, 0, len(wire))
	for _, row := range wire {
		k, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			return nil, fmt.Errorf("klines %s: %w", symbol, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow decodes the venue's positional kline array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(symbol string, interval types.Interval, row []any) (types.Kline, error) {
	if len(row) < 7 {
		return types.Kline{}, fmt.Errorf("kline row has %d fields, want >= 7", len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("kline open time %v not numeric", row[0])
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return types.Kline{}, fmt.Errorf("kline close time %v not numeric", row[6])
	}

	var prices [5]decimal.Decimal // open, high, low, close, volume
	for i := 0; i < 5; i++ {
		s, ok := row[i+1].(string)
		if !ok {
			return types.Kline{}, fmt.Errorf("kline field %d is %T, want string", i+1, row[i+1])
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return types.Kline{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		prices[i] = v
	}

	return types.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
		CloseTime: time.UnixMilli(int64(closeMs)).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
		Closed:    true,
	}, nil
}

// GetTicker fetches the 24h ticker and reduces it to a MarketData point at
// the last trade price.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.MarketData, error) {
	var wire struct {
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
		CloseTime int64  `json:"closeTime"`
	}
	params := Params{}.With("symbol", symbol)
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", weightTicker, false, params, &wire); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(wire.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: bad lastPrice %q", symbol, wire.LastPrice)
	}
	volume, err := decimal.NewFromString(wire.Volume)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: bad volume %q", symbol, wire.Volume)
	}
	return &types.MarketData{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(wire.CloseTime).UTC(),
		Price:     price,
		Volume:    volume,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account and trading
// ————————————————————————————————————————————————————————————————————————

// GetAccount fetches balances. Signed.
func (c *Client) GetAccount(ctx context.Context) (*types.AccountInfo, error) {
	var wire struct {
		CanTrade   bool  `json:"canTrade"`
		UpdateTime int64 `json:"updateTime"`
		Balances   []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", weightAccount, true, Params{}, &wire); err != nil {
		return nil, err
	}

	acct := &types.AccountInfo{
		CanTrade:  wire.CanTrade,
		UpdatedAt: time.UnixMilli(wire.UpdateTime).UTC(),
	}
	for _, b := range wire.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("account balance %s: bad amounts %q/%q", b.Asset, b.Free, b.Locked)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		acct.Balances = append(acct.Balances, types.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return acct, nil
}

// OrderRequest is the input to PlaceOrder. Price is required for LIMIT
// orders; for MARKET orders it is advisory only (paper fills use it) and
// never goes on the wire.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	TimeInForce   types.TimeInForce
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	Strategy      string
}

// orderResp is the venue's order payload, shared by place/cancel/get.
type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	OrigClientID  string `json:"origClientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	TransactTime  int64  `json:"transactTime"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (w *orderResp) toOrder(strategy string) (types.Order, error) {
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: bad price %q", w.ClientOrderID, w.Price)
	}
	qty, err := decimal.NewFromString(w.OrigQty)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: bad origQty %q", w.ClientOrderID, w.OrigQty)
	}
	executed, err := decimal.NewFromString(w.ExecutedQty)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: bad executedQty %q", w.ClientOrderID, w.ExecutedQty)
	}
	cumQuote, err := decimal.NewFromString(w.CumQuoteQty)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %s: bad cumQuoteQty %q", w.ClientOrderID, w.CumQuoteQty)
	}

	clientID := w.ClientOrderID
	if w.OrigClientID != "" {
		clientID = w.OrigClientID
	}
	created := w.Time
	if created == 0 {
		created = w.TransactTime
	}
	updated := w.UpdateTime
	if updated == 0 {
		updated = w.TransactTime
	}

	return types.Order{
		Symbol:        w.Symbol,
		OrderID:       w.OrderID,
		ClientOrderID: clientID,
		Side:          types.Side(w.Side),
		Type:          types.OrderType(w.Type),
		TimeInForce:   types.TimeInForce(w.TimeInForce),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		CumQuoteQty:   cumQuote,
		Status:        types.OrderStatus(w.Status),
		Strategy:      strategy,
		CreatedAt:     time.UnixMilli(created).UTC(),
		UpdatedAt:     time.UnixMilli(updated).UTC(),
	}, nil
}

// PlaceOrder submits a new order. Signed.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if c.dryRun {
		return c.dryPlace(req), nil
	}

	params := Params{}.
		With("symbol", req.Symbol).
		With("side", string(req.Side)).
		With("type", string(req.Type))
	if req.Type == types.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = types.TifGTC
		}
		params = params.
			With("timeInForce", string(tif)).
			With("price", req.Price.String())
	}
	params = params.
		With("quantity", req.Quantity.String()).
		With("newClientOrderId", req.ClientOrderID).
		With("newOrderRespType", "RESULT")

	var wire orderResp
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", weightPlaceOrder, true, params, &wire); err != nil {
		return nil, err
	}
	order, err := wire.toOrder(req.Strategy)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// dryPlace fabricates the venue ack for paper mode and records the order in
// the local table so later cancels and reconcile sweeps see it. Market
// orders fill at the advisory price immediately; limit orders rest as NEW.
func (c *Client) dryPlace(req OrderRequest) *types.Order {
	now := time.Now().UTC()
	order := types.Order{
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        types.OrderStatusNew,
		Strategy:      req.Strategy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Type == types.OrderTypeMarket && req.Price.IsPositive() {
		order.ExecutedQty = req.Quantity
		order.CumQuoteQty = req.Quantity.Mul(req.Price)
		order.Status = types.OrderStatusFilled
	}

	c.dryMu.Lock()
	order.OrderID = c.dryNextID
	c.dryNextID++
	cp := order
	c.dryOrders[order.ClientOrderID] = &cp
	c.dryMu.Unlock()

	c.logger.Info("DRY-RUN: would place order",
		"symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"qty", req.Quantity, "price", req.Price, "client_id", req.ClientOrderID)
	return &order
}

// CancelOrder cancels by client order id. Signed.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if c.dryRun {
		return c.dryCancel(symbol, clientOrderID)
	}

	params := Params{}.
		With("symbol", symbol).
		With("origClientOrderId", clientOrderID)

	var wire orderResp
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", weightCancelOrder, true, params, &wire); err != nil {
		return nil, err
	}
	order, err := wire.toOrder("")
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches one order's current state by client order id. Signed.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if c.dryRun {
		c.dryMu.Lock()
		defer c.dryMu.Unlock()
		o, ok := c.dryOrders[clientOrderID]
		if !ok || o.Symbol != symbol {
			return nil, &errs.APIError{HTTPStatus: 400, Code: -2013, Message: "Order does not exist."}
		}
		cp := *o
		return &cp, nil
	}

	params := Params{}.
		With("symbol", symbol).
		With("origClientOrderId", clientOrderID)

	var wire orderResp
	if err := c.do(ctx, http.MethodGet, "/api/v3/order", weightGetOrder, true, params, &wire); err != nil {
		return nil, err
	}
	order, err := wire.toOrder("")
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOpenOrders lists working orders for one symbol. Signed.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if c.dryRun {
		c.dryMu.Lock()
		defer c.dryMu.Unlock()
		var open []types.Order
		for _, o := range c.dryOrders {
			if o.Symbol != symbol || o.Status.IsTerminal() {
				continue
			}
			open = append(open, *o)
		}
		sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
		return open, nil
	}

	params := Params{}.With("symbol", symbol)

	var wire []orderResp
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", weightOpenOrders, true, params, &wire); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(wire))
	for i := range wire {
		order, err := wire[i].toOrder("")
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// dryCancel marks a locally tracked order canceled. Canceling an order that
// already reached a terminal state returns the venue's unknown-order code,
// which is what the real endpoint does.
func (c *Client) dryCancel(symbol, clientOrderID string) (*types.Order, error) {
	c.dryMu.Lock()
	defer c.dryMu.Unlock()

	o, ok := c.dryOrders[clientOrderID]
	if !ok || o.Symbol != symbol || o.Status.IsTerminal() {
		return nil, &errs.APIError{HTTPStatus: 400, Code: -2011, Message: "Unknown order sent."}
	}
	o.Status = types.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "client_id", clientOrderID)
	return &cp, nil
}
