// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — market data,
// order book snapshots, orders, fills, positions, signals, and risk events.
// It has no dependencies on internal packages, so it can be imported by any
// layer. Every price, quantity, and money amount is a decimal.Decimal;
// float64 appears only in statistics (z-scores, imbalance ratios) where
// exact decimal arithmetic has no meaning.
package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Sign returns +1 for BUY and -1 for SELL as a decimal, for signed
// position arithmetic.
func (s Side) Sign() decimal.Decimal {
	if s == BUY {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long a limit order stays working.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC" // stays on book until filled or cancelled
	TifIOC TimeInForce = "IOC" // fills what it can immediately, cancels the rest
	TifFOK TimeInForce = "FOK" // fills completely immediately or cancels
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Interval is a kline bar duration in the venue's notation.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the bar length, or 0 for an unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// ParseInterval validates a bar duration string from config.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if iv.Duration() == 0 {
		return "", fmt.Errorf("unknown kline interval %q", s)
	}
	return iv, nil
}

// Severity grades risk events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketData is a single price point: a trade tick (aggTrade) or a ticker
// update. AggressorSide is the taker side for trades and empty for
// ticker-derived points.
type MarketData struct {
	Symbol        string
	Timestamp     time.Time
	Price         decimal.Decimal
	Volume        decimal.Decimal
	AggressorSide Side
}

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a point-in-time view of one symbol's book. Bids are sorted
// descending by price (best first), asks ascending. LastUpdateID is the
// venue sequence number of the most recent applied update.
type OrderBook struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID int64
	Timestamp    time.Time
}

// BestBid returns the top bid level, if the book has one.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if the book has one.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint between best bid and best ask. The second return
// is false when either side is empty.
func (b *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk - bestBid, or false when either side is empty.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// DepthUpdate is an incremental order book diff from the depth stream,
// covering venue sequence numbers FirstUpdateID..FinalUpdateID inclusive.
// A level with zero quantity deletes that price.
type DepthUpdate struct {
	Symbol        string
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
	Timestamp     time.Time
}

// Kline is one OHLCV bar. Closed is false while the bar is still forming.
type Kline struct {
	Symbol    string
	Interval  Interval
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's view of one exchange order. ExecutedQty and
// CumQuoteQty only ever grow; AvgFillPrice is CumQuoteQty/ExecutedQty
// once anything has filled.
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	Price         decimal.Decimal // zero for market orders
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	CumQuoteQty   decimal.Decimal
	Status        OrderStatus
	Strategy      string // originating strategy, empty for manual/reconciled orders
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQty)
}

// AvgFillPrice returns the volume-weighted fill price, or zero before the
// first fill.
func (o *Order) AvgFillPrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Decimal{}
	}
	return o.CumQuoteQty.Div(o.ExecutedQty)
}

// Fill is one execution against one of our orders. TradeID is unique and
// ascending per order.
type Fill struct {
	Symbol        string
	TradeID       int64
	OrderID       int64
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	Strategy      string
	Timestamp     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Positions and account
// ————————————————————————————————————————————————————————————————————————

// Position is the signed net position for one symbol. Size > 0 is long,
// < 0 is short, zero is flat. EntryPrice is the volume-weighted entry and
// is meaningful only while the position is open.
type Position struct {
	Symbol        string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	UpdatedAt     time.Time
}

// Flat reports whether the position is closed.
func (p *Position) Flat() bool { return p.Size.IsZero() }

// Notional returns |size| * mark price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Abs().Mul(p.MarkPrice)
}

// Balance is one asset's spot balance.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// AccountInfo is the signed account snapshot from the venue.
type AccountInfo struct {
	Balances  []Balance
	CanTrade  bool
	UpdatedAt time.Time
}

// Balance returns the balance for one asset, or a zero balance if absent.
func (a *AccountInfo) Balance(asset string) Balance {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b
		}
	}
	return Balance{Asset: asset}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy's request to trade. Confidence grades conviction in
// [0, 1]; Meta carries strategy-specific context as a typed variant.
type Signal struct {
	Strategy    string
	Symbol      string
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Price       decimal.Decimal // required for LIMIT, ignored for MARKET
	Qty         decimal.Decimal
	Confidence  float64
	Reason      string
	CreatedAt   time.Time
	Meta        SignalMeta
}

// Validate checks the structural invariants a signal must satisfy before
// it can reach the risk gate.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has no symbol")
	}
	if s.Side != BUY && s.Side != SELL {
		return fmt.Errorf("signal side %q invalid", s.Side)
	}
	if !s.Qty.IsPositive() {
		return fmt.Errorf("signal qty %s must be positive", s.Qty)
	}
	if s.Type == OrderTypeLimit && !s.Price.IsPositive() {
		return fmt.Errorf("limit signal needs a positive price, got %s", s.Price)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// SignalMeta is strategy-specific signal context. Each strategy attaches
// its own variant; Fields flattens it to the string-keyed form used for
// logs and persistence.
type SignalMeta interface {
	MetaKind() string
	Fields() map[string]string
}

// ScalperMeta annotates scalper entries and exits.
type ScalperMeta struct {
	OBI        float64         // order book imbalance in [-1, 1]
	Flow       float64         // trade-flow imbalance in [-1, 1]
	EMAFast    decimal.Decimal
	EMASlow    decimal.Decimal
	StopPrice  decimal.Decimal
	TakeProfit decimal.Decimal
}

func (m ScalperMeta) MetaKind() string { return "scalper" }

func (m ScalperMeta) Fields() map[string]string {
	return map[string]string{
		"obi":         strconv.FormatFloat(m.OBI, 'f', -1, 64),
		"flow":        strconv.FormatFloat(m.Flow, 'f', -1, 64),
		"ema_fast":    m.EMAFast.String(),
		"ema_slow":    m.EMASlow.String(),
		"stop_price":  m.StopPrice.String(),
		"take_profit": m.TakeProfit.String(),
	}
}

// MakerMeta annotates market-maker quotes.
type MakerMeta struct {
	FairPrice  decimal.Decimal
	HalfSpread decimal.Decimal
	Inventory  decimal.Decimal
	Volatility float64 // rolling stddev of mid log-returns
	ReplacesID string  // client order id this quote supersedes, if any
}

func (m MakerMeta) MetaKind() string { return "maker" }

func (m MakerMeta) Fields() map[string]string {
	return map[string]string{
		"fair_price":  m.FairPrice.String(),
		"half_spread": m.HalfSpread.String(),
		"inventory":   m.Inventory.String(),
		"volatility":  strconv.FormatFloat(m.Volatility, 'f', -1, 64),
		"replaces_id": m.ReplacesID,
	}
}

// PairsMeta annotates pairs-arbitrage legs.
type PairsMeta struct {
	PeerSymbol string
	ZScore     float64
	Mu         float64
	Sigma      float64
	Theta      float64 // OU reversion speed, reported but never gating
	HedgeRatio decimal.Decimal
	Corrective bool // true when this order repairs a missing hedge leg
}

func (m PairsMeta) MetaKind() string { return "pairs" }

func (m PairsMeta) Fields() map[string]string {
	return map[string]string{
		"peer_symbol": m.PeerSymbol,
		"z_score":     strconv.FormatFloat(m.ZScore, 'f', -1, 64),
		"mu":          strconv.FormatFloat(m.Mu, 'f', -1, 64),
		"sigma":       strconv.FormatFloat(m.Sigma, 'f', -1, 64),
		"theta":       strconv.FormatFloat(m.Theta, 'f', -1, 64),
		"hedge_ratio": m.HedgeRatio.String(),
		"corrective":  strconv.FormatBool(m.Corrective),
	}
}

// CloseMeta annotates position-closing orders (stops, take profits,
// strategy shutdown flattening).
type CloseMeta struct {
	Reason     string
	EntryPrice decimal.Decimal
}

func (m CloseMeta) MetaKind() string { return "close" }

func (m CloseMeta) Fields() map[string]string {
	return map[string]string{
		"reason":      m.Reason,
		"entry_price": m.EntryPrice.String(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Risk events
// ————————————————————————————————————————————————————————————————————————

// RiskEvent codes used across the engine.
const (
	RiskCodeKillSwitch     = "KILL_SWITCH"
	RiskCodeDailyLoss      = "DAILY_LOSS_LIMIT"
	RiskCodeSignalRejected = "SIGNAL_REJECTED"
	RiskCodeLossCooldown   = "LOSS_COOLDOWN"
	RiskCodeStreamFailed   = "STREAM_FAILED"
	RiskCodeStreamState    = "STREAM_STATE"
	RiskCodeStaleData      = "STALE_DATA"
	RiskCodeStoreDegraded  = "STORE_DEGRADED"
	RiskCodePendingHedge   = "PENDING_HEDGE"
)

// RiskEvent is an out-of-band notification from the risk or infrastructure
// layers. Symbol is empty for engine-wide events.
type RiskEvent struct {
	Severity  Severity
	Code      string
	Message   string
	Symbol    string
	Timestamp time.Time
	Details   map[string]string
}

// ————————————————————————————————————————————————————————————————————————
// Exchange metadata
// ————————————————————————————————————————————————————————————————————————

// RateQuota is the venue's request and weight allowance per window.
type RateQuota struct {
	RequestsPerSec int
	RequestsPerMin int
	RequestsPerDay int
	WeightPerSec   int
	WeightPerMin   int
	WeightPerDay   int
}

// DefaultRateQuota returns the documented spot API limits used until
// exchangeInfo reports live ones.
func DefaultRateQuota() RateQuota {
	return RateQuota{
		RequestsPerSec: 10,
		RequestsPerMin: 1200,
		RequestsPerDay: 200000,
		WeightPerSec:   1200,
		WeightPerMin:   6000,
		WeightPerDay:   1000000,
	}
}

// SymbolInfo carries the per-symbol trading filters parsed from
// exchangeInfo. Prices are quantized to TickSize and quantities to
// StepSize before orders go out.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// ExchangeInfo is the cached venue metadata snapshot.
type ExchangeInfo struct {
	Symbols   map[string]SymbolInfo
	Quota     RateQuota
	FetchedAt time.Time
}

// Symbol returns the filters for one symbol, if the venue lists it.
func (e *ExchangeInfo) Symbol(sym string) (SymbolInfo, bool) {
	info, ok := e.Symbols[sym]
	return info, ok
}
