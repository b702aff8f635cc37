package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/types"
)

const (
	// obiDepth is how many levels per side feed the imbalance.
	obiDepth = 5
	// scalperHoldoff blocks repeat signals for a symbol while an order is
	// in flight; a fill clears it early.
	scalperHoldoff = 5 * time.Second
	// maxEquityFraction caps any single entry at this share of equity.
	maxEquityFraction = 0.1
)

// Scalper trades short-horizon momentum: an EMA cross sets direction and
// the top-of-book imbalance confirms it. Entries are IOC limits shaded
// inside the last price by slipOffset; exits are market orders at a fixed
// stop or double-distance take profit.
type Scalper struct {
	core
	cfg    config.ScalperConfig
	flow   FlowSource
	equity decimal.Decimal

	riskFrac   decimal.Decimal
	stopDist   decimal.Decimal
	slipOffset decimal.Decimal

	state map[string]*scalperSymbol
}

// scalperSymbol is per-symbol indicator and pacing state. Only the
// strategy's own goroutine touches it.
type scalperSymbol struct {
	emaFast   *EMA
	emaSlow   *EMA
	lastPrice decimal.Decimal
	obi       float64
	obiOK     bool
	holdoff   time.Time
}

// NewScalper builds the strategy. equity sizes entries; flow may be nil,
// dropping the flow half of the confidence blend.
func NewScalper(cfg config.ScalperConfig, equity decimal.Decimal, flow FlowSource, out chan<- types.Signal, logger *slog.Logger) *Scalper {
	s := &Scalper{
		core:       newCore("scalper", cfg.Symbols, out, logger),
		cfg:        cfg,
		flow:       flow,
		equity:     equity,
		riskFrac:   decimal.NewFromFloat(cfg.RiskFraction),
		stopDist:   decimal.NewFromFloat(cfg.StopDistance),
		slipOffset: decimal.NewFromFloat(cfg.SlipOffset),
		state:      make(map[string]*scalperSymbol, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		s.state[sym] = &scalperSymbol{
			emaFast: NewEMA(cfg.EMAFast),
			emaSlow: NewEMA(cfg.EMASlow),
		}
	}
	return s
}

func (s *Scalper) OnMarketData(md types.MarketData) {
	st := s.state[md.Symbol]
	if st == nil || !md.Price.IsPositive() {
		return
	}
	price, _ := md.Price.Float64()
	st.emaFast.Update(price)
	st.emaSlow.Update(price)
	st.lastPrice = md.Price

	s.checkExit(st, md.Symbol, md.Price, time.Now())
}

func (s *Scalper) OnOrderBook(book types.OrderBook) {
	st := s.state[book.Symbol]
	if st == nil {
		return
	}
	st.obi, st.obiOK = OrderBookImbalance(&book, obiDepth)
	if !st.obiOK {
		return
	}
	s.tryEnter(st, book.Symbol, time.Now())
}

// OnKline is unused: the scalper runs on ticks, not bars.
func (s *Scalper) OnKline(types.Kline) {}

func (s *Scalper) OnFill(f types.Fill) {
	pos := s.applyFill(f)
	st := s.state[f.Symbol]
	if st != nil {
		st.holdoff = time.Time{}
	}
	s.logger.Info("fill", "symbol", f.Symbol, "side", f.Side, "qty", f.Qty,
		"price", f.Price, "position", pos.Size)
}

func (s *Scalper) OnTimer(now time.Time) {
	for sym, st := range s.state {
		if st.lastPrice.IsPositive() {
			s.checkExit(st, sym, st.lastPrice, now)
		}
	}
}

func (s *Scalper) Stats() Stats { return s.stats(true) }

func (s *Scalper) tryEnter(st *scalperSymbol, symbol string, now time.Time) {
	if now.Before(st.holdoff) || !st.emaSlow.Warm() || !st.lastPrice.IsPositive() {
		return
	}

	fast, _ := st.emaFast.Value()
	slow, _ := st.emaSlow.Value()
	pos := s.position(symbol).Size

	// A standing short may be reversed by a long signal and vice versa;
	// only same-direction adds are blocked.
	var side types.Side
	switch {
	case fast > slow && st.obi > s.cfg.OBIThreshold && !pos.IsPositive():
		side = types.BUY
	case fast < slow && st.obi < -s.cfg.OBIThreshold && !pos.IsNegative():
		side = types.SELL
	default:
		return
	}

	price := st.lastPrice
	qty := s.entrySize(price)
	if !qty.IsPositive() {
		return
	}

	one := decimal.NewFromInt(1)
	var limit, stop, take decimal.Decimal
	if side == types.BUY {
		limit = price.Mul(one.Sub(s.slipOffset))
		stop = price.Mul(one.Sub(s.stopDist))
		take = price.Mul(one.Add(s.stopDist.Mul(decimal.NewFromInt(2))))
	} else {
		limit = price.Mul(one.Add(s.slipOffset))
		stop = price.Mul(one.Add(s.stopDist))
		take = price.Mul(one.Sub(s.stopDist.Mul(decimal.NewFromInt(2))))
	}

	flowAlign := 0.0
	flowRaw := 0.0
	if s.flow != nil {
		if f, ok := s.flow.FlowImbalance(symbol); ok {
			flowRaw = f
			if side == types.SELL {
				f = -f
			}
			flowAlign = math.Max(0, f)
		}
	}
	confidence := math.Min(1, math.Abs(st.obi)/s.cfg.OBIThreshold*0.5+flowAlign*0.5)

	if s.emit(types.Signal{
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.TifIOC,
		Price:       limit,
		Qty:         qty,
		Confidence:  confidence,
		Reason:      fmt.Sprintf("ema %.6g/%.6g obi %.3f", fast, slow, st.obi),
		Meta: types.ScalperMeta{
			OBI:        st.obi,
			Flow:       flowRaw,
			EMAFast:    decimal.NewFromFloat(fast),
			EMASlow:    decimal.NewFromFloat(slow),
			StopPrice:  stop,
			TakeProfit: take,
		},
	}) {
		st.holdoff = now.Add(scalperHoldoff)
	}
}

// entrySize risks riskFraction of equity against the stop distance, capped
// at maxEquityFraction of equity in notional.
func (s *Scalper) entrySize(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !s.stopDist.IsPositive() {
		return decimal.Decimal{}
	}
	qty := s.equity.Mul(s.riskFrac).Div(price.Mul(s.stopDist))
	maxQty := s.equity.Mul(decimal.NewFromFloat(maxEquityFraction)).Div(price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	return qty
}

func (s *Scalper) checkExit(st *scalperSymbol, symbol string, price decimal.Decimal, now time.Time) {
	if now.Before(st.holdoff) {
		return
	}
	pos := s.position(symbol)
	if pos.Flat() || !pos.EntryPrice.IsPositive() {
		return
	}

	one := decimal.NewFromInt(1)
	two := decimal.NewFromInt(2)
	long := pos.Size.IsPositive()

	var reason string
	if long {
		switch {
		case price.LessThanOrEqual(pos.EntryPrice.Mul(one.Sub(s.stopDist))):
			reason = "stop_loss"
		case price.GreaterThanOrEqual(pos.EntryPrice.Mul(one.Add(s.stopDist.Mul(two)))):
			reason = "take_profit"
		}
	} else {
		switch {
		case price.GreaterThanOrEqual(pos.EntryPrice.Mul(one.Add(s.stopDist))):
			reason = "stop_loss"
		case price.LessThanOrEqual(pos.EntryPrice.Mul(one.Sub(s.stopDist.Mul(two)))):
			reason = "take_profit"
		}
	}
	if reason == "" {
		return
	}

	side := types.SELL
	if !long {
		side = types.BUY
	}
	if s.emit(types.Signal{
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Qty:        pos.Size.Abs(),
		Confidence: 1,
		Reason:     reason,
		Meta:       types.CloseMeta{Reason: reason, EntryPrice: pos.EntryPrice},
	}) {
		st.holdoff = now.Add(scalperHoldoff)
	}
}
