package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/types"
)

// spreadFloorBps floors the full quoted spread at one basis point of fair.
const spreadFloorBps = "0.0001"

// Maker quotes both sides of the book around an inventory-skewed fair price.
//
// Per-quote flow:
//  1. Fair value: fair = mid + inventoryBias * inventory, shading quotes
//     away from the side that would load the book further.
//  2. Spread: spreadPct * fair, widened by realized bar volatility (1 + 2σ)
//     and inventory pressure (1 + |inv|/maxInv * 0.5), floored at 1 bp.
//  3. Post bid = fair - spread/2 and ask = fair + spread/2 as GTC limits.
//     Bid size = min(orderSize, maxInv - inv), ask size =
//     min(orderSize, maxInv + inv); a side with no headroom is not quoted.
//
// Quotes refresh when RefreshInterval elapses, after a fill, or when fair
// drifts more than half the spread. Each quote carries the id of the order
// it replaces so the stale one is canceled first.
type Maker struct {
	core
	cfg     config.MakerConfig
	working WorkingOrders

	invBias   decimal.Decimal
	spreadPct decimal.Decimal
	maxInv    decimal.Decimal
	orderSize decimal.Decimal

	state map[string]*makerSymbol
}

// makerSymbol is per-symbol quoting state, touched only by the strategy
// goroutine.
type makerSymbol struct {
	vol        *RollingVol
	lastMid    decimal.Decimal
	quotedFair decimal.Decimal
	lastQuote  time.Time
}

// NewMaker creates the strategy. working exposes our resting quotes so
// replacements can name the order they supersede; it may be wired later
// via SetWorkingOrders since the engine builds strategies before the order
// manager.
func NewMaker(cfg config.MakerConfig, working WorkingOrders, out chan<- types.Signal, logger *slog.Logger) *Maker {
	m := &Maker{
		core:      newCore("maker", cfg.Symbols, out, logger),
		cfg:       cfg,
		working:   working,
		invBias:   decimal.NewFromFloat(cfg.InventoryBias),
		spreadPct: decimal.NewFromFloat(cfg.SpreadPct),
		maxInv:    decimal.NewFromFloat(cfg.MaxInventory),
		orderSize: decimal.NewFromFloat(cfg.OrderSize),
		state:     make(map[string]*makerSymbol, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		m.state[sym] = &makerSymbol{vol: NewRollingVol(cfg.VolWindow)}
	}
	return m
}

// SetWorkingOrders wires the order manager in after construction.
func (m *Maker) SetWorkingOrders(w WorkingOrders) { m.working = w }

func (m *Maker) OnMarketData(types.MarketData) {}

// OnKline feeds the volatility estimate from closed base-interval bars.
func (m *Maker) OnKline(k types.Kline) {
	st := m.state[k.Symbol]
	if st == nil || !k.Closed || k.Interval != types.Interval1m {
		return
	}
	c, _ := k.Close.Float64()
	st.vol.Update(c)
}

func (m *Maker) OnOrderBook(book types.OrderBook) {
	st := m.state[book.Symbol]
	if st == nil {
		return
	}
	mid, ok := book.Mid()
	if !ok {
		return
	}
	st.lastMid = mid

	m.maybeRequote(st, book.Symbol, time.Now())
}

func (m *Maker) OnFill(f types.Fill) {
	pos := m.applyFill(f)
	m.logger.Info("fill",
		"symbol", f.Symbol,
		"side", f.Side,
		"price", f.Price,
		"qty", f.Qty,
		"inventory", pos.Size,
	)
	// Inventory moved, so the skew is wrong; requote on the next book
	// update instead of waiting out the refresh interval.
	if st := m.state[f.Symbol]; st != nil {
		st.quotedFair = decimal.Decimal{}
	}
}

func (m *Maker) OnTimer(now time.Time) {
	for sym, st := range m.state {
		if st.lastMid.IsPositive() {
			m.maybeRequote(st, sym, now)
		}
	}
}

func (m *Maker) Stats() Stats { return m.stats(true) }

func (m *Maker) maybeRequote(st *makerSymbol, symbol string, now time.Time) {
	fair, half := m.quotePrices(st, symbol)
	if !fair.IsPositive() || !half.IsPositive() {
		return
	}

	switch {
	case st.quotedFair.IsZero():
		// never quoted, or a fill invalidated the standing quotes
	case now.Sub(st.lastQuote) >= m.cfg.RefreshInterval:
	case fair.Sub(st.quotedFair).Abs().GreaterThan(half):
	default:
		return
	}

	m.requote(st, symbol, fair, half, now)
}

// quotePrices derives the skewed fair value and half spread from the last
// mid, current inventory, and realized volatility.
func (m *Maker) quotePrices(st *makerSymbol, symbol string) (fair, half decimal.Decimal) {
	mid := st.lastMid
	if !mid.IsPositive() {
		return decimal.Decimal{}, decimal.Decimal{}
	}

	inv := m.position(symbol).Size
	fair = mid.Add(m.invBias.Mul(inv))

	sigma := 0.0
	if v, ok := st.vol.Value(); ok {
		sigma = v
	}
	volFactor := decimal.NewFromFloat(1 + 2*sigma)

	invFactor := decimal.NewFromInt(1)
	if m.maxInv.IsPositive() {
		pressure := inv.Abs().Div(m.maxInv)
		invFactor = invFactor.Add(pressure.Mul(decimal.NewFromFloat(0.5)))
	}

	spread := m.spreadPct.Mul(fair).Mul(volFactor).Mul(invFactor)
	if floor := decimal.RequireFromString(spreadFloorBps).Mul(fair); spread.LessThan(floor) {
		spread = floor
	}
	return fair, spread.Div(decimal.NewFromInt(2))
}

func (m *Maker) requote(st *makerSymbol, symbol string, fair, half decimal.Decimal, now time.Time) {
	inv := m.position(symbol).Size
	sigma, _ := st.vol.Value()

	meta := types.MakerMeta{
		FairPrice:  fair,
		HalfSpread: half,
		Inventory:  inv,
		Volatility: sigma,
	}

	bidQty := decimal.Min(m.orderSize, m.maxInv.Sub(inv))
	askQty := decimal.Min(m.orderSize, m.maxInv.Add(inv))

	quoted := false
	if bidQty.IsPositive() {
		bidMeta := meta
		bidMeta.ReplacesID = m.restingQuoteID(symbol, types.BUY)
		ok := m.emit(types.Signal{
			Symbol:      symbol,
			Side:        types.BUY,
			Type:        types.OrderTypeLimit,
			TimeInForce: types.TifGTC,
			Price:       fair.Sub(half),
			Qty:         bidQty,
			Confidence:  1,
			Reason:      fmt.Sprintf("quote bid inv %s", inv),
			Meta:        bidMeta,
		})
		quoted = quoted || ok
	} else {
		m.logger.Debug("no bid headroom", "symbol", symbol, "inventory", inv)
	}

	if askQty.IsPositive() {
		askMeta := meta
		askMeta.ReplacesID = m.restingQuoteID(symbol, types.SELL)
		ok := m.emit(types.Signal{
			Symbol:      symbol,
			Side:        types.SELL,
			Type:        types.OrderTypeLimit,
			TimeInForce: types.TifGTC,
			Price:       fair.Add(half),
			Qty:         askQty,
			Confidence:  1,
			Reason:      fmt.Sprintf("quote ask inv %s", inv),
			Meta:        askMeta,
		})
		quoted = quoted || ok
	} else {
		m.logger.Debug("no ask headroom", "symbol", symbol, "inventory", inv)
	}

	if quoted {
		st.quotedFair = fair
		st.lastQuote = now
	}
}

// restingQuoteID returns the client id of our oldest resting quote on a
// side so the replacement signal can name the order it supersedes.
func (m *Maker) restingQuoteID(symbol string, side types.Side) string {
	if m.working == nil {
		return ""
	}
	var oldest *types.Order
	for _, o := range m.working.Active(symbol) {
		if o.Strategy != m.name || o.Side != side {
			continue
		}
		o := o
		if oldest == nil || o.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &o
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.ClientOrderID
}
