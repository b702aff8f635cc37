// Package strategy implements the trading strategies.
//
// Each strategy consumes market events through the Strategy interface and
// emits types.Signal values on a shared outbound channel; the engine runs
// one goroutine per strategy, so callbacks never race each other. Strategies
// keep a shadow position book from their own fills and consult it before
// emitting, but the accounting layer stays authoritative for P&L.
//
// Three strategies ship: Scalper (EMA cross gated by order book imbalance),
// Maker (inventory-skewed two-sided quoting), and Pairs (mean reversion on
// the log price ratio of two legs).
package strategy

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/account"
	"binance-trader/pkg/types"
)

// Strategy is the contract the engine drives. All callbacks for one
// instance arrive from a single goroutine.
type Strategy interface {
	Name() string
	Symbols() []string
	OnMarketData(md types.MarketData)
	OnOrderBook(book types.OrderBook)
	OnKline(k types.Kline)
	OnFill(fill types.Fill)
	OnTimer(now time.Time)
	Stats() Stats
}

// Stats is a point-in-time snapshot of one strategy's activity.
type Stats struct {
	Name           string
	Enabled        bool
	SignalsEmitted int64
	FillsSeen      int64
	Positions      map[string]decimal.Decimal // shadow net size per symbol
}

// FlowSource supplies rolling trade-flow imbalance in [-1, 1];
// *market.Ingester implements it.
type FlowSource interface {
	FlowImbalance(symbol string) (float64, bool)
}

// WorkingOrders lets a strategy see its own resting orders;
// *order.Manager implements it.
type WorkingOrders interface {
	Active(symbol string) []types.Order
}

// core carries the plumbing every strategy shares: identity, signal
// emission, and the shadow position book.
type core struct {
	name    string
	symbols []string
	logger  *slog.Logger
	out     chan<- types.Signal

	emitted   atomic.Int64
	fillsSeen atomic.Int64

	posMu     sync.Mutex
	positions map[string]types.Position
}

func newCore(name string, symbols []string, out chan<- types.Signal, logger *slog.Logger) core {
	return core{
		name:      name,
		symbols:   symbols,
		logger:    logger.With("strategy", name),
		out:       out,
		positions: make(map[string]types.Position, len(symbols)),
	}
}

func (c *core) Name() string { return c.name }

func (c *core) Symbols() []string { return c.symbols }

// emit stamps, validates, and sends one signal. The outbound channel is
// drained by the engine for as long as strategies run, so the send blocks
// only under momentary bursts.
func (c *core) emit(sig types.Signal) bool {
	sig.Strategy = c.name
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		c.logger.Error("dropping invalid signal", "symbol", sig.Symbol, "error", err)
		return false
	}
	c.out <- sig
	c.emitted.Add(1)
	c.logger.Info("signal",
		"symbol", sig.Symbol, "side", sig.Side, "type", sig.Type,
		"qty", sig.Qty, "price", sig.Price, "reason", sig.Reason)
	return true
}

// applyFill folds one of our fills into the shadow book and returns the
// updated position.
func (c *core) applyFill(f types.Fill) types.Position {
	c.fillsSeen.Add(1)
	c.posMu.Lock()
	defer c.posMu.Unlock()
	pos, _ := account.Apply(c.positions[f.Symbol], f)
	c.positions[f.Symbol] = pos
	return pos
}

// position returns the shadow position for a symbol (zero value if flat
// and never traded).
func (c *core) position(symbol string) types.Position {
	c.posMu.Lock()
	defer c.posMu.Unlock()
	return c.positions[symbol]
}

func (c *core) stats(enabled bool) Stats {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	positions := make(map[string]decimal.Decimal, len(c.positions))
	for sym, p := range c.positions {
		if !p.Size.IsZero() {
			positions[sym] = p.Size
		}
	}
	return Stats{
		Name:           c.name,
		Enabled:        enabled,
		SignalsEmitted: c.emitted.Load(),
		FillsSeen:      c.fillsSeen.Load(),
		Positions:      positions,
	}
}
