package engine

import (
	"context"
	"time"

	"binance-trader/internal/strategy"
	"binance-trader/pkg/types"
)

// strategyRunner serializes all callbacks for one strategy onto a single
// goroutine, so strategy code never needs locks.
type strategyRunner struct {
	strat   strategy.Strategy
	symbols map[string]bool

	mdCh   chan types.MarketData
	bookCh chan types.OrderBook
	barCh  chan types.Kline
	fillCh chan types.Fill

	// done closes when the runner goroutine exits, releasing any producer
	// blocked on a delivery.
	done chan struct{}
}

func newStrategyRunner(st strategy.Strategy) *strategyRunner {
	symbols := make(map[string]bool, len(st.Symbols()))
	for _, s := range st.Symbols() {
		symbols[s] = true
	}
	return &strategyRunner{
		strat:   st,
		symbols: symbols,
		mdCh:    make(chan types.MarketData, runnerBuffer),
		bookCh:  make(chan types.OrderBook, runnerBuffer),
		barCh:   make(chan types.Kline, runnerBuffer),
		fillCh:  make(chan types.Fill, runnerBuffer),
		done:    make(chan struct{}),
	}
}

// trades reports whether the strategy subscribed to the symbol.
func (r *strategyRunner) trades(symbol string) bool { return r.symbols[symbol] }

// run drains the event channels until ctx ends. The ticker drives exits,
// requotes, and rebalancing; each strategy gates its own cadence, so firing
// every second costs nothing when there is no work.
func (r *strategyRunner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(strategyTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case md := <-r.mdCh:
			r.strat.OnMarketData(md)
		case book := <-r.bookCh:
			r.strat.OnOrderBook(book)
		case k := <-r.barCh:
			r.strat.OnKline(k)
		case f := <-r.fillCh:
			r.strat.OnFill(f)
		case now := <-ticker.C:
			r.strat.OnTimer(now.UTC())
		}
	}
}

// offerMarket delivers a price tick. Ticks are snapshots: under backpressure
// the oldest buffered tick is dropped so the strategy converges on the
// latest price.
func (r *strategyRunner) offerMarket(md types.MarketData) {
	select {
	case r.mdCh <- md:
		return
	default:
	}
	select {
	case <-r.mdCh:
	default:
	}
	select {
	case r.mdCh <- md:
	default:
	}
}

// offerBook delivers a book top. Same snapshot semantics as ticks.
func (r *strategyRunner) offerBook(book types.OrderBook) {
	select {
	case r.bookCh <- book:
		return
	default:
	}
	select {
	case <-r.bookCh:
	default:
	}
	select {
	case r.bookCh <- book:
	default:
	}
}

// offerBar delivers a closed bar, waiting for the runner rather than
// dropping: a skipped bar would skew every indicator built on the series.
func (r *strategyRunner) offerBar(k types.Kline) {
	select {
	case r.barCh <- k:
	case <-r.done:
	}
}

// offerFill delivers one of the strategy's own fills, waiting for the
// runner rather than dropping: a missed fill would desync its position
// tracking.
func (r *strategyRunner) offerFill(f types.Fill) {
	select {
	case r.fillCh <- f:
	case <-r.done:
	}
}
