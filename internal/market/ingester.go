package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// Snapshotter fetches REST order book snapshots for depth re-anchoring.
// *exchange.Client implements it.
type Snapshotter interface {
	GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error)
}

const (
	snapshotDepth        = 1000
	snapshotAttempts     = 3
	snapshotRetryWait    = time.Second
	ingestMarketBuffer   = 1024
	ingestBookBuffer     = 256
	ingestBarBuffer      = 256
	ingestEventBuffer    = 16
	stalenessSweepPeriod = 5 * time.Second
)

// snapshotResult carries a finished REST snapshot fetch back into the run
// loop, which is the only goroutine that touches book sequencing state.
type snapshotResult struct {
	symbol string
	book   *types.OrderBook
	err    error
}

// Ingester consumes raw stream events and maintains derived market state:
// sequenced order books, kline history with aligned aggregation, session
// VWAP, and trade-flow imbalance. Downstream consumers read the typed
// output channels; point-in-time state is available through accessors.
type Ingester struct {
	logger     *slog.Logger
	snap       Snapshotter
	staleAfter time.Duration

	books  map[string]*Book
	series map[string]*KlineSeries
	aggs   map[string]*Aggregator
	vwap   *SessionVWAP
	flow   *FlowTracker

	// pending buffers depth diffs per symbol while a snapshot fetch is in
	// flight. Owned by the run loop.
	pending    map[string][]types.DepthUpdate
	snapshotCh chan snapshotResult

	marketOut chan types.MarketData
	bookOut   chan types.OrderBook
	barOut    chan types.Kline
	eventOut  chan types.RiskEvent

	priceMu    sync.RWMutex
	lastPrice  map[string]types.MarketData
	staleSince map[string]bool

	started time.Time
}

// NewIngester builds the per-symbol state up front; the symbol set is fixed
// for the life of the process.
func NewIngester(symbols []string, snap Snapshotter, staleAfter time.Duration, logger *slog.Logger) *Ingester {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	in := &Ingester{
		logger:     logger.With("component", "ingester"),
		snap:       snap,
		staleAfter: staleAfter,
		books:      make(map[string]*Book, len(symbols)),
		series:     make(map[string]*KlineSeries, len(symbols)),
		aggs:       make(map[string]*Aggregator, len(symbols)),
		vwap:       NewSessionVWAP(),
		flow:       NewFlowTracker(DefaultFlowWindow),
		pending:    make(map[string][]types.DepthUpdate),
		snapshotCh: make(chan snapshotResult, len(symbols)),
		marketOut:  make(chan types.MarketData, ingestMarketBuffer),
		bookOut:    make(chan types.OrderBook, ingestBookBuffer),
		barOut:     make(chan types.Kline, ingestBarBuffer),
		eventOut:   make(chan types.RiskEvent, ingestEventBuffer),
		lastPrice:  make(map[string]types.MarketData, len(symbols)),
		staleSince: make(map[string]bool, len(symbols)),
	}
	for _, sym := range symbols {
		in.books[sym] = NewBook(sym)
		in.series[sym] = NewKlineSeries(sym, types.Interval1m, DefaultKlineCapacity)
		in.aggs[sym] = NewAggregator(in.series[sym])
	}
	return in
}

// Market returns enriched trade ticks, drop-oldest under backpressure.
func (in *Ingester) Market() <-chan types.MarketData { return in.marketOut }

// BookUpdates returns a full book snapshot after every applied diff.
func (in *Ingester) BookUpdates() <-chan types.OrderBook { return in.bookOut }

// Bars returns kline bars: the raw 1m stream plus aligned 5m/15m/1h
// aggregates (aggregates are always closed).
func (in *Ingester) Bars() <-chan types.Kline { return in.barOut }

// Events returns data-health warnings (stale symbols, failed resyncs).
func (in *Ingester) Events() <-chan types.RiskEvent { return in.eventOut }

// Book returns the live book mirror for a symbol, nil if untracked.
func (in *Ingester) Book(symbol string) *Book { return in.books[symbol] }

// Series returns the 1m bar history for a symbol, nil if untracked.
func (in *Ingester) Series(symbol string) *KlineSeries { return in.series[symbol] }

// VWAP returns the session volume-weighted average price for a symbol.
func (in *Ingester) VWAP(symbol string) (decimal.Decimal, bool) {
	return in.vwap.Value(symbol)
}

// FlowImbalance returns the rolling aggressor-volume imbalance in [-1, 1].
func (in *Ingester) FlowImbalance(symbol string) (float64, bool) {
	return in.flow.Imbalance(symbol)
}

// LastPrice returns the most recent trade price for a symbol.
func (in *Ingester) LastPrice(symbol string) (decimal.Decimal, bool) {
	in.priceMu.RLock()
	defer in.priceMu.RUnlock()
	md, ok := in.lastPrice[symbol]
	if !ok {
		return decimal.Decimal{}, false
	}
	return md.Price, true
}

// Preload seeds a symbol's 1m history with closed bars fetched over REST,
// so strategies have context before the first live bar closes.
func (in *Ingester) Preload(symbol string, bars []types.Kline) {
	s := in.series[symbol]
	if s == nil {
		return
	}
	for _, k := range bars {
		if k.Closed {
			s.Append(k)
		}
	}
}

// SymbolHealth is one symbol's data-feed condition for status reporting.
type SymbolHealth struct {
	Symbol    string
	LastPrice decimal.Decimal
	LastTick  time.Time
	BookLive  bool
	BookAge   time.Duration
	Bars      int
}

// Health reports per-symbol feed condition, sorted by symbol.
func (in *Ingester) Health() []SymbolHealth {
	in.priceMu.RLock()
	defer in.priceMu.RUnlock()

	out := make([]SymbolHealth, 0, len(in.books))
	for sym, book := range in.books {
		h := SymbolHealth{
			Symbol:   sym,
			BookLive: book.Live(),
			Bars:     in.series[sym].Len(),
		}
		if md, ok := in.lastPrice[sym]; ok {
			h.LastPrice = md.Price
			h.LastTick = md.Timestamp
		}
		if lu := book.LastUpdated(); !lu.IsZero() {
			h.BookAge = time.Since(lu)
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Run processes stream events until ctx is done. It owns all sequencing
// state; only snapshot fetches leave the loop, returning via snapshotCh.
func (in *Ingester) Run(ctx context.Context, market <-chan types.MarketData, depth <-chan types.DepthUpdate, bars <-chan types.Kline) error {
	in.started = time.Now()
	sweep := time.NewTicker(stalenessSweepPeriod)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case md, ok := <-market:
			if !ok {
				market = nil
				continue
			}
			in.handleMarket(md)
		case du, ok := <-depth:
			if !ok {
				depth = nil
				continue
			}
			in.handleDepth(ctx, du)
		case k, ok := <-bars:
			if !ok {
				bars = nil
				continue
			}
			in.handleKline(ctx, k)
		case res := <-in.snapshotCh:
			in.handleSnapshot(ctx, res)
		case <-sweep.C:
			in.sweepStaleness()
		}
	}
}

func (in *Ingester) handleMarket(md types.MarketData) {
	in.priceMu.Lock()
	in.lastPrice[md.Symbol] = md
	in.staleSince[md.Symbol] = false
	in.priceMu.Unlock()

	in.vwap.Update(md)
	in.flow.Add(md)

	// Ticks are snapshots: under backpressure the oldest is dropped so
	// consumers always converge on the latest price.
	select {
	case in.marketOut <- md:
		return
	default:
	}
	select {
	case <-in.marketOut:
	default:
	}
	select {
	case in.marketOut <- md:
	default:
	}
}

func (in *Ingester) handleDepth(ctx context.Context, du types.DepthUpdate) {
	book := in.books[du.Symbol]
	if book == nil {
		return
	}

	if buf, syncing := in.pending[du.Symbol]; syncing {
		in.pending[du.Symbol] = append(buf, du)
		return
	}

	applied, err := book.ApplyDiff(du)
	if err != nil {
		in.startResync(ctx, du.Symbol, du)
		return
	}
	if applied {
		in.publishBook(ctx, book)
	}
}

// startResync buffers the triggering diff and fetches a fresh snapshot off
// the loop. Diffs keep buffering until the snapshot lands.
func (in *Ingester) startResync(ctx context.Context, symbol string, trigger types.DepthUpdate) {
	book := in.books[symbol]
	book.markStale()
	in.pending[symbol] = []types.DepthUpdate{trigger}
	in.logger.Info("order book resync", "symbol", symbol, "last_update_id", book.LastUpdateID())

	go func() {
		var (
			snap *types.OrderBook
			err  error
		)
		for attempt := 1; attempt <= snapshotAttempts; attempt++ {
			snap, err = in.snap.GetOrderBook(ctx, symbol, snapshotDepth)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(snapshotRetryWait):
			}
		}
		select {
		case in.snapshotCh <- snapshotResult{symbol: symbol, book: snap, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (in *Ingester) handleSnapshot(ctx context.Context, res snapshotResult) {
	buf := in.pending[res.symbol]
	delete(in.pending, res.symbol)

	if res.err != nil {
		in.logger.Error("order book snapshot failed", "symbol", res.symbol, "error", res.err)
		in.emitEvent(types.RiskEvent{
			Severity:  types.SeverityWarning,
			Code:      types.RiskCodeStaleData,
			Symbol:    res.symbol,
			Message:   fmt.Sprintf("order book snapshot failed, book stays stale: %v", res.err),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	book := in.books[res.symbol]
	book.ApplySnapshot(res.book)

	// Replay diffs that arrived during the fetch; those covered by the
	// snapshot fall out as no-ops. A gap mid-replay restarts the resync.
	for i, du := range buf {
		if _, err := book.ApplyDiff(du); err != nil {
			rest := buf[i:]
			in.logger.Warn("gap during snapshot replay", "symbol", res.symbol, "buffered", len(rest))
			in.startResync(ctx, res.symbol, du)
			in.pending[res.symbol] = append(in.pending[res.symbol], rest[1:]...)
			return
		}
	}
	in.logger.Info("order book anchored", "symbol", res.symbol,
		"last_update_id", book.LastUpdateID(), "replayed", len(buf))
	in.publishBook(ctx, book)
}

func (in *Ingester) publishBook(ctx context.Context, book *Book) {
	select {
	case in.bookOut <- book.Snapshot():
	case <-ctx.Done():
	}
}

func (in *Ingester) handleKline(ctx context.Context, k types.Kline) {
	in.forwardBar(ctx, k)
	if !k.Closed || k.Interval != types.Interval1m {
		return
	}
	agg := in.aggs[k.Symbol]
	if agg == nil {
		return
	}
	for _, rolled := range agg.OnClose(k) {
		in.forwardBar(ctx, rolled)
	}
}

func (in *Ingester) forwardBar(ctx context.Context, k types.Kline) {
	select {
	case in.barOut <- k:
	case <-ctx.Done():
	}
}

// sweepStaleness warns once per quiet spell when a symbol's trade flow goes
// silent; the warning re-arms when data resumes.
func (in *Ingester) sweepStaleness() {
	now := time.Now()

	in.priceMu.Lock()
	defer in.priceMu.Unlock()

	for sym := range in.books {
		last, seen := in.lastPrice[sym]
		var age time.Duration
		if seen {
			age = now.Sub(last.Timestamp)
		} else {
			age = now.Sub(in.started)
		}
		if age <= in.staleAfter {
			continue
		}
		if in.staleSince[sym] {
			continue
		}
		in.staleSince[sym] = true
		in.logger.Warn("market data stale", "symbol", sym, "age", age.Truncate(time.Second))
		in.emitEvent(types.RiskEvent{
			Severity:  types.SeverityWarning,
			Code:      types.RiskCodeStaleData,
			Symbol:    sym,
			Message:   fmt.Sprintf("no market data for %s", age.Truncate(time.Second)),
			Timestamp: now.UTC(),
		})
	}
}

func (in *Ingester) emitEvent(ev types.RiskEvent) {
	select {
	case in.eventOut <- ev:
	default:
		in.logger.Warn("event channel full, dropping", "code", ev.Code, "symbol", ev.Symbol)
	}
}
