package account

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/store"
	"binance-trader/pkg/types"
)

const (
	fillsBuffer     = 256
	marksBuffer     = 1024
	updatesBuffer   = 128
	eventsBuffer    = 64
	restoreFillTail = 1000
	flushTimeout    = 5 * time.Second
)

// PnlSnapshot is a point-in-time P&L summary. Realized, Unrealized and Net
// are quote-denominated; Fees holds the quote-asset share of FeesByAsset.
type PnlSnapshot struct {
	Realized    decimal.Decimal
	Unrealized  decimal.Decimal
	Fees        decimal.Decimal
	Net         decimal.Decimal
	FeesByAsset map[string]decimal.Decimal
}

// Stats snapshots the ledger counters for the status line.
type Stats struct {
	Fills         int64
	Duplicates    int64
	StoreErrors   int64
	OpenPositions int
}

// Accountant is the position and P&L ledger. A single goroutine (Run) folds
// fills and mark prices into positions and persists every fill through the
// TradeStore; snapshot methods are safe from any goroutine.
//
// The aggregate realized figure always equals the sum of the positions'
// RealizedPnl fields, which is what makes it rebuildable from LoadPositions
// after a restart.
type Accountant struct {
	store  store.TradeStore
	logger *slog.Logger
	quote  string

	mu        sync.Mutex
	positions map[string]types.Position
	seen      map[string]struct{} // (symbol, trade id) pairs already applied
	realized  decimal.Decimal
	fees      map[string]decimal.Decimal // per fee asset
	nfills    int64
	dups      int64
	storeErrs int64
	dropped   int64

	fills   chan types.Fill
	marks   chan types.MarketData
	updates chan types.Position
	events  chan types.RiskEvent
}

// NewAccountant builds a ledger persisting through st. quoteAsset decides
// which fees count against session P&L.
func NewAccountant(st store.TradeStore, quoteAsset string, logger *slog.Logger) *Accountant {
	return &Accountant{
		store:     st,
		logger:    logger.With("component", "account"),
		quote:     strings.ToUpper(quoteAsset),
		positions: make(map[string]types.Position),
		seen:      make(map[string]struct{}),
		fees:      make(map[string]decimal.Decimal),
		fills:     make(chan types.Fill, fillsBuffer),
		marks:     make(chan types.MarketData, marksBuffer),
		updates:   make(chan types.Position, updatesBuffer),
		events:    make(chan types.RiskEvent, eventsBuffer),
	}
}

// PositionUpdates streams a position snapshot after each applied fill. The
// engine forwards these to the risk gate as the authoritative book.
func (a *Accountant) PositionUpdates() <-chan types.Position { return a.updates }

// Events streams store-degradation warnings.
func (a *Accountant) Events() <-chan types.RiskEvent { return a.events }

// Restore rebuilds the ledger from the store: positions verbatim, session
// realized P&L as the sum of their realized fields, and the recent fill tail
// for duplicate suppression. Fees rebuild from the tail, so the per-asset
// view reaches at most that far back.
func (a *Accountant) Restore(ctx context.Context) error {
	positions, err := a.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	tail, err := a.store.LoadRecentFills(ctx, restoreFillTail)
	if err != nil {
		return fmt.Errorf("restore fills: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.positions = make(map[string]types.Position, len(positions))
	a.realized = decimal.Decimal{}
	a.fees = make(map[string]decimal.Decimal)
	for _, p := range positions {
		a.positions[p.Symbol] = p
		a.realized = a.realized.Add(p.RealizedPnl)
	}
	for _, f := range tail {
		a.seen[fillKey(f)] = struct{}{}
		if !f.Fee.IsZero() {
			asset := strings.ToUpper(f.FeeAsset)
			a.fees[asset] = a.fees[asset].Add(f.Fee)
		}
	}

	a.logger.Info("ledger restored",
		"positions", len(positions),
		"fills", len(tail),
		"realized", a.realized)
	return nil
}

// Run consumes fills and marks until ctx ends, then drains buffered fills
// under a short grace window so executed trades are not dropped at shutdown.
func (a *Accountant) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.flush(ctx)
			return ctx.Err()
		case f := <-a.fills:
			a.applyFill(ctx, f)
		case md := <-a.marks:
			a.applyMark(md)
		}
	}
}

// OnFill queues a fill for the ledger goroutine. It blocks when the queue is
// full; fills are never dropped.
func (a *Accountant) OnFill(ctx context.Context, f types.Fill) error {
	select {
	case a.fills <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMarketData queues a mark price. Marks are snapshots: under backpressure
// the oldest is dropped so positions converge on the latest price.
func (a *Accountant) OnMarketData(md types.MarketData) {
	select {
	case a.marks <- md:
		return
	default:
	}
	select {
	case <-a.marks:
	default:
	}
	select {
	case a.marks <- md:
	default:
	}
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
}

// Positions returns snapshot copies of all non-flat positions, sorted by
// symbol.
func (a *Accountant) Positions() []types.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if p.Flat() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the ledger's copy for one symbol.
func (a *Accountant) Position(symbol string) (types.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol]
	return p, ok
}

// SessionPnl reports realized plus marked unrealized P&L and fees paid.
func (a *Accountant) SessionPnl() PnlSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := PnlSnapshot{
		Realized:    a.realized,
		Fees:        a.fees[a.quote],
		FeesByAsset: make(map[string]decimal.Decimal, len(a.fees)),
	}
	for asset, fee := range a.fees {
		snap.FeesByAsset[asset] = fee
	}
	for _, p := range a.positions {
		snap.Unrealized = snap.Unrealized.Add(p.UnrealizedPnl)
	}
	snap.Net = snap.Realized.Add(snap.Unrealized).Sub(snap.Fees)
	return snap
}

// Stats snapshots the counters.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	open := 0
	for _, p := range a.positions {
		if !p.Flat() {
			open++
		}
	}
	return Stats{
		Fills:         a.nfills,
		Duplicates:    a.dups,
		StoreErrors:   a.storeErrs,
		OpenPositions: open,
	}
}

// applyFill folds one fill into the ledger and persists it. Fills already
// seen under their (symbol, trade id) key are skipped, which is what makes
// reconcile replays and restarts idempotent.
func (a *Accountant) applyFill(ctx context.Context, f types.Fill) {
	key := fillKey(f)

	a.mu.Lock()
	if _, dup := a.seen[key]; dup {
		a.dups++
		a.mu.Unlock()
		return
	}
	a.seen[key] = struct{}{}

	pos, realized := Apply(a.positions[f.Symbol], f)
	a.positions[f.Symbol] = pos
	a.realized = a.realized.Add(realized)
	if !f.Fee.IsZero() {
		asset := strings.ToUpper(f.FeeAsset)
		a.fees[asset] = a.fees[asset].Add(f.Fee)
	}
	a.nfills++
	a.mu.Unlock()

	// Daily rollup in quote terms: realized minus quote-denominated fees.
	delta := realized
	if !f.Fee.IsZero() && strings.ToUpper(f.FeeAsset) == a.quote {
		delta = delta.Sub(f.Fee)
	}

	a.persist(ctx, "record fill", f.Symbol, func(ctx context.Context) error {
		return a.store.RecordFill(ctx, f)
	})
	a.persist(ctx, "upsert position", f.Symbol, func(ctx context.Context) error {
		return a.store.UpsertPosition(ctx, pos)
	})
	if !delta.IsZero() {
		day := store.DayKey(f.Timestamp)
		a.persist(ctx, "upsert daily pnl", f.Symbol, func(ctx context.Context) error {
			return a.store.UpsertDailyPnl(ctx, day, f.Symbol, delta)
		})
	}

	select {
	case a.updates <- pos:
	default:
		a.logger.Warn("position update channel full, dropping update",
			"symbol", pos.Symbol)
	}
}

// applyMark refreshes MarkPrice and UnrealizedPnl for a symbol we hold.
func (a *Accountant) applyMark(md types.MarketData) {
	if !md.Price.IsPositive() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[md.Symbol]
	if !ok {
		return
	}
	a.positions[md.Symbol] = MarkToMarket(p, md.Price)
}

// persist runs one store write, retrying once. A write that fails twice is
// logged and surfaced as a WARNING event; the ledger keeps running on its
// in-memory state.
func (a *Accountant) persist(ctx context.Context, op, symbol string, fn func(context.Context) error) {
	err := fn(ctx)
	if err == nil {
		return
	}
	a.logger.Warn("store write failed, retrying once", "op", op, "symbol", symbol, "error", err)
	if err = fn(ctx); err == nil {
		return
	}

	a.mu.Lock()
	a.storeErrs++
	a.mu.Unlock()

	a.logger.Error("store write failed", "op", op, "symbol", symbol, "error", err)
	a.emit(types.RiskEvent{
		Severity:  types.SeverityWarning,
		Code:      types.RiskCodeStoreDegraded,
		Symbol:    symbol,
		Message:   fmt.Sprintf("%s failed after retry: %v", op, err),
		Timestamp: time.Now().UTC(),
	})
}

// flush applies fills still buffered at shutdown. Store writes get a fresh
// deadline since the run context is already gone.
func (a *Accountant) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	for {
		select {
		case f := <-a.fills:
			a.applyFill(flushCtx, f)
		default:
			return
		}
	}
}

func (a *Accountant) emit(ev types.RiskEvent) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event channel full, dropping", "code", ev.Code, "symbol", ev.Symbol)
	}
}

func fillKey(f types.Fill) string {
	return fmt.Sprintf("%s|%d", f.Symbol, f.TradeID)
}
