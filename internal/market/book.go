// Package market maintains local market state from the exchange streams.
//
// Book mirrors one symbol's order book from the diff depth stream, applying
// the venue's sequencing contract: a REST snapshot anchors the book at
// lastUpdateID, then diffs covering U..u apply only when they chain onto the
// anchored sequence. A gap marks the book stale until the Ingester re-anchors
// it with a fresh snapshot.
//
// The rest of the package derives state from the same streams: KlineSeries
// keeps rolling bar history with aligned aggregation, SessionVWAP tracks the
// day's volume-weighted price, and FlowTracker measures signed aggressor
// volume. Ingester owns all of it and fans events out to the strategy layer.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

// bookSync is the sequencing state of a Book.
type bookSync int

const (
	bookSyncing bookSync = iota // waiting for a REST snapshot anchor
	bookLive                    // diffs chain cleanly
	bookStale                   // sequence gap, needs re-anchor
)

// Book is a concurrency-safe local mirror of one symbol's order book.
// Bids are held descending by price, asks ascending, so snapshots come out
// pre-sorted.
type Book struct {
	mu           sync.RWMutex
	symbol       string
	bids         []types.PriceLevel
	asks         []types.PriceLevel
	lastUpdateID int64
	updated      time.Time
	state        bookSync
}

// NewBook creates an empty book awaiting its first snapshot.
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol, state: bookSyncing}
}

// Symbol returns the symbol this book mirrors.
func (b *Book) Symbol() string { return b.symbol }

// Live reports whether diffs are chaining onto an anchored snapshot.
func (b *Book) Live() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == bookLive
}

// LastUpdateID returns the venue sequence number of the newest applied
// update, zero before the first snapshot.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// ApplySnapshot anchors the book on a REST snapshot, replacing all levels.
func (b *Book) ApplySnapshot(snap *types.OrderBook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make([]types.PriceLevel, len(snap.Bids))
	copy(b.bids, snap.Bids)
	b.asks = make([]types.PriceLevel, len(snap.Asks))
	copy(b.asks, snap.Asks)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })

	b.lastUpdateID = snap.LastUpdateID
	b.updated = time.Now()
	b.state = bookLive
}

// ApplyDiff applies one incremental update. Returns (true, nil) when the
// diff advanced the book, (false, nil) when the diff predates the anchor and
// was dropped, and (false, errs.ErrStaleState) when the sequence has a gap
// or the book has no anchor yet — the caller must re-snapshot.
func (b *Book) ApplyDiff(du types.DepthUpdate) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != bookLive {
		return false, errs.ErrStaleState
	}
	// Entirely covered by the snapshot: drop.
	if du.FinalUpdateID <= b.lastUpdateID {
		return false, nil
	}
	// The diff must overlap or directly extend the anchored sequence.
	if du.FirstUpdateID > b.lastUpdateID+1 {
		b.state = bookStale
		return false, errs.ErrStaleState
	}

	for _, lv := range du.Bids {
		b.bids = setLevel(b.bids, lv, true)
	}
	for _, lv := range du.Asks {
		b.asks = setLevel(b.asks, lv, false)
	}
	b.lastUpdateID = du.FinalUpdateID
	if !du.Timestamp.IsZero() {
		b.updated = du.Timestamp
	} else {
		b.updated = time.Now()
	}
	return true, nil
}

// setLevel inserts, replaces, or deletes (qty == 0) one price level in a
// sorted side. desc selects bid ordering (best price first).
func setLevel(side []types.PriceLevel, lv types.PriceLevel, desc bool) []types.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		if desc {
			return side[i].Price.LessThanOrEqual(lv.Price)
		}
		return side[i].Price.GreaterThanOrEqual(lv.Price)
	})
	found := i < len(side) && side[i].Price.Equal(lv.Price)

	switch {
	case lv.Qty.IsZero() && found:
		return append(side[:i], side[i+1:]...)
	case lv.Qty.IsZero():
		return side
	case found:
		side[i].Qty = lv.Qty
		return side
	default:
		side = append(side, types.PriceLevel{})
		copy(side[i+1:], side[i:])
		side[i] = lv
		return side
	}
}

// Snapshot returns a copy of the current book.
func (b *Book) Snapshot() types.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.OrderBook{
		Symbol:       b.symbol,
		Bids:         make([]types.PriceLevel, len(b.bids)),
		Asks:         make([]types.PriceLevel, len(b.asks)),
		LastUpdateID: b.lastUpdateID,
		Timestamp:    b.updated,
	}
	copy(snap.Bids, b.bids)
	copy(snap.Asks, b.asks)
	return snap
}

// Mid returns the midpoint between best bid and best ask, false when either
// side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.bids[0].Price.Add(b.asks[0].Price).Div(decimal.NewFromInt(2)), true
}

// IsStale reports whether no update has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the newest applied update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// markStale forces the book back to the needs-anchor state. Used by the
// Ingester when it begins a resync so races with late diffs are impossible.
func (b *Book) markStale() {
	b.mu.Lock()
	b.state = bookStale
	b.mu.Unlock()
}
