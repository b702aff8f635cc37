package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// DefaultFlowWindow is the lookback for trade-flow imbalance.
const DefaultFlowWindow = 60 * time.Second

// flowPoint is one aggressor-tagged trade in the rolling window.
type flowPoint struct {
	ts  time.Time
	buy decimal.Decimal // taker-buy volume
	sel decimal.Decimal // taker-sell volume
}

// FlowTracker measures signed aggressor volume per symbol over a rolling
// time window. A positive imbalance means takers are predominantly buying.
type FlowTracker struct {
	mu     sync.Mutex
	window time.Duration
	points map[string][]flowPoint
}

// NewFlowTracker creates a tracker. window <= 0 uses DefaultFlowWindow.
func NewFlowTracker(window time.Duration) *FlowTracker {
	if window <= 0 {
		window = DefaultFlowWindow
	}
	return &FlowTracker{
		window: window,
		points: make(map[string][]flowPoint),
	}
}

// Add records one trade. Points without an aggressor side or volume are
// ignored; ticker-derived data never reaches here.
func (f *FlowTracker) Add(md types.MarketData) {
	if !md.Volume.IsPositive() {
		return
	}
	p := flowPoint{ts: md.Timestamp}
	switch md.AggressorSide {
	case types.BUY:
		p.buy = md.Volume
	case types.SELL:
		p.sel = md.Volume
	default:
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[md.Symbol] = append(f.points[md.Symbol], p)
	f.evictStaleLocked(md.Symbol, md.Timestamp)
}

// evictStaleLocked drops points older than the window. Must hold mu.
func (f *FlowTracker) evictStaleLocked(symbol string, now time.Time) {
	pts := f.points[symbol]
	if len(pts) == 0 {
		return
	}
	cutoff := now.Add(-f.window)
	valid := -1
	for i, p := range pts {
		if p.ts.After(cutoff) {
			valid = i
			break
		}
	}
	if valid == -1 {
		f.points[symbol] = pts[:0]
		return
	}
	if valid > 0 {
		f.points[symbol] = pts[valid:]
	}
}

// Imbalance returns (buyVol - sellVol) / (buyVol + sellVol) for the window,
// in [-1, 1]. False when the window holds no volume.
func (f *FlowTracker) Imbalance(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictStaleLocked(symbol, time.Now())

	var buy, sel decimal.Decimal
	for _, p := range f.points[symbol] {
		buy = buy.Add(p.buy)
		sel = sel.Add(p.sel)
	}
	total := buy.Add(sel)
	if !total.IsPositive() {
		return 0, false
	}
	imb, _ := buy.Sub(sel).Div(total).Float64()
	return imb, true
}

// Count returns the number of trades currently in the window.
func (f *FlowTracker) Count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[symbol])
}
