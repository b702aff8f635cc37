package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// DefaultKlineCapacity is how many closed bars a series retains.
const DefaultKlineCapacity = 500

// KlineSeries is a fixed-capacity ring of closed bars for one symbol and
// interval, oldest evicted first. Concurrency-safe.
type KlineSeries struct {
	mu       sync.RWMutex
	symbol   string
	interval types.Interval
	buf      []types.Kline
	head     int // index of the oldest bar
	count    int
}

// NewKlineSeries creates an empty series. capacity <= 0 uses the default.
func NewKlineSeries(symbol string, interval types.Interval, capacity int) *KlineSeries {
	if capacity <= 0 {
		capacity = DefaultKlineCapacity
	}
	return &KlineSeries{
		symbol:   symbol,
		interval: interval,
		buf:      make([]types.Kline, capacity),
	}
}

// Append adds a closed bar. Bars at or before the newest retained open time
// are ignored, so warmup preloads and the live stream can overlap safely.
func (s *KlineSeries) Append(k types.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 {
		newest := s.buf[(s.head+s.count-1)%len(s.buf)]
		if !k.OpenTime.After(newest.OpenTime) {
			return
		}
	}

	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = k
		s.count++
		return
	}
	s.buf[s.head] = k
	s.head = (s.head + 1) % len(s.buf)
}

// Len returns the number of retained bars.
func (s *KlineSeries) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Last returns up to n most recent bars, oldest first.
func (s *KlineSeries) Last(n int) []types.Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.count {
		n = s.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Kline, n)
	start := s.count - n
	for i := 0; i < n; i++ {
		out[i] = s.buf[(s.head+start+i)%len(s.buf)]
	}
	return out
}

// Window returns the retained bars with OpenTime in [start, end), oldest
// first.
func (s *KlineSeries) Window(start, end time.Time) []types.Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Kline
	for i := 0; i < s.count; i++ {
		k := s.buf[(s.head+i)%len(s.buf)]
		if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// AggregateIntervals are the coarser bars derived from the 1m stream.
var AggregateIntervals = []types.Interval{types.Interval5m, types.Interval15m, types.Interval1h}

// Aggregator rolls closed 1m bars up into aligned coarser bars. A 5m bar
// covers [t, t+5m) where t is a multiple of 5m since the epoch, and is
// emitted when the 1m bar closing that window arrives.
type Aggregator struct {
	series    *KlineSeries // 1m source bars
	intervals []types.Interval
}

// NewAggregator aggregates from the given 1m series into AggregateIntervals.
func NewAggregator(series *KlineSeries) *Aggregator {
	return &Aggregator{series: series, intervals: AggregateIntervals}
}

// OnClose records one closed 1m bar and returns any aggregated bars whose
// windows it completes.
func (a *Aggregator) OnClose(k types.Kline) []types.Kline {
	a.series.Append(k)

	var out []types.Kline
	barEnd := k.OpenTime.Add(time.Minute)
	for _, iv := range a.intervals {
		d := iv.Duration()
		windowStart := k.OpenTime.Truncate(d)
		if !barEnd.Equal(windowStart.Add(d)) {
			continue
		}
		bars := a.series.Window(windowStart, barEnd)
		if agg, ok := aggregateBars(k.Symbol, iv, windowStart, bars); ok {
			out = append(out, agg)
		}
	}
	return out
}

// aggregateBars combines the 1m bars of one aligned window. Feed gaps mean
// the window may be partial; whatever arrived is aggregated.
func aggregateBars(symbol string, iv types.Interval, windowStart time.Time, bars []types.Kline) (types.Kline, bool) {
	if len(bars) == 0 {
		return types.Kline{}, false
	}

	agg := types.Kline{
		Symbol:    symbol,
		Interval:  iv,
		OpenTime:  windowStart,
		CloseTime: windowStart.Add(iv.Duration()).Add(-time.Millisecond),
		Open:      bars[0].Open,
		High:      bars[0].High,
		Low:       bars[0].Low,
		Close:     bars[len(bars)-1].Close,
		Volume:    decimal.Decimal{},
		Closed:    true,
	}
	for _, b := range bars {
		if b.High.GreaterThan(agg.High) {
			agg.High = b.High
		}
		if b.Low.LessThan(agg.Low) {
			agg.Low = b.Low
		}
		agg.Volume = agg.Volume.Add(b.Volume)
	}
	return agg, true
}
