package strategy

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"binance-trader/pkg/types"
)

// EMA is an incremental exponential moving average with α = 2/(period+1),
// seeded at the first sample.
type EMA struct {
	alpha  float64
	period int
	value  float64
	count  int
}

// NewEMA creates an EMA over the given period.
func NewEMA(period int) *EMA {
	return &EMA{alpha: 2.0 / float64(period+1), period: period}
}

// Update folds in one sample and returns the new value.
func (e *EMA) Update(v float64) float64 {
	if e.count == 0 {
		e.value = v
	} else {
		e.value = e.alpha*v + (1-e.alpha)*e.value
	}
	e.count++
	return e.value
}

// Value returns the current average, false before the first sample.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.count > 0
}

// Warm reports whether at least one full period of samples has arrived.
func (e *EMA) Warm() bool { return e.count >= e.period }

// RollingVol tracks the standard deviation of log returns over a sliding
// window of prices.
type RollingVol struct {
	window int
	rets   []float64
	last   float64
	seeded bool
}

// NewRollingVol creates a tracker over the given return window.
func NewRollingVol(window int) *RollingVol {
	if window < 2 {
		window = 2
	}
	return &RollingVol{window: window, rets: make([]float64, 0, window)}
}

// Update folds in one price. Non-positive prices are ignored.
func (r *RollingVol) Update(price float64) {
	if price <= 0 {
		return
	}
	if !r.seeded {
		r.last = price
		r.seeded = true
		return
	}
	ret := math.Log(price / r.last)
	r.last = price

	if len(r.rets) == r.window {
		copy(r.rets, r.rets[1:])
		r.rets[len(r.rets)-1] = ret
		return
	}
	r.rets = append(r.rets, ret)
}

// Value returns the realized volatility, false until two returns exist.
func (r *RollingVol) Value() (float64, bool) {
	if len(r.rets) < 2 {
		return 0, false
	}
	return stat.StdDev(r.rets, nil), true
}

// Warm reports whether the return window is full.
func (r *RollingVol) Warm() bool { return len(r.rets) == r.window }

// OrderBookImbalance returns (Σ bid qty − Σ ask qty) / (Σ both) over the
// top depth levels, in [-1, 1]. False when either side is empty.
func OrderBookImbalance(book *types.OrderBook, depth int) (float64, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, false
	}

	var bidQty, askQty float64
	for i, lv := range book.Bids {
		if i == depth {
			break
		}
		q, _ := lv.Qty.Float64()
		bidQty += q
	}
	for i, lv := range book.Asks {
		if i == depth {
			break
		}
		q, _ := lv.Qty.Float64()
		askQty += q
	}

	total := bidQty + askQty
	if total <= 0 {
		return 0, false
	}
	return (bidQty - askQty) / total, true
}
