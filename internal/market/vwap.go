package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// SessionVWAP accumulates the volume-weighted average price per symbol for
// the current UTC day. The first data point after midnight resets every
// symbol's accumulators.
type SessionVWAP struct {
	mu  sync.RWMutex
	day time.Time // UTC midnight the session started
	pv  map[string]decimal.Decimal
	vol map[string]decimal.Decimal
}

// NewSessionVWAP creates an empty tracker.
func NewSessionVWAP() *SessionVWAP {
	return &SessionVWAP{
		pv:  make(map[string]decimal.Decimal),
		vol: make(map[string]decimal.Decimal),
	}
}

// Update folds one data point into the session. Points with no volume are
// ignored.
func (v *SessionVWAP) Update(md types.MarketData) {
	if !md.Volume.IsPositive() {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	day := md.Timestamp.UTC().Truncate(24 * time.Hour)
	if day.After(v.day) {
		v.day = day
		v.pv = make(map[string]decimal.Decimal)
		v.vol = make(map[string]decimal.Decimal)
	}

	v.pv[md.Symbol] = v.pv[md.Symbol].Add(md.Price.Mul(md.Volume))
	v.vol[md.Symbol] = v.vol[md.Symbol].Add(md.Volume)
}

// Value returns the session VWAP for a symbol, false before any volume.
func (v *SessionVWAP) Value(symbol string) (decimal.Decimal, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	vol := v.vol[symbol]
	if !vol.IsPositive() {
		return decimal.Decimal{}, false
	}
	return v.pv[symbol].Div(vol), true
}

// SessionDay returns the UTC midnight of the current session.
func (v *SessionVWAP) SessionDay() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.day
}
