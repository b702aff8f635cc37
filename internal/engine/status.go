package engine

import (
	"time"

	"binance-trader/internal/account"
	"binance-trader/internal/config"
	"binance-trader/internal/exchange"
	"binance-trader/internal/market"
	"binance-trader/internal/order"
	"binance-trader/internal/risk"
	"binance-trader/internal/strategy"
	"binance-trader/pkg/types"
)

// SignalStats counts signal-path outcomes since startup. Seen is every
// signal a strategy emitted; Accepted cleared the risk gate and reached the
// venue; Rejected was refused by the gate. Seen can briefly exceed
// Accepted+Rejected while a signal is in flight, and submit failures count
// in neither bucket.
type SignalStats struct {
	Seen     int64
	Accepted int64
	Rejected int64
}

// EngineStatus is a point-in-time snapshot of every component, consumed by
// the periodic status line and by tests.
type EngineStatus struct {
	Mode       config.Mode
	Uptime     time.Duration
	Symbols    []string
	Stream     exchange.StreamState
	Market     []market.SymbolHealth
	Positions  []types.Position
	Pnl        account.PnlSnapshot
	Ledger     account.Stats
	Risk       risk.Stats
	Orders     order.Stats
	Strategies []strategy.Stats
	Signals    SignalStats
	Limiter    exchange.LimiterStats
	Events     int64
}

// Status assembles the snapshot. Safe to call from any goroutine; ledger
// fields stay zero until Initialize has opened the store.
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{
		Mode:    e.mode,
		Uptime:  time.Since(e.startedAt).Round(time.Second),
		Symbols: e.symbols,
		Stream:  e.stream.State(),
		Market:  e.ingester.Health(),
		Risk:    e.riskMgr.Stats(),
		Orders:  e.orders.Stats(),
		Limiter: e.client.Limiter().Stats(),
		Signals: SignalStats{
			Seen:     e.signalsSeen.Load(),
			Accepted: e.signalsAccepted.Load(),
			Rejected: e.signalsRejected.Load(),
		},
		Events: e.eventsSeen.Load(),
	}
	if e.acct != nil {
		st.Positions = e.acct.Positions()
		st.Pnl = e.acct.SessionPnl()
		st.Ledger = e.acct.Stats()
	}
	for _, r := range e.runners {
		st.Strategies = append(st.Strategies, r.strat.Stats())
	}
	return st
}
