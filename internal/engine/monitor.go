package engine

import (
	"strings"
	"time"

	"binance-trader/internal/exchange"
	"binance-trader/internal/store"
)

// monitor logs one status line per monitoring.status_interval and rolls the
// risk session at UTC midnight, resetting the daily loss ledger.
func (e *Engine) monitor() {
	interval := e.cfg.Monitoring.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	day := store.DayKey(time.Now().UTC())
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if d := store.DayKey(now); d != day {
				day = d
				e.riskMgr.OnDay(now.UTC())
			}
			e.logStatus()
		}
	}
}

// logStatus writes the one-line health summary and a staleness warning when
// the stream is up but a symbol has stopped ticking.
func (e *Engine) logStatus() {
	st := e.Status()
	e.logger.Info("status",
		"mode", st.Mode,
		"uptime", st.Uptime,
		"stream", st.Stream,
		"open_positions", st.Ledger.OpenPositions,
		"realized", st.Pnl.Realized,
		"unrealized", st.Pnl.Unrealized,
		"fees", st.Pnl.Fees,
		"active_orders", st.Orders.Active,
		"placed", st.Orders.Placed,
		"fills", st.Orders.Fills,
		"signals", st.Signals.Seen,
		"accepted", st.Signals.Accepted,
		"rejected", st.Signals.Rejected,
		"risk_engaged", st.Risk.Engaged,
		"weight_min", st.Limiter.WeightMin)

	staleAfter := e.cfg.Monitoring.StaleAfter
	if staleAfter <= 0 || st.Stream != exchange.StreamConnected {
		return
	}
	var stale []string
	for _, h := range st.Market {
		if h.LastTick.IsZero() || time.Since(h.LastTick) > staleAfter {
			stale = append(stale, h.Symbol)
		}
	}
	if len(stale) > 0 {
		e.logger.Warn("market data stale", "symbols", strings.Join(stale, ","))
	}
}
