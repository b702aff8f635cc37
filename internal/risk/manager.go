// Package risk is the pre-trade gate between strategies and the order
// manager. Every signal passes through CheckSignal before it may reach the
// exchange; the checks run in a fixed order and the first failure rejects:
//
//   - Kill switch:     engaged manually or by a daily-loss breach, rejects everything
//   - Daily loss:      realized+unrealized session P&L at or below -MaxDailyLoss
//     engages the kill switch
//   - Position limit:  projected per-symbol notional against MaxPositionNotional,
//     scaled by the per-symbol ratio in PositionLimits
//   - Open orders:     working orders per symbol against MaxOpenOrders
//   - Loss cooldown:   after MaxConsecutiveLosses losing fills in a row, new
//     entries pause for LossCooldown; exits stay allowed
//   - Notional bounds: order notional within [MinNotional, MaxNotional]
//   - Price sanity:    LIMIT price within MaxPriceDeviationPct of the last trade
//
// A rejection returns an error wrapping errs.ErrRiskRejected and emits one
// RiskEvent on Events(). The manager keeps a shadow position book from fills
// so the gate works even when the accountant lags; authoritative positions
// arriving through OnPositionUpdate overwrite the shadow.
//
// Corrective orders repairing a one-legged pair are exempt from every check:
// blocking them would pin the naked leg open, which is the larger risk. They
// surface as PENDING_HEDGE events instead.
package risk

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/account"
	"binance-trader/internal/config"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

// OpenOrderCounter reports how many orders are working at the exchange for a
// symbol. The order manager implements it.
type OpenOrderCounter interface {
	OpenOrderCount(symbol string) int
}

// Stats is a point-in-time snapshot of the gate for status reporting.
type Stats struct {
	Engaged       bool
	EngageReason  string
	DailyRealized decimal.Decimal
	SessionPnl    decimal.Decimal // realized plus marked unrealized
	Checks        int64
	Rejections    int64
	Cooldowns     int // symbols currently in loss cooldown
}

// Manager enforces the pre-trade limits. CheckSignal runs on the engine
// loop while fills, position updates, and marks may arrive from other
// goroutines, so all state lives behind one mutex.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger
	orders OpenOrderCounter // wired by the engine before signals flow; nil skips the check

	maxDailyLoss decimal.Decimal
	maxNotional  decimal.Decimal
	minNotional  decimal.Decimal
	maxPosition  decimal.Decimal
	maxDeviation decimal.Decimal
	limits       map[string]decimal.Decimal // per-symbol ratio applied to maxPosition

	mu            sync.Mutex
	engaged       bool
	engageReason  string
	positions     map[string]types.Position
	lastPrice     map[string]decimal.Decimal
	dailyRealized decimal.Decimal
	day           time.Time // UTC date of the current session day
	losses        map[string]int
	cooldownUntil map[string]time.Time
	checks        int64
	rejections    int64

	events chan types.RiskEvent
}

// NewManager builds a disengaged risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	limits := make(map[string]decimal.Decimal, len(cfg.PositionLimits))
	for sym, ratio := range cfg.PositionLimits {
		// Viper lowercases map keys read from config files.
		limits[strings.ToUpper(sym)] = decimal.NewFromFloat(ratio)
	}
	return &Manager{
		cfg:           cfg,
		logger:        logger.With("component", "risk"),
		maxDailyLoss:  decimal.NewFromFloat(cfg.MaxDailyLoss),
		maxNotional:   decimal.NewFromFloat(cfg.MaxNotional),
		minNotional:   decimal.NewFromFloat(cfg.MinNotional),
		maxPosition:   decimal.NewFromFloat(cfg.MaxPositionNotional),
		maxDeviation:  decimal.NewFromFloat(cfg.MaxPriceDeviationPct),
		limits:        limits,
		positions:     make(map[string]types.Position),
		lastPrice:     make(map[string]decimal.Decimal),
		losses:        make(map[string]int),
		cooldownUntil: make(map[string]time.Time),
		events:        make(chan types.RiskEvent, 64),
	}
}

// SetOrderCounter wires the working-order source. Without it the open-order
// check is skipped.
func (rm *Manager) SetOrderCounter(c OpenOrderCounter) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.orders = c
}

// Events returns the risk event stream consumed by the engine.
func (rm *Manager) Events() <-chan types.RiskEvent {
	return rm.events
}

// CheckSignal runs the ordered pre-trade checks against the signal. A nil
// return clears the signal for submission. Checking is idempotent: the same
// signal against the same state produces the same outcome, and each
// rejection emits exactly one event.
func (rm *Manager) CheckSignal(sig types.Signal) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.checks++

	if pm, ok := sig.Meta.(types.PairsMeta); ok && pm.Corrective {
		rm.emit(types.SeverityWarning, types.RiskCodePendingHedge, sig.Symbol,
			fmt.Sprintf("passing corrective %s order for naked pair leg", sig.Side),
			map[string]string{"strategy": sig.Strategy, "peer": pm.PeerSymbol})
		return nil
	}

	if rm.engaged {
		return rm.reject(sig, "kill switch engaged: "+rm.engageReason)
	}

	if rm.maxDailyLoss.IsPositive() {
		if pnl := rm.sessionPnl(); pnl.LessThanOrEqual(rm.maxDailyLoss.Neg()) {
			rm.engage(types.RiskCodeDailyLoss,
				fmt.Sprintf("session pnl %s breaches daily loss limit %s", pnl, rm.maxDailyLoss))
			rm.rejections++
			return fmt.Errorf("daily loss limit breached: %w", errs.ErrRiskRejected)
		}
	}

	ref := rm.refPrice(sig)
	if !ref.IsPositive() {
		return rm.reject(sig, "no reference price for symbol")
	}
	current := rm.positions[sig.Symbol].Size
	projected := current.Add(sig.Qty.Mul(sig.Side.Sign()))

	if rm.maxPosition.IsPositive() {
		limit := rm.positionLimit(sig.Symbol)
		if notional := projected.Abs().Mul(ref); notional.GreaterThan(limit) {
			return rm.reject(sig, fmt.Sprintf("projected notional %s exceeds position limit %s",
				notional.StringFixed(2), limit.StringFixed(2)))
		}
	}

	if rm.orders != nil && rm.cfg.MaxOpenOrders > 0 {
		if n := rm.orders.OpenOrderCount(sig.Symbol); n >= rm.cfg.MaxOpenOrders {
			return rm.reject(sig, fmt.Sprintf("%d open orders at cap %d", n, rm.cfg.MaxOpenOrders))
		}
	}

	if until, ok := rm.cooldownUntil[sig.Symbol]; ok {
		if time.Now().Before(until) {
			// Exits shrink the position and stay allowed during cooldown.
			if projected.Abs().GreaterThan(current.Abs()) {
				return rm.reject(sig, fmt.Sprintf("loss cooldown active until %s",
					until.UTC().Format(time.RFC3339)))
			}
		} else {
			delete(rm.cooldownUntil, sig.Symbol)
		}
	}

	notional := sig.Qty.Mul(ref)
	if rm.minNotional.IsPositive() && notional.LessThan(rm.minNotional) {
		return rm.reject(sig, fmt.Sprintf("notional %s below minimum %s",
			notional.StringFixed(2), rm.minNotional))
	}
	if rm.maxNotional.IsPositive() && notional.GreaterThan(rm.maxNotional) {
		return rm.reject(sig, fmt.Sprintf("notional %s above maximum %s",
			notional.StringFixed(2), rm.maxNotional))
	}

	if sig.Type == types.OrderTypeLimit && rm.maxDeviation.IsPositive() {
		if last, ok := rm.lastPrice[sig.Symbol]; ok && last.IsPositive() {
			dev := sig.Price.Sub(last).Abs().Div(last)
			if dev.GreaterThan(rm.maxDeviation) {
				return rm.reject(sig, fmt.Sprintf("limit price %s deviates %s from last %s",
					sig.Price, dev.StringFixed(4), last))
			}
		}
	}

	return nil
}

// OnFill folds a fill into the shadow book and the daily counters.
func (rm *Manager) OnFill(f types.Fill) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	next, realized := account.Apply(rm.positions[f.Symbol], f)
	rm.positions[f.Symbol] = next

	if realized.IsZero() {
		return
	}
	rm.dailyRealized = rm.dailyRealized.Add(realized)

	if !realized.IsNegative() {
		rm.losses[f.Symbol] = 0
		return
	}
	rm.losses[f.Symbol]++
	if rm.cfg.MaxConsecutiveLosses > 0 && rm.losses[f.Symbol] >= rm.cfg.MaxConsecutiveLosses {
		at := f.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		until := at.Add(rm.cfg.LossCooldown)
		rm.cooldownUntil[f.Symbol] = until
		rm.losses[f.Symbol] = 0
		rm.logger.Warn("loss cooldown engaged",
			"symbol", f.Symbol,
			"losses", rm.cfg.MaxConsecutiveLosses,
			"until", until.UTC().Format(time.RFC3339))
		rm.emit(types.SeverityWarning, types.RiskCodeLossCooldown, f.Symbol,
			fmt.Sprintf("%d consecutive losing fills, entries paused", rm.cfg.MaxConsecutiveLosses),
			nil)
	}
}

// OnPositionUpdate replaces the shadow position with the accountant's
// authoritative one.
func (rm *Manager) OnPositionUpdate(p types.Position) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.positions[p.Symbol] = p
}

// OnMarketData records the last trade price used for marking and sanity
// checks.
func (rm *Manager) OnMarketData(md types.MarketData) {
	if !md.Price.IsPositive() {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastPrice[md.Symbol] = md.Price
}

// OnDay rolls the daily counters when the UTC date changes. The kill switch
// is not cleared; only ResetBreach does that.
func (rm *Manager) OnDay(now time.Time) {
	date := now.UTC().Truncate(24 * time.Hour)

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.day.Equal(date) {
		return
	}
	first := rm.day.IsZero()
	rm.day = date
	if first {
		return
	}
	rm.dailyRealized = decimal.Decimal{}
	rm.losses = make(map[string]int)
	rm.cooldownUntil = make(map[string]time.Time)
	rm.logger.Info("daily risk counters reset", "day", date.Format("2006-01-02"))
}

// Engage trips the kill switch manually.
func (rm *Manager) Engage(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.engage(types.RiskCodeKillSwitch, reason)
}

// Engaged reports whether the kill switch is active.
func (rm *Manager) Engaged() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.engaged
}

// ResetBreach re-arms the gate after a manual review: it clears the kill
// switch and the daily counters that tripped it.
func (rm *Manager) ResetBreach() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.engaged = false
	rm.engageReason = ""
	rm.dailyRealized = decimal.Decimal{}
	rm.losses = make(map[string]int)
	rm.cooldownUntil = make(map[string]time.Time)
	rm.logger.Warn("kill switch reset, daily counters cleared")
}

// Stats snapshots the gate for the status line.
func (rm *Manager) Stats() Stats {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	active := 0
	now := time.Now()
	for _, until := range rm.cooldownUntil {
		if now.Before(until) {
			active++
		}
	}
	return Stats{
		Engaged:       rm.engaged,
		EngageReason:  rm.engageReason,
		DailyRealized: rm.dailyRealized,
		SessionPnl:    rm.sessionPnl(),
		Checks:        rm.checks,
		Rejections:    rm.rejections,
		Cooldowns:     active,
	}
}

// sessionPnl is dailyRealized plus unrealized P&L across the shadow book,
// marked at the last trade prices. Caller holds mu.
func (rm *Manager) sessionPnl() decimal.Decimal {
	pnl := rm.dailyRealized
	for sym, pos := range rm.positions {
		if pos.Size.IsZero() {
			continue
		}
		last, ok := rm.lastPrice[sym]
		if !ok || !last.IsPositive() {
			continue
		}
		pnl = pnl.Add(account.MarkToMarket(pos, last).UnrealizedPnl)
	}
	return pnl
}

// refPrice picks the price an order would plausibly execute at: the limit
// price when there is one, otherwise the last trade. Caller holds mu.
func (rm *Manager) refPrice(sig types.Signal) decimal.Decimal {
	if sig.Type == types.OrderTypeLimit && sig.Price.IsPositive() {
		return sig.Price
	}
	return rm.lastPrice[sig.Symbol]
}

// positionLimit resolves the notional cap for a symbol. Caller holds mu.
func (rm *Manager) positionLimit(symbol string) decimal.Decimal {
	if ratio, ok := rm.limits[symbol]; ok {
		return rm.maxPosition.Mul(ratio)
	}
	return rm.maxPosition
}

// engage trips the kill switch and emits one critical event. Caller holds mu.
func (rm *Manager) engage(code, reason string) {
	if rm.engaged {
		return
	}
	rm.engaged = true
	rm.engageReason = reason
	rm.logger.Error("kill switch engaged", "code", code, "reason", reason)
	rm.emit(types.SeverityCritical, code, "", reason, nil)
}

// reject books a rejection, emits one warning event, and returns the error
// handed back to the engine. Caller holds mu.
func (rm *Manager) reject(sig types.Signal, reason string) error {
	rm.rejections++
	rm.logger.Warn("signal rejected",
		"strategy", sig.Strategy,
		"symbol", sig.Symbol,
		"side", sig.Side,
		"reason", reason)
	rm.emit(types.SeverityWarning, types.RiskCodeSignalRejected, sig.Symbol, reason,
		map[string]string{"strategy": sig.Strategy, "side": string(sig.Side)})
	return fmt.Errorf("%s: %w", reason, errs.ErrRiskRejected)
}

// emit sends a risk event without blocking; a full channel drops the event
// rather than stalling the gate. Caller holds mu.
func (rm *Manager) emit(sev types.Severity, code, symbol, msg string, details map[string]string) {
	ev := types.RiskEvent{
		Severity:  sev,
		Code:      code,
		Message:   msg,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
	select {
	case rm.events <- ev:
	default:
		rm.logger.Warn("risk event channel full, dropping event", "code", code)
	}
}
