package risk

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:         500,
		MaxPositionNotional:  10000,
		MaxOpenOrders:        10,
		MaxConsecutiveLosses: 2,
		LossCooldown:         time.Hour,
		MaxPriceDeviationPct: 0.05,
		MinNotional:          10,
		MaxNotional:          100000,
	}
}

func newTestManager(cfg config.RiskConfig) *Manager {
	return NewManager(cfg, testLogger())
}

func limitSig(symbol string, side types.Side, qty, price string) types.Signal {
	return types.Signal{
		Strategy:    "scalper",
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.TifGTC,
		Qty:         d(qty),
		Price:       d(price),
		CreatedAt:   time.Now().UTC(),
	}
}

func marketSig(symbol string, side types.Side, qty string) types.Signal {
	sig := limitSig(symbol, side, qty, "0")
	sig.Type = types.OrderTypeMarket
	sig.Price = decimal.Decimal{}
	return sig
}

func riskFill(symbol string, side types.Side, qty, price string) types.Fill {
	return types.Fill{
		Symbol:    symbol,
		Side:      side,
		Qty:       d(qty),
		Price:     d(price),
		Timestamp: time.Now(),
	}
}

func tick(symbol, price string) types.MarketData {
	return types.MarketData{
		Symbol:    symbol,
		Price:     d(price),
		Volume:    d("1"),
		Timestamp: time.Now(),
	}
}

func drainEvents(rm *Manager) []types.RiskEvent {
	var evs []types.RiskEvent
	for {
		select {
		case ev := <-rm.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func TestCheckSignalAcceptsWithinLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnMarketData(tick("BTCUSDT", "100"))

	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100")); err != nil {
		t.Fatalf("CheckSignal() = %v, want nil", err)
	}
	if evs := drainEvents(rm); len(evs) != 0 {
		t.Errorf("accepted signal emitted %d events", len(evs))
	}
}

func TestDailyLossEngagesKillSwitch(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	// Round trip realizing -501 against the 500 limit.
	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "1000"))
	rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "499"))

	sig := limitSig("BTCUSDT", types.BUY, "1", "100")

	err := rm.CheckSignal(sig)
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want ErrRiskRejected", err)
	}
	if !rm.Engaged() {
		t.Fatal("daily loss breach should engage the kill switch")
	}
	evs := drainEvents(rm)
	if len(evs) != 1 || evs[0].Code != types.RiskCodeDailyLoss || evs[0].Severity != types.SeverityCritical {
		t.Fatalf("events = %+v, want one critical DAILY_LOSS_LIMIT", evs)
	}

	// Same signal again: same outcome, exactly one event per rejection.
	if err := rm.CheckSignal(sig); !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("second CheckSignal() = %v, want ErrRiskRejected", err)
	}
	evs = drainEvents(rm)
	if len(evs) != 1 || evs[0].Code != types.RiskCodeSignalRejected {
		t.Fatalf("events = %+v, want one SIGNAL_REJECTED", evs)
	}

	rm.ResetBreach()
	if rm.Engaged() {
		t.Fatal("ResetBreach should disengage the kill switch")
	}
	if err := rm.CheckSignal(sig); err != nil {
		t.Fatalf("CheckSignal() after reset = %v, want nil", err)
	}
}

func TestUnrealizedLossCountsTowardDailyLimit(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "1000"))
	rm.OnMarketData(tick("BTCUSDT", "499")) // unrealized -501

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "0.1", "499"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want ErrRiskRejected", err)
	}
	if !rm.Engaged() {
		t.Error("marked-to-market breach should engage the kill switch")
	}
}

func TestManualEngage(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.Engage("operator halt")
	if !rm.Engaged() {
		t.Fatal("Engage should set the kill switch")
	}

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want ErrRiskRejected", err)
	}
	evs := drainEvents(rm)
	if len(evs) != 2 || evs[0].Code != types.RiskCodeKillSwitch || evs[1].Code != types.RiskCodeSignalRejected {
		t.Fatalf("events = %+v, want KILL_SWITCH then SIGNAL_REJECTED", evs)
	}
}

func TestPositionLimitUsesProjectedNotional(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnFill(riskFill("BTCUSDT", types.BUY, "50", "100"))

	// 50 + 60 = 110 units at 100 projects to 11000 > 10000.
	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "60", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want ErrRiskRejected", err)
	}
	if !strings.Contains(err.Error(), "position limit") {
		t.Errorf("error = %q, want position limit reason", err)
	}

	// Selling the same quantity shrinks the book and passes.
	drainEvents(rm)
	if err := rm.CheckSignal(limitSig("BTCUSDT", types.SELL, "60", "100")); err != nil {
		t.Fatalf("reducing signal rejected: %v", err)
	}
}

func TestPositionLimitPerSymbolRatio(t *testing.T) {
	t.Parallel()
	cfg := riskConfig()
	// Lowercase key the way viper hands maps back.
	cfg.PositionLimits = map[string]float64{"ethusdt": 0.5}
	rm := newTestManager(cfg)

	sig := limitSig("ETHUSDT", types.BUY, "60", "100") // 6000 notional
	if err := rm.CheckSignal(sig); !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want rejection above scaled limit 5000", err)
	}

	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "60", "100")); err != nil {
		t.Fatalf("unscaled symbol rejected: %v", err)
	}
}

type fakeCounter map[string]int

func (f fakeCounter) OpenOrderCount(symbol string) int { return f[symbol] }

func TestOpenOrderCap(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	working := fakeCounter{"BTCUSDT": 10}
	rm.SetOrderCounter(working)

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want rejection at order cap", err)
	}

	working["BTCUSDT"] = 9
	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100")); err != nil {
		t.Fatalf("CheckSignal() below cap = %v, want nil", err)
	}
}

func TestLossCooldownBlocksEntriesOnly(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	// Two losing round trips trip the streak limit of 2.
	for i := 0; i < 2; i++ {
		rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "100"))
		rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "99"))
	}

	evs := drainEvents(rm)
	if len(evs) != 1 || evs[0].Code != types.RiskCodeLossCooldown {
		t.Fatalf("events = %+v, want one LOSS_COOLDOWN", evs)
	}

	// Authoritative position so an exit has something to shrink.
	rm.OnPositionUpdate(types.Position{Symbol: "BTCUSDT", Size: d("5"), EntryPrice: d("100")})

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "2", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("entry during cooldown = %v, want ErrRiskRejected", err)
	}
	if err := rm.CheckSignal(limitSig("BTCUSDT", types.SELL, "2", "100")); err != nil {
		t.Fatalf("exit during cooldown = %v, want nil", err)
	}
}

func TestWinningFillResetsLossStreak(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "100"))
	rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "99")) // streak 1
	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "100"))
	rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "150")) // winner resets
	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "100"))
	rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "99")) // streak 1 again

	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100")); err != nil {
		t.Fatalf("CheckSignal() = %v, want nil with streak below limit", err)
	}
}

func TestNotionalBounds(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "0.05", "100")) // 5 < 10
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("below min notional = %v, want ErrRiskRejected", err)
	}

	cfg := riskConfig()
	cfg.MaxPositionNotional = 1e9 // isolate the notional bound
	rm = newTestManager(cfg)
	err = rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "2000", "100")) // 200000 > 100000
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("above max notional = %v, want ErrRiskRejected", err)
	}
	if !strings.Contains(err.Error(), "above maximum") {
		t.Errorf("error = %q, want max notional reason", err)
	}
}

func TestLimitPriceSanity(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnMarketData(tick("BTCUSDT", "100"))

	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "106")) // 6% > 5%
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("deviant limit = %v, want ErrRiskRejected", err)
	}

	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "104")); err != nil {
		t.Fatalf("limit within deviation = %v, want nil", err)
	}

	// Market orders take whatever the book offers; no sanity check.
	if err := rm.CheckSignal(marketSig("BTCUSDT", types.BUY, "1")); err != nil {
		t.Fatalf("market order = %v, want nil", err)
	}
}

func TestMarketOrderNeedsReferencePrice(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	err := rm.CheckSignal(marketSig("BTCUSDT", types.BUY, "1"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want rejection without a reference price", err)
	}

	// Once a trade prints, market orders are sized against it.
	rm.OnMarketData(tick("BTCUSDT", "100"))
	if err := rm.CheckSignal(marketSig("BTCUSDT", types.BUY, "1")); err != nil {
		t.Fatalf("CheckSignal() after tick = %v, want nil", err)
	}
	if err := rm.CheckSignal(marketSig("BTCUSDT", types.BUY, "150")); !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("oversized market order = %v, want rejection at 15000 notional", err)
	}
}

func TestCorrectiveOrderBypassesGate(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.Engage("operator halt")
	drainEvents(rm)

	sig := marketSig("ETHUSDT", types.SELL, "5")
	sig.Strategy = "pairs"
	sig.Meta = types.PairsMeta{PeerSymbol: "BTCUSDT", Corrective: true}

	if err := rm.CheckSignal(sig); err != nil {
		t.Fatalf("corrective order rejected: %v", err)
	}
	evs := drainEvents(rm)
	if len(evs) != 1 || evs[0].Code != types.RiskCodePendingHedge {
		t.Fatalf("events = %+v, want one PENDING_HEDGE", evs)
	}
	if got := rm.Stats().Rejections; got != 0 {
		t.Errorf("Rejections = %d, want 0", got)
	}
}

func TestCheckOrderingPositionLimitBeforeNotional(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	// 2000 x 100 violates both the position limit and the max notional; the
	// position limit is checked first.
	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "2000", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want ErrRiskRejected", err)
	}
	if !strings.Contains(err.Error(), "position limit") {
		t.Errorf("error = %q, want the position limit to reject first", err)
	}
}

func TestOnDayResetsDailyCounters(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	day1 := time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC)
	rm.OnDay(day1)

	rm.OnFill(riskFill("BTCUSDT", types.BUY, "1", "1000"))
	rm.OnFill(riskFill("BTCUSDT", types.SELL, "1", "600"))
	if got := rm.Stats().DailyRealized; !got.Equal(d("-400")) {
		t.Fatalf("DailyRealized = %s, want -400", got)
	}

	rm.OnDay(day1.Add(2 * time.Hour)) // same UTC date
	if got := rm.Stats().DailyRealized; !got.Equal(d("-400")) {
		t.Fatalf("DailyRealized after same-day tick = %s, want -400", got)
	}

	rm.OnDay(day1.AddDate(0, 0, 1))
	if got := rm.Stats().DailyRealized; !got.IsZero() {
		t.Fatalf("DailyRealized after rollover = %s, want 0", got)
	}
}

func TestPositionUpdateOverridesShadow(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnFill(riskFill("BTCUSDT", types.BUY, "90", "100"))

	// 90 + 20 at 100 would breach 10000.
	err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "20", "100"))
	if !errors.Is(err, errs.ErrRiskRejected) {
		t.Fatalf("CheckSignal() = %v, want rejection from shadow book", err)
	}

	// Accountant says the real position is smaller.
	rm.OnPositionUpdate(types.Position{Symbol: "BTCUSDT", Size: d("10"), EntryPrice: d("100")})
	if err := rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "20", "100")); err != nil {
		t.Fatalf("CheckSignal() after authoritative update = %v, want nil", err)
	}
}

func TestStatsCountsChecks(t *testing.T) {
	t.Parallel()
	rm := newTestManager(riskConfig())

	rm.OnMarketData(tick("BTCUSDT", "100"))
	rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "1", "100"))
	rm.CheckSignal(limitSig("BTCUSDT", types.BUY, "0.01", "100")) // below min notional

	st := rm.Stats()
	if st.Checks != 2 {
		t.Errorf("Checks = %d, want 2", st.Checks)
	}
	if st.Rejections != 1 {
		t.Errorf("Rejections = %d, want 1", st.Rejections)
	}
}
