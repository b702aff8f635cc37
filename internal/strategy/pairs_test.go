package strategy

import (
	"math"
	"testing"
	"time"

	"binance-trader/internal/config"
	"binance-trader/pkg/types"
)

func pairsConfig() config.PairsConfig {
	return config.PairsConfig{
		Enabled:          true,
		SymbolA:          "BTCUSDT",
		SymbolB:          "ETHUSDT",
		Window:           10,
		ZEnter:           2,
		ZStop:            4,
		KellyFraction:    0.5,
		MaxPositionRatio: 2,
		BaseSize:         10,
		RebalanceEvery:   time.Second,
	}
}

// warmPairs feeds ten alternating spread samples one second apart. The
// window ends full with z under the entry threshold.
func warmPairs(p *Pairs, t0 time.Time) {
	for i := 0; i < 10; i++ {
		price := "100"
		if i%2 == 1 {
			price = "101"
		}
		p.OnMarketData(tick("BTCUSDT", price))
		p.OnMarketData(tick("ETHUSDT", "100"))
		p.OnTimer(t0.Add(time.Duration(i) * time.Second))
	}
}

// enterPair spikes leg A to 103, which pushes z past the entry threshold,
// and returns the two entry signals.
func enterPair(t *testing.T, p *Pairs, out chan types.Signal, t0 time.Time) (legA, legB types.Signal) {
	t.Helper()
	p.OnMarketData(tick("BTCUSDT", "103"))
	p.OnTimer(t0.Add(10 * time.Second))
	legA = expectSignal(t, out)
	legB = expectSignal(t, out)
	return legA, legB
}

func TestPairsEntryEmitsBothLegs(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 16)
	p := NewPairs(pairsConfig(), out, testLogger())
	t0 := time.Unix(1700000000, 0)

	warmPairs(p, t0)
	expectNoSignal(t, out)

	legA, legB := enterPair(t, p, out, t0)

	// Ratio above its mean: leg A is rich, leg B cheap.
	if legA.Symbol != "BTCUSDT" || legA.Side != types.SELL || legA.Type != types.OrderTypeMarket {
		t.Fatalf("leg A = %s %s %s, want BTCUSDT SELL MARKET", legA.Symbol, legA.Side, legA.Type)
	}
	if legB.Symbol != "ETHUSDT" || legB.Side != types.BUY {
		t.Fatalf("leg B = %s %s, want ETHUSDT BUY", legB.Symbol, legB.Side)
	}
	// Leg A carries base*kellyFraction, leg B the hedge-adjusted size.
	if !legA.Qty.Equal(d("5")) {
		t.Errorf("leg A qty = %s, want 5", legA.Qty)
	}
	if !legB.Qty.Equal(d("5.15")) {
		t.Errorf("leg B qty = %s, want 5.15", legB.Qty)
	}

	meta, ok := legA.Meta.(types.PairsMeta)
	if !ok {
		t.Fatalf("meta type %T, want PairsMeta", legA.Meta)
	}
	if meta.PeerSymbol != "ETHUSDT" {
		t.Errorf("peer = %q, want ETHUSDT", meta.PeerSymbol)
	}
	if meta.ZScore < 2 || meta.ZScore >= 4 {
		t.Errorf("z = %v, want in [2, 4)", meta.ZScore)
	}
	if !meta.HedgeRatio.Equal(d("1.03")) {
		t.Errorf("hedge ratio = %s, want 1.03", meta.HedgeRatio)
	}
	if meta.Corrective {
		t.Error("entry leg marked corrective")
	}
	if p.leg != pairEntering {
		t.Errorf("state = %s, want entering", p.leg)
	}
}

func TestPairsMeanReversionRoundTrip(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 16)
	p := NewPairs(pairsConfig(), out, testLogger())
	t0 := time.Unix(1700000000, 0)

	warmPairs(p, t0)
	enterPair(t, p, out, t0)

	// Both legs fill; the next tick sees a consistent pair.
	p.OnFill(strategyFill("BTCUSDT", types.SELL, "103", "5"))
	p.OnFill(strategyFill("ETHUSDT", types.BUY, "100", "5.15"))
	p.OnTimer(t0.Add(10*time.Second + 100*time.Millisecond))
	expectNoSignal(t, out)
	if p.leg != pairOpen {
		t.Fatalf("state = %s, want open after both fills", p.leg)
	}

	// The ratio reverts toward its mean: z falls under zEnter/2.
	p.OnMarketData(tick("BTCUSDT", "100.8"))
	p.OnTimer(t0.Add(10*time.Second + 200*time.Millisecond))

	closeA := expectSignal(t, out)
	closeB := expectSignal(t, out)
	if closeA.Side != types.BUY || !closeA.Qty.Equal(d("5")) {
		t.Fatalf("close A = %s %s, want BUY 5", closeA.Side, closeA.Qty)
	}
	if closeB.Side != types.SELL || !closeB.Qty.Equal(d("5.15")) {
		t.Fatalf("close B = %s %s, want SELL 5.15", closeB.Side, closeB.Qty)
	}
	meta, ok := closeA.Meta.(types.CloseMeta)
	if !ok {
		t.Fatalf("meta type %T, want CloseMeta", closeA.Meta)
	}
	if meta.Reason != "mean_reversion" {
		t.Errorf("reason = %q, want mean_reversion", meta.Reason)
	}
	if !meta.EntryPrice.Equal(d("103")) {
		t.Errorf("entry price = %s, want 103", meta.EntryPrice)
	}

	// Exit fills settle the pair back to flat.
	p.OnFill(strategyFill("BTCUSDT", types.BUY, "100.8", "5"))
	p.OnFill(strategyFill("ETHUSDT", types.SELL, "100", "5.15"))
	p.OnTimer(t0.Add(10*time.Second + 300*time.Millisecond))
	if p.leg != pairFlat {
		t.Errorf("state = %s, want flat after exits fill", p.leg)
	}
}

func TestPairsStopOut(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 16)
	p := NewPairs(pairsConfig(), out, testLogger())
	t0 := time.Unix(1700000000, 0)

	warmPairs(p, t0)
	enterPair(t, p, out, t0)
	p.OnFill(strategyFill("BTCUSDT", types.SELL, "103", "5"))
	p.OnFill(strategyFill("ETHUSDT", types.BUY, "100", "5.15"))
	p.OnTimer(t0.Add(10*time.Second + 100*time.Millisecond))

	// The spread keeps diverging past zStop.
	p.OnMarketData(tick("BTCUSDT", "105"))
	p.OnTimer(t0.Add(10*time.Second + 200*time.Millisecond))

	closeA := expectSignal(t, out)
	meta := closeA.Meta.(types.CloseMeta)
	if meta.Reason != "stop_out" {
		t.Fatalf("reason = %q, want stop_out", meta.Reason)
	}
	expectSignal(t, out) // leg B close
	if p.leg != pairExiting {
		t.Errorf("state = %s, want exiting", p.leg)
	}
}

func TestPairsUnwindsNakedLeg(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 16)
	p := NewPairs(pairsConfig(), out, testLogger())
	t0 := time.Unix(1700000000, 0)

	warmPairs(p, t0)
	enterPair(t, p, out, t0)

	// Only leg A fills; leg B never arrives.
	p.OnFill(strategyFill("BTCUSDT", types.SELL, "103", "5"))

	p.OnTimer(t0.Add(10*time.Second + 100*time.Millisecond)) // grace tick
	expectNoSignal(t, out)

	p.OnTimer(t0.Add(10*time.Second + 200*time.Millisecond))
	repair := expectSignal(t, out)
	if repair.Symbol != "BTCUSDT" || repair.Side != types.BUY || !repair.Qty.Equal(d("5")) {
		t.Fatalf("repair = %s %s %s, want BTCUSDT BUY 5", repair.Symbol, repair.Side, repair.Qty)
	}
	meta, ok := repair.Meta.(types.PairsMeta)
	if !ok || !meta.Corrective {
		t.Fatalf("repair meta = %+v, want corrective PairsMeta", repair.Meta)
	}
	expectNoSignal(t, out)
	if p.leg != pairExiting {
		t.Fatalf("state = %s, want exiting", p.leg)
	}

	// The unwind fills and the pair settles flat.
	p.OnFill(strategyFill("BTCUSDT", types.BUY, "103", "5"))
	p.OnTimer(t0.Add(10*time.Second + 300*time.Millisecond))
	if p.leg != pairFlat {
		t.Errorf("state = %s, want flat", p.leg)
	}
}

func TestPairsRejectedEntryResetsFlat(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 16)
	p := NewPairs(pairsConfig(), out, testLogger())
	t0 := time.Unix(1700000000, 0)

	warmPairs(p, t0)
	enterPair(t, p, out, t0)

	// No fills at all: both legs were rejected downstream.
	p.OnTimer(t0.Add(10*time.Second + 100*time.Millisecond))
	p.OnTimer(t0.Add(10*time.Second + 200*time.Millisecond))

	expectNoSignal(t, out)
	if p.leg != pairFlat {
		t.Errorf("state = %s, want flat after dead entry", p.leg)
	}
}

func TestPairsSizingCap(t *testing.T) {
	t.Parallel()
	cfg := pairsConfig()
	cfg.KellyFraction = 3
	cfg.MaxPositionRatio = 2
	p := NewPairs(cfg, make(chan types.Signal, 1), testLogger())

	if want := d("20"); !p.qtyA.Equal(want) {
		t.Errorf("leg size = %s, want capped at %s", p.qtyA, want)
	}
}

func TestPairsSamplingCadence(t *testing.T) {
	t.Parallel()
	p := NewPairs(pairsConfig(), make(chan types.Signal, 1), testLogger())
	t0 := time.Unix(1700000000, 0)

	p.OnMarketData(tick("BTCUSDT", "100"))
	p.OnMarketData(tick("ETHUSDT", "100"))
	p.OnTimer(t0)
	p.OnTimer(t0.Add(300 * time.Millisecond)) // inside the sampling gap
	p.OnTimer(t0.Add(time.Second))

	if got := len(p.samples); got != 2 {
		t.Errorf("samples = %d, want 2", got)
	}
}

func TestPairsIgnoresForeignSymbols(t *testing.T) {
	t.Parallel()
	out := make(chan types.Signal, 4)
	p := NewPairs(pairsConfig(), out, testLogger())

	p.OnMarketData(tick("XRPUSDT", "1"))
	p.OnTimer(time.Unix(1700000000, 0))

	if len(p.samples) != 0 {
		t.Errorf("samples = %d, want 0 without both legs priced", len(p.samples))
	}
	expectNoSignal(t, out)
}

func TestReversionSpeed(t *testing.T) {
	t.Parallel()

	if got := reversionSpeed([]float64{1, 2}); got != 0 {
		t.Errorf("short series theta = %v, want 0", got)
	}
	if got := reversionSpeed([]float64{1, 1, 1, 1, 1}); got != 0 {
		t.Errorf("constant series theta = %v, want 0", got)
	}
	// A linear ramp autocorrelates perfectly; theta collapses to zero.
	ramp := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := reversionSpeed(ramp); got > 1e-9 {
		t.Errorf("ramp theta = %v, want ~0", got)
	}

	// A smooth oscillation has lag-1 autocorrelation strictly inside
	// (0, 1), so theta comes out positive.
	wave := make([]float64, 12)
	for i := range wave {
		wave[i] = math.Sin(float64(i) / 3)
	}
	if got := reversionSpeed(wave); got <= 0 {
		t.Errorf("wave theta = %v, want > 0", got)
	}
}
