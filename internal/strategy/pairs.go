package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"binance-trader/internal/config"
	"binance-trader/pkg/types"
)

// hedgeGraceTicks is how many timer ticks a leg mismatch is tolerated
// before corrective orders go out; market fills normally land within one.
const hedgeGraceTicks = 1

// pairLeg tracks where the two-legged position is in its lifecycle.
type pairLeg int

const (
	pairFlat pairLeg = iota
	pairEntering
	pairOpen
	pairExiting
)

func (l pairLeg) String() string {
	switch l {
	case pairFlat:
		return "flat"
	case pairEntering:
		return "entering"
	case pairOpen:
		return "open"
	case pairExiting:
		return "exiting"
	}
	return "unknown"
}

// Pairs trades mean reversion on the log price ratio of two symbols.
//
// It samples log(priceA/priceB) every RebalanceEvery, fits mu and sigma
// over a rolling window once the window is full, and trades the z-score of
// the live ratio: at |z| >= zEnter it shorts the rich leg and buys the
// cheap one with a price-ratio hedge, closes both legs once |z| falls
// under zEnter/2, and stops out at |z| >= zStop.
//
// Both legs go out as MARKET orders in the same tick. The legs are not
// atomic: when later ticks show one leg filled without the other, the
// strategy flags the pending hedge and unwinds whatever filled back to
// flat rather than chasing the missing leg. New entries wait until the
// pair is consistent again.
type Pairs struct {
	core
	cfg config.PairsConfig

	qtyA decimal.Decimal // per-entry leg A size, fixed at construction

	priceA decimal.Decimal
	priceB decimal.Decimal

	samples    []float64
	lastSample time.Time

	leg           pairLeg
	entryZ        float64
	targetA       decimal.Decimal
	targetB       decimal.Decimal
	mismatchTicks int
}

// NewPairs builds the strategy for the configured symbol pair.
func NewPairs(cfg config.PairsConfig, out chan<- types.Signal, logger *slog.Logger) *Pairs {
	base := decimal.NewFromFloat(cfg.BaseSize)
	qtyA := base.Mul(decimal.NewFromFloat(cfg.KellyFraction))
	if limit := base.Mul(decimal.NewFromFloat(cfg.MaxPositionRatio)); limit.IsPositive() && qtyA.GreaterThan(limit) {
		qtyA = limit
	}
	return &Pairs{
		core:    newCore("pairs", []string{cfg.SymbolA, cfg.SymbolB}, out, logger),
		cfg:     cfg,
		qtyA:    qtyA,
		samples: make([]float64, 0, cfg.Window),
	}
}

func (p *Pairs) OnMarketData(md types.MarketData) {
	switch md.Symbol {
	case p.cfg.SymbolA:
		p.priceA = md.Price
	case p.cfg.SymbolB:
		p.priceB = md.Price
	}
}

func (p *Pairs) OnOrderBook(types.OrderBook) {}

// OnKline is unused: the spread is sampled from trade prices on the timer.
func (p *Pairs) OnKline(types.Kline) {}

func (p *Pairs) OnFill(f types.Fill) {
	pos := p.applyFill(f)
	p.logger.Info("fill",
		"symbol", f.Symbol,
		"side", f.Side,
		"price", f.Price,
		"qty", f.Qty,
		"leg_size", pos.Size,
		"state", p.leg,
	)
}

func (p *Pairs) OnTimer(now time.Time) {
	if !p.priceA.IsPositive() || !p.priceB.IsPositive() {
		return
	}
	ratio := logRatio(p.priceA, p.priceB)

	if p.lastSample.IsZero() || now.Sub(p.lastSample) >= p.cfg.RebalanceEvery {
		p.pushSample(ratio)
		p.lastSample = now
	}

	// Leg reconciliation runs every tick so a naked hedge never waits on
	// the sampling cadence.
	switch p.leg {
	case pairEntering, pairExiting:
		p.checkLegs()
		return
	}

	if len(p.samples) < p.cfg.Window {
		return
	}
	mu := stat.Mean(p.samples, nil)
	sigma := stat.StdDev(p.samples, nil)
	if sigma <= 0 || math.IsNaN(sigma) {
		return
	}
	z := (ratio - mu) / sigma

	switch p.leg {
	case pairFlat:
		if math.Abs(z) >= p.cfg.ZEnter {
			p.enter(z, mu, sigma)
		}
	case pairOpen:
		switch {
		case math.Abs(z) >= p.cfg.ZStop:
			p.exit(z, "stop_out")
		case math.Abs(z) < p.cfg.ZEnter/2:
			p.exit(z, "mean_reversion")
		}
	}
}

func (p *Pairs) Stats() Stats { return p.stats(true) }

func (p *Pairs) pushSample(v float64) {
	if len(p.samples) == p.cfg.Window {
		copy(p.samples, p.samples[1:])
		p.samples[len(p.samples)-1] = v
		return
	}
	p.samples = append(p.samples, v)
}

// enter shorts the rich leg and buys the cheap leg. Leg A takes the
// configured base size and leg B is scaled by the price ratio so both
// legs carry roughly equal notional.
func (p *Pairs) enter(z, mu, sigma float64) {
	sideA := types.BUY
	if z > 0 {
		sideA = types.SELL
	}
	sideB := sideA.Opposite()

	hedge := p.priceA.Div(p.priceB)
	qtyB := p.qtyA.Mul(hedge)
	if !p.qtyA.IsPositive() || !qtyB.IsPositive() {
		return
	}

	theta := reversionSpeed(p.samples)
	confidence := math.Min(1, math.Abs(z)/p.cfg.ZStop)
	reason := fmt.Sprintf("spread z %.2f", z)

	p.emit(types.Signal{
		Symbol:     p.cfg.SymbolA,
		Side:       sideA,
		Type:       types.OrderTypeMarket,
		Qty:        p.qtyA,
		Confidence: confidence,
		Reason:     reason,
		Meta: types.PairsMeta{
			PeerSymbol: p.cfg.SymbolB,
			ZScore:     z,
			Mu:         mu,
			Sigma:      sigma,
			Theta:      theta,
			HedgeRatio: hedge,
		},
	})
	p.emit(types.Signal{
		Symbol:     p.cfg.SymbolB,
		Side:       sideB,
		Type:       types.OrderTypeMarket,
		Qty:        qtyB,
		Confidence: confidence,
		Reason:     reason,
		Meta: types.PairsMeta{
			PeerSymbol: p.cfg.SymbolA,
			ZScore:     z,
			Mu:         mu,
			Sigma:      sigma,
			Theta:      theta,
			HedgeRatio: hedge,
		},
	})

	p.targetA = p.qtyA.Mul(sideA.Sign())
	p.targetB = qtyB.Mul(sideB.Sign())
	p.entryZ = z
	p.leg = pairEntering
	p.mismatchTicks = 0

	p.logger.Info("entering pair",
		"z", z, "mu", mu, "sigma", sigma, "theta", theta,
		"side_a", sideA, "qty_a", p.qtyA, "qty_b", qtyB, "hedge", hedge,
	)
}

// exit flattens whatever both legs actually hold.
func (p *Pairs) exit(z float64, reason string) {
	posA := p.position(p.cfg.SymbolA)
	posB := p.position(p.cfg.SymbolB)

	for _, leg := range []types.Position{posA, posB} {
		if leg.Size.IsZero() {
			continue
		}
		side := types.SELL
		if leg.Size.IsNegative() {
			side = types.BUY
		}
		p.emit(types.Signal{
			Symbol:     leg.Symbol,
			Side:       side,
			Type:       types.OrderTypeMarket,
			Qty:        leg.Size.Abs(),
			Confidence: 1,
			Reason:     reason,
			Meta:       types.CloseMeta{Reason: reason, EntryPrice: leg.EntryPrice},
		})
	}

	p.targetA = decimal.Decimal{}
	p.targetB = decimal.Decimal{}
	p.leg = pairExiting
	p.mismatchTicks = 0

	p.logger.Info("exiting pair", "z", z, "reason", reason,
		"leg_a", posA.Size, "leg_b", posB.Size)
}

// checkLegs reconciles shadow positions against leg targets while a pair
// trade is in flight.
func (p *Pairs) checkLegs() {
	posA := p.position(p.cfg.SymbolA).Size
	posB := p.position(p.cfg.SymbolB).Size

	if posA.Equal(p.targetA) && posB.Equal(p.targetB) {
		if p.leg == pairEntering {
			p.leg = pairOpen
			p.logger.Info("pair legs filled", "target_a", p.targetA, "target_b", p.targetB)
		} else {
			p.leg = pairFlat
			p.entryZ = 0
			p.logger.Info("pair flattened")
		}
		p.mismatchTicks = 0
		return
	}

	p.mismatchTicks++
	if p.mismatchTicks <= hedgeGraceTicks {
		return
	}

	if p.leg == pairEntering {
		// One leg is naked (the other was rejected or lost). Chasing the
		// missing leg would retry an order that was just refused, so
		// unwind what filled instead and settle back to flat.
		if posA.IsZero() && posB.IsZero() {
			p.logger.Warn("pair entry produced no fills, resetting")
			p.leg = pairFlat
			p.entryZ = 0
			p.mismatchTicks = 0
			return
		}
		p.logger.Warn("pending hedge, unwinding filled leg",
			"leg_a", posA, "leg_b", posB)
		p.targetA = decimal.Decimal{}
		p.targetB = decimal.Decimal{}
		p.leg = pairExiting
	}

	p.emitCorrective(p.cfg.SymbolA, p.cfg.SymbolB, posA)
	p.emitCorrective(p.cfg.SymbolB, p.cfg.SymbolA, posB)
	// Pace repairs: wait out another grace period before re-checking so an
	// in-flight corrective is not doubled.
	p.mismatchTicks = 0
}

// emitCorrective flattens one leg's residual position with a corrective
// market order.
func (p *Pairs) emitCorrective(symbol, peer string, size decimal.Decimal) {
	if size.IsZero() {
		return
	}
	side := types.SELL
	if size.IsNegative() {
		side = types.BUY
	}
	p.emit(types.Signal{
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Qty:        size.Abs(),
		Confidence: 1,
		Reason:     "hedge repair",
		Meta: types.PairsMeta{
			PeerSymbol: peer,
			ZScore:     p.entryZ,
			Corrective: true,
		},
	})
}

// reversionSpeed estimates the OU mean-reversion rate from the lag-1
// autocorrelation of the sampled spread. Reported in telemetry only.
func reversionSpeed(x []float64) float64 {
	if len(x) < 3 {
		return 0
	}
	phi := stat.Correlation(x[:len(x)-1], x[1:], nil)
	if math.IsNaN(phi) || phi <= 0 || phi >= 1 {
		return 0
	}
	return -math.Log(phi)
}

func logRatio(a, b decimal.Decimal) float64 {
	af, _ := a.Float64()
	bf, _ := b.Float64()
	return math.Log(af / bf)
}
