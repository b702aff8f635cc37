// Package backtest replays historical klines through the same strategy,
// risk, and order-management code the live engine runs. The only substitute
// is the venue: a simulated exchange with seeded latency and slippage, so a
// given config, data set, and seed always produces the same result.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"binance-trader/internal/account"
	"binance-trader/internal/config"
	"binance-trader/internal/order"
	"binance-trader/internal/risk"
	"binance-trader/internal/store"
	"binance-trader/internal/strategy"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

const signalsBuffer = 1024

// Backtester replays one kline series set under one config.
type Backtester struct {
	cfg    *config.Config
	logger *slog.Logger
	series map[string][]types.Kline
}

// New builds a backtester over already-loaded series (symbol to bars).
func New(cfg *config.Config, series map[string][]types.Kline, logger *slog.Logger) *Backtester {
	return &Backtester{
		cfg:    cfg,
		logger: logger.With("component", "backtest"),
		series: series,
	}
}

// LoadSeries loads bars for every configured symbol over the configured
// range: from CSV files under backtest.data_dir when set, otherwise paged
// from the venue.
func LoadSeries(ctx context.Context, cfg *config.Config, src KlineSource, logger *slog.Logger) (map[string][]types.Kline, error) {
	start, end, err := cfg.Backtest.Range()
	if err != nil {
		return nil, err
	}
	interval, err := types.ParseInterval(cfg.Backtest.Interval)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]types.Kline)
	for _, sym := range cfg.Symbols() {
		var ks []types.Kline
		if cfg.Backtest.DataDir != "" {
			ks, err = LoadKlinesCSV(csvPath(cfg.Backtest.DataDir, sym, interval), sym, interval, start, end)
		} else {
			ks, err = LoadKlines(ctx, src, sym, interval, start, end)
		}
		if err != nil {
			return nil, err
		}
		if len(ks) == 0 {
			return nil, fmt.Errorf("no klines for %s in [%s, %s): %w",
				sym, cfg.Backtest.Start, cfg.Backtest.End, errs.ErrValidation)
		}
		logger.Info("klines loaded", "symbol", sym, "bars", len(ks))
		series[sym] = ks
	}
	return series, nil
}

// Run replays once with the configured seed.
func (b *Backtester) Run(ctx context.Context) (*Result, error) {
	return b.run(ctx, b.cfg.Backtest.Seed)
}

// MonteCarlo replays backtest.monte_carlo_runs times with seeds seed+i and
// fresh strategy instances each run, then aggregates the distribution.
func (b *Backtester) MonteCarlo(ctx context.Context) (*MonteCarloResult, error) {
	runs := b.cfg.Backtest.MonteCarloRuns
	if runs < 2 {
		return nil, fmt.Errorf("backtest.monte_carlo_runs must be >= 2, got %d: %w",
			runs, errs.ErrValidation)
	}

	results := make([]*Result, 0, runs)
	for i := 0; i < runs; i++ {
		res, err := b.run(ctx, b.cfg.Backtest.Seed+int64(i))
		if err != nil {
			return nil, fmt.Errorf("monte carlo run %d: %w", i, err)
		}
		results = append(results, res)
	}
	return aggregateMonteCarlo(results), nil
}

// run is one full replay under one seed.
func (b *Backtester) run(ctx context.Context, seed int64) (*Result, error) {
	merged := mergeKlines(b.series)
	if len(merged) == 0 {
		return nil, fmt.Errorf("backtest: no bars to replay: %w", errs.ErrValidation)
	}

	sim := newSimExchange(b.cfg.Backtest, seed)
	om := order.NewManager(sim, b.cfg.Symbols(), b.logger)
	rm := risk.NewManager(b.cfg.Risk, b.logger)
	rm.SetOrderCounter(om)

	signals := make(chan types.Signal, signalsBuffer)
	equity := decimal.NewFromFloat(b.cfg.Backtest.InitialCapital)
	strats := buildStrategies(b.cfg, equity, om, signals, b.logger)
	if len(strats) == 0 {
		return nil, fmt.Errorf("backtest: no strategies enabled: %w", errs.ErrValidation)
	}

	r := &replay{
		cfg:       b.cfg,
		logger:    b.logger,
		sim:       sim,
		om:        om,
		rm:        rm,
		strats:    strats,
		signals:   signals,
		feeRate:   decimal.NewFromFloat(b.cfg.Backtest.CommissionBps).Shift(-4),
		capital:   equity,
		peak:      equity,
		positions: make(map[string]types.Position),
		marks:     make(map[string]decimal.Decimal),
		perSymbol: make(map[string]*SymbolResult),
	}

	curDay := ""
	for i := 0; i < len(merged); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Bars sharing an open time form one step: the venue clock moves,
		// fills come back, data fans out, and every strategy gets exactly
		// one timer tick, the same shape as a live engine cycle.
		j := i
		for j < len(merged) && merged[j].OpenTime.Equal(merged[i].OpenTime) {
			j++
		}
		step := merged[i:j]
		i = j

		if day := store.DayKey(step[0].OpenTime); day != curDay {
			if curDay != "" {
				r.closeDay()
			}
			curDay = day
			rm.OnDay(step[0].OpenTime)
		}

		for _, k := range step {
			sim.advance(k)
		}
		if err := om.ReconcileAll(ctx); err != nil {
			return nil, fmt.Errorf("backtest reconcile: %w", err)
		}
		r.drainOrderChannels()

		for _, k := range step {
			md := types.MarketData{
				Symbol:    k.Symbol,
				Timestamp: k.CloseTime,
				Price:     k.Close,
				Volume:    k.Volume,
			}
			r.marks[k.Symbol] = k.Close
			rm.OnMarketData(md)
			for _, st := range strats {
				if !tradesSymbol(st, k.Symbol) {
					continue
				}
				st.OnKline(k)
				st.OnMarketData(md)
			}
		}
		for _, st := range strats {
			st.OnTimer(step[0].CloseTime)
		}

		r.routeSignals(ctx)
		r.trackEquity()
	}

	// End of data: resting orders expire, and their terminal states (plus
	// any last fills) are folded in through one more sweep.
	sim.expireOpen()
	if err := om.ReconcileAll(ctx); err != nil {
		return nil, fmt.Errorf("backtest final reconcile: %w", err)
	}
	r.drainOrderChannels()
	r.trackEquity()
	r.closeDay()

	return r.result(merged, seed), nil
}

// buildStrategies constructs fresh instances of every enabled strategy. The
// scalper runs without a trade-flow source in replay; its confidence falls
// back to book imbalance alone.
func buildStrategies(cfg *config.Config, equity decimal.Decimal, working strategy.WorkingOrders, out chan types.Signal, logger *slog.Logger) []strategy.Strategy {
	var strats []strategy.Strategy
	if cfg.Strategies.Scalper.Enabled {
		strats = append(strats, strategy.NewScalper(cfg.Strategies.Scalper, equity, nil, out, logger))
	}
	if cfg.Strategies.Maker.Enabled {
		strats = append(strats, strategy.NewMaker(cfg.Strategies.Maker, working, out, logger))
	}
	if cfg.Strategies.Pairs.Enabled {
		strats = append(strats, strategy.NewPairs(cfg.Strategies.Pairs, out, logger))
	}
	return strats
}

func tradesSymbol(st strategy.Strategy, symbol string) bool {
	for _, s := range st.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// replay is the mutable state of one run.
type replay struct {
	cfg     *config.Config
	logger  *slog.Logger
	sim     *simExchange
	om      *order.Manager
	rm      *risk.Manager
	strats  []strategy.Strategy
	signals chan types.Signal

	feeRate   decimal.Decimal
	capital   decimal.Decimal // quote cash; equity adds position value
	positions map[string]types.Position
	marks     map[string]decimal.Decimal
	fees      decimal.Decimal

	wins      int
	losses    int
	grossWin  decimal.Decimal
	grossLoss decimal.Decimal // accumulated negative
	fills     []types.Fill
	perSymbol map[string]*SymbolResult

	peak        decimal.Decimal
	maxDrawdown float64
	dailyEquity []float64

	signalsSeen int64
	accepted    int64
	rejected    int64
	riskEvents  int64
}

// drainOrderChannels folds every pending fill into the ledger and discards
// order updates and risk events after counting them.
func (r *replay) drainOrderChannels() {
	for {
		select {
		case f := <-r.om.Fills():
			r.applyFill(f)
			continue
		default:
		}
		select {
		case <-r.om.Updates():
			continue
		default:
		}
		select {
		case <-r.rm.Events():
			r.riskEvents++
			continue
		default:
		}
		return
	}
}

// applyFill charges commission, moves cash, folds the position, and fans the
// fill out to risk and the originating strategy.
func (r *replay) applyFill(f types.Fill) {
	notional := f.Price.Mul(f.Qty)
	f.Fee = notional.Mul(r.feeRate)
	f.FeeAsset = r.cfg.Trading.QuoteAsset

	pos, realized := account.Apply(r.positions[f.Symbol], f)
	r.positions[f.Symbol] = pos

	if f.Side == types.BUY {
		r.capital = r.capital.Sub(notional)
	} else {
		r.capital = r.capital.Add(notional)
	}
	r.capital = r.capital.Sub(f.Fee)
	r.fees = r.fees.Add(f.Fee)

	// Wins and losses count closing segments by the sign of what they
	// realized, not by trade direction.
	switch {
	case realized.IsPositive():
		r.wins++
		r.grossWin = r.grossWin.Add(realized)
	case realized.IsNegative():
		r.losses++
		r.grossLoss = r.grossLoss.Add(realized)
	}

	r.rm.OnFill(f)
	r.rm.OnPositionUpdate(pos)
	for _, st := range r.strats {
		if st.Name() == f.Strategy {
			st.OnFill(f)
		}
	}

	sym := r.symbolResult(f.Symbol)
	sym.Fills++
	sym.Realized = sym.Realized.Add(realized)
	sym.Fees = sym.Fees.Add(f.Fee)
	r.fills = append(r.fills, f)
}

// routeSignals pushes everything the strategies just emitted through the
// risk gate and into the order manager.
func (r *replay) routeSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signals:
			r.signalsSeen++
			if err := r.rm.CheckSignal(sig); err != nil {
				r.rejected++
				continue
			}
			if _, err := r.om.Submit(ctx, sig); err != nil {
				r.logger.Warn("backtest submit failed",
					"symbol", sig.Symbol, "strategy", sig.Strategy, "error", err)
				continue
			}
			r.accepted++
		default:
			return
		}
	}
}

// equity is cash plus every position at its latest mark.
func (r *replay) equity() decimal.Decimal {
	eq := r.capital
	for sym, p := range r.positions {
		if p.Size.IsZero() {
			continue
		}
		mark, ok := r.marks[sym]
		if !ok {
			mark = p.EntryPrice
		}
		eq = eq.Add(p.Size.Mul(mark))
	}
	return eq
}

func (r *replay) trackEquity() {
	eq := r.equity()
	if eq.GreaterThan(r.peak) {
		r.peak = eq
	}
	if r.peak.IsPositive() {
		dd, _ := r.peak.Sub(eq).Div(r.peak).Float64()
		if dd > r.maxDrawdown {
			r.maxDrawdown = dd
		}
	}
}

// closeDay samples equity at a UTC day boundary for the Sharpe series.
func (r *replay) closeDay() {
	eq, _ := r.equity().Float64()
	r.dailyEquity = append(r.dailyEquity, eq)
}

func (r *replay) symbolResult(symbol string) *SymbolResult {
	sr, ok := r.perSymbol[symbol]
	if !ok {
		sr = &SymbolResult{Symbol: symbol}
		r.perSymbol[symbol] = sr
	}
	return sr
}

// result freezes the replay into a report.
func (r *replay) result(merged []types.Kline, seed int64) *Result {
	initial := decimal.NewFromFloat(r.cfg.Backtest.InitialCapital)
	final := r.equity()

	perSymbol := make([]SymbolResult, 0, len(r.perSymbol))
	for _, sr := range r.perSymbol {
		perSymbol = append(perSymbol, *sr)
	}
	sort.Slice(perSymbol, func(i, j int) bool { return perSymbol[i].Symbol < perSymbol[j].Symbol })

	res := &Result{
		Seed:           seed,
		Start:          merged[0].OpenTime,
		End:            merged[len(merged)-1].CloseTime,
		Bars:           len(merged),
		InitialCapital: initial,
		FinalCapital:   final,
		TotalFees:      r.fees,
		Trades:         len(r.fills),
		Wins:           r.wins,
		Losses:         r.losses,
		GrossWin:       r.grossWin,
		GrossLoss:      r.grossLoss,
		MaxDrawdown:    r.maxDrawdown,
		SignalsSeen:    r.signalsSeen,
		Accepted:       r.accepted,
		Rejected:       r.rejected,
		RiskEvents:     r.riskEvents,
		KillSwitch:     r.rm.Engaged(),
		PerSymbol:      perSymbol,
		Fills:          r.fills,
	}
	res.finish(r.dailyEquity)
	return res
}
