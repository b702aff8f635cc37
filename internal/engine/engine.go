// Package engine wires the trading system together and owns its lifecycle.
//
// Data flows one way: the stream client feeds the ingester, the ingester
// fans out to one goroutine per strategy, strategies emit signals, the risk
// gate clears them, and the order manager is the only component that talks
// to the venue's trading endpoints. Fills flow back through the accountant
// and the risk gate to the strategy that owns the order.
//
// Lifecycle is New → Initialize → Run. Run blocks until the caller context
// ends, Stop is called, or a component reports a fatal error; the ordered
// shutdown (cancel working orders, final reconcile, ledger flush, store
// close) always completes before Run returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/account"
	"binance-trader/internal/config"
	"binance-trader/internal/exchange"
	"binance-trader/internal/market"
	"binance-trader/internal/order"
	"binance-trader/internal/risk"
	"binance-trader/internal/store"
	"binance-trader/internal/strategy"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

const (
	// signalBuffer absorbs signal bursts while the risk gate and order
	// manager work through the queue. Strategies block when it fills.
	signalBuffer = 1024

	// runnerBuffer bounds each strategy's per-topic inbox.
	runnerBuffer = 256

	// strategyTick drives OnTimer. Strategies gate their own cadence, so
	// one second is the resolution floor, not a rate.
	strategyTick = time.Second

	// shutdownBudget caps the cancel sweep and final reconcile so a dead
	// venue cannot hold up process exit.
	shutdownBudget = 5 * time.Second

	// minWarmupBars is the preload floor when any strategy wants history.
	minWarmupBars = 50
)

// Engine owns every component and the goroutines that connect them.
type Engine struct {
	cfg     *config.Config
	mode    config.Mode
	logger  *slog.Logger
	symbols []string

	client   *exchange.Client
	stream   *exchange.StreamClient
	ingester *market.Ingester
	riskMgr  *risk.Manager
	orders   *order.Manager

	st   store.TradeStore
	acct *account.Accountant

	runners []*strategyRunner
	signals chan types.Signal

	// ctx governs trading. ledgerCtx outlives it so fills surfaced during
	// shutdown, by the cancel sweep or the final reconcile, still reach
	// the store; it is canceled only after the drain, and ledgerDone
	// closes once the accountant has flushed.
	ctx          context.Context
	cancel       context.CancelFunc
	ledgerCtx    context.Context
	cancelLedger context.CancelFunc
	ledgerDone   chan struct{}

	fatal    chan error
	stopOnce sync.Once
	wg       sync.WaitGroup

	startedAt   time.Time
	initialized bool

	signalsSeen     atomic.Int64
	signalsAccepted atomic.Int64
	signalsRejected atomic.Int64
	eventsSeen      atomic.Int64
}

// New builds the engine for paper or live trading and subscribes the stream
// to every configured symbol. No I/O happens here; Initialize performs the
// venue round trips. Backtests replay through the backtest package instead,
// so ModeBacktest is rejected.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	mode, err := config.ParseMode(cfg.Trading.Mode)
	if err != nil {
		return nil, err
	}
	if mode == config.ModeBacktest {
		return nil, fmt.Errorf("engine: backtests run through the backtester, not the live engine: %w", errs.ErrValidation)
	}
	symbols := cfg.Symbols()
	if len(symbols) == 0 {
		return nil, fmt.Errorf("engine: no symbols configured: %w", errs.ErrValidation)
	}

	client := exchange.NewClient(cfg.Exchange, mode == config.ModePaper, logger)
	stream := exchange.NewStreamClient(cfg.Exchange.WSURL, logger)
	for _, sym := range symbols {
		if err := stream.Subscribe(exchange.SymbolStreams(sym)); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}

	orders := order.NewManager(client, symbols, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	riskMgr.SetOrderCounter(orders)

	ctx, cancel := context.WithCancel(context.Background())
	ledgerCtx, cancelLedger := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		mode:         mode,
		logger:       logger.With("component", "engine"),
		symbols:      symbols,
		client:       client,
		stream:       stream,
		ingester:     market.NewIngester(symbols, client, cfg.Monitoring.StaleAfter, logger),
		riskMgr:      riskMgr,
		orders:       orders,
		signals:      make(chan types.Signal, signalBuffer),
		ctx:          ctx,
		cancel:       cancel,
		ledgerCtx:    ledgerCtx,
		cancelLedger: cancelLedger,
		ledgerDone:   make(chan struct{}),
		fatal:        make(chan error, 1),
		startedAt:    time.Now().UTC(),
	}, nil
}

// Initialize performs the startup round trips that must succeed before
// trading: exchange metadata, the account snapshot in live mode, the store
// open and ledger restore, an order reconcile, and kline warmup. Call once
// before Run.
func (e *Engine) Initialize(ctx context.Context) error {
	info, err := e.client.GetExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	for _, sym := range e.symbols {
		if _, ok := info.Symbol(sym); !ok {
			return fmt.Errorf("engine: symbol %s is not listed at the venue: %w", sym, errs.ErrValidation)
		}
	}

	equity := decimal.NewFromFloat(e.cfg.Trading.Equity)
	if e.mode == config.ModeLive {
		equity, err = e.liveEquity(ctx)
		if err != nil {
			return err
		}
	}

	st, err := store.Open(ctx, e.cfg.Store, e.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	e.st = st
	e.acct = account.NewAccountant(st, e.cfg.Trading.QuoteAsset, e.logger)
	if err := e.acct.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	// Seed the risk gate with restored inventory so position limits hold
	// from the first signal.
	for _, p := range e.acct.Positions() {
		e.riskMgr.OnPositionUpdate(p)
	}

	// Orders left working by a previous process are adopted before any
	// signal can race them.
	if err := e.orders.ReconcileAll(ctx); err != nil {
		e.logger.Warn("startup reconcile incomplete", "error", err)
	}

	e.buildStrategies(equity)
	if len(e.runners) == 0 {
		return fmt.Errorf("engine: no strategies enabled: %w", errs.ErrValidation)
	}

	e.warmup(ctx)
	e.initialized = true
	e.logger.Info("engine initialized",
		"mode", e.mode,
		"symbols", strings.Join(e.symbols, ","),
		"strategies", len(e.runners),
		"equity", equity)
	return nil
}

// liveEquity reads the quote-asset balance so sizing reflects the account
// rather than the config. A fetch failure falls back to configured equity
// with a warning; an account that cannot trade is fatal.
func (e *Engine) liveEquity(ctx context.Context) (decimal.Decimal, error) {
	configured := decimal.NewFromFloat(e.cfg.Trading.Equity)
	acct, err := e.client.GetAccount(ctx)
	if err != nil {
		e.logger.Warn("account fetch failed, sizing from configured equity", "error", err)
		return configured, nil
	}
	if !acct.CanTrade {
		return decimal.Decimal{}, fmt.Errorf("engine: account is not allowed to trade: %w", errs.ErrFatal)
	}
	quote := strings.ToUpper(e.cfg.Trading.QuoteAsset)
	for _, b := range acct.Balances {
		if strings.ToUpper(b.Asset) != quote {
			continue
		}
		if bal := b.Free.Add(b.Locked); bal.IsPositive() {
			e.logger.Info("sizing from live balance", "asset", quote, "equity", bal)
			return bal, nil
		}
	}
	e.logger.Warn("no quote-asset balance, sizing from configured equity", "asset", quote)
	return configured, nil
}

// buildStrategies constructs every enabled strategy with live wiring: the
// scalper reads taker flow from the ingester and the maker sees its own
// resting orders through the order manager.
func (e *Engine) buildStrategies(equity decimal.Decimal) {
	var strats []strategy.Strategy
	if e.cfg.Strategies.Scalper.Enabled {
		strats = append(strats, strategy.NewScalper(e.cfg.Strategies.Scalper, equity, e.ingester, e.signals, e.logger))
	}
	if e.cfg.Strategies.Maker.Enabled {
		strats = append(strats, strategy.NewMaker(e.cfg.Strategies.Maker, e.orders, e.signals, e.logger))
	}
	if e.cfg.Strategies.Pairs.Enabled {
		strats = append(strats, strategy.NewPairs(e.cfg.Strategies.Pairs, e.signals, e.logger))
	}
	for _, st := range strats {
		e.runners = append(e.runners, newStrategyRunner(st))
	}
}

// warmup preloads recent closed bars so indicators are live from the first
// tick instead of spending the slow-window length blind. Best effort: a
// symbol whose fetch fails warms up from the stream.
func (e *Engine) warmup(ctx context.Context) {
	need := e.warmupBars()
	if need == 0 {
		return
	}
	for _, sym := range e.symbols {
		bars, err := market.WarmupBars(ctx, e.client, sym, types.Interval1m, need)
		if err != nil {
			e.logger.Warn("kline warmup failed", "symbol", sym, "error", err)
			continue
		}
		e.ingester.Preload(sym, bars)
		// Runners are not started yet, so feeding the strategies directly
		// is race-free.
		for _, r := range e.runners {
			if !r.trades(sym) {
				continue
			}
			for _, k := range bars {
				r.strat.OnKline(k)
			}
		}
		e.logger.Debug("klines preloaded", "symbol", sym, "bars", len(bars))
	}
}

// warmupBars sizes the preload to the slowest configured indicator window.
func (e *Engine) warmupBars() int {
	need := 0
	if s := e.cfg.Strategies.Scalper; s.Enabled && s.EMASlow > need {
		need = s.EMASlow
	}
	if m := e.cfg.Strategies.Maker; m.Enabled && m.VolWindow > need {
		need = m.VolWindow
	}
	if p := e.cfg.Strategies.Pairs; p.Enabled && p.Window > need {
		need = p.Window
	}
	if need > 0 && need < minWarmupBars {
		need = minWarmupBars
	}
	return need
}

// Run starts every goroutine and blocks until the engine stops. It returns
// nil after a clean Stop or caller cancellation, and the fatal error
// otherwise.
func (e *Engine) Run(ctx context.Context) error {
	if !e.initialized {
		return fmt.Errorf("engine: Run called before Initialize: %w", errs.ErrValidation)
	}
	e.riskMgr.OnDay(time.Now().UTC())

	// Caller cancellation folds into the engine's own lifecycle.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			e.Stop()
		case <-e.ctx.Done():
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market data stream stopped", "error", err)
			if errors.Is(err, errs.ErrFatal) {
				e.fail(err)
			}
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ingester.Run(e.ctx, e.stream.Market(), e.stream.Depth(), e.stream.Klines()); err != nil && e.ctx.Err() == nil {
			e.logger.Error("ingester stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.orders.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("order manager stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.ledgerDone)
		if err := e.acct.Run(e.ledgerCtx); err != nil && e.ledgerCtx.Err() == nil {
			e.logger.Error("accountant stopped", "error", err)
		}
	}()

	for _, r := range e.runners {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.run(e.ctx)
		}()
	}

	for _, loop := range []func(){
		e.dispatchMarketData,
		e.pumpFills,
		e.pumpPositions,
		e.pumpEvents,
		e.pumpSignals,
		e.monitor,
	} {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop()
		}()
	}

	e.logger.Info("engine running",
		"mode", e.mode,
		"symbols", strings.Join(e.symbols, ","),
		"ws", e.cfg.Exchange.WSURL)

	var runErr error
	select {
	case <-e.ctx.Done():
	case runErr = <-e.fatal:
		e.logger.Error("fatal error, shutting down", "error", runErr)
	}

	e.shutdown()
	return runErr
}

// Stop begins shutdown. Safe to call from any goroutine and more than once;
// Run performs the actual teardown.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.cancel)
}

// fail reports a fatal error to Run. Only the first one is kept.
func (e *Engine) fail(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// shutdown tears the engine down in dependency order: trading stops first,
// working orders are canceled and reconciled under a short budget, late
// fills drain to the ledger, the ledger flushes, and only then do the store
// and stream close.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down")
	e.cancel()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if n, err := e.orders.CancelAll(shutCtx, ""); err != nil {
		e.logger.Error("cancel sweep incomplete", "canceled", n, "error", err)
	} else if n > 0 {
		e.logger.Info("working orders canceled", "count", n)
	}
	if err := e.orders.ReconcileAll(shutCtx); err != nil {
		e.logger.Warn("final reconcile incomplete", "error", err)
	}

	// The fill pump is gone once e.ctx ends; anything the cancel sweep or
	// final reconcile surfaced goes straight to the ledger.
	for {
		select {
		case f := <-e.orders.Fills():
			if err := e.acct.OnFill(e.ledgerCtx, f); err != nil {
				e.logger.Error("shutdown fill not recorded", "symbol", f.Symbol, "error", err)
			}
			continue
		default:
		}
		break
	}

	e.cancelLedger()
	<-e.ledgerDone

	if e.st != nil {
		if err := e.st.Close(); err != nil {
			e.logger.Error("store close failed", "error", err)
		}
	}
	e.stream.Close()
	e.wg.Wait()

	pnl := e.acct.SessionPnl()
	e.logger.Info("shutdown complete",
		"realized", pnl.Realized,
		"unrealized", pnl.Unrealized,
		"fees", pnl.Fees,
		"net", pnl.Net)
}

// dispatchMarketData fans ingester topics out to the strategy runners and
// keeps the ledger and risk gate marked to market.
func (e *Engine) dispatchMarketData() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case md := <-e.ingester.Market():
			e.acct.OnMarketData(md)
			e.riskMgr.OnMarketData(md)
			for _, r := range e.runners {
				if r.trades(md.Symbol) {
					r.offerMarket(md)
				}
			}
		case book := <-e.ingester.BookUpdates():
			for _, r := range e.runners {
				if r.trades(book.Symbol) {
					r.offerBook(book)
				}
			}
		case k := <-e.ingester.Bars():
			for _, r := range e.runners {
				if r.trades(k.Symbol) {
					r.offerBar(k)
				}
			}
		}
	}
}

// pumpFills fans fills out: the ledger first (the durable copy), then the
// risk gate's loss tracking, then the strategy that owns the order.
func (e *Engine) pumpFills() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case f := <-e.orders.Fills():
			if err := e.acct.OnFill(e.ledgerCtx, f); err != nil {
				return
			}
			e.riskMgr.OnFill(f)
			for _, r := range e.runners {
				if r.strat.Name() == f.Strategy {
					r.offerFill(f)
				}
			}
		}
	}
}

// pumpPositions forwards the ledger's post-fill snapshots to the risk gate,
// which treats them as the authoritative book.
func (e *Engine) pumpPositions() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case p := <-e.acct.PositionUpdates():
			e.riskMgr.OnPositionUpdate(p)
		}
	}
}

// pumpSignals is the trading path: every strategy signal passes the risk
// gate synchronously and, when cleared, goes to the order manager.
func (e *Engine) pumpSignals() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case sig := <-e.signals:
			e.signalsSeen.Add(1)
			if err := e.riskMgr.CheckSignal(sig); err != nil {
				e.signalsRejected.Add(1)
				continue
			}
			if _, err := e.orders.Submit(e.ctx, sig); err != nil {
				if e.ctx.Err() == nil {
					e.logger.Error("order submit failed",
						"symbol", sig.Symbol,
						"strategy", sig.Strategy,
						"error", err)
				}
				continue
			}
			e.signalsAccepted.Add(1)
		}
	}
}

// pumpEvents merges the component event streams into the log and reacts to
// critical risk events: an engaged kill switch flattens the book by
// canceling every working order.
func (e *Engine) pumpEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.riskMgr.Events():
			e.logEvent(ev)
			if ev.Severity == types.SeverityCritical {
				e.onKillSwitch(ev)
			}
		case ev := <-e.stream.Events():
			e.logEvent(ev)
		case ev := <-e.ingester.Events():
			e.logEvent(ev)
		case ev := <-e.acct.Events():
			e.logEvent(ev)
		}
	}
}

func (e *Engine) logEvent(ev types.RiskEvent) {
	e.eventsSeen.Add(1)
	attrs := []any{"code", ev.Code, "message", ev.Message}
	if ev.Symbol != "" {
		attrs = append(attrs, "symbol", ev.Symbol)
	}
	switch ev.Severity {
	case types.SeverityCritical:
		e.logger.Error("risk event", attrs...)
	case types.SeverityWarning:
		e.logger.Warn("risk event", attrs...)
	default:
		e.logger.Info("risk event", attrs...)
	}
}

// onKillSwitch cancels working orders once the gate engages. New signals
// are already being rejected; this clears what is resting. An empty event
// symbol sweeps every symbol.
func (e *Engine) onKillSwitch(ev types.RiskEvent) {
	ctx, cancel := context.WithTimeout(e.ctx, shutdownBudget)
	defer cancel()
	n, err := e.orders.CancelAll(ctx, ev.Symbol)
	if err != nil {
		e.logger.Error("kill switch cancel sweep incomplete", "canceled", n, "error", err)
		return
	}
	e.logger.Warn("kill switch engaged, working orders canceled", "count", n, "code", ev.Code)
}
