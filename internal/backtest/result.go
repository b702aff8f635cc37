package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"binance-trader/pkg/types"
)

// SymbolResult is the per-symbol slice of one run.
type SymbolResult struct {
	Symbol   string
	Fills    int
	Realized decimal.Decimal
	Fees     decimal.Decimal
}

// Result is one replay's outcome. Wins and losses count closing segments by
// realized sign; TotalReturn and MaxDrawdown are fractions.
type Result struct {
	Seed  int64
	Start time.Time
	End   time.Time
	Bars  int

	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	TotalReturn    float64
	TotalFees      decimal.Decimal

	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	GrossWin     decimal.Decimal
	GrossLoss    decimal.Decimal
	ProfitFactor float64

	Sharpe      float64
	MaxDrawdown float64

	SignalsSeen int64
	Accepted    int64
	Rejected    int64
	RiskEvents  int64
	KillSwitch  bool

	PerSymbol   []SymbolResult
	Fills       []types.Fill
	DailyEquity []float64
}

// finish derives the ratio metrics from the raw tallies.
func (r *Result) finish(dailyEquity []float64) {
	r.DailyEquity = dailyEquity

	if r.InitialCapital.IsPositive() {
		r.TotalReturn, _ = r.FinalCapital.Sub(r.InitialCapital).Div(r.InitialCapital).Float64()
	}
	if n := r.Wins + r.Losses; n > 0 {
		r.WinRate = float64(r.Wins) / float64(n)
	}
	switch {
	case r.GrossLoss.IsNegative():
		r.ProfitFactor, _ = r.GrossWin.Div(r.GrossLoss.Abs()).Float64()
	case r.GrossWin.IsPositive():
		r.ProfitFactor = math.Inf(1)
	}
	r.Sharpe = sharpe(r.InitialCapital.InexactFloat64(), dailyEquity)
}

// sharpe is mean(daily returns)/stddev(daily returns) at a zero risk-free
// rate. Fewer than two returns, or zero variance, yields 0.
func sharpe(initial float64, dailyEquity []float64) float64 {
	if len(dailyEquity) < 2 || initial <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(dailyEquity))
	prev := initial
	for _, eq := range dailyEquity {
		if prev > 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
	}
	if len(returns) < 2 {
		return 0
	}
	sd := stat.StdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return stat.Mean(returns, nil) / sd
}

// String renders the run report.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backtest  %s to %s  bars=%d  seed=%d\n",
		r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Bars, r.Seed)
	fmt.Fprintf(&b, "capital   %s -> %s  return %+.2f%%  fees %s\n",
		r.InitialCapital.StringFixed(2), r.FinalCapital.StringFixed(2),
		r.TotalReturn*100, r.TotalFees.StringFixed(2))
	fmt.Fprintf(&b, "trades    %d  wins %d  losses %d  win rate %.1f%%  profit factor %s\n",
		r.Trades, r.Wins, r.Losses, r.WinRate*100, formatRatio(r.ProfitFactor))
	fmt.Fprintf(&b, "risk      sharpe %.2f  max drawdown %.2f%%  signals %d/%d accepted  kill switch %s\n",
		r.Sharpe, r.MaxDrawdown*100, r.Accepted, r.SignalsSeen, onOff(r.KillSwitch))
	for _, sr := range r.PerSymbol {
		fmt.Fprintf(&b, "%-9s fills %d  realized %s  fees %s\n",
			sr.Symbol, sr.Fills, sr.Realized.StringFixed(2), sr.Fees.StringFixed(2))
	}
	return b.String()
}

// MonteCarloResult aggregates the distribution over seeded reruns.
type MonteCarloResult struct {
	Runs            int
	BaseSeed        int64
	MeanReturn      float64
	StdReturn       float64
	MinReturn       float64
	MaxReturn       float64
	MeanSharpe      float64
	MeanMaxDrawdown float64
	ProfitableRuns  int
}

func aggregateMonteCarlo(results []*Result) *MonteCarloResult {
	returns := make([]float64, len(results))
	sharpes := make([]float64, len(results))
	drawdowns := make([]float64, len(results))
	profitable := 0
	for i, r := range results {
		returns[i] = r.TotalReturn
		sharpes[i] = r.Sharpe
		drawdowns[i] = r.MaxDrawdown
		if r.TotalReturn > 0 {
			profitable++
		}
	}
	return &MonteCarloResult{
		Runs:            len(results),
		BaseSeed:        results[0].Seed,
		MeanReturn:      stat.Mean(returns, nil),
		StdReturn:       stat.StdDev(returns, nil),
		MinReturn:       floats.Min(returns),
		MaxReturn:       floats.Max(returns),
		MeanSharpe:      stat.Mean(sharpes, nil),
		MeanMaxDrawdown: stat.Mean(drawdowns, nil),
		ProfitableRuns:  profitable,
	}
}

// String renders the Monte Carlo summary.
func (m *MonteCarloResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "monte carlo  %d runs  seeds %d..%d\n",
		m.Runs, m.BaseSeed, m.BaseSeed+int64(m.Runs-1))
	fmt.Fprintf(&b, "return    mean %+.2f%%  std %.2f%%  min %+.2f%%  max %+.2f%%\n",
		m.MeanReturn*100, m.StdReturn*100, m.MinReturn*100, m.MaxReturn*100)
	fmt.Fprintf(&b, "risk      mean sharpe %.2f  mean max drawdown %.2f%%\n",
		m.MeanSharpe, m.MeanMaxDrawdown*100)
	fmt.Fprintf(&b, "outcome   %d/%d runs profitable (%.0f%%)\n",
		m.ProfitableRuns, m.Runs, float64(m.ProfitableRuns)/float64(m.Runs)*100)
	return b.String()
}

func formatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}

func onOff(b bool) string {
	if b {
		return "engaged"
	}
	return "off"
}
