package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusNew, false},
		{OrderStatusPartiallyFilled, false},
		{OrderStatusFilled, true},
		{OrderStatusCanceled, true},
		{OrderStatusRejected, true},
		{OrderStatusExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSideHelpers(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite should swap sides")
	}
	if !BUY.Sign().Equal(decimal.NewFromInt(1)) {
		t.Errorf("BUY.Sign() = %s, want 1", BUY.Sign())
	}
	if !SELL.Sign().Equal(decimal.NewFromInt(-1)) {
		t.Errorf("SELL.Sign() = %s, want -1", SELL.Sign())
	}
}

func TestIntervalDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		iv   Interval
		want time.Duration
	}{
		{Interval1m, time.Minute},
		{Interval5m, 5 * time.Minute},
		{Interval15m, 15 * time.Minute},
		{Interval1h, time.Hour},
		{Interval4h, 4 * time.Hour},
		{Interval1d, 24 * time.Hour},
		{Interval("3w"), 0},
	}

	for _, tt := range tests {
		if got := tt.iv.Duration(); got != tt.want {
			t.Errorf("Interval(%q).Duration() = %v, want %v", tt.iv, got, tt.want)
		}
	}

	if _, err := ParseInterval("5m"); err != nil {
		t.Errorf("ParseInterval(5m) returned error: %v", err)
	}
	if _, err := ParseInterval("2w"); err == nil {
		t.Error("ParseInterval(2w) should fail")
	}
}

func TestOrderBookHelpers(t *testing.T) {
	t.Parallel()

	book := OrderBook{
		Symbol: "BTCUSDT",
		Bids: []PriceLevel{
			{Price: d("100.50"), Qty: d("2")},
			{Price: d("100.40"), Qty: d("1")},
		},
		Asks: []PriceLevel{
			{Price: d("100.70"), Qty: d("3")},
			{Price: d("100.80"), Qty: d("5")},
		},
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Price.Equal(d("100.50")) {
		t.Errorf("BestBid = %v (ok=%v), want price 100.50", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || !ask.Price.Equal(d("100.70")) {
		t.Errorf("BestAsk = %v (ok=%v), want price 100.70", ask, ok)
	}

	// mid = (100.50+100.70)/2 = 100.60
	mid, ok := book.Mid()
	if !ok || !mid.Equal(d("100.60")) {
		t.Errorf("Mid = %s (ok=%v), want 100.60", mid, ok)
	}
	spread, ok := book.Spread()
	if !ok || !spread.Equal(d("0.20")) {
		t.Errorf("Spread = %s (ok=%v), want 0.20", spread, ok)
	}

	empty := OrderBook{Symbol: "BTCUSDT", Bids: book.Bids}
	if _, ok := empty.Mid(); ok {
		t.Error("Mid on a one-sided book should report not ok")
	}
}

func TestOrderFillAccounting(t *testing.T) {
	t.Parallel()

	o := Order{
		Symbol:      "ETHUSDT",
		Quantity:    d("1.0"),
		ExecutedQty: d("0.4"),
		CumQuoteQty: d("1200"), // 0.4 @ 3000
	}

	if got := o.RemainingQty(); !got.Equal(d("0.6")) {
		t.Errorf("RemainingQty = %s, want 0.6", got)
	}
	if got := o.AvgFillPrice(); !got.Equal(d("3000")) {
		t.Errorf("AvgFillPrice = %s, want 3000", got)
	}

	unfilled := Order{Quantity: d("1")}
	if got := unfilled.AvgFillPrice(); !got.IsZero() {
		t.Errorf("AvgFillPrice before any fill = %s, want 0", got)
	}
}

func TestPositionHelpers(t *testing.T) {
	t.Parallel()

	flat := Position{Symbol: "BTCUSDT"}
	if !flat.Flat() {
		t.Error("zero-size position should be flat")
	}

	short := Position{Symbol: "BTCUSDT", Size: d("-0.5"), MarkPrice: d("40000")}
	if short.Flat() {
		t.Error("short position should not be flat")
	}
	if got := short.Notional(); !got.Equal(d("20000")) {
		t.Errorf("Notional = %s, want 20000", got)
	}
}

func TestSignalValidate(t *testing.T) {
	t.Parallel()

	valid := Signal{
		Strategy:   "scalper",
		Symbol:     "BTCUSDT",
		Side:       BUY,
		Type:       OrderTypeLimit,
		Price:      d("100"),
		Qty:        d("1"),
		Confidence: 0.8,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid signal rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Signal)
	}{
		{"no symbol", func(s *Signal) { s.Symbol = "" }},
		{"bad side", func(s *Signal) { s.Side = "HOLD" }},
		{"zero qty", func(s *Signal) { s.Qty = decimal.Decimal{} }},
		{"negative qty", func(s *Signal) { s.Qty = d("-1") }},
		{"limit without price", func(s *Signal) { s.Price = decimal.Decimal{} }},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sig := valid
			tc.mutate(&sig)
			if err := sig.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestAccountBalanceLookup(t *testing.T) {
	t.Parallel()

	acct := AccountInfo{Balances: []Balance{
		{Asset: "USDT", Free: d("1000"), Locked: d("50")},
		{Asset: "BTC", Free: d("0.2")},
	}}

	usdt := acct.Balance("USDT")
	if !usdt.Free.Equal(d("1000")) || !usdt.Locked.Equal(d("50")) {
		t.Errorf("Balance(USDT) = %+v, want free 1000 locked 50", usdt)
	}

	missing := acct.Balance("ETH")
	if missing.Asset != "ETH" || !missing.Free.IsZero() {
		t.Errorf("Balance(ETH) = %+v, want zero balance", missing)
	}
}

func TestSignalMetaFields(t *testing.T) {
	t.Parallel()

	meta := PairsMeta{
		PeerSymbol: "ETHUSDT",
		ZScore:     -2.5,
		HedgeRatio: d("15.2"),
		Corrective: true,
	}

	if meta.MetaKind() != "pairs" {
		t.Errorf("MetaKind = %q, want pairs", meta.MetaKind())
	}
	fields := meta.Fields()
	if fields["peer_symbol"] != "ETHUSDT" {
		t.Errorf("peer_symbol = %q, want ETHUSDT", fields["peer_symbol"])
	}
	if fields["z_score"] != "-2.5" {
		t.Errorf("z_score = %q, want -2.5", fields["z_score"])
	}
	if fields["corrective"] != "true" {
		t.Errorf("corrective = %q, want true", fields["corrective"])
	}
}
