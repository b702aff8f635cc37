package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-trader/internal/config"
	"binance-trader/internal/exchange"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

func simCfg(slipBps float64, mean, std time.Duration) config.BacktestConfig {
	return config.BacktestConfig{
		SlippageBps: slipBps,
		LatencyMean: mean,
		LatencyStd:  std,
	}
}

func simReq(id string, side types.Side, typ types.OrderType, price, qty string) exchange.OrderRequest {
	req := exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          side,
		Type:          typ,
		TimeInForce:   types.TifGTC,
		Quantity:      d(qty),
		ClientOrderID: id,
		Strategy:      "scalper",
	}
	if price != "" {
		req.Price = d(price)
	}
	return req
}

func mustPlace(t *testing.T, s *simExchange, req exchange.OrderRequest) *types.Order {
	t.Helper()
	o, err := s.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place %s: %v", req.ClientOrderID, err)
	}
	return o
}

func mustGet(t *testing.T, s *simExchange, id string) *types.Order {
	t.Helper()
	o, err := s.GetOrder(context.Background(), "BTCUSDT", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return o
}

func TestSimMarketSlippageAdverse(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(10, 0, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))

	placed := mustPlace(t, s, simReq("buy-1", types.BUY, types.OrderTypeMarket, "", "2"))
	if placed.Status != types.OrderStatusNew {
		t.Fatalf("order filled on its own bar, status %s", placed.Status)
	}
	mustPlace(t, s, simReq("sell-1", types.SELL, types.OrderTypeMarket, "", "2"))

	s.advance(bar("BTCUSDT", baseTime.Add(time.Minute), "100", "100", "100", "100"))

	// 10 bps against the taker: buys pay 100.1, sells receive 99.9.
	buy := mustGet(t, s, "buy-1")
	if buy.Status != types.OrderStatusFilled {
		t.Fatalf("buy status = %s, want FILLED", buy.Status)
	}
	if want := d("200.2"); !buy.CumQuoteQty.Equal(want) {
		t.Errorf("buy cum quote = %s, want %s", buy.CumQuoteQty, want)
	}
	sell := mustGet(t, s, "sell-1")
	if want := d("199.8"); !sell.CumQuoteQty.Equal(want) {
		t.Errorf("sell cum quote = %s, want %s", sell.CumQuoteQty, want)
	}
}

func TestSimLimitFillsAtLimitPrice(t *testing.T) {
	t.Parallel()

	// Slippage applies to takers only; limit fills stay at their price.
	s := newSimExchange(simCfg(50, 0, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))

	mustPlace(t, s, simReq("bid-1", types.BUY, types.OrderTypeLimit, "99", "1"))
	mustPlace(t, s, simReq("ask-1", types.SELL, types.OrderTypeLimit, "101", "1"))

	s.advance(bar("BTCUSDT", baseTime.Add(time.Minute), "100", "100.5", "99.5", "100"))
	if got := mustGet(t, s, "bid-1"); got.Status != types.OrderStatusNew {
		t.Fatalf("bid status = %s before the bar reaches it, want NEW", got.Status)
	}

	s.advance(bar("BTCUSDT", baseTime.Add(2*time.Minute), "100", "100", "99", "99.5"))
	bid := mustGet(t, s, "bid-1")
	if bid.Status != types.OrderStatusFilled {
		t.Fatalf("bid status = %s after low touched 99, want FILLED", bid.Status)
	}
	if want := d("99"); !bid.CumQuoteQty.Equal(want) {
		t.Errorf("bid cum quote = %s, want %s", bid.CumQuoteQty, want)
	}

	s.advance(bar("BTCUSDT", baseTime.Add(3*time.Minute), "100", "101", "100", "100.5"))
	ask := mustGet(t, s, "ask-1")
	if ask.Status != types.OrderStatusFilled {
		t.Fatalf("ask status = %s after high touched 101, want FILLED", ask.Status)
	}
	if want := d("101"); !ask.CumQuoteQty.Equal(want) {
		t.Errorf("ask cum quote = %s, want %s", ask.CumQuoteQty, want)
	}
}

func TestSimIOCExpiresWhenUnfillable(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(0, 0, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))

	miss := simReq("ioc-1", types.BUY, types.OrderTypeLimit, "95", "1")
	miss.TimeInForce = types.TifIOC
	mustPlace(t, s, miss)
	hit := simReq("ioc-2", types.BUY, types.OrderTypeLimit, "99", "1")
	hit.TimeInForce = types.TifIOC
	mustPlace(t, s, hit)

	s.advance(bar("BTCUSDT", baseTime.Add(time.Minute), "100", "101", "99", "100"))

	if got := mustGet(t, s, "ioc-1"); got.Status != types.OrderStatusExpired {
		t.Errorf("unfillable ioc status = %s, want EXPIRED", got.Status)
	}
	got := mustGet(t, s, "ioc-2")
	if got.Status != types.OrderStatusFilled {
		t.Errorf("crossable ioc status = %s, want FILLED", got.Status)
	}
	if want := d("99"); !got.CumQuoteQty.Equal(want) {
		t.Errorf("ioc cum quote = %s, want %s", got.CumQuoteQty, want)
	}
}

func TestSimLatencyDelaysEligibility(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(0, 2*time.Minute, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))

	mustPlace(t, s, simReq("slow-1", types.BUY, types.OrderTypeMarket, "", "1"))

	s.advance(bar("BTCUSDT", baseTime.Add(time.Minute), "101", "101", "101", "101"))
	if got := mustGet(t, s, "slow-1"); got.Status != types.OrderStatusNew {
		t.Fatalf("order reached the book inside its 2m latency window, status %s", got.Status)
	}

	s.advance(bar("BTCUSDT", baseTime.Add(2*time.Minute), "102", "102", "102", "102"))
	got := mustGet(t, s, "slow-1")
	if got.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s after latency elapsed, want FILLED", got.Status)
	}
	if want := d("102"); !got.CumQuoteQty.Equal(want) {
		t.Errorf("filled for %s, want the first eligible close (102)", got.CumQuoteQty)
	}
}

func TestSimLatencyDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	cfg := simCfg(0, 50*time.Millisecond, 20*time.Millisecond)
	a := newSimExchange(cfg, 42)
	b := newSimExchange(cfg, 42)
	for i := 0; i < 10; i++ {
		if la, lb := a.latency(), b.latency(); la != lb {
			t.Fatalf("draw %d: %s vs %s under the same seed", i, la, lb)
		}
	}

	c := newSimExchange(cfg, 42)
	e := newSimExchange(cfg, 7)
	diverged := false
	for i := 0; i < 10; i++ {
		if c.latency() != e.latency() {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Error("seeds 42 and 7 produced identical latency sequences")
	}
}

func TestSimRejectsDuplicateClientID(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(0, 0, 0), 1)
	mustPlace(t, s, simReq("dup-1", types.BUY, types.OrderTypeLimit, "100", "1"))

	_, err := s.PlaceOrder(context.Background(), simReq("dup-1", types.BUY, types.OrderTypeLimit, "100", "1"))
	apiErr, ok := errs.AsAPIError(err)
	if !ok || apiErr.Code != -2026 {
		t.Fatalf("duplicate place error = %v, want venue code -2026", err)
	}
	if !errors.Is(err, errs.ErrExchangeRejected) {
		t.Error("duplicate place should map to ErrExchangeRejected")
	}
}

func TestSimCancelAndLookup(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(0, 0, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))
	mustPlace(t, s, simReq("rest-1", types.BUY, types.OrderTypeLimit, "90", "1"))

	got, err := s.CancelOrder(context.Background(), "BTCUSDT", "rest-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != types.OrderStatusCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}

	if _, err := s.CancelOrder(context.Background(), "BTCUSDT", "ghost"); err == nil {
		t.Error("cancel of an unknown order must fail")
	}
	if _, err := s.GetOrder(context.Background(), "BTCUSDT", "ghost"); err == nil {
		t.Error("lookup of an unknown order must fail")
	}

	// A crossing bar must not revive the canceled order.
	s.advance(bar("BTCUSDT", baseTime.Add(time.Minute), "85", "90", "85", "85"))
	if got := mustGet(t, s, "rest-1"); !got.ExecutedQty.IsZero() {
		t.Errorf("canceled order executed %s", got.ExecutedQty)
	}
}

func TestSimOpenOrdersSortedAndExpire(t *testing.T) {
	t.Parallel()

	s := newSimExchange(simCfg(0, 0, 0), 1)
	s.advance(bar("BTCUSDT", baseTime, "100", "100", "100", "100"))
	mustPlace(t, s, simReq("a-1", types.BUY, types.OrderTypeLimit, "90", "1"))
	mustPlace(t, s, simReq("a-2", types.BUY, types.OrderTypeLimit, "91", "1"))
	mustPlace(t, s, simReq("a-3", types.BUY, types.OrderTypeLimit, "92", "1"))

	open, err := s.GetOpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("got %d open orders, want 3", len(open))
	}
	for i := 1; i < len(open); i++ {
		if open[i].OrderID <= open[i-1].OrderID {
			t.Fatalf("open orders out of id order: %d then %d", open[i-1].OrderID, open[i].OrderID)
		}
	}

	s.expireOpen()
	open, err = s.GetOpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("%d orders still open after expire", len(open))
	}
	if got := mustGet(t, s, "a-1"); got.Status != types.OrderStatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
}
