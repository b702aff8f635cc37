package exchange

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dryClient() *Client {
	return NewClient(config.ExchangeConfig{RESTURL: "https://example.invalid"}, true, testLogger())
}

func TestDryRunPlaceLimitOrder(t *testing.T) {
	t.Parallel()
	c := dryClient()

	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.BUY,
		Type:          types.OrderTypeLimit,
		TimeInForce:   types.TifGTC,
		Quantity:      decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(50000),
		ClientOrderID: "test-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if order.Status != types.OrderStatusNew {
		t.Errorf("dry limit order status = %s, want NEW", order.Status)
	}
	if order.OrderID == 0 {
		t.Error("dry order should get a synthetic order id")
	}
}

func TestDryRunPlaceMarketOrderFills(t *testing.T) {
	t.Parallel()
	c := dryClient()

	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "ETHUSDT",
		Side:          types.SELL,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(2),
		Price:         decimal.NewFromInt(3000), // advisory fill price
		ClientOrderID: "test-2",
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Errorf("dry market order status = %s, want FILLED", order.Status)
	}
	if !order.ExecutedQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("ExecutedQty = %s, want 2", order.ExecutedQty)
	}
	if !order.CumQuoteQty.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("CumQuoteQty = %s, want 6000", order.CumQuoteQty)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := dryClient()

	order, err := c.CancelOrder(context.Background(), "BTCUSDT", "test-3")
	if err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	if order.Status != types.OrderStatusCanceled {
		t.Errorf("status = %s, want CANCELED", order.Status)
	}
	if order.ClientOrderID != "test-3" {
		t.Errorf("ClientOrderID = %q, want test-3", order.ClientOrderID)
	}
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	apiErr := parseAPIError(400, []byte(`{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`))
	if apiErr.Code != -1013 {
		t.Errorf("Code = %d, want -1013", apiErr.Code)
	}
	if apiErr.Message != "Filter failure: LOT_SIZE" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if !errors.Is(apiErr, errs.ErrExchangeRejected) {
		t.Error("parsed error should match ErrExchangeRejected")
	}

	// Non-JSON bodies are kept verbatim.
	raw := parseAPIError(403, []byte("forbidden"))
	if raw.Message != "forbidden" || raw.HTTPStatus != 403 {
		t.Errorf("raw body error = %+v", raw)
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   time.Duration
	}{
		{"3", 3 * time.Second},
		{" 10 ", 10 * time.Second},
		{"", time.Second},
		{"soon", time.Second},
		{"-5", time.Second},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.header); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestRoundToStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v, step, want string
	}{
		{"50001.37", "0.01", "50001.37"},
		{"50001.379", "0.01", "50001.37"},
		{"0.123456", "0.001", "0.123"},
		{"1.999", "0.5", "1.5"},
		{"7", "0", "7"}, // no filter: pass through
	}
	for _, tt := range tests {
		v, _ := decimal.NewFromString(tt.v)
		step, _ := decimal.NewFromString(tt.step)
		want, _ := decimal.NewFromString(tt.want)
		if got := roundToStep(v, step); !got.Equal(want) {
			t.Errorf("roundToStep(%s, %s) = %s, want %s", tt.v, tt.step, got, want)
		}
	}
}

func TestParseKlineRow(t *testing.T) {
	t.Parallel()

	row := []any{
		float64(1700000000000), "100.1", "101.5", "99.8", "100.9", "1234.5",
		float64(1700000059999), "124000.0", float64(42), "600.0", "60000.0", "0",
	}
	k, err := parseKlineRow("BTCUSDT", types.Interval1m, row)
	if err != nil {
		t.Fatalf("parseKlineRow returned error: %v", err)
	}
	if k.OpenTime.UnixMilli() != 1700000000000 {
		t.Errorf("OpenTime = %v", k.OpenTime)
	}
	if !k.High.Equal(decimal.RequireFromString("101.5")) {
		t.Errorf("High = %s, want 101.5", k.High)
	}
	if !k.Closed {
		t.Error("REST klines should be marked closed")
	}

	if _, err := parseKlineRow("BTCUSDT", types.Interval1m, row[:3]); err == nil {
		t.Error("short row should fail")
	}
	bad := append([]any{}, row...)
	bad[4] = "not-a-number"
	if _, err := parseKlineRow("BTCUSDT", types.Interval1m, bad); err == nil {
		t.Error("non-decimal close should fail")
	}
}

func TestParseExchangeInfo(t *testing.T) {
	t.Parallel()

	wire := &exchangeInfoResp{}
	wire.RateLimits = []struct {
		RateLimitType string `json:"rateLimitType"`
		Interval      string `json:"interval"`
		IntervalNum   int    `json:"intervalNum"`
		Limit         int    `json:"limit"`
	}{
		{"REQUEST_WEIGHT", "MINUTE", 1, 6000},
		{"RAW_REQUESTS", "MINUTE", 5, 61000}, // non-unit interval: ignored
		{"ORDERS", "SECOND", 10, 100},        // unmapped type: ignored
	}
	wire.Symbols = []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	}{
		{
			Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT",
			Filters: []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			}{
				{FilterType: "PRICE_FILTER", TickSize: "0.01"},
				{FilterType: "LOT_SIZE", StepSize: "0.00001"},
				{FilterType: "NOTIONAL", MinNotional: "5"},
			},
		},
		{Symbol: "DELISTED", Status: "BREAK"},
	}

	info := parseExchangeInfo(wire, time.Now())

	if info.Quota.WeightPerMin != 6000 {
		t.Errorf("WeightPerMin = %d, want 6000", info.Quota.WeightPerMin)
	}
	if info.Quota.RequestsPerMin != types.DefaultRateQuota().RequestsPerMin {
		t.Errorf("RequestsPerMin = %d, want default (5m window ignored)", info.Quota.RequestsPerMin)
	}

	btc, ok := info.Symbol("BTCUSDT")
	if !ok {
		t.Fatal("BTCUSDT should be listed")
	}
	if !btc.TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("TickSize = %s, want 0.01", btc.TickSize)
	}
	if !btc.StepSize.Equal(decimal.RequireFromString("0.00001")) {
		t.Errorf("StepSize = %s, want 0.00001", btc.StepSize)
	}
	if _, ok := info.Symbol("DELISTED"); ok {
		t.Error("non-TRADING symbols should be dropped")
	}
}

func TestOrderRespToOrder(t *testing.T) {
	t.Parallel()

	wire := orderResp{
		Symbol:        "BTCUSDT",
		OrderID:       12345,
		ClientOrderID: "scl-abc",
		Price:         "50000.00",
		OrigQty:       "1.0",
		ExecutedQty:   "0.4",
		CumQuoteQty:   "20000.00",
		Status:        "PARTIALLY_FILLED",
		TimeInForce:   "GTC",
		Type:          "LIMIT",
		Side:          "BUY",
		TransactTime:  1700000000000,
	}

	order, err := wire.toOrder("scalper")
	if err != nil {
		t.Fatalf("toOrder returned error: %v", err)
	}
	if order.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("Status = %s", order.Status)
	}
	if !order.RemainingQty().Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("RemainingQty = %s, want 0.6", order.RemainingQty())
	}
	if !order.AvgFillPrice().Equal(decimal.NewFromInt(50000)) {
		t.Errorf("AvgFillPrice = %s, want 50000", order.AvgFillPrice())
	}
	if order.Strategy != "scalper" {
		t.Errorf("Strategy = %q", order.Strategy)
	}

	// cancel responses carry the id in origClientOrderId
	wire.ClientOrderID = "venue-generated"
	wire.OrigClientID = "scl-abc"
	order, err = wire.toOrder("")
	if err != nil {
		t.Fatal(err)
	}
	if order.ClientOrderID != "scl-abc" {
		t.Errorf("ClientOrderID = %q, want scl-abc", order.ClientOrderID)
	}
}
