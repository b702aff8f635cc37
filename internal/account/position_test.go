package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(side types.Side, price, qty string) types.Fill {
	return types.Fill{
		Symbol:    "BTCUSDT",
		Side:      side,
		Price:     d(price),
		Qty:       d(qty),
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyOpensLong(t *testing.T) {
	t.Parallel()
	p, realized := Apply(types.Position{}, fill(types.BUY, "100", "2"))

	if !p.Size.Equal(d("2")) {
		t.Errorf("size = %s, want 2", p.Size)
	}
	if !p.EntryPrice.Equal(d("100")) {
		t.Errorf("entry = %s, want 100", p.EntryPrice)
	}
	if !realized.IsZero() {
		t.Errorf("realized = %s, want 0 on open", realized)
	}
}

func TestApplyWeightedEntryOnAdd(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.BUY, "100", "1"))
	p, realized := Apply(p, fill(types.BUY, "110", "3"))

	if !p.Size.Equal(d("4")) {
		t.Errorf("size = %s, want 4", p.Size)
	}
	// (100·1 + 110·3) / 4 = 107.5
	if !p.EntryPrice.Equal(d("107.5")) {
		t.Errorf("entry = %s, want 107.5", p.EntryPrice)
	}
	if !realized.IsZero() {
		t.Errorf("realized = %s, want 0 on add", realized)
	}
}

func TestApplyRealizesOnReduce(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.BUY, "100", "4"))
	p, realized := Apply(p, fill(types.SELL, "105", "1"))

	if !realized.Equal(d("5")) {
		t.Errorf("realized = %s, want 5", realized)
	}
	if !p.Size.Equal(d("3")) {
		t.Errorf("size = %s, want 3", p.Size)
	}
	if !p.EntryPrice.Equal(d("100")) {
		t.Errorf("entry = %s, want unchanged 100", p.EntryPrice)
	}
	if !p.RealizedPnl.Equal(d("5")) {
		t.Errorf("cumulative realized = %s, want 5", p.RealizedPnl)
	}
}

func TestApplyShortSideRealization(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.SELL, "100", "2"))
	p, realized := Apply(p, fill(types.BUY, "90", "2"))

	// Short from 100 covered at 90: +10 per unit.
	if !realized.Equal(d("20")) {
		t.Errorf("realized = %s, want 20", realized)
	}
	if !p.Flat() {
		t.Errorf("size = %s, want flat", p.Size)
	}
	if !p.EntryPrice.IsZero() {
		t.Errorf("entry = %s, want cleared when flat", p.EntryPrice)
	}
}

func TestApplyCrossesZero(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.BUY, "100", "1"))
	p, realized := Apply(p, fill(types.SELL, "110", "3"))

	// 1 unit closes long at +10; 2 units open short at 110.
	if !realized.Equal(d("10")) {
		t.Errorf("realized = %s, want 10", realized)
	}
	if !p.Size.Equal(d("-2")) {
		t.Errorf("size = %s, want -2", p.Size)
	}
	if !p.EntryPrice.Equal(d("110")) {
		t.Errorf("entry = %s, want residual opened at 110", p.EntryPrice)
	}
}

func TestApplyLossIsNegative(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.BUY, "100", "2"))
	_, realized := Apply(p, fill(types.SELL, "95", "2"))

	if !realized.Equal(d("-10")) {
		t.Errorf("realized = %s, want -10", realized)
	}
}

func TestMarkToMarket(t *testing.T) {
	t.Parallel()
	p, _ := Apply(types.Position{}, fill(types.BUY, "100", "2"))

	p = MarkToMarket(p, d("103"))
	if !p.UnrealizedPnl.Equal(d("6")) {
		t.Errorf("unrealized = %s, want 6", p.UnrealizedPnl)
	}
	if !p.MarkPrice.Equal(d("103")) {
		t.Errorf("mark = %s, want 103", p.MarkPrice)
	}

	short, _ := Apply(types.Position{}, fill(types.SELL, "100", "2"))
	short = MarkToMarket(short, d("103"))
	if !short.UnrealizedPnl.Equal(d("-6")) {
		t.Errorf("short unrealized = %s, want -6", short.UnrealizedPnl)
	}

	flat := MarkToMarket(types.Position{Symbol: "BTCUSDT"}, d("103"))
	if !flat.UnrealizedPnl.IsZero() {
		t.Errorf("flat unrealized = %s, want 0", flat.UnrealizedPnl)
	}
}
