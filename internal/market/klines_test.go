package market

import (
	"testing"
	"time"

	"binance-trader/pkg/types"
)

// bar builds a closed 1m kline opening at t with the given OHLCV strings.
func bar(sym string, t time.Time, open, high, low, close, vol string) types.Kline {
	return types.Kline{
		Symbol:    sym,
		Interval:  types.Interval1m,
		OpenTime:  t,
		CloseTime: t.Add(time.Minute - time.Millisecond),
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d(vol),
		Closed:    true,
	}
}

func TestKlineSeriesRingEviction(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("BTCUSDT", types.Interval1m, 3)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s.Append(bar("BTCUSDT", t0.Add(time.Duration(i)*time.Minute), "1", "1", "1", "1", "1"))
	}

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3 after eviction", s.Len())
	}
	last := s.Last(3)
	if !last[0].OpenTime.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("oldest retained bar opens at %s, want %s", last[0].OpenTime, t0.Add(2*time.Minute))
	}
	if !last[2].OpenTime.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("newest bar opens at %s, want %s", last[2].OpenTime, t0.Add(4*time.Minute))
	}
}

func TestKlineSeriesIgnoresDuplicatesAndBackfill(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("BTCUSDT", types.Interval1m, 10)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	s.Append(bar("BTCUSDT", t0, "1", "1", "1", "1", "1"))
	s.Append(bar("BTCUSDT", t0, "2", "2", "2", "2", "2"))                   // duplicate open time
	s.Append(bar("BTCUSDT", t0.Add(-time.Minute), "3", "3", "3", "3", "3")) // older bar

	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 (duplicates and backfill ignored)", s.Len())
	}
	if got := s.Last(1)[0].Open; !got.Equal(d("1")) {
		t.Errorf("retained bar open = %s, want the first-seen 1", got)
	}
}

func TestKlineSeriesWindow(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("BTCUSDT", types.Interval1m, 10)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		s.Append(bar("BTCUSDT", t0.Add(time.Duration(i)*time.Minute), "1", "1", "1", "1", "1"))
	}

	got := s.Window(t0.Add(2*time.Minute), t0.Add(5*time.Minute))
	if len(got) != 3 {
		t.Fatalf("Window returned %d bars, want 3", len(got))
	}
	if !got[0].OpenTime.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("window starts at %s, want %s", got[0].OpenTime, t0.Add(2*time.Minute))
	}
}

func TestAggregatorEmitsAlignedFiveMinuteBar(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("BTCUSDT", types.Interval1m, 50)
	agg := NewAggregator(s)

	// 10:00 through 10:04 complete the aligned [10:00, 10:05) window.
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bars := []types.Kline{
		bar("BTCUSDT", t0, "100", "105", "99", "101", "10"),
		bar("BTCUSDT", t0.Add(1*time.Minute), "101", "103", "100", "102", "5"),
		bar("BTCUSDT", t0.Add(2*time.Minute), "102", "110", "101", "108", "7"),
		bar("BTCUSDT", t0.Add(3*time.Minute), "108", "109", "95", "96", "3"),
	}
	for _, b := range bars {
		if out := agg.OnClose(b); len(out) != 0 {
			t.Fatalf("bar at %s emitted %d aggregates, want 0 mid-window", b.OpenTime, len(out))
		}
	}

	out := agg.OnClose(bar("BTCUSDT", t0.Add(4*time.Minute), "96", "98", "94", "97", "5"))
	if len(out) != 1 {
		t.Fatalf("closing bar emitted %d aggregates, want 1", len(out))
	}
	five := out[0]
	if five.Interval != types.Interval5m {
		t.Errorf("interval = %s, want 5m", five.Interval)
	}
	if !five.OpenTime.Equal(t0) {
		t.Errorf("open time = %s, want %s", five.OpenTime, t0)
	}
	if !five.Open.Equal(d("100")) || !five.Close.Equal(d("97")) {
		t.Errorf("open/close = %s/%s, want 100/97", five.Open, five.Close)
	}
	if !five.High.Equal(d("110")) || !five.Low.Equal(d("94")) {
		t.Errorf("high/low = %s/%s, want 110/94", five.High, five.Low)
	}
	if !five.Volume.Equal(d("30")) {
		t.Errorf("volume = %s, want 30", five.Volume)
	}
	if !five.Closed {
		t.Error("aggregated bar should be closed")
	}
}

func TestAggregatorPartialWindowOnGaps(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("ETHUSDT", types.Interval1m, 50)
	agg := NewAggregator(s)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Only two bars of the window arrive, including the closing one.
	agg.OnClose(bar("ETHUSDT", t0.Add(1*time.Minute), "200", "201", "199", "200", "2"))
	out := agg.OnClose(bar("ETHUSDT", t0.Add(4*time.Minute), "205", "207", "204", "206", "4"))
	if len(out) != 1 {
		t.Fatalf("emitted %d aggregates, want 1 from partial window", len(out))
	}
	if !out[0].Open.Equal(d("200")) || !out[0].Volume.Equal(d("6")) {
		t.Errorf("partial aggregate open/volume = %s/%s, want 200/6", out[0].Open, out[0].Volume)
	}
}

func TestAggregatorHourBoundaryEmitsAllIntervals(t *testing.T) {
	t.Parallel()
	s := NewKlineSeries("BTCUSDT", types.Interval1m, 100)
	agg := NewAggregator(s)

	// 10:59 closes the 5m, 15m, and 1h windows simultaneously.
	t0 := time.Date(2024, 3, 1, 10, 55, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		agg.OnClose(bar("BTCUSDT", t0.Add(time.Duration(i)*time.Minute), "1", "1", "1", "1", "1"))
	}
	out := agg.OnClose(bar("BTCUSDT", t0.Add(4*time.Minute), "1", "1", "1", "1", "1"))

	intervals := make(map[types.Interval]bool, len(out))
	for _, k := range out {
		intervals[k.Interval] = true
	}
	for _, want := range []types.Interval{types.Interval5m, types.Interval15m, types.Interval1h} {
		if !intervals[want] {
			t.Errorf("hour-boundary close missing %s aggregate", want)
		}
	}
}
