package market

import (
	"context"
	"fmt"
	"time"

	"binance-trader/pkg/types"
)

// KlineFetcher pulls bar history from the venue; *exchange.Client
// implements it.
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Kline, error)
}

// klinePageLimit is the venue's maximum bars per request.
const klinePageLimit = 1000

// FetchKlineRange pages through the klines endpoint until [start, end) is
// covered, advancing the cursor past each page's last bar. Bars come back
// oldest first. Forming bars (CloseTime in the future) are excluded.
func FetchKlineRange(ctx context.Context, f KlineFetcher, symbol string, interval types.Interval, start, end time.Time) ([]types.Kline, error) {
	d := interval.Duration()
	if d <= 0 {
		return nil, fmt.Errorf("fetch klines %s: bad interval %q", symbol, interval)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("fetch klines %s: end %s not after start %s", symbol, end, start)
	}

	var out []types.Kline
	cursor := start
	for cursor.Before(end) {
		page, err := f.GetKlines(ctx, symbol, interval, cursor, end, klinePageLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
		}
		if len(page) == 0 {
			break
		}

		now := time.Now()
		for _, k := range page {
			if k.OpenTime.Before(cursor) || !k.OpenTime.Before(end) {
				continue
			}
			if k.CloseTime.After(now) {
				continue // still forming
			}
			out = append(out, k)
		}

		next := page[len(page)-1].OpenTime.Add(d)
		if !next.After(cursor) {
			break // venue returned no forward progress
		}
		cursor = next
		if len(page) < klinePageLimit {
			break
		}
	}
	return out, nil
}

// WarmupBars returns the last n closed bars before now, for strategy
// preloading at startup.
func WarmupBars(ctx context.Context, f KlineFetcher, symbol string, interval types.Interval, n int) ([]types.Kline, error) {
	if n <= 0 {
		return nil, nil
	}
	d := interval.Duration()
	end := time.Now().Truncate(d)
	start := end.Add(-time.Duration(n) * d)
	return FetchKlineRange(ctx, f, symbol, interval, start, end)
}
