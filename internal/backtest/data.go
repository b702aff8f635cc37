package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// One venue page; the loader advances a startTime cursor until the range is
// covered.
const fetchPageLimit = 1000

// KlineSource is the slice of the REST client the loader needs.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Kline, error)
}

// LoadKlines fetches [start, end) for one symbol, paging through the venue's
// per-request limit.
func LoadKlines(ctx context.Context, src KlineSource, symbol string, interval types.Interval, start, end time.Time) ([]types.Kline, error) {
	step := interval.Duration()
	var out []types.Kline

	cursor := start
	for cursor.Before(end) {
		page, err := src.GetKlines(ctx, symbol, interval, cursor, end, fetchPageLimit)
		if err != nil {
			return nil, fmt.Errorf("klines %s from %s: %w", symbol, cursor.Format(time.RFC3339), err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			// The venue treats endTime as inclusive; the range is not.
			if k.OpenTime.Before(end) {
				out = append(out, k)
			}
		}

		next := page[len(page)-1].OpenTime.Add(step)
		if !next.After(cursor) {
			return nil, fmt.Errorf("klines %s: cursor stuck at %s", symbol, cursor.Format(time.RFC3339))
		}
		cursor = next
		if len(page) < fetchPageLimit {
			break
		}
	}
	return out, nil
}

// LoadKlinesCSV reads one symbol's bars from a CSV in the venue's export
// column order: openTime, open, high, low, close, volume, closeTime, ...
// A header row is skipped; rows outside [start, end) are dropped.
func LoadKlinesCSV(path, symbol string, interval types.Interval, start, end time.Time) ([]types.Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("klines csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("klines csv %s: %w", path, err)
	}

	var out []types.Kline
	for i, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("klines csv %s: row %d has %d fields, want >= 7", path, i+1, len(row))
		}
		openTs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("klines csv %s: row %d open time %q", path, i+1, row[0])
		}
		closeTs, err := strconv.ParseInt(row[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("klines csv %s: row %d close time %q", path, i+1, row[6])
		}

		k := types.Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  csvTime(openTs),
			CloseTime: csvTime(closeTs),
			Closed:    true,
		}
		for j, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			v, err := decimal.NewFromString(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("klines csv %s: row %d field %d: %w", path, i+1, j+1, err)
			}
			*dst = v
		}

		if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
			continue
		}
		out = append(out, k)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

// csvTime converts an export timestamp to UTC. Newer exports switched from
// milliseconds to microseconds.
func csvTime(ts int64) time.Time {
	if ts > 100_000_000_000_000 {
		ts /= 1000
	}
	return time.UnixMilli(ts).UTC()
}

// csvPath is the expected layout under the backtest data dir.
func csvPath(dir, symbol string, interval types.Interval) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.csv", symbol, interval))
}

// mergeKlines interleaves per-symbol series into one time-ordered stream.
// Ties break by symbol so replay order is stable.
func mergeKlines(series map[string][]types.Kline) []types.Kline {
	total := 0
	for _, s := range series {
		total += len(s)
	}
	out := make([]types.Kline, 0, total)
	for _, s := range series {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
