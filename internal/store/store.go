// Package store persists fills, positions, and daily P&L rollups.
//
// The accountant writes through the TradeStore interface and never cares
// which backend is behind it: MemoryStore for tests and throwaway paper
// sessions, FileStore for paper trading on a single host, PostgresStore for
// live deployments.
// Fills are keyed by (symbol, trade id) in every backend so a restart can
// replay the recent tail without double-counting.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

// TradeStore is the persistence contract consumed by the accountant.
// Writes are durable when the call returns.
type TradeStore interface {
	RecordFill(ctx context.Context, f types.Fill) error
	UpsertPosition(ctx context.Context, p types.Position) error
	UpsertDailyPnl(ctx context.Context, date, symbol string, delta decimal.Decimal) error
	LoadRecentFills(ctx context.Context, limit int) ([]types.Fill, error)
	LoadPositions(ctx context.Context) ([]types.Position, error)
	Close() error
}

// DayKey formats the UTC date key used for daily P&L rollups.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Open builds the backend named by the config.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (TradeStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return OpenFileStore(cfg.DataDir, logger)
	case "postgres":
		return OpenPostgresStore(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("store driver %q: %w", cfg.Driver, errs.ErrValidation)
	}
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	fills     []types.Fill
	seen      map[string]struct{} // symbol|tradeID
	positions map[string]types.Position
	daily     map[string]decimal.Decimal // date|symbol
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]struct{}),
		positions: make(map[string]types.Position),
		daily:     make(map[string]decimal.Decimal),
	}
}

func fillKey(f types.Fill) string {
	return fmt.Sprintf("%s|%d", f.Symbol, f.TradeID)
}

// RecordFill appends the fill, ignoring one it has already seen.
func (s *MemoryStore) RecordFill(_ context.Context, f types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fillKey(f)
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	s.fills = append(s.fills, f)
	return nil
}

// UpsertPosition replaces the stored position for the symbol.
func (s *MemoryStore) UpsertPosition(_ context.Context, p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
	return nil
}

// UpsertDailyPnl adds the delta to the (date, symbol) bucket.
func (s *MemoryStore) UpsertDailyPnl(_ context.Context, date, symbol string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := date + "|" + symbol
	s.daily[key] = s.daily[key].Add(delta)
	return nil
}

// LoadRecentFills returns up to limit of the newest fills, oldest first.
func (s *MemoryStore) LoadRecentFills(_ context.Context, limit int) ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.fills)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Fill, n)
	copy(out, s.fills[len(s.fills)-n:])
	return out, nil
}

// LoadPositions returns all stored positions sorted by symbol.
func (s *MemoryStore) LoadPositions(_ context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DailyPnl reads one rollup bucket; zero when absent.
func (s *MemoryStore) DailyPnl(date, symbol string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[date+"|"+symbol]
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }
