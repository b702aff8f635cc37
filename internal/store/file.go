package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

const (
	fillJournalName = "fills.jsonl"
	positionsName   = "positions.json"
	dailyPnlName    = "daily_pnl.json"
)

// FileStore persists state as JSON files under one directory. Snapshots
// (positions, daily P&L) use atomic write-tmp-then-rename so a crash never
// leaves a partial file; fills append to a JSONL journal that is fsynced
// per write.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	journal   *os.File
	fills     []types.Fill
	seen      map[string]struct{}
	positions map[string]types.Position
	daily     map[string]decimal.Decimal
}

// OpenFileStore loads existing state from dir, creating it if needed.
func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &FileStore{
		dir:       dir,
		logger:    logger.With("component", "store"),
		seen:      make(map[string]struct{}),
		positions: make(map[string]types.Position),
		daily:     make(map[string]decimal.Decimal),
	}
	if err := s.loadSnapshots(); err != nil {
		return nil, err
	}
	if err := s.loadJournal(); err != nil {
		return nil, err
	}

	journal, err := os.OpenFile(filepath.Join(dir, fillJournalName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open fill journal: %w", err)
	}
	s.journal = journal
	return s, nil
}

// RecordFill appends the fill to the journal. Duplicates by (symbol, trade
// id) are silently dropped so restart replay is idempotent.
func (s *FileStore) RecordFill(_ context.Context, f types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fillKey(f)
	if _, dup := s.seen[key]; dup {
		return nil
	}

	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append fill: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("sync fill journal: %w", err)
	}

	s.seen[key] = struct{}{}
	s.fills = append(s.fills, f)
	return nil
}

// UpsertPosition replaces the symbol's position and rewrites the snapshot.
func (s *FileStore) UpsertPosition(_ context.Context, p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Symbol] = p
	list := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		list = append(list, pos)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })
	return s.saveJSON(positionsName, list)
}

// UpsertDailyPnl adds the delta to the (date, symbol) bucket and rewrites
// the snapshot.
func (s *FileStore) UpsertDailyPnl(_ context.Context, date, symbol string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := date + "|" + symbol
	s.daily[key] = s.daily[key].Add(delta)
	return s.saveJSON(dailyPnlName, s.daily)
}

// LoadRecentFills returns up to limit of the newest fills, oldest first.
func (s *FileStore) LoadRecentFills(_ context.Context, limit int) ([]types.Fill, error) {
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
func (s *FileStore) LoadPositions(_ context.Context) ([]types.Position, error) {
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
func (s *FileStore) DailyPnl(date, symbol string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[date+"|"+symbol]
}

// Close closes the fill journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// saveJSON atomically replaces one snapshot file. Caller holds mu.
func (s *FileStore) saveJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) loadSnapshots() error {
	var list []types.Position
	if err := s.loadJSON(positionsName, &list); err != nil {
		return err
	}
	for _, p := range list {
		s.positions[p.Symbol] = p
	}
	return s.loadJSON(dailyPnlName, &s.daily)
}

func (s *FileStore) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// loadJournal replays the fill journal into memory. A torn trailing line
// from a crash mid-append is skipped with a warning rather than failing
// the open.
func (s *FileStore) loadJournal() error {
	f, err := os.Open(filepath.Join(s.dir, fillJournalName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open fill journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fill types.Fill
		if err := json.Unmarshal(line, &fill); err != nil {
			s.logger.Warn("skipping unparsable journal line", "error", err)
			continue
		}
		key := fillKey(fill)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.fills = append(s.fills, fill)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan fill journal: %w", err)
	}
	return nil
}
