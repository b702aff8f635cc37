// Package order owns the order lifecycle. The manager is the only component
// that calls trade endpoints: it submits risk-cleared signals, cancels and
// reconciles working orders, and derives fills by diffing executed quantity
// against the venue's copy.
//
// State model: NEW and PARTIALLY_FILLED orders live in the active table;
// every other status is terminal and moves the order to a bounded history
// ring. Synthetic trade ids ascend globally, seeded from the clock so they
// stay unique per symbol across restarts, and executed quantity never
// decreases, so downstream accounting is safe to replay.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"binance-trader/internal/exchange"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

const (
	// Venue code for a rejected duplicate client order id.
	codeDuplicateID = -2026

	// Client order ids are capped by the venue.
	maxClientIDLen = 36

	historySize       = 256
	reconcileInterval = 30 * time.Second
	cancelParallelism = 8

	fillsBuffer   = 256
	updatesBuffer = 128
)

// Exchange is the slice of the REST client the manager drives. The
// backtester substitutes a simulated venue.
type Exchange interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	RoundToFilters(symbol string, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal)
}

// Stats is a point-in-time snapshot for the status line.
type Stats struct {
	Active   int
	Placed   int64
	Filled   int64
	Canceled int64
	Fills    int64
}

// Manager tracks every order this process has open at the venue.
type Manager struct {
	ex      Exchange
	logger  *slog.Logger
	symbols []string

	mu       sync.Mutex
	active   map[string]*types.Order // keyed by client order id
	history  []types.Order
	tradeSeq int64 // last synthetic trade id handed out
	placed   int64
	filled   int64
	canceled int64
	nfills   int64

	fills   chan types.Fill
	updates chan types.Order
}

// NewManager wires the manager to a venue for the given symbols.
func NewManager(ex Exchange, symbols []string, logger *slog.Logger) *Manager {
	return &Manager{
		ex:       ex,
		logger:   logger.With("component", "orders"),
		symbols:  symbols,
		active:   make(map[string]*types.Order),
		tradeSeq: time.Now().UnixMilli(),
		fills:    make(chan types.Fill, fillsBuffer),
		updates:  make(chan types.Order, updatesBuffer),
	}
}

// Fills returns the stream of fills derived from venue order state. The
// channel is never closed; consumers stop with their context.
func (m *Manager) Fills() <-chan types.Fill { return m.fills }

// Updates returns the stream of order state changes.
func (m *Manager) Updates() <-chan types.Order { return m.updates }

// Run reconciles once at startup and then on a fixed timer until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.ReconcileAll(ctx); err != nil {
		m.logger.Warn("startup reconcile incomplete", "error", err)
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.ReconcileAll(ctx); err != nil {
				m.logger.Warn("periodic reconcile incomplete", "error", err)
			}
		}
	}
}

// Submit places an order for a risk-cleared signal. Price and quantity are
// rounded to the symbol's filters first; a quantity that rounds to zero is
// a validation error. A duplicate-id rejection regenerates the client order
// id once.
func (m *Manager) Submit(ctx context.Context, sig types.Signal) (*types.Order, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	price, qty := m.ex.RoundToFilters(sig.Symbol, sig.Price, sig.Qty)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("submit %s: qty %s rounds to zero: %w",
			sig.Symbol, sig.Qty, errs.ErrValidation)
	}

	req := exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Type:          sig.Type,
		TimeInForce:   sig.TimeInForce,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: newClientID(sig.Strategy),
		Strategy:      sig.Strategy,
	}

	placed, err := m.ex.PlaceOrder(ctx, req)
	if isDuplicateID(err) {
		m.logger.Warn("duplicate client order id, regenerating",
			"symbol", sig.Symbol, "client_id", req.ClientOrderID)
		req.ClientOrderID = newClientID(sig.Strategy)
		placed, err = m.ex.PlaceOrder(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", sig.Side, qty, sig.Symbol, err)
	}

	m.mu.Lock()
	m.placed++
	m.mu.Unlock()

	m.logger.Info("order placed",
		"symbol", placed.Symbol,
		"side", placed.Side,
		"type", placed.Type,
		"qty", placed.Quantity,
		"price", placed.Price,
		"client_id", placed.ClientOrderID,
		"strategy", placed.Strategy,
		"status", placed.Status)

	m.applyUpdate(*placed)
	return placed, nil
}

// Cancel cancels one working order. Canceling an order already in a
// terminal state is a no-op; an id the manager has never seen is a
// validation error. A transient network failure is retried once.
func (m *Manager) Cancel(ctx context.Context, symbol, clientOrderID string) error {
	m.mu.Lock()
	o, working := m.active[clientOrderID]
	if working && o.Status.IsTerminal() {
		working = false
	}
	known := working || m.inHistory(clientOrderID)
	m.mu.Unlock()

	if !working {
		if known {
			return nil
		}
		return fmt.Errorf("cancel %s: unknown order: %w", clientOrderID, errs.ErrValidation)
	}

	fresh, err := m.ex.CancelOrder(ctx, symbol, clientOrderID)
	if err != nil && errs.Retryable(err) {
		m.logger.Warn("cancel failed, retrying once",
			"symbol", symbol, "client_id", clientOrderID, "error", err)
		fresh, err = m.ex.CancelOrder(ctx, symbol, clientOrderID)
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}

	m.applyUpdate(*fresh)
	return nil
}

// CancelAll cancels every working order, or only those for symbol when it
// is non-empty. Cancels fan out concurrently; a failed leg does not stop
// the rest. Returns the number of successful cancels and the joined
// failures.
func (m *Manager) CancelAll(ctx context.Context, symbol string) (int, error) {
	type target struct{ symbol, id string }

	m.mu.Lock()
	targets := make([]target, 0, len(m.active))
	for id, o := range m.active {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		targets = append(targets, target{o.Symbol, id})
	}
	m.mu.Unlock()

	var (
		resMu  sync.Mutex
		ok     int
		failed []error
	)
	var g errgroup.Group
	g.SetLimit(cancelParallelism)
	for _, tg := range targets {
		g.Go(func() error {
			err := m.Cancel(ctx, tg.symbol, tg.id)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return nil
			}
			ok++
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		m.logger.Warn("cancel all incomplete",
			"symbol", symbol, "ok", ok, "failed", len(failed))
	}
	return ok, errors.Join(failed...)
}

// Reconcile pulls the venue's copy of one order and folds it in, emitting
// fills for any executed quantity the manager has not seen.
func (m *Manager) Reconcile(ctx context.Context, symbol, clientOrderID string) error {
	fresh, err := m.ex.GetOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", clientOrderID, err)
	}
	m.applyUpdate(*fresh)
	return nil
}

// ReconcileAll sweeps every symbol: open orders at the venue are folded in
// (untracked ones adopted), and tracked orders missing from the response
// are fetched individually to learn their fate.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	var sweep []error
	for _, sym := range m.symbols {
		open, err := m.ex.GetOpenOrders(ctx, sym)
		if err != nil {
			sweep = append(sweep, fmt.Errorf("open orders %s: %w", sym, err))
			continue
		}

		seen := make(map[string]bool, len(open))
		for i := range open {
			seen[open[i].ClientOrderID] = true
			if !m.tracked(open[i].ClientOrderID) {
				m.adopt(open[i])
				continue
			}
			m.applyUpdate(open[i])
		}

		for _, id := range m.activeIDs(sym) {
			if seen[id] {
				continue
			}
			if err := m.Reconcile(ctx, sym, id); err != nil {
				sweep = append(sweep, err)
			}
		}
	}
	return errors.Join(sweep...)
}

// Active returns snapshot copies of working orders, all symbols when
// symbol is empty.
func (m *Manager) Active(symbol string) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.active))
	for _, o := range m.active {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// OpenOrderCount reports working orders for a symbol. Implements the risk
// manager's order counter.
func (m *Manager) OpenOrderCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.active {
		if o.Symbol == symbol {
			n++
		}
	}
	return n
}

// Get returns a snapshot of one tracked order, checking the active table
// first and then the history ring.
func (m *Manager) Get(clientOrderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.active[clientOrderID]; ok {
		return *o, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ClientOrderID == clientOrderID {
			return m.history[i], true
		}
	}
	return types.Order{}, false
}

// Stats snapshots the counters for the status line.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:   len(m.active),
		Placed:   m.placed,
		Filled:   m.filled,
		Canceled: m.canceled,
		Fills:    m.nfills,
	}
}

// applyUpdate folds a venue copy of an order into local state. New executed
// quantity becomes a fill with the next synthetic trade id; terminal orders
// retire to the history ring. Channel sends happen after the lock is
// released so readers never wait on a slow consumer.
func (m *Manager) applyUpdate(fresh types.Order) {
	m.mu.Lock()

	prev, tracked := m.active[fresh.ClientOrderID]
	if tracked {
		// Cancel and query acks omit fields the venue considers implied.
		if fresh.Side == "" {
			fresh.Side = prev.Side
		}
		if fresh.Type == "" {
			fresh.Type = prev.Type
		}
		if fresh.TimeInForce == "" {
			fresh.TimeInForce = prev.TimeInForce
		}
		if fresh.Strategy == "" {
			fresh.Strategy = prev.Strategy
		}
		if fresh.OrderID == 0 {
			fresh.OrderID = prev.OrderID
		}
		if fresh.Price.IsZero() {
			fresh.Price = prev.Price
		}
		if fresh.Quantity.IsZero() {
			fresh.Quantity = prev.Quantity
		}
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = prev.CreatedAt
		}
		if fresh.ExecutedQty.LessThan(prev.ExecutedQty) {
			fresh.ExecutedQty = prev.ExecutedQty
			fresh.CumQuoteQty = prev.CumQuoteQty
		}
	}

	var fill *types.Fill
	var prevExec decimal.Decimal
	if tracked {
		prevExec = prev.ExecutedQty
	}
	if delta := fresh.ExecutedQty.Sub(prevExec); delta.IsPositive() {
		price := fresh.AvgFillPrice()
		if !price.IsPositive() {
			price = fresh.Price
		}
		m.tradeSeq++
		at := fresh.UpdatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		fill = &types.Fill{
			Symbol:        fresh.Symbol,
			TradeID:       m.tradeSeq,
			OrderID:       fresh.OrderID,
			ClientOrderID: fresh.ClientOrderID,
			Side:          fresh.Side,
			Price:         price,
			Qty:           delta,
			Strategy:      fresh.Strategy,
			Timestamp:     at,
		}
		m.nfills++
	}

	if fresh.Status.IsTerminal() {
		delete(m.active, fresh.ClientOrderID)
		m.history = append(m.history, fresh)
		if len(m.history) > historySize {
			m.history = m.history[1:]
		}
		switch fresh.Status {
		case types.OrderStatusFilled:
			m.filled++
		case types.OrderStatusCanceled, types.OrderStatusExpired:
			m.canceled++
		}
	} else {
		cp := fresh
		m.active[fresh.ClientOrderID] = &cp
	}
	m.mu.Unlock()

	if fill != nil {
		m.logger.Info("fill",
			"symbol", fill.Symbol,
			"side", fill.Side,
			"qty", fill.Qty,
			"price", fill.Price,
			"client_id", fill.ClientOrderID,
			"trade_id", fill.TradeID)
		m.fills <- *fill
	}

	select {
	case m.updates <- fresh:
	default:
		m.logger.Warn("order update channel full, dropping update",
			"client_id", fresh.ClientOrderID, "status", fresh.Status)
	}
}

// adopt starts tracking an order placed outside this process or before a
// restart. Quantity already executed at adoption is the diff baseline, not
// a fill: restored positions account for it, and synthesizing it again
// would double-count.
func (m *Manager) adopt(o types.Order) {
	m.logger.Info("adopting untracked order",
		"symbol", o.Symbol,
		"client_id", o.ClientOrderID,
		"status", o.Status,
		"executed", o.ExecutedQty)

	if o.Status.IsTerminal() {
		return
	}
	m.mu.Lock()
	cp := o
	m.active[o.ClientOrderID] = &cp
	m.mu.Unlock()

	select {
	case m.updates <- o:
	default:
		m.logger.Warn("order update channel full, dropping update",
			"client_id", o.ClientOrderID, "status", o.Status)
	}
}

// tracked reports whether the id is in the active table.
func (m *Manager) tracked(clientOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[clientOrderID]
	return ok
}

// activeIDs lists tracked working order ids for a symbol in placement
// order, so sweeps resolve orders and assign trade ids deterministically.
func (m *Manager) activeIDs(symbol string) []string {
	type entry struct {
		id      string
		orderID int64
	}

	m.mu.Lock()
	entries := make([]entry, 0, len(m.active))
	for id, o := range m.active {
		if o.Symbol == symbol {
			entries = append(entries, entry{id, o.OrderID})
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].orderID != entries[j].orderID {
			return entries[i].orderID < entries[j].orderID
		}
		return entries[i].id < entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// inHistory reports whether the id retired to the history ring. Caller
// holds mu.
func (m *Manager) inHistory(clientOrderID string) bool {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ClientOrderID == clientOrderID {
			return true
		}
	}
	return false
}

// newClientID builds a strategy-prefixed id within the venue's 36-char cap.
func newClientID(strategy string) string {
	prefix := strategy
	if prefix == "" {
		prefix = "man"
	}
	id := prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}

// isDuplicateID matches the venue's duplicate client order id rejection.
func isDuplicateID(err error) bool {
	if err == nil {
		return false
	}
	api, ok := errs.AsAPIError(err)
	return ok && api.Code == codeDuplicateID
}
