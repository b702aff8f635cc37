package backtest

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/config"
	"binance-trader/internal/exchange"
	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

// Venue filters do not exist in replay; eight decimals is the venue's finest
// tick anyway.
const simPrecision = 8

// simExchange is the venue stand-in the order manager drives during replay.
// An order becomes eligible one latency sample after placement and executes
// against bars fed through advance; until then it is invisible to fills.
type simExchange struct {
	rng  *rand.Rand
	mean time.Duration
	std  time.Duration
	slip decimal.Decimal // price fraction applied adversely to market fills

	mu     sync.Mutex
	now    time.Time
	nextID int64
	orders map[string]*simOrder
}

type simOrder struct {
	order      types.Order
	eligibleAt time.Time
}

func newSimExchange(cfg config.BacktestConfig, seed int64) *simExchange {
	return &simExchange{
		rng:    rand.New(rand.NewSource(seed)),
		mean:   cfg.LatencyMean,
		std:    cfg.LatencyStd,
		slip:   decimal.NewFromFloat(cfg.SlippageBps).Shift(-4),
		orders: make(map[string]*simOrder),
	}
}

// latency draws one submission delay, floored at zero.
func (s *simExchange) latency() time.Duration {
	d := time.Duration(s.rng.NormFloat64()*float64(s.std) + float64(s.mean))
	if d < 0 {
		return 0
	}
	return d
}

func (s *simExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[req.ClientOrderID]; exists {
		return nil, &errs.APIError{HTTPStatus: 400, Code: -2026, Message: "Duplicate client order id."}
	}

	s.nextID++
	o := types.Order{
		Symbol:        req.Symbol,
		OrderID:       s.nextID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        types.OrderStatusNew,
		Strategy:      req.Strategy,
		CreatedAt:     s.now,
		UpdatedAt:     s.now,
	}
	s.orders[req.ClientOrderID] = &simOrder{order: o, eligibleAt: s.now.Add(s.latency())}

	cp := o
	return &cp, nil
}

func (s *simExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[clientOrderID]
	if !ok || so.order.Symbol != symbol {
		return nil, &errs.APIError{HTTPStatus: 400, Code: -2011, Message: "Unknown order sent."}
	}
	if !so.order.Status.IsTerminal() {
		so.order.Status = types.OrderStatusCanceled
		so.order.UpdatedAt = s.now
	}
	cp := so.order
	return &cp, nil
}

func (s *simExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[clientOrderID]
	if !ok || so.order.Symbol != symbol {
		return nil, &errs.APIError{HTTPStatus: 400, Code: -2013, Message: "Order does not exist."}
	}
	cp := so.order
	return &cp, nil
}

func (s *simExchange) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []types.Order
	for _, so := range s.orders {
		if so.order.Symbol == symbol && !so.order.Status.IsTerminal() {
			open = append(open, so.order)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open, nil
}

func (s *simExchange) RoundToFilters(symbol string, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	return price.Truncate(simPrecision), qty.Truncate(simPrecision)
}

// advance moves the venue clock to the bar close and executes every eligible
// order for the bar's symbol. Market orders fill at the close plus adverse
// slippage; limit orders fill at their price when the bar crosses it, and an
// IOC that is not fillable at its first eligible bar expires.
func (s *simExchange) advance(k types.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.CloseTime.After(s.now) {
		s.now = k.CloseTime
	}

	for _, so := range s.orders {
		o := &so.order
		if o.Symbol != k.Symbol || o.Status.IsTerminal() || s.now.Before(so.eligibleAt) {
			continue
		}
		switch o.Type {
		case types.OrderTypeMarket:
			s.execute(o, k.Close, true)
		case types.OrderTypeLimit:
			fillable := (o.Side == types.BUY && k.Low.LessThanOrEqual(o.Price)) ||
				(o.Side == types.SELL && k.High.GreaterThanOrEqual(o.Price))
			switch {
			case fillable:
				s.execute(o, o.Price, false)
			case o.TimeInForce == types.TifIOC:
				o.Status = types.OrderStatusExpired
				o.UpdatedAt = s.now
			}
		}
	}
}

// expireOpen retires everything still resting once the data runs out.
func (s *simExchange) expireOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, so := range s.orders {
		if !so.order.Status.IsTerminal() {
			so.order.Status = types.OrderStatusExpired
			so.order.UpdatedAt = s.now
		}
	}
}

// execute fills the full quantity. Caller holds mu.
func (s *simExchange) execute(o *types.Order, price decimal.Decimal, slip bool) {
	if slip && s.slip.IsPositive() {
		adj := price.Mul(s.slip)
		if o.Side == types.BUY {
			price = price.Add(adj)
		} else {
			price = price.Sub(adj)
		}
	}
	o.ExecutedQty = o.Quantity
	o.CumQuoteQty = price.Mul(o.Quantity)
	o.Status = types.OrderStatusFilled
	o.UpdatedAt = s.now
}
