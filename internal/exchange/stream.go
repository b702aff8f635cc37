// stream.go implements the market-data WebSocket client.
//
// One multiplexed connection carries every subscribed stream using the
// venue's combined-stream envelope {"stream":...,"data":{...}}. Four stream
// kinds are consumed per symbol:
//
//	<sym>@ticker      — 24h rolling ticker, reduced to a MarketData point
//	<sym>@depth@100ms — incremental order book diffs
//	<sym>@kline_1m    — 1m candlesticks, open and closed
//	<sym>@aggTrade    — aggregated trades with the maker flag
//
// The connection runs a state machine:
//
//	DISCONNECTED → CONNECTING → CONNECTED → (close/error) → BACKOFF → CONNECTING
//
// Backoff starts at 5s and doubles to a 60s cap. Ten consecutive failed
// attempts move the client to FAILED, which emits a CRITICAL risk event and
// stops; callers treat that as fatal. Every successful connect resubscribes
// the full desired stream set before events resume.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

const (
	streamPingInterval  = 20 * time.Second
	streamPongTimeout   = 10 * time.Second
	streamWriteTimeout  = 10 * time.Second
	initialReconnectWait = 5 * time.Second
	maxReconnectWait     = 60 * time.Second
	maxReconnectAttempts = 10

	marketBufferSize = 1024
	depthBufferSize  = 1024
	klineBufferSize  = 256
	eventBufferSize  = 16
)

// StreamState is the connection lifecycle state.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamBackoff
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamConnected:
		return "CONNECTED"
	case StreamBackoff:
		return "BACKOFF"
	case StreamFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// SymbolStreams returns the stream names the engine consumes for one symbol.
func SymbolStreams(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{
		s + "@ticker",
		s + "@depth@100ms",
		s + "@kline_1m",
		s + "@aggTrade",
	}
}

// StreamClient maintains the combined-stream WebSocket connection. Data is
// delivered on typed channels; MarketData drops the oldest entry when its
// buffer is full (latest wins), depth diffs and klines block the reader so
// nothing is lost.
type StreamClient struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	streamsMu sync.Mutex
	streams   map[string]bool // desired set, resubscribed on reconnect

	state  atomic.Int32
	nextID atomic.Int64

	marketCh chan types.MarketData
	depthCh  chan types.DepthUpdate
	klineCh  chan types.Kline
	eventCh  chan types.RiskEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamClient creates a stream client for the given combined-stream URL.
func NewStreamClient(url string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:      url,
		logger:   logger.With("component", "stream"),
		streams:  make(map[string]bool),
		marketCh: make(chan types.MarketData, marketBufferSize),
		depthCh:  make(chan types.DepthUpdate, depthBufferSize),
		klineCh:  make(chan types.Kline, klineBufferSize),
		eventCh:  make(chan types.RiskEvent, eventBufferSize),
		closed:   make(chan struct{}),
	}
}

// Market returns the trade tick / ticker channel.
func (s *StreamClient) Market() <-chan types.MarketData { return s.marketCh }

// Depth returns the incremental order book diff channel.
func (s *StreamClient) Depth() <-chan types.DepthUpdate { return s.depthCh }

// Klines returns the candlestick channel (both forming and closed bars).
func (s *StreamClient) Klines() <-chan types.Kline { return s.klineCh }

// Events returns connection lifecycle events: WARNING on reconnect,
// CRITICAL when the client gives up.
func (s *StreamClient) Events() <-chan types.RiskEvent { return s.eventCh }

// State returns the current connection state.
func (s *StreamClient) State() StreamState { return StreamState(s.state.Load()) }

func (s *StreamClient) setState(st StreamState) { s.state.Store(int32(st)) }

// Subscribe adds streams to the desired set and, when connected, sends the
// SUBSCRIBE control message. Streams recorded before Run are subscribed on
// the first connect.
func (s *StreamClient) Subscribe(streams []string) error {
	s.streamsMu.Lock()
	for _, st := range streams {
		s.streams[st] = true
	}
	s.streamsMu.Unlock()

	if s.State() != StreamConnected {
		return nil
	}
	return s.sendControl("SUBSCRIBE", streams)
}

// Unsubscribe removes streams from the desired set and, when connected,
// sends the UNSUBSCRIBE control message.
func (s *StreamClient) Unsubscribe(streams []string) error {
	s.streamsMu.Lock()
	for _, st := range streams {
		delete(s.streams, st)
	}
	s.streamsMu.Unlock()

	if s.State() != StreamConnected {
		return nil
	}
	return s.sendControl("UNSUBSCRIBE", streams)
}

// controlMsg is the subscribe/unsubscribe wire format.
type controlMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (s *StreamClient) sendControl(method string, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	msg := controlMsg{
		Method: method,
		Params: streams,
		ID:     time.Now().UnixMilli() + s.nextID.Add(1),
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// Run connects and keeps the connection alive until ctx is done, Close is
// called, or the reconnect budget is exhausted. The returned error wraps
// errs.ErrFatal in the exhausted case.
func (s *StreamClient) Run(ctx context.Context) error {
	backoff := initialReconnectWait
	attempts := 0

	for {
		s.setState(StreamConnecting)
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil || s.isClosed() {
			s.setState(StreamDisconnected)
			return ctx.Err()
		}

		attempts++
		if attempts >= maxReconnectAttempts {
			s.setState(StreamFailed)
			s.logger.Error("stream failed permanently", "attempts", attempts, "error", err)
			s.emitEvent(types.RiskEvent{
				Severity:  types.SeverityCritical,
				Code:      types.RiskCodeStreamFailed,
				Message:   fmt.Sprintf("market data stream gave up after %d reconnect attempts: %v", attempts, err),
				Timestamp: time.Now().UTC(),
			})
			return fmt.Errorf("stream reconnect budget exhausted: %v: %w", err, errs.ErrFatal)
		}

		s.setState(StreamBackoff)
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err, "backoff", backoff, "attempt", attempts)
		s.emitEvent(types.RiskEvent{
			Severity:  types.SeverityWarning,
			Code:      types.RiskCodeStreamState,
			Message:   fmt.Sprintf("stream reconnecting (attempt %d): %v", attempts, err),
			Timestamp: time.Now().UTC(),
		})

		select {
		case <-ctx.Done():
			s.setState(StreamDisconnected)
			return ctx.Err()
		case <-s.closed:
			s.setState(StreamDisconnected)
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}

		// A connection that survived long enough to deliver data resets
		// the failure budget; only consecutive failures count.
		if s.hadHealthyConnection(err) {
			attempts = 0
			backoff = initialReconnectWait
		}
	}
}

// errHealthyDisconnect tags read errors that happened after the connection
// was established and delivering, so Run can reset its failure budget.
type errHealthyDisconnect struct{ err error }

func (e *errHealthyDisconnect) Error() string { return e.err.Error() }
func (e *errHealthyDisconnect) Unwrap() error { return e.err }

func (s *StreamClient) hadHealthyConnection(err error) bool {
	var healthy *errHealthyDisconnect
	return errors.As(err, &healthy)
}

// Close stops the client. Safe to call more than once and before Run.
func (s *StreamClient) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
	return nil
}

func (s *StreamClient) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// Read deadline covers one ping cycle plus the pong grace; pongs and
	// data frames both renew it in the read loop below.
	readTimeout := streamPingInterval + streamPongTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s.setState(StreamConnected)

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	s.logger.Info("stream connected", "url", s.url, "streams", s.streamCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	delivered := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if delivered {
				return &errHealthyDisconnect{err: fmt.Errorf("read: %w", err)}
			}
			return fmt.Errorf("read: %w", err)
		}
		if s.dispatch(ctx, msg) {
			delivered = true
		}
	}
}

func (s *StreamClient) resubscribe() error {
	s.streamsMu.Lock()
	streams := make([]string, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.streamsMu.Unlock()
	return s.sendControl("SUBSCRIBE", streams)
}

func (s *StreamClient) streamCount() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

func (s *StreamClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// envelope is the combined-stream wrapper. Control acks carry id instead of
// stream.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     *int64          `json:"id"`
}

// dispatch routes one inbound frame. Returns true when a data event was
// delivered downstream.
func (s *StreamClient) dispatch(ctx context.Context, msg []byte) bool {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.Debug("ignoring non-json frame", "data", string(msg))
		return false
	}

	if env.Stream == "" {
		// Control ack or error for a subscribe/unsubscribe request.
		if len(env.Error) > 0 {
			s.logger.Error("stream control error", "error", string(env.Error))
		} else if env.ID != nil {
			s.logger.Debug("stream control ack", "id", *env.ID)
		}
		return false
	}

	// Stream names look like "btcusdt@kline_1m"; route on the suffix.
	_, suffix, ok := strings.Cut(env.Stream, "@")
	if !ok {
		s.logger.Debug("unroutable stream", "stream", env.Stream)
		return false
	}

	switch {
	case suffix == "ticker":
		return s.handleTicker(env.Data)
	case strings.HasPrefix(suffix, "depth"):
		return s.handleDepth(ctx, env.Data)
	case strings.HasPrefix(suffix, "kline_"):
		return s.handleKline(env.Data)
	case suffix == "aggTrade":
		return s.handleAggTrade(env.Data)
	default:
		s.logger.Debug("unknown stream suffix", "stream", env.Stream)
		return false
	}
}

func (s *StreamClient) handleTicker(data []byte) bool {
	var wire struct {
		Symbol      string `json:"s"`
		EventTime   int64  `json:"E"`
		PriceChange string `json:"p"`
		LastPrice   string `json:"c"`
		Volume      string `json:"v"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		s.logger.Error("unmarshal ticker", "error", err)
		return false
	}

	price, err := decimal.NewFromString(wire.LastPrice)
	if err != nil {
		s.logger.Error("ticker price", "symbol", wire.Symbol, "value", wire.LastPrice)
		return false
	}
	volume, err := decimal.NewFromString(wire.Volume)
	if err != nil {
		volume = decimal.Decimal{}
	}

	// No per-trade aggressor on the ticker; infer from the sign of the
	// 24h price change as a weak directional hint.
	side := types.BUY
	if change, err := decimal.NewFromString(wire.PriceChange); err == nil && change.IsNegative() {
		side = types.SELL
	}

	s.sendMarket(types.MarketData{
		Symbol:        wire.Symbol,
		Timestamp:     time.UnixMilli(wire.EventTime).UTC(),
		Price:         price,
		Volume:        volume,
		AggressorSide: side,
	})
	return true
}

func (s *StreamClient) handleAggTrade(data []byte) bool {
	var wire struct {
		Symbol     string `json:"s"`
		Price      string `json:"p"`
		Qty        string `json:"q"`
		TradeTime  int64  `json:"T"`
		BuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		s.logger.Error("unmarshal aggTrade", "error", err)
		return false
	}

	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		s.logger.Error("aggTrade price", "symbol", wire.Symbol, "value", wire.Price)
		return false
	}
	qty, err := decimal.NewFromString(wire.Qty)
	if err != nil {
		s.logger.Error("aggTrade qty", "symbol", wire.Symbol, "value", wire.Qty)
		return false
	}

	// When the buyer is the maker the trade was initiated by a seller,
	// so the aggressor side is SELL.
	side := types.BUY
	if wire.BuyerMaker {
		side = types.SELL
	}

	s.sendMarket(types.MarketData{
		Symbol:        wire.Symbol,
		Timestamp:     time.UnixMilli(wire.TradeTime).UTC(),
		Price:         price,
		Volume:        qty,
		AggressorSide: side,
	})
	return true
}

func (s *StreamClient) handleDepth(ctx context.Context, data []byte) bool {
	var wire struct {
		Symbol    string      `json:"s"`
		EventTime int64       `json:"E"`
		FirstID   int64       `json:"U"`
		FinalID   int64       `json:"u"`
		Bids      [][2]string `json:"b"`
		Asks      [][2]string `json:"a"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		s.logger.Error("unmarshal depth", "error", err)
		return false
	}

	update := types.DepthUpdate{
		Symbol:        wire.Symbol,
		FirstUpdateID: wire.FirstID,
		FinalUpdateID: wire.FinalID,
		Timestamp:     time.UnixMilli(wire.EventTime).UTC(),
		Bids:          make([]types.PriceLevel, 0, len(wire.Bids)),
		Asks:          make([]types.PriceLevel, 0, len(wire.Asks)),
	}
	for _, lv := range wire.Bids {
		level, err := parseLevel(lv)
		if err != nil {
			s.logger.Error("depth bid level", "symbol", wire.Symbol, "error", err)
			return false
		}
		update.Bids = append(update.Bids, level)
	}
	for _, lv := range wire.Asks {
		level, err := parseLevel(lv)
		if err != nil {
			s.logger.Error("depth ask level", "symbol", wire.Symbol, "error", err)
			return false
		}
		update.Asks = append(update.Asks, level)
	}

	// Depth diffs carry book sequencing; losing one forces a resync, so
	// the send blocks rather than drops.
	select {
	case s.depthCh <- update:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

func (s *StreamClient) handleKline(data []byte) bool {
	var wire struct {
		Symbol string `json:"s"`
		K      struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		s.logger.Error("unmarshal kline", "error", err)
		return false
	}

	var fields [5]decimal.Decimal
	for i, raw := range []string{wire.K.Open, wire.K.High, wire.K.Low, wire.K.Close, wire.K.Volume} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			s.logger.Error("kline field", "symbol", wire.Symbol, "value", raw)
			return false
		}
		fields[i] = v
	}

	k := types.Kline{
		Symbol:    wire.Symbol,
		Interval:  types.Interval(wire.K.Interval),
		OpenTime:  time.UnixMilli(wire.K.OpenTime).UTC(),
		CloseTime: time.UnixMilli(wire.K.CloseTime).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
		Closed:    wire.K.Closed,
	}

	select {
	case s.klineCh <- k:
		return true
	case <-s.closed:
		return false
	}
}

// sendMarket delivers a market data point, dropping the oldest buffered
// point when the consumer is behind. Ticks are snapshots; latest wins.
func (s *StreamClient) sendMarket(md types.MarketData) {
	select {
	case s.marketCh <- md:
		return
	default:
	}
	select {
	case <-s.marketCh:
	default:
	}
	select {
	case s.marketCh <- md:
	default:
	}
}

func (s *StreamClient) emitEvent(ev types.RiskEvent) {
	select {
	case s.eventCh <- ev:
	default:
		s.logger.Warn("event channel full, dropping stream event", "code", ev.Code)
	}
}
