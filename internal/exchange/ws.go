// ws.go implements WebSocket feeds for real-time CLOB data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by asset ID (token ID), receives
//     "book" snapshots and "price_change" deltas for the order book.
//
//   - User feed (authenticated): subscribes by condition ID, receives
//     "trade" fills and "order" lifecycle events (placement, cancellation).
//
// Both feeds auto-reconnect with exponential backoff (1s → 60s max) and
// re-subscribe to all tracked IDs on reconnection. A read deadline ensures
// silent server failures are detected within ~2 missed pings, and the feed
// manager can force a reconnect when every subscribed book goes stale.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"updown-bot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 60 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	readBufferSize   = 256              // buffer for book/price events
	tradeBufferSize  = 64               // buffer for trade/order events
)

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth  // nil for market channel, set for user channel
	channelType string // "market" or "user"

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // asset IDs (market) or condition IDs (user)

	// forceReconnect is pulsed by the feed manager when all books stale out.
	forceReconnect chan struct{}

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	tradeCh       chan types.WSTradeEvent
	orderCh       chan types.WSOrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:            wsURL,
		channelType:    "market",
		subscribed:     make(map[string]bool),
		forceReconnect: make(chan struct{}, 1),
		bookCh:         make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh:  make(chan types.WSPriceChangeEvent, readBufferSize),
		tradeCh:        make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:        make(chan types.WSOrderEvent, tradeBufferSize),
		logger:         logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:            wsURL,
		auth:           auth,
		channelType:    "user",
		subscribed:     make(map[string]bool),
		forceReconnect: make(chan struct{}, 1),
		bookCh:         make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh:  make(chan types.WSPriceChangeEvent, readBufferSize),
		tradeCh:        make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:        make(chan types.WSOrderEvent, tradeBufferSize),
		logger:         logger.With("component", "ws_user"),
	}
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *WSFeed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns a read-only channel of price change events.
func (f *WSFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }

// TradeEvents returns a read-only channel of trade events (user channel).
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// OrderEvents returns a read-only channel of order events (user channel).
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent { return f.orderCh }

// ForceReconnect drops the current connection. Called by the feed manager
// when all subscribed books have been stale for N consecutive health ticks.
func (f *WSFeed) ForceReconnect() {
	select {
	case f.forceReconnect <- struct{}{}:
	default:
	}
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.connMu.Unlock()
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxReconnectWait
	bo.MaxElapsedTime = 0 // retry forever

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while resets the backoff schedule.
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds asset IDs (market channel) or condition IDs (user channel).
func (f *WSFeed) Subscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(f.subscribeMsg("subscribe", ids))
}

// Unsubscribe removes IDs from the subscription.
func (f *WSFeed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(f.subscribeMsg("unsubscribe", ids))
}

func (f *WSFeed) subscribeMsg(op string, ids []string) types.WSSubscribeMsg {
	msg := types.WSSubscribeMsg{Operation: op}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return msg
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Drain any force-reconnect pulse left over from the previous connection.
	select {
	case <-f.forceReconnect:
	default:
	}

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Ping loop keeps the connection alive; a forced reconnect closes it.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-f.forceReconnect:
				conn.Close()
				return
			case <-ticker.C:
				f.connMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				f.connMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(data)
	}
}

// sendInitialSubscription (re-)subscribes everything tracked, with auth for
// the user channel.
func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	msg := types.WSSubscribeMsg{}
	if f.channelType == "market" {
		msg.Type = "market"
		msg.AssetIDs = ids
	} else {
		msg.Type = "user"
		msg.Markets = ids
		if f.auth != nil {
			msg.Auth = f.auth.WSAuthPayload()
		}
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected: subscription set is tracked and replayed on connect.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// handleMessage routes one raw frame to the typed event channel. Messages
// may arrive as a single object or an array of objects.
func (f *WSFeed) handleMessage(data []byte) {
	if len(data) == 0 || string(data) == "PONG" {
		return
	}

	if data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return
		}
		for _, raw := range raws {
			f.handleOne(raw)
		}
		return
	}
	f.handleOne(data)
}

func (f *WSFeed) handleOne(data []byte) {
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}
	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		select {
		case f.priceChangeCh <- evt:
		default:
		}
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "market", evt.Market)
		}
	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "market", evt.Market)
		}
	}
}
