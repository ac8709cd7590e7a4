package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/market"
)

// FeedEventType enumerates streaming feed events.
type FeedEventType string

const (
	FeedBar                FeedEventType = "bar"
	FeedQuote              FeedEventType = "quote"
	FeedConnected          FeedEventType = "connected"
	FeedDisconnected       FeedEventType = "disconnected"
	FeedSubscriptionFailed FeedEventType = "subscription_failed"
	FeedStaleData          FeedEventType = "stale_data"
	FeedReconnectFailed    FeedEventType = "reconnect_failed"
)

// FeedEvent is one event from the streaming feed.
type FeedEvent struct {
	Type  FeedEventType
	Bar   *market.Bar
	Quote *market.QuoteTick
	Key   string
	Err   error
}

// Feed is the streaming market-data source.
type Feed interface {
	Connect(ctx context.Context) error
	SubscribeBars(symbol, tf string) error
	SubscribeQuotes(symbol string) error
	UnsubscribeBars(symbol, tf string) error
	UnsubscribeQuotes(symbol string) error
	Events() <-chan FeedEvent
	Close() error
}

// WSFeed is the production websocket feed client.
type WSFeed struct {
	url    string
	token  string
	header http.Header

	writeMu sync.Mutex
	conn    *websocket.Conn
	events  chan FeedEvent

	mu         sync.Mutex
	barSubs    map[string]bool // symbol:tf
	quoteSubs  map[string]bool // symbol
	connected  bool
	closeOnce  sync.Once
	closedCh   chan struct{}
	maxRetries int
}

// NewWSFeed creates a websocket feed client.
func NewWSFeed(url, token string) *WSFeed {
	header := make(http.Header)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WSFeed{
		url:        url,
		token:      token,
		header:     header,
		events:     make(chan FeedEvent, 256),
		barSubs:    make(map[string]bool),
		quoteSubs:  make(map[string]bool),
		closedCh:   make(chan struct{}),
		maxRetries: 5,
	}
}

type wireMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Tf     string  `json:"timeframe,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
	TsNs   int64   `json:"ts_ns,omitempty"`
	Seq    int64   `json:"seq,omitempty"`
	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`
	Volume int64   `json:"volume,omitempty"`
	Bid    float64 `json:"bid,omitempty"`
	BidSz  float64 `json:"bid_size,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	AskSz  float64 `json:"ask_size,omitempty"`
	Error  string  `json:"error,omitempty"`
	Key    string  `json:"key,omitempty"`
}

// Connect dials the feed and starts the read loop.
func (f *WSFeed) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		return fmt.Errorf("failed to connect to feed %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.emit(FeedEvent{Type: FeedConnected})
	go f.readLoop()
	return nil
}

func (f *WSFeed) readLoop() {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.closedCh:
				return
			default:
			}
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			f.emit(FeedEvent{Type: FeedDisconnected, Err: err})
			f.reconnect()
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Err(err).Msg("unparseable feed message")
			continue
		}
		f.dispatch(msg)
	}
}

func (f *WSFeed) dispatch(msg wireMessage) {
	switch msg.Type {
	case "bar":
		bar := market.Bar{
			Symbol: msg.Symbol, Timeframe: msg.Tf, Ts: msg.Ts,
			Open: msg.Open, High: msg.High, Low: msg.Low, Close: msg.Close, Volume: msg.Volume,
		}
		f.emit(FeedEvent{Type: FeedBar, Bar: &bar, Key: msg.Symbol + ":" + msg.Tf})
	case "quote":
		quote := market.QuoteTick{
			Symbol: msg.Symbol, TsNs: msg.TsNs, Seq: msg.Seq,
			Bid: msg.Bid, BidSize: msg.BidSz, Ask: msg.Ask, AskSize: msg.AskSz,
		}
		f.emit(FeedEvent{Type: FeedQuote, Quote: &quote, Key: msg.Symbol})
	case "subscription_failed":
		f.emit(FeedEvent{Type: FeedSubscriptionFailed, Key: msg.Key, Err: fmt.Errorf("%s", msg.Error)})
	case "stale_data":
		f.emit(FeedEvent{Type: FeedStaleData, Key: msg.Key})
	}
}

func (f *WSFeed) reconnect() {
	backoff := time.Second
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		select {
		case <-f.closedCh:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, f.header)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("feed reconnect failed")
			backoff *= 2
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.connected = true
		barSubs := make([]string, 0, len(f.barSubs))
		for key := range f.barSubs {
			barSubs = append(barSubs, key)
		}
		quoteSubs := make([]string, 0, len(f.quoteSubs))
		for sym := range f.quoteSubs {
			quoteSubs = append(quoteSubs, sym)
		}
		f.mu.Unlock()

		// Re-establish subscriptions after the new dial.
		for _, key := range barSubs {
			f.send(map[string]interface{}{"action": "subscribe", "channel": "bars", "key": key})
		}
		for _, sym := range quoteSubs {
			f.send(map[string]interface{}{"action": "subscribe", "channel": "quotes", "key": sym})
		}

		f.emit(FeedEvent{Type: FeedConnected})
		go f.readLoop()
		return
	}
	f.emit(FeedEvent{Type: FeedReconnectFailed, Err: fmt.Errorf("gave up after %d attempts", f.maxRetries)})
}

func (f *WSFeed) send(body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal feed message: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SubscribeBars subscribes to bar events for symbol at tf.
func (f *WSFeed) SubscribeBars(symbol, tf string) error {
	key := symbol + ":" + tf
	f.mu.Lock()
	f.barSubs[key] = true
	f.mu.Unlock()
	return f.send(map[string]interface{}{"action": "subscribe", "channel": "bars", "key": key})
}

// SubscribeQuotes subscribes to quote events for symbol.
func (f *WSFeed) SubscribeQuotes(symbol string) error {
	f.mu.Lock()
	f.quoteSubs[symbol] = true
	f.mu.Unlock()
	return f.send(map[string]interface{}{"action": "subscribe", "channel": "quotes", "key": symbol})
}

// UnsubscribeBars drops the bar subscription.
func (f *WSFeed) UnsubscribeBars(symbol, tf string) error {
	key := symbol + ":" + tf
	f.mu.Lock()
	delete(f.barSubs, key)
	f.mu.Unlock()
	return f.send(map[string]interface{}{"action": "unsubscribe", "channel": "bars", "key": key})
}

// UnsubscribeQuotes drops the quote subscription.
func (f *WSFeed) UnsubscribeQuotes(symbol string) error {
	f.mu.Lock()
	delete(f.quoteSubs, symbol)
	f.mu.Unlock()
	return f.send(map[string]interface{}{"action": "unsubscribe", "channel": "quotes", "key": symbol})
}

// Events returns the feed's event stream.
func (f *WSFeed) Events() <-chan FeedEvent {
	return f.events
}

// Close tears down the connection and stops reconnecting.
func (f *WSFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.connected = false
	f.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (f *WSFeed) emit(ev FeedEvent) {
	select {
	case f.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("feed event buffer full, dropping")
	}
}
