package router

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/data/facade"
	"github.com/fleetrun/fleetrun/internal/market"
)

// SourceState is the router's data-source state machine position.
type SourceState string

const (
	SourceStream SourceState = "ironbeam"
	SourceCache  SourceState = "cache"
	SourceNone   SourceState = "none"
)

// RouterEventType is a control event emitted to subscribers on source
// transitions.
type RouterEventType string

const (
	EventDataFrozen  RouterEventType = "DATA_FROZEN"
	EventDataResumed RouterEventType = "DATA_RESUMED"
)

// BarHandler receives bars in timestamp order for one subscription key.
type BarHandler func(bar market.Bar)

// QuoteHandler receives quotes for one symbol.
type QuoteHandler func(quote market.QuoteTick)

// ControlHandler receives DATA_FROZEN / DATA_RESUMED edges.
type ControlHandler func(event RouterEventType, state SourceState)

// Config holds router thresholds.
type Config struct {
	BarInterval    time.Duration // polling cadence while in cache state
	StaleThreshold time.Duration // no ticks for this long forces cache state
	Timeframe      string
}

// DefaultConfig returns production router settings.
func DefaultConfig() Config {
	return Config{
		BarInterval:    time.Minute,
		StaleThreshold: 30 * time.Second,
		Timeframe:      "1m",
	}
}

type barSub struct {
	id      int
	handler BarHandler
}

type quoteSub struct {
	id      int
	handler QuoteHandler
}

// Router fuses the streaming feed with cached fallback. While streaming
// is healthy bars and quotes flow straight through; on disconnect,
// subscription failure, or staleness it degrades to polling the bar
// facade at the bar interval and self-heals when live data returns.
type Router struct {
	config Config
	feed   Feed
	bars   *facade.Facade
	clk    clock.Clock

	mu            sync.Mutex
	state         SourceState
	barSubs       map[string][]barSub // key symbol:tf
	quoteSubs     map[string][]quoteSub
	controlSubs   []ControlHandler
	lastDelivered map[string]int64 // key -> last bar ts
	latestQuote   map[string]market.QuoteTick
	latestBar     map[string]market.Bar // key symbol:tf
	lastTickAt    time.Time
	nextSubID     int

	cancel  context.CancelFunc
	stopped bool

	stateGauge    *prometheus.GaugeVec
	barsDelivered *prometheus.CounterVec
	barsDropped   *prometheus.CounterVec
}

// New creates a router. reg may be nil to skip metric registration.
func New(config Config, feed Feed, bars *facade.Facade, clk clock.Clock, reg prometheus.Registerer) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Router{
		config:        config,
		feed:          feed,
		bars:          bars,
		clk:           clk,
		state:         SourceNone,
		barSubs:       make(map[string][]barSub),
		quoteSubs:     make(map[string][]quoteSub),
		lastDelivered: make(map[string]int64),
		latestQuote:   make(map[string]market.QuoteTick),
		latestBar:     make(map[string]market.Bar),
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetrun_router_source_state",
			Help: "Active data source (1 for the current state)",
		}, []string{"state"}),
		barsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_bars_delivered_total",
			Help: "Bars delivered to subscribers, per symbol.",
		}, []string{"symbol"}),
		barsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_bars_dropped_total",
			Help: "Out-of-order or duplicate bars dropped, per symbol.",
		}, []string{"symbol"}),
	}
	if reg != nil {
		reg.MustRegister(r.stateGauge, r.barsDelivered, r.barsDropped)
	}
	return r
}

// Start connects the feed and runs the event/polling loops until ctx is
// cancelled or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.feed.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("initial feed connect failed, starting in cache mode")
		r.transition(SourceCache)
	} else {
		r.transition(SourceStream)
	}

	go r.eventLoop(ctx)
	go r.pollLoop(ctx)
	go r.staleLoop(ctx)
	return nil
}

// Stop tears the router down; pending callbacks observe the stopped
// state and no-op.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.feed.Close()
}

func (r *Router) eventLoop(ctx context.Context) {
	events := r.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleFeedEvent(ev)
		}
	}
}

func (r *Router) handleFeedEvent(ev FeedEvent) {
	switch ev.Type {
	case FeedBar:
		r.noteTick()
		r.selfHeal()
		r.deliverBar(*ev.Bar)
	case FeedQuote:
		r.noteTick()
		r.selfHeal()
		r.deliverQuote(*ev.Quote)
	case FeedDisconnected:
		log.Warn().Err(ev.Err).Msg("feed disconnected, degrading to cache")
		r.transition(SourceCache)
	case FeedSubscriptionFailed:
		log.Warn().Str("key", ev.Key).Err(ev.Err).Msg("subscription failed, degrading to cache")
		r.transition(SourceCache)
	case FeedStaleData:
		log.Warn().Str("key", ev.Key).Msg("feed reported stale data")
		r.transition(SourceCache)
	case FeedReconnectFailed:
		log.Error().Err(ev.Err).Msg("feed reconnect exhausted, staying on cache")
		r.transition(SourceCache)
	case FeedConnected:
		// Streaming resumes once the first live bar or quote arrives.
		log.Info().Msg("feed connected")
	}
}

// selfHeal flips cache → stream on the first live tick.
func (r *Router) selfHeal() {
	r.mu.Lock()
	heal := r.state != SourceStream
	r.mu.Unlock()
	if heal {
		r.transition(SourceStream)
	}
}

func (r *Router) noteTick() {
	r.mu.Lock()
	r.lastTickAt = r.clk.Now()
	r.mu.Unlock()
}

func (r *Router) transition(next SourceState) {
	r.mu.Lock()
	if r.stopped || r.state == next {
		r.mu.Unlock()
		return
	}
	prev := r.state
	r.state = next
	controls := make([]ControlHandler, len(r.controlSubs))
	copy(controls, r.controlSubs)
	r.mu.Unlock()

	for _, s := range []SourceState{SourceStream, SourceCache, SourceNone} {
		val := 0.0
		if s == next {
			val = 1.0
		}
		r.stateGauge.WithLabelValues(string(s)).Set(val)
	}

	log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("router source transition")

	// Edge-triggered control events: leaving stream freezes, entering
	// stream resumes.
	var event RouterEventType
	switch {
	case next == SourceStream && prev != SourceStream:
		event = EventDataResumed
	case prev == SourceStream || prev == SourceNone:
		event = EventDataFrozen
	default:
		return
	}
	for _, handler := range controls {
		handler(event, next)
	}
}

func (r *Router) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.BarInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			polling := r.state == SourceCache
			keys := make([]string, 0, len(r.barSubs))
			for key := range r.barSubs {
				keys = append(keys, key)
			}
			r.mu.Unlock()
			if !polling || r.bars == nil {
				continue
			}
			for _, key := range keys {
				r.pollKey(ctx, key)
			}
		}
	}
}

func (r *Router) pollKey(ctx context.Context, key string) {
	symbol, _ := splitKey(key)
	bars, err := r.bars.GetBars(ctx, symbol, facade.Opts{MaxBars: 1})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("cache poll failed")
		return
	}
	if len(bars) > 0 {
		r.deliverBar(bars[len(bars)-1])
	}
}

func (r *Router) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.StaleThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			streaming := r.state == SourceStream
			stale := !r.lastTickAt.IsZero() && r.clk.Now().Sub(r.lastTickAt) > r.config.StaleThreshold
			r.mu.Unlock()
			if streaming && stale {
				log.Warn().Msg("no ticks within stale threshold, degrading to cache")
				r.transition(SourceCache)
			}
		}
	}
}

// deliverBar routes a bar to subscribers in timestamp order; bars at or
// before the last delivered ts for the key are dropped.
func (r *Router) deliverBar(bar market.Bar) {
	key := bar.Symbol + ":" + bar.Timeframe

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if last, ok := r.lastDelivered[key]; ok && bar.Ts <= last {
		r.mu.Unlock()
		r.barsDropped.WithLabelValues(bar.Symbol).Inc()
		return
	}
	r.lastDelivered[key] = bar.Ts
	r.latestBar[key] = bar
	subs := make([]barSub, len(r.barSubs[key]))
	copy(subs, r.barSubs[key])
	r.mu.Unlock()

	r.barsDelivered.WithLabelValues(bar.Symbol).Inc()
	for _, sub := range subs {
		sub.handler(bar)
	}
}

func (r *Router) deliverQuote(quote market.QuoteTick) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.latestQuote[quote.Symbol] = quote
	subs := make([]quoteSub, len(r.quoteSubs[quote.Symbol]))
	copy(subs, r.quoteSubs[quote.Symbol])
	r.mu.Unlock()

	for _, sub := range subs {
		sub.handler(quote)
	}
}

// SubscribeBars registers a bar handler for (symbol, tf) and subscribes
// upstream. Returns an unsubscribe func.
func (r *Router) SubscribeBars(symbol, tf string, handler BarHandler) (func(), error) {
	key := symbol + ":" + tf

	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	first := len(r.barSubs[key]) == 0
	r.barSubs[key] = append(r.barSubs[key], barSub{id: id, handler: handler})
	r.mu.Unlock()

	if first {
		if err := r.feed.SubscribeBars(symbol, tf); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("stream bar subscription failed, cache fallback")
			r.transition(SourceCache)
		}
	}

	return func() {
		r.mu.Lock()
		subs := r.barSubs[key]
		for idx, sub := range subs {
			if sub.id == id {
				r.barSubs[key] = append(subs[:idx], subs[idx+1:]...)
				break
			}
		}
		empty := len(r.barSubs[key]) == 0
		r.mu.Unlock()
		if empty {
			_ = r.feed.UnsubscribeBars(symbol, tf)
		}
	}, nil
}

// SubscribeQuotes registers a quote handler for symbol.
func (r *Router) SubscribeQuotes(symbol string, handler QuoteHandler) (func(), error) {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	first := len(r.quoteSubs[symbol]) == 0
	r.quoteSubs[symbol] = append(r.quoteSubs[symbol], quoteSub{id: id, handler: handler})
	r.mu.Unlock()

	if first {
		if err := r.feed.SubscribeQuotes(symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("stream quote subscription failed, cache fallback")
			r.transition(SourceCache)
		}
	}

	return func() {
		r.mu.Lock()
		subs := r.quoteSubs[symbol]
		for idx, sub := range subs {
			if sub.id == id {
				r.quoteSubs[symbol] = append(subs[:idx], subs[idx+1:]...)
				break
			}
		}
		empty := len(r.quoteSubs[symbol]) == 0
		r.mu.Unlock()
		if empty {
			_ = r.feed.UnsubscribeQuotes(symbol)
		}
	}, nil
}

// SubscribeControl registers a handler for DATA_FROZEN / DATA_RESUMED
// edges.
func (r *Router) SubscribeControl(handler ControlHandler) {
	r.mu.Lock()
	r.controlSubs = append(r.controlSubs, handler)
	r.mu.Unlock()
}

// State returns the current data-source state.
func (r *Router) State() SourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LatestQuote returns the newest streamed quote for symbol.
func (r *Router) LatestQuote(symbol string) (market.QuoteTick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.latestQuote[symbol]
	return q, ok
}

// LatestBar returns the newest delivered bar for (symbol, tf).
func (r *Router) LatestBar(symbol, tf string) (market.Bar, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.latestBar[symbol+":"+tf]
	return b, ok
}

// CacheTail returns the warm-cache tail bar for symbol.
func (r *Router) CacheTail(symbol string) (market.Bar, bool) {
	if r.bars == nil {
		return market.Bar{}, false
	}
	bars, err := r.bars.GetBars(context.Background(), symbol, facade.Opts{MaxBars: 1})
	if err != nil || len(bars) == 0 {
		return market.Bar{}, false
	}
	return bars[len(bars)-1], true
}

func splitKey(key string) (symbol, tf string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
