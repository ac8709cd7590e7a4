package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/market"
)

type fakeFeed struct {
	mu          sync.Mutex
	events      chan FeedEvent
	connectErr  error
	subBarErr   error
	barSubs     []string
	quoteSubs   []string
	closed      bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan FeedEvent, 64)}
}

func (f *fakeFeed) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeFeed) SubscribeBars(symbol, tf string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subBarErr != nil {
		return f.subBarErr
	}
	f.barSubs = append(f.barSubs, symbol+":"+tf)
	return nil
}

func (f *fakeFeed) SubscribeQuotes(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteSubs = append(f.quoteSubs, symbol)
	return nil
}

func (f *fakeFeed) UnsubscribeBars(symbol, tf string) error { return nil }
func (f *fakeFeed) UnsubscribeQuotes(symbol string) error   { return nil }
func (f *fakeFeed) Events() <-chan FeedEvent                { return f.events }

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFeed) push(ev FeedEvent) { f.events <- ev }

func startRouter(t *testing.T, feed Feed) *Router {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	cfg := Config{BarInterval: time.Hour, StaleThreshold: time.Hour, Timeframe: "1m"}
	r := New(cfg, feed, nil, clk, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func barEvent(ts int64) FeedEvent {
	bar := market.Bar{Symbol: "MES", Timeframe: "1m", Ts: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1}
	return FeedEvent{Type: FeedBar, Bar: &bar, Key: "MES:1m"}
}

func TestBarsDeliveredInOrderAndDeduplicated(t *testing.T) {
	feed := newFakeFeed()
	r := startRouter(t, feed)

	var mu sync.Mutex
	var got []int64
	_, err := r.SubscribeBars("MES", "1m", func(b market.Bar) {
		mu.Lock()
		got = append(got, b.Ts)
		mu.Unlock()
	})
	require.NoError(t, err)

	feed.push(barEvent(100))
	feed.push(barEvent(200))
	feed.push(barEvent(150)) // older than last delivered, dropped
	feed.push(barEvent(200)) // duplicate, dropped
	feed.push(barEvent(300))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{100, 200, 300}, got)
}

func TestDisconnectEmitsFrozenAndSelfHeals(t *testing.T) {
	feed := newFakeFeed()
	r := startRouter(t, feed)

	var mu sync.Mutex
	var edges []RouterEventType
	r.SubscribeControl(func(ev RouterEventType, state SourceState) {
		mu.Lock()
		edges = append(edges, ev)
		mu.Unlock()
	})

	feed.push(FeedEvent{Type: FeedDisconnected})
	waitFor(t, func() bool { return r.State() == SourceCache })

	// First live bar self-heals back to streaming.
	feed.push(barEvent(100))
	waitFor(t, func() bool { return r.State() == SourceStream })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []RouterEventType{EventDataFrozen, EventDataResumed}, edges)
}

func TestInitialConnectFailureStartsInCache(t *testing.T) {
	feed := newFakeFeed()
	feed.connectErr = context.DeadlineExceeded

	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	cfg := Config{BarInterval: time.Hour, StaleThreshold: time.Hour, Timeframe: "1m"}
	r := New(cfg, feed, nil, clk, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Equal(t, SourceCache, r.State())
}

func TestSubscriptionFailureDegradesToCache(t *testing.T) {
	feed := newFakeFeed()
	feed.subBarErr = context.DeadlineExceeded
	r := startRouter(t, feed)

	_, err := r.SubscribeBars("MES", "1m", func(market.Bar) {})
	require.NoError(t, err, "subscription failure degrades, it does not error")
	require.Equal(t, SourceCache, r.State())
}

func TestLatestQuoteTracked(t *testing.T) {
	feed := newFakeFeed()
	r := startRouter(t, feed)

	var delivered sync.WaitGroup
	delivered.Add(1)
	_, err := r.SubscribeQuotes("MES", func(q market.QuoteTick) { delivered.Done() })
	require.NoError(t, err)

	quote := market.QuoteTick{Symbol: "MES", TsNs: 123, Bid: 1, Ask: 2}
	feed.push(FeedEvent{Type: FeedQuote, Quote: &quote, Key: "MES"})
	delivered.Wait()

	got, ok := r.LatestQuote("MES")
	require.True(t, ok)
	require.Equal(t, 123, int(got.TsNs))
}

func TestStoppedRouterDropsPendingBars(t *testing.T) {
	feed := newFakeFeed()
	r := startRouter(t, feed)

	var mu sync.Mutex
	count := 0
	_, err := r.SubscribeBars("MES", "1m", func(market.Bar) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	r.Stop()
	r.deliverBar(market.Bar{Symbol: "MES", Timeframe: "1m", Ts: 100})

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count, "callbacks observe stopped state and no-op")
}
