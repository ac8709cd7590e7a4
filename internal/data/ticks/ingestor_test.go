package ticks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/market"
)

type captureSink struct {
	mu       sync.Mutex
	trades   [][]market.TradeTick
	quotes   [][]market.QuoteTick
	l2       [][]L2Snapshot
	failNext bool
}

func (s *captureSink) PersistTrades(ctx context.Context, batch []market.TradeTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("db unavailable")
	}
	s.trades = append(s.trades, batch)
	return nil
}

func (s *captureSink) PersistQuotes(ctx context.Context, batch []market.QuoteTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, batch)
	return nil
}

func (s *captureSink) PersistL2(ctx context.Context, batch []L2Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l2 = append(s.l2, batch)
	return nil
}

func testIngestor(sink Sink) (*Ingestor, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	cfg := Config{BufferSize: 5, FlushInterval: time.Hour, MetricsWindow: 5 * time.Second}
	return New(cfg, sink, clk, nil), clk
}

func TestSizeTriggeredFlush(t *testing.T) {
	sink := &captureSink{}
	ing, clk := testIngestor(sink)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		ing.IngestTrade(ctx, market.TradeTick{
			Symbol: "MES", TsNs: clk.Now().UnixNano(), Seq: int64(n + 1), Price: 5000, Size: 1,
		})
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.trades, 1)
	require.Len(t, sink.trades[0], 5)
}

func TestSeqGapDetection(t *testing.T) {
	ing, clk := testIngestor(&captureSink{})
	ctx := context.Background()

	ing.IngestTrade(ctx, market.TradeTick{Symbol: "MES", TsNs: clk.Now().UnixNano(), Seq: 10, Price: 1, Size: 1})
	ing.IngestTrade(ctx, market.TradeTick{Symbol: "MES", TsNs: clk.Now().UnixNano(), Seq: 11, Price: 1, Size: 1})
	ing.IngestTrade(ctx, market.TradeTick{Symbol: "MES", TsNs: clk.Now().UnixNano(), Seq: 15, Price: 1, Size: 1})
	// Different symbol sequences are independent.
	ing.IngestTrade(ctx, market.TradeTick{Symbol: "MNQ", TsNs: clk.Now().UnixNano(), Seq: 1, Price: 1, Size: 1})

	gaps := ing.Gaps()
	require.Len(t, gaps, 1)
	require.Equal(t, "MES", gaps[0].Symbol)
	require.Equal(t, int64(12), gaps[0].Expected)
	require.Equal(t, int64(15), gaps[0].Received)
	require.Equal(t, int64(3), gaps[0].Size)
}

func TestTopOfBookFromQuotes(t *testing.T) {
	ing, clk := testIngestor(&captureSink{})
	ctx := context.Background()

	ing.IngestQuote(ctx, market.QuoteTick{
		Symbol: "MES", TsNs: clk.Now().UnixNano(),
		Bid: 4999.75, BidSize: 12, Ask: 5000.00, AskSize: 9,
	})

	tob, ok := ing.TopOfBook("MES")
	require.True(t, ok)
	require.Equal(t, 4999.75, tob.Bid)
	require.Equal(t, 5000.00, tob.Ask)
}

func TestExplicitL2OverridesQuoteBook(t *testing.T) {
	ing, clk := testIngestor(&captureSink{})
	ctx := context.Background()

	ing.IngestL2(ctx, L2Snapshot{
		Symbol: "MES", TsNs: clk.Now().UnixNano(),
		Bids: [][2]float64{{4999.50, 20}}, Asks: [][2]float64{{5000.25, 15}},
	})
	ing.IngestQuote(ctx, market.QuoteTick{
		Symbol: "MES", TsNs: clk.Now().UnixNano(),
		Bid: 1, BidSize: 1, Ask: 2, AskSize: 1,
	})

	tob, _ := ing.TopOfBook("MES")
	require.Equal(t, 4999.50, tob.Bid, "explicit L2 wins over quote derivation")
}

func TestFlushFailureReenqueuesBounded(t *testing.T) {
	sink := &captureSink{failNext: true}
	ing, clk := testIngestor(sink)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		ing.IngestTrade(ctx, market.TradeTick{Symbol: "MES", TsNs: clk.Now().UnixNano(), Price: 1, Size: 1})
	}

	// First flush failed; batch is back in the buffer.
	ing.mu.Lock()
	buffered := len(ing.trades)
	ing.mu.Unlock()
	require.Equal(t, 5, buffered)

	ing.Flush(ctx)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.trades, 1, "retry succeeds on next flush")
	require.Len(t, sink.trades[0], 5)
}

func TestWindowMetricsPercentiles(t *testing.T) {
	ing, clk := testIngestor(&captureSink{})
	ctx := context.Background()

	// Latencies of 10ms, 20ms, ..., 40ms against the fake clock.
	for n := 1; n <= 4; n++ {
		ing.IngestQuote(ctx, market.QuoteTick{
			Symbol: "MES",
			TsNs:   clk.Now().Add(-time.Duration(n*10) * time.Millisecond).UnixNano(),
			Bid:    1, Ask: 2,
		})
	}

	m := ing.WindowMetrics()
	require.Equal(t, int64(4), m.QuoteCount)
	require.InDelta(t, 30.0, m.LatencyP50Ms, 0.1)
	require.InDelta(t, 40.0, m.LatencyP99Ms, 0.1)
}
