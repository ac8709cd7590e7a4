package ticks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/market"
)

// SeqGap records a detected gap in a symbol's tick sequence. Gaps are
// observability events; ticks are never reordered.
type SeqGap struct {
	Symbol   string    `json:"symbol"`
	Expected int64     `json:"expected"`
	Received int64     `json:"received"`
	Size     int64     `json:"size"`
	At       time.Time `json:"at"`
}

// TopOfBook is the best bid/ask derived from quote ticks when no explicit
// L2 snapshot is available.
type TopOfBook struct {
	Symbol  string
	Bid     float64
	BidSize float64
	Ask     float64
	AskSize float64
	TsNs    int64
}

// L2Snapshot is an explicit depth snapshot from the feed.
type L2Snapshot struct {
	Symbol string
	TsNs   int64
	Bids   [][2]float64 // price, size
	Asks   [][2]float64
}

// Sink receives flushed batches. A flush error re-enqueues the batch at
// the tail, bounded at twice the buffer size.
type Sink interface {
	PersistTrades(ctx context.Context, batch []market.TradeTick) error
	PersistQuotes(ctx context.Context, batch []market.QuoteTick) error
	PersistL2(ctx context.Context, batch []L2Snapshot) error
}

// Config holds ingestor flush thresholds.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	MetricsWindow time.Duration
}

// DefaultConfig flushes at 100 items or 5 seconds.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
		MetricsWindow: 5 * time.Second,
	}
}

// Metrics is a point-in-time view of the rolling ingest window.
type Metrics struct {
	WindowStart  time.Time `json:"window_start"`
	TradeCount   int64     `json:"trade_count"`
	QuoteCount   int64     `json:"quote_count"`
	L2Count      int64     `json:"l2_count"`
	GapCount     int64     `json:"gap_count"`
	DroppedCount int64     `json:"dropped_count"`
	LatencyP50Ms float64   `json:"latency_p50_ms"`
	LatencyP90Ms float64   `json:"latency_p90_ms"`
	LatencyP99Ms float64   `json:"latency_p99_ms"`
}

// Ingestor buffers trade, quote, and L2 events with size- and
// time-triggered flushing, tracks per-symbol sequence gaps, and derives
// top-of-book from quotes.
type Ingestor struct {
	config Config
	sink   Sink
	clk    clock.Clock

	mu          sync.Mutex
	trades      []market.TradeTick
	quotes      []market.QuoteTick
	l2          []L2Snapshot
	lastSeq     map[string]int64
	gaps        []SeqGap
	topOfBook   map[string]TopOfBook
	hasExplL2   map[string]bool
	windowStart time.Time
	window      Metrics
	latencies   []float64

	stopCh  chan struct{}
	stopped sync.Once

	ingestedTotal *prometheus.CounterVec
	gapTotal      prometheus.Counter
	droppedTotal  prometheus.Counter
}

// New creates a tick ingestor. reg may be nil to skip metric registration
// (tests).
func New(config Config, sink Sink, clk clock.Clock, reg prometheus.Registerer) *Ingestor {
	if clk == nil {
		clk = clock.Real{}
	}
	ing := &Ingestor{
		config:      config,
		sink:        sink,
		clk:         clk,
		lastSeq:     make(map[string]int64),
		topOfBook:   make(map[string]TopOfBook),
		hasExplL2:   make(map[string]bool),
		windowStart: clk.Now(),
		stopCh:      make(chan struct{}),
		ingestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_ticks_ingested_total",
			Help: "Ticks ingested by kind",
		}, []string{"kind"}),
		gapTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrun_tick_seq_gaps_total",
			Help: "Detected sequence gaps",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetrun_tick_batches_dropped_total",
			Help: "Tick batches dropped after persistence backpressure",
		}),
	}
	if reg != nil {
		reg.MustRegister(ing.ingestedTotal, ing.gapTotal, ing.droppedTotal)
	}
	return ing
}

// Start launches the time-triggered flush loop.
func (i *Ingestor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(i.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				i.Flush(context.Background())
				return
			case <-i.stopCh:
				i.Flush(context.Background())
				return
			case <-ticker.C:
				i.Flush(ctx)
			}
		}
	}()
}

// Stop halts the flush loop after a final flush.
func (i *Ingestor) Stop() {
	i.stopped.Do(func() { close(i.stopCh) })
}

// IngestTrade buffers a trade tick.
func (i *Ingestor) IngestTrade(ctx context.Context, t market.TradeTick) {
	i.mu.Lock()
	i.trackSeqLocked(t.Symbol, t.Seq)
	i.trades = append(i.trades, t)
	i.window.TradeCount++
	i.observeLatencyLocked(t.TsNs)
	full := len(i.trades) >= i.config.BufferSize
	i.mu.Unlock()

	i.ingestedTotal.WithLabelValues("trade").Inc()
	if full {
		i.Flush(ctx)
	}
}

// IngestQuote buffers a quote tick and refreshes derived top-of-book.
func (i *Ingestor) IngestQuote(ctx context.Context, q market.QuoteTick) {
	i.mu.Lock()
	i.trackSeqLocked(q.Symbol, q.Seq)
	i.quotes = append(i.quotes, q)
	i.window.QuoteCount++
	i.observeLatencyLocked(q.TsNs)
	if !i.hasExplL2[q.Symbol] {
		i.topOfBook[q.Symbol] = TopOfBook{
			Symbol: q.Symbol, Bid: q.Bid, BidSize: q.BidSize,
			Ask: q.Ask, AskSize: q.AskSize, TsNs: q.TsNs,
		}
	}
	full := len(i.quotes) >= i.config.BufferSize
	i.mu.Unlock()

	i.ingestedTotal.WithLabelValues("quote").Inc()
	if full {
		i.Flush(ctx)
	}
}

// IngestL2 buffers an explicit depth snapshot; its top level overrides the
// quote-derived book.
func (i *Ingestor) IngestL2(ctx context.Context, snap L2Snapshot) {
	i.mu.Lock()
	i.l2 = append(i.l2, snap)
	i.window.L2Count++
	i.observeLatencyLocked(snap.TsNs)
	i.hasExplL2[snap.Symbol] = true
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		i.topOfBook[snap.Symbol] = TopOfBook{
			Symbol: snap.Symbol,
			Bid:    snap.Bids[0][0], BidSize: snap.Bids[0][1],
			Ask: snap.Asks[0][0], AskSize: snap.Asks[0][1],
			TsNs: snap.TsNs,
		}
	}
	full := len(i.l2) >= i.config.BufferSize
	i.mu.Unlock()

	i.ingestedTotal.WithLabelValues("l2").Inc()
	if full {
		i.Flush(ctx)
	}
}

// trackSeqLocked records a gap when seq jumps past the expected next
// value. Seq 0 means the feed did not supply sequencing.
func (i *Ingestor) trackSeqLocked(symbol string, seq int64) {
	if seq == 0 {
		return
	}
	prev, seen := i.lastSeq[symbol]
	if seen && seq > prev+1 {
		gap := SeqGap{
			Symbol:   symbol,
			Expected: prev + 1,
			Received: seq,
			Size:     seq - prev - 1,
			At:       i.clk.Now(),
		}
		i.gaps = append(i.gaps, gap)
		i.window.GapCount++
		i.gapTotal.Inc()
		log.Warn().Str("symbol", symbol).Int64("expected", gap.Expected).
			Int64("received", gap.Received).Int64("size", gap.Size).Msg("tick sequence gap")
	}
	if seq > prev {
		i.lastSeq[symbol] = seq
	}
}

func (i *Ingestor) observeLatencyLocked(tsNs int64) {
	now := i.clk.Now()
	if now.Sub(i.windowStart) > i.config.MetricsWindow {
		i.windowStart = now
		i.window = Metrics{WindowStart: now}
		i.latencies = i.latencies[:0]
	}
	latMs := float64(now.UnixNano()-tsNs) / 1e6
	if latMs >= 0 {
		i.latencies = append(i.latencies, latMs)
	}
}

// Flush persists all three buffers. Failed batches are re-enqueued at the
// tail; once a buffer exceeds twice its size the oldest overflow is
// dropped and counted.
func (i *Ingestor) Flush(ctx context.Context) {
	i.mu.Lock()
	trades := i.trades
	quotes := i.quotes
	l2 := i.l2
	i.trades = nil
	i.quotes = nil
	i.l2 = nil
	i.mu.Unlock()

	if i.sink == nil {
		return
	}

	if len(trades) > 0 {
		if err := i.sink.PersistTrades(ctx, trades); err != nil {
			log.Error().Err(err).Int("batch", len(trades)).Msg("trade flush failed, re-enqueueing")
			i.mu.Lock()
			i.trades = append(i.trades, trades...)
			i.trades = i.capBufferLocked(i.trades)
			i.mu.Unlock()
		}
	}
	if len(quotes) > 0 {
		if err := i.sink.PersistQuotes(ctx, quotes); err != nil {
			log.Error().Err(err).Int("batch", len(quotes)).Msg("quote flush failed, re-enqueueing")
			i.mu.Lock()
			i.quotes = append(i.quotes, quotes...)
			if over := len(i.quotes) - 2*i.config.BufferSize; over > 0 {
				i.quotes = i.quotes[over:]
				i.recordDroppedLocked(over)
			}
			i.mu.Unlock()
		}
	}
	if len(l2) > 0 {
		if err := i.sink.PersistL2(ctx, l2); err != nil {
			log.Error().Err(err).Int("batch", len(l2)).Msg("l2 flush failed, re-enqueueing")
			i.mu.Lock()
			i.l2 = append(i.l2, l2...)
			if over := len(i.l2) - 2*i.config.BufferSize; over > 0 {
				i.l2 = i.l2[over:]
				i.recordDroppedLocked(over)
			}
			i.mu.Unlock()
		}
	}
}

func (i *Ingestor) capBufferLocked(buf []market.TradeTick) []market.TradeTick {
	if over := len(buf) - 2*i.config.BufferSize; over > 0 {
		i.recordDroppedLocked(over)
		return buf[over:]
	}
	return buf
}

func (i *Ingestor) recordDroppedLocked(n int) {
	i.window.DroppedCount += int64(n)
	i.droppedTotal.Add(float64(n))
}

// TopOfBook returns the current best bid/ask for symbol.
func (i *Ingestor) TopOfBook(symbol string) (TopOfBook, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	tob, ok := i.topOfBook[symbol]
	return tob, ok
}

// Gaps returns all recorded sequence gaps.
func (i *Ingestor) Gaps() []SeqGap {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]SeqGap, len(i.gaps))
	copy(out, i.gaps)
	return out
}

// WindowMetrics returns counts and latency percentiles for the current
// rolling window.
func (i *Ingestor) WindowMetrics() Metrics {
	i.mu.Lock()
	defer i.mu.Unlock()

	m := i.window
	m.WindowStart = i.windowStart
	if len(i.latencies) > 0 {
		sorted := make([]float64, len(i.latencies))
		copy(sorted, i.latencies)
		sort.Float64s(sorted)
		m.LatencyP50Ms = percentile(sorted, 0.50)
		m.LatencyP90Ms = percentile(sorted, 0.90)
		m.LatencyP99Ms = percentile(sorted, 0.99)
	}
	return m
}

// percentile takes a sorted slice and returns the nearest-rank percentile.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
