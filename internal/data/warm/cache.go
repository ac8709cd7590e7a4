package warm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/data/cold"
	"github.com/fleetrun/fleetrun/internal/data/hydrate"
	"github.com/fleetrun/fleetrun/internal/market"
)

// ColdStore is the durable tier the warm cache hydrates from and writes
// through to.
type ColdStore interface {
	Get(ctx context.Context, symbol, tf string, opts cold.GetOpts) ([]market.Bar, error)
	Newest(ctx context.Context, symbol, tf string) (*market.Bar, error)
	Store(ctx context.Context, symbol, tf string, bars []market.Bar) (int, error)
}

// Fetcher is the remote hydrator contract.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, start, end time.Time, tf string) (*hydrate.Result, error)
}

// Config holds warm cache limits.
type Config struct {
	MaxBarsPerSymbol int
	EmergencyFloor   int
	StaleThreshold   time.Duration
	SnapshotTTL      time.Duration
	Timeframe        string
}

// DefaultConfig returns production limits (50k bars per symbol).
func DefaultConfig() Config {
	return Config{
		MaxBarsPerSymbol: 50_000,
		EmergencyFloor:   5_000,
		StaleThreshold:   5 * time.Minute,
		SnapshotTTL:      24 * time.Hour,
		Timeframe:        "1m",
	}
}

type symbolEntry struct {
	bars          []market.Bar
	lastRefreshAt time.Time
	lastError     string
}

// Cache is the in-memory warm bar tier. It owns an exclusive mutable copy
// of recent bars per symbol; a per-symbol refresh lock guarantees at most
// one concurrent hydration.
type Cache struct {
	config Config
	coldDB ColdStore
	remote Fetcher
	kv     *redis.Client // optional snapshot store, may be nil
	clk    clock.Clock

	mu       sync.RWMutex
	symbols  map[string]*symbolEntry
	inflight map[string]chan struct{}

	reads *prometheus.CounterVec
}

// New creates a warm cache. kv may be nil when no external key-value
// snapshot store is configured; reg may be nil to skip metric
// registration.
func New(config Config, coldDB ColdStore, remote Fetcher, kv *redis.Client, clk clock.Clock, reg prometheus.Registerer) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Cache{
		config:   config,
		coldDB:   coldDB,
		remote:   remote,
		kv:       kv,
		clk:      clk,
		symbols:  make(map[string]*symbolEntry),
		inflight: make(map[string]chan struct{}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_cache_reads_total",
			Help: "Warm cache serves and fills, per source tier.",
		}, []string{"tier"}),
	}
	if reg != nil {
		reg.MustRegister(c.reads)
	}
	return c
}

// GetOpts tunes a warm read.
type GetOpts struct {
	// RefreshDays bounds the remote hydration window when a refresh is
	// triggered. Zero means 7 days.
	RefreshDays int
	// MaxBars limits the returned slice to the newest N bars. Zero means all.
	MaxBars int
}

// Get returns cached bars for symbol. An empty cache triggers a blocking
// refresh; a stale one triggers a background refresh and returns the
// cached copy immediately.
func (c *Cache) Get(ctx context.Context, symbol string, opts GetOpts) ([]market.Bar, error) {
	days := opts.RefreshDays
	if days <= 0 {
		days = 7
	}

	c.mu.RLock()
	entry, ok := c.symbols[symbol]
	var cached []market.Bar
	var age time.Duration
	if ok {
		cached = entry.bars
		age = c.clk.Now().Sub(entry.lastRefreshAt)
	}
	c.mu.RUnlock()

	if !ok || len(cached) == 0 {
		if err := c.Refresh(ctx, symbol, days); err != nil {
			return nil, err
		}
		return c.snapshot(symbol, opts.MaxBars), nil
	}

	if age > c.config.StaleThreshold {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Refresh(refreshCtx, symbol, days); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("background warm refresh failed")
			}
		}()
	}

	c.reads.WithLabelValues("memory").Inc()
	return c.snapshot(symbol, opts.MaxBars), nil
}

func (c *Cache) snapshot(symbol string, maxBars int) []market.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.symbols[symbol]
	if !ok {
		return nil
	}
	bars := entry.bars
	if maxBars > 0 && len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	out := make([]market.Bar, len(bars))
	copy(out, bars)
	return out
}

// Refresh loads symbol's bars, trying warm state, then cold store, then
// the remote hydrator. If a refresh is already in flight for the symbol
// the call awaits it instead of starting a second one.
func (c *Cache) Refresh(ctx context.Context, symbol string, days int) error {
	c.mu.Lock()
	if ch, busy := c.inflight[symbol]; busy {
		c.mu.Unlock()
		select {
		case <-ch:
			return c.lastRefreshError(symbol)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight[symbol] = done
	c.mu.Unlock()

	err := c.doRefresh(ctx, symbol, days)

	c.mu.Lock()
	delete(c.inflight, symbol)
	entry := c.ensureEntryLocked(symbol)
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
		entry.lastRefreshAt = c.clk.Now()
	}
	c.mu.Unlock()
	close(done)

	return err
}

func (c *Cache) lastRefreshError(symbol string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.symbols[symbol]; ok && entry.lastError != "" {
		return fmt.Errorf("refresh %s: %s", symbol, entry.lastError)
	}
	return nil
}

func (c *Cache) ensureEntryLocked(symbol string) *symbolEntry {
	entry, ok := c.symbols[symbol]
	if !ok {
		entry = &symbolEntry{}
		c.symbols[symbol] = entry
	}
	return entry
}

func (c *Cache) doRefresh(ctx context.Context, symbol string, days int) error {
	tf := c.config.Timeframe
	now := c.clk.Now()

	// Cold store first.
	if c.coldDB != nil {
		bars, err := c.coldDB.Get(ctx, symbol, tf, cold.GetOpts{
			StartTs: now.AddDate(0, 0, -days).UnixMilli(),
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("cold read failed during refresh")
		} else if len(bars) > 0 {
			c.put(symbol, bars)
			c.snapshotToKV(ctx, symbol)
			c.reads.WithLabelValues("cold").Inc()
			return nil
		}
	}

	// Remote hydrator last.
	if c.remote == nil {
		return fmt.Errorf("refresh %s: no data in cold store and no remote hydrator configured", symbol)
	}
	res, err := c.remote.Fetch(ctx, symbol, now.AddDate(0, 0, -days), now, tf)
	if err != nil {
		return fmt.Errorf("remote hydration failed for %s: %w", symbol, err)
	}
	if len(res.Bars) == 0 {
		return fmt.Errorf("remote hydration returned no bars for %s", symbol)
	}

	c.put(symbol, res.Bars)
	c.snapshotToKV(ctx, symbol)
	c.reads.WithLabelValues("remote").Inc()

	if c.coldDB != nil {
		if _, err := c.coldDB.Store(ctx, symbol, tf, res.Bars); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("cold write-through failed")
		}
	}
	return nil
}

// put installs bars for symbol, trimmed to the hard cap keeping newest.
func (c *Cache) put(symbol string, bars []market.Bar) {
	trimmed := trimToCap(bars, c.config.MaxBarsPerSymbol)

	c.mu.Lock()
	entry := c.ensureEntryLocked(symbol)
	entry.bars = trimmed
	entry.lastRefreshAt = c.clk.Now()
	c.mu.Unlock()
}

// Append adds a live bar to the symbol's ring, deduplicating on event
// time and enforcing the cap.
func (c *Cache) Append(symbol string, bar market.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.ensureEntryLocked(symbol)
	if n := len(entry.bars); n > 0 {
		last := entry.bars[n-1]
		if bar.Ts == last.Ts {
			entry.bars[n-1] = bar
			return
		}
		if bar.Ts < last.Ts {
			return // router delivers in order; drop regressions
		}
	}
	entry.bars = append(entry.bars, bar)
	if len(entry.bars) > c.config.MaxBarsPerSymbol {
		entry.bars = trimToCap(entry.bars, c.config.MaxBarsPerSymbol)
	}
}

func trimToCap(bars []market.Bar, cap int) []market.Bar {
	if cap <= 0 || len(bars) <= cap {
		out := make([]market.Bar, len(bars))
		copy(out, bars)
		return out
	}
	out := make([]market.Bar, cap)
	copy(out, bars[len(bars)-cap:])
	return out
}

const kvKeyPrefix = "warmcache:bars:"

func (c *Cache) snapshotToKV(ctx context.Context, symbol string) {
	if c.kv == nil {
		return
	}
	bars := c.snapshot(symbol, c.config.EmergencyFloor)
	payload, err := json.Marshal(bars)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, kvKeyPrefix+symbol, payload, c.config.SnapshotTTL).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("kv snapshot write failed")
	}
}

// PreWarm loads symbols in three passes: external KV snapshot, cold store
// (fresh enough to use as-is, otherwise hydrate and queue a remote
// refresh), then remote for anything still missing.
func (c *Cache) PreWarm(ctx context.Context, symbols []string) {
	missing := make([]string, 0, len(symbols))

	// Pass 1: external persistent key-value snapshots.
	for _, symbol := range symbols {
		if c.kv == nil {
			missing = append(missing, symbol)
			continue
		}
		payload, err := c.kv.Get(ctx, kvKeyPrefix+symbol).Bytes()
		if err != nil {
			missing = append(missing, symbol)
			continue
		}
		var bars []market.Bar
		if err := json.Unmarshal(payload, &bars); err != nil || len(bars) == 0 {
			missing = append(missing, symbol)
			continue
		}
		c.put(symbol, bars)
		c.reads.WithLabelValues("kv").Inc()
		log.Info().Str("symbol", symbol).Int("bars", len(bars)).Msg("prewarmed from kv snapshot")
	}

	// Pass 2: cold store.
	stillMissing := make([]string, 0, len(missing))
	for _, symbol := range missing {
		if c.coldDB == nil {
			stillMissing = append(stillMissing, symbol)
			continue
		}
		newest, err := c.coldDB.Newest(ctx, symbol, c.config.Timeframe)
		if err != nil || newest == nil {
			stillMissing = append(stillMissing, symbol)
			continue
		}
		bars, err := c.coldDB.Get(ctx, symbol, c.config.Timeframe, cold.GetOpts{})
		if err != nil || len(bars) == 0 {
			stillMissing = append(stillMissing, symbol)
			continue
		}
		c.put(symbol, bars)
		if c.clk.Now().Sub(newest.Time()) > 24*time.Hour {
			// Usable as a fallback, but queue a remote refresh to close the gap.
			go func(sym string) {
				refreshCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				if err := c.Refresh(refreshCtx, sym, 7); err != nil {
					log.Warn().Err(err).Str("symbol", sym).Msg("post-prewarm refresh failed")
				}
			}(symbol)
		}
		log.Info().Str("symbol", symbol).Int("bars", len(bars)).Msg("prewarmed from cold store")
	}

	// Pass 3: remote hydrator.
	for _, symbol := range stillMissing {
		if err := c.Refresh(ctx, symbol, 7); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("prewarm hydration failed")
		}
	}
}

// TrimForMemoryPressure reduces every symbol to the emergency floor,
// preserving newest bars. Idempotent. Returns bars dropped per symbol.
func (c *Cache) TrimForMemoryPressure() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int)
	for symbol, entry := range c.symbols {
		if len(entry.bars) > c.config.EmergencyFloor {
			n := len(entry.bars) - c.config.EmergencyFloor
			entry.bars = trimToCap(entry.bars, c.config.EmergencyFloor)
			dropped[symbol] = n
		}
	}
	if len(dropped) > 0 {
		log.Warn().Interface("dropped", dropped).Msg("warm cache emergency trim")
	}
	return dropped
}

// Tail returns the newest cached bar for symbol, if any.
func (c *Cache) Tail(symbol string) (market.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.symbols[symbol]
	if !ok || len(entry.bars) == 0 {
		return market.Bar{}, false
	}
	return entry.bars[len(entry.bars)-1], true
}

// Stats reports per-symbol cache occupancy.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perSymbol := make(map[string]int, len(c.symbols))
	total := 0
	for symbol, entry := range c.symbols {
		perSymbol[symbol] = len(entry.bars)
		total += len(entry.bars)
	}
	return map[string]interface{}{
		"symbols":      len(c.symbols),
		"total_bars":   total,
		"bars_per_sym": perSymbol,
		"max_bars":     c.config.MaxBarsPerSymbol,
	}
}
